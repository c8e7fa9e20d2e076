package solvency

import (
	"context"
	"fmt"
	"sync"

	"github.com/terminal-bench/clearnet/internal/oracle"
	"github.com/terminal-bench/clearnet/internal/store"
)

// LedgerSource computes soft liabilities from the pending queues: every
// queued cash leg is an obligation until it settles, and every queued
// item-only transfer is valued at the oracle's indicative price. An
// unusable oracle quote fails the evaluation rather than undervaluing.
type LedgerSource struct {
	store  store.Store
	chains []string
	oracle *oracle.Oracle
	symbol string

	mu     sync.Mutex
	inflow int64
}

// NewLedgerSource creates a source over the given chains' pending queues.
func NewLedgerSource(st store.Store, chains []string, orc *oracle.Oracle, symbol string) *LedgerSource {
	return &LedgerSource{store: st, chains: chains, oracle: orc, symbol: symbol}
}

func (s *LedgerSource) SoftLiabilities(ctx context.Context) (int64, error) {
	var total int64
	var itemOnly int64
	for _, chain := range s.chains {
		pending, err := s.store.SnapshotPending(ctx, chain)
		if err != nil {
			return 0, fmt.Errorf("failed to snapshot %s: %w", chain, err)
		}
		for _, it := range pending {
			amount := it.AmountUnits
			if amount < 0 {
				amount = -amount
			}
			total += amount
			if amount == 0 && it.MovesItem() {
				itemOnly++
			}
		}
	}
	if itemOnly > 0 {
		price, err := s.oracle.Fetch(ctx, s.symbol)
		if err != nil {
			return 0, fmt.Errorf("failed to value item liabilities: %w", err)
		}
		total += itemOnly * price.Value.IntPart()
	}
	return total, nil
}

func (s *LedgerSource) PendingInflow(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflow, nil
}

// AddInflow records a confirmed deposit that has not reached the vault yet.
func (s *LedgerSource) AddInflow(units int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflow += units
}

// SettleInflow removes deposit value that has landed in the vault.
func (s *LedgerSource) SettleInflow(units int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflow -= units
	if s.inflow < 0 {
		s.inflow = 0
	}
}

var _ BalanceSource = (*LedgerSource)(nil)

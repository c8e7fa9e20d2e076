// Package solvency implements the watchtower that halts settlement when
// outstanding soft liabilities outgrow provable hard assets.
package solvency

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// State is the watchtower's two-state machine. There is no automatic path
// out of Paused: only an explicit operator clearance resumes operation.
type State string

const (
	StateSolvent State = "solvent"
	StatePaused  State = "paused"
)

var ErrNotPaused = errors.New("watchtower is not paused")

// BalanceSource reports the off-chain side of the solvency equation.
type BalanceSource interface {
	// SoftLiabilities is the sum of all unsettled obligations in units.
	SoftLiabilities(ctx context.Context) (int64, error)
	// PendingInflow is deposit value confirmed but not yet vaulted.
	PendingInflow(ctx context.Context) (int64, error)
}

// Report is one solvency evaluation.
type Report struct {
	State           State     `json:"state"`
	GapUnits        int64     `json:"gap_units"`
	SoftLiabilities int64     `json:"soft_liabilities"`
	HardAssets      int64     `json:"hard_assets"`
	PendingInflow   int64     `json:"pending_inflow"`
	At              time.Time `json:"at"`
}

// Watchtower periodically compares liabilities against vault assets and
// pauses the system when the gap exceeds the configured threshold.
type Watchtower struct {
	threshold  int64
	interval   time.Duration
	source     BalanceSource
	flags      chain.FlagStore
	targets    map[chain.ID]chain.Target
	gate       chain.IntakeGate
	pub        messaging.Publisher
	pauseChain bool

	mu    sync.Mutex
	state State
	last  Report
}

// Config holds watchtower configuration.
type Config struct {
	ThresholdUnits int64
	Interval       time.Duration
	// PauseChain also pauses the on-chain intake guard when breaching.
	PauseChain bool
}

// NewWatchtower creates a watchtower in the Solvent state.
func NewWatchtower(cfg Config, source BalanceSource, flags chain.FlagStore, targets map[chain.ID]chain.Target, gate chain.IntakeGate, pub messaging.Publisher) *Watchtower {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	return &Watchtower{
		threshold:  cfg.ThresholdUnits,
		interval:   cfg.Interval,
		source:     source,
		flags:      flags,
		targets:    targets,
		gate:       gate,
		pub:        pub,
		pauseChain: cfg.PauseChain,
		state:      StateSolvent,
	}
}

// Run evaluates solvency on the configured interval until ctx is done.
func (w *Watchtower) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Tick(ctx); err != nil {
				log.Printf("watchtower: tick failed: %v", err)
			}
		}
	}
}

// Tick evaluates solvency once. A breach transitions Solvent to Paused;
// once paused the watchtower stays paused no matter what later ticks see.
func (w *Watchtower) Tick(ctx context.Context) (Report, error) {
	soft, err := w.source.SoftLiabilities(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read liabilities: %w", err)
	}
	inflow, err := w.source.PendingInflow(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read pending inflow: %w", err)
	}
	hard, err := w.vaultBalance(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("failed to read vault balance: %w", err)
	}

	gap := soft - hard - inflow
	if gap < 0 {
		gap = 0
	}

	w.mu.Lock()
	report := Report{
		State:           w.state,
		GapUnits:        gap,
		SoftLiabilities: soft,
		HardAssets:      hard,
		PendingInflow:   inflow,
		At:              time.Now(),
	}
	breach := w.state == StateSolvent && gap > w.threshold
	if breach {
		w.state = StatePaused
		report.State = StatePaused
	}
	w.last = report
	w.mu.Unlock()

	if breach {
		w.pause(ctx, report)
	}
	return report, nil
}

func (w *Watchtower) vaultBalance(ctx context.Context) (int64, error) {
	active, err := w.flags.ActiveChain(ctx)
	if err != nil {
		return 0, err
	}
	target, ok := w.targets[active]
	if !ok {
		return 0, fmt.Errorf("no target for active chain %s", active)
	}
	return target.VaultBalance(ctx)
}

func (w *Watchtower) pause(ctx context.Context, report Report) {
	w.gate.Pause()
	if w.pauseChain {
		if active, err := w.flags.ActiveChain(ctx); err == nil {
			if target, ok := w.targets[active]; ok {
				if err := target.Pause(ctx); err != nil {
					log.Printf("watchtower: chain pause failed: %v", err)
				}
			}
		}
	}
	w.publish(ctx, messaging.EventTypeSolvencyPaused, report, "")
	log.Printf("watchtower: PAUSED, gap %d units exceeds threshold %d", report.GapUnits, w.threshold)
}

// Clear is the only path out of Paused. The operator identity is recorded
// in the cleared event.
func (w *Watchtower) Clear(ctx context.Context, operator string) error {
	w.mu.Lock()
	if w.state != StatePaused {
		w.mu.Unlock()
		return ErrNotPaused
	}
	w.state = StateSolvent
	report := w.last
	report.State = StateSolvent
	w.last = report
	w.mu.Unlock()

	w.gate.Resume()
	if w.pauseChain {
		if active, err := w.flags.ActiveChain(ctx); err == nil {
			if target, ok := w.targets[active]; ok {
				if err := target.Resume(ctx); err != nil {
					log.Printf("watchtower: chain resume failed: %v", err)
				}
			}
		}
	}
	w.publish(ctx, messaging.EventTypeSolvencyCleared, report, operator)
	log.Printf("watchtower: cleared by %s", operator)
	return nil
}

// State returns the current state.
func (w *Watchtower) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Last returns the most recent report.
func (w *Watchtower) Last() Report {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.last
}

func (w *Watchtower) publish(ctx context.Context, subject string, report Report, clearedBy string) {
	if w.pub == nil {
		return
	}
	event := messaging.SolvencyEvent{
		State:           string(report.State),
		GapUnits:        report.GapUnits,
		SoftLiabilities: report.SoftLiabilities,
		HardAssets:      report.HardAssets,
		PendingInflow:   report.PendingInflow,
		ClearedBy:       clearedBy,
		Timestamp:       time.Now(),
	}
	if err := w.pub.Publish(ctx, subject, event); err != nil {
		log.Printf("watchtower: publish %s failed: %v", subject, err)
	}
}

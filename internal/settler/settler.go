// Package settler drives the settlement loop: drain accepted intents, net
// them into plans, commit compressed records, submit to the active chain and
// record execution.
package settler

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/errgroup"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
	"github.com/terminal-bench/clearnet/internal/oracle"
	"github.com/terminal-bench/clearnet/internal/solvency"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/merkle"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// Config holds settler tuning.
type Config struct {
	Interval time.Duration
	BatchMax int
	// FastModeThreshold switches the engine to the single-pass reducer
	// above this many drained intents.
	FastModeThreshold int
	SubmitRetries     int
	PriceSymbol       string
}

// Archive is the optional durable audit backend.
type Archive interface {
	RecordExecution(ctx context.Context, rec store.ExecutionRecord) error
	RecordPlan(ctx context.Context, p *netting.Plan) error
}

// Settler runs settlement cycles against the active chain.
type Settler struct {
	cfg        Config
	store      store.Store
	engine     *netting.Engine
	flags      chain.FlagStore
	targets    map[chain.ID]chain.Target
	watchtower *solvency.Watchtower
	acc        *merkle.Accumulator
	archive    Archive
	oracle     *oracle.Oracle
	pub        messaging.Publisher
	notifier   *messaging.Notifier
}

// New creates a settler.
func New(cfg Config, st store.Store, engine *netting.Engine, flags chain.FlagStore, targets map[chain.ID]chain.Target, wt *solvency.Watchtower, acc *merkle.Accumulator, archive Archive, orc *oracle.Oracle, pub messaging.Publisher, notifier *messaging.Notifier) *Settler {
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = netting.MaxItemsPerBatch
	}
	if cfg.FastModeThreshold <= 0 {
		cfg.FastModeThreshold = 1000
	}
	if cfg.SubmitRetries <= 0 {
		cfg.SubmitRetries = 3
	}
	return &Settler{
		cfg: cfg, store: st, engine: engine, flags: flags, targets: targets,
		watchtower: wt, acc: acc, archive: archive, oracle: orc,
		pub: pub, notifier: notifier,
	}
}

// Run executes settlement cycles until ctx is done.
func (s *Settler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.RunOnce(ctx); err != nil {
				log.Printf("settler: cycle failed: %v", err)
			}
		}
	}
}

// RunOnce runs a single settlement cycle. A failed chain submission
// re-enqueues the drained intents so nothing is lost; an engine invariant
// violation is fatal and surfaces unwrapped.
func (s *Settler) RunOnce(ctx context.Context) error {
	if s.watchtower != nil && s.watchtower.State() == solvency.StatePaused {
		return nil
	}

	active, err := s.flags.ActiveChain(ctx)
	if err != nil {
		return fmt.Errorf("failed to resolve active chain: %w", err)
	}
	target, ok := s.targets[active]
	if !ok {
		return fmt.Errorf("no target for active chain %s", active)
	}

	if swept, err := s.store.SweepExpired(ctx, string(active), time.Now()); err != nil {
		log.Printf("settler: sweep expired failed: %v", err)
	} else if swept > 0 {
		log.Printf("settler: swept %d expired intents from %s", swept, active)
	}

	intents, err := s.store.DrainPending(ctx, string(active), s.cfg.BatchMax)
	if err != nil {
		return fmt.Errorf("failed to drain pending: %w", err)
	}
	if len(intents) == 0 {
		return nil
	}

	mode := netting.ModeGraph
	if len(intents) >= s.cfg.FastModeThreshold {
		mode = netting.ModeFast
	}

	plans, err := s.engine.Net(ctx, intents, mode)
	if err != nil {
		var violation *netting.InvariantViolation
		if !errors.As(err, &violation) {
			// allocation failures are retryable; put the work back
			if rqErr := s.store.Requeue(ctx, string(active), intents); rqErr != nil {
				log.Printf("settler: requeue after net failure lost %d intents: %v", len(intents), rqErr)
			}
		}
		return err
	}

	byID := make(map[string]*intent.TradeIntent, len(intents))
	for _, it := range intents {
		byID[it.ID.String()] = it
	}

	for _, plan := range plans {
		if err := s.settlePlan(ctx, active, target, plan, byID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Settler) settlePlan(ctx context.Context, active chain.ID, target chain.Target, plan *netting.Plan, byID map[string]*intent.TradeIntent) error {
	planIntents := make([]*intent.TradeIntent, 0, len(plan.IntentIDs))
	for _, id := range plan.IntentIDs {
		if it, ok := byID[id.String()]; ok {
			planIntents = append(planIntents, it)
		}
	}

	// compress item movements into the versioned accumulator so proofs stay
	// addressable per batch after later commits
	if plan.NumItems > 0 {
		for _, it := range planIntents {
			if it.MovesItem() {
				s.acc.Append(recordFor(it))
			}
		}
		commitment, err := s.acc.Commit(plan.BatchID)
		if err != nil {
			return fmt.Errorf("failed to commit batch %d: %w", plan.BatchID, err)
		}
		plan.CommittedRoot = hex.EncodeToString(commitment.Root[:])
	}

	s.publishBatch(ctx, messaging.EventTypeBatchCreated, plan, active, "", "")

	txRef, err := s.submit(ctx, target, plan)
	if err != nil {
		if plan.NumItems > 0 {
			// the root never reached the chain; drop the commitment so the
			// requeued intents commit cleanly on retry
			s.acc.Discard(plan.BatchID)
		}
		if rqErr := s.store.Requeue(ctx, string(active), planIntents); rqErr != nil {
			log.Printf("settler: requeue after submit failure lost %d intents: %v", len(planIntents), rqErr)
		}
		s.publishBatch(ctx, messaging.EventTypeBatchFailed, plan, active, err.Error(), "")
		return fmt.Errorf("failed to submit batch %d: %w", plan.BatchID, err)
	}

	// the execution registry is what failover reconciliation trusts, so it
	// is written before the plan is marked settled
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(16)
	for _, it := range planIntents {
		it := it
		group.Go(func() error {
			if err := s.store.MarkExecuted(gctx, it.ID, string(active)); err != nil {
				return err
			}
			if s.archive != nil {
				return s.archive.RecordExecution(gctx, store.ExecutionRecord{
					IntentID: it.ID, Chain: string(active), RecordedAt: time.Now(),
				})
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return fmt.Errorf("failed to record executions for batch %d: %w", plan.BatchID, err)
	}

	if err := s.store.SavePlan(ctx, plan); err != nil {
		return fmt.Errorf("failed to save plan %d: %w", plan.BatchID, err)
	}
	if err := s.store.MarkSettled(ctx, plan.BatchID, txRef); err != nil {
		return fmt.Errorf("failed to mark plan %d settled: %w", plan.BatchID, err)
	}
	if s.archive != nil {
		plan.Settled = true
		plan.TxRef = txRef
		if err := s.archive.RecordPlan(ctx, plan); err != nil {
			log.Printf("settler: archive plan %d failed: %v", plan.BatchID, err)
		}
	}

	s.publishBatch(ctx, messaging.EventTypeBatchSettled, plan, active, "", s.indicativeValue(ctx, plan))
	s.notifyWallets(plan)
	return nil
}

func (s *Settler) submit(ctx context.Context, target chain.Target, plan *netting.Plan) (string, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.SubmitRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
			}
		}
		txRef, err := target.SubmitBatch(ctx, plan)
		if err == nil {
			return txRef, nil
		}
		lastErr = err
	}
	return "", lastErr
}

// indicativeValue prices the gross cash flow of the plan for reporting.
// Valuation failures degrade to an empty string, never block settlement.
func (s *Settler) indicativeValue(ctx context.Context, plan *netting.Plan) string {
	if s.oracle == nil || s.cfg.PriceSymbol == "" {
		return ""
	}
	price, err := s.oracle.Fetch(ctx, s.cfg.PriceSymbol)
	if err != nil {
		return ""
	}
	var gross int64
	for _, delta := range plan.CashDeltas {
		if delta > 0 {
			gross += delta
		}
	}
	return price.Value.Mul(decimal.NewFromInt(gross)).String()
}

func (s *Settler) publishBatch(ctx context.Context, subject string, plan *netting.Plan, active chain.ID, errMsg, value string) {
	if s.pub == nil {
		return
	}
	event := messaging.BatchEvent{
		BatchID:         plan.BatchID,
		Chain:           string(active),
		NumIntents:      len(plan.IntentIDs),
		NumWallets:      plan.NumWallets,
		NumItems:        plan.NumItems,
		Root:            plan.CommittedRoot,
		TxRef:           plan.TxRef,
		Error:           errMsg,
		IndicativeValue: value,
		Timestamp:       time.Now(),
	}
	if err := s.pub.Publish(ctx, subject, event); err != nil {
		log.Printf("settler: publish %s failed: %v", subject, err)
	}
}

func (s *Settler) notifyWallets(plan *netting.Plan) {
	if s.notifier == nil {
		return
	}
	for wallet, delta := range plan.CashDeltas {
		s.notifier.Notify(wallet, "settlement", map[string]interface{}{
			"batch_id":    plan.BatchID,
			"delta_units": delta,
			"tx_ref":      plan.TxRef,
		})
	}
}

// recordFor compresses one item-moving intent into its on-chain record.
func recordFor(it *intent.TradeIntent) *merkle.Record {
	amount := it.AmountUnits
	if amount < 0 {
		amount = -amount
	}
	rec := &merkle.Record{
		RecordID:    RecordID(it.ID[:]),
		Seller:      hash32(it.From),
		AssetRef:    hash32(it.ItemID),
		Creator:     hash32(it.OwnerKey),
		StartPrice:  uint64(amount),
		Quantity:    1,
		StartTS:     it.CreatedAt.Unix(),
		StatusFlags: 1,
	}
	if !it.ExpiresAt.IsZero() {
		rec.EndTS = it.ExpiresAt.Unix()
	}
	switch it.Kind {
	case intent.KindBid:
		rec.Kind = 1
	case intent.KindBuyNow:
		rec.Kind = 2
		rec.BuyNowPrice = uint64(amount)
	case intent.KindTransfer:
		rec.Kind = 3
	}
	return rec
}

// RecordID derives the stable uint64 record id from an intent id.
func RecordID(id []byte) uint64 {
	return binary.LittleEndian.Uint64(id[:8])
}

func hash32(s string) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(s))
	var out [32]byte
	h.Sum(out[:0])
	return out
}

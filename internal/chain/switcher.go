package chain

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/clearnet/internal/store"
	"github.com/terminal-bench/clearnet/pkg/messaging"
)

// IntakeGate halts and resumes intent intake during a switchover.
type IntakeGate interface {
	Pause()
	Resume()
}

// SwitchResult summarizes one switchover attempt.
type SwitchResult struct {
	Skipped    bool // another switchover was already in flight, or flag moved
	From       ID
	To         ID
	Migrated   int
	Excluded   int // already executed on target, dropped from migration
	RolledBack bool
}

// Switcher orchestrates chain switchover. Exactly one switchover runs at a
// time: a second concurrent request is a no-op, not a queued retry.
type Switcher struct {
	store   store.Store
	flags   FlagStore
	targets map[ID]Target
	gate    IntakeGate
	pub     messaging.Publisher

	inFlight atomic.Bool
}

// NewSwitcher creates a switchover orchestrator.
func NewSwitcher(st store.Store, flags FlagStore, targets map[ID]Target, gate IntakeGate, pub messaging.Publisher) *Switcher {
	return &Switcher{store: st, flags: flags, targets: targets, gate: gate, pub: pub}
}

// SwitchOver moves settlement from one chain to the other. On any failure
// before the flag flip it rolls back: the source stays active and intake is
// resumed, so a failed failover never leaves the system wedged.
func (s *Switcher) SwitchOver(ctx context.Context, from, to ID) (SwitchResult, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return SwitchResult{Skipped: true, From: from, To: to}, nil
	}
	defer s.inFlight.Store(false)

	var result SwitchResult
	err := s.flags.WithLock(ctx, func(ctx context.Context) error {
		var err error
		result, err = s.switchLocked(ctx, from, to)
		return err
	})
	return result, err
}

func (s *Switcher) switchLocked(ctx context.Context, from, to ID) (SwitchResult, error) {
	result := SwitchResult{From: from, To: to}

	active, err := s.flags.ActiveChain(ctx)
	if err != nil {
		return result, &FailoverError{Step: "read-flag", Err: err}
	}
	if active != from {
		// another instance already moved the flag
		result.Skipped = true
		return result, nil
	}

	src, dst := s.targets[from], s.targets[to]

	s.gate.Pause()
	if err := src.Pause(ctx); err != nil {
		// source may be the reason we are failing over; keep going
		log.Printf("switchover: pause on %s failed: %v", from, err)
	}

	fail := func(step string, cause error) (SwitchResult, error) {
		s.rollback(ctx, src, &result, step, cause)
		return result, &FailoverError{Step: step, Err: cause}
	}

	// target must be reachable before anything moves
	if _, err := dst.BlockInfo(ctx); err != nil {
		return fail("probe-target", err)
	}

	snapshot, err := s.store.SnapshotPending(ctx, string(from))
	if err != nil {
		return fail("snapshot", err)
	}

	// registry reconciliation: anything the target chain already executed
	// must not migrate, or it would settle twice
	exclude := make(map[uuid.UUID]bool)
	for _, it := range snapshot {
		done, err := s.store.ExecutedOn(ctx, it.ID, string(to))
		if err != nil {
			return fail("reconcile", err)
		}
		if done {
			// idempotent merge: burn it on the source registry too so a
			// later switch back cannot replay it
			if err := s.store.MarkExecuted(ctx, it.ID, string(from)); err != nil {
				return fail("reconcile", err)
			}
			exclude[it.ID] = true
		}
	}
	result.Excluded = len(exclude)

	moved, err := s.store.MigratePending(ctx, string(from), string(to), exclude)
	if err != nil {
		return fail("migrate", err)
	}
	result.Migrated = moved

	// batch ids only merge forward; gaps are fine, regressions are not
	dstLast, err := dst.LastSettledBatch(ctx)
	if err != nil {
		return fail("target-sequence", err)
	}
	if err := s.store.MergeBatchIDFloor(ctx, dstLast); err != nil {
		return fail("merge-sequence", err)
	}

	if err := s.flags.SetActiveChain(ctx, to); err != nil {
		return fail("flip-flag", err)
	}

	if err := dst.Resume(ctx); err != nil {
		log.Printf("switchover: resume on %s failed: %v", to, err)
	}
	s.gate.Resume()

	s.publish(ctx, messaging.FailoverEvent{
		From:      string(from),
		To:        string(to),
		Migrated:  result.Migrated,
		Excluded:  result.Excluded,
		Timestamp: time.Now(),
	})
	return result, nil
}

// rollback restores the pre-switchover state: migrated intents move back,
// the source stays active and intake reopens.
func (s *Switcher) rollback(ctx context.Context, src Target, result *SwitchResult, step string, cause error) {
	if result.Migrated > 0 {
		if _, err := s.store.MigratePending(ctx, string(result.To), string(result.From), nil); err != nil {
			log.Printf("switchover rollback: migrate back failed: %v", err)
		}
	}
	if err := src.Resume(ctx); err != nil {
		log.Printf("switchover rollback: resume on %s failed: %v", result.From, err)
	}
	s.gate.Resume()
	result.RolledBack = true

	s.publish(ctx, messaging.FailoverEvent{
		From:       string(result.From),
		To:         string(result.To),
		Migrated:   result.Migrated,
		Excluded:   result.Excluded,
		RolledBack: true,
		Error:      step + ": " + cause.Error(),
		Timestamp:  time.Now(),
	})
}

func (s *Switcher) publish(ctx context.Context, event messaging.FailoverEvent) {
	if s.pub == nil {
		return
	}
	subject := messaging.EventTypeChainFailover
	if event.RolledBack {
		subject = messaging.EventTypeChainRollback
	}
	if err := s.pub.Publish(ctx, subject, event); err != nil {
		log.Printf("switchover: publish %s failed: %v", subject, err)
	}
}

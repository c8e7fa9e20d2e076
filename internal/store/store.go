// Package store is the atomic state surface shared by the clearing
// components: pending intents, per-session nonce sets and volume counters,
// the global execution registry and the batch id sequence. All check-and-set
// style updates are single atomic operations against the backend, never
// read-then-write sequences at the caller.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
)

// Execution records are retained for at least this long for audit and
// failover reconciliation.
const ExecutionRetention = 30 * 24 * time.Hour

var (
	ErrPlanNotFound   = errors.New("settlement plan not found")
	ErrPolicyNotFound = errors.New("session key policy not found")
)

// ExecutionRecord proves an intent executed on a chain. Written once per
// intent per chain, never deleted before the retention window expires.
type ExecutionRecord struct {
	IntentID   uuid.UUID `json:"intent_id"`
	Chain      string    `json:"chain"`
	RecordedAt time.Time `json:"recorded_at"`
}

// Store is the injected storage abstraction. Implementations: Memory for
// tests and single-node runs, Redis for production hot state.
type Store interface {
	// Pending intent queue, per chain.
	EnqueueIntent(ctx context.Context, chain string, it *intent.TradeIntent) error
	DrainPending(ctx context.Context, chain string, max int) ([]*intent.TradeIntent, error)
	SnapshotPending(ctx context.Context, chain string) ([]*intent.TradeIntent, error)
	Requeue(ctx context.Context, chain string, intents []*intent.TradeIntent) error
	MigratePending(ctx context.Context, from, to string, exclude map[uuid.UUID]bool) (int, error)
	SweepExpired(ctx context.Context, chain string, now time.Time) (int, error)
	PendingCount(ctx context.Context, chain string) (int, error)

	// AcceptIntent atomically performs the nonce check-and-mark and the
	// volume check-and-increment for one intent. Both succeed or both fail;
	// on rejection it reports which check lost. Nonces are global per
	// session key, so a replay is rejected even after a chain failover.
	AcceptIntent(ctx context.Context, sessionKey string, nonce uint64, amount, maxVolume int64) (bool, intent.Reason, error)
	NonceUsed(ctx context.Context, sessionKey string, nonce uint64) (bool, error)
	MarkNonceUsed(ctx context.Context, sessionKey string, nonce uint64) error
	SessionVolume(ctx context.Context, sessionKey string) (int64, error)

	// Execution registry: intent -> chain(s). MarkExecuted is idempotent.
	MarkExecuted(ctx context.Context, id uuid.UUID, chain string) error
	ExecutedOn(ctx context.Context, id uuid.UUID, chain string) (bool, error)
	Executions(ctx context.Context, since time.Time) ([]ExecutionRecord, error)

	// Batch id sequence: strictly increasing, merged forward on failover.
	NextBatchID(ctx context.Context) (uint64, error)
	MergeBatchIDFloor(ctx context.Context, floor uint64) error
	CurrentBatchID(ctx context.Context) (uint64, error)

	// Settlement plans.
	SavePlan(ctx context.Context, p *netting.Plan) error
	GetPlan(ctx context.Context, batchID uint64) (*netting.Plan, error)
	MarkSettled(ctx context.Context, batchID uint64, txRef string) error
}

// PolicyStore serves owner-issued session key policies, read-only to the
// core except for ingestion.
type PolicyStore interface {
	PutPolicy(ctx context.Context, p *intent.SessionKeyPolicy) error
	GetPolicy(ctx context.Context, sessionKey string) (*intent.SessionKeyPolicy, error)
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/terminal-bench/clearnet/internal/netting"
)

// Archive is the durable postgres audit trail behind the hot store: every
// execution record and settled plan lands here so the 30-day audit export
// survives redis restarts.
type Archive struct {
	db *sql.DB
}

// NewArchive opens the audit database.
func NewArchive(dsn string) (*Archive, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	return &Archive{db: db}, nil
}

// NewArchiveWithDB wraps an existing handle (tests).
func NewArchiveWithDB(db *sql.DB) *Archive {
	return &Archive{db: db}
}

// EnsureSchema creates the audit tables if they do not exist.
func (a *Archive) EnsureSchema(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS executions (
			intent_id   UUID        NOT NULL,
			chain       TEXT        NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (intent_id, chain)
		);
		CREATE TABLE IF NOT EXISTS plans (
			batch_id   BIGINT      PRIMARY KEY,
			payload    JSONB       NOT NULL,
			settled    BOOLEAN     NOT NULL,
			tx_ref     TEXT,
			created_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS executions_recorded_at_idx ON executions (recorded_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to ensure audit schema: %w", err)
	}
	return nil
}

// RecordExecution appends one execution record. Idempotent per (intent, chain).
func (a *Archive) RecordExecution(ctx context.Context, rec ExecutionRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO executions (intent_id, chain, recorded_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (intent_id, chain) DO NOTHING`,
		rec.IntentID, rec.Chain, rec.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record execution: %w", err)
	}
	return nil
}

// RecordPlan upserts a plan snapshot.
func (a *Archive) RecordPlan(ctx context.Context, p *netting.Plan) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to marshal plan: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO plans (batch_id, payload, settled, tx_ref, created_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (batch_id) DO UPDATE
		 SET payload = EXCLUDED.payload, settled = EXCLUDED.settled, tx_ref = EXCLUDED.tx_ref`,
		int64(p.BatchID), payload, p.Settled, p.TxRef, p.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record plan: %w", err)
	}
	return nil
}

// ExecutionsSince returns the audit export window ordered by time.
func (a *Archive) ExecutionsSince(ctx context.Context, since time.Time) ([]ExecutionRecord, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT intent_id, chain, recorded_at FROM executions
		 WHERE recorded_at >= $1 ORDER BY recorded_at ASC`,
		since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		if err := rows.Scan(&rec.IntentID, &rec.Chain, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// PlanHistory returns archived plans newest first.
func (a *Archive) PlanHistory(ctx context.Context, limit int) ([]*netting.Plan, error) {
	rows, err := a.db.QueryContext(ctx,
		`SELECT payload FROM plans ORDER BY batch_id DESC LIMIT $1`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	var out []*netting.Plan
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		var p netting.Plan
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// ExecutedOn reports whether the archive has a record for the intent on the
// chain. Used during failover reconciliation as a backstop behind redis.
func (a *Archive) ExecutedOn(ctx context.Context, id uuid.UUID, chain string) (bool, error) {
	var n int
	err := a.db.QueryRowContext(ctx,
		`SELECT COUNT(1) FROM executions WHERE intent_id = $1 AND chain = $2`,
		id, chain,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check execution: %w", err)
	}
	return n > 0, nil
}

// PurgeOlderThan deletes execution records past the retention window.
func (a *Archive) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx,
		`DELETE FROM executions WHERE recorded_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge executions: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the underlying handle.
func (a *Archive) Close() error {
	return a.db.Close()
}

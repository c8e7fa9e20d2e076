// Package chain abstracts the settlement ledgers behind the clearing layer:
// an RPC target per chain, a scored health monitor, the replicated
// active-chain flag, and the switchover orchestrator.
package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/terminal-bench/clearnet/internal/netting"
)

// ID names a settlement chain.
type ID string

const (
	Primary ID = "primary"
	Backup  ID = "backup"
)

// BlockInfo is the minimal view of a chain's head used for health scoring.
type BlockInfo struct {
	Height    uint64    `json:"height"`
	Hash      string    `json:"hash"`
	Timestamp time.Time `json:"timestamp"`
}

// Target is one settlement chain endpoint.
type Target interface {
	ID() ID
	// BlockInfo returns the current head.
	BlockInfo(ctx context.Context) (BlockInfo, error)
	// VaultBalance returns the hard asset units held by the settlement vault.
	VaultBalance(ctx context.Context) (int64, error)
	// LastSettledBatch returns the highest batch id the chain has accepted.
	LastSettledBatch(ctx context.Context) (uint64, error)
	// SubmitBatch submits a settlement plan and returns the transaction ref.
	SubmitBatch(ctx context.Context, plan *netting.Plan) (string, error)
	// Pause and Resume toggle the on-chain intake guard.
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
}

// FailoverError wraps a switchover failure with the step that broke.
type FailoverError struct {
	Step string
	Err  error
}

func (e *FailoverError) Error() string {
	return fmt.Sprintf("failover step %s failed: %v", e.Step, e.Err)
}

func (e *FailoverError) Unwrap() error { return e.Err }

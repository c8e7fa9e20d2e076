package messaging

import (
	"time"

	"github.com/google/uuid"
)

// Event subjects
const (
	EventTypeIntentAccepted = "intents.accepted"
	EventTypeIntentRejected = "intents.rejected"

	EventTypeBatchCreated = "batches.created"
	EventTypeBatchSettled = "batches.settled"
	EventTypeBatchFailed  = "batches.failed"

	EventTypeSolvencyPaused  = "solvency.paused"
	EventTypeSolvencyCleared = "solvency.cleared"

	EventTypeChainHealth   = "chains.health"
	EventTypeChainFailover = "chains.failover"
	EventTypeChainRollback = "chains.rollback"

	EventTypeNotify = "notify.user"
)

// IntentEvent reports the synchronous accept/reject outcome of a submission.
type IntentEvent struct {
	IntentID   uuid.UUID `json:"intent_id"`
	SessionKey string    `json:"session_key"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Kind       string    `json:"kind"`
	Amount     int64     `json:"amount_units"`
	Accepted   bool      `json:"accepted"`
	Reason     string    `json:"reason,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// BatchEvent reports settlement plan lifecycle transitions.
type BatchEvent struct {
	BatchID     uint64    `json:"batch_id"`
	Chain       string    `json:"chain"`
	NumIntents  int       `json:"num_intents"`
	NumWallets  int       `json:"num_wallets"`
	NumItems    int       `json:"num_items"`
	Root        string    `json:"root,omitempty"`
	TxRef       string    `json:"tx_ref,omitempty"`
	Error       string    `json:"error,omitempty"`
	IndicativeValue string `json:"indicative_value,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// SolvencyEvent reports watchtower state transitions.
type SolvencyEvent struct {
	State           string    `json:"state"`
	GapUnits        int64     `json:"gap_units"`
	SoftLiabilities int64     `json:"soft_liabilities"`
	HardAssets      int64     `json:"hard_assets"`
	PendingInflow   int64     `json:"pending_inflow"`
	ClearedBy       string    `json:"cleared_by,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// ChainHealthEvent reports one health-check tick for a chain.
type ChainHealthEvent struct {
	Chain          string    `json:"chain"`
	Status         string    `json:"status"`
	HealthScore    int       `json:"health_score"`
	LastBlockAgeMs int64     `json:"last_block_age_ms"`
	RPCLatencyMs   int64     `json:"rpc_latency_ms"`
	ErrorRate      float64   `json:"error_rate"`
	Timestamp      time.Time `json:"timestamp"`
}

// FailoverEvent reports a chain switchover outcome.
type FailoverEvent struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Migrated  int       `json:"migrated"`
	Excluded  int       `json:"excluded"` // already executed on target
	RolledBack bool     `json:"rolled_back"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// UserNotification is the fire-and-forget payload delivered to the external
// notification collaborator.
type UserNotification struct {
	UserID    string      `json:"user_id"`
	EventKind string      `json:"event_kind"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

package netting

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Protocol ceilings mirrored from the settlement contract. The engine
// refuses to emit a plan exceeding them; oversized pending sets are sliced.
const (
	MaxItemsPerBatch   = 10000
	MaxWalletsPerBatch = 5000
)

// Plan is the compressed output of netting one batch of accepted intents:
// per-wallet net cash deltas (summing to zero) and per-item final owners.
// Mutated to Settled only after the settlement call confirms; never after.
type Plan struct {
	BatchID         uint64               `json:"batch_id"`
	IntentIDs       []uuid.UUID          `json:"intent_ids"`
	CashDeltas      map[string]int64     `json:"cash_deltas"`
	FinalItemOwners map[string]string    `json:"final_item_owners"`
	NumWallets      int                  `json:"num_wallets"`
	NumItems        int                  `json:"num_items"`
	CommittedRoot   string               `json:"committed_root,omitempty"`
	Settled         bool                 `json:"settled"`
	TxRef           string               `json:"tx_ref,omitempty"`
	Warnings        []Warning            `json:"warnings,omitempty"`
	CreatedAt       time.Time            `json:"created_at"`
	SettledAt       *time.Time           `json:"settled_at,omitempty"`
}

// Warning surfaces a soft conflict: an intent whose item-ownership effect
// was superseded by a later intent. Its cash side still nets.
type Warning struct {
	ItemID     string    `json:"item_id"`
	Superseded uuid.UUID `json:"superseded_intent"`
	WinnerID   uuid.UUID `json:"winning_intent"`
}

// InvariantViolation indicates a logic defect in the engine itself: zero-sum
// failure, duplicate entries, or batch id regression. Fatal, never retried.
type InvariantViolation struct {
	Check  string
	Detail string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("netting invariant %s violated: %s", e.Check, e.Detail)
}

// verify checks the plan-level invariants before emission.
func (p *Plan) verify() error {
	var sum int64
	for _, delta := range p.CashDeltas {
		sum += delta
	}
	if sum != 0 {
		return &InvariantViolation{Check: "zero-sum", Detail: fmt.Sprintf("cash deltas sum to %d", sum)}
	}
	if p.NumItems > MaxItemsPerBatch {
		return &InvariantViolation{Check: "item-ceiling", Detail: fmt.Sprintf("%d items", p.NumItems)}
	}
	if p.NumWallets > MaxWalletsPerBatch {
		return &InvariantViolation{Check: "wallet-ceiling", Detail: fmt.Sprintf("%d wallets", p.NumWallets)}
	}
	return nil
}

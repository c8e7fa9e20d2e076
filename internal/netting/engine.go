package netting

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/terminal-bench/clearnet/internal/intent"
)

// Mode selects the netting algorithm. Both modes must produce identical
// plans for the same input set.
type Mode int

const (
	// ModeGraph builds an explicit wallet multigraph and reduces it.
	ModeGraph Mode = iota
	// ModeFast is the single-pass accumulator path used at large scale.
	ModeFast
)

// BatchSequence allocates strictly increasing batch ids. Gaps are
// acceptable across failover; regressions are not.
type BatchSequence interface {
	NextBatchID(ctx context.Context) (uint64, error)
}

// Engine converts a drained, immutable slice of accepted intents into one or
// more settlement plans. The reduction itself is pure and single-threaded;
// the caller guarantees an intent never appears in two concurrent passes.
type Engine struct {
	seq BatchSequence

	mu          sync.Mutex
	lastBatchID uint64
}

// NewEngine creates a netting engine on top of a batch id sequence.
func NewEngine(seq BatchSequence) *Engine {
	return &Engine{seq: seq}
}

// Net reduces intents into settlement plans, slicing when the wallet/item
// ceilings would be exceeded. It either returns complete valid plans for the
// whole input or an error; it never partially succeeds.
func (e *Engine) Net(ctx context.Context, intents []*intent.TradeIntent, mode Mode) ([]*Plan, error) {
	if len(intents) == 0 {
		return nil, nil
	}

	slices := sliceByCeilings(intents)

	plans := make([]*Plan, 0, len(slices))
	for _, slice := range slices {
		var plan *Plan
		switch mode {
		case ModeFast:
			plan = reduceFast(slice)
		default:
			plan = reduceGraph(slice)
		}

		batchID, err := e.seq.NextBatchID(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to allocate batch id: %w", err)
		}
		e.mu.Lock()
		if batchID <= e.lastBatchID {
			e.mu.Unlock()
			return nil, &InvariantViolation{
				Check:  "batch-id-monotonic",
				Detail: fmt.Sprintf("allocated %d after %d", batchID, e.lastBatchID),
			}
		}
		e.lastBatchID = batchID
		e.mu.Unlock()

		plan.BatchID = batchID
		plan.CreatedAt = time.Now()
		if err := plan.verify(); err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

// cashEdge is one weighted edge of the wallet multigraph.
type cashEdge struct {
	from   string
	to     string
	amount int64
}

// reduceGraph builds the directed multigraph and reduces it to net per-wallet
// balances. Opposing and cyclical flows collapse during summation: every
// edge contributes +amount to one wallet and -amount to another, so the
// zero-sum invariant holds by construction.
func reduceGraph(intents []*intent.TradeIntent) *Plan {
	edges := make([]cashEdge, 0, len(intents))
	for _, it := range intents {
		if it.AmountUnits != 0 {
			edges = append(edges, cashEdge{from: it.From, to: it.To, amount: it.AmountUnits})
		}
	}

	balances := make(map[string]int64)
	for _, edge := range edges {
		balances[edge.from] -= edge.amount
		balances[edge.to] += edge.amount
	}

	owners, warnings := resolveItemOwners(intents)
	return assemble(intents, balances, owners, warnings)
}

// reduceFast is the single-pass path: each intent's cash effect is applied
// immediately to the two wallet accumulators and the item owner pointer is
// conditionally overwritten. Output is identical to reduceGraph by
// construction of the same additive arithmetic.
func reduceFast(intents []*intent.TradeIntent) *Plan {
	balances := make(map[string]int64)
	winners := make(map[string]*intent.TradeIntent)
	var warnings []Warning

	for _, it := range intents {
		if it.AmountUnits != 0 {
			balances[it.From] -= it.AmountUnits
			balances[it.To] += it.AmountUnits
		}
		if !it.MovesItem() {
			continue
		}
		current, ok := winners[it.ItemID]
		if !ok {
			winners[it.ItemID] = it
			continue
		}
		if current.OrderTuple().Less(it.OrderTuple()) {
			warnings = append(warnings, Warning{ItemID: it.ItemID, Superseded: current.ID, WinnerID: it.ID})
			winners[it.ItemID] = it
		} else {
			warnings = append(warnings, Warning{ItemID: it.ItemID, Superseded: it.ID, WinnerID: current.ID})
		}
	}

	owners := make(map[string]string, len(winners))
	for itemID, win := range winners {
		owners[itemID] = win.To
	}
	return assemble(intents, balances, owners, warnings)
}

// resolveItemOwners picks, per item, the chronologically-last accepted
// transfer by (nonce, createdAt, id); earlier transfers of the same item are
// soft-dropped with a warning while their cash legs still net.
func resolveItemOwners(intents []*intent.TradeIntent) (map[string]string, []Warning) {
	winners := make(map[string]*intent.TradeIntent)
	var warnings []Warning
	for _, it := range intents {
		if !it.MovesItem() {
			continue
		}
		current, ok := winners[it.ItemID]
		if !ok {
			winners[it.ItemID] = it
			continue
		}
		if current.OrderTuple().Less(it.OrderTuple()) {
			warnings = append(warnings, Warning{ItemID: it.ItemID, Superseded: current.ID, WinnerID: it.ID})
			winners[it.ItemID] = it
		} else {
			warnings = append(warnings, Warning{ItemID: it.ItemID, Superseded: it.ID, WinnerID: current.ID})
		}
	}
	owners := make(map[string]string, len(winners))
	for itemID, win := range winners {
		owners[itemID] = win.To
	}
	return owners, warnings
}

// assemble canonicalizes the reduction into a plan: wallets netting to
// exactly zero are omitted so a pure cycle settles for free.
func assemble(intents []*intent.TradeIntent, balances map[string]int64, owners map[string]string, warnings []Warning) *Plan {
	deltas := make(map[string]int64, len(balances))
	for wallet, balance := range balances {
		if balance != 0 {
			deltas[wallet] = balance
		}
	}

	ids := make([]uuid.UUID, len(intents))
	for i, it := range intents {
		ids[i] = it.ID
	}

	sort.Slice(warnings, func(i, j int) bool {
		if warnings[i].ItemID != warnings[j].ItemID {
			return warnings[i].ItemID < warnings[j].ItemID
		}
		return warnings[i].Superseded.String() < warnings[j].Superseded.String()
	})

	return &Plan{
		IntentIDs:       ids,
		CashDeltas:      deltas,
		FinalItemOwners: owners,
		NumWallets:      len(deltas),
		NumItems:        len(owners),
		Warnings:        warnings,
	}
}

// sliceByCeilings partitions intents so no slice touches more than the
// protocol wallet/item ceilings. Counting touched wallets (rather than
// post-reduction non-zero wallets) is conservative but keeps a slice
// boundary from ever splitting one intent's two wallets.
func sliceByCeilings(intents []*intent.TradeIntent) [][]*intent.TradeIntent {
	var out [][]*intent.TradeIntent
	var current []*intent.TradeIntent
	wallets := make(map[string]bool)
	items := make(map[string]bool)

	flush := func() {
		if len(current) > 0 {
			out = append(out, current)
			current = nil
			wallets = make(map[string]bool)
			items = make(map[string]bool)
		}
	}

	for _, it := range intents {
		addedWallets := 0
		if !wallets[it.From] {
			addedWallets++
		}
		if !wallets[it.To] {
			addedWallets++
		}
		addedItems := 0
		if it.MovesItem() && !items[it.ItemID] {
			addedItems = 1
		}
		if len(wallets)+addedWallets > MaxWalletsPerBatch || len(items)+addedItems > MaxItemsPerBatch {
			flush()
		}
		wallets[it.From] = true
		wallets[it.To] = true
		if it.MovesItem() {
			items[it.ItemID] = true
		}
		current = append(current, it)
	}
	flush()
	return out
}

package netting_test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
)

type fakeSeq struct {
	next uint64
}

func (s *fakeSeq) NextBatchID(ctx context.Context) (uint64, error) {
	s.next++
	return s.next, nil
}

type stuckSeq struct{}

func (stuckSeq) NextBatchID(ctx context.Context) (uint64, error) { return 7, nil }

func makeIntent(from, to string, amount int64, nonce uint64) *intent.TradeIntent {
	return &intent.TradeIntent{
		ID:          uuid.New(),
		SessionKey:  "ab",
		From:        from,
		To:          to,
		AmountUnits: amount,
		Nonce:       nonce,
		CreatedAt:   time.Now(),
		Kind:        intent.KindTrade,
	}
}

func makeItemIntent(from, to, item string, amount int64, nonce uint64) *intent.TradeIntent {
	it := makeIntent(from, to, amount, nonce)
	it.ItemID = item
	it.Kind = intent.KindTransfer
	return it
}

func TestNetZeroSum(t *testing.T) {
	t.Run("should produce deltas summing to zero", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		intents := []*intent.TradeIntent{
			makeIntent("a", "b", 100, 1),
			makeIntent("b", "c", 40, 1),
			makeIntent("c", "a", 10, 1),
		}

		plans, err := engine.Net(context.Background(), intents, netting.ModeGraph)
		require.NoError(t, err)
		require.Len(t, plans, 1)

		var sum int64
		for _, delta := range plans[0].CashDeltas {
			sum += delta
		}
		assert.Equal(t, int64(0), sum)
		assert.Equal(t, int64(-90), plans[0].CashDeltas["a"])
		assert.Equal(t, int64(60), plans[0].CashDeltas["b"])
		assert.Equal(t, int64(30), plans[0].CashDeltas["c"])
	})

	t.Run("should return nothing for empty input", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		plans, err := engine.Net(context.Background(), nil, netting.ModeGraph)
		require.NoError(t, err)
		assert.Empty(t, plans)
	})
}

func TestCycleCancellation(t *testing.T) {
	t.Run("pure cycle should settle with empty deltas", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		intents := []*intent.TradeIntent{
			makeIntent("a", "b", 50, 1),
			makeIntent("b", "c", 50, 1),
			makeIntent("c", "a", 50, 1),
		}

		for _, mode := range []netting.Mode{netting.ModeGraph, netting.ModeFast} {
			plans, err := engine.Net(context.Background(), intents, mode)
			require.NoError(t, err)
			require.Len(t, plans, 1)
			assert.Empty(t, plans[0].CashDeltas)
			assert.Equal(t, 0, plans[0].NumWallets)
			assert.Len(t, plans[0].IntentIDs, 3)
		}
	})

	t.Run("opposing transfers should cancel", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		intents := []*intent.TradeIntent{
			makeIntent("a", "b", 100, 1),
			makeIntent("b", "a", 100, 1),
		}

		plans, err := engine.Net(context.Background(), intents, netting.ModeGraph)
		require.NoError(t, err)
		assert.Empty(t, plans[0].CashDeltas)
	})
}

func TestItemConflictPolicy(t *testing.T) {
	t.Run("later nonce wins item, earlier is soft-dropped with warning", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		first := makeItemIntent("a", "b", "sword", 100, 1)
		second := makeItemIntent("a", "c", "sword", 80, 2)

		plans, err := engine.Net(context.Background(), []*intent.TradeIntent{first, second}, netting.ModeGraph)
		require.NoError(t, err)
		require.Len(t, plans, 1)
		plan := plans[0]

		assert.Equal(t, "c", plan.FinalItemOwners["sword"])
		require.Len(t, plan.Warnings, 1)
		assert.Equal(t, first.ID, plan.Warnings[0].Superseded)
		assert.Equal(t, second.ID, plan.Warnings[0].WinnerID)

		// cash legs of both intents still net
		assert.Equal(t, int64(-180), plan.CashDeltas["a"])
		assert.Equal(t, int64(100), plan.CashDeltas["b"])
		assert.Equal(t, int64(80), plan.CashDeltas["c"])
	})

	t.Run("ties on nonce break by created time then id", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		base := time.Now()
		first := makeItemIntent("a", "b", "shield", 0, 5)
		first.AmountUnits = 10
		first.CreatedAt = base
		second := makeItemIntent("a", "c", "shield", 10, 5)
		second.CreatedAt = base.Add(time.Millisecond)

		plans, err := engine.Net(context.Background(), []*intent.TradeIntent{first, second}, netting.ModeFast)
		require.NoError(t, err)
		assert.Equal(t, "c", plans[0].FinalItemOwners["shield"])
	})
}

func TestModeEquivalence(t *testing.T) {
	equivalent := func(t *testing.T, intents []*intent.TradeIntent) {
		graphEngine := netting.NewEngine(&fakeSeq{})
		fastEngine := netting.NewEngine(&fakeSeq{})

		graphPlans, err := graphEngine.Net(context.Background(), intents, netting.ModeGraph)
		require.NoError(t, err)
		fastPlans, err := fastEngine.Net(context.Background(), intents, netting.ModeFast)
		require.NoError(t, err)

		require.Equal(t, len(graphPlans), len(fastPlans))
		for i := range graphPlans {
			assert.Equal(t, graphPlans[i].CashDeltas, fastPlans[i].CashDeltas)
			assert.Equal(t, graphPlans[i].FinalItemOwners, fastPlans[i].FinalItemOwners)
			assert.Equal(t, graphPlans[i].Warnings, fastPlans[i].Warnings)
			assert.Equal(t, graphPlans[i].IntentIDs, fastPlans[i].IntentIDs)
		}
	}

	t.Run("empty input", func(t *testing.T) {
		equivalent(t, nil)
	})

	t.Run("single intent", func(t *testing.T) {
		equivalent(t, []*intent.TradeIntent{makeIntent("a", "b", 42, 1)})
	})

	t.Run("randomized thousand intents", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		intents := make([]*intent.TradeIntent, 1000)
		for i := range intents {
			fromIdx := rng.Intn(50)
			toIdx := (fromIdx + 1 + rng.Intn(49)) % 50
			it := makeIntent(fmt.Sprintf("w%d", fromIdx), fmt.Sprintf("w%d", toIdx), int64(rng.Intn(1000)), uint64(i))
			if rng.Intn(3) == 0 {
				it.ItemID = fmt.Sprintf("item%d", rng.Intn(30))
			}
			intents[i] = it
		}
		equivalent(t, intents)
	})

	t.Run("randomized hundred thousand intents slice identically", func(t *testing.T) {
		// 12000 wallets exceed the per-plan ceiling, so both modes must
		// also agree on the slice boundaries
		rng := rand.New(rand.NewSource(2))
		intents := make([]*intent.TradeIntent, 100000)
		for i := range intents {
			fromIdx := rng.Intn(12000)
			toIdx := (fromIdx + 1 + rng.Intn(11999)) % 12000
			it := makeIntent(fmt.Sprintf("w%d", fromIdx), fmt.Sprintf("w%d", toIdx), int64(rng.Intn(1000)), uint64(i))
			if rng.Intn(5) == 0 {
				it.ItemID = fmt.Sprintf("item%d", rng.Intn(500))
			}
			intents[i] = it
		}
		equivalent(t, intents)
	})
}

func TestSlicing(t *testing.T) {
	t.Run("should split oversized input into valid plans", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		// 6000 disjoint wallet pairs touch 12000 wallets, over the 5000 ceiling
		intents := make([]*intent.TradeIntent, 6000)
		for i := range intents {
			intents[i] = makeIntent(fmt.Sprintf("src%d", i), fmt.Sprintf("dst%d", i), 10, uint64(i))
		}

		plans, err := engine.Net(context.Background(), intents, netting.ModeFast)
		require.NoError(t, err)
		assert.Greater(t, len(plans), 1)

		total := 0
		for _, plan := range plans {
			assert.LessOrEqual(t, plan.NumWallets, netting.MaxWalletsPerBatch)
			assert.LessOrEqual(t, plan.NumItems, netting.MaxItemsPerBatch)
			total += len(plan.IntentIDs)
		}
		assert.Equal(t, len(intents), total)
	})
}

func TestBatchIDMonotonic(t *testing.T) {
	t.Run("ids strictly increase across calls", func(t *testing.T) {
		engine := netting.NewEngine(&fakeSeq{})
		var last uint64
		for i := 0; i < 5; i++ {
			plans, err := engine.Net(context.Background(), []*intent.TradeIntent{makeIntent("a", "b", 1, uint64(i))}, netting.ModeGraph)
			require.NoError(t, err)
			assert.Greater(t, plans[0].BatchID, last)
			last = plans[0].BatchID
		}
	})

	t.Run("a non-advancing sequence is an invariant violation", func(t *testing.T) {
		engine := netting.NewEngine(stuckSeq{})
		_, err := engine.Net(context.Background(), []*intent.TradeIntent{makeIntent("a", "b", 1, 1)}, netting.ModeGraph)
		require.NoError(t, err)

		_, err = engine.Net(context.Background(), []*intent.TradeIntent{makeIntent("a", "b", 1, 2)}, netting.ModeGraph)
		var violation *netting.InvariantViolation
		require.ErrorAs(t, err, &violation)
		assert.Equal(t, "batch-id-monotonic", violation.Check)
	})
}

package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/netting"
	"github.com/terminal-bench/clearnet/internal/store"
)

func queued(id string) *intent.TradeIntent {
	return &intent.TradeIntent{
		ID:        uuid.New(),
		From:      id + "-from",
		To:        id + "-to",
		Nonce:     1,
		CreatedAt: time.Now(),
		Kind:      intent.KindTrade,
	}
}

func TestPendingQueue(t *testing.T) {
	ctx := context.Background()

	t.Run("drain preserves FIFO order and respects max", func(t *testing.T) {
		mem := store.NewMemory()
		a, b, c := queued("a"), queued("b"), queued("c")
		for _, it := range []*intent.TradeIntent{a, b, c} {
			require.NoError(t, mem.EnqueueIntent(ctx, "primary", it))
		}

		first, err := mem.DrainPending(ctx, "primary", 2)
		require.NoError(t, err)
		require.Len(t, first, 2)
		assert.Equal(t, a.ID, first[0].ID)
		assert.Equal(t, b.ID, first[1].ID)

		rest, err := mem.DrainPending(ctx, "primary", 0)
		require.NoError(t, err)
		require.Len(t, rest, 1)
		assert.Equal(t, c.ID, rest[0].ID)
	})

	t.Run("requeue returns intents to the front", func(t *testing.T) {
		mem := store.NewMemory()
		a, b := queued("a"), queued("b")
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", b))
		require.NoError(t, mem.Requeue(ctx, "primary", []*intent.TradeIntent{a}))

		drained, err := mem.DrainPending(ctx, "primary", 0)
		require.NoError(t, err)
		require.Len(t, drained, 2)
		assert.Equal(t, a.ID, drained[0].ID)
	})

	t.Run("migrate moves everything except the excluded set", func(t *testing.T) {
		mem := store.NewMemory()
		a, b, c := queued("a"), queued("b"), queued("c")
		for _, it := range []*intent.TradeIntent{a, b, c} {
			require.NoError(t, mem.EnqueueIntent(ctx, "primary", it))
		}

		moved, err := mem.MigratePending(ctx, "primary", "backup", map[uuid.UUID]bool{b.ID: true})
		require.NoError(t, err)
		assert.Equal(t, 2, moved)

		srcCount, _ := mem.PendingCount(ctx, "primary")
		dstCount, _ := mem.PendingCount(ctx, "backup")
		assert.Equal(t, 0, srcCount)
		assert.Equal(t, 2, dstCount)
	})

	t.Run("sweep drops only expired intents", func(t *testing.T) {
		mem := store.NewMemory()
		fresh := queued("fresh")
		stale := queued("stale")
		stale.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", fresh))
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", stale))

		swept, err := mem.SweepExpired(ctx, "primary", time.Now())
		require.NoError(t, err)
		assert.Equal(t, 1, swept)

		remaining, _ := mem.SnapshotPending(ctx, "primary")
		require.Len(t, remaining, 1)
		assert.Equal(t, fresh.ID, remaining[0].ID)
	})
}

func TestExecutionRegistry(t *testing.T) {
	ctx := context.Background()

	t.Run("mark executed is idempotent", func(t *testing.T) {
		mem := store.NewMemory()
		id := uuid.New()
		require.NoError(t, mem.MarkExecuted(ctx, id, "primary"))
		require.NoError(t, mem.MarkExecuted(ctx, id, "primary"))

		done, err := mem.ExecutedOn(ctx, id, "primary")
		require.NoError(t, err)
		assert.True(t, done)

		records, err := mem.Executions(ctx, time.Time{})
		require.NoError(t, err)
		assert.Len(t, records, 1)
	})

	t.Run("execution on one chain does not imply the other", func(t *testing.T) {
		mem := store.NewMemory()
		id := uuid.New()
		require.NoError(t, mem.MarkExecuted(ctx, id, "primary"))

		done, err := mem.ExecutedOn(ctx, id, "backup")
		require.NoError(t, err)
		assert.False(t, done)
	})
}

func TestBatchSequence(t *testing.T) {
	ctx := context.Background()

	t.Run("ids strictly increase", func(t *testing.T) {
		mem := store.NewMemory()
		first, err := mem.NextBatchID(ctx)
		require.NoError(t, err)
		second, err := mem.NextBatchID(ctx)
		require.NoError(t, err)
		assert.Greater(t, second, first)
	})

	t.Run("floor merge moves forward, never backward", func(t *testing.T) {
		mem := store.NewMemory()
		_, err := mem.NextBatchID(ctx)
		require.NoError(t, err)

		require.NoError(t, mem.MergeBatchIDFloor(ctx, 100))
		current, err := mem.CurrentBatchID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), current)

		// a lower floor is a no-op
		require.NoError(t, mem.MergeBatchIDFloor(ctx, 5))
		current, err = mem.CurrentBatchID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), current)

		next, err := mem.NextBatchID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(101), next)
	})
}

func TestPlans(t *testing.T) {
	ctx := context.Background()

	t.Run("save, fetch and settle a plan", func(t *testing.T) {
		mem := store.NewMemory()
		plan := &netting.Plan{
			BatchID:    42,
			CashDeltas: map[string]int64{"a": -10, "b": 10},
			NumWallets: 2,
			CreatedAt:  time.Now(),
		}
		require.NoError(t, mem.SavePlan(ctx, plan))

		loaded, err := mem.GetPlan(ctx, 42)
		require.NoError(t, err)
		assert.False(t, loaded.Settled)

		require.NoError(t, mem.MarkSettled(ctx, 42, "tx-abc"))
		loaded, err = mem.GetPlan(ctx, 42)
		require.NoError(t, err)
		assert.True(t, loaded.Settled)
		assert.Equal(t, "tx-abc", loaded.TxRef)
		assert.NotNil(t, loaded.SettledAt)
	})

	t.Run("missing plan returns ErrPlanNotFound", func(t *testing.T) {
		mem := store.NewMemory()
		_, err := mem.GetPlan(ctx, 9)
		assert.ErrorIs(t, err, store.ErrPlanNotFound)

		assert.ErrorIs(t, mem.MarkSettled(ctx, 9, "tx"), store.ErrPlanNotFound)
	})
}

package chain_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/clearnet/internal/chain"
	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/store"
)

type fakeGate struct {
	mu     sync.Mutex
	paused bool
}

func (g *fakeGate) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = true
}

func (g *fakeGate) Resume() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.paused = false
}

func (g *fakeGate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

func pendingIntent() *intent.TradeIntent {
	return &intent.TradeIntent{
		ID:        uuid.New(),
		From:      "a",
		To:        "b",
		Nonce:     1,
		CreatedAt: time.Now(),
		Kind:      intent.KindTrade,
	}
}

func newSwitchFixture() (*store.Memory, *chain.MemoryFlag, *fakeTarget, *fakeTarget, *fakeGate, *chain.Switcher) {
	mem := store.NewMemory()
	flags := chain.NewMemoryFlag(chain.Primary)
	primary := newFakeTarget(chain.Primary)
	backup := newFakeTarget(chain.Backup)
	gate := &fakeGate{}
	switcher := chain.NewSwitcher(mem, flags, map[chain.ID]chain.Target{
		chain.Primary: primary,
		chain.Backup:  backup,
	}, gate, nil)
	return mem, flags, primary, backup, gate, switcher
}

func TestSwitchOver(t *testing.T) {
	ctx := context.Background()

	t.Run("migrates pending work and flips the flag", func(t *testing.T) {
		mem, flags, _, _, gate, switcher := newSwitchFixture()
		for i := 0; i < 3; i++ {
			require.NoError(t, mem.EnqueueIntent(ctx, "primary", pendingIntent()))
		}

		result, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)
		assert.False(t, result.Skipped)
		assert.Equal(t, 3, result.Migrated)
		assert.Equal(t, 0, result.Excluded)

		active, err := flags.ActiveChain(ctx)
		require.NoError(t, err)
		assert.Equal(t, chain.Backup, active)

		backlog, _ := mem.PendingCount(ctx, "backup")
		assert.Equal(t, 3, backlog)
		assert.False(t, gate.Paused())
	})

	t.Run("excludes intents the target already executed", func(t *testing.T) {
		mem, _, _, _, _, switcher := newSwitchFixture()
		executed := pendingIntent()
		fresh := pendingIntent()
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", executed))
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", fresh))
		require.NoError(t, mem.MarkExecuted(ctx, executed.ID, "backup"))

		result, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)
		assert.Equal(t, 1, result.Migrated)
		assert.Equal(t, 1, result.Excluded)

		migrated, _ := mem.SnapshotPending(ctx, "backup")
		require.Len(t, migrated, 1)
		assert.Equal(t, fresh.ID, migrated[0].ID)
	})

	t.Run("merges target executions into the source registry", func(t *testing.T) {
		mem, _, _, _, _, switcher := newSwitchFixture()
		executed := pendingIntent()
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", executed))
		require.NoError(t, mem.MarkExecuted(ctx, executed.ID, "backup"))

		_, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)

		// switching back must find it burned on primary as well
		done, err := mem.ExecutedOn(ctx, executed.ID, "primary")
		require.NoError(t, err)
		assert.True(t, done)
	})

	t.Run("merges the batch sequence forward", func(t *testing.T) {
		mem, _, _, backup, _, switcher := newSwitchFixture()
		backup.lastBatch = 500

		_, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)

		next, err := mem.NextBatchID(ctx)
		require.NoError(t, err)
		assert.Equal(t, uint64(501), next)
	})

	t.Run("second request while flag already moved is a no-op", func(t *testing.T) {
		_, flags, _, _, _, switcher := newSwitchFixture()

		first, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)
		require.False(t, first.Skipped)

		second, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.NoError(t, err)
		assert.True(t, second.Skipped)

		active, _ := flags.ActiveChain(ctx)
		assert.Equal(t, chain.Backup, active)
	})

	t.Run("rolls back when the target is unreachable", func(t *testing.T) {
		mem, flags, _, backup, gate, switcher := newSwitchFixture()
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", pendingIntent()))
		backup.setBlockErr(errors.New("unreachable"))

		result, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.Error(t, err)
		var failure *chain.FailoverError
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "probe-target", failure.Step)
		assert.True(t, result.RolledBack)

		// source stays active, intake reopens, nothing was lost
		active, _ := flags.ActiveChain(ctx)
		assert.Equal(t, chain.Primary, active)
		assert.False(t, gate.Paused())
		backlog, _ := mem.PendingCount(ctx, "primary")
		assert.Equal(t, 1, backlog)
	})

	t.Run("rolls back a failure after migration", func(t *testing.T) {
		mem, flags, _, backup, gate, switcher := newSwitchFixture()
		for i := 0; i < 2; i++ {
			require.NoError(t, mem.EnqueueIntent(ctx, "primary", pendingIntent()))
		}
		backup.setLastBatchErr(errors.New("sequence query failed"))

		result, err := switcher.SwitchOver(ctx, chain.Primary, chain.Backup)
		require.Error(t, err)
		var failure *chain.FailoverError
		require.ErrorAs(t, err, &failure)
		assert.Equal(t, "target-sequence", failure.Step)
		assert.True(t, result.RolledBack)

		// migrated intents return to the source queue, source stays active
		active, _ := flags.ActiveChain(ctx)
		assert.Equal(t, chain.Primary, active)
		assert.False(t, gate.Paused())
		primaryBacklog, _ := mem.PendingCount(ctx, "primary")
		assert.Equal(t, 2, primaryBacklog)
		backupBacklog, _ := mem.PendingCount(ctx, "backup")
		assert.Equal(t, 0, backupBacklog)
	})
}

func TestGuardFailover(t *testing.T) {
	ctx := context.Background()

	t.Run("automatically switches after sustained primary outage", func(t *testing.T) {
		mem := store.NewMemory()
		flags := chain.NewMemoryFlag(chain.Primary)
		primaryTarget := newFakeTarget(chain.Primary)
		backupTarget := newFakeTarget(chain.Backup)
		gate := &fakeGate{}
		switcher := chain.NewSwitcher(mem, flags, map[chain.ID]chain.Target{
			chain.Primary: primaryTarget,
			chain.Backup:  backupTarget,
		}, gate, nil)
		monitors := map[chain.ID]*chain.Monitor{
			chain.Primary: chain.NewMonitor(primaryTarget),
			chain.Backup:  chain.NewMonitor(backupTarget),
		}
		guard := chain.NewGuard(monitors, switcher, flags, nil, nil, time.Second)

		primaryTarget.setBlockErr(errors.New("outage"))
		for i := 0; i < 3; i++ {
			guard.TickOnce(ctx)
		}

		active, err := flags.ActiveChain(ctx)
		require.NoError(t, err)
		assert.Equal(t, chain.Backup, active)
	})
}

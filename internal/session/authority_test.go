package session_test

import (
	"context"
	"crypto/ed25519"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/session"
	"github.com/terminal-bench/clearnet/internal/store"
)

func newSession(t *testing.T) (ed25519.PrivateKey, *intent.SessionKeyPolicy) {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	it := &intent.TradeIntent{}
	it.Sign(priv) // derive hex session key

	return priv, &intent.SessionKeyPolicy{
		OwnerKey:       "owner-1",
		SessionKey:     it.SessionKey,
		MaxVolumeUnits: 1000,
		ExpiresAt:      time.Now().Add(time.Hour),
		AllowedKinds:   []intent.Kind{intent.KindTrade, intent.KindTransfer},
		CreatedAt:      time.Now(),
	}
}

func signedIntent(priv ed25519.PrivateKey, amount int64, nonce uint64) *intent.TradeIntent {
	it := &intent.TradeIntent{
		ID:          uuid.New(),
		OwnerKey:    "owner-1",
		From:        "wallet-a",
		To:          "wallet-b",
		AmountUnits: amount,
		Nonce:       nonce,
		CreatedAt:   time.Now(),
		Kind:        intent.KindTrade,
	}
	it.Sign(priv)
	return it
}

func TestAuthorize(t *testing.T) {
	ctx := context.Background()

	t.Run("should accept a valid signed intent", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		decision, err := authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.True(t, decision.Accepted)

		volume, err := mem.SessionVolume(ctx, policy.SessionKey)
		require.NoError(t, err)
		assert.Equal(t, int64(100), volume)
	})

	t.Run("should reject tampered signature", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		it := signedIntent(priv, 100, 1)
		it.AmountUnits = 999 // signature no longer covers the payload

		decision, err := authority.Authorize(ctx, it)
		require.NoError(t, err)
		assert.False(t, decision.Accepted)
		assert.Equal(t, intent.ReasonBadSignature, decision.Reason)
	})

	t.Run("should reject when no policy exists", func(t *testing.T) {
		mem := store.NewMemory()
		priv, _ := newSession(t)
		authority := session.NewAuthority(mem, mem)

		decision, err := authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonPolicyMissing, decision.Reason)
	})

	t.Run("should reject expired policy", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		policy.ExpiresAt = time.Now().Add(-time.Minute)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		decision, err := authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonPolicyExpired, decision.Reason)
	})

	t.Run("should reject kind outside policy scope", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		policy.AllowedKinds = []intent.Kind{intent.KindBid}
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		decision, err := authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonKindNotAllowed, decision.Reason)
	})

	t.Run("should reject while intake is paused", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		authority.Pause()
		decision, err := authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonIntakePaused, decision.Reason)

		authority.Resume()
		decision, err = authority.Authorize(ctx, signedIntent(priv, 100, 1))
		require.NoError(t, err)
		assert.True(t, decision.Accepted)
	})
}

func TestNonceReplay(t *testing.T) {
	ctx := context.Background()

	t.Run("second use of a nonce is rejected without volume impact", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		first, err := authority.Authorize(ctx, signedIntent(priv, 100, 7))
		require.NoError(t, err)
		require.True(t, first.Accepted)

		replay, err := authority.Authorize(ctx, signedIntent(priv, 100, 7))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonNonceUsed, replay.Reason)

		volume, err := mem.SessionVolume(ctx, policy.SessionKey)
		require.NoError(t, err)
		assert.Equal(t, int64(100), volume)
	})

	t.Run("replay stays rejected after pending intents migrate chains", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		it := signedIntent(priv, 100, 9)
		decision, err := authority.Authorize(ctx, it)
		require.NoError(t, err)
		require.True(t, decision.Accepted)
		require.NoError(t, mem.EnqueueIntent(ctx, "primary", it))

		_, err = mem.MigratePending(ctx, "primary", "backup", nil)
		require.NoError(t, err)

		replay, err := authority.Authorize(ctx, signedIntent(priv, 100, 9))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonNonceUsed, replay.Reason)
	})
}

func TestVolumeCeiling(t *testing.T) {
	ctx := context.Background()

	t.Run("rejects the intent that would cross the cap", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		first, err := authority.Authorize(ctx, signedIntent(priv, 900, 1))
		require.NoError(t, err)
		require.True(t, first.Accepted)

		over, err := authority.Authorize(ctx, signedIntent(priv, 200, 2))
		require.NoError(t, err)
		assert.Equal(t, intent.ReasonVolumeExceeded, over.Reason)

		// exactly at the cap still fits
		exact, err := authority.Authorize(ctx, signedIntent(priv, 100, 3))
		require.NoError(t, err)
		assert.True(t, exact.Accepted)
	})

	t.Run("concurrent submissions never oversubscribe the cap", func(t *testing.T) {
		mem := store.NewMemory()
		priv, policy := newSession(t)
		require.NoError(t, mem.PutPolicy(ctx, policy))
		authority := session.NewAuthority(mem, mem)

		const workers = 20
		var wg sync.WaitGroup
		accepted := make(chan struct{}, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(nonce uint64) {
				defer wg.Done()
				decision, err := authority.Authorize(ctx, signedIntent(priv, 100, nonce))
				if err == nil && decision.Accepted {
					accepted <- struct{}{}
				}
			}(uint64(i + 1))
		}
		wg.Wait()
		close(accepted)

		count := 0
		for range accepted {
			count++
		}
		// cap 1000 / 100 each: exactly 10 winners regardless of interleaving
		assert.Equal(t, 10, count)

		volume, err := mem.SessionVolume(ctx, policy.SessionKey)
		require.NoError(t, err)
		assert.LessOrEqual(t, volume, policy.MaxVolumeUnits)
	})
}

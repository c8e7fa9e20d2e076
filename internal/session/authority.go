// Package session enforces delegated session key policies at the intake
// boundary. Every intent passes through exactly one Authorize call before it
// may enter a pending queue.
package session

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/terminal-bench/clearnet/internal/intent"
	"github.com/terminal-bench/clearnet/internal/store"
)

// Decision is the outcome of authorizing one intent.
type Decision struct {
	Accepted bool
	Reason   intent.Reason
}

// Authority validates intents against their session key policy and performs
// the atomic nonce/volume acceptance against the store.
type Authority struct {
	store    store.Store
	policies store.PolicyStore

	paused atomic.Bool
}

// NewAuthority creates a session authority over the given stores.
func NewAuthority(st store.Store, policies store.PolicyStore) *Authority {
	return &Authority{store: st, policies: policies}
}

// Pause stops intake. Rejections while paused carry ReasonIntakePaused so
// submitters can distinguish a halt from a policy failure.
func (a *Authority) Pause() { a.paused.Store(true) }

// Resume re-opens intake.
func (a *Authority) Resume() { a.paused.Store(false) }

// Paused reports whether intake is halted.
func (a *Authority) Paused() bool { return a.paused.Load() }

// Authorize runs the full acceptance pipeline for one intent: structural
// validation, signature check, policy scope, then the atomic nonce-and-volume
// reservation. A rejected intent reserves nothing; an accepted one has its
// nonce burned and volume counted before Authorize returns.
func (a *Authority) Authorize(ctx context.Context, it *intent.TradeIntent) (Decision, error) {
	if a.paused.Load() {
		return Decision{Reason: intent.ReasonIntakePaused}, nil
	}

	if err := it.Validate(); err != nil {
		return Decision{Reason: intent.ReasonMalformed}, nil
	}
	if err := it.VerifySignature(); err != nil {
		return Decision{Reason: intent.ReasonBadSignature}, nil
	}

	policy, err := a.policies.GetPolicy(ctx, it.SessionKey)
	if err == store.ErrPolicyNotFound {
		return Decision{Reason: intent.ReasonPolicyMissing}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load policy: %w", err)
	}
	if policy.OwnerKey != it.OwnerKey {
		return Decision{Reason: intent.ReasonPolicyMissing}, nil
	}
	now := time.Now()
	if policy.Expired(now) {
		return Decision{Reason: intent.ReasonPolicyExpired}, nil
	}
	if it.Expired(now) {
		return Decision{Reason: intent.ReasonPolicyExpired}, nil
	}
	if !policy.Allows(it.Kind) {
		return Decision{Reason: intent.ReasonKindNotAllowed}, nil
	}

	volume := it.AmountUnits
	if volume < 0 {
		volume = -volume
	}
	ok, reason, err := a.store.AcceptIntent(ctx, it.SessionKey, it.Nonce, volume, policy.MaxVolumeUnits)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to accept intent: %w", err)
	}
	if !ok {
		return Decision{Reason: reason}, nil
	}
	return Decision{Accepted: true}, nil
}

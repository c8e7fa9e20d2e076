package intent

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrMalformed    = errors.New("malformed intent")
	ErrBadSignature = errors.New("invalid intent signature")
)

// Kind classifies what a signed intent asks the clearing engine to do.
type Kind string

const (
	KindTrade    Kind = "trade"
	KindBid      Kind = "bid"
	KindBuyNow   Kind = "buy_now"
	KindTransfer Kind = "transfer"
)

// ValidKind reports whether k is a recognized intent kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindTrade, KindBid, KindBuyNow, KindTransfer:
		return true
	}
	return false
}

// Reason is a machine-readable rejection reason returned to submitters.
type Reason string

const (
	ReasonNone           Reason = ""
	ReasonMalformed      Reason = "malformed"
	ReasonBadSignature   Reason = "bad_signature"
	ReasonPolicyMissing  Reason = "policy_missing"
	ReasonPolicyExpired  Reason = "policy_expired"
	ReasonKindNotAllowed Reason = "kind_not_allowed"
	ReasonNonceUsed      Reason = "nonce_used"
	ReasonVolumeExceeded Reason = "volume_exceeded"
	ReasonIntakePaused   Reason = "intake_paused"
)

// TradeIntent is a signed request to move cash and/or an item between two
// wallets. Immutable once created; consumed exactly once by the engine.
type TradeIntent struct {
	ID          uuid.UUID `json:"id"`
	SessionKey  string    `json:"session_key"` // hex-encoded ed25519 public key
	OwnerKey    string    `json:"owner_key"`
	ItemID      string    `json:"item_id,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	AmountUnits int64     `json:"amount_units"` // smallest currency unit, signed
	Nonce       uint64    `json:"nonce"`
	Signature   []byte    `json:"signature"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	Kind        Kind      `json:"kind"`
}

// Validate performs structural checks that do not require store access.
func (t *TradeIntent) Validate() error {
	if t.ID == uuid.Nil {
		return errors.New("missing intent id")
	}
	if t.SessionKey == "" || t.From == "" || t.To == "" {
		return ErrMalformed
	}
	if t.From == t.To {
		return errors.New("self transfer")
	}
	if !ValidKind(t.Kind) {
		return errors.New("unknown intent kind")
	}
	if t.AmountUnits == 0 && t.ItemID == "" {
		return errors.New("intent moves neither cash nor item")
	}
	if len(t.Signature) != ed25519.SignatureSize {
		return ErrBadSignature
	}
	return nil
}

// Expired reports whether the intent's own expiry has passed. Intents
// without an expiry never expire on their own.
func (t *TradeIntent) Expired(now time.Time) bool {
	return !t.ExpiresAt.IsZero() && now.After(t.ExpiresAt)
}

// MovesItem reports whether the intent carries an item-ownership effect.
func (t *TradeIntent) MovesItem() bool {
	return t.ItemID != ""
}

// SigningBytes is the canonical byte encoding covered by the signature.
// Field order and fixed-width little-endian encodings must match the
// settlement contract's verifier exactly.
func (t *TradeIntent) SigningBytes() []byte {
	var buf bytes.Buffer
	buf.Write(t.ID[:])
	buf.WriteString(t.SessionKey)
	buf.WriteString(t.OwnerKey)
	buf.WriteString(t.From)
	buf.WriteString(t.To)
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], uint64(t.AmountUnits))
	buf.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], t.Nonce)
	buf.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], uint64(t.CreatedAt.UnixNano()))
	buf.Write(u[:])
	buf.WriteString(string(t.Kind))
	buf.WriteString(t.ItemID)
	return buf.Bytes()
}

// VerifySignature checks the intent signature against its session key.
func (t *TradeIntent) VerifySignature() error {
	pub, err := hex.DecodeString(t.SessionKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return ErrBadSignature
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), t.SigningBytes(), t.Signature) {
		return ErrBadSignature
	}
	return nil
}

// Sign signs the intent with the given session private key. Test and client
// helper; the engine itself only verifies.
func (t *TradeIntent) Sign(priv ed25519.PrivateKey) {
	t.SessionKey = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	t.Signature = ed25519.Sign(priv, t.SigningBytes())
}

// OrderTuple is the conflict-resolution ordering for item ownership: higher
// (nonce, createdAt, id) wins the final-owner slot.
func (t *TradeIntent) OrderTuple() OrderTuple {
	return OrderTuple{Nonce: t.Nonce, CreatedAt: t.CreatedAt.UnixNano(), ID: t.ID}
}

// OrderTuple orders intents for item-ownership conflicts.
type OrderTuple struct {
	Nonce     uint64
	CreatedAt int64
	ID        uuid.UUID
}

// Less reports whether o orders strictly before other.
func (o OrderTuple) Less(other OrderTuple) bool {
	if o.Nonce != other.Nonce {
		return o.Nonce < other.Nonce
	}
	if o.CreatedAt != other.CreatedAt {
		return o.CreatedAt < other.CreatedAt
	}
	return bytes.Compare(o.ID[:], other.ID[:]) < 0
}

// SessionKeyPolicy is the owner-issued scope for a delegated session key.
// Created externally by the owning wallet; read-only to the core.
type SessionKeyPolicy struct {
	OwnerKey       string    `json:"owner_key"`
	SessionKey     string    `json:"session_key"`
	MaxVolumeUnits int64     `json:"max_volume_units"`
	ExpiresAt      time.Time `json:"expires_at"`
	AllowedKinds   []Kind    `json:"allowed_kinds"`
	CreatedAt      time.Time `json:"created_at"`
}

// Expired reports whether the policy has lapsed.
func (p *SessionKeyPolicy) Expired(now time.Time) bool {
	return now.After(p.ExpiresAt)
}

// Allows reports whether the policy permits the given intent kind.
func (p *SessionKeyPolicy) Allows(k Kind) bool {
	for _, allowed := range p.AllowedKinds {
		if allowed == k {
			return true
		}
	}
	return false
}

package merkle

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/crypto/sha3"
)

var (
	ErrRecordNotFound = errors.New("record not found in any commitment")
	ErrEmptyCommit    = errors.New("cannot commit zero records")
)

// Record is the compressed on-chain representation of a listing/auction.
// Field order and fixed-width little-endian encodings must match the
// settlement contract's leaf hashing exactly; the root is the only value
// checked on-chain.
type Record struct {
	RecordID     uint64
	Seller       [32]byte
	AssetRef     [32]byte // mint address or metadata hash
	StartPrice   uint64
	BuyNowPrice  uint64
	ReservePrice uint64
	StartTS      int64
	EndTS        int64
	StatusFlags  uint8
	Kind         uint8
	Quantity     uint64
	Creator      [32]byte
	RoyaltyBps   uint16
	Reserved     [6]byte
}

// LeafHash computes the keccak-256 leaf hash of the record.
func (r *Record) LeafHash() [32]byte {
	h := sha3.NewLegacyKeccak256()
	var u [8]byte
	binary.LittleEndian.PutUint64(u[:], r.RecordID)
	h.Write(u[:])
	h.Write(r.Seller[:])
	h.Write(r.AssetRef[:])
	binary.LittleEndian.PutUint64(u[:], r.StartPrice)
	h.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], r.BuyNowPrice)
	h.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], r.ReservePrice)
	h.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], uint64(r.StartTS))
	h.Write(u[:])
	binary.LittleEndian.PutUint64(u[:], uint64(r.EndTS))
	h.Write(u[:])
	h.Write([]byte{r.StatusFlags, r.Kind})
	binary.LittleEndian.PutUint64(u[:], r.Quantity)
	h.Write(u[:])
	h.Write(r.Creator[:])
	var v [2]byte
	binary.LittleEndian.PutUint16(v[:], r.RoyaltyBps)
	h.Write(v[:])
	h.Write(r.Reserved[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

// Proof is an inclusion proof for a single record against a committed root.
type Proof struct {
	Root      [32]byte   `json:"root"`
	Path      [][32]byte `json:"path"`
	LeafIndex int        `json:"leaf_index"`
	BatchID   uint64     `json:"batch_id"`
}

// Commitment is one committed tree version, addressable by batch id so late
// proof requests can still verify against the root that went on-chain.
type Commitment struct {
	BatchID    uint64
	Root       [32]byte
	Count      int
	StartIndex int
	EndIndex   int

	leaves  [][32]byte
	indexOf map[uint64]int // record id -> leaf index
}

// Accumulator is an append-only Merkle accumulator over serialized records.
// Each Commit produces a new historically-retained root; proofs are served
// against the commitment that contains the record.
type Accumulator struct {
	mu          sync.RWMutex
	pending     []*Record
	nextIndex   int
	commitments []*Commitment
	byBatch     map[uint64]*Commitment
}

// NewAccumulator creates an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{byBatch: make(map[uint64]*Commitment)}
}

// Append stages records for the next commitment.
func (a *Accumulator) Append(records ...*Record) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, records...)
}

// Commit hashes all staged records into a tree, retains the version under
// batchID and returns the commitment. The previous roots stay addressable.
func (a *Accumulator) Commit(batchID uint64) (*Commitment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(a.pending) == 0 {
		return nil, ErrEmptyCommit
	}
	if _, dup := a.byBatch[batchID]; dup {
		return nil, fmt.Errorf("batch %d already committed", batchID)
	}

	leaves := make([][32]byte, len(a.pending))
	indexOf := make(map[uint64]int, len(a.pending))
	for i, r := range a.pending {
		leaves[i] = r.LeafHash()
		indexOf[r.RecordID] = i
	}

	c := &Commitment{
		BatchID:    batchID,
		Root:       computeRoot(leaves),
		Count:      len(leaves),
		StartIndex: a.nextIndex,
		EndIndex:   a.nextIndex + len(leaves) - 1,
		leaves:     leaves,
		indexOf:    indexOf,
	}
	a.nextIndex += len(leaves)
	a.pending = nil
	a.commitments = append(a.commitments, c)
	a.byBatch[batchID] = c
	return c, nil
}

// Discard removes a commitment whose batch never reached the chain, so its
// root stops being addressable and its leaf range is reclaimed. The records
// themselves are not restored; callers re-append them on retry.
func (a *Accumulator) Discard(batchID uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	c, ok := a.byBatch[batchID]
	if !ok {
		return false
	}
	delete(a.byBatch, batchID)
	for i := len(a.commitments) - 1; i >= 0; i-- {
		if a.commitments[i] == c {
			a.commitments = append(a.commitments[:i], a.commitments[i+1:]...)
			break
		}
	}
	if c.EndIndex == a.nextIndex-1 {
		a.nextIndex = c.StartIndex
	}
	return true
}

// Proof returns an inclusion proof for recordID against the most recent
// commitment containing it.
func (a *Accumulator) Proof(recordID uint64) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for i := len(a.commitments) - 1; i >= 0; i-- {
		c := a.commitments[i]
		if idx, ok := c.indexOf[recordID]; ok {
			return buildProof(c, idx), nil
		}
	}
	return nil, ErrRecordNotFound
}

// ProofAt returns an inclusion proof against the root committed for a
// specific batch id.
func (a *Accumulator) ProofAt(batchID, recordID uint64) (*Proof, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	c, ok := a.byBatch[batchID]
	if !ok {
		return nil, fmt.Errorf("no commitment for batch %d", batchID)
	}
	idx, ok := c.indexOf[recordID]
	if !ok {
		return nil, ErrRecordNotFound
	}
	return buildProof(c, idx), nil
}

// Root returns the latest committed root.
func (a *Accumulator) Root() ([32]byte, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if len(a.commitments) == 0 {
		return [32]byte{}, false
	}
	return a.commitments[len(a.commitments)-1].Root, true
}

func buildProof(c *Commitment, idx int) *Proof {
	proof := &Proof{Root: c.Root, LeafIndex: idx, BatchID: c.BatchID}
	level := c.leaves
	for len(level) > 1 {
		if idx%2 == 0 {
			if idx+1 < len(level) {
				proof.Path = append(proof.Path, level[idx+1])
			} else {
				// odd node promotes; sibling is itself
				proof.Path = append(proof.Path, level[idx])
			}
		} else {
			proof.Path = append(proof.Path, level[idx-1])
		}
		level = nextLevel(level)
		idx /= 2
	}
	return proof
}

// Verify checks a proof: hashing leaf up the path must reproduce the root.
func Verify(leaf [32]byte, proof *Proof) bool {
	node := leaf
	idx := proof.LeafIndex
	for _, sibling := range proof.Path {
		if idx%2 == 0 {
			node = hashPair(node, sibling)
		} else {
			node = hashPair(sibling, node)
		}
		idx /= 2
	}
	return bytes.Equal(node[:], proof.Root[:])
}

func computeRoot(leaves [][32]byte) [32]byte {
	level := leaves
	for len(level) > 1 {
		level = nextLevel(level)
	}
	return level[0]
}

func nextLevel(level [][32]byte) [][32]byte {
	next := make([][32]byte, 0, (len(level)+1)/2)
	for i := 0; i < len(level); i += 2 {
		if i+1 < len(level) {
			next = append(next, hashPair(level[i], level[i+1]))
		} else {
			next = append(next, hashPair(level[i], level[i]))
		}
	}
	return next
}

func hashPair(left, right [32]byte) [32]byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	h.Sum(out[:0])
	return out
}

package merkle_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/terminal-bench/clearnet/pkg/merkle"
)

func record(id uint64) *merkle.Record {
	return &merkle.Record{
		RecordID:   id,
		StartPrice: id * 100,
		Quantity:   1,
		StartTS:    1700000000,
		Kind:       1,
	}
}

func TestCommitAndProve(t *testing.T) {
	t.Run("proof verifies against the committed root", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		records := []*merkle.Record{record(1), record(2), record(3), record(4)}
		acc.Append(records...)

		commitment, err := acc.Commit(1)
		require.NoError(t, err)
		assert.Equal(t, 4, commitment.Count)

		for _, r := range records {
			proof, err := acc.Proof(r.RecordID)
			require.NoError(t, err)
			assert.True(t, merkle.Verify(r.LeafHash(), proof))
		}
	})

	t.Run("odd leaf count promotes by self-pairing", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		records := []*merkle.Record{record(1), record(2), record(3)}
		acc.Append(records...)
		_, err := acc.Commit(1)
		require.NoError(t, err)

		proof, err := acc.Proof(3)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(records[2].LeafHash(), proof))
	})

	t.Run("tampered leaf fails verification", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		acc.Append(record(1), record(2))
		_, err := acc.Commit(1)
		require.NoError(t, err)

		proof, err := acc.Proof(1)
		require.NoError(t, err)

		forged := record(1)
		forged.StartPrice = 1
		assert.False(t, merkle.Verify(forged.LeafHash(), proof))
	})

	t.Run("empty commit is rejected", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		_, err := acc.Commit(1)
		assert.ErrorIs(t, err, merkle.ErrEmptyCommit)
	})

	t.Run("duplicate batch id is rejected", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		acc.Append(record(1))
		_, err := acc.Commit(1)
		require.NoError(t, err)

		acc.Append(record(2))
		_, err = acc.Commit(1)
		assert.Error(t, err)
	})
}

func TestVersionedRoots(t *testing.T) {
	t.Run("old roots stay addressable after later commits", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		first := record(1)
		acc.Append(first, record(2))
		c1, err := acc.Commit(1)
		require.NoError(t, err)

		acc.Append(record(3), record(4))
		c2, err := acc.Commit(2)
		require.NoError(t, err)
		assert.NotEqual(t, c1.Root, c2.Root)

		proof, err := acc.ProofAt(1, first.RecordID)
		require.NoError(t, err)
		assert.Equal(t, c1.Root, proof.Root)
		assert.True(t, merkle.Verify(first.LeafHash(), proof))
	})

	t.Run("latest root tracks the newest commitment", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		_, ok := acc.Root()
		assert.False(t, ok)

		acc.Append(record(1))
		c, err := acc.Commit(1)
		require.NoError(t, err)

		root, ok := acc.Root()
		assert.True(t, ok)
		assert.Equal(t, c.Root, root)
	})

	t.Run("a discarded commitment stops being addressable", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		first := record(1)
		acc.Append(first, record(2))
		c1, err := acc.Commit(1)
		require.NoError(t, err)

		acc.Append(record(3))
		_, err = acc.Commit(2)
		require.NoError(t, err)

		require.True(t, acc.Discard(2))
		assert.False(t, acc.Discard(2))

		_, err = acc.ProofAt(2, 3)
		assert.Error(t, err)
		_, err = acc.Proof(3)
		assert.ErrorIs(t, err, merkle.ErrRecordNotFound)

		root, ok := acc.Root()
		assert.True(t, ok)
		assert.Equal(t, c1.Root, root)

		proof, err := acc.Proof(first.RecordID)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(first.LeafHash(), proof))
	})

	t.Run("discarded records recommit under a fresh batch id", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		r := record(9)
		acc.Append(r)
		_, err := acc.Commit(5)
		require.NoError(t, err)
		require.True(t, acc.Discard(5))

		acc.Append(r)
		c, err := acc.Commit(6)
		require.NoError(t, err)
		assert.Equal(t, 0, c.StartIndex)

		proof, err := acc.ProofAt(6, r.RecordID)
		require.NoError(t, err)
		assert.True(t, merkle.Verify(r.LeafHash(), proof))
	})

	t.Run("unknown record yields ErrRecordNotFound", func(t *testing.T) {
		acc := merkle.NewAccumulator()
		acc.Append(record(1))
		_, err := acc.Commit(1)
		require.NoError(t, err)

		_, err = acc.Proof(99)
		assert.ErrorIs(t, err, merkle.ErrRecordNotFound)
	})
}

func TestLeafHashDeterminism(t *testing.T) {
	t.Run("identical records hash identically, differing records differ", func(t *testing.T) {
		a, b := record(7), record(7)
		assert.Equal(t, a.LeafHash(), b.LeafHash())

		b.RoyaltyBps = 250
		assert.NotEqual(t, a.LeafHash(), b.LeafHash())
	})
}

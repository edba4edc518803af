package urkel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

// progression builds the standard two-commit tree and returns its
// final root.
func progression(t *testing.T, tree *Tree) Hash {
	t.Helper()
	commitPairs(t, tree, map[Hash][]byte{
		foo(1): []byte("bar1"),
		foo(2): []byte("bar2"),
	})
	return commitPairs(t, tree, map[Hash][]byte{
		foo(3): []byte("bar3"),
		foo(4): []byte("bar4"),
	})
}

func TestProofExistence(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	root := progression(t, tree)

	proof, err := tree.Prove(ctx, foo(1))
	require.NoError(t, err)
	require.Equal(t, ProofTypeExists, proof.Type())
	require.NoError(t, proof.Valid())
	require.Equal(t, len(proof.Bytes()), proof.Size())

	value, exists, err := Verify(root, foo(1), proof)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "bar1", string(value))

	// The same proof against a near-miss key cannot verify: the path
	// steps still match (the trie branches well before the last byte),
	// so the recomputed leaf hash is what breaks.
	near := foo(1)
	near[31] ^= 0xff
	_, _, err = Verify(root, near, proof)
	require.Equal(t, CodeHashMismatch, CodeOf(err))
}

func TestProofCollisionSameKey(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	root := progression(t, tree)

	// A near-miss of a stored key walks to that key's leaf.
	near := foo(1)
	near[31] ^= 0xff
	proof, err := tree.Prove(ctx, near)
	require.NoError(t, err)
	require.Equal(t, ProofTypeCollision, proof.Type())

	_, exists, err := Verify(root, near, proof)
	require.NoError(t, err)
	require.False(t, exists)

	// Checked against the colliding key itself, the proof is useless.
	_, _, err = Verify(root, foo(1), proof)
	require.Equal(t, CodeSameKey, CodeOf(err))
}

func TestProofNonMembership(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	root := progression(t, tree)

	proof, err := tree.Prove(ctx, foo(5))
	require.NoError(t, err)
	require.NotEqual(t, ProofTypeExists, proof.Type())
	require.NotEqual(t, ProofTypeUnknown, proof.Type())

	value, exists, err := Verify(root, foo(5), proof)
	require.NoError(t, err)
	require.False(t, exists)
	require.Nil(t, value)

	// A non-membership proof is bound to its root: it fails against a
	// different one.
	var wrong Hash
	wrong[0] = 1
	_, _, err = Verify(wrong, foo(5), proof)
	require.Equal(t, CodeHashMismatch, CodeOf(err))
}

func TestProofRoundTrip(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	progression(t, tree)

	proof, err := tree.Prove(ctx, foo(2))
	require.NoError(t, err)

	// Byte-for-byte through the wrapper.
	decoded := NewProof(proof.Bytes())
	require.Equal(t, proof.Bytes(), decoded.Bytes())
	require.Equal(t, proof.Type(), decoded.Type())
	require.Equal(t, proof.Size(), decoded.Size())
}

func TestProofMalformed(t *testing.T) {
	bad := NewProof([]byte{0xff, 0x00})
	require.Equal(t, ProofTypeUnknown, bad.Type())
	require.Error(t, bad.Valid())
	require.Equal(t, CodeEncoding, CodeOf(bad.Valid()))
	// Size falls back to the raw length for undecodable bytes.
	require.Equal(t, 2, bad.Size())

	_, _, err := Verify(ZeroHash, foo(1), bad)
	require.Error(t, err)

	_, _, err = Verify(ZeroHash, foo(1), nil)
	require.Equal(t, CodeInval, CodeOf(err))
}

func TestVerifyConsistentWithGet(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	root := progression(t, tree)

	for i := 1; i <= 8; i++ {
		key := foo(i)
		proof, err := tree.Prove(ctx, key)
		require.NoError(t, err)

		value, exists, err := Verify(root, key, proof)
		require.NoError(t, err, "verify foo(%d)", i)

		got, ok, err := tree.Get(ctx, key)
		require.NoError(t, err)
		require.Equal(t, ok, exists, "presence mismatch for foo(%d)", i)
		if ok {
			require.Equal(t, got, value, "value mismatch for foo(%d)", i)
		}
	}
}

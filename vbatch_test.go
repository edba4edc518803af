package urkel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func openVBatch(t *testing.T, tree *Tree) *VirtualBatch {
	t.Helper()
	ctx := context.Background()
	vb, err := tree.VirtualBatch()
	require.NoError(t, err)
	require.NoError(t, vb.Open(ctx))
	t.Cleanup(func() { _ = vb.Close(context.Background()) })
	return vb
}

func TestVirtualBatchBuffering(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	vb := openVBatch(t, tree)
	k := foo(1)

	// insert, insert, remove, insert: the cache tracks the last write.
	require.NoError(t, vb.Insert(k, []byte("v1")))
	require.NoError(t, vb.Insert(k, []byte("v2")))
	require.NoError(t, vb.Remove(k))
	require.NoError(t, vb.Insert(k, []byte("v3")))
	require.Equal(t, 4, vb.BufferedOps())

	// Served from the cache: nothing flushes.
	v, ok, err := vb.Get(ctx, k)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v3", string(v))
	require.Equal(t, 4, vb.BufferedOps())
	require.False(t, vb.IsFlushed())

	// RootHash forces the flush.
	root, err := vb.RootHash(ctx)
	require.NoError(t, err)
	require.NotEqual(t, ZeroHash, root)
	require.True(t, vb.IsFlushed())

	// Commit persists, and the tree sees the final value.
	committed, err := vb.Commit(ctx)
	require.NoError(t, err)
	require.Equal(t, root, committed)
	require.Equal(t, "v3", string(mustGet(t, tree, k)))
}

func TestVirtualBatchRemoveHidesKey(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	commitPairs(t, tree, map[Hash][]byte{foo(1): []byte("committed")})

	vb := openVBatch(t, tree)
	require.NoError(t, vb.Remove(foo(1)))

	// The cache only tracks insertions, so this read must flush; an
	// unflushed read would resurrect the removed key.
	_, ok, err := vb.Get(ctx, foo(1))
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, vb.IsFlushed())
}

func TestVirtualBatchReadsThrough(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	commitPairs(t, tree, map[Hash][]byte{foo(1): []byte("base")})

	vb := openVBatch(t, tree)

	// No buffered ops: reads go straight through without a flush.
	v, ok, err := vb.Get(ctx, foo(1))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "base", string(v))

	has, err := vb.Has(ctx, foo(2))
	require.NoError(t, err)
	require.False(t, has)
}

func TestVirtualBatchSyncRefusals(t *testing.T) {
	tree := testTree(t)
	vb := openVBatch(t, tree)
	require.NoError(t, vb.Insert(foo(1), []byte("x")))

	if _, err := vb.RootHashSync(); !errors.Is(err, ErrTxNotFlushed) {
		t.Errorf("RootHashSync unflushed error = %v, want TX_NOT_FLUSHED", err)
	}
	if err := vb.InjectSync(ZeroHash); !errors.Is(err, ErrTxNotFlushed) {
		t.Errorf("InjectSync unflushed error = %v, want TX_NOT_FLUSHED", err)
	}
	if _, err := vb.Iterator(); !errors.Is(err, ErrTxNotFlushed) {
		t.Errorf("Iterator unflushed error = %v, want TX_NOT_FLUSHED", err)
	}
}

func TestVirtualBatchIteratorAfterFlush(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	vb := openVBatch(t, tree)

	require.NoError(t, vb.Insert(foo(1), []byte("a")))
	require.NoError(t, vb.Insert(foo(2), []byte("b")))
	require.NoError(t, vb.Flush(ctx))

	iter, err := vb.Iterator()
	require.NoError(t, err)
	defer func() { _ = iter.Close(ctx) }()

	seen := 0
	for {
		_, ok, err := iter.Next(ctx)
		require.NoError(t, err)
		if !ok {
			break
		}
		seen++
	}
	require.Equal(t, 2, seen)
}

func TestVirtualBatchClear(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	init := commitPairs(t, tree, map[Hash][]byte{foo(1): []byte("base")})

	vb := openVBatch(t, tree)
	require.NoError(t, vb.Insert(foo(2), []byte("buffered")))
	require.NoError(t, vb.Clear(ctx))

	require.True(t, vb.IsFlushed())
	_, ok, err := vb.Get(ctx, foo(2))
	require.NoError(t, err)
	require.False(t, ok)

	root, err := vb.RootHash(ctx)
	require.NoError(t, err)
	require.Equal(t, init, root)
}

func TestVirtualBatchProve(t *testing.T) {
	tree := testTree(t)
	ctx := context.Background()
	vb := openVBatch(t, tree)

	require.NoError(t, vb.Insert(foo(1), []byte("proven")))
	proof, err := vb.Prove(ctx, foo(1))
	require.NoError(t, err)
	require.Equal(t, ProofTypeExists, proof.Type())
	require.True(t, vb.IsFlushed())

	root, err := vb.RootHashSync()
	require.NoError(t, err)
	value, exists, err := Verify(root, foo(1), proof)
	require.NoError(t, err)
	require.True(t, exists)
	require.Equal(t, "proven", string(value))
}

func TestVirtualBatchValueTooLarge(t *testing.T) {
	tree := testTree(t)
	vb := openVBatch(t, tree)
	big := make([]byte, MaxValueSize+1)
	err := vb.Insert(foo(1), big)
	require.Equal(t, CodeInval, CodeOf(err))
	require.True(t, vb.IsFlushed())
}

func TestVirtualBatchDisk(t *testing.T) {
	tree := testDiskTree(t)
	ctx := context.Background()
	vb := openVBatch(t, tree)

	for i := 0; i < 16; i++ {
		require.NoError(t, vb.Insert(foo(i), []byte{byte(i)}))
	}
	require.NoError(t, vb.Remove(foo(3)))

	root, err := vb.Commit(ctx)
	require.NoError(t, err)
	require.NotEqual(t, ZeroHash, root)

	mustAbsent(t, tree, foo(3))
	require.Equal(t, []byte{7}, mustGet(t, tree, foo(7)))
}

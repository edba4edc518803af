package urkel

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"
)

// testTree opens a memory-backed tree and closes it on cleanup.
func testTree(t *testing.T) *Tree {
	t.Helper()
	tree := New(Options{Memory: true, PoolSize: 4})
	if err := tree.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = tree.Close(context.Background()) })
	return tree
}

// testDiskTree opens a disk-backed tree under a temp directory.
func testDiskTree(t *testing.T) *Tree {
	t.Helper()
	tree := New(Options{Prefix: filepath.Join(t.TempDir(), "tree"), PoolSize: 4})
	if err := tree.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = tree.Close(context.Background()) })
	return tree
}

// foo derives the test keys used by the commit-progression scenarios.
func foo(n int) Hash {
	return blake2b.Sum256([]byte(fmt.Sprintf("foo%d", n)))
}

// commitPairs runs one batch inserting pairs and returns the new root.
func commitPairs(t *testing.T, tree *Tree, pairs map[Hash][]byte) Hash {
	t.Helper()
	ctx := context.Background()
	batch, err := tree.Transaction()
	if err != nil {
		t.Fatalf("Transaction() error = %v", err)
	}
	if err := batch.Open(ctx); err != nil {
		t.Fatalf("batch Open() error = %v", err)
	}
	defer func() { _ = batch.Close(ctx) }()
	for k, v := range pairs {
		if err := batch.Insert(ctx, k, v); err != nil {
			t.Fatalf("Insert() error = %v", err)
		}
	}
	root, err := batch.Commit(ctx)
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return root
}

// mustGet asserts a present key.
func mustGet(t *testing.T, tree *Tree, key Hash) []byte {
	t.Helper()
	v, ok, err := tree.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if !ok {
		t.Fatalf("Get(%x) absent, want present", key[:8])
	}
	return v
}

// mustAbsent asserts a missing key.
func mustAbsent(t *testing.T, tree *Tree, key Hash) {
	t.Helper()
	_, ok, err := tree.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ok {
		t.Fatalf("Get(%x) present, want absent", key[:8])
	}
}

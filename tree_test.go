package urkel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/sync/errgroup"
)

func TestEmptyTree(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "tree")
	ctx := context.Background()
	tree := New(Options{Prefix: prefix})
	if err := tree.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	root, err := tree.RootHash(ctx)
	if err != nil {
		t.Fatalf("RootHash() error = %v", err)
	}
	if root != ZeroHash {
		t.Errorf("empty root = %x, want all zeros", root)
	}

	mustAbsent(t, tree, ZeroHash)

	proof, err := tree.Prove(ctx, ZeroHash)
	if err != nil {
		t.Fatalf("Prove() error = %v", err)
	}
	if proof.Type() != ProofTypeDeadend {
		t.Errorf("empty-tree proof type = %s, want DEADEND", proof.Type())
	}

	if err := tree.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if tree.State() != StateClosed {
		t.Errorf("state after close = %s, want closed", tree.State())
	}
}

func TestOpenStateMachine(t *testing.T) {
	ctx := context.Background()
	tree := New(Options{Memory: true})

	if tree.State() != StateClosed {
		t.Fatalf("new tree state = %s, want closed", tree.State())
	}

	// Operations before open refuse with NOT_OPEN.
	if _, err := tree.RootHashSync(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("RootHashSync before open error = %v, want NOT_OPEN", err)
	}
	if _, _, err := tree.GetSync(foo(1)); !errors.Is(err, ErrNotOpen) {
		t.Errorf("GetSync before open error = %v, want NOT_OPEN", err)
	}
	if _, err := tree.Transaction(); !errors.Is(err, ErrNotOpen) {
		t.Errorf("Transaction before open error = %v, want NOT_OPEN", err)
	}

	if err := tree.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if tree.State() != StateOpen {
		t.Errorf("state = %s, want open", tree.State())
	}

	// A second open refuses.
	if err := tree.Open(ctx); !errors.Is(err, ErrAlreadyOpen) {
		t.Errorf("second Open error = %v, want ALREADY_OPEN", err)
	}

	if err := tree.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// Closing a closed tree is a no-op.
	if err := tree.Close(ctx); err != nil {
		t.Errorf("repeated Close error = %v", err)
	}

	// A closed tree can reopen.
	if err := tree.Open(ctx); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	if err := tree.Close(ctx); err != nil {
		t.Fatalf("final Close error = %v", err)
	}
}

func TestOpenBadPrefix(t *testing.T) {
	ctx := context.Background()
	// A file where the directory should be.
	path := filepath.Join(t.TempDir(), "occupied")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	tree := New(Options{Prefix: filepath.Join(path, "tree")})
	err := tree.Open(ctx)
	if CodeOf(err) != CodeBadOpen {
		t.Errorf("Open(bad prefix) code = %v, want BADOPEN", CodeOf(err))
	}
	if tree.State() != StateClosed {
		t.Errorf("state after failed open = %s, want closed", tree.State())
	}
}

func TestOpenLockedPrefix(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "tree")

	first := New(Options{Prefix: prefix})
	if err := first.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = first.Close(ctx) }()

	second := New(Options{Prefix: prefix})
	if err := second.Open(ctx); CodeOf(err) != CodeBadOpen {
		t.Errorf("Open(locked) code = %v, want BADOPEN", CodeOf(err))
	}
}

func TestPersistence(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "tree")

	tree := New(Options{Prefix: prefix})
	if err := tree.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	root := commitPairs(t, tree, map[Hash][]byte{
		foo(1): []byte("bar1"),
		foo(2): []byte("bar2"),
	})
	if err := tree.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reopened := New(Options{Prefix: prefix})
	if err := reopened.Open(ctx); err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = reopened.Close(ctx) }()

	got, err := reopened.RootHash(ctx)
	if err != nil || got != root {
		t.Errorf("root after reopen = %x, want %x (err %v)", got[:8], root[:8], err)
	}
	if v := mustGet(t, reopened, foo(1)); string(v) != "bar1" {
		t.Errorf("Get(foo1) = %q, want bar1", v)
	}
}

func TestInjectUnknownRoot(t *testing.T) {
	tree := testTree(t)
	var bogus Hash
	bogus[0] = 0xab
	if err := tree.Inject(context.Background(), bogus); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inject(unknown) error = %v, want NOTFOUND", err)
	}
}

func TestDestroyAndStat(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "tree")

	tree := New(Options{Prefix: prefix})
	if err := tree.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	commitPairs(t, tree, map[Hash][]byte{foo(1): []byte("bar1")})

	stat, err := TreeStat(prefix)
	if err != nil {
		t.Fatalf("TreeStat() error = %v", err)
	}
	if stat.Files < 2 || stat.Size == 0 {
		t.Errorf("TreeStat = %+v, want files>=2 and size>0", stat)
	}

	// Destroy refuses while the tree is open.
	if err := Destroy(prefix); CodeOf(err) != CodeBadOpen {
		t.Errorf("Destroy(live) code = %v, want BADOPEN", CodeOf(err))
	}

	if err := tree.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := Destroy(prefix); err != nil {
		t.Fatalf("Destroy() error = %v", err)
	}
	if _, err := TreeStat(prefix); CodeOf(err) != CodeBadOpen {
		t.Errorf("TreeStat after destroy code = %v, want BADOPEN", CodeOf(err))
	}
}

func TestTreeCompact(t *testing.T) {
	ctx := context.Background()
	prefix := filepath.Join(t.TempDir(), "tree")
	tree := New(Options{Prefix: prefix})
	if err := tree.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = tree.Close(ctx) }()

	var r1 Hash
	for i := 0; i < 5; i++ {
		root := commitPairs(t, tree, map[Hash][]byte{
			foo(1): []byte(fmt.Sprintf("generation-%d", i)),
			foo(2): []byte("constant"),
		})
		if i == 0 {
			r1 = root
		}
	}
	before, err := TreeStat(prefix)
	if err != nil {
		t.Fatal(err)
	}

	if err := tree.Compact(ctx, prefix+".compact", nil); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	after, err := TreeStat(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size >= before.Size {
		t.Errorf("compact did not shrink: %d -> %d", before.Size, after.Size)
	}
	if v := mustGet(t, tree, foo(1)); string(v) != "generation-4" {
		t.Errorf("Get(foo1) after compact = %q", v)
	}
	// The compacted-away history is unreachable.
	if err := tree.Inject(ctx, r1); !errors.Is(err, ErrNotFound) {
		t.Errorf("Inject(old) after compact error = %v, want NOTFOUND", err)
	}
}

func TestSyncVariants(t *testing.T) {
	tree := testTree(t)
	commitPairs(t, tree, map[Hash][]byte{foo(1): []byte("bar1")})

	root, err := tree.RootHashSync()
	if err != nil || root == ZeroHash {
		t.Errorf("RootHashSync = %x, %v", root[:8], err)
	}
	v, ok, err := tree.GetSync(foo(1))
	if err != nil || !ok || string(v) != "bar1" {
		t.Errorf("GetSync = %q/%v/%v", v, ok, err)
	}
	has, err := tree.HasSync(foo(2))
	if err != nil || has {
		t.Errorf("HasSync(absent) = %v/%v", has, err)
	}
	proof, err := tree.ProveSync(foo(1))
	if err != nil || proof.Type() != ProofTypeExists {
		t.Errorf("ProveSync type = %v, err %v", proof.Type(), err)
	}
}

func TestConcurrentReads(t *testing.T) {
	tree := testTree(t)
	pairs := make(map[Hash][]byte)
	for i := 0; i < 32; i++ {
		pairs[foo(i)] = []byte(fmt.Sprintf("bar%d", i))
	}
	commitPairs(t, tree, pairs)

	var g errgroup.Group
	for i := 0; i < 32; i++ {
		i := i
		g.Go(func() error {
			v, ok, err := tree.Get(context.Background(), foo(i))
			if err != nil {
				return err
			}
			if !ok || string(v) != fmt.Sprintf("bar%d", i) {
				return fmt.Errorf("wrong value for foo(%d): %q", i, v)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	info := tree.DebugInfo(false, false)
	if info.Workers != 0 {
		t.Errorf("workers = %d after quiescence, want 0", info.Workers)
	}
}

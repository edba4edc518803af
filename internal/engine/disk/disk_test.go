package disk

import (
	"errors"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/blake2b"

	"github.com/urkeldb/urkel/internal/engine"
	"github.com/urkeldb/urkel/internal/store"
)

func key(s string) engine.Hash {
	return blake2b.Sum256([]byte(s))
}

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tree"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func commit(t *testing.T, db *DB, pairs map[string]string) engine.Hash {
	t.Helper()
	tx, err := db.Tx(db.Root())
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	defer func() { _ = tx.Close() }()
	for k, v := range pairs {
		if err := tx.Insert(key(k), []byte(v)); err != nil {
			t.Fatalf("Insert(%s) error = %v", k, err)
		}
	}
	root, err := tx.Commit()
	if err != nil {
		t.Fatalf("Commit() error = %v", err)
	}
	return root
}

func TestCommitAndReopen(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "tree")
	db, err := Open(prefix)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	root := commit(t, db, map[string]string{"a": "1", "b": "2"})
	if db.Root() != root {
		t.Errorf("store root not advanced by commit")
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	db2, err := Open(prefix)
	if err != nil {
		t.Fatalf("reopen error = %v", err)
	}
	defer func() { _ = db2.Close() }()
	if db2.Root() != root {
		t.Errorf("root lost across reopen")
	}
	v, err := db2.Get(key("a"))
	if err != nil || string(v) != "1" {
		t.Errorf("Get(a) = %q, %v", v, err)
	}
}

func TestHistoricalRoots(t *testing.T) {
	db := openTest(t)
	r1 := commit(t, db, map[string]string{"a": "1"})
	r2 := commit(t, db, map[string]string{"b": "2"})
	if r1 == r2 {
		t.Fatal("roots did not advance")
	}

	if err := db.Inject(r1); err != nil {
		t.Fatalf("Inject(r1) error = %v", err)
	}
	if ok, _ := db.Has(key("b")); ok {
		t.Errorf("b visible at r1")
	}
	if err := db.Inject(r2); err != nil {
		t.Fatalf("Inject(r2) error = %v", err)
	}
	if ok, _ := db.Has(key("b")); !ok {
		t.Errorf("b missing at r2")
	}

	if err := db.Inject(key("no-such-root")); !errors.Is(err, engine.ErrnoNotFound) {
		t.Errorf("Inject(unknown) error = %v, want NOTFOUND", err)
	}
}

func TestTxPinnedView(t *testing.T) {
	db := openTest(t)
	r1 := commit(t, db, map[string]string{"a": "1"})

	tx, err := db.Tx(r1)
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	defer func() { _ = tx.Close() }()

	// A later commit through another handle is invisible here.
	commit(t, db, map[string]string{"c": "3"})
	if ok, _ := tx.Has(key("c")); ok {
		t.Errorf("pinned tx observed a later commit")
	}

	// Staged mutations are visible to the tx only.
	if err := tx.Insert(key("staged"), []byte("s")); err != nil {
		t.Fatalf("Insert error = %v", err)
	}
	if ok, _ := tx.Has(key("staged")); !ok {
		t.Errorf("tx does not see its own staged insert")
	}
	if ok, _ := db.Has(key("staged")); ok {
		t.Errorf("store sees uncommitted staged insert")
	}

	tx.Clear()
	if ok, _ := tx.Has(key("staged")); ok {
		t.Errorf("Clear left staged state behind")
	}
	root, err := tx.Root()
	if err != nil || root != r1 {
		t.Errorf("Root after Clear = %x, want %x", root[:8], r1[:8])
	}
}

func TestTxApply(t *testing.T) {
	db := openTest(t)
	r1 := commit(t, db, map[string]string{"victim": "v"})

	tx, err := db.Tx(r1)
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	defer func() { _ = tx.Close() }()

	ops := []engine.Op{
		{Type: engine.OpInsert, Key: key("k"), Value: []byte("v1")},
		{Type: engine.OpInsert, Key: key("k"), Value: []byte("v2")},
		{Type: engine.OpRemove, Key: key("victim")},
	}
	if err := tx.Apply(ops); err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	v, err := tx.Get(key("k"))
	if err != nil || string(v) != "v2" {
		t.Errorf("Get(k) = %q, %v, want v2", v, err)
	}
	if ok, _ := tx.Has(key("victim")); ok {
		t.Errorf("removed key still visible")
	}
}

func TestCompact(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "tree")
	db, err := Open(prefix)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	var roots []engine.Hash
	for i := 0; i < 5; i++ {
		roots = append(roots, commit(t, db, map[string]string{
			"stable": "s",
			"churn":  string(rune('a' + i)),
		}))
	}
	before, err := store.Stat(prefix)
	if err != nil {
		t.Fatal(err)
	}

	tmp := filepath.Join(filepath.Dir(prefix), "compact-tmp")
	if err := db.Compact(tmp, db.Root()); err != nil {
		t.Fatalf("Compact() error = %v", err)
	}

	after, err := store.Stat(prefix)
	if err != nil {
		t.Fatal(err)
	}
	if after.Size >= before.Size {
		t.Errorf("compact did not shrink the store: %d -> %d", before.Size, after.Size)
	}

	// Current state survives.
	v, err := db.Get(key("churn"))
	if err != nil || string(v) != "e" {
		t.Errorf("Get(churn) = %q, %v", v, err)
	}
	// Historical roots are gone.
	if err := db.Inject(roots[0]); !errors.Is(err, engine.ErrnoNotFound) {
		t.Errorf("Inject(old root) after compact error = %v, want NOTFOUND", err)
	}
	// The lock survived the swap: a second open still refuses.
	if _, err := Open(prefix); !errors.Is(err, engine.ErrnoBadOpen) {
		t.Errorf("second Open after compact error = %v, want BADOPEN", err)
	}
}

func TestIteratorSnapshotIsolation(t *testing.T) {
	db := openTest(t)
	root := commit(t, db, map[string]string{"a": "1", "b": "2", "c": "3"})

	tx, err := db.Tx(root)
	if err != nil {
		t.Fatalf("Tx() error = %v", err)
	}
	defer func() { _ = tx.Close() }()

	it := tx.Iterator()
	defer func() { _ = it.Close() }()

	// Mutations after iterator creation are invisible to it.
	if err := tx.Insert(key("later"), []byte("x")); err != nil {
		t.Fatal(err)
	}

	seen := 0
	for {
		entries, done, err := it.Next(2)
		if err != nil {
			t.Fatalf("Next() error = %v", err)
		}
		for _, e := range entries {
			if e.Key == key("later") {
				t.Errorf("iterator observed a post-creation insert")
			}
			seen++
		}
		if done {
			break
		}
	}
	if seen != 3 {
		t.Errorf("iterator yielded %d entries, want 3", seen)
	}
}

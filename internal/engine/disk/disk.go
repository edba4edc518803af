// Package disk implements the engine over the append-only node log.
package disk

import (
	"fmt"
	"sync"

	"github.com/urkeldb/urkel/internal/engine"
	"github.com/urkeldb/urkel/internal/store"
	"github.com/urkeldb/urkel/internal/trie"
)

// DB is the on-disk engine: a Merkle trie whose nodes live in a store
// log. It implements engine.Store.
type DB struct {
	store *store.Store
}

// Open opens the store at prefix.
func Open(prefix string) (*DB, error) {
	s, err := store.Open(prefix)
	if err != nil {
		return nil, err
	}
	return &DB{store: s}, nil
}

// OpenWithFileSize opens with a custom data-file rollover threshold.
func OpenWithFileSize(prefix string, maxFileSize int64) (*DB, error) {
	s, err := store.OpenWithFileSize(prefix, maxFileSize)
	if err != nil {
		return nil, err
	}
	return &DB{store: s}, nil
}

// Watch enables event-driven freshness checking on the store directory.
func (d *DB) Watch() error {
	return d.store.EnableFreshnessChecking().Watch()
}

// nodeSource resolves node hashes through the log. A hash referenced by
// a parent but absent from the log is a broken log, not a missing key.
type nodeSource struct {
	s *store.Store
}

func (ns nodeSource) Node(h engine.Hash) (*trie.Node, error) {
	data, err := ns.s.Record(h)
	if err == engine.ErrnoNotFound {
		return nil, fmt.Errorf("dangling node %x: %w", h[:8], engine.ErrnoCorruption)
	}
	if err != nil {
		return nil, err
	}
	return trie.DecodeNode(data)
}

func (d *DB) src() trie.NodeSource {
	return nodeSource{s: d.store}
}

// Root returns the current committed root.
func (d *DB) Root() engine.Hash {
	return d.store.Root()
}

// Inject switches the view to a historical root.
func (d *DB) Inject(root engine.Hash) error {
	return d.store.SetRoot(root)
}

// Get returns the value for key at the current root.
func (d *DB) Get(key engine.Hash) ([]byte, error) {
	return trie.Get(d.src(), d.store.Root(), key)
}

// Has reports whether key exists at the current root.
func (d *DB) Has(key engine.Hash) (bool, error) {
	_, err := d.Get(key)
	if err == engine.ErrnoNotFound {
		return false, nil
	}
	return err == nil, err
}

// Prove builds a proof for key at the current root.
func (d *DB) Prove(key engine.Hash) ([]byte, error) {
	return trie.Prove(d.src(), d.store.Root(), key)
}

// Tx opens a transaction pinned at root.
func (d *DB) Tx(root engine.Hash) (engine.Tx, error) {
	if root != engine.ZeroHash && !d.store.Has(root) {
		return nil, engine.ErrnoNotFound
	}
	return &tx{db: d, overlay: trie.NewOverlay(d.src()), base: root, root: root}, nil
}

// Compact rebuilds the log via tmpPrefix, keeping only nodes reachable
// from root, and swaps the result in under the held lock.
func (d *DB) Compact(tmpPrefix string, root engine.Hash) error {
	if root != engine.ZeroHash && !d.store.Has(root) {
		return engine.ErrnoNotFound
	}
	tmp, err := store.Open(tmpPrefix)
	if err != nil {
		return err
	}

	const batchSize = 1024
	batch := make([]store.Record, 0, batchSize)
	flush := func(newRoot engine.Hash) error {
		err := tmp.Append(batch, newRoot)
		batch = batch[:0]
		return err
	}
	err = trie.Reachable(d.src(), root, func(n *trie.Node) error {
		batch = append(batch, store.Record{Hash: n.Hash(), Data: n.Encode()})
		if len(batch) >= batchSize {
			return flush(engine.ZeroHash)
		}
		return nil
	})
	if err == nil {
		err = flush(root)
	}
	if err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close compacted store: %w (%w)", err, engine.ErrnoBadWrite)
	}
	return d.store.SwapFrom(tmpPrefix)
}

// Close releases the store and its directory lock.
func (d *DB) Close() error {
	return d.store.Close()
}

// tx is a disk transaction: a staged overlay over the log, pinned at a
// base root. Overlapping calls from pool workers are serialized here;
// their ordering is the caller's business.
type tx struct {
	db *DB

	mu      sync.Mutex
	overlay *trie.Overlay
	base    engine.Hash
	root    engine.Hash
	closed  bool
}

func (t *tx) guard() error {
	if t.closed {
		return engine.ErrnoBadOpen
	}
	return nil
}

func (t *tx) Root() (engine.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return engine.ZeroHash, err
	}
	return t.root, nil
}

func (t *tx) Get(key engine.Hash) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	return trie.Get(t.overlay, t.root, key)
}

func (t *tx) Has(key engine.Hash) (bool, error) {
	_, err := t.Get(key)
	if err == engine.ErrnoNotFound {
		return false, nil
	}
	return err == nil, err
}

func (t *tx) Prove(key engine.Hash) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return nil, err
	}
	return trie.Prove(t.overlay, t.root, key)
}

func (t *tx) Insert(key engine.Hash, value []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	root, err := t.overlay.Insert(t.root, key, value)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

func (t *tx) Remove(key engine.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	root, err := t.overlay.Remove(t.root, key)
	if err != nil {
		return err
	}
	t.root = root
	return nil
}

// Apply runs a buffered op sequence in order, atomically: the working
// root moves only when every op succeeded.
func (t *tx) Apply(ops []engine.Op) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	root := t.root
	for _, op := range ops {
		var err error
		switch op.Type {
		case engine.OpInsert:
			root, err = t.overlay.Insert(root, op.Key, op.Value)
		case engine.OpRemove:
			root, err = t.overlay.Remove(root, op.Key)
		default:
			err = engine.ErrnoInval
		}
		if err != nil {
			return err
		}
	}
	t.root = root
	return nil
}

func (t *tx) Commit() (engine.Hash, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return engine.ZeroHash, err
	}

	nodes := t.overlay.NewNodes(t.root)
	recs := make([]store.Record, 0, len(nodes))
	for _, n := range nodes {
		recs = append(recs, store.Record{Hash: n.Hash(), Data: n.Encode()})
	}
	if err := t.db.store.Append(recs, t.root); err != nil {
		return engine.ZeroHash, err
	}
	t.base = t.root
	t.overlay.Reset()
	return t.root, nil
}

func (t *tx) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.overlay.Reset()
	t.root = t.base
}

func (t *tx) Inject(root engine.Hash) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.guard(); err != nil {
		return err
	}
	if root != engine.ZeroHash && !t.db.store.Has(root) {
		return engine.ErrnoNotFound
	}
	t.overlay.Reset()
	t.base = root
	t.root = root
	return nil
}

func (t *tx) Iterator() engine.Iterator {
	t.mu.Lock()
	defer t.mu.Unlock()
	// Freeze the view: the walk must not observe later staged changes.
	src := t.overlay.Frozen()
	return newIterator(trie.NewIter(src, t.root))
}

func (t *tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	t.overlay = nil
	return nil
}

// iterator adapts trie.Iter to the engine contract.
type iterator struct {
	mu     sync.Mutex
	it     *trie.Iter
	closed bool
}

func newIterator(it *trie.Iter) *iterator {
	return &iterator{it: it}
}

func (i *iterator) Next(max int) ([]engine.Entry, bool, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed {
		return nil, false, engine.ErrnoBadOpen
	}
	return i.it.Fill(max)
}

func (i *iterator) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.closed = true
	i.it = nil
	return nil
}

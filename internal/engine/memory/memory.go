// Package memory implements the engine on an in-process node map. It
// mirrors the disk engine's behavior, including historical roots, and
// backs the Memory option and most of the test suite.
package memory

import (
	"fmt"
	"sync"

	"github.com/urkeldb/urkel/internal/engine"
	"github.com/urkeldb/urkel/internal/trie"
)

// DB is the in-memory engine. It implements engine.Store.
type DB struct {
	mu    sync.RWMutex
	nodes map[engine.Hash]*trie.Node
	roots map[engine.Hash]struct{}
	root  engine.Hash
	open  bool
}

// New creates an empty in-memory store.
func New() *DB {
	return &DB{
		nodes: make(map[engine.Hash]*trie.Node),
		roots: make(map[engine.Hash]struct{}),
		open:  true,
	}
}

// Node implements trie.NodeSource.
func (d *DB) Node(h engine.Hash) (*trie.Node, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	n, ok := d.nodes[h]
	if !ok {
		return nil, fmt.Errorf("dangling node %x: %w", h[:8], engine.ErrnoCorruption)
	}
	return n, nil
}

func (d *DB) has(h engine.Hash) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.nodes[h]
	return ok
}

// Root returns the current committed root.
func (d *DB) Root() engine.Hash {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.root
}

// Inject switches the view to a historical root.
func (d *DB) Inject(root engine.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return engine.ErrnoBadOpen
	}
	if root != engine.ZeroHash {
		if _, ok := d.nodes[root]; !ok {
			return engine.ErrnoNotFound
		}
	}
	d.root = root
	return nil
}

// Get returns the value for key at the current root.
func (d *DB) Get(key engine.Hash) ([]byte, error) {
	return trie.Get(d, d.Root(), key)
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
	return trie.Prove(d, d.Root(), key)
}

// Tx opens a transaction pinned at root.
func (d *DB) Tx(root engine.Hash) (engine.Tx, error) {
	if root != engine.ZeroHash && !d.has(root) {
		return nil, engine.ErrnoNotFound
	}
	return &tx{db: d, overlay: trie.NewOverlay(d), base: root, root: root}, nil
}

// Compact drops every node not reachable from root. tmpPrefix is
// accepted for interface parity and ignored: there is no file set to
// rebuild.
func (d *DB) Compact(_ string, root engine.Hash) error {
	if root != engine.ZeroHash && !d.has(root) {
		return engine.ErrnoNotFound
	}
	kept := make(map[engine.Hash]*trie.Node)
	err := trie.Reachable(d, root, func(n *trie.Node) error {
		kept[n.Hash()] = n
		return nil
	})
	if err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nodes = kept
	d.roots = map[engine.Hash]struct{}{root: {}}
	d.root = root
	return nil
}

// Close marks the store closed.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	return nil
}

func (d *DB) commit(nodes []*trie.Node, root engine.Hash) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return engine.ErrnoBadOpen
	}
	for _, n := range nodes {
		d.nodes[n.Hash()] = n
	}
	if root != engine.ZeroHash {
		if _, ok := d.nodes[root]; !ok {
			return engine.ErrnoBadWrite
		}
	}
	d.roots[root] = struct{}{}
	d.root = root
	return nil
}

// tx mirrors the disk engine's transaction over the node map.
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
	if err := t.db.commit(t.overlay.NewNodes(t.root), t.root); err != nil {
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
	if root != engine.ZeroHash && !t.db.has(root) {
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
	return &iterator{it: trie.NewIter(t.overlay.Frozen(), t.root)}
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

type iterator struct {
	mu     sync.Mutex
	it     *trie.Iter
	closed bool
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

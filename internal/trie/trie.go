// Package trie implements the base-2 Merkle trie: prefix-compressed
// nodes hashed with BLAKE2b-256, membership and non-membership proofs,
// and in-order iteration. It is purely functional over a NodeSource;
// persistence and locking live elsewhere.
package trie

import (
	"bytes"

	"github.com/urkeldb/urkel/internal/engine"
)

const keyBits = engine.HashSize * 8

// NodeSource resolves node hashes to nodes.
type NodeSource interface {
	Node(h engine.Hash) (*Node, error)
}

// Overlay stages mutations over a base source. New nodes live in memory
// until the owner extracts them with NewNodes and persists them.
type Overlay struct {
	src    NodeSource
	staged map[engine.Hash]*Node
}

// NewOverlay creates an empty overlay over src.
func NewOverlay(src NodeSource) *Overlay {
	return &Overlay{src: src, staged: make(map[engine.Hash]*Node)}
}

// Node resolves staged nodes first, then the base source.
func (o *Overlay) Node(h engine.Hash) (*Node, error) {
	if n, ok := o.staged[h]; ok {
		return n, nil
	}
	return o.src.Node(h)
}

// Reset drops all staged nodes.
func (o *Overlay) Reset() {
	o.staged = make(map[engine.Hash]*Node)
}

// Len returns the staged node count.
func (o *Overlay) Len() int {
	return len(o.staged)
}

// Frozen returns an immutable snapshot of the overlay's current view.
// Later staging, Reset or Clear on the overlay does not affect it.
func (o *Overlay) Frozen() NodeSource {
	staged := make(map[engine.Hash]*Node, len(o.staged))
	for h, n := range o.staged {
		staged[h] = n
	}
	return &frozenSource{src: o.src, staged: staged}
}

type frozenSource struct {
	src    NodeSource
	staged map[engine.Hash]*Node
}

func (f *frozenSource) Node(h engine.Hash) (*Node, error) {
	if n, ok := f.staged[h]; ok {
		return n, nil
	}
	return f.src.Node(h)
}

func (o *Overlay) put(n *Node) engine.Hash {
	h := n.Hash()
	o.staged[h] = n
	return h
}

// Insert stages key=value under root and returns the new root.
func (o *Overlay) Insert(root, key engine.Hash, value []byte) (engine.Hash, error) {
	if len(value) > engine.MaxValueSize {
		return root, engine.ErrnoInval
	}
	return o.insert(root, 0, key, value)
}

func (o *Overlay) insert(h engine.Hash, depth int, key engine.Hash, value []byte) (engine.Hash, error) {
	if depth > keyBits {
		return h, engine.ErrnoTooDeep
	}
	if h == engine.ZeroHash {
		return o.put(NewLeaf(key, value)), nil
	}
	n, err := o.Node(h)
	if err != nil {
		return h, err
	}

	if n.Kind == KindLeaf {
		if n.Key == key {
			if bytes.Equal(n.Value, value) {
				return h, nil
			}
			return o.put(NewLeaf(key, value)), nil
		}
		// Split at the first differing bit.
		x := depth
		for x < keyBits && KeyBit(key, x) == KeyBit(n.Key, x) {
			x++
		}
		if x == keyBits {
			return h, engine.ErrnoSameKey
		}
		leaf := o.put(NewLeaf(key, value))
		left, right := leaf, h
		if KeyBit(key, x) == 1 {
			left, right = h, leaf
		}
		return o.put(NewInternal(KeyBits(key, depth, x), left, right)), nil
	}

	m := n.Prefix.MatchKey(key, depth)
	if m == n.Prefix.Len {
		d := depth + m
		bit := KeyBit(key, d)
		child, err := o.insert(n.Child(bit), d+1, key, value)
		if err != nil {
			return h, err
		}
		if child == n.Child(bit) {
			return h, nil
		}
		if bit == 0 {
			return o.put(NewInternal(n.Prefix, child, n.Right)), nil
		}
		return o.put(NewInternal(n.Prefix, n.Left, child)), nil
	}

	// The key diverges inside the compressed segment: split the segment
	// at the divergence and hang the old node one level down.
	shrunk := o.put(NewInternal(n.Prefix.Slice(m+1, n.Prefix.Len), n.Left, n.Right))
	leaf := o.put(NewLeaf(key, value))
	left, right := leaf, shrunk
	if KeyBit(key, depth+m) == 1 {
		left, right = shrunk, leaf
	}
	return o.put(NewInternal(KeyBits(key, depth, depth+m), left, right)), nil
}

// Remove stages the deletion of key and returns the new root. Removing
// an absent key is a no-op.
func (o *Overlay) Remove(root, key engine.Hash) (engine.Hash, error) {
	h, _, err := o.remove(root, 0, key)
	return h, err
}

func (o *Overlay) remove(h engine.Hash, depth int, key engine.Hash) (engine.Hash, bool, error) {
	if h == engine.ZeroHash {
		return h, false, nil
	}
	n, err := o.Node(h)
	if err != nil {
		return h, false, err
	}

	if n.Kind == KindLeaf {
		if n.Key == key {
			return engine.ZeroHash, true, nil
		}
		return h, false, nil
	}

	m := n.Prefix.MatchKey(key, depth)
	if m < n.Prefix.Len {
		return h, false, nil
	}
	d := depth + n.Prefix.Len
	bit := KeyBit(key, d)
	child, removed, err := o.remove(n.Child(bit), d+1, key)
	if err != nil || !removed {
		return h, removed, err
	}

	if child == engine.ZeroHash {
		// The removed leaf's sibling takes this node's place. A leaf
		// carries its full key and floats up unchanged; an internal
		// sibling absorbs the path segment.
		sib := n.Child(1 - bit)
		sn, err := o.Node(sib)
		if err != nil {
			return h, false, err
		}
		if sn.Kind == KindLeaf {
			return sib, true, nil
		}
		return o.put(NewInternal(Join(n.Prefix, 1-bit, sn.Prefix), sn.Left, sn.Right)), true, nil
	}

	if bit == 0 {
		return o.put(NewInternal(n.Prefix, child, n.Right)), true, nil
	}
	return o.put(NewInternal(n.Prefix, n.Left, child)), true, nil
}

// NewNodes returns the staged nodes reachable from root, parents first.
// Staged nodes orphaned by later mutations are excluded; nodes already
// present in the base source are never re-emitted.
func (o *Overlay) NewNodes(root engine.Hash) []*Node {
	var out []*Node
	var walk func(h engine.Hash)
	walk = func(h engine.Hash) {
		if h == engine.ZeroHash {
			return
		}
		n, ok := o.staged[h]
		if !ok {
			return
		}
		out = append(out, n)
		if n.Kind == KindInternal {
			walk(n.Left)
			walk(n.Right)
		}
	}
	walk(root)
	return out
}

// Get returns the value for key under root, or ErrnoNotFound.
func Get(src NodeSource, root, key engine.Hash) ([]byte, error) {
	h, depth := root, 0
	for {
		if h == engine.ZeroHash {
			return nil, engine.ErrnoNotFound
		}
		n, err := src.Node(h)
		if err != nil {
			return nil, err
		}
		if n.Kind == KindLeaf {
			if n.Key != key {
				return nil, engine.ErrnoNotFound
			}
			return append([]byte(nil), n.Value...), nil
		}
		m := n.Prefix.MatchKey(key, depth)
		if m < n.Prefix.Len {
			return nil, engine.ErrnoNotFound
		}
		depth += n.Prefix.Len
		h = n.Child(KeyBit(key, depth))
		depth++
	}
}

// Reachable walks every node under root, parents first. Used by compact
// to copy a single root's nodes into a fresh store.
func Reachable(src NodeSource, root engine.Hash, visit func(n *Node) error) error {
	if root == engine.ZeroHash {
		return nil
	}
	n, err := src.Node(root)
	if err != nil {
		return err
	}
	if err := visit(n); err != nil {
		return err
	}
	if n.Kind == KindInternal {
		if err := Reachable(src, n.Left, visit); err != nil {
			return err
		}
		return Reachable(src, n.Right, visit)
	}
	return nil
}

package trie

import "github.com/urkeldb/urkel/internal/engine"

// Iter walks leaves in byte-lexicographic key order. The walk is pinned
// to the root it was created with; it never observes later mutations.
type Iter struct {
	src   NodeSource
	stack []engine.Hash
	done  bool
}

// NewIter creates an iterator over root.
func NewIter(src NodeSource, root engine.Hash) *Iter {
	it := &Iter{src: src}
	if root == engine.ZeroHash {
		it.done = true
	} else {
		it.stack = append(it.stack, root)
	}
	return it
}

// Next returns the next entry. done is true once the walk is exhausted;
// the entry accompanying done=true is zero.
func (it *Iter) Next() (engine.Entry, bool, error) {
	for len(it.stack) > 0 {
		h := it.stack[len(it.stack)-1]
		it.stack = it.stack[:len(it.stack)-1]
		n, err := it.src.Node(h)
		if err != nil {
			return engine.Entry{}, false, err
		}
		if n.Kind == KindLeaf {
			return engine.Entry{Key: n.Key, Value: append([]byte(nil), n.Value...)}, false, nil
		}
		// Left subtree holds the smaller keys; it is visited first.
		it.stack = append(it.stack, n.Right, n.Left)
	}
	it.done = true
	return engine.Entry{}, true, nil
}

// Fill produces up to max entries, reporting exhaustion.
func (it *Iter) Fill(max int) ([]engine.Entry, bool, error) {
	if it.done {
		return nil, true, nil
	}
	entries := make([]engine.Entry, 0, max)
	for len(entries) < max {
		e, done, err := it.Next()
		if err != nil {
			return entries, false, err
		}
		if done {
			return entries, true, nil
		}
		entries = append(entries, e)
	}
	return entries, len(it.stack) == 0, nil
}

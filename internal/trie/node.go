package trie

import (
	"encoding/binary"

	"github.com/urkeldb/urkel/internal/engine"
)

// Kind discriminates node records.
type Kind byte

const (
	KindLeaf     Kind = 1
	KindInternal Kind = 2
)

// Node is one trie node. Leaves carry the full key, so positions never
// need to be reconstructed from the path; internal nodes carry the
// compressed path segment below their branch point and always have two
// live children.
type Node struct {
	Kind Kind

	// Leaf fields.
	Key   engine.Hash
	Value []byte

	// Internal fields.
	Prefix Bits
	Left   engine.Hash
	Right  engine.Hash

	hash   engine.Hash
	hashed bool
}

// NewLeaf builds a leaf node. The value is not copied.
func NewLeaf(key engine.Hash, value []byte) *Node {
	return &Node{Kind: KindLeaf, Key: key, Value: value}
}

// NewInternal builds an internal node.
func NewInternal(prefix Bits, left, right engine.Hash) *Node {
	return &Node{Kind: KindInternal, Prefix: prefix, Left: left, Right: right}
}

// Hash returns the node's hash, computing it on first use.
func (n *Node) Hash() engine.Hash {
	if !n.hashed {
		switch n.Kind {
		case KindLeaf:
			n.hash = HashLeaf(n.Key, HashValue(n.Value))
		default:
			n.hash = HashInternal(n.Prefix, n.Left, n.Right)
		}
		n.hashed = true
	}
	return n.hash
}

// Child returns the child hash for a path bit.
func (n *Node) Child(bit int) engine.Hash {
	if bit == 0 {
		return n.Left
	}
	return n.Right
}

// Encode serializes the node for the log.
//
// Leaf:     kind(1) key(32) vlen(2) value
// Internal: kind(1) plen(2) prefix left(32) right(32)
func (n *Node) Encode() []byte {
	switch n.Kind {
	case KindLeaf:
		out := make([]byte, 0, 1+engine.HashSize+2+len(n.Value))
		out = append(out, byte(KindLeaf))
		out = append(out, n.Key[:]...)
		out = binary.BigEndian.AppendUint16(out, uint16(len(n.Value)))
		return append(out, n.Value...)
	default:
		out := make([]byte, 0, 1+2+len(n.Prefix.Data)+2*engine.HashSize)
		out = append(out, byte(KindInternal))
		out = binary.BigEndian.AppendUint16(out, uint16(n.Prefix.Len))
		out = append(out, n.Prefix.Data...)
		out = append(out, n.Left[:]...)
		return append(out, n.Right[:]...)
	}
}

// DecodeNode parses a serialized node. Malformed records surface as
// ErrnoCorruption: the log is the only producer of these bytes.
func DecodeNode(data []byte) (*Node, error) {
	if len(data) < 1 {
		return nil, engine.ErrnoCorruption
	}
	switch Kind(data[0]) {
	case KindLeaf:
		rest := data[1:]
		if len(rest) < engine.HashSize+2 {
			return nil, engine.ErrnoCorruption
		}
		var key engine.Hash
		copy(key[:], rest)
		vlen := int(binary.BigEndian.Uint16(rest[engine.HashSize:]))
		rest = rest[engine.HashSize+2:]
		if vlen > engine.MaxValueSize || len(rest) != vlen {
			return nil, engine.ErrnoCorruption
		}
		value := make([]byte, vlen)
		copy(value, rest)
		return NewLeaf(key, value), nil

	case KindInternal:
		rest := data[1:]
		if len(rest) < 2 {
			return nil, engine.ErrnoCorruption
		}
		plen := int(binary.BigEndian.Uint16(rest))
		rest = rest[2:]
		pb := bitsSize(plen)
		if plen > engine.HashSize*8 || len(rest) != pb+2*engine.HashSize {
			return nil, engine.ErrnoCorruption
		}
		prefix := Bits{Len: plen, Data: make([]byte, pb)}
		copy(prefix.Data, rest)
		var left, right engine.Hash
		copy(left[:], rest[pb:])
		copy(right[:], rest[pb+engine.HashSize:])
		return NewInternal(prefix, left, right), nil
	}
	return nil, engine.ErrnoCorruption
}

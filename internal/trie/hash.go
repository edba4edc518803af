package trie

import (
	"encoding/binary"

	"golang.org/x/crypto/blake2b"

	"github.com/urkeldb/urkel/internal/engine"
)

const (
	leafDomain     = 0x00
	internalDomain = 0x01
)

// HashValue hashes a leaf value. Leaf hashes commit to the value hash,
// not the raw value, so proofs can carry either form.
func HashValue(v []byte) engine.Hash {
	return blake2b.Sum256(v)
}

// HashLeaf computes the hash of a leaf node from its key and value hash.
func HashLeaf(key, valueHash engine.Hash) engine.Hash {
	h, _ := blake2b.New256(nil)
	h.Write([]byte{leafDomain})
	h.Write(key[:])
	h.Write(valueHash[:])
	var out engine.Hash
	h.Sum(out[:0])
	return out
}

// HashInternal computes the hash of an internal node. The compressed
// path segment is part of the commitment: two trees that store the same
// keys always hash to the same root, and a proof cannot silently move a
// subtree to a different path.
func HashInternal(prefix Bits, left, right engine.Hash) engine.Hash {
	h, _ := blake2b.New256(nil)
	var plen [2]byte
	binary.BigEndian.PutUint16(plen[:], uint16(prefix.Len))
	h.Write([]byte{internalDomain})
	h.Write(plen[:])
	h.Write(prefix.Data)
	h.Write(left[:])
	h.Write(right[:])
	var out engine.Hash
	h.Sum(out[:0])
	return out
}

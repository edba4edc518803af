// Package urkel is an authenticated key–value store over a base-2
// Merkle trie with an append-only on-disk log. Keys are 32-byte
// hashes, values are short opaque byte strings, and every state of the
// store is named by a 32-byte root against which compact membership
// and non-membership proofs verify offline.
//
// The package is built around three tiers of handles: a Tree owns the
// store, transactions (snapshots and batches) pin a root and may stack
// mutations, and iterators walk a transaction's view in key order. All
// three run their blocking engine calls on a shared worker pool and
// share one lifecycle discipline: closes are requests, recorded as
// flags and honored by a final-check pass once in-flight workers drain
// and children unwind. Dropping a handle without closing it is safe;
// the finalizer queues the same request.
package urkel

import (
	"log"
	"os"

	"github.com/urkeldb/urkel/internal/engine"
	"github.com/urkeldb/urkel/internal/store"
	"github.com/urkeldb/urkel/internal/trie"
)

const (
	// HashSize is the size of keys, roots and node hashes.
	HashSize = engine.HashSize

	// MaxValueSize bounds stored values.
	MaxValueSize = engine.MaxValueSize

	// MaxProofSize bounds an encoded proof.
	MaxProofSize = engine.MaxProofSize
)

// Hash is a 32-byte BLAKE2b-256 output; keys share the type.
type Hash = [HashSize]byte

// ZeroHash is the root of the empty tree.
var ZeroHash Hash

// Entry is one key/value pair produced by an Iterator.
type Entry struct {
	Key   Hash
	Value []byte
}

// Stat describes the on-disk footprint of a tree directory.
type Stat struct {
	Size  int64 `json:"size"`
	Files int   `json:"files"`
}

// debugf conditionally logs when URKEL_DEBUG is set.
var debugf = func(format string, args ...interface{}) {
	if os.Getenv("URKEL_DEBUG") != "" {
		log.Printf("[urkel] "+format, args...)
	}
}

// Destroy removes a tree's on-disk state. It refuses when the
// directory is locked by a live handle or does not carry consistent
// tree metadata.
func Destroy(prefix string) error {
	return wrapErr("destroy", store.Destroy(prefix))
}

// TreeStat reports the size and file count of a tree directory without
// opening it.
func TreeStat(prefix string) (Stat, error) {
	s, err := store.Stat(prefix)
	if err != nil {
		return Stat{}, wrapErr("stat", err)
	}
	return Stat{Size: s.Size, Files: s.Files}, nil
}

// Verify checks a proof against a root and key without store access.
// Proven existence returns (value, true, nil); proven absence returns
// (nil, false, nil); anything else reports why verification failed.
// Malformed proofs fail with a code, never a panic.
func Verify(root, key Hash, proof *Proof) (value []byte, exists bool, err error) {
	if proof == nil {
		return nil, false, wrapErr("verify", engine.ErrnoInval)
	}
	value, exists, verr := trie.Verify(root, key, proof.raw)
	return value, exists, wrapErr("verify", verr)
}

package trie

import (
	"bytes"
	"testing"

	"github.com/urkeldb/urkel/internal/engine"
)

func buildTree(t *testing.T, pairs map[string]string) (*Overlay, engine.Hash) {
	t.Helper()
	o := NewOverlay(emptySource{})
	root := engine.ZeroHash
	for k, v := range pairs {
		root = mustInsert(t, o, root, key(k), []byte(v))
	}
	return o, root
}

func TestProveExists(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1", "b": "2", "c": "3"})

	for k, v := range map[string]string{"a": "1", "b": "2", "c": "3"} {
		proof, err := Prove(o, root, key(k))
		if err != nil {
			t.Fatalf("Prove(%s) error = %v", k, err)
		}
		typ, size, err := ProofMeta(proof)
		if err != nil {
			t.Fatalf("ProofMeta error = %v", err)
		}
		if typ != ProofExists {
			t.Errorf("proof type = %s, want EXISTS", typ)
		}
		if size != len(proof) {
			t.Errorf("proof size = %d, want %d", size, len(proof))
		}

		value, exists, err := Verify(root, key(k), proof)
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", k, err)
		}
		if !exists || string(value) != v {
			t.Errorf("Verify(%s) = %q/%v, want %q/true", k, value, exists, v)
		}
	}
}

func TestProveAbsent(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1", "b": "2", "c": "3", "d": "4"})

	for _, k := range []string{"x", "y", "z", "w"} {
		proof, err := Prove(o, root, key(k))
		if err != nil {
			t.Fatalf("Prove(%s) error = %v", k, err)
		}
		typ, _, err := ProofMeta(proof)
		if err != nil {
			t.Fatalf("ProofMeta error = %v", err)
		}
		if typ == ProofExists || typ == ProofUnknown {
			t.Errorf("non-membership proof type = %s", typ)
		}
		value, exists, err := Verify(root, key(k), proof)
		if err != nil {
			t.Fatalf("Verify(%s) error = %v", k, err)
		}
		if exists || value != nil {
			t.Errorf("Verify(%s) proved existence of an absent key", k)
		}
	}
}

func TestProveDeadend(t *testing.T) {
	o := NewOverlay(emptySource{})
	proof, err := Prove(o, engine.ZeroHash, key("anything"))
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}
	typ, _, _ := ProofMeta(proof)
	if typ != ProofDeadend {
		t.Errorf("empty-tree proof type = %s, want DEADEND", typ)
	}
	if _, exists, err := Verify(engine.ZeroHash, key("anything"), proof); err != nil || exists {
		t.Errorf("Verify deadend = %v/%v, want absent", exists, err)
	}
}

func TestProveCollision(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1", "b": "2"})

	// A query differing from a stored key only in its last byte walks
	// to that key's leaf and collides there.
	target := key("a")
	query := target
	query[31] ^= 0xff

	proof, err := Prove(o, root, query)
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}
	typ, _, _ := ProofMeta(proof)
	if typ != ProofCollision {
		t.Fatalf("proof type = %s, want COLLISION", typ)
	}
	if _, exists, err := Verify(root, query, proof); err != nil || exists {
		t.Errorf("collision proof did not verify as absent: %v/%v", exists, err)
	}

	// The same proof checked against the colliding key itself is a
	// SAMEKEY failure: it cannot prove anything about its own leaf.
	if _, _, err := Verify(root, target, proof); err != engine.ErrnoSameKey {
		t.Errorf("Verify with colliding key error = %v, want ErrnoSameKey", err)
	}
}

func TestVerifyTamperedKey(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1", "b": "2", "c": "3"})

	proof, err := Prove(o, root, key("a"))
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}

	// The three keys diverge in their first bytes, so the path steps
	// never reach the tampered last byte; the leaf hash is what fails.
	tampered := key("a")
	tampered[31] ^= 0xff
	if _, _, err := Verify(root, tampered, proof); err != engine.ErrnoHashMismatch {
		t.Errorf("Verify with tampered key error = %v, want HASHMISMATCH", err)
	}
}

func TestVerifyWrongRoot(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1", "b": "2"})
	proof, err := Prove(o, root, key("a"))
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}
	wrong := root
	wrong[0] ^= 0xff
	if _, _, err := Verify(wrong, key("a"), proof); err != engine.ErrnoHashMismatch {
		t.Errorf("Verify with wrong root error = %v, want ErrnoHashMismatch", err)
	}
}

func TestVerifyTamperedValue(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "payload", "b": "2"})
	proof, err := Prove(o, root, key("a"))
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}
	// Flip one byte of the embedded value.
	mutated := append([]byte(nil), proof...)
	if !bytes.Contains(mutated, []byte("payload")) {
		t.Fatal("test setup: value not embedded in proof")
	}
	idx := bytes.Index(mutated, []byte("payload"))
	mutated[idx] ^= 0xff
	if _, _, err := Verify(root, key("a"), mutated); err != engine.ErrnoHashMismatch {
		t.Errorf("Verify with tampered value error = %v, want ErrnoHashMismatch", err)
	}
}

func TestVerifyMalformed(t *testing.T) {
	o, root := buildTree(t, map[string]string{"a": "1"})
	proof, err := Prove(o, root, key("a"))
	if err != nil {
		t.Fatalf("Prove error = %v", err)
	}

	tests := []struct {
		name  string
		bytes []byte
	}{
		{"empty", nil},
		{"tiny", []byte{0x04}},
		{"unknown type", append([]byte{0x09}, proof[1:]...)},
		{"truncated", proof[:len(proof)-3]},
		{"trailing garbage", append(append([]byte(nil), proof...), 0xde, 0xad)},
		{"huge step count", []byte{0x04, 0xff, 0xff}},
		{"oversized", make([]byte, engine.MaxProofSize+1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Must fail with a code, never panic.
			if _, _, err := Verify(root, key("a"), tt.bytes); err != engine.ErrnoInval {
				t.Errorf("Verify(%s) error = %v, want ErrnoInval", tt.name, err)
			}
		})
	}
}

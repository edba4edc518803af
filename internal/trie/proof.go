package trie

import (
	"encoding/binary"

	"github.com/urkeldb/urkel/internal/engine"
)

// ProofType tags what an encoded proof demonstrates.
type ProofType byte

const (
	ProofUnknown   ProofType = 0
	ProofDeadend   ProofType = 1 // the path ends in an empty tree
	ProofShort     ProofType = 2 // the path diverges inside a compressed segment
	ProofCollision ProofType = 3 // the path ends at a leaf holding another key
	ProofExists    ProofType = 4 // the path ends at the key's leaf
)

// String returns the tag's name.
func (t ProofType) String() string {
	switch t {
	case ProofDeadend:
		return "DEADEND"
	case ProofShort:
		return "SHORT"
	case ProofCollision:
		return "COLLISION"
	case ProofExists:
		return "EXISTS"
	}
	return "UNKNOWN"
}

// Proof layout:
//
//	type(1) count(2)
//	count× [ plen(2) prefix sibling(32) ]   root-down path steps
//	terminal section by type:
//	  EXISTS:    vlen(2) value
//	  COLLISION: key(32) valueHash(32)
//	  SHORT:     plen(2) prefix left(32) right(32)
//	  DEADEND:   empty

type proofStep struct {
	prefix  Bits
	sibling engine.Hash
}

// Prove builds a proof for key under root. The proof type reflects how
// the lookup terminated.
func Prove(src NodeSource, root, key engine.Hash) ([]byte, error) {
	var steps []proofStep
	h, depth := root, 0
	for {
		if h == engine.ZeroHash {
			return encodeProof(ProofDeadend, steps, nil), nil
		}
		n, err := src.Node(h)
		if err != nil {
			return nil, err
		}
		if n.Kind == KindLeaf {
			if n.Key == key {
				term := make([]byte, 0, 2+len(n.Value))
				term = binary.BigEndian.AppendUint16(term, uint16(len(n.Value)))
				term = append(term, n.Value...)
				return encodeProof(ProofExists, steps, term), nil
			}
			vh := HashValue(n.Value)
			term := make([]byte, 0, 2*engine.HashSize)
			term = append(term, n.Key[:]...)
			term = append(term, vh[:]...)
			return encodeProof(ProofCollision, steps, term), nil
		}
		m := n.Prefix.MatchKey(key, depth)
		if m < n.Prefix.Len {
			term := make([]byte, 0, 2+len(n.Prefix.Data)+2*engine.HashSize)
			term = binary.BigEndian.AppendUint16(term, uint16(n.Prefix.Len))
			term = append(term, n.Prefix.Data...)
			term = append(term, n.Left[:]...)
			term = append(term, n.Right[:]...)
			return encodeProof(ProofShort, steps, term), nil
		}
		depth += n.Prefix.Len
		bit := KeyBit(key, depth)
		steps = append(steps, proofStep{prefix: n.Prefix, sibling: n.Child(1 - bit)})
		h = n.Child(bit)
		depth++
	}
}

func encodeProof(typ ProofType, steps []proofStep, term []byte) []byte {
	out := make([]byte, 0, 3+len(steps)*40+len(term))
	out = append(out, byte(typ))
	out = binary.BigEndian.AppendUint16(out, uint16(len(steps)))
	for _, s := range steps {
		out = binary.BigEndian.AppendUint16(out, uint16(s.prefix.Len))
		out = append(out, s.prefix.Data...)
		out = append(out, s.sibling[:]...)
	}
	return append(out, term...)
}

type proofReader struct {
	data []byte
	pos  int
	bad  bool
}

func (r *proofReader) u16() int {
	if r.pos+2 > len(r.data) {
		r.bad = true
		return 0
	}
	v := int(binary.BigEndian.Uint16(r.data[r.pos:]))
	r.pos += 2
	return v
}

func (r *proofReader) bytes(n int) []byte {
	if n < 0 || r.pos+n > len(r.data) {
		r.bad = true
		return nil
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *proofReader) hash() engine.Hash {
	var h engine.Hash
	copy(h[:], r.bytes(engine.HashSize))
	return h
}

func (r *proofReader) bits() Bits {
	n := r.u16()
	if n > keyBits {
		r.bad = true
		return Bits{}
	}
	b := Bits{Len: n, Data: make([]byte, bitsSize(n))}
	copy(b.Data, r.bytes(bitsSize(n)))
	return b
}

// ProofMeta decodes and structurally validates a proof, returning its
// type and total size. No hashing is performed.
func ProofMeta(proof []byte) (ProofType, int, error) {
	typ, _, _, err := parseProof(proof)
	if err != nil {
		return ProofUnknown, 0, err
	}
	return typ, len(proof), nil
}

type proofTerminal struct {
	value  []byte      // EXISTS
	key    engine.Hash // COLLISION
	vhash  engine.Hash // COLLISION
	prefix Bits        // SHORT
	left   engine.Hash // SHORT
	right  engine.Hash // SHORT
}

func parseProof(proof []byte) (ProofType, []proofStep, *proofTerminal, error) {
	if len(proof) < 3 || len(proof) > engine.MaxProofSize {
		return ProofUnknown, nil, nil, engine.ErrnoInval
	}
	typ := ProofType(proof[0])
	r := &proofReader{data: proof, pos: 1}
	count := r.u16()
	steps := make([]proofStep, 0, count)
	for i := 0; i < count; i++ {
		s := proofStep{prefix: r.bits(), sibling: r.hash()}
		if r.bad {
			return typ, nil, nil, engine.ErrnoInval
		}
		steps = append(steps, s)
	}
	term := &proofTerminal{}
	switch typ {
	case ProofExists:
		n := r.u16()
		if n > engine.MaxValueSize {
			return typ, nil, nil, engine.ErrnoInval
		}
		term.value = append([]byte(nil), r.bytes(n)...)
	case ProofCollision:
		term.key = r.hash()
		term.vhash = r.hash()
	case ProofShort:
		term.prefix = r.bits()
		term.left = r.hash()
		term.right = r.hash()
	case ProofDeadend:
	default:
		return ProofUnknown, nil, nil, engine.ErrnoInval
	}
	if r.bad || r.pos != len(proof) {
		return typ, nil, nil, engine.ErrnoInval
	}
	return typ, steps, term, nil
}

// Verify checks proof against root and key without any store access.
// On success it returns the proven value (exists=true) or proven
// absence (exists=false). It never panics on malformed input.
func Verify(root, key engine.Hash, proof []byte) (value []byte, exists bool, err error) {
	typ, steps, term, err := parseProof(proof)
	if err != nil {
		return nil, false, err
	}

	// Path steps must follow the key; track the depth they consume.
	depth := 0
	depths := make([]int, len(steps))
	for i, s := range steps {
		depths[i] = depth
		if depth+s.prefix.Len+1 > keyBits {
			return nil, false, engine.ErrnoTooDeep
		}
		if s.prefix.MatchKey(key, depth) != s.prefix.Len {
			return nil, false, engine.ErrnoPathMismatch
		}
		depth += s.prefix.Len + 1
	}

	var current engine.Hash
	switch typ {
	case ProofExists:
		current = HashLeaf(key, HashValue(term.value))
		value, exists = term.value, true
	case ProofCollision:
		if term.key == key {
			return nil, false, engine.ErrnoSameKey
		}
		// The colliding leaf must lie on the key's path.
		for i := 0; i < depth; i++ {
			if KeyBit(term.key, i) != KeyBit(key, i) {
				return nil, false, engine.ErrnoPathMismatch
			}
		}
		current = HashLeaf(term.key, term.vhash)
	case ProofShort:
		if depth+term.prefix.Len > keyBits {
			return nil, false, engine.ErrnoTooDeep
		}
		if term.prefix.MatchKey(key, depth) == term.prefix.Len {
			// Nothing diverges: this node cannot prove absence.
			return nil, false, engine.ErrnoPathMismatch
		}
		current = HashInternal(term.prefix, term.left, term.right)
	case ProofDeadend:
		current = engine.ZeroHash
	}

	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		bit := KeyBit(key, depths[i]+s.prefix.Len)
		if bit == 0 {
			current = HashInternal(s.prefix, current, s.sibling)
		} else {
			current = HashInternal(s.prefix, s.sibling, current)
		}
	}

	if current != root {
		return nil, false, engine.ErrnoHashMismatch
	}
	return value, exists, nil
}

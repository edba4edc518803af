package urkel

import (
	"sync"

	"github.com/urkeldb/urkel/internal/trie"
)

// ProofType tags what a proof demonstrates.
type ProofType int

const (
	ProofTypeUnknown   ProofType = ProofType(trie.ProofUnknown)
	ProofTypeDeadend   ProofType = ProofType(trie.ProofDeadend)
	ProofTypeShort     ProofType = ProofType(trie.ProofShort)
	ProofTypeCollision ProofType = ProofType(trie.ProofCollision)
	ProofTypeExists    ProofType = ProofType(trie.ProofExists)
)

func (t ProofType) String() string {
	return trie.ProofType(t).String()
}

// Proof is an opaque encoded proof. The bytes are carried verbatim;
// the header is decoded once, on first demand, for cheap access to the
// type tag and size.
type Proof struct {
	raw []byte

	once sync.Once
	typ  ProofType
	size int
	perr error
}

// NewProof wraps encoded proof bytes. The slice is copied.
func NewProof(raw []byte) *Proof {
	return &Proof{raw: append([]byte(nil), raw...)}
}

func (p *Proof) parse() {
	p.once.Do(func() {
		typ, size, err := trie.ProofMeta(p.raw)
		if err != nil {
			p.typ = ProofTypeUnknown
			p.perr = &Error{Code: CodeEncoding, Op: "proof", Err: err}
			return
		}
		p.typ = ProofType(typ)
		p.size = size
	})
}

// Type returns the proof's type tag, or ProofTypeUnknown for bytes
// that do not decode.
func (p *Proof) Type() ProofType {
	p.parse()
	return p.typ
}

// Size returns the encoded size in bytes.
func (p *Proof) Size() int {
	p.parse()
	if p.perr != nil {
		return len(p.raw)
	}
	return p.size
}

// Valid reports a decoding failure, if any.
func (p *Proof) Valid() error {
	p.parse()
	return p.perr
}

// Bytes returns a copy of the encoded proof.
func (p *Proof) Bytes() []byte {
	return append([]byte(nil), p.raw...)
}

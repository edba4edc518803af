package engine

import "fmt"

// Errno is the engine's numeric failure code. The values are part of the
// on-the-wire contract with callers: proofs and failed operations report
// them verbatim, and the surface layer maps them to symbolic codes.
type Errno int

const (
	ErrnoHashMismatch Errno = iota + 1
	ErrnoSameKey
	ErrnoSamePath
	ErrnoNegDepth
	ErrnoPathMismatch
	ErrnoTooDeep
	ErrnoInval
	ErrnoNotFound
	ErrnoCorruption
	ErrnoNoUpdate
	ErrnoBadWrite
	ErrnoBadOpen
	ErrnoIterEnd
)

var errnoNames = map[Errno]string{
	ErrnoHashMismatch: "HASHMISMATCH",
	ErrnoSameKey:      "SAMEKEY",
	ErrnoSamePath:     "SAMEPATH",
	ErrnoNegDepth:     "NEGDEPTH",
	ErrnoPathMismatch: "PATHMISMATCH",
	ErrnoTooDeep:      "TOODEEP",
	ErrnoInval:        "INVAL",
	ErrnoNotFound:     "NOTFOUND",
	ErrnoCorruption:   "CORRUPTION",
	ErrnoNoUpdate:     "NOUPDATE",
	ErrnoBadWrite:     "BADWRITE",
	ErrnoBadOpen:      "BADOPEN",
	ErrnoIterEnd:      "ITEREND",
}

// Name returns the symbolic name for the code, or "UNKNOWN".
func (e Errno) Name() string {
	if s, ok := errnoNames[e]; ok {
		return s
	}
	return "UNKNOWN"
}

// Error implements the error interface so engine failures can be wrapped
// and recovered with errors.As without losing the numeric code.
func (e Errno) Error() string {
	return fmt.Sprintf("engine: %s (%d)", e.Name(), int(e))
}

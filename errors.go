package urkel

import (
	"errors"
	"fmt"

	"github.com/urkeldb/urkel/internal/engine"
)

// Code identifies a failure. Values 1..13 mirror the engine's numeric
// errnos; the codes above them belong to the lifecycle layer.
type Code int

const (
	CodeOK Code = iota

	// Engine codes.
	CodeHashMismatch
	CodeSameKey
	CodeSamePath
	CodeNegDepth
	CodePathMismatch
	CodeTooDeep
	CodeInval
	CodeNotFound
	CodeCorruption
	CodeNoUpdate
	CodeBadWrite
	CodeBadOpen
	CodeIterEnd

	// Lifecycle codes.
	CodeAlreadyOpen
	CodeAlreadyClosed
	CodeOpening
	CodeClosing
	CodeNotOpen
	CodeTxAlreadyOpen
	CodeTxNotOpen
	CodeTxNotFlushed
	CodeIterNotOpen
	CodeIterBusy
	CodeEncoding
)

var codeNames = map[Code]string{
	CodeHashMismatch: "HASHMISMATCH",
	CodeSameKey:      "SAMEKEY",
	CodeSamePath:     "SAMEPATH",
	CodeNegDepth:     "NEGDEPTH",
	CodePathMismatch: "PATHMISMATCH",
	CodeTooDeep:      "TOODEEP",
	CodeInval:        "INVAL",
	CodeNotFound:     "NOTFOUND",
	CodeCorruption:   "CORRUPTION",
	CodeNoUpdate:     "NOUPDATE",
	CodeBadWrite:     "BADWRITE",
	CodeBadOpen:      "BADOPEN",
	CodeIterEnd:      "ITEREND",

	CodeAlreadyOpen:   "ALREADY_OPEN",
	CodeAlreadyClosed: "ALREADY_CLOSED",
	CodeOpening:       "OPENING",
	CodeClosing:       "CLOSING",
	CodeNotOpen:       "NOT_OPEN",
	CodeTxAlreadyOpen: "TX_ALREADY_OPEN",
	CodeTxNotOpen:     "TX_NOT_OPEN",
	CodeTxNotFlushed:  "TX_NOT_FLUSHED",
	CodeIterNotOpen:   "ITER_NOT_OPEN",
	CodeIterBusy:      "ITER_BUSY",
	CodeEncoding:      "ENCODING",
}

// Name returns the symbolic name for a code.
func (c Code) Name() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// Error is a structured failure: a symbolic+numeric code, the operation
// that produced it, and the underlying cause when one exists.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("urkel: %s: %s (%d)", e.Op, e.Code.Name(), int(e.Code))
	}
	return fmt.Sprintf("urkel: %s (%d)", e.Code.Name(), int(e.Code))
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code, so the sentinel values
// below work with errors.Is regardless of the Op they were wrapped with.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// Sentinel failures for the lifecycle layer.
var (
	ErrAlreadyOpen   = &Error{Code: CodeAlreadyOpen}
	ErrAlreadyClosed = &Error{Code: CodeAlreadyClosed}
	ErrOpening       = &Error{Code: CodeOpening}
	ErrClosing       = &Error{Code: CodeClosing}
	ErrNotOpen       = &Error{Code: CodeNotOpen}
	ErrTxAlreadyOpen = &Error{Code: CodeTxAlreadyOpen}
	ErrTxNotOpen     = &Error{Code: CodeTxNotOpen}
	ErrTxNotFlushed  = &Error{Code: CodeTxNotFlushed}
	ErrIterNotOpen   = &Error{Code: CodeIterNotOpen}
	ErrIterBusy      = &Error{Code: CodeIterBusy}
	ErrNotFound      = &Error{Code: CodeNotFound}
	ErrCorruption    = &Error{Code: CodeCorruption}
)

// CodeOf extracts the code from any error produced by this package.
// Errors from elsewhere report CodeOK.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	var errno engine.Errno
	if errors.As(err, &errno) {
		return Code(errno)
	}
	return CodeOK
}

// wrapErr attaches the operation and code to an engine failure. Errors
// already structured keep their code; foreign errors (context
// cancellation) pass through untouched.
func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Op == "" {
			return &Error{Code: e.Code, Op: op, Err: e.Err}
		}
		return err
	}
	var errno engine.Errno
	if errors.As(err, &errno) {
		return &Error{Code: Code(errno), Op: op, Err: err}
	}
	return err
}

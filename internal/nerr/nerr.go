// Package nerr defines the typed failure kinds the runner can surface to its
// parent orchestrator. Each kind wraps an underlying cause and carries the
// operation name so callers can dispatch on kind via errors.As instead of
// matching message text.
package nerr

import "fmt"

// Kind identifies one of the failure modes catalogued in the runner's error
// handling design. Disposition (fatal vs. continue) is a property of the
// call site, not of the Kind itself.
type Kind int

const (
	KindModelLoad Kind = iota
	KindContext
	KindSampler
	KindBatch
	KindTokenize
	KindNoPrompt
	KindKvCacheFull
	KindPromptTooLong
	KindStateIO
	KindDecode
)

func (k Kind) String() string {
	switch k {
	case KindModelLoad:
		return "ModelLoadError"
	case KindContext:
		return "ContextError"
	case KindSampler:
		return "SamplerError"
	case KindBatch:
		return "BatchError"
	case KindTokenize:
		return "TokenizeError"
	case KindNoPrompt:
		return "NoPrompt"
	case KindKvCacheFull:
		return "KvCacheFull"
	case KindPromptTooLong:
		return "PromptTooLong"
	case KindStateIO:
		return "StateIoError"
	case KindDecode:
		return "DecodeError"
	default:
		return "UnknownError"
	}
}

// Error is the concrete error type for every Kind above. Op names the
// operation that failed (e.g. "load model", "decode batch") so stderr
// diagnostics can read "failed to <op>: <reason>" per the runner's stdio
// contract.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("failed to %s", e.Op)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an Error of the given kind.
func New(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if as(err, &e) {
		return e.Kind == kind
	}
	return false
}

// as walks err's chain of single Unwrap() error links looking for an
// *Error. Errors that unwrap to several causes (Unwrap() []error, as from
// errors.Join) are not searched past.
func as(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

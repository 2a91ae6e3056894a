// Package e2err defines the termination core's error taxonomy: a small set
// of Kinds shared across components so failure handling (teardown vs. retry
// vs. reject) can be decided from the Kind alone, not from matching strings.
package e2err

import "fmt"

// Kind enumerates the termination core's error taxonomy.
type Kind string

const (
	KindTransport   Kind = "transport_error"
	KindCodec       Kind = "codec_error"
	KindProtocol    Kind = "protocol_error"
	KindValidation  Kind = "validation_error"
	KindTimeout     Kind = "timeout_error"
	KindCapacity    Kind = "capacity_error"
	KindUnreachable Kind = "node_unreachable"
)

// Error pairs a taxonomy Kind with the underlying cause.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind.
func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Wrapf builds a new Error from a formatted message.
func Wrapf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// Phase indicates where in processing the error occurred
type Phase string

const (
	PhaseBridge   Phase = "bridge"   // bridge thread lifecycle
	PhaseMailbox  Phase = "mailbox"  // invocation submission
	PhaseReply    Phase = "reply"    // reply channel delivery
	PhaseRegistry Phase = "registry" // handle registry operations
	PhaseConvert  Phase = "convert"  // typed narrowing of wrappers
	PhaseLiveness Phase = "liveness" // liveness checks
	PhaseHost     Phase = "host"     // host execution lock
	PhaseEngine   Phase = "engine"   // native engine calls
	PhaseGuest    Phase = "guest"    // WebAssembly guest calls
	PhaseConfig   Phase = "config"   // configuration loading
)

// Kind categorizes the error
type Kind string

const (
	KindClosed          Kind = "closed"
	KindReplyDropped    Kind = "reply_dropped"
	KindNotFound        Kind = "not_found"
	KindAlreadyExists   Kind = "already_exists"
	KindSubKindMismatch Kind = "sub_kind_mismatch"
	KindPanic           Kind = "panic"
	KindInvalidInput    Kind = "invalid_input"
	KindNotInitialized  Kind = "not_initialized"
	KindEngineResult    Kind = "engine_result"
	KindTypeMismatch    Kind = "type_mismatch"
	KindTimeout         Kind = "timeout"
)

// Error is the structured error type used throughout the module
type Error struct {
	Value  any
	Cause  error
	Phase  Phase
	Kind   Kind
	Handle string
	Detail string
	Result Result
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.Handle != "" {
		b.WriteString(" at ")
		b.WriteString(e.Handle)
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Result != OK {
		b.WriteString(" (")
		b.WriteString(e.Result.String())
		b.WriteByte(')')
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Handle sets the native handle the error refers to
func (b *Builder) Handle(h string) *Builder {
	b.err.Handle = h
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Result sets the engine result code
func (b *Builder) Result(r Result) *Builder {
	b.err.Result = r
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// Closed reports a submission to a bridge or registry that has shut down
func Closed(phase Phase) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindClosed,
		Detail: "receiver has shut down",
	}
}

// ReplyDropped reports an invocation that was discarded before producing a reply
func ReplyDropped(cause error) *Error {
	return &Error{
		Phase:  PhaseReply,
		Kind:   KindReplyDropped,
		Detail: "invocation dropped before reply",
		Cause:  cause,
	}
}

// NotFound creates a not-found error for a handle absent from the registry
func NotFound(phase Phase, handle string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Handle: handle,
		Detail: "handle is not registered",
	}
}

// SubKindMismatch reports a typed narrowing to the wrong channel-control sub-kind
func SubKindMismatch(want, got, handle string) *Error {
	return &Error{
		Phase:  PhaseConvert,
		Kind:   KindSubKindMismatch,
		Handle: handle,
		Detail: fmt.Sprintf("expected %s, handle is a %s", want, got),
	}
}

// TypeMismatch reports a registered wrapper whose Go type differs from the requested one
func TypeMismatch(phase Phase, handle, want, got string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTypeMismatch,
		Handle: handle,
		Detail: fmt.Sprintf("expected wrapper %s, got %s", want, got),
	}
}

// Panic converts a recovered panic value into an error
func Panic(phase Phase, v any) *Error {
	if err, ok := v.(error); ok {
		return &Error{
			Phase:  phase,
			Kind:   KindPanic,
			Detail: "recovered panic",
			Value:  v,
			Cause:  err,
		}
	}
	return &Error{
		Phase:  phase,
		Kind:   KindPanic,
		Detail: fmt.Sprintf("recovered panic: %v", v),
		Value:  v,
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// NotInitialized creates a not-initialized error for a missing component
func NotInitialized(phase Phase, component string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotInitialized,
		Detail: fmt.Sprintf("%s not initialized", component),
	}
}

// Engine wraps a non-OK engine result code
func Engine(r Result, op string) *Error {
	return &Error{
		Phase:  PhaseEngine,
		Kind:   KindEngineResult,
		Detail: op,
		Result: r,
	}
}

// Timeout reports a blocking operation that gave up waiting
func Timeout(phase Phase, what string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindTimeout,
		Detail: fmt.Sprintf("timed out waiting for %s", what),
		Cause:  cause,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// As finds the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var e *Error
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

package errors

import "fmt"

// Result is an engine-level result code, the value a callback trampoline
// hands back to the native engine.
type Result int32

const (
	OK Result = iota
	ErrInvalidHandle
	ErrInvalidParam
	ErrInternal
	ErrNotReady
	ErrMemory
	ErrChannelStolen
	ErrFileNotFound
	ErrUnsupported
)

var resultNames = [...]string{
	OK:               "ok",
	ErrInvalidHandle: "invalid handle",
	ErrInvalidParam:  "invalid parameter",
	ErrInternal:      "internal error",
	ErrNotReady:      "not ready",
	ErrMemory:        "out of memory",
	ErrChannelStolen: "channel stolen",
	ErrFileNotFound:  "file not found",
	ErrUnsupported:   "unsupported",
}

func (r Result) String() string {
	if r >= 0 && int(r) < len(resultNames) {
		return resultNames[r]
	}
	return fmt.Sprintf("result(%d)", int32(r))
}

// FromResult converts a native result code into an error, nil for OK.
func FromResult(r Result, op string) error {
	if r == OK {
		return nil
	}
	return Engine(r, op)
}

// ToResult maps an error returned by host code to the result code reported
// to the engine. Errors without a structured kind map to ErrInternal.
func ToResult(err error) Result {
	if err == nil {
		return OK
	}
	e, ok := As(err)
	if !ok {
		return ErrInternal
	}
	if e.Result != OK {
		return e.Result
	}
	switch e.Kind {
	case KindNotFound:
		return ErrInvalidHandle
	case KindSubKindMismatch, KindTypeMismatch, KindInvalidInput:
		return ErrInvalidParam
	case KindClosed, KindReplyDropped, KindNotInitialized:
		return ErrNotReady
	default:
		return ErrInternal
	}
}

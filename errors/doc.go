// Package errors provides structured error types for the fmod-bridge module.
//
// Errors are categorized by Phase (where the error occurred) and Kind (error category).
// The Error type carries the native handle involved, a detail message and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseRegistry, errors.KindNotFound).
//		Handle(h.String()).
//		Detail("remove on unregistered handle").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Closed(errors.PhaseMailbox)
//	err := errors.SubKindMismatch("channel", "channel-group", h.String())
//
// Callback trampolines translate errors into engine result codes with ToResult,
// so a failure inside host code is reported to the engine instead of aborting
// the process.
//
// All errors implement the standard error interface and support errors.Is/As.
package errors

package fmod

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	logger atomic.Pointer[zap.Logger]
	nop    = zap.NewNop()
)

// Logger returns the package logger, a no-op logger unless SetLogger was
// called.
func Logger() *zap.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return nop
}

// SetLogger sets the default logger for systems created afterwards. A nil l
// restores the no-op logger. Safe for concurrent use.
func SetLogger(l *zap.Logger) {
	logger.Store(l)
}

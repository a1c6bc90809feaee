package sim

import (
	"time"

	"go.uber.org/zap"
)

type options struct {
	log           *zap.Logger
	mixInterval   time.Duration
	decodeWorkers int
	maxChannels   int
}

func defaultOptions() options {
	return options{
		mixInterval:   10 * time.Millisecond,
		decodeWorkers: 4,
		maxChannels:   64,
	}
}

// Option configures an Engine.
type Option func(*options)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithMixInterval sets the mixer period. Zero disables the mixer thread;
// tests then advance playback with Mix.
func WithMixInterval(d time.Duration) Option {
	return func(o *options) {
		o.mixInterval = d
	}
}

// WithDecodeWorkers sets the size of the decode pool that delivers sync point
// callbacks.
func WithDecodeWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.decodeWorkers = n
		}
	}
}

// WithMaxChannels caps the number of simultaneously playing channels. Extra
// channels play virtually.
func WithMaxChannels(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxChannels = n
		}
	}
}

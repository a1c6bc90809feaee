package bridge

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/mailbox"
)

type reply[T any] struct {
	val T
	err error
}

// Call runs fn on the bridge thread and blocks until it returns, handing back
// its result. Errors and panics inside fn come back as typed errors.
//
// Called from the bridge thread itself, fn runs in place: queueing would
// deadlock because the bridge cannot receive while it waits on itself.
//
// There is no timeout and no cancellation. Once queued, fn always runs and
// the caller waits for it; ctx only carries the bridge marker.
func Call[T any](ctx context.Context, b *Bridge, fn func(ctx context.Context) (T, error)) (T, error) {
	if b.OnBridge(ctx) {
		b.inline.Add(1)
		return guarded(b, b.context(ctx), fn)
	}

	ch := make(chan reply[T], 1)
	inv := mailbox.NewInvocation(
		func(ctx context.Context) {
			v, err := guarded(b, ctx, fn)
			ch <- reply[T]{val: v, err: err}
		},
		func(cause error) {
			ch <- reply[T]{err: errors.ReplyDropped(cause)}
		},
	)

	if err := b.submit(inv); err != nil {
		var zero T
		return zero, err
	}

	r := <-ch
	return r.val, r.err
}

// Run is Call for functions without a result value.
func Run(ctx context.Context, b *Bridge, fn func(ctx context.Context) error) error {
	_, err := Call(ctx, b, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Process queues fn without waiting for it. Errors returned by fn are logged.
// Sent from the bridge thread, fn joins the batch currently being drained.
func (b *Bridge) Process(ctx context.Context, fn func(ctx context.Context) error) error {
	inv := mailbox.NewInvocation(
		func(ctx context.Context) {
			if _, err := guarded(b, ctx, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, fn(ctx)
			}); err != nil {
				b.log.Warn("invocation failed", zap.Error(err))
			}
		},
		func(cause error) {
			b.log.Debug("invocation dropped", zap.Error(cause))
		},
	)
	return b.submit(inv)
}

func guarded[T any](b *Bridge, ctx context.Context, fn func(ctx context.Context) (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error("host callback panicked", zap.Any("panic", r))
			var zero T
			v, err = zero, errors.Panic(errors.PhaseBridge, r)
		}
	}()
	return fn(ctx)
}

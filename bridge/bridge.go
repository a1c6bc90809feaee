package bridge

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/host"
	"github.com/wippyai/fmod-bridge/mailbox"
)

// Bridge owns the consumer end of a mailbox and runs every invocation on a
// single goroutine locked to its own OS thread, holding the host lock.
type Bridge struct {
	lock  host.Lock
	mbox  *mailbox.Mailbox
	log   *zap.Logger
	ready chan struct{}
	done  chan struct{}
	name  string

	tid     atomic.Int64
	started atomic.Bool

	// lifeMu orders Start against Stop
	lifeMu   sync.Mutex
	stopping bool

	enqueued atomic.Uint64
	executed atomic.Uint64
	inline   atomic.Uint64
	batches  atomic.Uint64
	maxBatch atomic.Uint64
	panics   atomic.Uint64
	rejected atomic.Uint64
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger used by the bridge.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) {
		if l != nil {
			b.log = l
		}
	}
}

// WithName labels the bridge in logs.
func WithName(name string) Option {
	return func(b *Bridge) {
		b.name = name
	}
}

// New creates a bridge that serializes invocations under lock. The bridge
// does nothing until Start.
func New(lock host.Lock, opts ...Option) *Bridge {
	b := &Bridge{
		lock:  lock,
		mbox:  mailbox.New(),
		ready: make(chan struct{}),
		done:  make(chan struct{}),
		name:  "bridge",
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.log == nil {
		b.log = Logger()
	}
	b.log = b.log.With(zap.String("bridge", b.name))
	return b
}

// Lock returns the host lock the bridge acquires while running invocations.
func (b *Bridge) Lock() host.Lock {
	return b.lock
}

// Start launches the bridge thread and waits until it is receiving.
func (b *Bridge) Start(ctx context.Context) error {
	b.lifeMu.Lock()
	if b.started.Load() {
		b.lifeMu.Unlock()
		return errors.New(errors.PhaseBridge, errors.KindAlreadyExists).
			Detail("bridge %q already started", b.name).
			Build()
	}
	if b.stopping {
		b.lifeMu.Unlock()
		return errors.Closed(errors.PhaseBridge)
	}
	b.started.Store(true)
	b.lifeMu.Unlock()

	go b.loop()

	select {
	case <-b.ready:
		return nil
	case <-ctx.Done():
		return errors.Timeout(errors.PhaseBridge, "bridge thread start", ctx.Err())
	}
}

// Stop queues the shutdown sentinel and waits for the loop to exit.
// Invocations sent before Stop still run. Called from the bridge thread
// itself, Stop only queues the sentinel.
func (b *Bridge) Stop(ctx context.Context) error {
	b.lifeMu.Lock()
	if !b.stopping {
		b.stopping = true
		b.mbox.Close()
		if !b.started.Load() {
			// no loop will ever drain the queue
			b.rejectPending()
			close(b.done)
		}
	}
	b.lifeMu.Unlock()

	if b.OnBridge(ctx) {
		return nil
	}

	select {
	case <-b.done:
		return nil
	case <-ctx.Done():
		return errors.Timeout(errors.PhaseBridge, "bridge thread stop", ctx.Err())
	}
}

// Done is closed once the bridge thread has exited.
func (b *Bridge) Done() <-chan struct{} {
	return b.done
}

// OnBridge reports whether the caller is running on the bridge thread. The
// check compares thread identity, so it also holds inside native callbacks
// that fire synchronously on the bridge thread without a context. The context
// marker is consulted only when no thread identity is available.
func (b *Bridge) OnBridge(ctx context.Context) bool {
	if tid, ok := currentThreadID(); ok {
		bt := b.tid.Load()
		return bt != 0 && bt == tid
	}
	if ctx == nil {
		return false
	}
	v, ok := ctx.Value(bridgeKey{}).(*Bridge)
	return ok && v == b
}

type bridgeKey struct{}

// context marks ctx as running on this bridge with the host lock held.
func (b *Bridge) context(ctx context.Context) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return host.WithHeld(context.WithValue(ctx, bridgeKey{}, b), b.lock)
}

func (b *Bridge) submit(inv *mailbox.Invocation) error {
	if err := b.mbox.Send(inv); err != nil {
		return errors.Wrap(errors.PhaseMailbox, errors.KindClosed, err, "bridge "+b.name+" is shut down")
	}
	b.enqueued.Add(1)
	return nil
}

func (b *Bridge) loop() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if tid, ok := currentThreadID(); ok {
		b.tid.Store(tid)
	}
	defer b.tid.Store(0)
	defer close(b.done)

	ctx := b.context(context.Background())
	b.log.Debug("bridge thread started")
	close(b.ready)

	for {
		// idle: host lock released while blocked
		inv, err := b.mbox.Recv(context.Background())
		if err != nil {
			break
		}
		if !b.runBatch(ctx, inv) {
			break
		}
	}

	b.log.Debug("bridge thread stopped",
		zap.Uint64("executed", b.executed.Load()),
		zap.Uint64("batches", b.batches.Load()))
}

// runBatch runs first and every invocation already queued behind it under a
// single lock acquisition. It reports false once the sentinel is drained.
func (b *Bridge) runBatch(ctx context.Context, first *mailbox.Invocation) bool {
	if err := b.lock.Acquire(context.Background()); err != nil {
		b.log.Error("acquire host lock", zap.Error(err))
		b.reject(first, err)
		return true
	}
	defer b.lock.Release()

	n := uint64(1)
	b.exec(ctx, first)
	for {
		inv, err := b.mbox.TryRecv()
		if err != nil {
			b.finishBatch(n)
			return false
		}
		if inv == nil {
			break
		}
		b.exec(ctx, inv)
		n++
	}
	b.finishBatch(n)
	return true
}

func (b *Bridge) finishBatch(n uint64) {
	b.batches.Add(1)
	for {
		cur := b.maxBatch.Load()
		if n <= cur || b.maxBatch.CompareAndSwap(cur, n) {
			return
		}
	}
}

func (b *Bridge) exec(ctx context.Context, inv *mailbox.Invocation) {
	defer func() {
		if r := recover(); r != nil {
			b.panics.Add(1)
			b.log.Error("invocation panicked",
				zap.Uint64("seq", inv.Seq()),
				zap.Any("panic", r))
		}
	}()
	if inv.Run(ctx) {
		b.executed.Add(1)
	}
}

func (b *Bridge) reject(inv *mailbox.Invocation, err error) {
	if inv.Reject(err) {
		b.rejected.Add(1)
	}
}

func (b *Bridge) rejectPending() {
	for {
		inv, err := b.mbox.TryRecv()
		if err != nil || inv == nil {
			return
		}
		b.reject(inv, errors.Closed(errors.PhaseBridge))
	}
}

// Stats is a snapshot of bridge counters.
type Stats struct {
	Enqueued uint64
	Executed uint64
	Inline   uint64
	Batches  uint64
	MaxBatch uint64
	Panics   uint64
	Rejected uint64
	Pending  int
	Running  bool
}

// Stats returns the current counters.
func (b *Bridge) Stats() Stats {
	running := b.started.Load()
	select {
	case <-b.done:
		running = false
	default:
	}
	return Stats{
		Enqueued: b.enqueued.Load(),
		Executed: b.executed.Load(),
		Inline:   b.inline.Load(),
		Batches:  b.batches.Load(),
		MaxBatch: b.maxBatch.Load(),
		Panics:   b.panics.Load(),
		Rejected: b.rejected.Load(),
		Pending:  b.mbox.Len(),
		Running:  running,
	}
}

// Package mailbox implements the unbounded multi-producer, single-consumer
// queue that carries invocations from native engine threads to the bridge
// thread.
//
// Close appends a shutdown sentinel instead of dropping the queue, so every
// invocation sent before Close is still delivered in order. Sends after Close
// fail with a typed closed error.
package mailbox

import (
	"context"
	"sync"

	"github.com/gammazero/deque"

	"github.com/wippyai/fmod-bridge/errors"
)

// ErrClosed is returned by Send after Close, and by Recv/TryRecv once the
// sentinel is reached.
var ErrClosed = errors.Closed(errors.PhaseMailbox)

// Mailbox is an unbounded FIFO of invocations. A nil entry in the queue is
// the shutdown sentinel.
type Mailbox struct {
	queue    *deque.Deque[*Invocation]
	notify   chan struct{}
	nextSeq  uint64
	mu       sync.Mutex
	closed   bool
	sentinel bool
}

// New returns an empty open mailbox.
func New() *Mailbox {
	return &Mailbox{
		queue:  deque.New[*Invocation](64),
		notify: make(chan struct{}, 1),
	}
}

// Send enqueues inv. It never blocks.
func (m *Mailbox) Send(inv *Invocation) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.nextSeq++
	inv.seq = m.nextSeq
	m.queue.PushBack(inv)
	m.mu.Unlock()

	m.wake()
	return nil
}

// Close stops accepting invocations and queues the shutdown sentinel behind
// everything already sent. Closing twice is a no-op.
func (m *Mailbox) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue.PushBack(nil)
	m.mu.Unlock()

	m.wake()
}

// Recv blocks until an invocation is available. It returns ErrClosed when the
// sentinel is reached, or the context error if ctx is done first.
func (m *Mailbox) Recv(ctx context.Context) (*Invocation, error) {
	for {
		inv, err := m.TryRecv()
		if err != nil || inv != nil {
			return inv, err
		}
		select {
		case <-m.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// TryRecv returns the next invocation without blocking. It returns (nil, nil)
// when the queue is empty.
func (m *Mailbox) TryRecv() (*Invocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sentinel {
		return nil, ErrClosed
	}
	if m.queue.Len() == 0 {
		return nil, nil
	}

	inv := m.queue.PopFront()
	if inv == nil {
		m.sentinel = true
		return nil, ErrClosed
	}
	return inv, nil
}

// Len returns the number of queued invocations, excluding the sentinel.
func (m *Mailbox) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.queue.Len()
	if m.closed && !m.sentinel && n > 0 {
		n--
	}
	return n
}

// Closed reports whether Close has been called.
func (m *Mailbox) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *Mailbox) wake() {
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

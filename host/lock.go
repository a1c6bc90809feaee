// Package host models the host runtime's execution lock.
//
// The host runtime allows only one logical thread to execute host code at a
// time. Anything that touches host state, such as a guest module instance or
// user callback objects, runs while holding the Lock. Code that already holds
// the lock marks its context with WithHeld so nested calls do not try to
// acquire it a second time.
package host

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/wippyai/fmod-bridge/errors"
)

// Lock is a single-owner execution lock.
type Lock interface {
	// Acquire blocks until the lock is held or ctx is done.
	Acquire(ctx context.Context) error

	// Release gives the lock up. Calling Release on an unheld lock panics.
	Release()
}

// Mutex is the default Lock, a weighted semaphore of size one. Unlike
// sync.Mutex its acquisition can be abandoned through a context.
type Mutex struct {
	sem          *semaphore.Weighted
	acquisitions atomic.Uint64
}

// NewMutex returns an unheld Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Acquire implements Lock.
func (m *Mutex) Acquire(ctx context.Context) error {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return errors.Timeout(errors.PhaseHost, "host execution lock", err)
	}
	m.acquisitions.Add(1)
	return nil
}

// TryAcquire takes the lock only if it is free.
func (m *Mutex) TryAcquire() bool {
	if !m.sem.TryAcquire(1) {
		return false
	}
	m.acquisitions.Add(1)
	return true
}

// Release implements Lock. The semaphore panics on release of an unheld
// lock.
func (m *Mutex) Release() {
	m.sem.Release(1)
}

// Acquisitions returns how many times the lock has been taken.
func (m *Mutex) Acquisitions() uint64 {
	return m.acquisitions.Load()
}

type heldKey struct{}

// WithHeld returns a context recording that the caller holds l.
func WithHeld(ctx context.Context, l Lock) context.Context {
	return context.WithValue(ctx, heldKey{}, l)
}

// Held reports whether ctx was marked by WithHeld for l.
func Held(ctx context.Context, l Lock) bool {
	if ctx == nil {
		return false
	}
	held, ok := ctx.Value(heldKey{}).(Lock)
	return ok && held == l
}

// Do runs fn while holding l. If ctx shows the lock is already held, fn runs
// directly; otherwise the lock is acquired and fn receives a marked context.
func Do(ctx context.Context, l Lock, fn func(ctx context.Context) error) error {
	if Held(ctx, l) {
		return fn(ctx)
	}
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn(WithHeld(ctx, l))
}

package mailbox

import (
	"context"
	"sync/atomic"
)

// Invocation is a single-use unit of work queued for the bridge thread.
// Exactly one of Run or Reject takes effect; later calls are no-ops.
type Invocation struct {
	run    func(ctx context.Context)
	reject func(err error)
	seq    uint64
	used   atomic.Bool
}

// NewInvocation wraps run. reject, if non-nil, is called instead of run when
// the invocation is discarded without executing.
func NewInvocation(run func(ctx context.Context), reject func(err error)) *Invocation {
	return &Invocation{run: run, reject: reject}
}

// Seq returns the mailbox sequence number assigned on Send.
func (inv *Invocation) Seq() uint64 {
	return inv.seq
}

// Run executes the invocation. It reports false if it already ran or was
// rejected.
func (inv *Invocation) Run(ctx context.Context) bool {
	if !inv.used.CompareAndSwap(false, true) {
		return false
	}
	inv.run(ctx)
	return true
}

// Reject discards the invocation, notifying its reject hook with err.
func (inv *Invocation) Reject(err error) bool {
	if !inv.used.CompareAndSwap(false, true) {
		return false
	}
	if inv.reject != nil {
		inv.reject(err)
	}
	return true
}

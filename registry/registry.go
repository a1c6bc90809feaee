package registry

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
)

// Registry maps native handles to their single live wrapper. One Registry
// belongs to one engine system; independent systems never share entries.
type Registry struct {
	entries map[handle.Handle]*entry
	checker Checker
	log     *zap.Logger

	observers []subscription
	obsMu     sync.RWMutex
	obsNext   uint64

	mu     sync.Mutex
	seq    uint64
	closed bool
	strict bool

	inserted  atomic.Uint64
	removed   atomic.Uint64
	swept     atomic.Uint64
	destroyed atomic.Uint64
	sweeps    atomic.Uint64
}

type entry struct {
	wrapper any
	marked  bool
}

type subscription struct {
	id uint64
	o  Observer
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrict makes Lookup and Remove of an absent handle panic instead of
// returning a not_found error.
func WithStrict(strict bool) Option {
	return func(r *Registry) {
		r.strict = strict
	}
}

// WithChecker sets the liveness checker used by insert and Sweep. Without one,
// every entry is assumed live.
func WithChecker(p Checker) Option {
	return func(r *Registry) {
		r.checker = p
	}
}

// WithLogger sets the registry logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.log = l
		}
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		entries: make(map[handle.Handle]*entry, 64),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.checker == nil {
		r.checker = assumeLive{}
	}
	if r.log == nil {
		r.log = Logger()
	}
	return r
}

// GetOrInsert returns the wrapper registered for h, creating it with ctor on
// first use. ctor runs at most once per live entry and is called with the
// registry lock held, so it must not call back into the registry.
//
// A hit on a user-data kind re-reads the sentinel. If the engine recycled the
// pointer since the entry was marked, the old wrapper is evicted as swept and
// ctor builds a new one.
//
// Observers hear of the insert after the lock is released, so a racing
// Remove of the same handle may be delivered first. Event.Seq restores the
// order in which the changes took effect.
func (r *Registry) GetOrInsert(h handle.Handle, ctor func() (any, error)) (any, error) {
	if h.IsNil() || !h.Kind.Valid() {
		return nil, errors.InvalidInput(errors.PhaseRegistry, "cannot register handle "+h.String())
	}

	var stale *Event

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Closed(errors.PhaseRegistry)
	}
	if e, ok := r.entries[h]; ok {
		if !e.marked || h.Kind.Liveness() != handle.LivenessUserData || r.alive(h, e) {
			r.mu.Unlock()
			return e.wrapper, nil
		}
		delete(r.entries, h)
		stale = &Event{Type: EventSwept, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()}
	}

	w, err := ctor()
	if err == nil && w == nil {
		err = errors.InvalidInput(errors.PhaseRegistry, "constructor returned nil wrapper for "+h.String())
	}
	if err != nil {
		r.mu.Unlock()
		r.reused(stale)
		return nil, err
	}

	e := &entry{wrapper: w}
	if err := r.checker.Mark(h); err != nil {
		// kept anyway; the next sweep sees it as stale
		r.log.Warn("liveness mark failed", zap.Stringer("handle", h), zap.Error(err))
	} else {
		e.marked = true
	}
	r.entries[h] = e
	inserted := Event{Type: EventInserted, Handle: h, Wrapper: w, Seq: r.nextSeq()}
	r.mu.Unlock()

	r.reused(stale)
	r.inserted.Add(1)
	r.notify(inserted)
	return w, nil
}

// GetOrInsertAs is GetOrInsert for a concrete wrapper type. A registered
// wrapper of another type yields a type_mismatch error.
func GetOrInsertAs[W any](r *Registry, h handle.Handle, ctor func() (W, error)) (W, error) {
	var zero W
	v, err := r.GetOrInsert(h, func() (any, error) {
		w, err := ctor()
		if err != nil {
			return nil, err
		}
		return w, nil
	})
	if err != nil {
		return zero, err
	}
	w, ok := v.(W)
	if !ok {
		return zero, errors.TypeMismatch(errors.PhaseRegistry, h.String(),
			fmt.Sprintf("%T", zero), fmt.Sprintf("%T", v))
	}
	return w, nil
}

// Lookup returns the wrapper registered for h.
func (r *Registry) Lookup(h handle.Handle) (any, error) {
	r.mu.Lock()
	e, ok := r.entries[h]
	r.mu.Unlock()
	if !ok {
		return nil, r.absent(h, "lookup")
	}
	return e.wrapper, nil
}

// LookupAs is Lookup for a concrete wrapper type.
func LookupAs[W any](r *Registry, h handle.Handle) (W, error) {
	var zero W
	v, err := r.Lookup(h)
	if err != nil {
		return zero, err
	}
	w, ok := v.(W)
	if !ok {
		return zero, errors.TypeMismatch(errors.PhaseRegistry, h.String(),
			fmt.Sprintf("%T", zero), fmt.Sprintf("%T", v))
	}
	return w, nil
}

// Remove evicts h and returns its wrapper. Call it before releasing the
// native object.
func (r *Registry) Remove(h handle.Handle) (any, error) {
	var ev Event
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
		ev = Event{Type: EventRemoved, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()}
	}
	r.mu.Unlock()
	if !ok {
		return nil, r.absent(h, "remove")
	}

	r.removed.Add(1)
	r.evicted(ev)
	return e.wrapper, nil
}

// RemoveWrapper is Remove restricted to wrapper w. When h is registered to a
// different wrapper, the pointer was reused after w's object was freed and
// the call fails with not_found, leaving the newer wrapper in place.
func (r *Registry) RemoveWrapper(h handle.Handle, w any) error {
	var ev Event
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok && e.wrapper == w {
		delete(r.entries, h)
		ev = Event{Type: EventRemoved, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()}
	} else {
		ok = false
	}
	r.mu.Unlock()
	if !ok {
		return r.absent(h, "remove")
	}

	r.removed.Add(1)
	r.evicted(ev)
	return nil
}

// MarkDestroyed evicts h because the engine reported the object destroyed.
// The liveness heuristic is not consulted. It reports whether h was present;
// an absent handle is not an error, since the wrapper may never have been
// created or may already have been swept.
func (r *Registry) MarkDestroyed(h handle.Handle) bool {
	var ev Event
	r.mu.Lock()
	e, ok := r.entries[h]
	if ok {
		delete(r.entries, h)
		ev = Event{Type: EventDestroyed, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()}
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	r.destroyed.Add(1)
	r.evicted(ev)
	return true
}

// Contains reports whether h is registered.
func (r *Registry) Contains(h handle.Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[h]
	return ok
}

// Len returns the number of registered handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Each calls fn for every registered handle until fn returns false. fn runs
// on a snapshot, outside the registry lock.
func (r *Registry) Each(fn func(h handle.Handle, wrapper any) bool) {
	type pair struct {
		h handle.Handle
		w any
	}
	r.mu.Lock()
	snap := make([]pair, 0, len(r.entries))
	for h, e := range r.entries {
		snap = append(snap, pair{h, e.wrapper})
	}
	r.mu.Unlock()

	for _, p := range snap {
		if !fn(p.h, p.w) {
			return
		}
	}
}

// Snapshot returns the number of registered handles per kind.
func (r *Registry) Snapshot() map[handle.Kind]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[handle.Kind]int)
	for h := range r.entries {
		out[h.Kind]++
	}
	return out
}

// Sweep evicts every entry whose native object is no longer alive and
// returns how many were evicted. Checker errors count as stale and are never
// returned to the caller.
func (r *Registry) Sweep() int {
	var stale []Event

	r.mu.Lock()
	for h, e := range r.entries {
		if r.alive(h, e) {
			continue
		}
		delete(r.entries, h)
		stale = append(stale, Event{Type: EventSwept, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()})
	}
	r.mu.Unlock()

	r.sweeps.Add(1)
	r.swept.Add(uint64(len(stale)))
	for _, ev := range stale {
		r.evicted(ev)
	}
	if len(stale) > 0 {
		r.log.Debug("swept stale handles", zap.Int("count", len(stale)))
	}
	return len(stale)
}

func (r *Registry) alive(h handle.Handle, e *entry) bool {
	if !e.marked && h.Kind.Liveness() == handle.LivenessUserData {
		return false
	}
	ok, err := r.checker.Alive(h)
	if err != nil {
		r.log.Debug("liveness check failed", zap.Stringer("handle", h), zap.Error(err))
		return false
	}
	return ok
}

// Close evicts every entry and rejects later inserts. Lookups after Close
// behave as for absent handles.
func (r *Registry) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	evs := make([]Event, 0, len(r.entries))
	for h, e := range r.entries {
		evs = append(evs, Event{Type: EventRemoved, Handle: h, Wrapper: e.wrapper, Seq: r.nextSeq()})
	}
	r.entries = make(map[handle.Handle]*entry)
	r.mu.Unlock()

	for _, ev := range evs {
		r.removed.Add(1)
		r.evicted(ev)
	}
	return nil
}

// Stats returns registry counters.
func (r *Registry) Stats() Stats {
	return Stats{
		Live:      r.Len(),
		Inserted:  r.inserted.Load(),
		Removed:   r.removed.Load(),
		Swept:     r.swept.Load(),
		Destroyed: r.destroyed.Load(),
		Sweeps:    r.sweeps.Load(),
	}
}

// Subscribe adds an observer for lifecycle events and returns a function
// that removes it again. Calling cancel more than once is a no-op.
func (r *Registry) Subscribe(o Observer) (cancel func()) {
	r.obsMu.Lock()
	r.obsNext++
	id := r.obsNext
	r.observers = append(r.observers, subscription{id: id, o: o})
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		defer r.obsMu.Unlock()
		for i, sub := range r.observers {
			if sub.id == id {
				r.observers = append(r.observers[:i:i], r.observers[i+1:]...)
				return
			}
		}
	}
}

// nextSeq numbers an event. Caller holds mu.
func (r *Registry) nextSeq() uint64 {
	r.seq++
	return r.seq
}

func (r *Registry) absent(h handle.Handle, op string) error {
	err := errors.NotFound(errors.PhaseRegistry, h.String())
	if r.strict {
		panic(err)
	}
	r.log.Warn("registry "+op+" of unregistered handle", zap.Stringer("handle", h))
	return err
}

// reused evicts a wrapper whose pointer the engine recycled before a sweep
// caught it.
func (r *Registry) reused(e *Event) {
	if e == nil {
		return
	}
	r.swept.Add(1)
	r.log.Debug("pointer reused before sweep", zap.Stringer("handle", e.Handle))
	r.evicted(*e)
}

func (r *Registry) evicted(e Event) {
	if d, ok := e.Wrapper.(Dropper); ok {
		d.Drop()
	}
	r.notify(e)
}

// notify runs observers on a snapshot so they may subscribe or cancel while
// being notified. Cancel never edits the shared backing array in place.
func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	subs := r.observers
	r.obsMu.RUnlock()
	for _, sub := range subs {
		sub.o.OnRegistryEvent(e)
	}
}

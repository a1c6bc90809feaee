// Package sim is an in-process stand-in for the native audio engine.
//
// It reproduces the parts of the engine's behavior that matter to the
// bindings: callbacks arrive on threads the host does not own, freed object
// pointers are recycled, user-data slots disappear with their object, and
// finished one-shot channels are destroyed implicitly during Update.
//
// Threads:
//
//	mixer   - one goroutine locked to its own OS thread; fires premix,
//	          postmix, rolloff, occlusion and virtual voice callbacks
//	decode  - an ants worker pool; fires sync point callbacks
//	caller  - Update fires end, event instance and update callbacks on the
//	          goroutine that calls it
//
// No engine lock is held while a callback runs, so callbacks may call back
// into the engine.
package sim

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
)

type eventState uint8

const (
	eventIdle eventState = iota
	eventPlaying
	eventStopped
)

type syncPoint struct {
	name     string
	offsetMS uint32
	ptr      uintptr
}

type object struct {
	name     string
	kind     handle.Kind
	control  handle.ControlKind
	userData uintptr
	seq      uint64

	// sound
	lengthMS   uint32
	mode       native.Mode
	syncPoints []syncPoint
	soundGroup uintptr

	// channel
	sound      uintptr
	parent     uintptr
	positionMS float64
	nextSync   int
	paused     bool
	ended      bool
	virtual    bool
	distance   float32
	audibility float32
	direct     float32
	reverb     float32
	ccb        native.ChannelControlCallback

	// event description / instance
	path     string
	desc     uintptr
	state    eventState
	released bool
	ecb      native.EventCallback
	emask    native.EventCallbackType
	pending  []native.EventCallbackType

	// programmer instrument of a description, and the sound an instance
	// was given for it
	instrument string
	progSound  uintptr
	progIndex  int
}

// Engine is a simulated native engine. It implements native.Engine.
type Engine struct {
	opts options
	log  *zap.Logger
	pool *ants.Pool

	mu      sync.Mutex
	objects map[uintptr]*object
	heap    *allocator
	static  *allocator
	descs   map[string]uintptr
	seq     uint64
	closed  bool

	system uintptr
	master uintptr

	sysCb    native.SystemCallback
	sysMask  native.SystemCallbackType
	rolloff  native.RolloffCallback
	stopMix  chan struct{}
	mixDone  chan struct{}
	closeOne sync.Once

	mixes     atomic.Uint64
	syncFired atomic.Uint64
	endFired  atomic.Uint64
	destroyed atomic.Uint64
}

var _ native.Engine = (*Engine)(nil)

// New creates and initializes a simulated engine. The mixer thread starts
// immediately unless the mix interval is zero.
func New(opts ...Option) (*Engine, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}

	e := &Engine{
		opts:    o,
		log:     o.log.Named("sim"),
		objects: make(map[uintptr]*object, 64),
		heap:    newAllocator(heapBase),
		static:  newAllocator(staticBase),
		descs:   make(map[string]uintptr),
		stopMix: make(chan struct{}),
		mixDone: make(chan struct{}),
	}

	pool, err := ants.NewPool(o.decodeWorkers, ants.WithPanicHandler(func(v interface{}) {
		e.log.Error("decode task panicked", zap.Any("panic", v))
	}))
	if err != nil {
		return nil, errors.Wrap(errors.PhaseEngine, errors.KindNotInitialized, err, "decode pool")
	}
	e.pool = pool

	e.system = e.static.alloc()
	e.objects[e.system] = &object{kind: handle.KindSystem, name: "system"}
	e.master = e.static.alloc()
	e.objects[e.master] = &object{
		kind:    handle.KindChannelControl,
		control: handle.ControlChannelGroup,
		name:    "master",
	}

	if o.mixInterval > 0 {
		go e.mixer()
	} else {
		close(e.mixDone)
	}
	return e, nil
}

// System implements native.Engine.
func (e *Engine) System() uintptr { return e.system }

// Close stops the mixer thread and the decode pool and destroys every object.
// Callbacks already running are not interrupted.
func (e *Engine) Close() errors.Result {
	e.closeOne.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.mu.Unlock()

		close(e.stopMix)
		<-e.mixDone
		e.pool.Release()

		e.mu.Lock()
		e.objects = make(map[uintptr]*object)
		e.descs = make(map[string]uintptr)
		e.mu.Unlock()
	})
	return errors.OK
}

func (e *Engine) newObject(o *object) uintptr {
	e.seq++
	o.seq = e.seq
	p := e.heap.alloc()
	e.objects[p] = o
	return p
}

func (e *Engine) free(p uintptr) {
	if _, ok := e.objects[p]; !ok {
		return
	}
	delete(e.objects, p)
	e.heap.release(p)
}

// lookup returns the object at p if it has the given kind. Caller holds mu.
func (e *Engine) lookup(p uintptr, kind handle.Kind) (*object, errors.Result) {
	if e.closed {
		return nil, errors.ErrNotReady
	}
	o, ok := e.objects[p]
	if !ok || o.kind != kind {
		return nil, errors.ErrInvalidHandle
	}
	return o, errors.OK
}

func (e *Engine) channel(p uintptr) (*object, errors.Result) {
	o, r := e.lookup(p, handle.KindChannelControl)
	if r != errors.OK {
		return nil, r
	}
	if o.control != handle.ControlChannel {
		return nil, errors.ErrInvalidParam
	}
	return o, errors.OK
}

func (e *Engine) group(p uintptr) (*object, errors.Result) {
	o, r := e.lookup(p, handle.KindChannelControl)
	if r != errors.OK {
		return nil, r
	}
	if o.control != handle.ControlChannelGroup {
		return nil, errors.ErrInvalidParam
	}
	return o, errors.OK
}

// SetUserData implements native.Engine.
func (e *Engine) SetUserData(h handle.Handle, v uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(h.Ptr, h.Kind)
	if r != errors.OK {
		return r
	}
	o.userData = v
	return errors.OK
}

// UserData implements native.Engine.
func (e *Engine) UserData(h handle.Handle) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(h.Ptr, h.Kind)
	if r != errors.OK {
		return 0, r
	}
	return o.userData, errors.OK
}

// IsValid implements native.Engine.
func (e *Engine) IsValid(h handle.Handle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, r := e.lookup(h.Ptr, h.Kind)
	return r == errors.OK
}

// CreateSound implements native.Engine.
func (e *Engine) CreateSound(info native.SoundInfo) (uintptr, errors.Result) {
	if info.LengthMS == 0 {
		return 0, errors.ErrInvalidParam
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	return e.newObject(&object{
		kind:     handle.KindSound,
		name:     info.Name,
		lengthMS: info.LengthMS,
		mode:     info.Mode,
	}), errors.OK
}

// ReleaseSound implements native.Engine. Channels playing the sound end and
// are destroyed by the next Update.
func (e *Engine) ReleaseSound(sound uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, r := e.lookup(sound, handle.KindSound)
	if r != errors.OK {
		return r
	}
	for _, o := range e.objects {
		if o.kind == handle.KindChannelControl && o.sound == sound {
			o.ended = true
			o.sound = 0
		}
	}
	for _, sp := range s.syncPoints {
		e.free(sp.ptr)
	}
	e.free(sound)
	return errors.OK
}

// AddSyncPoint implements native.Engine.
func (e *Engine) AddSyncPoint(sound uintptr, offsetMS uint32, name string) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, r := e.lookup(sound, handle.KindSound)
	if r != errors.OK {
		return 0, r
	}
	if offsetMS >= s.lengthMS {
		return 0, errors.ErrInvalidParam
	}
	p := e.newObject(&object{kind: handle.KindSyncPoint, name: name})
	s.syncPoints = append(s.syncPoints, syncPoint{name: name, offsetMS: offsetMS, ptr: p})
	sort.SliceStable(s.syncPoints, func(i, j int) bool {
		return s.syncPoints[i].offsetMS < s.syncPoints[j].offsetMS
	})
	return p, errors.OK
}

// SetSoundGroup implements native.Engine. A zero group detaches the sound.
func (e *Engine) SetSoundGroup(sound, group uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, r := e.lookup(sound, handle.KindSound)
	if r != errors.OK {
		return r
	}
	if group != 0 {
		if _, r := e.lookup(group, handle.KindSoundGroup); r != errors.OK {
			return r
		}
	}
	s.soundGroup = group
	return errors.OK
}

// CreateSoundGroup implements native.Engine.
func (e *Engine) CreateSoundGroup(name string) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	return e.newObject(&object{kind: handle.KindSoundGroup, name: name}), errors.OK
}

// ReleaseSoundGroup implements native.Engine.
func (e *Engine) ReleaseSoundGroup(group uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, r := e.lookup(group, handle.KindSoundGroup); r != errors.OK {
		return r
	}
	for _, o := range e.objects {
		if o.kind == handle.KindSound && o.soundGroup == group {
			o.soundGroup = 0
		}
	}
	e.free(group)
	return errors.OK
}

// CreateDSP implements native.Engine.
func (e *Engine) CreateDSP(name string) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	return e.newObject(&object{kind: handle.KindDSP, name: name}), errors.OK
}

// ReleaseDSP implements native.Engine.
func (e *Engine) ReleaseDSP(dsp uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, r := e.lookup(dsp, handle.KindDSP); r != errors.OK {
		return r
	}
	e.free(dsp)
	return errors.OK
}

// CreateChannelGroup implements native.Engine.
func (e *Engine) CreateChannelGroup(name string) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	return e.newObject(&object{
		kind:    handle.KindChannelControl,
		control: handle.ControlChannelGroup,
		name:    name,
		parent:  e.master,
	}), errors.OK
}

// ReleaseChannelGroup implements native.Engine. Member channels move to the
// master group. The master group cannot be released.
func (e *Engine) ReleaseChannelGroup(group uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, r := e.group(group); r != errors.OK {
		return r
	}
	if group == e.master {
		return errors.ErrInvalidParam
	}
	for _, o := range e.objects {
		if o.kind == handle.KindChannelControl && o.parent == group {
			o.parent = e.master
		}
	}
	e.free(group)
	return errors.OK
}

// MasterChannelGroup implements native.Engine.
func (e *Engine) MasterChannelGroup() (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	return e.master, errors.OK
}

// PlaySound implements native.Engine. A zero group plays on the master group.
func (e *Engine) PlaySound(sound, group uintptr, paused bool) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, r := e.lookup(sound, handle.KindSound); r != errors.OK {
		return 0, r
	}
	if group == 0 {
		group = e.master
	}
	if _, r := e.group(group); r != errors.OK {
		return 0, r
	}
	return e.newObject(&object{
		kind:       handle.KindChannelControl,
		control:    handle.ControlChannel,
		sound:      sound,
		parent:     group,
		paused:     paused,
		audibility: 1,
	}), errors.OK
}

// ChannelIsPlaying implements native.Engine.
func (e *Engine) ChannelIsPlaying(channel uintptr) (bool, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return false, r
	}
	return !c.ended, errors.OK
}

// ChannelStop implements native.Engine. The end callback fires on the next
// Update.
func (e *Engine) ChannelStop(channel uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return r
	}
	c.ended = true
	return errors.OK
}

// ChannelSetPaused implements native.Engine.
func (e *Engine) ChannelSetPaused(channel uintptr, paused bool) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return r
	}
	c.paused = paused
	return errors.OK
}

// ChannelSetDistance implements native.Engine.
func (e *Engine) ChannelSetDistance(channel uintptr, distance float32) errors.Result {
	if distance < 0 {
		return errors.ErrInvalidParam
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return r
	}
	c.distance = distance
	return errors.OK
}

// ChannelCurrentSound implements native.Engine.
func (e *Engine) ChannelCurrentSound(channel uintptr) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return 0, r
	}
	return c.sound, errors.OK
}

// ChannelGroupOf implements native.Engine. It works for channels and groups;
// the master group has no parent.
func (e *Engine) ChannelGroupOf(control uintptr) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.lookup(control, handle.KindChannelControl)
	if r != errors.OK {
		return 0, r
	}
	return c.parent, errors.OK
}

// ChannelAudibility implements native.Engine. It returns the last gain the
// rolloff callback produced.
func (e *Engine) ChannelAudibility(channel uintptr) (float32, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, r := e.channel(channel)
	if r != errors.OK {
		return 0, r
	}
	if c.virtual {
		return 0, errors.OK
	}
	return c.audibility, errors.OK
}

// SetSystemCallback implements native.Engine.
func (e *Engine) SetSystemCallback(cb native.SystemCallback, mask native.SystemCallbackType) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.ErrNotReady
	}
	e.sysCb, e.sysMask = cb, mask
	return errors.OK
}

// SetChannelControlCallback implements native.Engine.
func (e *Engine) SetChannelControlCallback(control handle.Control, cb native.ChannelControlCallback) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(control.Handle.Ptr, handle.KindChannelControl)
	if r != errors.OK {
		return r
	}
	if o.control != control.Kind {
		return errors.ErrInvalidParam
	}
	o.ccb = cb
	return errors.OK
}

// Set3DRolloffCallback implements native.Engine.
func (e *Engine) Set3DRolloffCallback(cb native.RolloffCallback) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.ErrNotReady
	}
	e.rolloff = cb
	return errors.OK
}

// SimulateDeviceChange fires the device-list-changed system callback from a
// fresh engine thread, the way an OS audio notification arrives.
func (e *Engine) SimulateDeviceChange() {
	go e.fireSystem(native.SystemDeviceListChanged, 0, 0)
}

func (e *Engine) fireSystem(typ native.SystemCallbackType, data1, data2 uintptr) {
	e.mu.Lock()
	cb, mask, closed := e.sysCb, e.sysMask, e.closed
	e.mu.Unlock()
	if cb == nil || closed || mask&typ == 0 {
		return
	}
	if r := cb(e.system, typ, data1, data2); r != errors.OK {
		e.log.Debug("system callback failed",
			zap.Stringer("type", typ),
			zap.Stringer("result", r))
	}
}

// Stats is a snapshot of simulator activity.
type Stats struct {
	Objects   int
	Channels  int
	Playing   int
	Virtual   int
	Mixes     uint64
	SyncFired uint64
	EndFired  uint64
	Destroyed uint64
}

// Stats returns current counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	s := Stats{Objects: len(e.objects)}
	for _, o := range e.objects {
		if o.kind != handle.KindChannelControl || o.control != handle.ControlChannel {
			continue
		}
		s.Channels++
		if !o.ended {
			s.Playing++
		}
		if o.virtual {
			s.Virtual++
		}
	}
	e.mu.Unlock()

	s.Mixes = e.mixes.Load()
	s.SyncFired = e.syncFired.Load()
	s.EndFired = e.endFired.Load()
	s.Destroyed = e.destroyed.Load()
	return s
}

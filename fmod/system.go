package fmod

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/bridge"
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/host"
	"github.com/wippyai/fmod-bridge/native"
	"github.com/wippyai/fmod-bridge/registry"
)

// System is the root engine object. It owns the handle registry for every
// object created through it.
type System struct {
	engine native.Engine
	bridge *bridge.Bridge
	reg    *registry.Registry
	log    *zap.Logger
	handle handle.Handle

	ownsBridge bool
	released   atomic.Bool

	cbMu     sync.RWMutex
	sysCb    SystemCallback
	sysMask  native.SystemCallbackType
	rolloff  RolloffCallback
	userData any
}

// Option configures a System.
type Option func(*config)

type config struct {
	bridge  *bridge.Bridge
	lock    host.Lock
	log     *zap.Logger
	regOpts []registry.Option
}

// WithBridge runs callbacks on an existing, started bridge instead of a
// bridge owned by the system. Several systems may share one bridge.
func WithBridge(b *bridge.Bridge) Option {
	return func(c *config) {
		c.bridge = b
	}
}

// WithHostLock sets the host lock of the system's own bridge. Ignored with
// WithBridge.
func WithHostLock(l host.Lock) Option {
	return func(c *config) {
		c.lock = l
	}
}

// WithLogger sets the logger for the system, its own bridge and its
// registry.
func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.log = l
	}
}

// WithRegistryOptions passes options to the system's registry.
func WithRegistryOptions(opts ...registry.Option) Option {
	return func(c *config) {
		c.regOpts = append(c.regOpts, opts...)
	}
}

// NewSystem wraps an initialized engine. Without WithBridge it starts a
// bridge of its own, stopped again by Release.
func NewSystem(ctx context.Context, engine native.Engine, opts ...Option) (*System, error) {
	if engine == nil {
		return nil, errors.NotInitialized(errors.PhaseEngine, "engine")
	}
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	log := c.log
	if log == nil {
		log = Logger()
	}

	s := &System{
		engine: engine,
		log:    log,
		handle: handle.New(handle.KindSystem, engine.System()),
	}

	if c.bridge != nil {
		s.bridge = c.bridge
	} else {
		if c.lock == nil {
			c.lock = host.NewMutex()
		}
		s.bridge = bridge.New(c.lock, bridge.WithLogger(c.log), bridge.WithName("fmod"))
		if err := s.bridge.Start(ctx); err != nil {
			return nil, err
		}
		s.ownsBridge = true
	}

	// without WithLogger the bridge and registry keep their package loggers
	regOpts := []registry.Option{registry.WithChecker(registry.NewUserDataChecker(engine))}
	if c.log != nil {
		regOpts = append(regOpts, registry.WithLogger(c.log.Named("registry")))
	}
	regOpts = append(regOpts, c.regOpts...)
	s.reg = registry.New(regOpts...)

	if _, err := s.reg.GetOrInsert(s.handle, func() (any, error) { return s, nil }); err != nil {
		s.shutdownBridge(ctx)
		return nil, err
	}
	return s, nil
}

// Handle returns the native system handle.
func (s *System) Handle() handle.Handle { return s.handle }

// Registry returns the system's handle registry.
func (s *System) Registry() *registry.Registry { return s.reg }

// Bridge returns the bridge callbacks run on.
func (s *System) Bridge() *bridge.Bridge { return s.bridge }

// Engine returns the native engine.
func (s *System) Engine() native.Engine { return s.engine }

// SetUserData attaches an arbitrary value to the system.
func (s *System) SetUserData(v any) {
	s.cbMu.Lock()
	s.userData = v
	s.cbMu.Unlock()
}

// UserData returns the value set with SetUserData.
func (s *System) UserData() any {
	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	return s.userData
}

// Update runs one engine update on the bridge thread and then sweeps the
// registry. Callbacks fired by the update run in place on the bridge.
func (s *System) Update(ctx context.Context) error {
	if s.released.Load() {
		return errors.Closed(errors.PhaseEngine)
	}
	return bridge.Run(ctx, s.bridge, func(context.Context) error {
		err := errors.FromResult(s.engine.Update(), "system update")
		if n := s.reg.Sweep(); n > 0 {
			s.log.Debug("update evicted stale wrappers", zap.Int("count", n))
		}
		return err
	})
}

// Release shuts the engine down, drops every registered wrapper and stops
// the system's own bridge. It cannot run inside a callback: the engine waits
// for its threads, which may be waiting on the bridge.
func (s *System) Release(ctx context.Context) error {
	if s.bridge.OnBridge(ctx) {
		return errors.InvalidInput(errors.PhaseEngine, "system release from a callback")
	}
	if !s.released.CompareAndSwap(false, true) {
		return nil
	}
	err := errors.FromResult(s.engine.Close(), "system release")
	if cerr := s.reg.Close(); err == nil {
		err = cerr
	}
	if serr := s.shutdownBridge(ctx); err == nil {
		err = serr
	}
	return err
}

func (s *System) shutdownBridge(ctx context.Context) error {
	if !s.ownsBridge {
		return nil
	}
	return s.bridge.Stop(ctx)
}

// CreateSound creates a sound of the given length.
func (s *System) CreateSound(name string, lengthMS uint32, mode native.Mode) (*Sound, error) {
	p, r := s.engine.CreateSound(native.SoundInfo{Name: name, LengthMS: lengthMS, Mode: mode})
	if err := errors.FromResult(r, "create sound "+name); err != nil {
		return nil, err
	}
	return s.sound(p)
}

// CreateStream creates a streamed sound.
func (s *System) CreateStream(name string, lengthMS uint32, mode native.Mode) (*Sound, error) {
	return s.CreateSound(name, lengthMS, mode|native.ModeCreateStream)
}

// CreateSoundGroup creates a sound group.
func (s *System) CreateSoundGroup(name string) (*SoundGroup, error) {
	p, r := s.engine.CreateSoundGroup(name)
	if err := errors.FromResult(r, "create sound group "+name); err != nil {
		return nil, err
	}
	return s.soundGroup(p)
}

// CreateDSP creates a DSP unit.
func (s *System) CreateDSP(name string) (*DSP, error) {
	p, r := s.engine.CreateDSP(name)
	if err := errors.FromResult(r, "create dsp "+name); err != nil {
		return nil, err
	}
	h := handle.New(handle.KindDSP, p)
	return registry.GetOrInsertAs(s.reg, h, func() (*DSP, error) {
		return &DSP{object: object{sys: s, h: h}}, nil
	})
}

// CreateChannelGroup creates a channel group under the master group.
func (s *System) CreateChannelGroup(name string) (ChannelGroup, error) {
	p, r := s.engine.CreateChannelGroup(name)
	if err := errors.FromResult(r, "create channel group "+name); err != nil {
		return ChannelGroup{}, err
	}
	return s.channelGroup(p)
}

// MasterChannelGroup returns the master channel group.
func (s *System) MasterChannelGroup() (ChannelGroup, error) {
	p, r := s.engine.MasterChannelGroup()
	if err := errors.FromResult(r, "master channel group"); err != nil {
		return ChannelGroup{}, err
	}
	return s.channelGroup(p)
}

// PlaySound starts sound on a new channel. A nil group plays on the master
// group.
func (s *System) PlaySound(sound *Sound, group *ChannelGroup, paused bool) (Channel, error) {
	if sound == nil {
		return Channel{}, errors.InvalidInput(errors.PhaseEngine, "play of nil sound")
	}
	var gp uintptr
	if group != nil && group.ChannelControl != nil {
		gp = group.h.Ptr
	}
	p, r := s.engine.PlaySound(sound.h.Ptr, gp, paused)
	if err := errors.FromResult(r, "play sound"); err != nil {
		return Channel{}, err
	}
	cc, err := s.control(handle.NewControl(handle.ControlChannel, p))
	if err != nil {
		return Channel{}, err
	}
	return cc.AsChannel()
}

// LoadEventDescription loads a studio event description by path.
func (s *System) LoadEventDescription(path string) (*EventDescription, error) {
	p, r := s.engine.LoadEventDescription(path)
	if err := errors.FromResult(r, "load event "+path); err != nil {
		return nil, err
	}
	h := handle.New(handle.KindEventDescription, p)
	return registry.GetOrInsertAs(s.reg, h, func() (*EventDescription, error) {
		return &EventDescription{object: object{sys: s, h: h}, path: path}, nil
	})
}

func (s *System) sound(p uintptr) (*Sound, error) {
	h := handle.New(handle.KindSound, p)
	return registry.GetOrInsertAs(s.reg, h, func() (*Sound, error) {
		return &Sound{object: object{sys: s, h: h}}, nil
	})
}

func (s *System) soundGroup(p uintptr) (*SoundGroup, error) {
	h := handle.New(handle.KindSoundGroup, p)
	return registry.GetOrInsertAs(s.reg, h, func() (*SoundGroup, error) {
		return &SoundGroup{object: object{sys: s, h: h}}, nil
	})
}

func (s *System) channelGroup(p uintptr) (ChannelGroup, error) {
	cc, err := s.control(handle.NewControl(handle.ControlChannelGroup, p))
	if err != nil {
		return ChannelGroup{}, err
	}
	return cc.AsChannelGroup()
}

// control resolves a channel-control handle. A wrapper registered with the
// other sub-kind is a mismatch, never reinterpreted.
func (s *System) control(ctl handle.Control) (*ChannelControl, error) {
	cc, err := registry.GetOrInsertAs(s.reg, ctl.Handle, func() (*ChannelControl, error) {
		return &ChannelControl{object: object{sys: s, h: ctl.Handle}, kind: ctl.Kind}, nil
	})
	if err != nil {
		return nil, err
	}
	if cc.kind != ctl.Kind {
		return nil, errors.SubKindMismatch(ctl.Kind.String(), cc.kind.String(), ctl.Handle.String())
	}
	return cc, nil
}

// object is the state every wrapper shares.
type object struct {
	sys *System
	h   handle.Handle

	mu       sync.RWMutex
	userData any
}

// Handle returns the native handle.
func (o *object) Handle() handle.Handle { return o.h }

// System returns the owning system.
func (o *object) System() *System { return o.sys }

// SetUserData attaches an arbitrary value to the wrapper. The native
// user-data slot is reserved for liveness tracking.
func (o *object) SetUserData(v any) {
	o.mu.Lock()
	o.userData = v
	o.mu.Unlock()
}

// UserData returns the value set with SetUserData.
func (o *object) UserData() any {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.userData
}

// release removes self from the registry and then releases the native
// object. A wrapper whose pointer was already reused fails without touching
// the new object.
func (o *object) release(self any, op string, free func(uintptr) errors.Result) error {
	if err := o.sys.reg.RemoveWrapper(o.h, self); err != nil {
		return err
	}
	return errors.FromResult(free(o.h.Ptr), op)
}

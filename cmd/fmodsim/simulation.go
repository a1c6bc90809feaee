package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/rand"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/wippyai/fmod-bridge/bridge"
	"github.com/wippyai/fmod-bridge/config"
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/fmod"
	"github.com/wippyai/fmod-bridge/guest"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
	"github.com/wippyai/fmod-bridge/native/sim"
	"github.com/wippyai/fmod-bridge/registry"
)

// simulation drives a simulated engine through the bindings: it keeps a
// population of channels and event instances alive and updates the system at
// a fixed rate.
type simulation struct {
	cfg   config.Config
	log   *zap.Logger
	eng   *sim.Engine
	sys   *fmod.System
	guest *guest.Runtime

	sounds  []*fmod.Sound
	group   fmod.ChannelGroup
	ambient fmod.Channel
	desc    *fmod.EventDescription
	events  []*fmod.EventInstance
	rnd     *rand.Rand

	unobserve func()

	started time.Time
	paused  atomic.Bool

	updates   atomic.Uint64
	spawned   atomic.Uint64
	ended     atomic.Uint64
	syncs     atomic.Uint64
	virtual   atomic.Uint64
	occlusion atomic.Uint64
	rolloffs  atomic.Uint64
	eventCbs  atomic.Uint64
	systemCbs atomic.Uint64
	devices   atomic.Uint64
	evicted   atomic.Uint64

	lastErrMu sync.Mutex
	lastErr   error
}

// snapshot is a point-in-time view of the simulation.
type snapshot struct {
	Elapsed  time.Duration
	Paused   bool
	Updates  uint64
	Spawned  uint64
	Ended    uint64
	Syncs    uint64
	Virtual  uint64
	Occluded uint64
	Rolloffs uint64
	EventCbs uint64
	System   uint64
	Devices  uint64
	Evicted  uint64

	GuestCalls uint64
	GuestTraps uint64

	Bridge   bridge.Stats
	Registry registry.Stats
	Kinds    map[handle.Kind]int
	Engine   sim.Stats
	LastErr  error
}

func newSimulation(ctx context.Context, cfg config.Config, log *zap.Logger) (*simulation, error) {
	eng, err := sim.New(
		sim.WithLogger(log.Named("sim")),
		sim.WithMixInterval(cfg.Sim.MixInterval),
		sim.WithDecodeWorkers(cfg.Sim.DecodeWorkers),
		sim.WithMaxChannels(cfg.Sim.MaxChannels),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	checker := registry.NewUserDataChecker(eng).WithSentinel(uintptr(cfg.Registry.Sentinel))
	sys, err := fmod.NewSystem(ctx, eng,
		fmod.WithRegistryOptions(
			registry.WithStrict(cfg.Registry.Strict),
			registry.WithChecker(checker),
		),
	)
	if err != nil {
		eng.Close()
		return nil, fmt.Errorf("create system: %w", err)
	}

	s := &simulation{
		cfg: cfg,
		log: log,
		eng: eng,
		sys: sys,
		rnd: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	if err := s.setup(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *simulation) setup(ctx context.Context) error {
	s.unobserve = s.sys.Registry().Subscribe(registry.ObserverFunc(func(e registry.Event) {
		if e.Type == registry.EventSwept || e.Type == registry.EventDestroyed {
			s.evicted.Add(1)
		}
	}))

	if err := s.sys.SetCallback(s.onSystem, native.SystemDeviceListChanged|native.SystemDeviceLost|native.SystemError); err != nil {
		return err
	}
	if err := s.setupRolloff(ctx); err != nil {
		return err
	}

	mode := native.ModeDefault
	if s.cfg.Run.Spatial {
		mode |= native.Mode3D
	}
	length := uint32(s.cfg.Sim.SoundLength / time.Millisecond)
	for i := 0; i < 4; i++ {
		snd, err := s.sys.CreateSound(fmt.Sprintf("sfx-%d.wav", i), length*uint32(i+1), mode)
		if err != nil {
			return err
		}
		step := length * uint32(i+1) / uint32(s.cfg.Sim.SyncPoints+1)
		for n := 1; n <= s.cfg.Sim.SyncPoints; n++ {
			if _, err := snd.AddSyncPoint(step*uint32(n), fmt.Sprintf("cue-%d", n)); err != nil {
				return err
			}
		}
		s.sounds = append(s.sounds, snd)
	}

	group, err := s.sys.CreateChannelGroup("sfx")
	if err != nil {
		return err
	}
	s.group = group

	loop, err := s.sys.CreateStream("ambience.ogg", length*4, mode|native.ModeLoopNormal)
	if err != nil {
		return err
	}
	if s.ambient, err = s.sys.PlaySound(loop, nil, false); err != nil {
		return err
	}

	if s.cfg.Run.Events > 0 {
		if s.desc, err = s.sys.LoadEventDescription("event:/ambience/wind"); err != nil {
			return err
		}
		if r := s.eng.SetProgrammerInstrument(s.desc.Handle().Ptr, "gust"); r != errors.OK {
			return errors.FromResult(r, "set programmer instrument")
		}
	}
	return nil
}

// setupRolloff installs the guest module's rolloff when one is configured,
// and an inverse distance curve otherwise.
func (s *simulation) setupRolloff(ctx context.Context) error {
	if !s.cfg.Run.Spatial {
		return nil
	}
	if s.cfg.Guest.Module == "" {
		return s.sys.SetRolloffCallback(func(ctx context.Context, _ fmod.Channel, distance float32) (float32, error) {
			s.rolloffs.Add(1)
			return 1 / (1 + distance), nil
		})
	}

	wasm, err := os.ReadFile(s.cfg.Guest.Module)
	if err != nil {
		return fmt.Errorf("read guest module: %w", err)
	}
	g, err := guest.New(ctx, s.sys.Bridge().Lock(), wasm,
		guest.WithMemoryLimitPages(s.cfg.Guest.MemoryLimitPages),
	)
	if err != nil {
		return err
	}
	s.guest = g

	rolloff, err := g.Rolloff(guest.ExportRolloff)
	if err != nil {
		return err
	}
	return s.sys.SetRolloffCallback(func(ctx context.Context, ch fmod.Channel, distance float32) (float32, error) {
		s.rolloffs.Add(1)
		return rolloff(ctx, ch, distance)
	})
}

func (s *simulation) callbacks() fmod.ChannelControlCallbacks {
	var guestEnd func(context.Context, *fmod.ChannelControl) error
	if s.guest != nil && s.guest.Has(guest.ExportOnEnd) {
		if cbs, err := s.guest.ChannelCallbacks(guest.ExportOnEnd); err == nil {
			guestEnd = cbs.End
		} else {
			s.log.Warn("guest on_end ignored", zap.Error(err))
		}
	}

	cbs := fmod.ChannelControlCallbacks{
		End: func(ctx context.Context, c *fmod.ChannelControl) error {
			s.ended.Add(1)
			if guestEnd != nil {
				return guestEnd(ctx, c)
			}
			return nil
		},
		SyncPoint: func(ctx context.Context, c *fmod.ChannelControl, index int) error {
			s.syncs.Add(1)
			return nil
		},
		VirtualVoice: func(ctx context.Context, c *fmod.ChannelControl, virtual bool) error {
			if virtual {
				s.virtual.Add(1)
			}
			return nil
		},
	}
	if s.cfg.Run.Spatial {
		cbs.Occlusion = func(ctx context.Context, c *fmod.ChannelControl, direct, reverb float32) (float32, float32, error) {
			s.occlusion.Add(1)
			return 0.1, 0.2, nil
		}
	}
	return cbs
}

func (s *simulation) onSystem(ctx context.Context, _ *fmod.System, typ native.SystemCallbackType, _, _ uintptr) error {
	s.systemCbs.Add(1)
	if typ == native.SystemDeviceListChanged {
		s.devices.Add(1)
		s.log.Info("output devices changed")
	}
	return nil
}

// run drives the simulation until ctx is done or the configured duration
// elapses. Cancellation is a normal stop.
func (s *simulation) run(ctx context.Context) error {
	if s.cfg.Run.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.Run.Duration)
		defer cancel()
	}
	s.started = time.Now()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.updateLoop(ctx) })
	g.Go(func() error { return s.spawnLoop(ctx) })

	err := g.Wait()
	if stderrors.Is(err, context.Canceled) || stderrors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (s *simulation) updateLoop(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(s.cfg.Run.UpdateRate), 1)
	for {
		if err := limiter.Wait(ctx); err != nil {
			// the next tick would pass the deadline
			<-ctx.Done()
			return ctx.Err()
		}
		if err := s.sys.Update(ctx); err != nil {
			return fmt.Errorf("update: %w", err)
		}
		s.updates.Add(1)
	}
}

func (s *simulation) spawnLoop(ctx context.Context) error {
	t := time.NewTicker(s.cfg.Sim.SoundLength / 4)
	defer t.Stop()
	for {
		if !s.paused.Load() {
			if err := s.spawnWave(); err != nil {
				s.setErr(err)
				s.log.Warn("spawn wave", zap.Error(err))
			}
			if err := s.cycleEvents(); err != nil {
				s.setErr(err)
				s.log.Warn("cycle events", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (s *simulation) spawnWave() error {
	missing := s.cfg.Run.Channels - s.eng.Stats().Channels
	for i := 0; i < missing; i++ {
		snd := s.sounds[s.rnd.Intn(len(s.sounds))]
		ch, err := s.sys.PlaySound(snd, &s.group, true)
		if err != nil {
			return err
		}
		if err := ch.SetCallbacks(s.callbacks()); err != nil {
			return err
		}
		if s.cfg.Run.Spatial {
			if err := ch.SetDistance(1 + s.rnd.Float32()*19); err != nil {
				return err
			}
		}
		if err := ch.SetPaused(false); err != nil {
			return err
		}
		s.spawned.Add(1)
	}
	return nil
}

// cycleEvents releases the oldest event instance once the population is full
// and starts a new one. Released instances leave the registry when the engine
// reports them destroyed.
func (s *simulation) cycleEvents() error {
	if s.desc == nil {
		return nil
	}
	if len(s.events) >= s.cfg.Run.Events {
		oldest := s.events[0]
		s.events = s.events[1:]
		if err := oldest.Stop(false); err != nil {
			return err
		}
		if err := oldest.Release(); err != nil {
			return err
		}
	}

	inst, err := s.desc.CreateInstance()
	if err != nil {
		return err
	}
	if err := inst.SetCallback(func(ctx context.Context, _ *fmod.EventInstance, _ native.EventCallbackType) error {
		s.eventCbs.Add(1)
		return nil
	}, native.EventAll); err != nil {
		return err
	}
	if len(s.sounds) > 0 {
		gust := s.sounds[s.rnd.Intn(len(s.sounds))]
		if err := inst.SetProgrammerSounds(fmod.ProgrammerSounds{
			Create: func(context.Context, *fmod.EventInstance, string) (*fmod.Sound, int, error) {
				return gust, 0, nil
			},
		}); err != nil {
			return err
		}
	}
	if err := inst.Start(); err != nil {
		return err
	}
	s.events = append(s.events, inst)
	return nil
}

func (s *simulation) setErr(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
}

func (s *simulation) togglePause() bool {
	for {
		p := s.paused.Load()
		if s.paused.CompareAndSwap(p, !p) {
			return !p
		}
	}
}

func (s *simulation) snapshot() snapshot {
	snap := snapshot{
		Paused:   s.paused.Load(),
		Updates:  s.updates.Load(),
		Spawned:  s.spawned.Load(),
		Ended:    s.ended.Load(),
		Syncs:    s.syncs.Load(),
		Virtual:  s.virtual.Load(),
		Occluded: s.occlusion.Load(),
		Rolloffs: s.rolloffs.Load(),
		EventCbs: s.eventCbs.Load(),
		System:   s.systemCbs.Load(),
		Devices:  s.devices.Load(),
		Evicted:  s.evicted.Load(),
		Bridge:   s.sys.Bridge().Stats(),
		Registry: s.sys.Registry().Stats(),
		Kinds:    s.sys.Registry().Snapshot(),
		Engine:   s.eng.Stats(),
	}
	if !s.started.IsZero() {
		snap.Elapsed = time.Since(s.started)
	}
	if s.guest != nil {
		snap.GuestCalls, snap.GuestTraps = s.guest.Stats()
	}
	s.lastErrMu.Lock()
	snap.LastErr = s.lastErr
	s.lastErrMu.Unlock()
	return snap
}

// close stops the ambient loop and releases the system. It runs after run
// has returned, outside the bridge thread.
func (s *simulation) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.ambient.ChannelControl != nil {
		if err := s.ambient.Stop(); err != nil {
			s.log.Debug("stop ambience", zap.Error(err))
		}
	}
	if s.unobserve != nil {
		s.unobserve()
	}
	if err := s.sys.Release(ctx); err != nil {
		s.log.Warn("release system", zap.Error(err))
	}
	if s.guest != nil {
		if err := s.guest.Close(ctx); err != nil {
			s.log.Warn("close guest", zap.Error(err))
		}
	}
}

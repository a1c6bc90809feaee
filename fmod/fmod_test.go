package fmod

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/wippyai/fmod-bridge/bridge"
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
	"github.com/wippyai/fmod-bridge/native/sim"
	"github.com/wippyai/fmod-bridge/registry"
)

func newSystem(t *testing.T, opts ...sim.Option) (*System, *sim.Engine) {
	t.Helper()
	log := zaptest.NewLogger(t)
	opts = append([]sim.Option{sim.WithLogger(log), sim.WithMixInterval(0)}, opts...)
	eng, err := sim.New(opts...)
	require.NoError(t, err)

	sys, err := NewSystem(context.Background(), eng, WithLogger(log))
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sys.Release(ctx)
	})
	return sys, eng
}

func TestSoundPointerReuse(t *testing.T) {
	sys, _ := newSystem(t)
	reg := sys.Registry()

	snd, err := sys.CreateSound("a.wav", 100, native.ModeDefault)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1000), snd.Handle().Ptr)

	again, err := sys.sound(0x1000)
	require.NoError(t, err)
	require.Same(t, snd, again, "wrapping the same handle twice must yield one wrapper")

	require.NoError(t, snd.Release())
	require.False(t, reg.Contains(handle.New(handle.KindSound, 0x1000)))

	// the engine recycles the pointer for an unrelated sound
	other, err := sys.CreateSound("b.wav", 100, native.ModeDefault)
	require.NoError(t, err)
	require.Equal(t, uintptr(0x1000), other.Handle().Ptr)
	require.NotSame(t, snd, other)

	err = snd.Release()
	require.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseRegistry, Kind: errors.KindNotFound}),
		"double release must be reported, got %v", err)
	require.True(t, reg.Contains(other.Handle()), "stale release evicted the new wrapper")
}

func TestSyncPointsLeaveWithTheirSound(t *testing.T) {
	sys, _ := newSystem(t)

	a, err := sys.CreateSound("a.wav", 1000, native.ModeDefault)
	require.NoError(t, err)
	cueA, err := a.AddSyncPoint(100, "cue-a")
	require.NoError(t, err)
	cueA.SetUserData("belongs-to-a")
	require.Equal(t, []*SyncPoint{cueA}, a.SyncPoints())

	require.NoError(t, a.Release())
	require.False(t, sys.Registry().Contains(cueA.Handle()), "sync point outlived its sound")

	// the engine recycles both pointers for the next sound
	b, err := sys.CreateSound("b.wav", 1000, native.ModeDefault)
	require.NoError(t, err)
	cueB, err := b.AddSyncPoint(700, "cue-b")
	require.NoError(t, err)

	require.Equal(t, cueA.Handle(), cueB.Handle())
	require.NotSame(t, cueA, cueB)
	require.Equal(t, "cue-b", cueB.Name)
	require.EqualValues(t, 700, cueB.OffsetMS)
	require.Nil(t, cueB.UserData())
}

func TestChannelIdentityAndUserData(t *testing.T) {
	sys, _ := newSystem(t)

	snd, err := sys.CreateSound("loop.wav", 1000, native.ModeLoopNormal)
	require.NoError(t, err)
	snd.SetUserData("payload")

	ch, err := sys.PlaySound(snd, nil, false)
	require.NoError(t, err)

	cur, err := ch.CurrentSound()
	require.NoError(t, err)
	require.Same(t, snd, cur)
	require.Equal(t, "payload", cur.UserData())

	master, err := sys.MasterChannelGroup()
	require.NoError(t, err)
	parent, err := ch.Parent()
	require.NoError(t, err)
	require.Same(t, master.ChannelControl, parent.ChannelControl)

	root, err := master.Parent()
	require.NoError(t, err)
	require.Nil(t, root.ChannelControl)
}

func TestSubKindMismatch(t *testing.T) {
	sys, _ := newSystem(t)
	master, err := sys.MasterChannelGroup()
	require.NoError(t, err)

	_, err = master.AsChannel()
	require.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConvert, Kind: errors.KindSubKindMismatch}), "got %v", err)
	require.Equal(t, errors.ErrInvalidParam, errors.ToResult(err))

	// a registered group resolved as a channel fails instead of being reinterpreted
	_, err = sys.control(handle.NewControl(handle.ControlChannel, master.Handle().Ptr))
	require.True(t, stderrors.Is(err, &errors.Error{Phase: errors.PhaseConvert, Kind: errors.KindSubKindMismatch}), "got %v", err)

	g, err := master.AsChannelGroup()
	require.NoError(t, err)
	require.Same(t, master.ChannelControl, g.ChannelControl)
}

func TestEndCallbackRunsOnBridgeAndChannelIsSwept(t *testing.T) {
	sys, eng := newSystem(t)
	ctx := context.Background()

	snd, err := sys.CreateSound("shot.wav", 20, native.ModeDefault)
	require.NoError(t, err)
	ch, err := sys.PlaySound(snd, nil, false)
	require.NoError(t, err)

	var (
		ended    *ChannelControl
		onBridge bool
		sound    *Sound
	)
	require.NoError(t, ch.SetCallbacks(ChannelControlCallbacks{
		End: func(ctx context.Context, c *ChannelControl) error {
			ended = c
			onBridge = sys.Bridge().OnBridge(ctx)
			channel, err := c.AsChannel()
			if err != nil {
				return err
			}
			sound, err = channel.CurrentSound()
			return err
		},
	}))

	eng.Mix(30 * time.Millisecond)
	require.NoError(t, sys.Update(ctx))

	require.Same(t, ch.ChannelControl, ended)
	require.True(t, onBridge, "end callback ran off the bridge thread")
	require.Same(t, snd, sound)
	require.False(t, sys.Registry().Contains(ch.Handle()), "destroyed channel not swept")
	require.True(t, sys.Registry().Contains(snd.Handle()))
}

func TestSweepEvictsImplicitlyDestroyedChannels(t *testing.T) {
	sys, eng := newSystem(t)
	snd, err := sys.CreateSound("shot.wav", 10, native.ModeDefault)
	require.NoError(t, err)

	var chans []Channel
	for i := 0; i < 3; i++ {
		ch, err := sys.PlaySound(snd, nil, false)
		require.NoError(t, err)
		chans = append(chans, ch)
	}
	require.Equal(t, 3, sys.Registry().Snapshot()[handle.KindChannelControl])

	eng.Mix(20 * time.Millisecond)
	require.NoError(t, sys.Update(context.Background()))

	for _, ch := range chans {
		require.False(t, sys.Registry().Contains(ch.Handle()))
	}
	require.EqualValues(t, 3, sys.Registry().Stats().Swept)
}

func TestRolloffFromMixerThread(t *testing.T) {
	sys, eng := newSystem(t)
	snd, err := sys.CreateSound("3d.wav", 1000, native.Mode3D)
	require.NoError(t, err)
	ch, err := sys.PlaySound(snd, nil, false)
	require.NoError(t, err)
	require.NoError(t, ch.SetDistance(4))

	var seen Channel
	require.NoError(t, sys.SetRolloffCallback(func(ctx context.Context, c Channel, distance float32) (float32, error) {
		seen = c
		return 1 / distance, nil
	}))

	eng.Mix(time.Millisecond)
	g, err := ch.Audibility()
	require.NoError(t, err)
	require.Equal(t, float32(0.25), g)
	require.Same(t, ch.ChannelControl, seen.ChannelControl)

	require.NoError(t, sys.SetRolloffCallback(func(context.Context, Channel, float32) (float32, error) {
		return 0, stderrors.New("no curve")
	}))
	eng.Mix(time.Millisecond)
	g, err = ch.Audibility()
	require.NoError(t, err)
	require.Equal(t, rolloffFallback, g)
}

func TestOcclusionReturnsValues(t *testing.T) {
	sys, eng := newSystem(t)
	snd, err := sys.CreateSound("3d.wav", 1000, native.Mode3D)
	require.NoError(t, err)
	ch, err := sys.PlaySound(snd, nil, false)
	require.NoError(t, err)

	calls := 0
	require.NoError(t, ch.SetCallbacks(ChannelControlCallbacks{
		Occlusion: func(ctx context.Context, c *ChannelControl, direct, reverb float32) (float32, float32, error) {
			calls++
			return direct + 0.5, reverb + 0.25, nil
		},
	}))

	d, rv := float32(0.1), float32(0.2)
	r := sys.controlTrampoline()(&native.ChannelControlEvent{
		Control: ch.Handle().Ptr,
		Kind:    handle.ControlChannel,
		Type:    native.ChannelOcclusion,
		Direct:  &d,
		Reverb:  &rv,
	})
	require.Equal(t, errors.OK, r)
	require.InDelta(t, 0.6, d, 1e-6)
	require.InDelta(t, 0.45, rv, 1e-6)

	eng.Mix(time.Millisecond)
	require.Equal(t, 2, calls)
}

func TestCallbackErrorsBecomeResults(t *testing.T) {
	sys, _ := newSystem(t)

	require.NoError(t, sys.SetCallback(func(ctx context.Context, s *System, typ native.SystemCallbackType, _, _ uintptr) error {
		switch typ {
		case native.SystemDeviceLost:
			return errors.NotFound(errors.PhaseRegistry, "device")
		case native.SystemError:
			panic("handler bug")
		}
		return nil
	}, native.SystemAll))

	require.Equal(t, errors.ErrInvalidHandle, sys.systemTrampoline(0, native.SystemDeviceLost, 0, 0))
	require.Equal(t, errors.ErrInternal, sys.systemTrampoline(0, native.SystemError, 0, 0))
	require.Equal(t, errors.OK, sys.systemTrampoline(0, native.SystemPreUpdate, 0, 0))

	st := sys.Bridge().Stats()
	require.EqualValues(t, 1, st.Panics)
}

func TestSystemCallbackFromEngineThread(t *testing.T) {
	sys, eng := newSystem(t)

	got := make(chan *System, 1)
	require.NoError(t, sys.SetCallback(func(ctx context.Context, s *System, typ native.SystemCallbackType, _, _ uintptr) error {
		got <- s
		return nil
	}, native.SystemDeviceListChanged))

	eng.SimulateDeviceChange()
	select {
	case s := <-got:
		require.Same(t, sys, s)
	case <-time.After(2 * time.Second):
		t.Fatal("device change never delivered")
	}
}

func TestSyncPointsSerializedOnBridge(t *testing.T) {
	sys, eng := newSystem(t, sim.WithDecodeWorkers(8))

	snd, err := sys.CreateSound("cues.wav", 1000, native.ModeDefault)
	require.NoError(t, err)
	for off := uint32(0); off < 900; off += 100 {
		_, err := snd.AddSyncPoint(off, "cue")
		require.NoError(t, err)
	}

	const channels = 8
	counter := 0 // only touched on the bridge thread
	var wg sync.WaitGroup
	wg.Add(channels * 9)
	for i := 0; i < channels; i++ {
		ch, err := sys.PlaySound(snd, nil, false)
		require.NoError(t, err)
		require.NoError(t, ch.SetCallbacks(ChannelControlCallbacks{
			SyncPoint: func(ctx context.Context, c *ChannelControl, index int) error {
				defer wg.Done()
				counter++
				// nested synchronous work from a callback runs in place
				channel, err := c.AsChannel()
				if err != nil {
					return err
				}
				_, err = channel.IsPlaying()
				return err
			},
		}))
	}

	eng.Mix(950 * time.Millisecond)
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("sync point callbacks did not complete")
	}

	total := 0
	require.NoError(t, bridge.Run(context.Background(), sys.Bridge(), func(context.Context) error {
		total = counter
		return nil
	}))
	require.Equal(t, channels*9, total)
}

func TestEventInstanceDestroyedEvictsWrapper(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()

	desc, err := sys.LoadEventDescription("event:/music/theme")
	require.NoError(t, err)
	again, err := sys.LoadEventDescription("event:/music/theme")
	require.NoError(t, err)
	require.Same(t, desc, again)

	inst, err := desc.CreateInstance()
	require.NoError(t, err)
	require.Same(t, desc, inst.Description())

	var got []native.EventCallbackType
	require.NoError(t, inst.SetCallback(func(ctx context.Context, i *EventInstance, typ native.EventCallbackType) error {
		require.Same(t, inst, i)
		got = append(got, typ)
		return nil
	}, native.EventStarted|native.EventStopped))

	require.NoError(t, inst.Start())
	require.NoError(t, sys.Update(ctx))
	require.NoError(t, inst.Release())
	require.NoError(t, inst.Stop(false))

	require.True(t, sys.Registry().Contains(inst.Handle()), "released instance evicted before destruction")
	require.NoError(t, sys.Update(ctx))

	require.Equal(t, []native.EventCallbackType{native.EventStarted, native.EventStopped}, got)
	require.False(t, sys.Registry().Contains(inst.Handle()))
	require.EqualValues(t, 1, sys.Registry().Stats().Destroyed)
	require.False(t, inst.IsValid())
}

func TestProgrammerSounds(t *testing.T) {
	sys, eng := newSystem(t)
	ctx := context.Background()

	desc, err := sys.LoadEventDescription("event:/dialogue/line")
	require.NoError(t, err)
	require.Equal(t, errors.OK, eng.SetProgrammerInstrument(desc.Handle().Ptr, "voice"))
	line, err := sys.CreateSound("line-42.ogg", 1200, native.ModeDefault)
	require.NoError(t, err)

	inst, err := desc.CreateInstance()
	require.NoError(t, err)

	var destroyedWith *Sound
	destroyedIndex := -1
	var general []native.EventCallbackType
	require.NoError(t, inst.SetProgrammerSounds(ProgrammerSounds{
		Create: func(ctx context.Context, i *EventInstance, instrument string) (*Sound, int, error) {
			require.Same(t, inst, i)
			require.Equal(t, "voice", instrument)
			return line, 2, nil
		},
		Destroy: func(ctx context.Context, i *EventInstance, instrument string, snd *Sound, subsound int) error {
			destroyedWith, destroyedIndex = snd, subsound
			return nil
		},
	}))
	require.NoError(t, inst.SetCallback(func(ctx context.Context, i *EventInstance, typ native.EventCallbackType) error {
		general = append(general, typ)
		return nil
	}, native.EventCreateProgrammerSound))

	require.NoError(t, inst.Start())
	require.NoError(t, sys.Update(ctx))
	p, index, r := eng.ProgrammerSound(inst.Handle().Ptr)
	require.Equal(t, errors.OK, r)
	require.Equal(t, line.Handle().Ptr, p)
	require.Equal(t, 2, index)
	require.Equal(t, []native.EventCallbackType{native.EventCreateProgrammerSound}, general)

	require.NoError(t, inst.Stop(true))
	require.NoError(t, sys.Update(ctx))
	require.Same(t, line, destroyedWith)
	require.Equal(t, 2, destroyedIndex)
}

func TestProgrammerSoundCreateFailurePlaysNothing(t *testing.T) {
	sys, eng := newSystem(t)
	ctx := context.Background()

	desc, err := sys.LoadEventDescription("event:/dialogue/line")
	require.NoError(t, err)
	require.Equal(t, errors.OK, eng.SetProgrammerInstrument(desc.Handle().Ptr, "voice"))
	line, err := sys.CreateSound("line-42.ogg", 1200, native.ModeDefault)
	require.NoError(t, err)

	inst, err := desc.CreateInstance()
	require.NoError(t, err)
	require.NoError(t, inst.SetProgrammerSounds(ProgrammerSounds{
		Create: func(ctx context.Context, i *EventInstance, instrument string) (*Sound, int, error) {
			return line, 1, errors.InvalidInput(errors.PhaseEngine, "no voice line")
		},
	}))

	require.NoError(t, inst.Start())
	require.NoError(t, sys.Update(ctx))
	p, _, r := eng.ProgrammerSound(inst.Handle().Ptr)
	require.Equal(t, errors.OK, r)
	require.Zero(t, p)
}

func TestReleaseOrderAndResources(t *testing.T) {
	sys, _ := newSystem(t)

	group, err := sys.CreateSoundGroup("sfx")
	require.NoError(t, err)
	snd, err := sys.CreateSound("a.wav", 100, native.ModeDefault)
	require.NoError(t, err)
	require.NoError(t, snd.SetSoundGroup(group))

	dsp, err := sys.CreateDSP("lowpass")
	require.NoError(t, err)
	cg, err := sys.CreateChannelGroup("music")
	require.NoError(t, err)
	ch, err := sys.PlaySound(snd, &cg, true)
	require.NoError(t, err)

	parent, err := ch.Parent()
	require.NoError(t, err)
	require.Same(t, cg.ChannelControl, parent.ChannelControl)

	for _, release := range []func() error{group.Release, dsp.Release, cg.Release} {
		require.NoError(t, release())
	}
	for _, h := range []handle.Handle{group.Handle(), dsp.Handle(), cg.Handle()} {
		require.False(t, sys.Registry().Contains(h), "%s still registered", h)
	}

	master, err := sys.MasterChannelGroup()
	require.NoError(t, err)
	parent, err = ch.Parent()
	require.NoError(t, err)
	require.Same(t, master.ChannelControl, parent.ChannelControl)
}

func TestSystemRelease(t *testing.T) {
	sys, _ := newSystem(t)
	ctx := context.Background()

	snd, err := sys.CreateSound("a.wav", 100, native.ModeDefault)
	require.NoError(t, err)

	var fromCallback error
	require.NoError(t, bridge.Run(ctx, sys.Bridge(), func(ctx context.Context) error {
		fromCallback = sys.Release(ctx)
		return nil
	}))
	require.Error(t, fromCallback)
	require.True(t, sys.Bridge().Stats().Running)

	require.NoError(t, sys.Release(ctx))
	require.Zero(t, sys.Registry().Len())
	require.False(t, sys.Registry().Contains(snd.Handle()))
	require.True(t, stderrors.Is(sys.Update(ctx), &errors.Error{Phase: errors.PhaseEngine, Kind: errors.KindClosed}))
	require.NoError(t, sys.Release(ctx), "second release is a no-op")

	_, err = registry.GetOrInsertAs(sys.Registry(), handle.New(handle.KindSound, 0x1000), func() (*Sound, error) {
		return &Sound{}, nil
	})
	require.Error(t, err)
}

func TestSharedBridge(t *testing.T) {
	first, _ := newSystem(t)

	eng, err := sim.New(sim.WithMixInterval(0))
	require.NoError(t, err)
	second, err := NewSystem(context.Background(), eng, WithBridge(first.Bridge()))
	require.NoError(t, err)

	a, err := first.CreateSound("a.wav", 100, native.ModeDefault)
	require.NoError(t, err)
	b, err := second.CreateSound("b.wav", 100, native.ModeDefault)
	require.NoError(t, err)

	// same pointer in two engines, separate registries
	require.Equal(t, a.Handle(), b.Handle())
	require.NotSame(t, a, b)
	require.NoError(t, a.Release())
	require.True(t, second.Registry().Contains(b.Handle()))

	require.NoError(t, second.Release(context.Background()))
	require.True(t, first.Bridge().Stats().Running, "releasing a borrowing system stopped the shared bridge")
}

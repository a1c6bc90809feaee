package fmod

import (
	"context"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/bridge"
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
)

// ChannelControlCallbacks are the handlers of a channel or channel group.
// Nil handlers are skipped. Every handler runs on the bridge thread.
type ChannelControlCallbacks struct {
	End          func(ctx context.Context, c *ChannelControl) error
	VirtualVoice func(ctx context.Context, c *ChannelControl, virtual bool) error
	SyncPoint    func(ctx context.Context, c *ChannelControl, index int) error

	// Occlusion receives the current direct and reverb occlusion and
	// returns the values to apply.
	Occlusion func(ctx context.Context, c *ChannelControl, direct, reverb float32) (float32, float32, error)
}

func (c ChannelControlCallbacks) empty() bool {
	return c.End == nil && c.VirtualVoice == nil && c.SyncPoint == nil && c.Occlusion == nil
}

// RolloffCallback computes the gain of a channel at distance.
type RolloffCallback func(ctx context.Context, ch Channel, distance float32) (float32, error)

// SystemCallback receives system notifications.
type SystemCallback func(ctx context.Context, s *System, typ native.SystemCallbackType, data1, data2 uintptr) error

// EventInstanceCallback receives studio event instance notifications.
type EventInstanceCallback func(ctx context.Context, inst *EventInstance, typ native.EventCallbackType) error

// ProgrammerSounds supply and take back the sounds of an event instance's
// programmer instruments. Create returns the sound to play and its subsound
// index, or a nil sound to play nothing. Destroy receives what Create
// returned, with a nil sound when the wrapper could not be resolved.
type ProgrammerSounds struct {
	Create  func(ctx context.Context, inst *EventInstance, instrument string) (*Sound, int, error)
	Destroy func(ctx context.Context, inst *EventInstance, instrument string, snd *Sound, subsound int) error
}

func (p ProgrammerSounds) mask() native.EventCallbackType {
	var m native.EventCallbackType
	if p.Create != nil {
		m |= native.EventCreateProgrammerSound
	}
	if p.Destroy != nil {
		m |= native.EventDestroyProgrammerSound
	}
	return m
}

// rolloffFallback is reported to the engine when the rolloff handler fails.
// The engine cannot take an error from this callback.
const rolloffFallback float32 = 1

// call runs fn on the bridge for a native callback and converts the outcome
// into the engine's result code.
func (s *System) call(what string, fn func(ctx context.Context) error) errors.Result {
	err := bridge.Run(context.Background(), s.bridge, fn)
	if err != nil {
		s.log.Debug("callback failed", zap.String("callback", what), zap.Error(err))
	}
	return errors.ToResult(err)
}

func (s *System) controlTrampoline() native.ChannelControlCallback {
	return func(ev *native.ChannelControlEvent) errors.Result {
		ctl := handle.NewControl(ev.Kind, ev.Control)
		var direct, reverb float32
		if ev.Direct != nil {
			direct = *ev.Direct
		}
		if ev.Reverb != nil {
			reverb = *ev.Reverb
		}

		r := s.call("channel "+ev.Type.String(), func(ctx context.Context) error {
			c, err := s.control(ctl)
			if err != nil {
				return err
			}
			cbs := c.callbacks()
			switch ev.Type {
			case native.ChannelEnd:
				if cbs.End != nil {
					return cbs.End(ctx, c)
				}
			case native.ChannelVirtualVoice:
				if cbs.VirtualVoice != nil {
					return cbs.VirtualVoice(ctx, c, ev.Data1 != 0)
				}
			case native.ChannelSyncPoint:
				if cbs.SyncPoint != nil {
					return cbs.SyncPoint(ctx, c, int(ev.Data1))
				}
			case native.ChannelOcclusion:
				if cbs.Occlusion != nil {
					d, rv, err := cbs.Occlusion(ctx, c, direct, reverb)
					if err != nil {
						return err
					}
					direct, reverb = d, rv
				}
			default:
				return errors.InvalidInput(errors.PhaseBridge, "unknown channel callback "+ev.Type.String())
			}
			return nil
		})

		if r == errors.OK && ev.Type == native.ChannelOcclusion {
			if ev.Direct != nil {
				*ev.Direct = direct
			}
			if ev.Reverb != nil {
				*ev.Reverb = reverb
			}
		}
		return r
	}
}

// SetRolloffCallback installs a custom 3D rolloff. A nil fn restores the
// engine's default.
func (s *System) SetRolloffCallback(fn RolloffCallback) error {
	s.cbMu.Lock()
	s.rolloff = fn
	s.cbMu.Unlock()

	var cb native.RolloffCallback
	if fn != nil {
		cb = s.rolloffTrampoline
	}
	return errors.FromResult(s.engine.Set3DRolloffCallback(cb), "set rolloff callback")
}

func (s *System) rolloffTrampoline(channel uintptr, distance float32) float32 {
	gain := rolloffFallback
	s.call("rolloff", func(ctx context.Context) error {
		s.cbMu.RLock()
		fn := s.rolloff
		s.cbMu.RUnlock()
		if fn == nil {
			return nil
		}
		c, err := s.control(handle.NewControl(handle.ControlChannel, channel))
		if err != nil {
			return err
		}
		ch, err := c.AsChannel()
		if err != nil {
			return err
		}
		g, err := fn(ctx, ch, distance)
		if err != nil {
			return err
		}
		gain = g
		return nil
	})
	return gain
}

// SetCallback installs the system callback for the notification types in
// mask. A nil fn removes it.
func (s *System) SetCallback(fn SystemCallback, mask native.SystemCallbackType) error {
	s.cbMu.Lock()
	s.sysCb, s.sysMask = fn, mask
	s.cbMu.Unlock()

	var cb native.SystemCallback
	if fn != nil {
		cb = s.systemTrampoline
	}
	return errors.FromResult(s.engine.SetSystemCallback(cb, mask), "set system callback")
}

func (s *System) systemTrampoline(_ uintptr, typ native.SystemCallbackType, data1, data2 uintptr) errors.Result {
	return s.call("system "+typ.String(), func(ctx context.Context) error {
		s.cbMu.RLock()
		fn, mask := s.sysCb, s.sysMask
		s.cbMu.RUnlock()
		if fn == nil || mask&typ == 0 {
			return nil
		}
		return fn(ctx, s, typ, data1, data2)
	})
}

func (s *System) eventTrampoline(typ native.EventCallbackType, instance uintptr, params *native.EventParameters) errors.Result {
	h := handle.New(handle.KindEventInstance, instance)
	var prog *native.ProgrammerSound
	if params != nil {
		prog = params.ProgrammerSound
	}
	var created *Sound
	var index int

	r := s.call("event "+typ.String(), func(ctx context.Context) error {
		// destroyed evicts even when the handler fails
		if typ == native.EventDestroyed {
			defer s.reg.MarkDestroyed(h)
		}
		inst, err := s.eventInstance(instance)
		if err != nil {
			return err
		}

		if prog != nil {
			ps := inst.programmerSounds()
			switch {
			case typ == native.EventCreateProgrammerSound && ps.Create != nil:
				if created, index, err = ps.Create(ctx, inst, prog.Name); err != nil {
					return err
				}
			case typ == native.EventDestroyProgrammerSound && ps.Destroy != nil:
				if err := ps.Destroy(ctx, inst, prog.Name, s.programmerSound(prog.Sound), prog.SubsoundIndex); err != nil {
					return err
				}
			}
		}

		fn, mask := inst.callback()
		if fn == nil || mask&typ == 0 {
			return nil
		}
		return fn(ctx, inst, typ)
	})

	// outputs reach the engine only on success
	if r == errors.OK && typ == native.EventCreateProgrammerSound && prog != nil && created != nil {
		prog.Sound, prog.SubsoundIndex = created.h.Ptr, index
	}
	return r
}

func (s *System) programmerSound(p uintptr) *Sound {
	if p == 0 {
		return nil
	}
	snd, err := s.sound(p)
	if err != nil {
		s.log.Debug("programmer sound not resolved", zap.Uintptr("sound", p), zap.Error(err))
		return nil
	}
	return snd
}

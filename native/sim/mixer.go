package sim

import (
	"runtime"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
)

func (e *Engine) mixer() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(e.mixDone)

	e.fireSystem(native.SystemThreadCreated, 0, 0)
	defer e.fireSystem(native.SystemThreadDestroyed, 0, 0)

	t := time.NewTicker(e.opts.mixInterval)
	defer t.Stop()
	for {
		select {
		case <-e.stopMix:
			return
		case <-t.C:
			e.Mix(e.opts.mixInterval)
		}
	}
}

type voice struct {
	ptr      uintptr
	cb       native.ChannelControlCallback
	distance float32
	is3D     bool
	virtual  bool
	changed  bool
	direct   float32
	reverb   float32
}

type syncFire struct {
	cb      native.ChannelControlCallback
	channel uintptr
	index   int
}

// Mix runs one mixer pass covering elapsed playback time on the calling
// goroutine. The mixer thread calls it every mix interval; with the mixer
// disabled, tests call it directly.
func (e *Engine) Mix(elapsed time.Duration) {
	voices, rolloff, ok := e.prepareMix()
	if !ok {
		return
	}
	e.mixes.Add(1)

	e.fireSystem(native.SystemPreMix, 0, 0)

	for i := range voices {
		v := &voices[i]
		if v.changed && v.cb != nil {
			var became uintptr
			if v.virtual {
				became = 1
			}
			e.fireControl(v.cb, &native.ChannelControlEvent{
				Control: v.ptr,
				Kind:    handle.ControlChannel,
				Type:    native.ChannelVirtualVoice,
				Data1:   became,
			})
		}
		if v.virtual || !v.is3D {
			continue
		}
		if v.cb != nil {
			ev := &native.ChannelControlEvent{
				Control: v.ptr,
				Kind:    handle.ControlChannel,
				Type:    native.ChannelOcclusion,
				Direct:  &v.direct,
				Reverb:  &v.reverb,
			}
			e.fireControl(v.cb, ev)
		}
		gain := float32(1)
		if rolloff != nil {
			gain = rolloff(v.ptr, v.distance)
		}
		e.storeMix(v, gain)
	}

	e.fireSystem(native.SystemMidMix, 0, 0)
	e.advance(elapsed)
	e.fireSystem(native.SystemPostMix, 0, 0)
}

// prepareMix snapshots the playing channels in creation order and assigns
// real and virtual voices.
func (e *Engine) prepareMix() ([]voice, native.RolloffCallback, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, nil, false
	}

	type candidate struct {
		ptr uintptr
		o   *object
	}
	var playing []candidate
	for p, o := range e.objects {
		if o.kind == handle.KindChannelControl && o.control == handle.ControlChannel && !o.ended && !o.paused {
			playing = append(playing, candidate{p, o})
		}
	}
	sort.Slice(playing, func(i, j int) bool { return playing[i].o.seq < playing[j].o.seq })

	voices := make([]voice, 0, len(playing))
	for i, c := range playing {
		virtual := i >= e.opts.maxChannels
		changed := virtual != c.o.virtual
		c.o.virtual = virtual

		is3D := false
		if s, ok := e.objects[c.o.sound]; ok {
			is3D = s.mode&native.Mode3D != 0
		}
		voices = append(voices, voice{
			ptr:      c.ptr,
			cb:       c.o.ccb,
			distance: c.o.distance,
			is3D:     is3D,
			virtual:  virtual,
			changed:  changed,
			direct:   c.o.direct,
			reverb:   c.o.reverb,
		})
	}
	return voices, e.rolloff, true
}

func (e *Engine) storeMix(v *voice, gain float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	// the channel may have been destroyed while callbacks ran
	c, ok := e.objects[v.ptr]
	if !ok || c.kind != handle.KindChannelControl {
		return
	}
	c.audibility = gain
	c.direct, c.reverb = v.direct, v.reverb
}

// advance moves every playing channel forward and hands crossed sync points
// to the decode pool. Non-looping channels that reach their end are marked
// ended; Update destroys them.
func (e *Engine) advance(elapsed time.Duration) {
	ms := float64(elapsed) / float64(time.Millisecond)
	var fires []syncFire

	e.mu.Lock()
	for p, c := range e.objects {
		if c.kind != handle.KindChannelControl || c.control != handle.ControlChannel || c.ended || c.paused {
			continue
		}
		s, ok := e.objects[c.sound]
		if !ok || s.kind != handle.KindSound {
			c.ended = true
			continue
		}

		c.positionMS += ms
		for {
			for c.nextSync < len(s.syncPoints) && float64(s.syncPoints[c.nextSync].offsetMS) <= c.positionMS {
				if c.ccb != nil {
					fires = append(fires, syncFire{cb: c.ccb, channel: p, index: c.nextSync})
				}
				c.nextSync++
			}
			if c.positionMS < float64(s.lengthMS) {
				break
			}
			if s.mode&native.ModeLoopNormal == 0 {
				c.ended = true
				break
			}
			c.positionMS -= float64(s.lengthMS)
			c.nextSync = 0
		}
	}
	e.mu.Unlock()

	for _, f := range fires {
		f := f
		err := e.pool.Submit(func() {
			e.syncFired.Add(1)
			e.fireControl(f.cb, &native.ChannelControlEvent{
				Control: f.channel,
				Kind:    handle.ControlChannel,
				Type:    native.ChannelSyncPoint,
				Data1:   uintptr(f.index),
			})
		})
		if err != nil {
			e.log.Warn("sync point dropped", zap.Error(err))
		}
	}
}

func (e *Engine) fireControl(cb native.ChannelControlCallback, ev *native.ChannelControlEvent) {
	if r := cb(ev); r != errors.OK {
		e.log.Debug("channel control callback failed",
			zap.Stringer("type", ev.Type),
			zap.Uintptr("control", ev.Control),
			zap.Stringer("result", r))
	}
}

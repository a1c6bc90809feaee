package sim

import (
	"sort"

	"go.uber.org/zap"

	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
)

type endFire struct {
	cb      native.ChannelControlCallback
	channel uintptr
	seq     uint64
}

type eventFire struct {
	cb         native.EventCallback
	instance   uintptr
	types      []native.EventCallbackType
	seq        uint64
	destroy    bool
	instrument string
	progSound  uintptr
	progIndex  int
}

// Update processes pending engine work on the calling goroutine: queued
// event instance callbacks, end callbacks of channels that finished or were
// stopped, and destruction of those channels and of released event
// instances. Destroyed objects give their pointers back for reuse.
func (e *Engine) Update() errors.Result {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.ErrNotReady
	}
	e.mu.Unlock()

	e.fireSystem(native.SystemPreUpdate, 0, 0)

	events, ends := e.collect()

	for i := range events {
		e.fireEvent(&events[i])
	}
	for _, end := range ends {
		if end.cb == nil {
			continue
		}
		e.endFired.Add(1)
		e.fireControl(end.cb, &native.ChannelControlEvent{
			Control: end.channel,
			Kind:    handle.ControlChannel,
			Type:    native.ChannelEnd,
		})
	}

	// objects stay valid for their final callbacks and are freed afterwards
	e.mu.Lock()
	for _, end := range ends {
		e.free(end.channel)
		e.destroyed.Add(1)
	}
	for _, ev := range events {
		if ev.destroy {
			e.free(ev.instance)
			e.destroyed.Add(1)
		}
	}
	e.mu.Unlock()

	e.fireSystem(native.SystemPostUpdate, 0, 0)
	return errors.OK
}

// fireEvent delivers one instance's queued callbacks. The sound a create
// programmer sound callback supplies stays on the instance and is handed back
// by the destroy callback.
func (e *Engine) fireEvent(ev *eventFire) {
	for _, typ := range ev.types {
		var params *native.EventParameters
		switch typ {
		case native.EventCreateProgrammerSound:
			params = &native.EventParameters{ProgrammerSound: &native.ProgrammerSound{Name: ev.instrument}}
		case native.EventDestroyProgrammerSound:
			params = &native.EventParameters{ProgrammerSound: &native.ProgrammerSound{
				Name:          ev.instrument,
				Sound:         ev.progSound,
				SubsoundIndex: ev.progIndex,
			}}
		}

		r := ev.cb(typ, ev.instance, params)
		if r != errors.OK {
			e.log.Debug("event callback failed",
				zap.Stringer("type", typ),
				zap.Uintptr("instance", ev.instance),
				zap.Stringer("result", r))
		}

		switch typ {
		case native.EventCreateProgrammerSound:
			if r == errors.OK {
				e.storeProgrammerSound(ev, params.ProgrammerSound.Sound, params.ProgrammerSound.SubsoundIndex)
			}
		case native.EventDestroyProgrammerSound:
			e.storeProgrammerSound(ev, 0, 0)
		}
	}
}

func (e *Engine) storeProgrammerSound(ev *eventFire, sound uintptr, index int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if sound != 0 {
		if _, r := e.lookup(sound, handle.KindSound); r != errors.OK {
			e.log.Debug("programmer sound ignored", zap.Uintptr("sound", sound), zap.Stringer("result", r))
			sound, index = 0, 0
		}
	}
	ev.progSound, ev.progIndex = sound, index
	if o, ok := e.objects[ev.instance]; ok && o.seq == ev.seq {
		o.progSound, o.progIndex = sound, index
	}
}

func (e *Engine) collect() ([]eventFire, []endFire) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var events []eventFire
	var ends []endFire
	for p, o := range e.objects {
		switch {
		case o.kind == handle.KindChannelControl && o.control == handle.ControlChannel && o.ended:
			ends = append(ends, endFire{cb: o.ccb, channel: p, seq: o.seq})
			// no second end callback if Update runs again before the free
			o.ccb = nil
		case o.kind == handle.KindEventInstance:
			destroy := o.released && o.state != eventPlaying
			if destroy {
				o.pending = append(o.pending, native.EventDestroyed)
			}
			if len(o.pending) == 0 {
				continue
			}
			ev := eventFire{
				instance:   p,
				seq:        o.seq,
				destroy:    destroy,
				instrument: o.instrument,
				progSound:  o.progSound,
				progIndex:  o.progIndex,
			}
			if o.ecb != nil {
				ev.cb = o.ecb
				for _, typ := range o.pending {
					if o.emask&typ != 0 {
						ev.types = append(ev.types, typ)
					}
				}
			}
			o.pending = o.pending[:0]
			if destroy {
				o.ecb = nil
			}
			if ev.cb == nil {
				ev.types = nil
			}
			if ev.destroy || len(ev.types) > 0 {
				events = append(events, ev)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool { return events[i].seq < events[j].seq })
	sort.Slice(ends, func(i, j int) bool { return ends[i].seq < ends[j].seq })
	return events, ends
}

// LoadEventDescription implements native.Engine. Loading the same path again
// returns the same description.
func (e *Engine) LoadEventDescription(path string) (uintptr, errors.Result) {
	if path == "" {
		return 0, errors.ErrInvalidParam
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0, errors.ErrNotReady
	}
	if p, ok := e.descs[path]; ok {
		return p, errors.OK
	}
	p := e.newObject(&object{kind: handle.KindEventDescription, path: path, name: path})
	e.descs[path] = p
	return p, errors.OK
}

// CreateEventInstance implements native.Engine.
func (e *Engine) CreateEventInstance(desc uintptr) (uintptr, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, r := e.lookup(desc, handle.KindEventDescription)
	if r != errors.OK {
		return 0, r
	}
	return e.newObject(&object{
		kind:       handle.KindEventInstance,
		desc:       desc,
		name:       d.path,
		instrument: d.instrument,
		pending:    []native.EventCallbackType{native.EventCreated},
	}), errors.OK
}

// SetProgrammerInstrument gives the event a programmer instrument called
// name. Instances created afterwards ask for its sound when they start and
// hand it back when they stop.
func (e *Engine) SetProgrammerInstrument(desc uintptr, name string) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, r := e.lookup(desc, handle.KindEventDescription)
	if r != errors.OK {
		return r
	}
	d.instrument = name
	return errors.OK
}

// ProgrammerSound returns the sound and subsound index the instance's
// programmer instrument is playing, or a zero sound.
func (e *Engine) ProgrammerSound(instance uintptr) (uintptr, int, errors.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(instance, handle.KindEventInstance)
	if r != errors.OK {
		return 0, 0, r
	}
	return o.progSound, o.progIndex, errors.OK
}

// EventStart implements native.Engine. Starting a playing instance restarts
// it. Callbacks fire on the next Update.
func (e *Engine) EventStart(instance uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(instance, handle.KindEventInstance)
	if r != errors.OK {
		return r
	}
	if o.released {
		return errors.ErrInvalidHandle
	}
	if o.state == eventPlaying {
		o.pending = append(o.pending, native.EventRestarted)
		return errors.OK
	}
	o.state = eventPlaying
	o.pending = append(o.pending, native.EventStarting, native.EventStarted)
	if o.instrument != "" {
		o.pending = append(o.pending, native.EventCreateProgrammerSound)
	}
	return errors.OK
}

// EventStop implements native.Engine.
func (e *Engine) EventStop(instance uintptr, immediate bool) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(instance, handle.KindEventInstance)
	if r != errors.OK {
		return r
	}
	if o.state != eventPlaying {
		return errors.OK
	}
	o.state = eventStopped
	o.pending = append(o.pending, native.EventStopped)
	if o.instrument != "" {
		o.pending = append(o.pending, native.EventDestroyProgrammerSound)
	}
	return errors.OK
}

// EventRelease implements native.Engine. The instance is destroyed by the
// first Update after it stops, which fires the destroyed callback.
func (e *Engine) EventRelease(instance uintptr) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(instance, handle.KindEventInstance)
	if r != errors.OK {
		return r
	}
	o.released = true
	return errors.OK
}

// SetEventCallback implements native.Engine.
func (e *Engine) SetEventCallback(instance uintptr, cb native.EventCallback, mask native.EventCallbackType) errors.Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, r := e.lookup(instance, handle.KindEventInstance)
	if r != errors.OK {
		return r
	}
	o.ecb, o.emask = cb, mask
	return errors.OK
}

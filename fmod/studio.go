package fmod

import (
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
	"github.com/wippyai/fmod-bridge/native"
	"github.com/wippyai/fmod-bridge/registry"
)

// EventDescription is a loaded studio event.
type EventDescription struct {
	object
	path string
}

// Path returns the event path the description was loaded from.
func (d *EventDescription) Path() string { return d.path }

// IsValid asks the engine whether the description is still loaded.
func (d *EventDescription) IsValid() bool {
	return d.sys.engine.IsValid(d.h)
}

// CreateInstance creates a playable instance of the event.
func (d *EventDescription) CreateInstance() (*EventInstance, error) {
	p, r := d.sys.engine.CreateEventInstance(d.h.Ptr)
	if err := errors.FromResult(r, "create instance of "+d.path); err != nil {
		return nil, err
	}
	inst, err := d.sys.eventInstance(p)
	if err != nil {
		return nil, err
	}
	inst.desc = d
	// the destroyed notification evicts the wrapper even without a handler
	if err := inst.install(); err != nil {
		return nil, err
	}
	return inst, nil
}

// EventInstance is a playing or playable studio event.
type EventInstance struct {
	object
	desc *EventDescription

	cb   EventInstanceCallback
	mask native.EventCallbackType
	prog ProgrammerSounds
}

func (s *System) eventInstance(p uintptr) (*EventInstance, error) {
	h := handle.New(handle.KindEventInstance, p)
	return registry.GetOrInsertAs(s.reg, h, func() (*EventInstance, error) {
		return &EventInstance{object: object{sys: s, h: h}}, nil
	})
}

// Description returns the description the instance was created from, or
// nil for an instance wrapped from a callback.
func (i *EventInstance) Description() *EventDescription { return i.desc }

// IsValid asks the engine whether the instance still exists.
func (i *EventInstance) IsValid() bool {
	return i.sys.engine.IsValid(i.h)
}

// Start starts or restarts the instance.
func (i *EventInstance) Start() error {
	return errors.FromResult(i.sys.engine.EventStart(i.h.Ptr), "event start")
}

// Stop stops the instance.
func (i *EventInstance) Stop(immediate bool) error {
	return errors.FromResult(i.sys.engine.EventStop(i.h.Ptr, immediate), "event stop")
}

// Release marks the instance for destruction once it stops. The wrapper
// stays registered until the engine reports it destroyed.
func (i *EventInstance) Release() error {
	return errors.FromResult(i.sys.engine.EventRelease(i.h.Ptr), "event release")
}

// SetCallback installs fn for the notification types in mask. A nil fn
// removes the handler.
func (i *EventInstance) SetCallback(fn EventInstanceCallback, mask native.EventCallbackType) error {
	i.mu.Lock()
	i.cb, i.mask = fn, mask
	i.mu.Unlock()
	return i.install()
}

func (i *EventInstance) callback() (EventInstanceCallback, native.EventCallbackType) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.cb, i.mask
}

// SetProgrammerSounds installs the handlers that supply the instance's
// programmer instrument sounds. They run before the general callback.
func (i *EventInstance) SetProgrammerSounds(ps ProgrammerSounds) error {
	i.mu.Lock()
	i.prog = ps
	i.mu.Unlock()
	return i.install()
}

func (i *EventInstance) programmerSounds() ProgrammerSounds {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.prog
}

func (i *EventInstance) install() error {
	_, mask := i.callback()
	mask |= i.programmerSounds().mask()
	r := i.sys.engine.SetEventCallback(i.h.Ptr, i.sys.eventTrampoline, mask|native.EventDestroyed)
	return errors.FromResult(r, "set event callback")
}

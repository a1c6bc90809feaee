package registry

import (
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
)

// Sentinel is the value written into native user-data slots to mark an
// object as wrapped. An engine that legitimately stores this bit pattern
// would be mistaken for a live wrapped object; MarkDestroyed avoids the
// heuristic wherever the engine reports destruction.
const Sentinel uintptr = 0xDEADCAFE

// Slots is the part of the native engine the user-data checker needs.
type Slots interface {
	SetUserData(h handle.Handle, v uintptr) errors.Result
	UserData(h handle.Handle) (uintptr, errors.Result)
	IsValid(h handle.Handle) bool
}

// UserDataChecker implements Checker with the per-kind liveness classes of
// handle.Kind.Liveness.
type UserDataChecker struct {
	slots    Slots
	sentinel uintptr
}

// NewUserDataChecker returns a checker over slots using Sentinel.
func NewUserDataChecker(slots Slots) *UserDataChecker {
	return &UserDataChecker{slots: slots, sentinel: Sentinel}
}

// WithSentinel returns a copy of p that writes v instead of Sentinel.
func (p *UserDataChecker) WithSentinel(v uintptr) *UserDataChecker {
	return &UserDataChecker{slots: p.slots, sentinel: v}
}

// Mark writes the sentinel into h's user-data slot.
func (p *UserDataChecker) Mark(h handle.Handle) error {
	if h.Kind.Liveness() != handle.LivenessUserData {
		return nil
	}
	return errors.FromResult(p.slots.SetUserData(h, p.sentinel), "set user data on "+h.String())
}

// Alive reads the sentinel back, or asks the engine for studio kinds.
func (p *UserDataChecker) Alive(h handle.Handle) (bool, error) {
	switch h.Kind.Liveness() {
	case handle.LivenessUserData:
		v, r := p.slots.UserData(h)
		if err := errors.FromResult(r, "get user data on "+h.String()); err != nil {
			return false, errors.Wrap(errors.PhaseLiveness, errors.KindEngineResult, err, "user-data check")
		}
		return v == p.sentinel, nil
	case handle.LivenessNative:
		return p.slots.IsValid(h), nil
	default:
		return true, nil
	}
}

type assumeLive struct{}

func (assumeLive) Mark(handle.Handle) error          { return nil }
func (assumeLive) Alive(handle.Handle) (bool, error) { return true, nil }

package handle

import "github.com/wippyai/fmod-bridge/errors"

// ControlKind discriminates the two object types that share the
// channel-control representation. The engine does not enforce it, so every
// narrowing access checks it.
type ControlKind uint8

const (
	ControlChannel ControlKind = iota + 1
	ControlChannelGroup
)

func (c ControlKind) String() string {
	switch c {
	case ControlChannel:
		return "channel"
	case ControlChannelGroup:
		return "channel-group"
	default:
		return "unknown-control"
	}
}

// Control is a channel-control handle together with its sub-kind.
type Control struct {
	Handle Handle
	Kind   ControlKind
}

// NewControl tags ptr as a channel-control handle of the given sub-kind.
func NewControl(kind ControlKind, ptr uintptr) Control {
	return Control{Handle: New(KindChannelControl, ptr), Kind: kind}
}

// Channel narrows c to a channel. A channel-group fails with a
// sub-kind mismatch error.
func (c Control) Channel() (Handle, error) {
	return c.narrow(ControlChannel)
}

// ChannelGroup narrows c to a channel group.
func (c Control) ChannelGroup() (Handle, error) {
	return c.narrow(ControlChannelGroup)
}

func (c Control) narrow(want ControlKind) (Handle, error) {
	if c.Handle.Kind != KindChannelControl {
		return Handle{}, errors.New(errors.PhaseConvert, errors.KindTypeMismatch).
			Handle(c.Handle.String()).
			Detail("not a channel-control handle").
			Build()
	}
	if c.Kind != want {
		return Handle{}, errors.SubKindMismatch(want.String(), c.Kind.String(), c.Handle.String())
	}
	return c.Handle, nil
}

func (c Control) String() string {
	return c.Kind.String() + "@" + c.Handle.String()
}

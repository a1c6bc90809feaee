// Package handle defines the identity of native engine objects.
//
// A Handle is a (Kind, Ptr) pair. Two handles are equal when both parts are
// equal, so a Handle is directly usable as a map key. Handles carry no
// ownership: copying one never keeps the native object alive.
package handle

import "fmt"

// Kind tags a native pointer with the engine object type it denotes.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindSystem
	KindSound
	KindChannelControl
	KindDSP
	KindDSPConnection
	KindGeometry
	KindReverb3D
	KindSoundGroup
	KindSyncPoint
	KindStudioSystem
	KindBank
	KindEventDescription
	KindEventInstance
	KindBus
	KindVCA
	KindCommandReplay

	kindCount
)

var kindNames = [...]string{
	KindInvalid:          "invalid",
	KindSystem:           "system",
	KindSound:            "sound",
	KindChannelControl:   "channel-control",
	KindDSP:              "dsp",
	KindDSPConnection:    "dsp-connection",
	KindGeometry:         "geometry",
	KindReverb3D:         "reverb-3d",
	KindSoundGroup:       "sound-group",
	KindSyncPoint:        "sync-point",
	KindStudioSystem:     "studio-system",
	KindBank:             "bank",
	KindEventDescription: "event-description",
	KindEventInstance:    "event-instance",
	KindBus:              "bus",
	KindVCA:              "vca",
	KindCommandReplay:    "command-replay",
}

func (k Kind) String() string {
	if k < kindCount {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Valid reports whether k is one of the known object kinds.
func (k Kind) Valid() bool {
	return k > KindInvalid && k < kindCount
}

// Kinds returns every valid kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, kindCount-1)
	for k := KindSystem; k < kindCount; k++ {
		out = append(out, k)
	}
	return out
}

// Liveness describes how the registry can tell whether a native object is
// still alive.
type Liveness uint8

const (
	// LivenessAssumed kinds give no usable signal; entries are kept until
	// removed explicitly.
	LivenessAssumed Liveness = iota
	// LivenessUserData kinds expose a user-data slot. A sentinel written at
	// wrap time must read back unchanged while the object lives.
	LivenessUserData
	// LivenessNative kinds answer a validity query directly.
	LivenessNative
)

func (l Liveness) String() string {
	switch l {
	case LivenessUserData:
		return "user-data"
	case LivenessNative:
		return "native"
	default:
		return "assumed"
	}
}

// Liveness returns the liveness class for objects of kind k.
func (k Kind) Liveness() Liveness {
	switch k {
	case KindReverb3D, KindSoundGroup, KindChannelControl, KindDSP,
		KindSound, KindGeometry, KindDSPConnection:
		return LivenessUserData
	case KindStudioSystem, KindBank, KindEventDescription, KindEventInstance,
		KindCommandReplay, KindBus, KindVCA:
		return LivenessNative
	default:
		return LivenessAssumed
	}
}

// Handle is the opaque identity of one native object.
type Handle struct {
	Ptr  uintptr
	Kind Kind
}

// New returns the handle for ptr tagged with kind.
func New(kind Kind, ptr uintptr) Handle {
	return Handle{Kind: kind, Ptr: ptr}
}

// IsNil reports whether h refers to no object.
func (h Handle) IsNil() bool {
	return h.Ptr == 0
}

func (h Handle) String() string {
	return fmt.Sprintf("%s@%#x", h.Kind, h.Ptr)
}

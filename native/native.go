// Package native describes the surface of the native audio engine that the
// bindings drive.
//
// The shape follows the engine's C API: calls return an errors.Result code,
// objects are raw pointers, and callbacks are plain functions the engine may
// invoke from any of its own threads (mixer, streaming, decode) or from the
// thread calling Update. Callbacks hand a Result back to the engine.
//
// Package sim provides an in-process implementation used by tests and the
// fmodsim tool.
package native

import (
	"github.com/wippyai/fmod-bridge/errors"
	"github.com/wippyai/fmod-bridge/handle"
)

// Mode selects how a sound is created.
type Mode uint32

const (
	ModeDefault      Mode = 0
	ModeLoopNormal   Mode = 1 << 1
	Mode3D           Mode = 1 << 4
	ModeCreateStream Mode = 1 << 7
)

// SoundInfo describes a sound to create.
type SoundInfo struct {
	Name     string
	LengthMS uint32
	Mode     Mode
}

// SystemCallbackType identifies a system-level notification. Values are bit
// flags so they double as an installation mask.
type SystemCallbackType uint32

const (
	SystemDeviceListChanged SystemCallbackType = 1 << iota
	SystemDeviceLost
	SystemMemoryAllocationFailed
	SystemThreadCreated
	SystemBadDSPConnection
	SystemPreMix
	SystemPostMix
	SystemError
	SystemMidMix
	SystemThreadDestroyed
	SystemPreUpdate
	SystemPostUpdate
	SystemRecordListChanged

	SystemAll SystemCallbackType = 0xFFFFFFFF
)

var systemCallbackNames = map[SystemCallbackType]string{
	SystemDeviceListChanged:      "device_list_changed",
	SystemDeviceLost:             "device_lost",
	SystemMemoryAllocationFailed: "memory_allocation_failed",
	SystemThreadCreated:          "thread_created",
	SystemBadDSPConnection:       "bad_dsp_connection",
	SystemPreMix:                 "premix",
	SystemPostMix:                "postmix",
	SystemError:                  "error",
	SystemMidMix:                 "midmix",
	SystemThreadDestroyed:        "thread_destroyed",
	SystemPreUpdate:              "preupdate",
	SystemPostUpdate:             "postupdate",
	SystemRecordListChanged:      "record_list_changed",
}

func (t SystemCallbackType) String() string {
	if s, ok := systemCallbackNames[t]; ok {
		return s
	}
	return "system_callback"
}

// SystemCallback receives system notifications. data1 and data2 carry
// type-specific values, such as the thread id for thread callbacks.
type SystemCallback func(system uintptr, typ SystemCallbackType, data1, data2 uintptr) errors.Result

// ChannelControlCallbackType identifies a channel or channel-group event.
type ChannelControlCallbackType uint8

const (
	ChannelEnd ChannelControlCallbackType = iota + 1
	ChannelVirtualVoice
	ChannelSyncPoint
	ChannelOcclusion
)

func (t ChannelControlCallbackType) String() string {
	switch t {
	case ChannelEnd:
		return "end"
	case ChannelVirtualVoice:
		return "virtual_voice"
	case ChannelSyncPoint:
		return "sync_point"
	case ChannelOcclusion:
		return "occlusion"
	default:
		return "unknown"
	}
}

// ChannelControlEvent is the argument block of a channel-control callback.
// For occlusion the callback writes Direct and Reverb; the engine supplies
// their current values. For sync points Data1 is the sync point index. For
// virtual voice Data1 is 1 when the channel became virtual.
type ChannelControlEvent struct {
	Direct  *float32
	Reverb  *float32
	Control uintptr
	Data1   uintptr
	Data2   uintptr
	Kind    handle.ControlKind
	Type    ChannelControlCallbackType
}

// ChannelControlCallback receives channel and channel-group events.
type ChannelControlCallback func(ev *ChannelControlEvent) errors.Result

// RolloffCallback returns the attenuation for a channel at distance. The
// engine cannot receive an error from it.
type RolloffCallback func(channel uintptr, distance float32) float32

// EventCallbackType identifies a studio event instance notification. Values
// are bit flags so they double as an installation mask.
type EventCallbackType uint32

const (
	EventCreated EventCallbackType = 1 << iota
	EventDestroyed
	EventStarting
	EventStarted
	EventRestarted
	EventStopped
	EventStartFailed
	EventCreateProgrammerSound
	EventDestroyProgrammerSound
	EventPluginCreated
	EventPluginDestroyed
	EventTimelineMarker
	EventTimelineBeat
	EventSoundPlayed
	EventSoundStopped
	EventRealToVirtual
	EventVirtualToReal
	EventStartEventCommand

	EventAll EventCallbackType = 0xFFFFFFFF
)

var eventCallbackNames = map[EventCallbackType]string{
	EventCreated:                "created",
	EventDestroyed:              "destroyed",
	EventStarting:               "starting",
	EventStarted:                "started",
	EventRestarted:              "restarted",
	EventStopped:                "stopped",
	EventStartFailed:            "start_failed",
	EventCreateProgrammerSound:  "create_programmer_sound",
	EventDestroyProgrammerSound: "destroy_programmer_sound",
	EventPluginCreated:          "plugin_created",
	EventPluginDestroyed:        "plugin_destroyed",
	EventTimelineMarker:         "timeline_marker",
	EventTimelineBeat:           "timeline_beat",
	EventSoundPlayed:            "sound_played",
	EventSoundStopped:           "sound_stopped",
	EventRealToVirtual:          "real_to_virtual",
	EventVirtualToReal:          "virtual_to_real",
	EventStartEventCommand:      "start_event_command",
}

func (t EventCallbackType) String() string {
	if s, ok := eventCallbackNames[t]; ok {
		return s
	}
	return "event_callback"
}

// ProgrammerSound describes the sound behind a programmer instrument. For
// EventCreateProgrammerSound the callback writes Sound and SubsoundIndex,
// leaving Sound zero to play nothing. For EventDestroyProgrammerSound they
// hold what the create callback supplied, so the sound can be released.
type ProgrammerSound struct {
	Name          string
	Sound         uintptr
	SubsoundIndex int
}

// EventParameters is the argument block of an event callback. Only the
// member matching the callback type is set, and types without a block get
// nil. Timeline, plugin and sound-played blocks are not carried.
type EventParameters struct {
	ProgrammerSound *ProgrammerSound
}

// EventCallback receives event instance notifications. params is nil for
// types without a parameter block.
type EventCallback func(typ EventCallbackType, instance uintptr, params *EventParameters) errors.Result

// Engine is the native engine. Handles passed to the user-data and validity
// calls carry the object kind so one implementation can serve every type.
type Engine interface {
	// System returns the core system object.
	System() uintptr
	Update() errors.Result
	Close() errors.Result

	SetUserData(h handle.Handle, v uintptr) errors.Result
	UserData(h handle.Handle) (uintptr, errors.Result)
	IsValid(h handle.Handle) bool

	CreateSound(info SoundInfo) (uintptr, errors.Result)
	ReleaseSound(sound uintptr) errors.Result
	AddSyncPoint(sound uintptr, offsetMS uint32, name string) (uintptr, errors.Result)
	SetSoundGroup(sound, group uintptr) errors.Result

	CreateSoundGroup(name string) (uintptr, errors.Result)
	ReleaseSoundGroup(group uintptr) errors.Result

	CreateDSP(name string) (uintptr, errors.Result)
	ReleaseDSP(dsp uintptr) errors.Result

	CreateChannelGroup(name string) (uintptr, errors.Result)
	ReleaseChannelGroup(group uintptr) errors.Result
	MasterChannelGroup() (uintptr, errors.Result)

	PlaySound(sound, group uintptr, paused bool) (uintptr, errors.Result)
	ChannelIsPlaying(channel uintptr) (bool, errors.Result)
	ChannelStop(channel uintptr) errors.Result
	ChannelSetPaused(channel uintptr, paused bool) errors.Result
	ChannelSetDistance(channel uintptr, distance float32) errors.Result
	ChannelCurrentSound(channel uintptr) (uintptr, errors.Result)
	ChannelGroupOf(channel uintptr) (uintptr, errors.Result)
	ChannelAudibility(channel uintptr) (float32, errors.Result)

	SetSystemCallback(cb SystemCallback, mask SystemCallbackType) errors.Result
	SetChannelControlCallback(control handle.Control, cb ChannelControlCallback) errors.Result
	Set3DRolloffCallback(cb RolloffCallback) errors.Result

	LoadEventDescription(path string) (uintptr, errors.Result)
	CreateEventInstance(desc uintptr) (uintptr, errors.Result)
	EventStart(instance uintptr) errors.Result
	EventStop(instance uintptr, immediate bool) errors.Result
	EventRelease(instance uintptr) errors.Result
	SetEventCallback(instance uintptr, cb EventCallback, mask EventCallbackType) errors.Result
}

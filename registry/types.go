package registry

import "github.com/wippyai/fmod-bridge/handle"

// EventType identifies a registry lifecycle notification.
type EventType uint8

const (
	EventInserted EventType = iota
	EventRemoved
	EventSwept
	EventDestroyed
)

func (t EventType) String() string {
	switch t {
	case EventInserted:
		return "inserted"
	case EventRemoved:
		return "removed"
	case EventSwept:
		return "swept"
	case EventDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Event describes one change to the registry. Seq increases with every
// change in the order the changes took effect.
type Event struct {
	Wrapper any
	Handle  handle.Handle
	Seq     uint64
	Type    EventType
}

// Observer receives registry lifecycle events. Events are delivered after the
// registry lock is released, so observers may call back into the registry.
// Concurrent changes can be delivered out of order; observers that track
// state per handle should order by Seq.
type Observer interface {
	OnRegistryEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnRegistryEvent(e Event) { f(e) }

// Dropper is optionally implemented by wrappers that need cleanup when their
// entry is evicted.
type Dropper interface {
	Drop()
}

// Checker decides whether the native object behind a handle is still alive.
type Checker interface {
	// Mark is called once when h is inserted.
	Mark(h handle.Handle) error

	// Alive reports whether h still denotes the object that was marked.
	// An error means the answer is unknown; the registry treats it as stale.
	Alive(h handle.Handle) (bool, error)
}

// Stats counts registry activity.
type Stats struct {
	Live      int
	Inserted  uint64
	Removed   uint64
	Swept     uint64
	Destroyed uint64
	Sweeps    uint64
}

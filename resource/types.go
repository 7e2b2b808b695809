package resource

// Handle is an opaque id for a host object referenced from engine memory.
// Handle 0 is reserved and always invalid.
//
// The low 24 bits select a table slot and the high 8 bits count how often
// the slot was reused, so a released handle stays invalid after its slot
// is handed out again (until the counter wraps).
type Handle uint32

const (
	indexBits = 24
	indexMask = 1<<indexBits - 1
	// MaxHandles is the number of slots a table can hold.
	MaxHandles = indexMask
)

func makeHandle(slot uint32, gen uint8) Handle {
	return Handle(uint32(gen)<<indexBits | (slot + 1))
}

func (h Handle) slot() uint32 {
	return uint32(h)&indexMask - 1
}

func (h Handle) generation() uint8 {
	return uint8(uint32(h) >> indexBits)
}

// Type ids group handles by the kind of object they carry.
const (
	// TypeAny marks objects of no particular kind.
	TypeAny uint32 = iota
	// TypeValue marks objects bound through value.Handle.
	TypeValue
	// TypeStream marks readers and writers passed through the engine.
	TypeStream
)

// EventType identifies a lifecycle event.
type EventType uint8

const (
	EventCreated EventType = iota
	EventReleased
)

// Event represents a resource lifecycle event.
type Event struct {
	Value  any
	Handle Handle
	TypeID uint32
	Type   EventType
}

// Observer receives notifications about resource lifecycle events.
type Observer interface {
	OnResourceEvent(Event)
}

// Dropper is optionally implemented by values that need cleanup when their
// handle is released.
type Dropper interface {
	Drop()
}

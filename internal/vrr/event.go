package vrr

import "fmt"

// EventType identifies what the control loop should do when an event becomes due.
type EventType int

const (
	EventExpectedPresentConfigChanged EventType = iota
	EventRenderingTimeout
	EventHibernateTimeout
	EventNextFrameInsertion
)

func (t EventType) String() string {
	switch t {
	case EventExpectedPresentConfigChanged:
		return "ExpectedPresentConfigChanged"
	case EventRenderingTimeout:
		return "RenderingTimeout"
	case EventHibernateTimeout:
		return "HibernateTimeout"
	case EventNextFrameInsertion:
		return "NextFrameInsertion"
	default:
		return fmt.Sprintf("EventType(%d)", int(t))
	}
}

// Event is a timer entry of the control loop. DueNs is on the controller's monotonic clock.
type Event struct {
	Type  EventType
	DueNs int64

	// seq is the insertion order, used to break ties between equal DueNs.
	seq uint64
}

func (e Event) String() string {
	return fmt.Sprintf("%s due at %dns", e.Type, e.DueNs)
}

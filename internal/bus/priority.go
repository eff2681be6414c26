package bus

import "github.com/haasonsaas/conductor/internal/events"

// priority classes event types for backpressure eviction. High-priority
// events survive until the hard cap; low-priority events are the first to
// go.
type priority int

const (
	priorityLow priority = iota
	priorityMiddle
	priorityHigh
)

func classify(t events.Type) priority {
	switch t {
	case events.TypeToolCall, events.TypeProgress, events.TypeStatus:
		return priorityLow
	case events.TypeDecision, events.TypeArtifact, events.TypeError, events.TypeCompletion:
		return priorityHigh
	default:
		return priorityMiddle
	}
}

// oldestWithPriority returns the index of the oldest queued envelope in the
// given class, or -1.
func oldestWithPriority(queue []*events.Envelope, p priority) int {
	for i, env := range queue {
		if classify(env.Event.Type()) == p {
			return i
		}
	}
	return -1
}

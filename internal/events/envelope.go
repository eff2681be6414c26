package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// SyntheticSequence marks envelopes fabricated inside the server (coherence
// issues, backpressure warnings). Consumers must not fold these into
// per-agent sequence tracking.
const SyntheticSequence int64 = -1

// Envelope wraps an AgentEvent with ingestion metadata. SourceEventID is the
// deduplication key; SourceSequence is monotonic per (agentId, runId).
type Envelope struct {
	SourceEventID    string     `json:"sourceEventId"`
	SourceSequence   int64      `json:"sourceSequence"`
	SourceOccurredAt time.Time  `json:"sourceOccurredAt"`
	RunID            string     `json:"runId"`
	IngestedAt       time.Time  `json:"ingestedAt,omitempty"`
	Event            AgentEvent `json:"event"`
}

// Synthetic returns true for envelopes fabricated by the server itself.
func (e *Envelope) Synthetic() bool { return e.SourceSequence < 0 }

type envelopeWire struct {
	SourceEventID    string          `json:"sourceEventId"`
	SourceSequence   int64           `json:"sourceSequence"`
	SourceOccurredAt time.Time       `json:"sourceOccurredAt"`
	RunID            string          `json:"runId"`
	IngestedAt       time.Time       `json:"ingestedAt,omitempty"`
	Event            json.RawMessage `json:"event"`
}

type eventTag struct {
	Type Type `json:"type"`
}

// MarshalJSON encodes the envelope with the event's type tag folded into the
// event object.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.Event == nil {
		return nil, fmt.Errorf("envelope %s has no event", e.SourceEventID)
	}
	body, err := json.Marshal(e.Event)
	if err != nil {
		return nil, err
	}
	// Fold the type discriminator into the event object.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, err
	}
	tag, _ := json.Marshal(e.Event.Type())
	obj["type"] = tag
	body, err = json.Marshal(obj)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelopeWire{
		SourceEventID:    e.SourceEventID,
		SourceSequence:   e.SourceSequence,
		SourceOccurredAt: e.SourceOccurredAt,
		RunID:            e.RunID,
		IngestedAt:       e.IngestedAt,
		Event:            body,
	})
}

// UnmarshalJSON decodes the envelope, dispatching the inner event on its
// type tag. Unknown types are an error, not a silent pass-through.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	event, err := decodeEvent(wire.Event)
	if err != nil {
		return err
	}
	e.SourceEventID = wire.SourceEventID
	e.SourceSequence = wire.SourceSequence
	e.SourceOccurredAt = wire.SourceOccurredAt
	e.RunID = wire.RunID
	e.IngestedAt = wire.IngestedAt
	e.Event = event
	return nil
}

func decodeEvent(raw json.RawMessage) (AgentEvent, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("envelope has no event")
	}
	var tag eventTag
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, err
	}

	var event AgentEvent
	switch tag.Type {
	case TypeStatus:
		event = &StatusEvent{}
	case TypeDecision:
		event = &DecisionEvent{}
	case TypeArtifact:
		event = &ArtifactEvent{}
	case TypeCoherence:
		event = &CoherenceEvent{}
	case TypeToolCall:
		event = &ToolCallEvent{}
	case TypeCompletion:
		event = &CompletionEvent{}
	case TypeError:
		event = &ErrorEvent{}
	case TypeDelegation:
		event = &DelegationEvent{}
	case TypeGuardrail:
		event = &GuardrailEvent{}
	case TypeLifecycle:
		event = &LifecycleEvent{}
	case TypeProgress:
		event = &ProgressEvent{}
	case TypeRawProvider:
		event = &RawProviderEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", tag.Type)
	}
	if err := json.Unmarshal(raw, event); err != nil {
		return nil, err
	}
	return event, nil
}

// NewSyntheticEnvelope wraps a server-generated event in an out-of-band
// envelope under the "system" run.
func NewSyntheticEnvelope(id string, event AgentEvent) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		SourceEventID:    id,
		SourceSequence:   SyntheticSequence,
		SourceOccurredAt: now,
		RunID:            "system",
		IngestedAt:       now,
		Event:            event,
	}
}

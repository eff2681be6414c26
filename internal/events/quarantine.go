package events

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// QuarantinedPayload holds a rejected inbound payload with the validation
// error that rejected it, kept for operator review.
type QuarantinedPayload struct {
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload"`
	Error      string          `json:"error"`
	ReceivedAt time.Time       `json:"receivedAt"`
}

// Quarantine keeps payloads that failed envelope validation. Entries never
// reach the bus; operators can list and clear them.
type Quarantine struct {
	mu      sync.Mutex
	entries []QuarantinedPayload
	max     int
	logger  *slog.Logger
}

// NewQuarantine creates a quarantine bounded to max entries (oldest evicted
// first). max <= 0 selects a default of 1000.
func NewQuarantine(max int, logger *slog.Logger) *Quarantine {
	if max <= 0 {
		max = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Quarantine{max: max, logger: logger}
}

// Add records a rejected payload and returns its quarantine id.
func (q *Quarantine) Add(payload []byte, validationErr error) string {
	entry := QuarantinedPayload{
		ID:         uuid.NewString(),
		Payload:    append(json.RawMessage(nil), payload...),
		Error:      validationErr.Error(),
		ReceivedAt: time.Now().UTC(),
	}

	q.mu.Lock()
	q.entries = append(q.entries, entry)
	if len(q.entries) > q.max {
		q.entries = q.entries[len(q.entries)-q.max:]
	}
	q.mu.Unlock()

	q.logger.Warn("payload quarantined", "quarantine_id", entry.ID, "error", entry.Error)
	return entry.ID
}

// List returns quarantined payloads, newest first.
func (q *Quarantine) List() []QuarantinedPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]QuarantinedPayload, len(q.entries))
	for i, entry := range q.entries {
		out[len(q.entries)-1-i] = entry
	}
	return out
}

// Count returns the number of quarantined payloads.
func (q *Quarantine) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Clear drops all quarantined payloads and returns how many were removed.
func (q *Quarantine) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}

// Decode validates and decodes a raw inbound payload. Failures are recorded
// in the quarantine (when one is provided) and returned to the caller.
func Decode(raw []byte, quarantine *Quarantine) (*Envelope, error) {
	if err := ValidateEnvelope(raw); err != nil {
		if quarantine != nil {
			quarantine.Add(raw, err)
		}
		return nil, err
	}
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		if quarantine != nil {
			quarantine.Add(raw, err)
		}
		return nil, err
	}
	if env.IngestedAt.IsZero() {
		env.IngestedAt = time.Now().UTC()
	}
	return &env, nil
}

// Package bus implements the control plane's event bus: ordered,
// deduplicated publish/subscribe with per-agent backpressure and
// sequence-gap detection.
//
// Publish is fully synchronous: every matching subscriber is invoked before
// the call returns, in subscription order. Subscriber panics are isolated.
// The bus is single-process; envelopes are tracked per agent for
// backpressure accounting but delivery itself is never buffered.
package bus

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/conductor/internal/events"
	"github.com/haasonsaas/conductor/internal/observability"
)

// Defaults for the bounded structures.
const (
	DefaultDedupCapacity      = 10000
	DefaultMaxQueuePerAgent   = 500
	defaultHighPriorityFactor = 2
)

// Filter selects which envelopes a subscription receives. Zero-valued
// fields match everything.
type Filter struct {
	AgentID   string
	EventType events.Type
}

func (f Filter) matches(env *events.Envelope) bool {
	if f.AgentID != "" && env.Event.Agent() != f.AgentID {
		return false
	}
	if f.EventType != "" && env.Event.Type() != f.EventType {
		return false
	}
	return true
}

// Handler receives published envelopes.
type Handler func(env *events.Envelope)

// SequenceGapWarning records a jump in sourceSequence for one (agent, run).
type SequenceGapWarning struct {
	AgentID          string `json:"agentId"`
	RunID            string `json:"runId"`
	PreviousSequence int64  `json:"previousSequence"`
	CurrentSequence  int64  `json:"currentSequence"`
}

// Metrics is a snapshot of the bus counters.
type Metrics struct {
	TotalPublished    uint64 `json:"totalPublished"`
	TotalDelivered    uint64 `json:"totalDelivered"`
	TotalDeduplicated uint64 `json:"totalDeduplicated"`
	TotalDropped      uint64 `json:"totalDropped"`
}

// Options configures the bus's bounded structures. Zero values select the
// defaults; MaxHighPriorityPerAgent defaults to twice MaxQueuePerAgent.
type Options struct {
	DedupCapacity           int
	MaxQueuePerAgent        int
	MaxHighPriorityPerAgent int
}

func (o Options) withDefaults() Options {
	if o.DedupCapacity <= 0 {
		o.DedupCapacity = DefaultDedupCapacity
	}
	if o.MaxQueuePerAgent <= 0 {
		o.MaxQueuePerAgent = DefaultMaxQueuePerAgent
	}
	if o.MaxHighPriorityPerAgent <= 0 {
		o.MaxHighPriorityPerAgent = o.MaxQueuePerAgent * defaultHighPriorityFactor
	}
	return o
}

type subscription struct {
	id      string
	filter  Filter
	handler Handler
}

type seqKey struct {
	agentID string
	runID   string
}

// Bus is the process-singleton event bus. All state is guarded by a single
// mutex; handlers run while it is held, so handlers must not call back into
// Publish.
type Bus struct {
	mu      sync.Mutex
	opts    Options
	subs    []*subscription
	subByID map[string]*subscription
	dedup   *dedupWindow
	lastSeq map[seqKey]int64
	gaps    []SequenceGapWarning
	queues  map[string][]*events.Envelope
	counts  Metrics
	metrics *observability.Metrics
	logger  *slog.Logger
}

// New creates a bus. metrics may be nil (counters are still tracked
// internally); logger nil selects slog.Default().
func New(opts Options, metrics *observability.Metrics, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()
	return &Bus{
		opts:    opts,
		subByID: make(map[string]*subscription),
		dedup:   newDedupWindow(opts.DedupCapacity),
		lastSeq: make(map[seqKey]int64),
		queues:  make(map[string][]*events.Envelope),
		metrics: metrics,
		logger:  logger,
	}
}

// Subscribe registers a handler for envelopes matching filter and returns an
// opaque subscription id.
func (b *Bus) Subscribe(filter Filter, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub := &subscription{id: uuid.NewString(), filter: filter, handler: handler}
	b.subs = append(b.subs, sub)
	b.subByID[sub.id] = sub
	return sub.id
}

// Unsubscribe removes a subscription. Unknown ids are a no-op.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subByID[id]; !ok {
		return
	}
	delete(b.subByID, id)
	for i, sub := range b.subs {
		if sub.id == id {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers env to every matching subscriber synchronously. It
// returns false when the envelope was dropped as a duplicate. Sequence gaps
// are recorded but never block delivery.
func (b *Bus) Publish(env *events.Envelope) bool {
	if env == nil || env.Event == nil {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dedup.seen(env.SourceEventID) {
		b.counts.TotalDeduplicated++
		if b.metrics != nil {
			b.metrics.EventsDeduplicated.Inc()
		}
		return false
	}
	b.dedup.add(env.SourceEventID)

	if !env.Synthetic() {
		b.checkSequenceLocked(env)
	}

	agentID := env.Event.Agent()
	dropped := b.trackLocked(agentID, env)

	b.counts.TotalPublished++
	if b.metrics != nil {
		b.metrics.EventsPublished.Inc()
	}

	b.fanOutLocked(env)

	if dropped > 0 {
		b.counts.TotalDropped += uint64(dropped)
		if b.metrics != nil {
			b.metrics.EventsDropped.WithLabelValues(agentID).Add(float64(dropped))
		}
		b.logger.Warn("backpressure drop",
			"agent_id", agentID,
			"dropped", dropped,
			"queue_size", len(b.queues[agentID]),
		)
		// The warning is delivered straight to subscribers: it bypasses
		// dedup and queue accounting so it can never trigger itself.
		warning := events.NewSyntheticEnvelope(
			"backpressure-"+uuid.NewString(),
			&events.ErrorEvent{
				AgentID:     agentID,
				Severity:    events.SeverityWarning,
				Message:     fmt.Sprintf("backpressure: %d events dropped for agent %s", dropped, agentID),
				Recoverable: true,
				Category:    "internal",
			},
		)
		b.fanOutLocked(warning)
	}

	return true
}

func (b *Bus) checkSequenceLocked(env *events.Envelope) {
	key := seqKey{agentID: env.Event.Agent(), runID: env.RunID}
	prev, ok := b.lastSeq[key]
	if ok && env.SourceSequence > prev+1 {
		warning := SequenceGapWarning{
			AgentID:          key.agentID,
			RunID:            key.runID,
			PreviousSequence: prev,
			CurrentSequence:  env.SourceSequence,
		}
		b.gaps = append(b.gaps, warning)
		if b.metrics != nil {
			b.metrics.SequenceGaps.WithLabelValues(key.agentID).Inc()
		}
		b.logger.Warn("sequence gap",
			"agent_id", key.agentID,
			"run_id", key.runID,
			"previous_sequence", prev,
			"current_sequence", env.SourceSequence,
		)
	}
	if !ok || env.SourceSequence > prev {
		b.lastSeq[key] = env.SourceSequence
	}
}

// trackLocked appends env to the agent's queue and evicts per the drop
// policy: oldest low-priority first, then oldest middle, then (only above
// the high-priority cap) oldest high-priority. Returns the number dropped.
func (b *Bus) trackLocked(agentID string, env *events.Envelope) int {
	queue := append(b.queues[agentID], env)
	dropped := 0

	for len(queue) > b.opts.MaxQueuePerAgent {
		if i := oldestWithPriority(queue, priorityLow); i >= 0 {
			queue = append(queue[:i], queue[i+1:]...)
			dropped++
			continue
		}
		if i := oldestWithPriority(queue, priorityMiddle); i >= 0 {
			queue = append(queue[:i], queue[i+1:]...)
			dropped++
			continue
		}
		if len(queue) > b.opts.MaxHighPriorityPerAgent {
			queue = queue[1:]
			dropped++
			continue
		}
		break
	}

	b.queues[agentID] = queue
	return dropped
}

func (b *Bus) fanOutLocked(env *events.Envelope) {
	for _, sub := range b.subs {
		if !sub.filter.matches(env) {
			continue
		}
		b.counts.TotalDelivered++
		if b.metrics != nil {
			b.metrics.EventsDelivered.Inc()
		}
		b.invoke(sub, env)
	}
}

// invoke isolates subscriber panics so one failing handler cannot prevent
// the rest from receiving the event.
func (b *Bus) invoke(sub *subscription, env *events.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("subscriber panicked",
				"subscription_id", sub.id,
				"event_id", env.SourceEventID,
				"event_type", string(env.Event.Type()),
				"panic", fmt.Sprint(r),
			)
		}
	}()
	sub.handler(env)
}

// GetMetrics returns a snapshot of the bus counters.
func (b *Bus) GetMetrics() Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// GetAgentQueueSize returns the tracked queue length for an agent.
func (b *Bus) GetAgentQueueSize(agentID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[agentID])
}

// GetSequenceGapWarnings returns all recorded gap warnings.
func (b *Bus) GetSequenceGapWarnings() []SequenceGapWarning {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SequenceGapWarning, len(b.gaps))
	copy(out, b.gaps)
	return out
}

// Package decisions maintains the queue of blocking human decisions:
// priority ordering, tick-driven timeouts with auto-recommendation, orphan
// triage with an optional grace window, and suspend/resume when an agent is
// braked. Waiters block on a per-decision oneshot that the resolving path
// fulfils exactly once.
package decisions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/haasonsaas/conductor/internal/events"
	"github.com/haasonsaas/conductor/internal/observability"
)

// Status is the lifecycle state of a queued decision. pending may move to
// any of the others; suspended may return to pending; the rest are terminal.
type Status string

const (
	StatusPending   Status = "pending"
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusTriage    Status = "triage"
	StatusSuspended Status = "suspended"
)

// Badges attached by the orphan and brake paths.
const (
	BadgeAgentKilled = "agent killed"
	BadgeGracePeriod = "grace period"
	BadgeAgentBraked = "source agent braked"
)

// Rationales attached to timeout auto-resolutions, distinguishable from any
// human-entered rationale.
const (
	RationaleAutoRecommended = "Auto-recommended due to timeout"
	RationaleAutoApproved    = "Auto-approved due to timeout"
)

// triagePriorityBump lifts orphaned decisions above everything routine.
const triagePriorityBump = 100

// ResolutionType discriminates the resolution union.
type ResolutionType string

const (
	ResolutionOption       ResolutionType = "option"
	ResolutionToolApproval ResolutionType = "tool_approval"
)

// ApprovalAction is the human's verdict on a tool approval.
type ApprovalAction string

const (
	ApprovalApprove ApprovalAction = "approve"
	ApprovalReject  ApprovalAction = "reject"
	ApprovalModify  ApprovalAction = "modify"
)

// ActionKind classifies what the resolution causes downstream.
type ActionKind string

const (
	ActionCreate ActionKind = "create"
	ActionUpdate ActionKind = "update"
	ActionDelete ActionKind = "delete"
	ActionReview ActionKind = "review"
	ActionDeploy ActionKind = "deploy"
)

// Resolution is the outcome attached to a decision. Exactly one of the
// option and tool-approval field groups applies, selected by Type.
// AlwaysApprove is a stored hint only; it does not change queue policy.
type Resolution struct {
	Type           ResolutionType `json:"type"`
	ChosenOptionID string         `json:"chosenOptionId,omitempty"`
	Action         ApprovalAction `json:"action,omitempty"`
	ModifiedArgs   map[string]any `json:"modifiedArgs,omitempty"`
	AlwaysApprove  bool           `json:"alwaysApprove,omitempty"`
	Rationale      string         `json:"rationale,omitempty"`
	ActionKind     ActionKind     `json:"actionKind"`
}

// Queued is a decision awaiting (or past) resolution. The queue exclusively
// owns its queued decisions; history is retained after terminal transitions.
type Queued struct {
	Event             *events.DecisionEvent `json:"event"`
	Status            Status                `json:"status"`
	EnqueuedAtTick    int64                 `json:"enqueuedAtTick"`
	Priority          int                   `json:"priority"`
	Badge             string                `json:"badge,omitempty"`
	GraceDeadlineTick *int64                `json:"graceDeadlineTick,omitempty"`
	ResolvedAt        *time.Time            `json:"resolvedAt,omitempty"`
	Resolution        *Resolution           `json:"resolution,omitempty"`

	seq int // enqueue order, for deterministic listing
}

// Policy configures timeout behavior. A nil TimeoutTicks disables timeouts
// entirely.
type Policy struct {
	TimeoutTicks           *int64
	OrphanGracePeriodTicks int64
}

// Defaults for Policy.
const (
	DefaultTimeoutTicks           int64 = 300
	DefaultOrphanGracePeriodTicks int64 = 30
)

// DefaultPolicy returns the stock timeout policy.
func DefaultPolicy() Policy {
	timeout := DefaultTimeoutTicks
	return Policy{
		TimeoutTicks:           &timeout,
		OrphanGracePeriodTicks: DefaultOrphanGracePeriodTicks,
	}
}

// Sentinel errors for resolution attempts.
var (
	ErrNotFound   = errors.New("decision not found")
	ErrNotPending = errors.New("decision is not pending")
)

// TickSource is the slice of the tick service the queue needs.
type TickSource interface {
	OnTick(fn func(tick int64)) string
}

// TerminalFunc observes decisions reaching a terminal status (resolved,
// timed_out, triage).
type TerminalFunc func(decisionID string, decision *Queued)

// Queue is the decision queue singleton.
type Queue struct {
	mu         sync.Mutex
	items      map[string]*Queued
	waiters    map[string][]chan Resolution
	policy     Policy
	nextSeq    int
	onTerminal TerminalFunc
	metrics    *observability.Metrics
	logger     *slog.Logger
}

// NewQueue creates a decision queue. metrics may be nil.
func NewQueue(policy Policy, metrics *observability.Metrics, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.OrphanGracePeriodTicks <= 0 {
		policy.OrphanGracePeriodTicks = DefaultOrphanGracePeriodTicks
	}
	return &Queue{
		items:   make(map[string]*Queued),
		waiters: make(map[string][]chan Resolution),
		policy:  policy,
		metrics: metrics,
		logger:  logger,
	}
}

// SetOnTerminal installs the terminal-transition observer. The callback
// runs outside the queue lock.
func (q *Queue) SetOnTerminal(fn TerminalFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onTerminal = fn
}

// PriorityForSeverity maps decision severity to queue priority.
func PriorityForSeverity(severity events.Severity) int {
	switch severity {
	case events.SeverityCritical:
		return 50
	case events.SeverityHigh:
		return 40
	case events.SeverityMedium:
		return 30
	case events.SeverityLow:
		return 20
	case events.SeverityWarning:
		return 10
	default:
		return 30
	}
}

// Enqueue adds a decision at the given tick. Re-enqueueing a known
// decisionId is a no-op; the existing entry is returned with created=false.
// Tool approvals without an explicit severity default to medium priority.
func (q *Queue) Enqueue(ev *events.DecisionEvent, tick int64) (*Queued, bool) {
	if ev == nil || ev.DecisionID == "" {
		return nil, false
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.items[ev.DecisionID]; ok {
		return existing, false
	}

	item := &Queued{
		Event:          ev,
		Status:         StatusPending,
		EnqueuedAtTick: tick,
		Priority:       PriorityForSeverity(ev.Severity),
		seq:            q.nextSeq,
	}
	q.nextSeq++
	q.items[ev.DecisionID] = item
	q.updatePendingGaugeLocked()

	q.logger.Info("decision enqueued",
		"decision_id", ev.DecisionID,
		"agent_id", ev.AgentID,
		"subtype", string(ev.Subtype),
		"priority", item.Priority,
		"tick", tick,
	)
	return item, true
}

// Resolve attaches a human resolution. It succeeds only while the decision
// is pending; anything else returns ErrNotPending (already-terminal
// decisions are not an error worth surfacing to agents, callers decide).
func (q *Queue) Resolve(decisionID string, res Resolution) (*Queued, error) {
	q.mu.Lock()
	item, ok := q.items[decisionID]
	if !ok {
		q.mu.Unlock()
		return nil, ErrNotFound
	}
	if item.Status != StatusPending {
		q.mu.Unlock()
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, decisionID, item.Status)
	}

	q.completeLocked(item, StatusResolved, res)
	terminal := q.onTerminal
	q.mu.Unlock()

	if q.metrics != nil {
		q.metrics.DecisionsResolved.WithLabelValues(string(StatusResolved)).Inc()
	}
	if terminal != nil {
		terminal(decisionID, item)
	}
	return item, nil
}

// completeLocked moves a pending item to a resolution-bearing terminal
// status and fulfils every outstanding waiter exactly once.
func (q *Queue) completeLocked(item *Queued, status Status, res Resolution) {
	now := time.Now().UTC()
	item.Status = status
	item.Resolution = &res
	item.ResolvedAt = &now
	item.GraceDeadlineTick = nil

	id := item.Event.DecisionID
	for _, waiter := range q.waiters[id] {
		waiter <- res
		close(waiter)
	}
	delete(q.waiters, id)
	q.updatePendingGaugeLocked()
}

// WaitForResolution blocks until the decision carries a resolution or ctx
// is done. Late callers on an already-resolved decision return the stored
// resolution immediately.
func (q *Queue) WaitForResolution(ctx context.Context, decisionID string) (Resolution, error) {
	q.mu.Lock()
	item, ok := q.items[decisionID]
	if !ok {
		q.mu.Unlock()
		return Resolution{}, ErrNotFound
	}
	if item.Resolution != nil {
		res := *item.Resolution
		q.mu.Unlock()
		return res, nil
	}
	waiter := make(chan Resolution, 1)
	q.waiters[decisionID] = append(q.waiters[decisionID], waiter)
	q.mu.Unlock()

	select {
	case res := <-waiter:
		return res, nil
	case <-ctx.Done():
		q.removeWaiter(decisionID, waiter)
		return Resolution{}, ctx.Err()
	}
}

func (q *Queue) removeWaiter(decisionID string, waiter chan Resolution) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.waiters[decisionID]
	for i, w := range list {
		if w == waiter {
			q.waiters[decisionID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Get returns a decision by id.
func (q *Queue) Get(decisionID string) (*Queued, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[decisionID]
	return item, ok
}

// ListPending returns pending decisions by descending priority, enqueue
// order breaking ties. An empty agentID lists all agents.
func (q *Queue) ListPending(agentID string) []*Queued {
	q.mu.Lock()
	defer q.mu.Unlock()

	var out []*Queued
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if agentID != "" && item.Event.AgentID != agentID {
			continue
		}
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].seq < out[j].seq
	})
	return out
}

// ListAll returns every decision ever enqueued, in enqueue order.
func (q *Queue) ListAll() []*Queued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Queued, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// HandleAgentKilled immediately moves the agent's pending decisions to
// triage with the "agent killed" badge and a priority bump. Returns how
// many decisions were triaged.
func (q *Queue) HandleAgentKilled(agentID string) int {
	q.mu.Lock()
	var triaged []*Queued
	for _, item := range q.items {
		if item.Status != StatusPending || item.Event.AgentID != agentID {
			continue
		}
		item.Status = StatusTriage
		item.Badge = BadgeAgentKilled
		item.Priority += triagePriorityBump
		item.GraceDeadlineTick = nil
		triaged = append(triaged, item)
	}
	q.updatePendingGaugeLocked()
	terminal := q.onTerminal
	q.mu.Unlock()

	for _, item := range triaged {
		if q.metrics != nil {
			q.metrics.DecisionsResolved.WithLabelValues(string(StatusTriage)).Inc()
		}
		if terminal != nil {
			terminal(item.Event.DecisionID, item)
		}
	}
	return len(triaged)
}

// ScheduleOrphanTriage marks the agent's pending decisions with a grace
// deadline instead of triaging them immediately. They remain resolvable
// until the deadline passes, at which point the tick sweep triages them.
func (q *Queue) ScheduleOrphanTriage(agentID string, tick int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	deadline := tick + q.policy.OrphanGracePeriodTicks
	n := 0
	for _, item := range q.items {
		if item.Status != StatusPending || item.Event.AgentID != agentID {
			continue
		}
		d := deadline
		item.GraceDeadlineTick = &d
		item.Badge = BadgeGracePeriod
		n++
	}
	return n
}

// SuspendAgentDecisions marks the agent's pending decisions suspended.
// Suspended decisions are exempt from timeouts and cannot be resolved.
func (q *Queue) SuspendAgentDecisions(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Status != StatusPending || item.Event.AgentID != agentID {
			continue
		}
		item.Status = StatusSuspended
		item.Badge = BadgeAgentBraked
		n++
	}
	q.updatePendingGaugeLocked()
	return n
}

// ResumeAgentDecisions returns the agent's suspended decisions to pending.
func (q *Queue) ResumeAgentDecisions(agentID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, item := range q.items {
		if item.Status != StatusSuspended || item.Event.AgentID != agentID {
			continue
		}
		item.Status = StatusPending
		item.Badge = ""
		n++
	}
	q.updatePendingGaugeLocked()
	return n
}

// SubscribeTo registers the queue's timeout sweep with the tick service.
func (q *Queue) SubscribeTo(ts TickSource) string {
	return ts.OnTick(q.handleTick)
}

// handleTick runs the per-tick sweep: expired grace windows first, then
// timeouts.
func (q *Queue) handleTick(tick int64) {
	q.mu.Lock()

	var triaged, timedOut []*Queued
	for _, item := range q.items {
		if item.Status != StatusPending {
			continue
		}
		if item.GraceDeadlineTick != nil && tick >= *item.GraceDeadlineTick {
			item.Status = StatusTriage
			item.Badge = BadgeAgentKilled
			item.Priority += triagePriorityBump
			item.GraceDeadlineTick = nil
			triaged = append(triaged, item)
			continue
		}
		if q.timedOutLocked(item, tick) {
			q.completeLocked(item, StatusTimedOut, autoResolution(item.Event))
			timedOut = append(timedOut, item)
		}
	}
	q.updatePendingGaugeLocked()
	terminal := q.onTerminal
	q.mu.Unlock()

	for _, item := range triaged {
		q.logger.Warn("orphan decision triaged",
			"decision_id", item.Event.DecisionID,
			"agent_id", item.Event.AgentID,
			"tick", tick,
		)
		if q.metrics != nil {
			q.metrics.DecisionsResolved.WithLabelValues(string(StatusTriage)).Inc()
		}
		if terminal != nil {
			terminal(item.Event.DecisionID, item)
		}
	}
	for _, item := range timedOut {
		q.logger.Info("decision timed out",
			"decision_id", item.Event.DecisionID,
			"agent_id", item.Event.AgentID,
			"tick", tick,
		)
		if q.metrics != nil {
			q.metrics.DecisionsResolved.WithLabelValues(string(StatusTimedOut)).Inc()
		}
		if terminal != nil {
			terminal(item.Event.DecisionID, item)
		}
	}
}

func (q *Queue) timedOutLocked(item *Queued, tick int64) bool {
	if q.policy.TimeoutTicks == nil {
		return false
	}
	if item.Event.DueByTick != nil && tick >= *item.Event.DueByTick {
		return true
	}
	return tick-item.EnqueuedAtTick >= *q.policy.TimeoutTicks
}

// autoResolution builds the timeout resolution: option decisions pick the
// recommended option (or the first), tool approvals auto-approve.
func autoResolution(ev *events.DecisionEvent) Resolution {
	if ev.Subtype == events.DecisionToolApproval {
		return Resolution{
			Type:       ResolutionToolApproval,
			Action:     ApprovalApprove,
			Rationale:  RationaleAutoApproved,
			ActionKind: ActionReview,
		}
	}

	chosen := ev.RecommendedOptionID
	if chosen == "" && len(ev.Options) > 0 {
		chosen = ev.Options[0].ID
	}
	return Resolution{
		Type:           ResolutionOption,
		ChosenOptionID: chosen,
		Rationale:      RationaleAutoRecommended,
		ActionKind:     ActionReview,
	}
}

func (q *Queue) updatePendingGaugeLocked() {
	if q.metrics == nil {
		return
	}
	n := 0
	for _, item := range q.items {
		if item.Status == StatusPending {
			n++
		}
	}
	q.metrics.PendingDecisions.Set(float64(n))
}

// Package coordinator wires the control plane together: it subscribes the
// knowledge store, decision queue, trust engine, and coherence monitor to
// the event bus, drives periodic sweeps off the tick service, and exposes
// the control operations (spawn, kill, assign, brake, resolve) that the API
// surface calls into.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/bus"
	"github.com/haasonsaas/conductor/internal/checkpoints"
	"github.com/haasonsaas/conductor/internal/coherence"
	"github.com/haasonsaas/conductor/internal/decisions"
	"github.com/haasonsaas/conductor/internal/events"
	"github.com/haasonsaas/conductor/internal/hub"
	"github.com/haasonsaas/conductor/internal/knowledge"
	"github.com/haasonsaas/conductor/internal/observability"
	"github.com/haasonsaas/conductor/internal/registry"
	"github.com/haasonsaas/conductor/internal/tick"
	"github.com/haasonsaas/conductor/internal/trust"
)

// DefaultIdleTimeoutTicks is how long an agent may sit idle before the tick
// sweep kills it.
const DefaultIdleTimeoutTicks int64 = 500

// trustFlushIntervalTicks is how often accumulated trust outcomes are
// flushed to the audit log.
const trustFlushIntervalTicks int64 = 100

// Control operation errors.
var (
	ErrUnknownPlugin      = errors.New("unknown plugin")
	ErrCheckpointRequired = errors.New("no checkpoint available for agent")
	ErrBrakeEngaged       = errors.New("brake already engaged")
	ErrBrakeNotEngaged    = errors.New("no brake engaged")
)

// Control modes reported in state_sync.
const (
	ControlModeNormal = "normal"
	ControlModeBraked = "braked"
)

// BrakeScope selects which agents a brake affects.
type BrakeScope struct {
	// Type is one of all, agent, workstream.
	Type       string `json:"type"`
	AgentID    string `json:"agentId,omitempty"`
	Workstream string `json:"workstream,omitempty"`
}

// Brake behaviors.
const (
	BrakeBehaviorPause = "pause"
	BrakeBehaviorKill  = "kill"
)

// Release condition types.
const (
	ReleaseManual   = "manual"
	ReleaseTimer    = "timer"
	ReleaseDecision = "decision"
)

// ReleaseCondition says when an engaged brake lifts. Type discriminates the
// payload: timer releases carry ReleaseAfterMs, decision releases carry the
// decision id they wait on, manual releases carry nothing.
type ReleaseCondition struct {
	Type           string `json:"type"`
	ReleaseAfterMs int64  `json:"releaseAfterMs,omitempty"`
	DecisionID     string `json:"decisionId,omitempty"`
}

// Brake is an operator-initiated emergency stop.
type Brake struct {
	Scope            BrakeScope        `json:"scope"`
	Reason           string            `json:"reason"`
	Behavior         string            `json:"behavior"`
	InitiatedBy      string            `json:"initiatedBy"`
	EngagedAt        time.Time         `json:"engagedAt"`
	ReleaseCondition *ReleaseCondition `json:"releaseCondition,omitempty"`
}

// Deps collects the services the coordinator orchestrates. All fields are
// required except Quarantine and Logger.
type Deps struct {
	Bus         *bus.Bus
	Ticks       *tick.Service
	Trust       *trust.Engine
	Coherence   *coherence.Monitor
	Store       *knowledge.Store
	Decisions   *decisions.Queue
	Checkpoints *checkpoints.Store
	Registry    *registry.Registry
	Hub         *hub.Hub
	Quarantine  *events.Quarantine
	Logger      *slog.Logger
}

// Options tunes coordinator behavior. Zero values select defaults.
type Options struct {
	IdleTimeoutTicks int64
}

// Coordinator is the control plane's composition root.
type Coordinator struct {
	bus         *bus.Bus
	ticks       *tick.Service
	trust       *trust.Engine
	monitor     *coherence.Monitor
	store       *knowledge.Store
	queue       *decisions.Queue
	checkpoints *checkpoints.Store
	registry    *registry.Registry
	hub         *hub.Hub
	quarantine  *events.Quarantine
	logger      *slog.Logger

	idleTimeoutTicks int64

	mu          sync.Mutex
	plugins     map[string]registry.Plugin
	knownAgents map[string]struct{}
	knownIssues map[string]struct{}
	idleSince   map[string]int64
	workstreams map[string]string
	brake       *Brake

	sweepInFlight atomic.Bool
	bg            sync.WaitGroup
}

// New creates a coordinator and installs its bus subscribers, tick handlers,
// and the decision queue's terminal observer. The tick service is not
// started; callers start it after construction.
func New(deps Deps, opts Options) *Coordinator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idle := opts.IdleTimeoutTicks
	if idle <= 0 {
		idle = DefaultIdleTimeoutTicks
	}

	c := &Coordinator{
		bus:              deps.Bus,
		ticks:            deps.Ticks,
		trust:            deps.Trust,
		monitor:          deps.Coherence,
		store:            deps.Store,
		queue:            deps.Decisions,
		checkpoints:      deps.Checkpoints,
		registry:         deps.Registry,
		hub:              deps.Hub,
		quarantine:       deps.Quarantine,
		logger:           logger,
		idleTimeoutTicks: idle,
		plugins:          make(map[string]registry.Plugin),
		knownAgents:      make(map[string]struct{}),
		knownIssues:      make(map[string]struct{}),
		idleSince:        make(map[string]int64),
		workstreams:      make(map[string]string),
	}

	// The catch-all subscriber runs first so every envelope is persisted and
	// broadcast before type-specific handling reacts to it.
	c.bus.Subscribe(bus.Filter{}, c.handleAny)
	c.bus.Subscribe(bus.Filter{EventType: events.TypeDecision}, c.handleDecision)
	c.bus.Subscribe(bus.Filter{EventType: events.TypeArtifact}, c.handleArtifact)
	c.bus.Subscribe(bus.Filter{EventType: events.TypeLifecycle}, c.handleLifecycle)
	c.bus.Subscribe(bus.Filter{EventType: events.TypeCompletion}, c.handleCompletion)
	c.bus.Subscribe(bus.Filter{EventType: events.TypeError}, c.handleError)

	// Decision timeouts sweep before the coordinator's own tick work.
	c.queue.SubscribeTo(c.ticks)
	c.ticks.OnTick(c.handleTick)

	c.queue.SetOnTerminal(c.onDecisionTerminal)
	c.store.SetPendingDecisionsProvider(func() []any {
		items := c.queue.ListPending("")
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = item
		}
		return out
	})

	return c
}

// RegisterPlugin makes an agent runtime available to Spawn.
func (c *Coordinator) RegisterPlugin(p registry.Plugin) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugins[p.Name()] = p
}

// Ingest validates a raw payload and publishes the resulting envelope.
// Payloads that fail validation land in the quarantine and return an error.
func (c *Coordinator) Ingest(raw []byte) (*events.Envelope, error) {
	env, err := events.Decode(raw, c.quarantine)
	if err != nil {
		return nil, err
	}
	c.bus.Publish(env)
	return env, nil
}

// Publish puts an already-decoded envelope on the bus. Returns false for
// duplicates.
func (c *Coordinator) Publish(env *events.Envelope) bool {
	return c.bus.Publish(env)
}

// handleAny persists and broadcasts every envelope, and infers an agent
// record for agents first seen through their events.
func (c *Coordinator) handleAny(env *events.Envelope) {
	c.ensureAgentKnown(env.Event.Agent())

	ctx := observability.AddRunID(context.Background(), env.RunID)
	ctx = observability.AddAgentID(ctx, env.Event.Agent())
	if err := c.store.AppendEvent(ctx, env); err != nil {
		observability.WithContext(ctx, c.logger).Error("event append failed",
			"event_id", env.SourceEventID,
			"error", err,
		)
	}
	c.hub.PublishClassifiedEvent(hub.Classify(env))
}

func (c *Coordinator) ensureAgentKnown(agentID string) {
	if agentID == "" || agentID == "system" {
		return
	}
	c.mu.Lock()
	_, known := c.knownAgents[agentID]
	if !known {
		c.knownAgents[agentID] = struct{}{}
	}
	c.mu.Unlock()
	if known {
		return
	}
	err := c.store.RegisterAgent(context.Background(), knowledge.AgentRecord{
		ID:         agentID,
		PluginName: "external",
		Status:     string(registry.StatusRunning),
	})
	if err != nil {
		c.logger.Error("agent record create failed", "agent_id", agentID, "error", err)
	}
}

// handleDecision enqueues the decision, parks the agent, and requests a
// best-effort checkpoint from its plugin in the background.
func (c *Coordinator) handleDecision(env *events.Envelope) {
	ev, ok := env.Event.(*events.DecisionEvent)
	if !ok {
		return
	}
	_, created := c.queue.Enqueue(ev, c.ticks.Current())
	if !created {
		return
	}

	c.registry.UpdateStatus(ev.AgentID, registry.StatusWaitingOnHuman)
	if err := c.store.UpdateAgentStatus(context.Background(), ev.AgentID, string(registry.StatusWaitingOnHuman)); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		c.logger.Error("agent status update failed", "agent_id", ev.AgentID, "error", err)
	}

	handle, plugin, ok := c.registry.Get(ev.AgentID)
	if !ok || plugin == nil {
		return
	}
	decisionID := ev.DecisionID
	c.background(func() {
		state, err := plugin.RequestCheckpoint(context.Background(), handle, decisionID)
		if err != nil {
			c.logger.Warn("decision checkpoint failed",
				"agent_id", handle.ID,
				"decision_id", decisionID,
				"error", err,
			)
			return
		}
		state.SerializedBy = checkpoints.ReasonDecisionCheckpoint
		c.checkpoints.StoreCheckpoint(state, decisionID)
	})
}

// handleArtifact stores the artifact and runs the synchronous coherence
// check. Detected issues re-enter the bus as synthetic envelopes from a
// background task.
func (c *Coordinator) handleArtifact(env *events.Envelope) {
	ev, ok := env.Event.(*events.ArtifactEvent)
	if !ok {
		return
	}
	if err := c.store.StoreArtifact(context.Background(), ev); err != nil {
		c.logger.Error("artifact store failed", "artifact_id", ev.ArtifactID, "error", err)
	}
	if issue := c.monitor.ProcessArtifact(ev); issue != nil {
		c.background(func() { c.publishIssue(issue) })
	}
}

// publishIssue persists a coherence issue and, on first detection, feeds it
// back through the bus as a synthetic envelope so it reaches the event log
// and clients like any other event.
func (c *Coordinator) publishIssue(issue *events.CoherenceEvent) {
	if err := c.store.StoreCoherenceIssue(context.Background(), issue); err != nil {
		c.logger.Error("coherence issue store failed", "issue_id", issue.IssueID, "error", err)
	}

	c.mu.Lock()
	_, seen := c.knownIssues[issue.IssueID]
	if !seen {
		c.knownIssues[issue.IssueID] = struct{}{}
	}
	c.mu.Unlock()
	if seen {
		return
	}

	env := events.NewSyntheticEnvelope("coherence-"+issue.IssueID, issue)
	c.bus.Publish(env)
}

// handleLifecycle mirrors session transitions into the registry and store.
func (c *Coordinator) handleLifecycle(env *events.Envelope) {
	ev, ok := env.Event.(*events.LifecycleEvent)
	if !ok {
		return
	}
	ctx := context.Background()

	switch ev.Action {
	case events.LifecycleStarted, events.LifecycleSessionStart, events.LifecycleResumed:
		c.setAgentStatus(ctx, ev.AgentID, registry.StatusRunning)
	case events.LifecyclePaused:
		c.setAgentStatus(ctx, ev.AgentID, registry.StatusPaused)
	case events.LifecycleKilled:
		c.queue.HandleAgentKilled(ev.AgentID)
		c.dropAgent(ctx, ev.AgentID)
	case events.LifecycleCrashed:
		// Crashed agents may come back; their decisions get a grace window
		// instead of immediate triage.
		c.queue.ScheduleOrphanTriage(ev.AgentID, c.ticks.Current())
		c.dropAgent(ctx, ev.AgentID)
	}
}

func (c *Coordinator) setAgentStatus(ctx context.Context, agentID string, status registry.Status) {
	c.registry.UpdateStatus(agentID, status)
	if err := c.store.UpdateAgentStatus(ctx, agentID, string(status)); err != nil && !errors.Is(err, knowledge.ErrNotFound) {
		c.logger.Error("agent status update failed", "agent_id", agentID, "error", err)
	}
}

func (c *Coordinator) dropAgent(ctx context.Context, agentID string) {
	c.registry.Remove(agentID)
	if err := c.store.RemoveAgent(ctx, agentID); err != nil {
		c.logger.Error("agent record remove failed", "agent_id", agentID, "error", err)
	}
	c.mu.Lock()
	delete(c.idleSince, agentID)
	c.mu.Unlock()
	c.flushTrust(ctx, agentID)
}

// handleCompletion applies the trust outcome for the run and parks the
// agent: idle with a checkpoint on success or partial, completed otherwise.
func (c *Coordinator) handleCompletion(env *events.Envelope) {
	ev, ok := env.Event.(*events.CompletionEvent)
	if !ok {
		return
	}
	ctx := context.Background()
	now := c.ticks.Current()

	var outcome trust.Outcome
	switch ev.Outcome {
	case events.OutcomeSuccess:
		outcome = trust.OutcomeTaskCompletedClean
	case events.OutcomePartial:
		outcome = trust.OutcomeTaskCompletedPartial
	default:
		outcome = trust.OutcomeTaskAbandonedOrMaxTurns
	}
	change := c.trust.ApplyOutcome(ev.AgentID, outcome, now, completionContext(ev))
	c.broadcastTrust(change)

	switch ev.Outcome {
	case events.OutcomeSuccess, events.OutcomePartial:
		c.setAgentStatus(ctx, ev.AgentID, registry.StatusIdle)
		c.mu.Lock()
		c.idleSince[ev.AgentID] = now
		c.mu.Unlock()

		handle, plugin, ok := c.registry.Get(ev.AgentID)
		if ok && plugin != nil {
			c.background(func() {
				state, err := plugin.RequestCheckpoint(context.Background(), handle, "")
				if err != nil {
					c.logger.Warn("idle checkpoint failed", "agent_id", handle.ID, "error", err)
					return
				}
				state.SerializedBy = checkpoints.ReasonIdleCompletion
				c.checkpoints.StoreCheckpoint(state, "")
			})
		}
	default:
		c.setAgentStatus(ctx, ev.AgentID, registry.StatusCompleted)
		c.mu.Lock()
		delete(c.idleSince, ev.AgentID)
		c.mu.Unlock()
	}
}

// completionContext collects the distinct artifact kinds and workstreams a
// completion touched.
func completionContext(ev *events.CompletionEvent) trust.OutcomeContext {
	var (
		kinds       []events.ArtifactKind
		workstreams []string
		seenKind    = make(map[events.ArtifactKind]struct{})
		seenWS      = make(map[string]struct{})
	)
	for _, art := range ev.ArtifactsProduced {
		if art.Kind != "" {
			if _, dup := seenKind[art.Kind]; !dup {
				seenKind[art.Kind] = struct{}{}
				kinds = append(kinds, art.Kind)
			}
		}
		if art.Workstream != "" {
			if _, dup := seenWS[art.Workstream]; !dup {
				seenWS[art.Workstream] = struct{}{}
				workstreams = append(workstreams, art.Workstream)
			}
		}
	}
	return trust.OutcomeContext{ArtifactKinds: kinds, Workstreams: workstreams}
}

// handleError applies the error trust outcome, weighted by the category of
// the tool that failed. Warnings carry no trust cost.
func (c *Coordinator) handleError(env *events.Envelope) {
	ev, ok := env.Event.(*events.ErrorEvent)
	if !ok || ev.Severity == events.SeverityWarning {
		return
	}
	toolName := ""
	if ev.Context != nil {
		toolName = ev.Context.ToolName
	}
	change := c.trust.ApplyOutcome(ev.AgentID, trust.OutcomeErrorEvent, c.ticks.Current(), trust.OutcomeContext{
		ToolCategory: trust.ClassifyTool(toolName),
	})
	c.broadcastTrust(change)
}

func (c *Coordinator) broadcastTrust(change trust.Change) {
	if !change.Changed() {
		return
	}
	c.hub.Broadcast(hub.NewTrustUpdate(
		change.AgentID,
		int(math.Round(change.PreviousScore)),
		int(math.Round(change.NewScore)),
		int(math.Round(change.Delta)),
		string(change.Reason),
	))
}

// handleTick drives the periodic work: the layered coherence sweep, the
// idle-agent reaper, and the trust log flush.
func (c *Coordinator) handleTick(now int64) {
	c.background(func() { c.coherenceSweep(now) })

	var expired []string
	c.mu.Lock()
	for agentID, since := range c.idleSince {
		if now-since >= c.idleTimeoutTicks {
			expired = append(expired, agentID)
			delete(c.idleSince, agentID)
		}
	}
	c.mu.Unlock()
	for _, agentID := range expired {
		id := agentID
		c.background(func() { c.reapIdle(id) })
	}

	if now%trustFlushIntervalTicks == 0 {
		c.background(func() {
			ctx := context.Background()
			for _, handle := range c.registry.List() {
				c.flushTrust(ctx, handle.ID)
			}
		})
	}
}

// reapIdle kills an agent that sat idle past the timeout.
func (c *Coordinator) reapIdle(agentID string) {
	handle, plugin, ok := c.registry.Get(agentID)
	if !ok {
		return
	}
	c.logger.Info("idle agent reaped", "agent_id", agentID)

	err := c.registry.WithAgentLock(agentID, func() error {
		if plugin == nil {
			return nil
		}
		_, err := plugin.Kill(context.Background(), handle, registry.KillOptions{Grace: true})
		return err
	})
	if err != nil {
		c.logger.Warn("idle kill failed", "agent_id", agentID, "error", err)
	}
	c.queue.HandleAgentKilled(agentID)
	c.dropAgent(context.Background(), agentID)
}

// coherenceSweep runs whichever periodic layers are due at tick. A single
// sweep runs at a time; ticks arriving mid-sweep are skipped.
func (c *Coordinator) coherenceSweep(now int64) {
	if !c.sweepInFlight.CompareAndSwap(false, true) {
		return
	}
	defer c.sweepInFlight.Store(false)

	ctx := context.Background()
	lookup := func(artifactID string) (*events.ArtifactEvent, bool) {
		ev, err := c.store.GetArtifact(ctx, artifactID)
		return ev, err == nil
	}
	lister := func() []*events.ArtifactEvent {
		all, err := c.store.ListArtifacts(ctx)
		if err != nil {
			c.logger.Error("artifact list failed", "error", err)
			return nil
		}
		return all
	}
	content := func(agentID, artifactID string) ([]byte, string, bool) {
		blob, mime, err := c.store.GetArtifactContent(ctx, agentID, artifactID)
		return blob, mime, err == nil
	}

	if c.monitor.ShouldRunLayer1Scan(now) {
		for _, issue := range c.monitor.RunLayer1Scan(now, lookup, content) {
			c.publishIssue(issue)
		}
	}
	if c.monitor.ShouldRunLayer1cSweep(now) {
		for _, issue := range c.monitor.RunLayer1cSweep(now, lister, content) {
			c.publishIssue(issue)
		}
		for _, issue := range c.monitor.RunLayer2Review(content) {
			c.publishIssue(issue)
		}
	}
}

// onDecisionTerminal broadcasts the terminal transition and, when a
// resolution exists, forwards it to the agent's plugin and unparks the
// agent.
func (c *Coordinator) onDecisionTerminal(decisionID string, item *decisions.Queued) {
	c.hub.Broadcast(hub.NewDecisionResolved(decisionID, string(item.Status), item.Resolution))

	if item.Resolution == nil {
		return
	}
	handle, plugin, ok := c.registry.Get(item.Event.AgentID)
	if !ok {
		return
	}
	if handle.Status == registry.StatusWaitingOnHuman {
		c.setAgentStatus(context.Background(), handle.ID, registry.StatusRunning)
	}
	if plugin == nil {
		return
	}
	res := *item.Resolution
	c.background(func() {
		if err := plugin.ResolveDecision(context.Background(), handle, decisionID, res); err != nil {
			c.logger.Warn("decision forward failed",
				"agent_id", handle.ID,
				"decision_id", decisionID,
				"error", err,
			)
		}
	})
}

// Resolve applies a human resolution: queue transition, trust outcome for
// tool approvals, and an audit entry. The plugin notification and client
// broadcast ride on the queue's terminal observer.
func (c *Coordinator) Resolve(ctx context.Context, decisionID string, res decisions.Resolution) (*decisions.Queued, error) {
	item, err := c.queue.Resolve(decisionID, res)
	if err != nil {
		return nil, err
	}

	if outcome, ok := resolutionOutcome(item.Event, res); ok {
		change := c.trust.ApplyOutcome(item.Event.AgentID, outcome, c.ticks.Current(), trust.OutcomeContext{})
		c.broadcastTrust(change)
	}

	ctx = observability.AddAgentID(ctx, item.Event.AgentID)
	ctx = observability.AddDecisionID(ctx, decisionID)
	if err := c.store.AppendAuditLog(ctx, "decision", item.Event.AgentID, "resolve", decisionID, res); err != nil {
		observability.WithContext(ctx, c.logger).Error("audit append failed", "error", err)
	}
	return item, nil
}

// resolutionOutcome maps a human resolution to a trust outcome, when one
// applies.
func resolutionOutcome(ev *events.DecisionEvent, res decisions.Resolution) (trust.Outcome, bool) {
	if ev.Subtype == events.DecisionToolApproval {
		switch res.Action {
		case decisions.ApprovalApprove, decisions.ApprovalModify:
			if res.AlwaysApprove {
				return trust.OutcomeHumanApprovesAlways, true
			}
			return trust.OutcomeHumanApprovesRecommendation, true
		case decisions.ApprovalReject:
			return trust.OutcomeHumanRejectsToolCall, true
		}
		return "", false
	}
	if ev.RecommendedOptionID != "" && res.ChosenOptionID == ev.RecommendedOptionID {
		return trust.OutcomeHumanApprovesRecommendation, true
	}
	return "", false
}

// Spawn starts an agent through a registered plugin and records it
// everywhere: registry, knowledge store, trust engine.
func (c *Coordinator) Spawn(ctx context.Context, pluginName string, brief registry.Brief) (*registry.Handle, error) {
	c.mu.Lock()
	plugin, ok := c.plugins[pluginName]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlugin, pluginName)
	}

	var handle *registry.Handle
	err := c.registry.WithAgentLock(brief.AgentID, func() error {
		h, err := plugin.Spawn(ctx, brief)
		if err != nil {
			return fmt.Errorf("spawn %s: %w", brief.AgentID, err)
		}
		if err := c.registry.Register(h, plugin); err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.knownAgents[handle.ID] = struct{}{}
	if brief.Workstream != "" {
		c.workstreams[handle.ID] = brief.Workstream
	}
	c.mu.Unlock()

	if err := c.store.RegisterAgent(ctx, knowledge.AgentRecord{
		ID:         handle.ID,
		PluginName: handle.PluginName,
		Status:     string(handle.Status),
		SessionID:  handle.SessionID,
	}); err != nil {
		c.logger.Error("agent record create failed", "agent_id", handle.ID, "error", err)
	}
	c.trust.RegisterAgent(handle.ID, 0)
	c.audit(ctx, "agent", "operator", "spawn", handle.ID, brief)
	return handle, nil
}

// Kill terminates an agent, triages its pending decisions immediately, and
// removes it from the registry and store.
func (c *Coordinator) Kill(ctx context.Context, agentID string, opts registry.KillOptions) (registry.KillResult, error) {
	handle, plugin, ok := c.registry.Get(agentID)
	if !ok {
		return registry.KillResult{}, fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}

	var result registry.KillResult
	err := c.registry.WithAgentLock(agentID, func() error {
		if plugin == nil {
			return nil
		}
		r, err := plugin.Kill(ctx, handle, opts)
		result = r
		return err
	})
	if err != nil {
		return result, fmt.Errorf("kill %s: %w", agentID, err)
	}

	c.queue.HandleAgentKilled(agentID)
	c.dropAgent(ctx, agentID)
	c.audit(ctx, "agent", "operator", "kill", agentID, result)
	return result, nil
}

// AssignWork resumes an idle agent from its latest checkpoint with a new
// brief. Agents without a checkpoint cannot be assigned.
func (c *Coordinator) AssignWork(ctx context.Context, agentID string, brief registry.Brief) error {
	handle, plugin, ok := c.registry.Get(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrAgentNotFound, agentID)
	}
	state, ok := c.checkpoints.GetLatestCheckpoint(agentID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointRequired, agentID)
	}

	err := c.registry.WithAgentLock(agentID, func() error {
		resumed, err := plugin.Resume(ctx, state)
		if err != nil {
			return fmt.Errorf("resume %s: %w", agentID, err)
		}
		if resumed != nil {
			handle.SessionID = resumed.SessionID
			c.registry.SetSessionID(agentID, resumed.SessionID)
		}
		changes := map[string]any{"instructions": brief.Instructions}
		if brief.Workstream != "" {
			changes["workstream"] = brief.Workstream
		}
		if err := plugin.UpdateBrief(ctx, handle, changes); err != nil {
			return fmt.Errorf("update brief for %s: %w", agentID, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	c.setAgentStatus(ctx, agentID, registry.StatusRunning)
	c.mu.Lock()
	delete(c.idleSince, agentID)
	if brief.Workstream != "" {
		c.workstreams[agentID] = brief.Workstream
	}
	c.mu.Unlock()
	c.audit(ctx, "agent", "operator", "assign", agentID, brief)
	return nil
}

// EngageBrake stops the agents in scope: pause behavior checkpoints and
// suspends them, kill behavior terminates them. Only one brake may be
// engaged at a time.
func (c *Coordinator) EngageBrake(ctx context.Context, b Brake) error {
	if b.Behavior == "" {
		b.Behavior = BrakeBehaviorPause
	}
	if b.EngagedAt.IsZero() {
		b.EngagedAt = time.Now().UTC()
	}
	if b.ReleaseCondition == nil {
		b.ReleaseCondition = &ReleaseCondition{Type: ReleaseManual}
	}

	c.mu.Lock()
	if c.brake != nil {
		c.mu.Unlock()
		return ErrBrakeEngaged
	}
	c.brake = &b
	c.mu.Unlock()

	for _, handle := range c.affectedAgents(b.Scope) {
		agentID := handle.ID
		if b.Behavior == BrakeBehaviorKill {
			if _, err := c.Kill(ctx, agentID, registry.KillOptions{Grace: true}); err != nil {
				c.logger.Warn("brake kill failed", "agent_id", agentID, "error", err)
			}
			continue
		}
		c.pauseAgent(ctx, agentID)
	}

	c.hub.Broadcast(hub.NewBrake(true, b))
	c.audit(ctx, "brake", b.InitiatedBy, "engage", "", b)
	return nil
}

func (c *Coordinator) pauseAgent(ctx context.Context, agentID string) {
	handle, plugin, ok := c.registry.Get(agentID)
	if !ok {
		return
	}
	err := c.registry.WithAgentLock(agentID, func() error {
		if plugin == nil {
			return nil
		}
		state, err := plugin.Pause(ctx, handle)
		if err != nil {
			return err
		}
		state.SerializedBy = checkpoints.ReasonPause
		c.checkpoints.StoreCheckpoint(state, "")
		return nil
	})
	if err != nil {
		c.logger.Warn("brake pause failed", "agent_id", agentID, "error", err)
	}
	c.setAgentStatus(ctx, agentID, registry.StatusPaused)
	c.queue.SuspendAgentDecisions(agentID)
}

// ReleaseBrake resumes every paused agent in the brake's scope, from its
// checkpoint when one exists.
func (c *Coordinator) ReleaseBrake(ctx context.Context) error {
	c.mu.Lock()
	b := c.brake
	c.brake = nil
	c.mu.Unlock()
	if b == nil {
		return ErrBrakeNotEngaged
	}

	for _, handle := range c.affectedAgents(b.Scope) {
		if handle.Status != registry.StatusPaused {
			continue
		}
		c.resumeAgent(ctx, handle.ID)
	}

	c.hub.Broadcast(hub.NewBrake(false, b))
	c.audit(ctx, "brake", b.InitiatedBy, "release", "", b)
	return nil
}

func (c *Coordinator) resumeAgent(ctx context.Context, agentID string) {
	_, plugin, ok := c.registry.Get(agentID)
	if !ok {
		return
	}
	err := c.registry.WithAgentLock(agentID, func() error {
		state, has := c.checkpoints.GetLatestCheckpoint(agentID)
		if !has || plugin == nil {
			return nil
		}
		resumed, err := plugin.Resume(ctx, state)
		if err != nil {
			return err
		}
		if resumed != nil {
			c.registry.SetSessionID(agentID, resumed.SessionID)
		}
		return nil
	})
	if err != nil {
		c.logger.Warn("brake resume failed", "agent_id", agentID, "error", err)
	}
	c.setAgentStatus(ctx, agentID, registry.StatusRunning)
	c.queue.ResumeAgentDecisions(agentID)
}

// affectedAgents resolves a brake scope against the live registry.
func (c *Coordinator) affectedAgents(scope BrakeScope) []registry.Handle {
	handles := c.registry.List()
	switch scope.Type {
	case "agent":
		for _, h := range handles {
			if h.ID == scope.AgentID {
				return []registry.Handle{h}
			}
		}
		return nil
	case "workstream":
		c.mu.Lock()
		defer c.mu.Unlock()
		var out []registry.Handle
		for _, h := range handles {
			if c.workstreams[h.ID] == scope.Workstream {
				out = append(out, h)
			}
		}
		return out
	default:
		return handles
	}
}

// BrakeEngaged reports the active brake, if any.
func (c *Coordinator) BrakeEngaged() (Brake, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.brake == nil {
		return Brake{}, false
	}
	return *c.brake, true
}

// StateSync assembles the connect-time state_sync message: the knowledge
// snapshot, live handles, trust scores, and the control mode.
func (c *Coordinator) StateSync() *hub.StateSyncMessage {
	snap, err := c.store.GetSnapshot(context.Background())
	if err != nil {
		c.logger.Error("snapshot failed", "error", err)
	}

	scores := make(map[string]int)
	for agentID, score := range c.trust.Scores() {
		scores[agentID] = int(math.Round(score))
	}

	mode := ControlModeNormal
	c.mu.Lock()
	if c.brake != nil {
		mode = ControlModeBraked
	}
	c.mu.Unlock()

	return hub.NewStateSync(snap, c.registry.List(), scores, mode)
}

// flushTrust moves an agent's accumulated trust outcomes into the audit log.
func (c *Coordinator) flushTrust(ctx context.Context, agentID string) {
	outcomes := c.trust.FlushDomainLog(agentID)
	if len(outcomes) == 0 {
		return
	}
	if err := c.store.AppendAuditLog(ctx, "trust", agentID, "outcomes", "", outcomes); err != nil {
		c.logger.Error("trust flush failed", "agent_id", agentID, "error", err)
	}
}

func (c *Coordinator) audit(ctx context.Context, kind, subject, action, target string, payload any) {
	if err := c.store.AppendAuditLog(ctx, kind, subject, action, target, payload); err != nil {
		c.logger.Error("audit append failed", "action", action, "error", err)
	}
}

func (c *Coordinator) background(fn func()) {
	c.bg.Add(1)
	go func() {
		defer c.bg.Done()
		fn()
	}()
}

// Shutdown stops the clock, closes client sockets, drains background work,
// and finally closes the store. It respects ctx while draining.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.ticks.Stop()
	c.hub.Close()

	drained := make(chan struct{})
	go func() {
		c.bg.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		c.logger.Warn("shutdown drain timed out")
	}
	return c.store.Close()
}

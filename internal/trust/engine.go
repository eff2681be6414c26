// Package trust maintains a per-agent trust score shifted by discrete,
// named outcomes. Scores live on [0,100]; every applied outcome is recorded
// in a per-agent domain log that the coordinator periodically flushes to the
// audit log.
package trust

import (
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/conductor/internal/events"
)

// Outcome names a discrete event that shifts an agent's trust score.
type Outcome string

const (
	OutcomeTaskCompletedClean          Outcome = "task_completed_clean"
	OutcomeTaskCompletedPartial        Outcome = "task_completed_partial"
	OutcomeTaskAbandonedOrMaxTurns     Outcome = "task_abandoned_or_max_turns"
	OutcomeHumanApprovesRecommendation Outcome = "human_approves_recommendation"
	OutcomeHumanApprovesAlways         Outcome = "human_approves_always"
	OutcomeHumanRejectsToolCall        Outcome = "human_rejects_tool_call"
	OutcomeErrorEvent                  Outcome = "error_event"
)

// ToolCategory buckets tools by how destructive they can be.
type ToolCategory string

const (
	ToolCategoryRead    ToolCategory = "read"
	ToolCategoryWrite   ToolCategory = "write"
	ToolCategoryExecute ToolCategory = "execute"
)

// ClassifyTool heuristically buckets a tool by name. Unknown tools are
// treated as writes: not as safe as reads, not as destructive as execution.
func ClassifyTool(name string) ToolCategory {
	lower := strings.ToLower(name)
	for _, marker := range []string{"exec", "run", "shell", "bash", "deploy", "spawn"} {
		if strings.Contains(lower, marker) {
			return ToolCategoryExecute
		}
	}
	for _, marker := range []string{"read", "get", "list", "search", "fetch", "view", "query"} {
		if strings.Contains(lower, marker) {
			return ToolCategoryRead
		}
	}
	return ToolCategoryWrite
}

// Deltas configures the score shift per outcome. The error-event delta is
// indexed by tool category.
type Deltas struct {
	TaskCompletedClean          float64
	TaskCompletedPartial        float64
	TaskAbandonedOrMaxTurns     float64
	HumanApprovesRecommendation float64
	HumanApprovesAlways         float64
	HumanRejectsToolCall        float64
	ErrorByCategory             map[ToolCategory]float64
}

// DefaultDeltas returns the stock outcome table.
func DefaultDeltas() Deltas {
	return Deltas{
		TaskCompletedClean:          3,
		TaskCompletedPartial:        1,
		TaskAbandonedOrMaxTurns:     -2,
		HumanApprovesRecommendation: 2,
		HumanApprovesAlways:         3,
		HumanRejectsToolCall:        -2,
		ErrorByCategory: map[ToolCategory]float64{
			ToolCategoryRead:    -1,
			ToolCategoryWrite:   -2,
			ToolCategoryExecute: -3,
		},
	}
}

// DefaultInitialScore is the score agents start with.
const DefaultInitialScore = 50.0

// OutcomeContext carries the domain breadth of an outcome: which artifact
// kinds and workstreams it touched, and (for errors) the tool category.
type OutcomeContext struct {
	ArtifactKinds []events.ArtifactKind `json:"artifactKinds,omitempty"`
	Workstreams   []string              `json:"workstreams,omitempty"`
	ToolCategory  ToolCategory          `json:"toolCategory,omitempty"`
}

// DomainOutcome is one applied outcome recorded for the audit log.
type DomainOutcome struct {
	Outcome Outcome        `json:"outcome"`
	Tick    int64          `json:"tick"`
	Delta   float64        `json:"delta"`
	Context OutcomeContext `json:"context"`
}

// Change describes the effect of an applied outcome.
type Change struct {
	AgentID       string
	PreviousScore float64
	NewScore      float64
	Delta         float64
	Reason        Outcome
}

// Changed reports whether the stored score actually moved.
func (c Change) Changed() bool { return c.PreviousScore != c.NewScore }

type profile struct {
	score           float64
	lastUpdatedTick int64
	domainLog       []DomainOutcome
}

// Engine holds per-agent trust profiles.
type Engine struct {
	mu           sync.Mutex
	profiles     map[string]*profile
	deltas       Deltas
	initialScore float64
	logger       *slog.Logger
}

// NewEngine creates a trust engine with the given delta table and initial
// score. An initialScore outside [0,100] selects the default of 50.
func NewEngine(deltas Deltas, initialScore float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if initialScore < 0 || initialScore > 100 {
		initialScore = DefaultInitialScore
	}
	if deltas.ErrorByCategory == nil {
		deltas.ErrorByCategory = DefaultDeltas().ErrorByCategory
	}
	return &Engine{
		profiles:     make(map[string]*profile),
		deltas:       deltas,
		initialScore: initialScore,
		logger:       logger,
	}
}

// RegisterAgent creates a profile at the initial score plus initialDelta
// (clamped). Re-registering an existing agent is a no-op.
func (e *Engine) RegisterAgent(agentID string, initialDelta float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.profiles[agentID]; ok {
		return
	}
	e.profiles[agentID] = &profile{score: clamp(e.initialScore + initialDelta)}
}

// GetScore returns the agent's score, registering it on first sight.
func (e *Engine) GetScore(agentID string) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.profileLocked(agentID).score
}

func (e *Engine) profileLocked(agentID string) *profile {
	p, ok := e.profiles[agentID]
	if !ok {
		p = &profile{score: clamp(e.initialScore)}
		e.profiles[agentID] = p
	}
	return p
}

// ApplyOutcome shifts the agent's score per the delta table, clamps it to
// [0,100], and records the outcome in the agent's domain log.
func (e *Engine) ApplyOutcome(agentID string, outcome Outcome, tick int64, ctx OutcomeContext) Change {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := e.profileLocked(agentID)
	delta := e.deltaFor(outcome, ctx)

	previous := p.score
	p.score = clamp(p.score + delta)
	p.lastUpdatedTick = tick
	p.domainLog = append(p.domainLog, DomainOutcome{
		Outcome: outcome,
		Tick:    tick,
		Delta:   delta,
		Context: ctx,
	})

	change := Change{
		AgentID:       agentID,
		PreviousScore: previous,
		NewScore:      p.score,
		Delta:         delta,
		Reason:        outcome,
	}
	if change.Changed() {
		e.logger.Debug("trust score updated",
			"agent_id", agentID,
			"outcome", string(outcome),
			"previous", previous,
			"new", p.score,
		)
	}
	return change
}

func (e *Engine) deltaFor(outcome Outcome, ctx OutcomeContext) float64 {
	switch outcome {
	case OutcomeTaskCompletedClean:
		return e.deltas.TaskCompletedClean
	case OutcomeTaskCompletedPartial:
		return e.deltas.TaskCompletedPartial
	case OutcomeTaskAbandonedOrMaxTurns:
		return e.deltas.TaskAbandonedOrMaxTurns
	case OutcomeHumanApprovesRecommendation:
		return e.deltas.HumanApprovesRecommendation
	case OutcomeHumanApprovesAlways:
		return e.deltas.HumanApprovesAlways
	case OutcomeHumanRejectsToolCall:
		return e.deltas.HumanRejectsToolCall
	case OutcomeErrorEvent:
		category := ctx.ToolCategory
		if category == "" {
			category = ToolCategoryWrite
		}
		return e.deltas.ErrorByCategory[category]
	default:
		return 0
	}
}

// FlushDomainLog drains and returns the agent's recorded outcomes.
func (e *Engine) FlushDomainLog(agentID string) []DomainOutcome {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.profiles[agentID]
	if !ok || len(p.domainLog) == 0 {
		return nil
	}
	out := p.domainLog
	p.domainLog = nil
	return out
}

// Scores returns a snapshot of all known agent scores.
func (e *Engine) Scores() map[string]float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]float64, len(e.profiles))
	for id, p := range e.profiles {
		out[id] = p.score
	}
	return out
}

// Remove drops an agent's profile.
func (e *Engine) Remove(agentID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.profiles, agentID)
}

func clamp(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

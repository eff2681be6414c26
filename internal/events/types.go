// Package events defines the agent event model for the Conductor control
// plane: the tagged AgentEvent union, the EventEnvelope that wraps every
// event with ingestion metadata, JSON encoding for both, and schema
// validation with a quarantine for payloads that fail it.
package events

import (
	"encoding/json"
	"time"
)

// Type discriminates the AgentEvent union.
type Type string

const (
	TypeStatus      Type = "status"
	TypeDecision    Type = "decision"
	TypeArtifact    Type = "artifact"
	TypeCoherence   Type = "coherence"
	TypeToolCall    Type = "tool_call"
	TypeCompletion  Type = "completion"
	TypeError       Type = "error"
	TypeDelegation  Type = "delegation"
	TypeGuardrail   Type = "guardrail"
	TypeLifecycle   Type = "lifecycle"
	TypeProgress    Type = "progress"
	TypeRawProvider Type = "raw_provider"
)

// Types lists every event type the control plane understands.
func Types() []Type {
	return []Type{
		TypeStatus, TypeDecision, TypeArtifact, TypeCoherence,
		TypeToolCall, TypeCompletion, TypeError, TypeDelegation,
		TypeGuardrail, TypeLifecycle, TypeProgress, TypeRawProvider,
	}
}

// Severity grades decisions, errors, and coherence issues.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityWarning  Severity = "warning"
)

// AgentEvent is the tagged union of everything an agent can report.
// Every case carries the id of the agent that produced it.
type AgentEvent interface {
	Type() Type
	Agent() string
}

// StatusEvent is an informational progress note from an agent.
type StatusEvent struct {
	AgentID string `json:"agentId"`
	Message string `json:"message"`
	Tick    *int64 `json:"tick,omitempty"`
}

func (e *StatusEvent) Type() Type    { return TypeStatus }
func (e *StatusEvent) Agent() string { return e.AgentID }

// DecisionSubtype distinguishes option decisions from tool approvals.
type DecisionSubtype string

const (
	DecisionOption       DecisionSubtype = "option"
	DecisionToolApproval DecisionSubtype = "tool_approval"
)

// DecisionOptionChoice is one selectable answer on an option decision.
type DecisionOptionChoice struct {
	ID          string `json:"id"`
	Label       string `json:"label"`
	Description string `json:"description,omitempty"`
}

// DecisionEvent asks a human to decide something before the agent proceeds.
// Subtype selects which field group applies: option decisions carry the
// options list, tool approvals carry the tool name and arguments.
type DecisionEvent struct {
	AgentID    string          `json:"agentId"`
	Subtype    DecisionSubtype `json:"subtype"`
	DecisionID string          `json:"decisionId"`

	// Option decision fields.
	Title               string                 `json:"title,omitempty"`
	Summary             string                 `json:"summary,omitempty"`
	Severity            Severity               `json:"severity,omitempty"`
	Confidence          float64                `json:"confidence,omitempty"`
	BlastRadius         string                 `json:"blastRadius,omitempty"`
	Options             []DecisionOptionChoice `json:"options,omitempty"`
	RecommendedOptionID string                 `json:"recommendedOptionId,omitempty"`
	AffectedArtifactIDs []string               `json:"affectedArtifactIds,omitempty"`
	RequiresRationale   bool                   `json:"requiresRationale,omitempty"`

	// Tool approval fields.
	ToolName string         `json:"toolName,omitempty"`
	ToolArgs map[string]any `json:"toolArgs,omitempty"`

	DueByTick *int64 `json:"dueByTick,omitempty"`
}

func (e *DecisionEvent) Type() Type    { return TypeDecision }
func (e *DecisionEvent) Agent() string { return e.AgentID }

// ArtifactKind categorises what an artifact is.
type ArtifactKind string

const (
	ArtifactCode     ArtifactKind = "code"
	ArtifactDocument ArtifactKind = "document"
	ArtifactDesign   ArtifactKind = "design"
	ArtifactConfig   ArtifactKind = "config"
	ArtifactTest     ArtifactKind = "test"
	ArtifactOther    ArtifactKind = "other"
)

// ArtifactStatus is the review state of an artifact.
type ArtifactStatus string

const (
	ArtifactDraft    ArtifactStatus = "draft"
	ArtifactInReview ArtifactStatus = "in_review"
	ArtifactApproved ArtifactStatus = "approved"
	ArtifactRejected ArtifactStatus = "rejected"
)

// Provenance records where an artifact came from.
type Provenance struct {
	CreatedBy         string    `json:"createdBy"`
	CreatedAt         time.Time `json:"createdAt"`
	SourcePath        string    `json:"sourcePath,omitempty"`
	SourceArtifactIDs []string  `json:"sourceArtifactIds,omitempty"`
}

// ArtifactEvent announces a produced or updated artifact.
type ArtifactEvent struct {
	AgentID      string         `json:"agentId"`
	ArtifactID   string         `json:"artifactId"`
	Name         string         `json:"name"`
	Kind         ArtifactKind   `json:"kind"`
	Workstream   string         `json:"workstream"`
	Status       ArtifactStatus `json:"status"`
	QualityScore float64        `json:"qualityScore"`
	Provenance   Provenance     `json:"provenance"`
}

func (e *ArtifactEvent) Type() Type    { return TypeArtifact }
func (e *ArtifactEvent) Agent() string { return e.AgentID }

// CoherenceCategory names the kind of cross-agent conflict detected.
type CoherenceCategory string

const (
	CoherenceContradiction       CoherenceCategory = "contradiction"
	CoherenceDuplication         CoherenceCategory = "duplication"
	CoherenceGap                 CoherenceCategory = "gap"
	CoherenceDependencyViolation CoherenceCategory = "dependency_violation"
)

// CoherenceEvent reports a conflict between artifacts. Coherence events are
// always synthetic: they are emitted by the coherence monitor, never by
// agents, and travel in envelopes with SourceSequence == SyntheticSequence.
type CoherenceEvent struct {
	AgentID             string            `json:"agentId"`
	IssueID             string            `json:"issueId"`
	Category            CoherenceCategory `json:"category"`
	Severity            Severity          `json:"severity"`
	Title               string            `json:"title"`
	Description         string            `json:"description"`
	AffectedWorkstreams []string          `json:"affectedWorkstreams"`
	AffectedArtifactIDs []string          `json:"affectedArtifactIds"`
}

func (e *CoherenceEvent) Type() Type    { return TypeCoherence }
func (e *CoherenceEvent) Agent() string { return e.AgentID }

// ToolCallEvent records a tool invocation by an agent.
type ToolCallEvent struct {
	AgentID  string         `json:"agentId"`
	CallID   string         `json:"callId,omitempty"`
	ToolName string         `json:"toolName"`
	ToolArgs map[string]any `json:"toolArgs,omitempty"`
}

func (e *ToolCallEvent) Type() Type    { return TypeToolCall }
func (e *ToolCallEvent) Agent() string { return e.AgentID }

// CompletionOutcome is how an agent run ended.
type CompletionOutcome string

const (
	OutcomeSuccess   CompletionOutcome = "success"
	OutcomePartial   CompletionOutcome = "partial"
	OutcomeAbandoned CompletionOutcome = "abandoned"
	OutcomeMaxTurns  CompletionOutcome = "max_turns"
)

// ProducedArtifact is a completion's reference to an artifact it produced.
type ProducedArtifact struct {
	ArtifactID string       `json:"artifactId"`
	Kind       ArtifactKind `json:"kind,omitempty"`
	Workstream string       `json:"workstream,omitempty"`
}

// CompletionEvent marks the end of an agent run.
type CompletionEvent struct {
	AgentID           string             `json:"agentId"`
	Summary           string             `json:"summary"`
	ArtifactsProduced []ProducedArtifact `json:"artifactsProduced,omitempty"`
	DecisionsNeeded   []string           `json:"decisionsNeeded,omitempty"`
	Outcome           CompletionOutcome  `json:"outcome"`
}

func (e *CompletionEvent) Type() Type    { return TypeCompletion }
func (e *CompletionEvent) Agent() string { return e.AgentID }

// ErrorContext carries optional detail about where an error happened.
type ErrorContext struct {
	ToolName string `json:"toolName,omitempty"`
}

// ErrorEvent reports an agent-side failure.
type ErrorEvent struct {
	AgentID     string        `json:"agentId"`
	Severity    Severity      `json:"severity"`
	Message     string        `json:"message"`
	Recoverable bool          `json:"recoverable"`
	Category    string        `json:"category"`
	Context     *ErrorContext `json:"context,omitempty"`
}

func (e *ErrorEvent) Type() Type    { return TypeError }
func (e *ErrorEvent) Agent() string { return e.AgentID }

// DelegationEvent records one agent handing a task to another.
type DelegationEvent struct {
	AgentID       string `json:"agentId"`
	TargetAgentID string `json:"targetAgentId"`
	Task          string `json:"task"`
}

func (e *DelegationEvent) Type() Type    { return TypeDelegation }
func (e *DelegationEvent) Agent() string { return e.AgentID }

// GuardrailEvent records a guardrail firing on agent output.
type GuardrailEvent struct {
	AgentID string `json:"agentId"`
	Rule    string `json:"rule"`
	Action  string `json:"action,omitempty"`
	Message string `json:"message,omitempty"`
}

func (e *GuardrailEvent) Type() Type    { return TypeGuardrail }
func (e *GuardrailEvent) Agent() string { return e.AgentID }

// LifecycleAction is a session-level transition reported by the runtime.
type LifecycleAction string

const (
	LifecycleStarted      LifecycleAction = "started"
	LifecyclePaused       LifecycleAction = "paused"
	LifecycleResumed      LifecycleAction = "resumed"
	LifecycleKilled       LifecycleAction = "killed"
	LifecycleCrashed      LifecycleAction = "crashed"
	LifecycleSessionStart LifecycleAction = "session_start"
	LifecycleSessionEnd   LifecycleAction = "session_end"
)

// LifecycleEvent reports an agent session transition.
type LifecycleEvent struct {
	AgentID string          `json:"agentId"`
	Action  LifecycleAction `json:"action"`
}

func (e *LifecycleEvent) Type() Type    { return TypeLifecycle }
func (e *LifecycleEvent) Agent() string { return e.AgentID }

// ProgressEvent reports incremental progress on the current task.
type ProgressEvent struct {
	AgentID string  `json:"agentId"`
	Percent float64 `json:"percent,omitempty"`
	Message string  `json:"message,omitempty"`
}

func (e *ProgressEvent) Type() Type    { return TypeProgress }
func (e *ProgressEvent) Agent() string { return e.AgentID }

// RawProviderEvent passes through an unmapped provider payload.
type RawProviderEvent struct {
	AgentID  string          `json:"agentId"`
	Provider string          `json:"provider,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

func (e *RawProviderEvent) Type() Type    { return TypeRawProvider }
func (e *RawProviderEvent) Agent() string { return e.AgentID }

package hub

import (
	"time"

	"github.com/haasonsaas/conductor/internal/events"
)

// Outbound message types. Inbound has no catalogue: the command plane is
// HTTP, the socket is broadcast-only.
const (
	MsgStateSync          = "state_sync"
	MsgEvent              = "event"
	MsgTrustUpdate        = "trust_update"
	MsgDecisionResolved   = "decision_resolved"
	MsgBrake              = "brake"
	MsgHugoStarted        = "hugo-started"
	MsgHugoStopped        = "hugo-stopped"
	MsgHugoError          = "hugo-error"
	MsgPipelineStart      = "pipeline-start"
	MsgPipelineOutput     = "pipeline-output"
	MsgPipelineComplete   = "pipeline-complete"
	MsgPipelineError      = "pipeline-error"
	MsgManifestChanged    = "manifest-changed"
	MsgFileChanged        = "file-changed"
	MsgHugoContentChanged = "hugo-content-changed"
)

// Message is anything the hub can broadcast. MessageType discriminates the
// wire payload and labels the send metric.
type Message interface {
	MessageType() string
}

// StateSyncMessage is the first message every client receives on connect.
type StateSyncMessage struct {
	Type         string         `json:"type"`
	Snapshot     any            `json:"snapshot"`
	ActiveAgents any            `json:"activeAgents"`
	TrustScores  map[string]int `json:"trustScores"`
	ControlMode  string         `json:"controlMode"`
}

func (m *StateSyncMessage) MessageType() string { return MsgStateSync }

// NewStateSync builds a connect-time state snapshot message.
func NewStateSync(snapshot, activeAgents any, trustScores map[string]int, controlMode string) *StateSyncMessage {
	return &StateSyncMessage{
		Type:         MsgStateSync,
		Snapshot:     snapshot,
		ActiveAgents: activeAgents,
		TrustScores:  trustScores,
		ControlMode:  controlMode,
	}
}

// EventMessage carries a classified envelope to clients.
type EventMessage struct {
	Type                string           `json:"type"`
	Workspace           string           `json:"workspace"`
	SecondaryWorkspaces []string         `json:"secondaryWorkspaces"`
	Envelope            *events.Envelope `json:"envelope"`
}

func (m *EventMessage) MessageType() string { return MsgEvent }

// TrustUpdateMessage announces an agent's trust score change.
type TrustUpdateMessage struct {
	Type          string `json:"type"`
	AgentID       string `json:"agentId"`
	PreviousScore int    `json:"previousScore"`
	NewScore      int    `json:"newScore"`
	Delta         int    `json:"delta"`
	Reason        string `json:"reason"`
}

func (m *TrustUpdateMessage) MessageType() string { return MsgTrustUpdate }

// NewTrustUpdate builds a trust score change broadcast.
func NewTrustUpdate(agentID string, previous, score, delta int, reason string) *TrustUpdateMessage {
	return &TrustUpdateMessage{
		Type:          MsgTrustUpdate,
		AgentID:       agentID,
		PreviousScore: previous,
		NewScore:      score,
		Delta:         delta,
		Reason:        reason,
	}
}

// DecisionResolvedMessage announces a decision reaching a terminal status.
type DecisionResolvedMessage struct {
	Type       string `json:"type"`
	DecisionID string `json:"decisionId"`
	Status     string `json:"status"`
	Resolution any    `json:"resolution,omitempty"`
}

func (m *DecisionResolvedMessage) MessageType() string { return MsgDecisionResolved }

// NewDecisionResolved builds a decision terminal-status broadcast.
func NewDecisionResolved(decisionID, status string, resolution any) *DecisionResolvedMessage {
	return &DecisionResolvedMessage{
		Type:       MsgDecisionResolved,
		DecisionID: decisionID,
		Status:     status,
		Resolution: resolution,
	}
}

// BrakeMessage announces a brake engage or release.
type BrakeMessage struct {
	Type    string `json:"type"`
	Engaged bool   `json:"engaged"`
	Brake   any    `json:"brake,omitempty"`
}

func (m *BrakeMessage) MessageType() string { return MsgBrake }

// NewBrake builds a brake state broadcast.
func NewBrake(engaged bool, brake any) *BrakeMessage {
	return &BrakeMessage{Type: MsgBrake, Engaged: engaged, Brake: brake}
}

// PipelineMessage covers the pipeline-* lifecycle: start, line-framed
// output, completion with exit code, and errors.
type PipelineMessage struct {
	Type     string `json:"type"`
	Pipeline string `json:"pipeline"`
	Stream   string `json:"stream,omitempty"`
	Line     string `json:"line,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (m *PipelineMessage) MessageType() string { return m.Type }

// NewPipelineStart announces a pipeline starting.
func NewPipelineStart(pipeline string) *PipelineMessage {
	return &PipelineMessage{Type: MsgPipelineStart, Pipeline: pipeline}
}

// NewPipelineOutput carries one line of pipeline stdout or stderr.
func NewPipelineOutput(pipeline, stream, line string) *PipelineMessage {
	return &PipelineMessage{Type: MsgPipelineOutput, Pipeline: pipeline, Stream: stream, Line: line}
}

// NewPipelineComplete announces a pipeline's exit.
func NewPipelineComplete(pipeline string, exitCode int) *PipelineMessage {
	return &PipelineMessage{Type: MsgPipelineComplete, Pipeline: pipeline, ExitCode: &exitCode}
}

// NewPipelineError announces a pipeline failure.
func NewPipelineError(pipeline string, err error) *PipelineMessage {
	msg := &PipelineMessage{Type: MsgPipelineError, Pipeline: pipeline}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// HugoMessage covers the hugo-* dev server lifecycle.
type HugoMessage struct {
	Type     string `json:"type"`
	URL      string `json:"url,omitempty"`
	ExitCode *int   `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

func (m *HugoMessage) MessageType() string { return m.Type }

// NewHugoStarted announces the dev server coming up.
func NewHugoStarted(url string) *HugoMessage {
	return &HugoMessage{Type: MsgHugoStarted, URL: url}
}

// NewHugoStopped announces the dev server's exit.
func NewHugoStopped(exitCode int) *HugoMessage {
	return &HugoMessage{Type: MsgHugoStopped, ExitCode: &exitCode}
}

// NewHugoError announces a dev server failure.
func NewHugoError(err error) *HugoMessage {
	msg := &HugoMessage{Type: MsgHugoError}
	if err != nil {
		msg.Error = err.Error()
	}
	return msg
}

// FileChangeMessage covers filesystem change notifications: generic file
// changes, content-tree changes, and per-slug manifest changes.
type FileChangeMessage struct {
	Type       string    `json:"type"`
	Path       string    `json:"path,omitempty"`
	Slug       string    `json:"slug,omitempty"`
	Op         string    `json:"op,omitempty"`
	AssetCount int       `json:"assetCount,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

func (m *FileChangeMessage) MessageType() string { return m.Type }

// NewFileChanged announces a watched file changing.
func NewFileChanged(path, op string) *FileChangeMessage {
	return &FileChangeMessage{Type: MsgFileChanged, Path: path, Op: op, Timestamp: time.Now().UTC()}
}

// NewHugoContentChanged announces a change under the content tree.
func NewHugoContentChanged(path, op string) *FileChangeMessage {
	return &FileChangeMessage{Type: MsgHugoContentChanged, Path: path, Op: op, Timestamp: time.Now().UTC()}
}

// NewManifestChanged announces a slug's asset manifest changing.
func NewManifestChanged(slug string, assetCount int) *FileChangeMessage {
	return &FileChangeMessage{Type: MsgManifestChanged, Slug: slug, AssetCount: assetCount, Timestamp: time.Now().UTC()}
}

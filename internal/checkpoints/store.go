// Package checkpoints stores opaque, plugin-specific serialisations of
// agent sessions in a bounded per-agent ring. Checkpoints back decision
// points, idle completions, and brake/resume cycles.
package checkpoints

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Reason records why a checkpoint was taken. The field is authoritative:
// callers may re-tag a state before storing it.
type Reason string

const (
	ReasonPause              Reason = "pause"
	ReasonKillGrace          Reason = "kill_grace"
	ReasonCrashRecovery      Reason = "crash_recovery"
	ReasonDecisionCheckpoint Reason = "decision_checkpoint"
	ReasonIdleCompletion     Reason = "idle_completion"
)

// DefaultMaxPerAgent bounds the per-agent ring.
const DefaultMaxPerAgent = 3

// State is one serialised agent session. Data is opaque to the control
// plane; only the plugin that produced it can resume from it.
type State struct {
	AgentID      string          `json:"agentId"`
	SessionID    string          `json:"sessionId,omitempty"`
	PluginName   string          `json:"pluginName,omitempty"`
	SerializedBy Reason          `json:"serializedBy"`
	DecisionID   string          `json:"decisionId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// Store keeps the N most recent checkpoints per agent, newest first.
type Store struct {
	mu          sync.Mutex
	byAgent     map[string][]State
	maxPerAgent int
	logger      *slog.Logger
}

// NewStore creates a checkpoint store. maxPerAgent <= 0 selects the default
// of 3.
func NewStore(maxPerAgent int, logger *slog.Logger) *Store {
	if maxPerAgent <= 0 {
		maxPerAgent = DefaultMaxPerAgent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		byAgent:     make(map[string][]State),
		maxPerAgent: maxPerAgent,
		logger:      logger,
	}
}

// StoreCheckpoint records a checkpoint, evicting the oldest when the
// per-agent ring is full. decisionID, when non-empty, tags the state with
// the decision that triggered it.
func (s *Store) StoreCheckpoint(state State, decisionID string) {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	if decisionID != "" {
		state.DecisionID = decisionID
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ring := append([]State{state}, s.byAgent[state.AgentID]...)
	if len(ring) > s.maxPerAgent {
		ring = ring[:s.maxPerAgent]
	}
	s.byAgent[state.AgentID] = ring

	s.logger.Debug("checkpoint stored",
		"agent_id", state.AgentID,
		"serialized_by", string(state.SerializedBy),
		"count", len(ring),
	)
}

// GetCheckpoints returns an agent's checkpoints, newest first.
func (s *Store) GetCheckpoints(agentID string) []State {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.byAgent[agentID]
	out := make([]State, len(ring))
	copy(out, ring)
	return out
}

// GetLatestCheckpoint returns the most recent checkpoint for an agent.
func (s *Store) GetLatestCheckpoint(agentID string) (State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ring := s.byAgent[agentID]
	if len(ring) == 0 {
		return State{}, false
	}
	return ring[0], true
}

// GetCheckpointCount returns how many checkpoints an agent has.
func (s *Store) GetCheckpointCount(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byAgent[agentID])
}

// DeleteCheckpoints removes all checkpoints for an agent and returns how
// many were removed.
func (s *Store) DeleteCheckpoints(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.byAgent[agentID])
	delete(s.byAgent, agentID)
	return n
}

package events

import (
	"encoding/json"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	tick := int64(12)
	tests := []struct {
		name  string
		event AgentEvent
	}{
		{
			name:  "status",
			event: &StatusEvent{AgentID: "agent-1", Message: "working", Tick: &tick},
		},
		{
			name: "option decision",
			event: &DecisionEvent{
				AgentID:    "agent-1",
				Subtype:    DecisionOption,
				DecisionID: "dec-1",
				Title:      "Pick a storage backend",
				Severity:   SeverityHigh,
				Confidence: 0.8,
				Options: []DecisionOptionChoice{
					{ID: "o1", Label: "sqlite"},
					{ID: "o2", Label: "postgres"},
				},
				RecommendedOptionID: "o1",
			},
		},
		{
			name: "tool approval decision",
			event: &DecisionEvent{
				AgentID:    "agent-2",
				Subtype:    DecisionToolApproval,
				DecisionID: "dec-2",
				ToolName:   "shell.exec",
				ToolArgs:   map[string]any{"cmd": "rm -rf build"},
			},
		},
		{
			name: "artifact",
			event: &ArtifactEvent{
				AgentID:    "agent-1",
				ArtifactID: "art-1",
				Name:       "config",
				Kind:       ArtifactConfig,
				Workstream: "infra",
				Status:     ArtifactDraft,
				Provenance: Provenance{
					CreatedBy:  "agent-1",
					CreatedAt:  time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
					SourcePath: "/config/shared.json",
				},
			},
		},
		{
			name: "completion",
			event: &CompletionEvent{
				AgentID: "agent-3",
				Summary: "done",
				Outcome: OutcomeSuccess,
				ArtifactsProduced: []ProducedArtifact{
					{ArtifactID: "art-9", Kind: ArtifactCode, Workstream: "backend"},
				},
			},
		},
		{
			name: "error",
			event: &ErrorEvent{
				AgentID:     "agent-3",
				Severity:    SeverityHigh,
				Message:     "tool failed",
				Recoverable: false,
				Category:    "tool",
				Context:     &ErrorContext{ToolName: "file.write"},
			},
		},
		{
			name:  "lifecycle",
			event: &LifecycleEvent{AgentID: "agent-4", Action: LifecycleStarted},
		},
		{
			name: "coherence",
			event: &CoherenceEvent{
				AgentID:             "system",
				IssueID:             "dup-abc",
				Category:            CoherenceDuplication,
				Severity:            SeverityHigh,
				Title:               "duplicate write to /config/shared.json",
				AffectedArtifactIDs: []string{"art-a", "art-b"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := &Envelope{
				SourceEventID:    "evt-" + tt.name,
				SourceSequence:   7,
				SourceOccurredAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
				RunID:            "run-1",
				IngestedAt:       time.Date(2026, 1, 2, 3, 4, 6, 0, time.UTC),
				Event:            tt.event,
			}

			data, err := json.Marshal(env)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}

			var decoded Envelope
			if err := json.Unmarshal(data, &decoded); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}

			if decoded.SourceEventID != env.SourceEventID {
				t.Errorf("sourceEventId = %q, want %q", decoded.SourceEventID, env.SourceEventID)
			}
			if decoded.Event.Type() != tt.event.Type() {
				t.Errorf("event type = %q, want %q", decoded.Event.Type(), tt.event.Type())
			}
			if decoded.Event.Agent() != tt.event.Agent() {
				t.Errorf("agent = %q, want %q", decoded.Event.Agent(), tt.event.Agent())
			}

			// Re-encoding must be stable.
			again, err := json.Marshal(&decoded)
			if err != nil {
				t.Fatalf("re-marshal: %v", err)
			}
			var a, b map[string]any
			if err := json.Unmarshal(data, &a); err != nil {
				t.Fatal(err)
			}
			if err := json.Unmarshal(again, &b); err != nil {
				t.Fatal(err)
			}
			if len(a) != len(b) {
				t.Errorf("re-encoded envelope has %d fields, want %d", len(b), len(a))
			}
		})
	}
}

func TestEnvelopeUnknownEventType(t *testing.T) {
	raw := []byte(`{
		"sourceEventId": "evt-1",
		"sourceSequence": 1,
		"sourceOccurredAt": "2026-01-02T03:04:05Z",
		"runId": "run-1",
		"event": {"type": "telepathy", "agentId": "agent-1"}
	}`)

	var env Envelope
	if err := json.Unmarshal(raw, &env); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}

func TestSyntheticEnvelope(t *testing.T) {
	env := NewSyntheticEnvelope("coherence-dup-1", &CoherenceEvent{
		AgentID: "system",
		IssueID: "dup-1",
	})

	if !env.Synthetic() {
		t.Error("expected synthetic envelope")
	}
	if env.SourceSequence != SyntheticSequence {
		t.Errorf("sequence = %d, want %d", env.SourceSequence, SyntheticSequence)
	}
	if env.RunID != "system" {
		t.Errorf("runId = %q, want system", env.RunID)
	}
}

package knowledge

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/haasonsaas/conductor/internal/events"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("", nil, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func statusEnvelope(id, agentID, runID string, seq int64) *events.Envelope {
	return &events.Envelope{
		SourceEventID:    id,
		SourceSequence:   seq,
		SourceOccurredAt: time.Now().UTC(),
		RunID:            runID,
		IngestedAt:       time.Now().UTC(),
		Event:            &events.StatusEvent{AgentID: agentID, Message: "working"},
	}
}

func testArtifact(agentID, artifactID, workstream string) *events.ArtifactEvent {
	return &events.ArtifactEvent{
		AgentID:    agentID,
		ArtifactID: artifactID,
		Name:       artifactID + ".md",
		Kind:       events.ArtifactDocument,
		Workstream: workstream,
		Status:     events.ArtifactDraft,
		Provenance: events.Provenance{CreatedBy: agentID, CreatedAt: time.Now().UTC()},
	}
}

func TestAppendAndListEvents(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		agent := "agent-a"
		if i%2 == 1 {
			agent = "agent-b"
		}
		env := statusEnvelope(fmt.Sprintf("evt-%d", i), agent, "run-1", int64(i))
		if err := s.AppendEvent(ctx, env); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	all, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("events = %d, want 5", len(all))
	}
	if all[0].SourceEventID != "evt-0" || all[4].SourceEventID != "evt-4" {
		t.Errorf("order = %s..%s, want oldest first", all[0].SourceEventID, all[4].SourceEventID)
	}

	byAgent, err := s.ListEvents(ctx, EventFilter{AgentID: "agent-b"})
	if err != nil {
		t.Fatalf("list by agent: %v", err)
	}
	if len(byAgent) != 2 {
		t.Errorf("agent-b events = %d, want 2", len(byAgent))
	}

	byType, err := s.ListEvents(ctx, EventFilter{Types: []events.Type{events.TypeStatus}})
	if err != nil {
		t.Fatalf("list by type: %v", err)
	}
	if len(byType) != 5 {
		t.Errorf("status events = %d, want 5", len(byType))
	}

	none, err := s.ListEvents(ctx, EventFilter{Types: []events.Type{events.TypeDecision}})
	if err != nil {
		t.Fatalf("list decisions: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("decision events = %d, want 0", len(none))
	}
}

func TestListEventsLimitBounds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 120; i++ {
		if err := s.AppendEvent(ctx, statusEnvelope(fmt.Sprintf("evt-%d", i), "agent-a", "run-1", int64(i))); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	defaulted, err := s.ListEvents(ctx, EventFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(defaulted) != DefaultEventLimit {
		t.Errorf("default limit = %d, want %d", len(defaulted), DefaultEventLimit)
	}

	capped, err := s.ListEvents(ctx, EventFilter{Limit: 10_000})
	if err != nil {
		t.Fatal(err)
	}
	if len(capped) > MaxEventLimit {
		t.Errorf("capped limit returned %d", len(capped))
	}
}

func TestEventFilterIsParameterised(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	hostile := "agent-a'; DROP TABLE events; --"
	if err := s.AppendEvent(ctx, statusEnvelope("evt-1", hostile, "run-1", 0)); err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := s.ListEvents(ctx, EventFilter{AgentID: hostile})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("events = %d, want the hostile id matched literally", len(got))
	}

	// The table must survive the attempt.
	if err := s.AppendEvent(ctx, statusEnvelope("evt-2", "agent-b", "run-1", 1)); err != nil {
		t.Errorf("append after hostile filter: %v", err)
	}
}

func TestArtifactUpsertAndListByWorkstream(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreArtifact(ctx, testArtifact("agent-a", "art-2", "ws-beta"))
	s.StoreArtifact(ctx, testArtifact("agent-a", "art-1", "ws-alpha"))
	s.StoreArtifact(ctx, testArtifact("agent-b", "art-3", "ws-alpha"))

	// Upsert keeps a single record per artifactId.
	updated := testArtifact("agent-a", "art-1", "ws-alpha")
	updated.Status = events.ArtifactApproved
	if err := s.StoreArtifact(ctx, updated); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	all, err := s.ListArtifacts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("artifacts = %d, want 3", len(all))
	}
	if all[0].Workstream != "ws-alpha" || all[2].Workstream != "ws-beta" {
		t.Errorf("not grouped by workstream: %s..%s", all[0].Workstream, all[2].Workstream)
	}

	got, err := s.GetArtifact(ctx, "art-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != events.ArtifactApproved {
		t.Errorf("status = %s, want upserted approved", got.Status)
	}

	if _, err := s.GetArtifact(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing artifact err = %v", err)
	}
}

func TestArtifactContentRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	content := []byte("# design\n\nbinary-ish \x00\x01 bytes")
	if err := s.StoreArtifactContent(ctx, "agent-a", "art-1", content, "text/markdown"); err != nil {
		t.Fatalf("store content: %v", err)
	}

	got, mime, err := s.GetArtifactContent(ctx, "agent-a", "art-1")
	if err != nil {
		t.Fatalf("get content: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Error("content bytes differ")
	}
	if mime != "text/markdown" {
		t.Errorf("mime = %q", mime)
	}

	// Overwrite is idempotent per key.
	if err := s.StoreArtifactContent(ctx, "agent-a", "art-1", []byte("v2"), "text/plain"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, mime, _ = s.GetArtifactContent(ctx, "agent-a", "art-1")
	if string(got) != "v2" || mime != "text/plain" {
		t.Errorf("after overwrite: %q %q", got, mime)
	}

	if _, _, err := s.GetArtifactContent(ctx, "agent-b", "art-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("other agent's key err = %v", err)
	}
}

func TestCoherenceIssueUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	issue := &events.CoherenceEvent{
		AgentID:  "system",
		IssueID:  "dup-1234",
		Category: events.CoherenceDuplication,
		Severity: events.SeverityHigh,
		Title:    "multiple agents writing /config/shared.json",
	}
	if err := s.StoreCoherenceIssue(ctx, issue); err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := s.StoreCoherenceIssue(ctx, issue); err != nil {
		t.Fatalf("re-store: %v", err)
	}

	got, err := s.ListCoherenceIssues(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("issues = %d, want 1 after upsert", len(got))
	}
	if got[0].IssueID != "dup-1234" {
		t.Errorf("issue = %+v", got[0])
	}
}

func TestAgentLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	record := AgentRecord{
		ID:         "agent-1",
		PluginName: "claude",
		Status:     "running",
		SessionID:  "sess-1",
		Metadata:   map[string]any{"workstream": "ws-alpha"},
	}
	if err := s.RegisterAgent(ctx, record); err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := s.UpdateAgentStatus(ctx, "agent-1", "idle"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := s.UpdateAgentStatus(ctx, "ghost", "idle"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown agent err = %v", err)
	}

	agents, err := s.ListAgents(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(agents) != 1 || agents[0].Status != "idle" {
		t.Fatalf("agents = %+v", agents)
	}
	if agents[0].Metadata["workstream"] != "ws-alpha" {
		t.Errorf("metadata = %v", agents[0].Metadata)
	}

	if err := s.RemoveAgent(ctx, "agent-1"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	agents, _ = s.ListAgents(ctx)
	if len(agents) != 0 {
		t.Errorf("agents after remove = %d", len(agents))
	}
}

func TestVersionStrictlyIncreases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v0 := s.Version()
	s.AppendEvent(ctx, statusEnvelope("evt-1", "agent-a", "run-1", 0))
	v1 := s.Version()
	s.StoreArtifact(ctx, testArtifact("agent-a", "art-1", "ws"))
	v2 := s.Version()
	s.AppendAuditLog(ctx, "decision", "human", "resolve", "dec-1", nil)
	v3 := s.Version()

	if !(v0 < v1 && v1 < v2 && v2 < v3) {
		t.Errorf("versions = %d %d %d %d, want strictly increasing", v0, v1, v2, v3)
	}

	// Reads do not advance the version.
	s.ListArtifacts(ctx)
	s.ListEvents(ctx, EventFilter{})
	if s.Version() != v3 {
		t.Errorf("version moved on read: %d != %d", s.Version(), v3)
	}
}

func TestSnapshotShape(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.StoreArtifact(ctx, testArtifact("agent-a", "art-1", "ws-alpha"))
	s.StoreArtifact(ctx, testArtifact("agent-b", "art-2", "ws-alpha"))
	s.StoreArtifact(ctx, testArtifact("agent-b", "art-3", "ws-beta"))
	s.RegisterAgent(ctx, AgentRecord{ID: "agent-a", PluginName: "claude", Status: "running"})
	s.StoreCoherenceIssue(ctx, &events.CoherenceEvent{AgentID: "system", IssueID: "dup-1", Category: events.CoherenceDuplication, Severity: events.SeverityHigh})
	s.SetPendingDecisionsProvider(func() []any { return []any{"dec-1"} })

	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Version != s.Version() {
		t.Errorf("snapshot version = %d, store = %d", snap.Version, s.Version())
	}
	if len(snap.Workstreams) != 2 {
		t.Errorf("workstreams = %+v", snap.Workstreams)
	}
	if snap.Workstreams[0].Name != "ws-alpha" || snap.Workstreams[0].ArtifactCount != 2 {
		t.Errorf("ws-alpha summary = %+v", snap.Workstreams[0])
	}
	if len(snap.ArtifactIndex) != 3 {
		t.Errorf("artifact index = %d", len(snap.ArtifactIndex))
	}
	if len(snap.ActiveAgents) != 1 {
		t.Errorf("active agents = %d", len(snap.ActiveAgents))
	}
	if len(snap.RecentCoherenceIssues) != 1 {
		t.Errorf("issues = %d", len(snap.RecentCoherenceIssues))
	}
	if len(snap.PendingDecisions) != 1 {
		t.Errorf("pending = %v", snap.PendingDecisions)
	}
	if snap.EstimatedTokens <= 0 {
		t.Error("estimatedTokens not computed")
	}
	if snap.GeneratedAt.IsZero() {
		t.Error("generatedAt not stamped")
	}
}

func TestAuditLogNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	s.AppendAuditLog(ctx, "trust", "agent-1", "outcome", "", map[string]any{"delta": 3})
	s.AppendAuditLog(ctx, "decision", "human", "resolve", "dec-1", nil)

	entries, err := s.ListAuditLog(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	if entries[0].Kind != "decision" || entries[1].Kind != "trust" {
		t.Errorf("order = %s, %s", entries[0].Kind, entries[1].Kind)
	}
	if entries[1].Payload == nil {
		t.Error("payload not stored")
	}
}

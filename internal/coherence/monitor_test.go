package coherence

import (
	"strings"
	"testing"

	"github.com/haasonsaas/conductor/internal/events"
)

func artifact(agentID, artifactID, sourcePath string) *events.ArtifactEvent {
	return &events.ArtifactEvent{
		AgentID:    agentID,
		ArtifactID: artifactID,
		Name:       artifactID,
		Kind:       events.ArtifactConfig,
		Workstream: "ws-" + agentID,
		Status:     events.ArtifactDraft,
		Provenance: events.Provenance{CreatedBy: agentID, SourcePath: sourcePath},
	}
}

func TestSharedPathAcrossAgentsConflicts(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)

	if issue := m.ProcessArtifact(artifact("agent-a", "art-a1", "/config/shared.json")); issue != nil {
		t.Fatalf("single writer produced issue: %+v", issue)
	}

	issue := m.ProcessArtifact(artifact("agent-b", "art-b1", "/config/shared.json"))
	if issue == nil {
		t.Fatal("expected duplication issue")
	}
	if issue.Category != events.CoherenceDuplication {
		t.Errorf("category = %q, want duplication", issue.Category)
	}
	if issue.Severity != events.SeverityHigh {
		t.Errorf("severity = %q, want high", issue.Severity)
	}
	if !strings.Contains(issue.Title, "/config/shared.json") {
		t.Errorf("title %q missing path", issue.Title)
	}

	got := map[string]bool{}
	for _, id := range issue.AffectedArtifactIDs {
		got[id] = true
	}
	if !got["art-a1"] || !got["art-b1"] {
		t.Errorf("affected artifacts = %v, want both art-a1 and art-b1", issue.AffectedArtifactIDs)
	}
}

func TestIssueIDStable(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)
	m.ProcessArtifact(artifact("agent-a", "art-a1", "/src/main.go"))
	first := m.ProcessArtifact(artifact("agent-b", "art-b1", "/src/main.go"))
	second := m.ProcessArtifact(artifact("agent-b", "art-b2", "/src/main.go"))

	if first == nil || second == nil {
		t.Fatal("expected issues on both detections")
	}
	if first.IssueID != second.IssueID {
		t.Errorf("issue ids differ: %q vs %q", first.IssueID, second.IssueID)
	}

	other := NewMonitor(DefaultConfig(), nil, nil)
	other.ProcessArtifact(artifact("agent-a", "x1", "/src/main.go"))
	cross := other.ProcessArtifact(artifact("agent-b", "x2", "/src/main.go"))
	if cross.IssueID != first.IssueID {
		t.Errorf("issue id not stable across monitors: %q vs %q", cross.IssueID, first.IssueID)
	}
}

func TestNoSourcePathNeverConflicts(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)
	if issue := m.ProcessArtifact(artifact("agent-a", "a1", "")); issue != nil {
		t.Errorf("unexpected issue: %+v", issue)
	}
	if issue := m.ProcessArtifact(artifact("agent-b", "b1", "")); issue != nil {
		t.Errorf("unexpected issue: %+v", issue)
	}
}

func TestSameAgentRewriteNeverConflicts(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)
	m.ProcessArtifact(artifact("agent-a", "a1", "/src/index.ts"))
	if issue := m.ProcessArtifact(artifact("agent-a", "a2", "/src/index.ts")); issue != nil {
		t.Errorf("same-agent rewrite produced issue: %+v", issue)
	}
}

func TestLayerScheduling(t *testing.T) {
	m := NewMonitor(Config{Layer1IntervalTicks: 10, Layer1cIntervalTicks: 40}, nil, nil)

	if m.ShouldRunLayer1Scan(5) {
		t.Error("layer 1 due too early")
	}
	if !m.ShouldRunLayer1Scan(10) {
		t.Error("layer 1 not due at interval")
	}
	m.RunLayer1Scan(10, nil, nil)
	if m.ShouldRunLayer1Scan(15) {
		t.Error("layer 1 due again right after a run")
	}
	if !m.ShouldRunLayer1Scan(20) {
		t.Error("layer 1 not due one interval after last run")
	}

	if m.ShouldRunLayer1cSweep(39) {
		t.Error("layer 1c due too early")
	}
	if !m.ShouldRunLayer1cSweep(40) {
		t.Error("layer 1c not due at interval")
	}
}

func TestLayer1cSweepDiscoversStoredConflicts(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)

	stored := []*events.ArtifactEvent{
		artifact("agent-a", "a1", "/docs/readme.md"),
		artifact("agent-b", "b1", "/docs/readme.md"),
		artifact("agent-c", "c1", "/other.md"),
	}
	issues := m.RunLayer1cSweep(200, func() []*events.ArtifactEvent { return stored }, nil)

	if len(issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(issues))
	}
	if issues[0].Category != events.CoherenceDuplication {
		t.Errorf("category = %q", issues[0].Category)
	}
	if len(m.GetDetectedIssues()) != 1 {
		t.Errorf("detected = %d, want 1", len(m.GetDetectedIssues()))
	}
}

func TestLayer1ScanFillsWorkstreams(t *testing.T) {
	m := NewMonitor(DefaultConfig(), nil, nil)
	arts := map[string]*events.ArtifactEvent{
		"a1": artifact("agent-a", "a1", "/config/app.yaml"),
		"b1": artifact("agent-b", "b1", "/config/app.yaml"),
	}
	m.ProcessArtifact(arts["a1"])
	m.ProcessArtifact(arts["b1"])

	issues := m.RunLayer1Scan(50, func(id string) (*events.ArtifactEvent, bool) {
		ev, ok := arts[id]
		return ev, ok
	}, nil)

	if len(issues) != 1 {
		t.Fatalf("issues = %d, want 1", len(issues))
	}
	if len(issues[0].AffectedWorkstreams) != 2 {
		t.Errorf("workstreams = %v, want 2", issues[0].AffectedWorkstreams)
	}
}

type stubReviewer struct {
	issues []*events.CoherenceEvent
}

func (s *stubReviewer) Review(ContentProvider) []*events.CoherenceEvent { return s.issues }

func TestLayer2Review(t *testing.T) {
	// Disabled or reviewer-less monitors run layer 2 as a no-op.
	m := NewMonitor(DefaultConfig(), nil, nil)
	if got := m.RunLayer2Review(nil); got != nil {
		t.Errorf("no-op review returned %v", got)
	}

	reviewer := &stubReviewer{issues: []*events.CoherenceEvent{{
		AgentID:  "system",
		IssueID:  "gap-1",
		Category: events.CoherenceGap,
		Severity: events.SeverityMedium,
	}}}
	enabled := NewMonitor(Config{EnableLayer2: true}, reviewer, nil)
	got := enabled.RunLayer2Review(nil)
	if len(got) != 1 || got[0].IssueID != "gap-1" {
		t.Errorf("review issues = %v", got)
	}
	if len(enabled.GetDetectedIssues()) != 1 {
		t.Error("reviewed issue not recorded")
	}
}

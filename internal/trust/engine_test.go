package trust

import (
	"testing"

	"github.com/haasonsaas/conductor/internal/events"
)

func TestInitialScore(t *testing.T) {
	e := NewEngine(DefaultDeltas(), 50, nil)
	if got := e.GetScore("agent-1"); got != 50 {
		t.Errorf("score = %v, want 50", got)
	}

	e.RegisterAgent("agent-2", 10)
	if got := e.GetScore("agent-2"); got != 60 {
		t.Errorf("score = %v, want 60", got)
	}

	// Re-registering must not reset.
	e.ApplyOutcome("agent-2", OutcomeTaskCompletedClean, 1, OutcomeContext{})
	e.RegisterAgent("agent-2", 0)
	if got := e.GetScore("agent-2"); got != 63 {
		t.Errorf("score after re-register = %v, want 63", got)
	}
}

func TestApplyOutcomeDeltas(t *testing.T) {
	tests := []struct {
		name    string
		outcome Outcome
		ctx     OutcomeContext
		want    float64
	}{
		{"clean completion", OutcomeTaskCompletedClean, OutcomeContext{}, 53},
		{"partial completion", OutcomeTaskCompletedPartial, OutcomeContext{}, 51},
		{"abandoned", OutcomeTaskAbandonedOrMaxTurns, OutcomeContext{}, 48},
		{"approve recommendation", OutcomeHumanApprovesRecommendation, OutcomeContext{}, 52},
		{"approve always", OutcomeHumanApprovesAlways, OutcomeContext{}, 53},
		{"reject tool call", OutcomeHumanRejectsToolCall, OutcomeContext{}, 48},
		{"read error", OutcomeErrorEvent, OutcomeContext{ToolCategory: ToolCategoryRead}, 49},
		{"write error", OutcomeErrorEvent, OutcomeContext{ToolCategory: ToolCategoryWrite}, 48},
		{"execute error", OutcomeErrorEvent, OutcomeContext{ToolCategory: ToolCategoryExecute}, 47},
		{"error without category defaults to write", OutcomeErrorEvent, OutcomeContext{}, 48},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(DefaultDeltas(), 50, nil)
			change := e.ApplyOutcome("agent-1", tt.outcome, 7, tt.ctx)
			if change.NewScore != tt.want {
				t.Errorf("new score = %v, want %v", change.NewScore, tt.want)
			}
			if change.PreviousScore != 50 {
				t.Errorf("previous = %v, want 50", change.PreviousScore)
			}
			if change.Reason != tt.outcome {
				t.Errorf("reason = %q, want %q", change.Reason, tt.outcome)
			}
		})
	}
}

func TestScoreClamped(t *testing.T) {
	e := NewEngine(DefaultDeltas(), 99, nil)
	for i := 0; i < 5; i++ {
		e.ApplyOutcome("high", OutcomeTaskCompletedClean, int64(i), OutcomeContext{})
	}
	if got := e.GetScore("high"); got != 100 {
		t.Errorf("score = %v, want 100", got)
	}

	low := NewEngine(DefaultDeltas(), 2, nil)
	for i := 0; i < 5; i++ {
		low.ApplyOutcome("low", OutcomeErrorEvent, int64(i), OutcomeContext{ToolCategory: ToolCategoryExecute})
	}
	if got := low.GetScore("low"); got != 0 {
		t.Errorf("score = %v, want 0", got)
	}
}

func TestClampedOutcomeReportsNoChange(t *testing.T) {
	e := NewEngine(DefaultDeltas(), 100, nil)
	change := e.ApplyOutcome("agent-1", OutcomeTaskCompletedClean, 1, OutcomeContext{})
	if change.Changed() {
		t.Errorf("expected no change at ceiling, got %+v", change)
	}
}

func TestFlushDomainLog(t *testing.T) {
	e := NewEngine(DefaultDeltas(), 50, nil)

	e.ApplyOutcome("agent-1", OutcomeTaskCompletedClean, 3, OutcomeContext{
		ArtifactKinds: []events.ArtifactKind{events.ArtifactCode},
		Workstreams:   []string{"backend"},
	})
	e.ApplyOutcome("agent-1", OutcomeErrorEvent, 5, OutcomeContext{ToolCategory: ToolCategoryWrite})

	log := e.FlushDomainLog("agent-1")
	if len(log) != 2 {
		t.Fatalf("log entries = %d, want 2", len(log))
	}
	if log[0].Outcome != OutcomeTaskCompletedClean || log[0].Tick != 3 {
		t.Errorf("first entry = %+v", log[0])
	}
	if len(log[0].Context.Workstreams) != 1 || log[0].Context.Workstreams[0] != "backend" {
		t.Errorf("first entry context = %+v", log[0].Context)
	}

	if again := e.FlushDomainLog("agent-1"); again != nil {
		t.Errorf("second flush = %v, want nil", again)
	}
	if e.FlushDomainLog("unknown") != nil {
		t.Error("unknown agent flush should be nil")
	}
}

func TestClassifyTool(t *testing.T) {
	tests := []struct {
		tool string
		want ToolCategory
	}{
		{"file.read", ToolCategoryRead},
		{"search_web", ToolCategoryRead},
		{"list_files", ToolCategoryRead},
		{"file.write", ToolCategoryWrite},
		{"update_record", ToolCategoryWrite},
		{"shell.exec", ToolCategoryExecute},
		{"run_tests", ToolCategoryExecute},
		{"bash", ToolCategoryExecute},
		{"deploy_service", ToolCategoryExecute},
		{"mystery_tool", ToolCategoryWrite},
	}
	for _, tt := range tests {
		if got := ClassifyTool(tt.tool); got != tt.want {
			t.Errorf("ClassifyTool(%q) = %q, want %q", tt.tool, got, tt.want)
		}
	}
}

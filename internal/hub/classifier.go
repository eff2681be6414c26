package hub

import (
	"github.com/haasonsaas/conductor/internal/events"
)

// Client-side workspaces events route to.
const (
	WorkspaceQueue    = "queue"
	WorkspaceMap      = "map"
	WorkspaceTimeline = "timeline"
)

// Classified is an envelope tagged with its workspace routing.
type Classified struct {
	Workspace           string
	SecondaryWorkspaces []string
	Envelope            *events.Envelope
}

// Classify assigns workspace routing for an envelope. Pure and
// deterministic: decisions go to the queue, artifacts and coherence issues
// to the map (severe coherence issues and critical errors also reach the
// queue), everything else to the timeline.
func Classify(env *events.Envelope) Classified {
	c := Classified{Workspace: WorkspaceTimeline, Envelope: env}

	switch ev := env.Event.(type) {
	case *events.DecisionEvent:
		c.Workspace = WorkspaceQueue
	case *events.ArtifactEvent:
		c.Workspace = WorkspaceMap
	case *events.CoherenceEvent:
		c.Workspace = WorkspaceMap
		if ev.Severity == events.SeverityHigh || ev.Severity == events.SeverityCritical {
			c.SecondaryWorkspaces = []string{WorkspaceQueue}
		}
	case *events.ErrorEvent:
		if ev.Severity == events.SeverityCritical {
			c.SecondaryWorkspaces = []string{WorkspaceQueue}
		}
	}
	return c
}

// Package coherence detects cross-agent conflicts on artifact writes.
//
// The monitor runs in layers. Layer 0 is the synchronous per-artifact check
// invoked from the artifact subscriber: two agents writing the same
// provenance.sourcePath is a duplication conflict. Layer 1 rescans known
// paths on a tick interval, layer 1c sweeps every stored artifact on a
// slower interval, and layer 2 defers to an externally configured reviewer
// that defaults to a no-op.
package coherence

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/events"
)

// Config tunes the monitor's periodic layers.
type Config struct {
	// Layer1IntervalTicks is how often the path rescan runs.
	Layer1IntervalTicks int64
	// Layer1cIntervalTicks is how often the full artifact sweep runs.
	Layer1cIntervalTicks int64
	// EnableLayer2 gates the external review layer. The layer itself is
	// externally configured; the monitor tolerates a no-op reviewer.
	EnableLayer2 bool
}

// DefaultConfig returns the stock layer intervals.
func DefaultConfig() Config {
	return Config{
		Layer1IntervalTicks:  50,
		Layer1cIntervalTicks: 200,
	}
}

// Reviewer is the externally configured layer-2 review hook.
type Reviewer interface {
	Review(contentProvider ContentProvider) []*events.CoherenceEvent
}

// ContentProvider fetches uploaded artifact content by (agent, artifact).
type ContentProvider func(agentID, artifactID string) ([]byte, string, bool)

// ArtifactLookup fetches a stored artifact event by id.
type ArtifactLookup func(artifactID string) (*events.ArtifactEvent, bool)

// ArtifactLister lists all stored artifact events.
type ArtifactLister func() []*events.ArtifactEvent

type pathClaim struct {
	// artifactByAgent maps each agent to its latest artifact id on the path.
	artifactByAgent map[string]string
	// order preserves first-seen agent order for deterministic output.
	order []string
}

// Monitor tracks artifact writes and detects conflicts.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	claims   map[string]*pathClaim
	detected map[string]*events.CoherenceEvent
	lastL1   int64
	lastL1c  int64
	reviewer Reviewer
	logger   *slog.Logger
}

// NewMonitor creates a monitor. reviewer may be nil; layer 2 is then a
// no-op regardless of config.
func NewMonitor(cfg Config, reviewer Reviewer, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Layer1IntervalTicks <= 0 {
		cfg.Layer1IntervalTicks = DefaultConfig().Layer1IntervalTicks
	}
	if cfg.Layer1cIntervalTicks <= 0 {
		cfg.Layer1cIntervalTicks = DefaultConfig().Layer1cIntervalTicks
	}
	return &Monitor{
		cfg:      cfg,
		claims:   make(map[string]*pathClaim),
		detected: make(map[string]*events.CoherenceEvent),
		reviewer: reviewer,
		logger:   logger,
	}
}

// GetConfig returns the monitor's configuration.
func (m *Monitor) GetConfig() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// ProcessArtifact records an artifact write and returns a coherence event if
// it conflicts with another agent's write to the same sourcePath. Artifacts
// without a sourcePath never conflict; an agent rewriting its own path never
// conflicts. The issue id is stable for a given path so downstream dedup by
// id holds across re-detections.
func (m *Monitor) ProcessArtifact(ev *events.ArtifactEvent) *events.CoherenceEvent {
	if ev == nil || ev.Provenance.SourcePath == "" {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	path := ev.Provenance.SourcePath
	claim, ok := m.claims[path]
	if !ok {
		claim = &pathClaim{artifactByAgent: make(map[string]string)}
		m.claims[path] = claim
	}
	if _, known := claim.artifactByAgent[ev.AgentID]; !known {
		claim.order = append(claim.order, ev.AgentID)
	}
	claim.artifactByAgent[ev.AgentID] = ev.ArtifactID

	return m.conflictLocked(path, claim)
}

// conflictLocked builds the duplication issue for a contested path, or nil.
func (m *Monitor) conflictLocked(path string, claim *pathClaim) *events.CoherenceEvent {
	if len(claim.artifactByAgent) < 2 {
		return nil
	}

	issueID := duplicationIssueID(path)
	artifactIDs := make([]string, 0, len(claim.order))
	for _, agentID := range claim.order {
		artifactIDs = append(artifactIDs, claim.artifactByAgent[agentID])
	}

	issue := &events.CoherenceEvent{
		AgentID:             "system",
		IssueID:             issueID,
		Category:            events.CoherenceDuplication,
		Severity:            events.SeverityHigh,
		Title:               fmt.Sprintf("multiple agents writing %s", path),
		Description:         fmt.Sprintf("agents %v produced artifacts from the same source path %s", claim.order, path),
		AffectedArtifactIDs: artifactIDs,
	}
	m.detected[issueID] = issue

	m.logger.Info("coherence conflict detected",
		"issue_id", issueID,
		"path", path,
		"agents", len(claim.order),
	)
	return issue
}

// duplicationIssueID derives a stable issue id from the contested path.
func duplicationIssueID(path string) string {
	sum := sha1.Sum([]byte(path))
	return "dup-" + hex.EncodeToString(sum[:8])
}

// ShouldRunLayer1Scan reports whether the path rescan is due at tick.
func (m *Monitor) ShouldRunLayer1Scan(tick int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tick-m.lastL1 >= m.cfg.Layer1IntervalTicks
}

// RunLayer1Scan revisits every contested path and returns the issues found.
// getArtifact refreshes workstream data for affected artifacts.
func (m *Monitor) RunLayer1Scan(tick int64, getArtifact ArtifactLookup, content ContentProvider) []*events.CoherenceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastL1 = tick

	var issues []*events.CoherenceEvent
	for path, claim := range m.claims {
		if issue := m.conflictLocked(path, claim); issue != nil {
			if getArtifact != nil {
				issue.AffectedWorkstreams = workstreamsFor(issue.AffectedArtifactIDs, getArtifact)
			}
			issues = append(issues, issue)
		}
	}
	return issues
}

// ShouldRunLayer1cSweep reports whether the full sweep is due at tick.
func (m *Monitor) ShouldRunLayer1cSweep(tick int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return tick-m.lastL1c >= m.cfg.Layer1cIntervalTicks
}

// RunLayer1cSweep rebuilds path claims from the full artifact listing. It
// catches artifacts that reached the store without passing through
// ProcessArtifact (e.g. after a restart).
func (m *Monitor) RunLayer1cSweep(tick int64, listArtifacts ArtifactLister, content ContentProvider) []*events.CoherenceEvent {
	var all []*events.ArtifactEvent
	if listArtifacts != nil {
		all = listArtifacts()
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastL1c = tick

	for _, ev := range all {
		if ev.Provenance.SourcePath == "" {
			continue
		}
		claim, ok := m.claims[ev.Provenance.SourcePath]
		if !ok {
			claim = &pathClaim{artifactByAgent: make(map[string]string)}
			m.claims[ev.Provenance.SourcePath] = claim
		}
		if _, known := claim.artifactByAgent[ev.AgentID]; !known {
			claim.order = append(claim.order, ev.AgentID)
		}
		claim.artifactByAgent[ev.AgentID] = ev.ArtifactID
	}

	var issues []*events.CoherenceEvent
	for path, claim := range m.claims {
		if issue := m.conflictLocked(path, claim); issue != nil {
			issues = append(issues, issue)
		}
	}
	sort.Slice(issues, func(i, j int) bool { return issues[i].IssueID < issues[j].IssueID })
	return issues
}

// RunLayer2Review invokes the external reviewer, if any.
func (m *Monitor) RunLayer2Review(content ContentProvider) []*events.CoherenceEvent {
	m.mu.Lock()
	reviewer := m.reviewer
	enabled := m.cfg.EnableLayer2
	m.mu.Unlock()

	if !enabled || reviewer == nil {
		return nil
	}
	issues := reviewer.Review(content)

	m.mu.Lock()
	for _, issue := range issues {
		m.detected[issue.IssueID] = issue
	}
	m.mu.Unlock()
	return issues
}

// GetDetectedIssues returns every issue the monitor has produced, ordered by
// issue id.
func (m *Monitor) GetDetectedIssues() []*events.CoherenceEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*events.CoherenceEvent, 0, len(m.detected))
	for _, issue := range m.detected {
		out = append(out, issue)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssueID < out[j].IssueID })
	return out
}

func workstreamsFor(artifactIDs []string, getArtifact ArtifactLookup) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, id := range artifactIDs {
		ev, ok := getArtifact(id)
		if !ok || ev.Workstream == "" {
			continue
		}
		if _, dup := seen[ev.Workstream]; dup {
			continue
		}
		seen[ev.Workstream] = struct{}{}
		out = append(out, ev.Workstream)
	}
	return out
}

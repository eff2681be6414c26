// Package knowledge is the authoritative state store for the control plane:
// the append-only event log, artifact records and content blobs, coherence
// issues, agent metadata, and the audit log, backed by SQLite.
package knowledge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/haasonsaas/conductor/internal/events"
	"github.com/haasonsaas/conductor/internal/observability"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrNotFound is returned by reads for unknown ids.
var ErrNotFound = errors.New("not found")

// Event listing bounds.
const (
	DefaultEventLimit = 100
	MaxEventLimit     = 1000
)

// AgentRecord is the store's view of a registered agent.
type AgentRecord struct {
	ID         string         `json:"id"`
	PluginName string         `json:"pluginName"`
	Status     string         `json:"status"`
	SessionID  string         `json:"sessionId,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	Kind      string          `json:"kind"`
	Subject   string          `json:"subject"`
	Action    string          `json:"action"`
	Target    string          `json:"target,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// EventFilter narrows ListEvents. Zero values match everything; Limit
// defaults to 100 and caps at 1000.
type EventFilter struct {
	AgentID string
	RunID   string
	Types   []events.Type
	Since   time.Time
	Limit   int
}

// WorkstreamSummary aggregates artifacts per workstream for the snapshot.
type WorkstreamSummary struct {
	Name          string `json:"name"`
	ArtifactCount int    `json:"artifactCount"`
}

// ArtifactIndexEntry is a snapshot-sized view of one artifact.
type ArtifactIndexEntry struct {
	ArtifactID string                `json:"artifactId"`
	Name       string                `json:"name"`
	Kind       events.ArtifactKind   `json:"kind"`
	Workstream string                `json:"workstream"`
	Status     events.ArtifactStatus `json:"status"`
	AgentID    string                `json:"agentId"`
}

// Snapshot is the state-sync payload sent to clients on connect.
type Snapshot struct {
	Version               int64                    `json:"version"`
	GeneratedAt           time.Time                `json:"generatedAt"`
	Workstreams           []WorkstreamSummary      `json:"workstreams"`
	PendingDecisions      []any                    `json:"pendingDecisions"`
	RecentCoherenceIssues []*events.CoherenceEvent `json:"recentCoherenceIssues"`
	ArtifactIndex         []ArtifactIndexEntry     `json:"artifactIndex"`
	ActiveAgents          []AgentRecord            `json:"activeAgents"`
	EstimatedTokens       int64                    `json:"estimatedTokens"`
}

// PendingDecisionsProvider supplies the snapshot's pending decisions; the
// decision queue owns them, not the store.
type PendingDecisionsProvider func() []any

// Store is the SQLite-backed knowledge store. The snapshot version advances
// on every state-changing write; it is process-local, not persisted.
type Store struct {
	db      *sql.DB
	version atomic.Int64
	pending atomic.Pointer[PendingDecisionsProvider]
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewStore opens (or creates) the store at path. An empty path selects an
// in-memory database. metrics may be nil.
func NewStore(path string, metrics *observability.Metrics, logger *slog.Logger) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open knowledge store: %w", err)
	}
	// SQLite has a single writer; one connection also keeps :memory:
	// databases from splitting across the pool.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, metrics: metrics, logger: logger}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			source_event_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			envelope TEXT NOT NULL,
			ingested_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_agent ON events(agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run ON events(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(event_type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_ingested ON events(ingested_at)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			artifact_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			workstream TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_workstream ON artifacts(workstream)`,
		`CREATE TABLE IF NOT EXISTS artifact_content (
			agent_id TEXT NOT NULL,
			artifact_id TEXT NOT NULL,
			content BLOB NOT NULL,
			mime_type TEXT,
			updated_at DATETIME NOT NULL,
			PRIMARY KEY (agent_id, artifact_id)
		)`,
		`CREATE TABLE IF NOT EXISTS coherence_issues (
			issue_id TEXT PRIMARY KEY,
			category TEXT NOT NULL,
			severity TEXT NOT NULL,
			payload TEXT NOT NULL,
			detected_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_id TEXT PRIMARY KEY,
			plugin_name TEXT NOT NULL,
			status TEXT NOT NULL,
			session_id TEXT,
			metadata TEXT,
			registered_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			subject TEXT NOT NULL,
			action TEXT NOT NULL,
			target TEXT,
			payload TEXT,
			created_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init knowledge schema: %w", err)
		}
	}
	return nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Version returns the current snapshot version.
func (s *Store) Version() int64 {
	return s.version.Load()
}

// SetPendingDecisionsProvider installs the snapshot's decision source.
func (s *Store) SetPendingDecisionsProvider(fn PendingDecisionsProvider) {
	s.pending.Store(&fn)
}

func (s *Store) bump() {
	s.version.Add(1)
}

func (s *Store) observe(op string, start time.Time) {
	if s.metrics != nil {
		s.metrics.StoreWriteDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// AppendEvent appends an envelope to the event log.
func (s *Store) AppendEvent(ctx context.Context, env *events.Envelope) error {
	defer s.observe("append_event", time.Now())

	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	ingested := env.IngestedAt
	if ingested.IsZero() {
		ingested = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (source_event_id, agent_id, run_id, event_type, envelope, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, env.SourceEventID, env.Event.Agent(), env.RunID, string(env.Event.Type()), string(raw), ingested)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	s.bump()
	return nil
}

// ListEvents returns envelopes matching the filter, oldest first.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]*events.Envelope, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	if limit > MaxEventLimit {
		limit = MaxEventLimit
	}

	var (
		where []string
		args  []any
	)
	if filter.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, filter.AgentID)
	}
	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if len(filter.Types) > 0 {
		placeholders := make([]string, len(filter.Types))
		for i, t := range filter.Types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(placeholders, ", ")))
	}
	if !filter.Since.IsZero() {
		where = append(where, "ingested_at >= ?")
		args = append(args, filter.Since)
	}

	query := "SELECT envelope FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var out []*events.Envelope
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var env events.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, fmt.Errorf("decode stored envelope: %w", err)
		}
		out = append(out, &env)
	}
	return out, rows.Err()
}

// StoreArtifact upserts an artifact record by artifactId.
func (s *Store) StoreArtifact(ctx context.Context, ev *events.ArtifactEvent) error {
	defer s.observe("store_artifact", time.Now())

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal artifact: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO artifacts (artifact_id, agent_id, workstream, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(artifact_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			workstream = excluded.workstream,
			payload = excluded.payload,
			updated_at = excluded.updated_at
	`, ev.ArtifactID, ev.AgentID, ev.Workstream, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store artifact: %w", err)
	}
	s.bump()
	return nil
}

// GetArtifact returns an artifact by id, or ErrNotFound.
func (s *Store) GetArtifact(ctx context.Context, artifactID string) (*events.ArtifactEvent, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		"SELECT payload FROM artifacts WHERE artifact_id = ?", artifactID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get artifact: %w", err)
	}
	var ev events.ArtifactEvent
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("decode artifact: %w", err)
	}
	return &ev, nil
}

// ListArtifacts returns every artifact, grouped by workstream.
func (s *Store) ListArtifacts(ctx context.Context) ([]*events.ArtifactEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM artifacts ORDER BY workstream ASC, artifact_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()

	var out []*events.ArtifactEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		var ev events.ArtifactEvent
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("decode artifact: %w", err)
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// RemoveArtifact deletes an artifact record and any uploaded content.
func (s *Store) RemoveArtifact(ctx context.Context, artifactID string) error {
	defer s.observe("remove_artifact", time.Now())

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM artifacts WHERE artifact_id = ?", artifactID); err != nil {
		return fmt.Errorf("remove artifact: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM artifact_content WHERE artifact_id = ?", artifactID); err != nil {
		return fmt.Errorf("remove artifact content: %w", err)
	}
	s.bump()
	return nil
}

// StoreArtifactContent stores (or overwrites) an uploaded content blob
// keyed by (agentId, artifactId).
func (s *Store) StoreArtifactContent(ctx context.Context, agentID, artifactID string, content []byte, mimeType string) error {
	defer s.observe("store_artifact_content", time.Now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifact_content (agent_id, artifact_id, content, mime_type, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id, artifact_id) DO UPDATE SET
			content = excluded.content,
			mime_type = excluded.mime_type,
			updated_at = excluded.updated_at
	`, agentID, artifactID, content, mimeType, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store artifact content: %w", err)
	}
	s.bump()
	return nil
}

// GetArtifactContent returns the uploaded blob and MIME type for
// (agentId, artifactId), or ErrNotFound.
func (s *Store) GetArtifactContent(ctx context.Context, agentID, artifactID string) ([]byte, string, error) {
	var (
		content []byte
		mime    sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT content, mime_type FROM artifact_content WHERE agent_id = ? AND artifact_id = ?",
		agentID, artifactID,
	).Scan(&content, &mime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", ErrNotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("get artifact content: %w", err)
	}
	return content, mime.String, nil
}

// StoreCoherenceIssue upserts a coherence issue by issueId.
func (s *Store) StoreCoherenceIssue(ctx context.Context, issue *events.CoherenceEvent) error {
	defer s.observe("store_coherence_issue", time.Now())

	raw, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("marshal coherence issue: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coherence_issues (issue_id, category, severity, payload, detected_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(issue_id) DO UPDATE SET
			category = excluded.category,
			severity = excluded.severity,
			payload = excluded.payload
	`, issue.IssueID, string(issue.Category), string(issue.Severity), string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("store coherence issue: %w", err)
	}
	s.bump()
	return nil
}

// ListCoherenceIssues returns all stored issues, newest first.
func (s *Store) ListCoherenceIssues(ctx context.Context) ([]*events.CoherenceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT payload FROM coherence_issues ORDER BY detected_at DESC, issue_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list coherence issues: %w", err)
	}
	defer rows.Close()

	var out []*events.CoherenceEvent
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan coherence issue: %w", err)
		}
		var issue events.CoherenceEvent
		if err := json.Unmarshal([]byte(raw), &issue); err != nil {
			return nil, fmt.Errorf("decode coherence issue: %w", err)
		}
		out = append(out, &issue)
	}
	return out, rows.Err()
}

// RegisterAgent upserts an agent record.
func (s *Store) RegisterAgent(ctx context.Context, record AgentRecord) error {
	defer s.observe("register_agent", time.Now())

	var metadata any
	if record.Metadata != nil {
		raw, err := json.Marshal(record.Metadata)
		if err != nil {
			return fmt.Errorf("marshal agent metadata: %w", err)
		}
		metadata = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (agent_id, plugin_name, status, session_id, metadata, registered_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			plugin_name = excluded.plugin_name,
			status = excluded.status,
			session_id = excluded.session_id,
			metadata = excluded.metadata
	`, record.ID, record.PluginName, record.Status, record.SessionID, metadata, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	s.bump()
	return nil
}

// UpdateAgentStatus sets an agent's status, or ErrNotFound.
func (s *Store) UpdateAgentStatus(ctx context.Context, agentID, status string) error {
	defer s.observe("update_agent_status", time.Now())

	res, err := s.db.ExecContext(ctx,
		"UPDATE agents SET status = ? WHERE agent_id = ?", status, agentID)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	s.bump()
	return nil
}

// RemoveAgent deletes an agent record. Removing an unknown agent is a no-op.
func (s *Store) RemoveAgent(ctx context.Context, agentID string) error {
	defer s.observe("remove_agent", time.Now())

	if _, err := s.db.ExecContext(ctx,
		"DELETE FROM agents WHERE agent_id = ?", agentID); err != nil {
		return fmt.Errorf("remove agent: %w", err)
	}
	s.bump()
	return nil
}

// ListAgents returns all registered agents ordered by id.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT agent_id, plugin_name, status, session_id, metadata FROM agents ORDER BY agent_id ASC")
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var (
			record   AgentRecord
			session  sql.NullString
			metadata sql.NullString
		)
		if err := rows.Scan(&record.ID, &record.PluginName, &record.Status, &session, &metadata); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		record.SessionID = session.String
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &record.Metadata); err != nil {
				return nil, fmt.Errorf("decode agent metadata: %w", err)
			}
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// AppendAuditLog appends an audit entry. payload may be nil.
func (s *Store) AppendAuditLog(ctx context.Context, kind, subject, action, target string, payload any) error {
	defer s.observe("append_audit_log", time.Now())

	var encoded any
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal audit payload: %w", err)
		}
		encoded = string(raw)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (kind, subject, action, target, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, kind, subject, action, target, encoded, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	s.bump()
	return nil
}

// ListAuditLog returns the most recent entries, newest first.
func (s *Store) ListAuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = DefaultEventLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, subject, action, target, payload, created_at
		FROM audit_log ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var (
			entry   AuditEntry
			target  sql.NullString
			payload sql.NullString
		)
		if err := rows.Scan(&entry.Kind, &entry.Subject, &entry.Action, &target, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entry.Target = target.String
		if payload.Valid {
			entry.Payload = json.RawMessage(payload.String)
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// GetSnapshot assembles the client-facing state snapshot at the current
// version.
func (s *Store) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	artifacts, err := s.ListArtifacts(ctx)
	if err != nil {
		return nil, err
	}
	issues, err := s.ListCoherenceIssues(ctx)
	if err != nil {
		return nil, err
	}
	agents, err := s.ListAgents(ctx)
	if err != nil {
		return nil, err
	}

	var (
		index       []ArtifactIndexEntry
		workstreams []WorkstreamSummary
		counts      = make(map[string]int)
		order       []string
	)
	for _, art := range artifacts {
		index = append(index, ArtifactIndexEntry{
			ArtifactID: art.ArtifactID,
			Name:       art.Name,
			Kind:       art.Kind,
			Workstream: art.Workstream,
			Status:     art.Status,
			AgentID:    art.AgentID,
		})
		if _, seen := counts[art.Workstream]; !seen {
			order = append(order, art.Workstream)
		}
		counts[art.Workstream]++
	}
	for _, name := range order {
		workstreams = append(workstreams, WorkstreamSummary{Name: name, ArtifactCount: counts[name]})
	}

	var pending []any
	if provider := s.pending.Load(); provider != nil {
		pending = (*provider)()
	}

	snap := &Snapshot{
		Version:               s.version.Load(),
		GeneratedAt:           time.Now().UTC(),
		Workstreams:           workstreams,
		PendingDecisions:      pending,
		RecentCoherenceIssues: issues,
		ArtifactIndex:         index,
		ActiveAgents:          agents,
	}
	snap.EstimatedTokens = estimateTokens(snap)
	return snap, nil
}

// estimateTokens approximates the snapshot's LLM token cost from its JSON
// size at roughly four bytes per token.
func estimateTokens(snap *Snapshot) int64 {
	raw, err := json.Marshal(snap)
	if err != nil {
		return 0
	}
	return int64(len(raw) / 4)
}

// Package registry tracks live agent handles and the runtime plugins that
// own them. Spawn/kill/pause/resume on a given agent serialise through a
// per-agent lock so concurrent control operations cannot interleave.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/conductor/internal/checkpoints"
	"github.com/haasonsaas/conductor/internal/decisions"
)

// Status is an agent handle's lifecycle state.
type Status string

const (
	StatusRunning        Status = "running"
	StatusPaused         Status = "paused"
	StatusWaitingOnHuman Status = "waiting_on_human"
	StatusIdle           Status = "idle"
	StatusCompleted      Status = "completed"
	StatusError          Status = "error"
)

// Handle identifies a live agent session. The registry owns the live record;
// Get and List return copies, and mutations go through UpdateStatus and
// SetSessionID so concurrent readers never observe a partial write.
type Handle struct {
	ID         string `json:"id"`
	PluginName string `json:"pluginName"`
	Status     Status `json:"status"`
	SessionID  string `json:"sessionId,omitempty"`
}

// Brief is the work assignment a plugin spawns an agent with.
type Brief struct {
	AgentID      string         `json:"agentId"`
	Workstream   string         `json:"workstream,omitempty"`
	Instructions string         `json:"instructions"`
	Context      map[string]any `json:"context,omitempty"`
}

// Capabilities advertises which optional operations a plugin supports.
type Capabilities struct {
	SupportsPause          bool `json:"supportsPause"`
	SupportsResume         bool `json:"supportsResume"`
	SupportsKill           bool `json:"supportsKill"`
	SupportsHotBriefUpdate bool `json:"supportsHotBriefUpdate"`
}

// KillOptions controls agent shutdown. Grace requests artifact extraction
// before termination, bounded by GraceTimeoutMs.
type KillOptions struct {
	Grace          bool `json:"grace"`
	GraceTimeoutMs int  `json:"graceTimeoutMs,omitempty"`
}

// KillResult reports how a kill went.
type KillResult struct {
	CleanShutdown      bool `json:"cleanShutdown"`
	ArtifactsExtracted int  `json:"artifactsExtracted"`
}

// ContextInjection is content pushed into a running agent session.
type ContextInjection struct {
	Content string `json:"content"`
	Source  string `json:"source,omitempty"`
}

// Plugin is an agent runtime adapter. Implementations wrap an LLM session
// provider; the control plane stays ignorant of what runs behind a handle.
type Plugin interface {
	Name() string
	Version() string
	Capabilities() Capabilities

	Spawn(ctx context.Context, brief Brief) (*Handle, error)
	Kill(ctx context.Context, handle *Handle, opts KillOptions) (KillResult, error)
	Pause(ctx context.Context, handle *Handle) (checkpoints.State, error)
	Resume(ctx context.Context, state checkpoints.State) (*Handle, error)
	ResolveDecision(ctx context.Context, handle *Handle, decisionID string, resolution decisions.Resolution) error
	InjectContext(ctx context.Context, handle *Handle, injection ContextInjection) error
	UpdateBrief(ctx context.Context, handle *Handle, changes map[string]any) error
	RequestCheckpoint(ctx context.Context, handle *Handle, decisionID string) (checkpoints.State, error)
}

// ErrAgentExists is returned when registering an id that is already live.
var ErrAgentExists = errors.New("agent already registered")

// ErrAgentNotFound is returned for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

type entry struct {
	handle *Handle
	plugin Plugin
}

// Registry is the singleton map of live agents.
type Registry struct {
	mu     sync.Mutex
	agents map[string]*entry
	locks  map[string]*sync.Mutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		agents: make(map[string]*entry),
		locks:  make(map[string]*sync.Mutex),
	}
}

// Register adds a handle with its owning plugin. The registry keeps its own
// copy; later writes through the caller's pointer do not reach it.
func (r *Registry) Register(handle *Handle, plugin Plugin) error {
	if handle == nil || handle.ID == "" {
		return errors.New("handle id is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[handle.ID]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, handle.ID)
	}
	h := *handle
	r.agents[handle.ID] = &entry{handle: &h, plugin: plugin}
	return nil
}

// Get returns a copy of the handle plus the owning plugin. The copy is a
// snapshot; it does not track later UpdateStatus or SetSessionID writes.
func (r *Registry) Get(agentID string) (*Handle, Plugin, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return nil, nil, false
	}
	h := *e.handle
	return &h, e.plugin, true
}

// UpdateStatus sets an agent's status; unknown agents are a no-op.
func (r *Registry) UpdateStatus(agentID string, status Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	e.handle.Status = status
	return true
}

// SetSessionID records the session an agent resumed into; unknown agents are
// a no-op.
func (r *Registry) SetSessionID(agentID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.agents[agentID]
	if !ok {
		return false
	}
	e.handle.SessionID = sessionID
	return true
}

// Remove deletes an agent's handle. The per-agent lock survives removal so
// a concurrent spawn of the same id still serialises.
func (r *Registry) Remove(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[agentID]; !ok {
		return false
	}
	delete(r.agents, agentID)
	return true
}

// List returns copies of all handles, ordered by id.
func (r *Registry) List() []Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Handle, 0, len(r.agents))
	for _, e := range r.agents {
		out = append(out, *e.handle)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Count returns the number of live agents.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}

// WithAgentLock runs fn holding the agent's control lock. Control
// operations (spawn, kill, pause, resume, assign) on the same agent
// serialise; different agents proceed in parallel.
func (r *Registry) WithAgentLock(agentID string, fn func() error) error {
	r.mu.Lock()
	lock, ok := r.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[agentID] = lock
	}
	r.mu.Unlock()

	lock.Lock()
	defer lock.Unlock()
	return fn()
}

// Package observability provides structured logging and Prometheus metrics
// for the Conductor control plane.
package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// ContextKey is the type for context keys carried into log records.
type ContextKey string

const (
	// AgentIDKey is the context key for agent ids.
	AgentIDKey ContextKey = "agent_id"

	// RunIDKey is the context key for run ids.
	RunIDKey ContextKey = "run_id"

	// DecisionIDKey is the context key for decision ids.
	DecisionIDKey ContextKey = "decision_id"
)

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string

	// Format specifies output format: "json" or "text".
	// JSON is recommended for production; text for development.
	Format string

	// Output is the writer for log output (defaults to os.Stdout).
	Output io.Writer

	// AddSource includes file and line number in log records.
	AddSource bool
}

// NewLogger creates a structured slog logger from the given configuration.
//
// If config.Output is nil, logs are written to os.Stdout. An empty or
// unrecognised level defaults to "info"; an empty format defaults to "json".
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	if config.Format == "" {
		config.Format = "json"
	}

	opts := &slog.HandlerOptions{
		Level:       LogLevelFromString(config.Level),
		AddSource:   config.AddSource,
		ReplaceAttr: redactSensitive,
	}

	var handler slog.Handler
	if config.Format == "json" {
		handler = slog.NewJSONHandler(config.Output, opts)
	} else {
		handler = slog.NewTextHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// sensitiveKeys are attribute names whose values never reach log output.
var sensitiveKeys = map[string]bool{
	"token":    true,
	"password": true,
	"secret":   true,
	"api_key":  true,
}

func redactSensitive(groups []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[strings.ToLower(a.Key)] {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// LogLevelFromString converts a string to a slog.Level.
// Returns LevelInfo if the string is not recognized.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// AddAgentID adds an agent id to the context.
func AddAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// GetAgentID retrieves the agent id from the context.
func GetAgentID(ctx context.Context) string {
	if id, ok := ctx.Value(AgentIDKey).(string); ok {
		return id
	}
	return ""
}

// AddRunID adds a run id to the context.
func AddRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

// GetRunID retrieves the run id from the context.
func GetRunID(ctx context.Context) string {
	if id, ok := ctx.Value(RunIDKey).(string); ok {
		return id
	}
	return ""
}

// AddDecisionID adds a decision id to the context.
func AddDecisionID(ctx context.Context, decisionID string) context.Context {
	return context.WithValue(ctx, DecisionIDKey, decisionID)
}

// GetDecisionID retrieves the decision id from the context.
func GetDecisionID(ctx context.Context) string {
	if id, ok := ctx.Value(DecisionIDKey).(string); ok {
		return id
	}
	return ""
}

// WithContext returns a logger annotated with the correlation ids present in
// the context.
func WithContext(ctx context.Context, logger *slog.Logger) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	attrs := make([]any, 0, 6)
	if id := GetAgentID(ctx); id != "" {
		attrs = append(attrs, "agent_id", id)
	}
	if id := GetRunID(ctx); id != "" {
		attrs = append(attrs, "run_id", id)
	}
	if id := GetDecisionID(ctx); id != "" {
		attrs = append(attrs, "decision_id", id)
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}

// Package config loads the Conductor server configuration from YAML with
// environment variable expansion and defaults for every tunable.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Conductor.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Logging     LoggingConfig     `yaml:"logging"`
	Knowledge   KnowledgeConfig   `yaml:"knowledge"`
	Bus         BusConfig         `yaml:"bus"`
	Decision    DecisionConfig    `yaml:"decision"`
	Checkpoints CheckpointsConfig `yaml:"checkpoints"`
	Tick        TickConfig        `yaml:"tick"`
	Trust       TrustConfig       `yaml:"trust"`
	Agents      AgentsConfig      `yaml:"agents"`
	Coherence   CoherenceConfig   `yaml:"coherence"`
	WS          WSConfig          `yaml:"ws"`
	Pipeline    PipelineConfig    `yaml:"pipeline"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type KnowledgeConfig struct {
	// Path to the SQLite database file; empty selects in-memory.
	Path string `yaml:"path"`
}

type BusConfig struct {
	DedupCapacity           int `yaml:"dedup_capacity"`
	MaxQueuePerAgent        int `yaml:"max_queue_per_agent"`
	MaxHighPriorityPerAgent int `yaml:"max_high_priority_per_agent"`
}

type DecisionConfig struct {
	// TimeoutTicks of 0 disables decision timeouts; absent selects 300.
	TimeoutTicks           *int64 `yaml:"timeout_ticks"`
	OrphanGracePeriodTicks int64  `yaml:"orphan_grace_period_ticks"`
}

type CheckpointsConfig struct {
	MaxPerAgent int `yaml:"max_per_agent"`
}

type TickConfig struct {
	Mode       string `yaml:"mode"`
	IntervalMs int    `yaml:"interval_ms"`
}

type TrustConfig struct {
	InitialScore int `yaml:"initial_score"`
}

type AgentsConfig struct {
	IdleTimeoutTicks int64 `yaml:"idle_timeout_ticks"`
}

type CoherenceConfig struct {
	Layer1IntervalTicks  int64 `yaml:"layer1_interval_ticks"`
	Layer1cIntervalTicks int64 `yaml:"layer1c_interval_ticks"`
	EnableLayer2         bool  `yaml:"enable_layer2"`
}

type WSConfig struct {
	HeartbeatMs int `yaml:"heartbeat_ms"`
}

type PipelineConfig struct {
	ContentDir  string `yaml:"content_dir"`
	KillGraceMs int    `yaml:"kill_grace_ms"`
}

// Load reads and parses the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Bus.DedupCapacity == 0 {
		cfg.Bus.DedupCapacity = 10_000
	}
	if cfg.Bus.MaxQueuePerAgent == 0 {
		cfg.Bus.MaxQueuePerAgent = 500
	}
	if cfg.Bus.MaxHighPriorityPerAgent == 0 {
		cfg.Bus.MaxHighPriorityPerAgent = 2 * cfg.Bus.MaxQueuePerAgent
	}
	if cfg.Decision.TimeoutTicks == nil {
		ticks := int64(300)
		cfg.Decision.TimeoutTicks = &ticks
	}
	if cfg.Decision.OrphanGracePeriodTicks == 0 {
		cfg.Decision.OrphanGracePeriodTicks = 30
	}
	if cfg.Checkpoints.MaxPerAgent == 0 {
		cfg.Checkpoints.MaxPerAgent = 3
	}
	if cfg.Tick.Mode == "" {
		cfg.Tick.Mode = "interval"
	}
	if cfg.Tick.IntervalMs == 0 {
		cfg.Tick.IntervalMs = 1000
	}
	if cfg.Trust.InitialScore == 0 {
		cfg.Trust.InitialScore = 50
	}
	if cfg.Agents.IdleTimeoutTicks == 0 {
		cfg.Agents.IdleTimeoutTicks = 500
	}
	if cfg.Coherence.Layer1IntervalTicks == 0 {
		cfg.Coherence.Layer1IntervalTicks = 50
	}
	if cfg.Coherence.Layer1cIntervalTicks == 0 {
		cfg.Coherence.Layer1cIntervalTicks = 200
	}
	if cfg.WS.HeartbeatMs == 0 {
		cfg.WS.HeartbeatMs = 30_000
	}
	if cfg.Pipeline.KillGraceMs == 0 {
		cfg.Pipeline.KillGraceMs = 5000
	}
}

func validate(cfg *Config) error {
	if cfg.Tick.Mode != "manual" && cfg.Tick.Mode != "interval" {
		return fmt.Errorf("tick.mode must be manual or interval, got %q", cfg.Tick.Mode)
	}
	if cfg.Trust.InitialScore < 0 || cfg.Trust.InitialScore > 100 {
		return fmt.Errorf("trust.initial_score must be in [0,100], got %d", cfg.Trust.InitialScore)
	}
	if cfg.Decision.TimeoutTicks != nil && *cfg.Decision.TimeoutTicks < 0 {
		return fmt.Errorf("decision.timeout_ticks must not be negative")
	}
	return nil
}

// Package config loads conductd configuration from a YAML file and
// environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/conductd/internal/activity"
	"github.com/fyrsmithlabs/conductd/internal/lifecycle"
	"github.com/fyrsmithlabs/conductd/internal/logging"
	"github.com/fyrsmithlabs/conductd/internal/scheduler"
	"github.com/fyrsmithlabs/conductd/internal/store"
	"github.com/fyrsmithlabs/conductd/internal/worker"
	"github.com/fyrsmithlabs/conductd/internal/worktree"
)

// Config holds the complete conductd configuration.
type Config struct {
	Project   ProjectConfig     `koanf:"project"`
	Server    ServerConfig      `koanf:"server"`
	Logging   logging.Config    `koanf:"logging"`
	Store     store.Config      `koanf:"store"`
	Pool      worker.PoolConfig `koanf:"pool"`
	Workers   WorkersConfig     `koanf:"workers"`
	Worktree  worktree.Config   `koanf:"worktree"`
	Scheduler scheduler.Config  `koanf:"scheduler"`
	Lifecycle lifecycle.Config  `koanf:"lifecycle"`
	Activity  activity.Config   `koanf:"activity"`
}

// ProjectConfig identifies the project being orchestrated.
type ProjectConfig struct {
	ID string `koanf:"id"`
}

// ServerConfig holds the operational HTTP server configuration.
type ServerConfig struct {
	Port            int           `koanf:"port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// WorkersConfig maps each capability kind to the command that provides it.
type WorkersConfig struct {
	Coder     CommandConfig `koanf:"coder"`
	Validator CommandConfig `koanf:"validator"`
	Reviewer  CommandConfig `koanf:"reviewer"`
}

// CommandConfig is one worker subprocess invocation.
type CommandConfig struct {
	Command []string `koanf:"command"`
}

// Validate checks the assembled configuration.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("project.id is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be > 0")
	}
	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging: %w", err)
	}
	if !c.Store.InMemory && c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Worktree.Trunk == "" {
		return fmt.Errorf("worktree.trunk is required")
	}
	if len(c.Workers.Coder.Command) == 0 {
		return fmt.Errorf("workers.coder.command is required")
	}
	if len(c.Workers.Validator.Command) == 0 {
		return fmt.Errorf("workers.validator.command is required")
	}
	if len(c.Workers.Reviewer.Command) == 0 {
		return fmt.Errorf("workers.reviewer.command is required")
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("pool: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}
	if err := c.Lifecycle.Validate(); err != nil {
		return fmt.Errorf("lifecycle: %w", err)
	}
	return nil
}

// applyDefaults fills in every value not set by file or environment.
func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 9090
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 10 * time.Second
	}
	logDefaults := logging.DefaultConfig()
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = logDefaults.Level
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = logDefaults.Format
	}
	if !cfg.Logging.Sampling.Enabled && cfg.Logging.Sampling.Initial == 0 {
		cfg.Logging.Sampling = logDefaults.Sampling
	}

	if cfg.Pool.Capacity == 0 {
		cfg.Pool.Capacity = worker.DefaultPoolConfig().Capacity
	}
	if cfg.Pool.InvocationTimeout == 0 {
		cfg.Pool.InvocationTimeout = worker.DefaultPoolConfig().InvocationTimeout
	}

	sched := scheduler.DefaultConfig()
	if cfg.Scheduler.Tick == 0 {
		cfg.Scheduler.Tick = sched.Tick
	}
	if cfg.Scheduler.CheckpointInterval == 0 {
		cfg.Scheduler.CheckpointInterval = sched.CheckpointInterval
	}
	if cfg.Scheduler.StallAfter == 0 {
		cfg.Scheduler.StallAfter = sched.StallAfter
	}

	lc := lifecycle.DefaultConfig()
	if cfg.Lifecycle.MaxCodeTestIterations == 0 {
		cfg.Lifecycle.MaxCodeTestIterations = lc.MaxCodeTestIterations
	}
	if cfg.Lifecycle.MaxAttempts == 0 {
		cfg.Lifecycle.MaxAttempts = lc.MaxAttempts
		cfg.Lifecycle.RetainFailedSandboxes = lc.RetainFailedSandboxes
	}

	if cfg.Activity.SubjectPrefix == "" {
		cfg.Activity.SubjectPrefix = activity.DefaultSubjectPrefix
	}
}

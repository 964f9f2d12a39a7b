// Package config loads loom configuration from the project's .loom
// directory, the user's home directory, and LOOM_* environment variables,
// in that order of precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete loom configuration.
type Config struct {
	Run     RunConfig     `mapstructure:"run"`
	Agent   AgentConfig   `mapstructure:"agent"`
	Git     GitConfig     `mapstructure:"git"`
	Logging LoggingConfig `mapstructure:"logging"`
	Paths   PathsConfig   `mapstructure:"paths"`
}

// RunConfig controls coordinated execution.
type RunConfig struct {
	// MaxWorkers bounds concurrent worker sessions within a level.
	MaxWorkers int `mapstructure:"max_workers"`
	// TaskTimeoutMinutes is the per-session budget.
	TaskTimeoutMinutes int `mapstructure:"task_timeout_minutes"`
	// ConflictStrategy is "fail" or "rebase"; applied uniformly to every
	// merge conflict in the run.
	ConflictStrategy string `mapstructure:"conflict_strategy"`
}

// TaskTimeout returns the per-session budget as a duration.
func (r RunConfig) TaskTimeout() time.Duration {
	return time.Duration(r.TaskTimeoutMinutes) * time.Minute
}

// AgentConfig describes the external agent CLI invoked per task.
type AgentConfig struct {
	Command string   `mapstructure:"command"`
	Args    []string `mapstructure:"args"`
	// GracePeriodSeconds is the window between SIGTERM and SIGKILL.
	GracePeriodSeconds int `mapstructure:"grace_period_seconds"`
}

// GracePeriod returns the termination grace window as a duration.
func (a AgentConfig) GracePeriod() time.Duration {
	return time.Duration(a.GracePeriodSeconds) * time.Second
}

// GitConfig controls branch and worktree layout.
type GitConfig struct {
	BaseBranch  string `mapstructure:"base_branch"`
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// LoggingConfig controls the structured run log.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// PathsConfig locates loom's working files.
type PathsConfig struct {
	// StateDir holds the run lock, derived documents, and logs.
	StateDir string `mapstructure:"state_dir"`
	// HistoryDB is the SQLite run-history database.
	HistoryDB string `mapstructure:"history_db"`
}

// Load reads configuration for the given project directory. Missing config
// files are not errors; malformed files are.
func Load(projectDir string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(projectDir, ".loom"))
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".loom"))
	}

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("run.max_workers", 4)
	v.SetDefault("run.task_timeout_minutes", 30)
	v.SetDefault("run.conflict_strategy", "fail")

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{"--dangerously-skip-permissions"})
	v.SetDefault("agent.grace_period_seconds", 10)

	v.SetDefault("git.base_branch", "main")
	v.SetDefault("git.worktree_dir", filepath.Join(".loom", "worktrees"))

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("logging.dir", filepath.Join(".loom", "logs"))

	v.SetDefault("paths.state_dir", ".loom")
	v.SetDefault("paths.history_db", filepath.Join(".loom", "history.db"))
}

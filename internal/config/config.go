// Package config loads keyaudit configuration from defaults, an optional
// YAML file, KEYAUDIT_* environment variables, and runtime overrides.
package config

import (
	"time"
)

// Config is the fully resolved configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" json:"server" yaml:"server"`
	Logging   LoggingConfig   `mapstructure:"logging" json:"logging" yaml:"logging"`
	Jobs      JobsConfig      `mapstructure:"jobs" json:"jobs" yaml:"jobs"`
	Analysis  AnalysisConfig  `mapstructure:"analysis" json:"analysis" yaml:"analysis"`
	Preflight PreflightConfig `mapstructure:"preflight" json:"preflight" yaml:"preflight"`
	Retention RetentionConfig `mapstructure:"retention" json:"retention" yaml:"retention"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" json:"host" yaml:"host"`
	Port            int           `mapstructure:"port" json:"port" yaml:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" json:"write_timeout" yaml:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout" json:"idle_timeout" yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" json:"shutdown_timeout" yaml:"shutdown_timeout"`

	// RateLimit is the sustained submissions per second per client; 0 disables limiting.
	RateLimit float64 `mapstructure:"rate_limit" json:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" json:"rate_burst" yaml:"rate_burst"`

	// MaxUploadBytes caps a multipart file submission.
	MaxUploadBytes int64 `mapstructure:"max_upload_bytes" json:"max_upload_bytes" yaml:"max_upload_bytes"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level" json:"level" yaml:"level"`
	Profile string `mapstructure:"profile" json:"profile" yaml:"profile"`
}

type JobsConfig struct {
	Dir string `mapstructure:"dir" json:"dir" yaml:"dir"`
}

type AnalysisConfig struct {
	Script        string            `mapstructure:"script" json:"script" yaml:"script"`
	Interpreter   string            `mapstructure:"interpreter" json:"interpreter" yaml:"interpreter"`
	Args          []string          `mapstructure:"args" json:"args,omitempty" yaml:"args,omitempty"`
	WorkDir       string            `mapstructure:"work_dir" json:"work_dir" yaml:"work_dir"`
	Timeout       time.Duration     `mapstructure:"timeout" json:"timeout" yaml:"timeout"`
	Env           map[string]string `mapstructure:"env" json:"env,omitempty" yaml:"env,omitempty"`
	FailurePolicy string            `mapstructure:"failure_policy" json:"failure_policy" yaml:"failure_policy"`
}

type PreflightConfig struct {
	Enabled bool `mapstructure:"enabled" json:"enabled" yaml:"enabled"`
}

type RetentionConfig struct {
	// MaxAge of terminal records; 0 keeps records forever.
	MaxAge   time.Duration `mapstructure:"max_age" json:"max_age" yaml:"max_age"`
	Interval time.Duration `mapstructure:"interval" json:"interval" yaml:"interval"`
}

// Logging profiles.
const (
	ProfileStructured = "STRUCTURED"
	ProfileConsole    = "CONSOLE"
)

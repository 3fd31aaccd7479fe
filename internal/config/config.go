package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/michaelbrown/sessionflow/internal/retry"
	"github.com/michaelbrown/sessionflow/internal/session"
	"github.com/michaelbrown/sessionflow/internal/workflow"
)

// Backend names.
const (
	BackendRemote = "remote"
	BackendLocal  = "local"
)

type SessionConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PoolResourceID string        `mapstructure:"pool_resource_id"`
	APIVersion     string        `mapstructure:"api_version"`
	TokenScope     string        `mapstructure:"token_scope"`
	Token          string        `mapstructure:"token"`
	TokenCommand   string        `mapstructure:"token_command"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
}

type ExecutionConfig struct {
	PollIntervalSeconds int    `mapstructure:"poll_interval_seconds"`
	MaxPollCount        int    `mapstructure:"max_poll_count"`
	MaxRunSeconds       int    `mapstructure:"max_run_seconds"`
	TimeoutSeconds      int    `mapstructure:"timeout_seconds"`
	WorkflowFile        string `mapstructure:"workflow_file"`
	RunnerFile          string `mapstructure:"runner_file"`
	InputFile           string `mapstructure:"input_file"`
	OutputFile          string `mapstructure:"output_file"`
	Command             string `mapstructure:"command"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type HostConfig struct {
	Workers       int           `mapstructure:"workers"`
	StepAttempts  int           `mapstructure:"step_attempts"`
	StepRetryWait time.Duration `mapstructure:"step_retry_wait"`
}

type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

type EventsConfig struct {
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
}

type LeaseConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type LocalConfig struct {
	Root  string `mapstructure:"root"`
	Image string `mapstructure:"image"`
}

type Config struct {
	Backend   string          `mapstructure:"backend"`
	Session   SessionConfig   `mapstructure:"session"`
	Execution ExecutionConfig `mapstructure:"execution"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Host      HostConfig      `mapstructure:"host"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Events    EventsConfig    `mapstructure:"events"`
	Lease     LeaseConfig     `mapstructure:"lease"`
	Local     LocalConfig     `mapstructure:"local"`
}

// Load reads sessionflow.yaml from the working directory or ~/.sessionflow.
// A missing file is not an error; every key can also come from a
// SESSIONFLOW_* environment variable.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file. An empty path searches the
// default locations.
func LoadFile(path string) (*Config, error) {
	cfg, err := LoadFileUnvalidated(path)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFileUnvalidated reads the configuration without checking backend
// settings, for commands that only touch local storage.
func LoadFileUnvalidated(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sessionflow")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.sessionflow")
	}

	v.SetEnvPrefix("SESSIONFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	// Expand ${VAR} references in connection settings
	cfg.Session.BaseURL = expandEnv(cfg.Session.BaseURL)
	cfg.Session.PoolResourceID = expandEnv(cfg.Session.PoolResourceID)
	cfg.Session.Token = expandEnv(cfg.Session.Token)
	cfg.Events.NATSURL = expandEnv(cfg.Events.NATSURL)
	cfg.Lease.RedisAddr = expandEnv(cfg.Lease.RedisAddr)

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	home := os.Getenv("HOME")
	defaults := workflow.DefaultSettings()
	policy := retry.DefaultPolicy()

	v.SetDefault("backend", BackendRemote)

	v.SetDefault("session.base_url", "")
	v.SetDefault("session.pool_resource_id", "")
	v.SetDefault("session.api_version", session.DefaultAPIVersion)
	v.SetDefault("session.token_scope", session.DefaultScope)
	v.SetDefault("session.token", "")
	v.SetDefault("session.token_command", "")
	v.SetDefault("session.http_timeout", 60*time.Second)

	v.SetDefault("execution.poll_interval_seconds", defaults.PollIntervalSeconds)
	v.SetDefault("execution.max_poll_count", 0)
	v.SetDefault("execution.max_run_seconds", 0)
	v.SetDefault("execution.timeout_seconds", 0)
	v.SetDefault("execution.workflow_file", defaults.WorkflowFileName)
	v.SetDefault("execution.runner_file", defaults.RunnerFileName)
	v.SetDefault("execution.input_file", defaults.InputFileName)
	v.SetDefault("execution.output_file", defaults.OutputFileName)
	v.SetDefault("execution.command", defaults.Command)

	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(home, ".sessionflow", "sessionflow.db"))

	v.SetDefault("host.workers", 4)
	v.SetDefault("host.step_attempts", policy.Attempts)
	v.SetDefault("host.step_retry_wait", policy.BaseWait)

	v.SetDefault("logging.level", "info")

	v.SetDefault("events.nats_url", "")
	v.SetDefault("events.subject", "sessionflow.runs")

	v.SetDefault("lease.redis_addr", "")
	v.SetDefault("lease.ttl", 30*time.Second)

	v.SetDefault("local.root", filepath.Join(home, ".sessionflow", "sessions"))
	v.SetDefault("local.image", "python:3.12-slim")
}

func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks the settings the selected backend needs.
func (c *Config) Validate() error {
	var errs []error
	switch c.Backend {
	case BackendRemote:
		if c.Session.BaseURL == "" {
			errs = append(errs, errors.New("session.base_url is required"))
		}
		if c.Session.PoolResourceID == "" {
			errs = append(errs, errors.New("session.pool_resource_id is required"))
		}
	case BackendLocal:
		if c.Local.Root == "" {
			errs = append(errs, errors.New("local.root is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q (want remote or local)", c.Backend))
	}
	if c.Execution.PollIntervalSeconds < 0 {
		errs = append(errs, errors.New("execution.poll_interval_seconds must not be negative"))
	}
	if c.Host.Workers < 1 {
		errs = append(errs, errors.New("host.workers must be at least 1"))
	}
	if c.Host.StepAttempts < 1 {
		errs = append(errs, errors.New("host.step_attempts must be at least 1"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Settings returns the defaults submissions are completed with.
func (c *Config) Settings() workflow.Settings {
	return workflow.Settings{
		PollIntervalSeconds:     c.Execution.PollIntervalSeconds,
		MaxPollCount:            c.Execution.MaxPollCount,
		MaxRunSeconds:           c.Execution.MaxRunSeconds,
		ExecutionTimeoutSeconds: c.Execution.TimeoutSeconds,
		WorkflowFileName:        c.Execution.WorkflowFile,
		RunnerFileName:          c.Execution.RunnerFile,
		InputFileName:           c.Execution.InputFile,
		OutputFileName:          c.Execution.OutputFile,
		Command:                 c.Execution.Command,
	}
}

// RetryPolicy is the step retry policy for the durable host.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{Attempts: c.Host.StepAttempts, BaseWait: c.Host.StepRetryWait}
}

// TokenProvider picks the token source: a fixed token wins over a command.
func (c *Config) TokenProvider() (session.TokenProvider, error) {
	switch {
	case c.Session.Token != "":
		return session.StaticToken(c.Session.Token), nil
	case c.Session.TokenCommand != "":
		return session.CommandToken{Command: c.Session.TokenCommand}, nil
	default:
		return nil, errors.New("one of session.token or session.token_command is required")
	}
}

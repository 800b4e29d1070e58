// Package config loads the platform configuration from defaults, an
// optional YAML file, and environment variable overrides, in that order.
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/checkpoint"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/circuitbreaker"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/executor"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/retry"
	"github.com/kulbirminhas-aiinitiative/maestro-platform-sub003/safety"
)

// Config is the full platform configuration.
type Config struct {
	State      StateConfig      `yaml:"state" env:"STATE"`
	Checkpoint CheckpointConfig `yaml:"checkpoint" env:"CHECKPOINT"`
	Level1     Level1Config     `yaml:"level1" env:"LEVEL1"`
	Level2     Level2Config     `yaml:"level2" env:"LEVEL2"`
	Tokens     TokenConfig      `yaml:"tokens" env:"TOKENS"`
	Log        LogConfig        `yaml:"log" env:"LOG"`
}

// StateConfig configures the versioned state store.
type StateConfig struct {
	// StoragePath is the file backend's root directory.
	StoragePath string `yaml:"storage_path" env:"STORAGE_PATH"`

	// MaxVersions caps retained versions per key (0 = unlimited).
	MaxVersions int `yaml:"max_versions" env:"MAX_VERSIONS"`
}

// CheckpointConfig configures the checkpoint manager.
type CheckpointConfig struct {
	StoragePath    string        `yaml:"storage_path" env:"STORAGE_PATH"`
	MaxCheckpoints int           `yaml:"max_checkpoints" env:"MAX_CHECKPOINTS"`
	DefaultTTL     time.Duration `yaml:"default_ttl" env:"DEFAULT_TTL"`
}

// Level1Config configures the persona executor's retry loop.
type Level1Config struct {
	MaxAttempts           int     `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	BaseDelaySeconds      float64 `yaml:"base_delay_seconds" env:"BASE_DELAY_SECONDS"`
	MaxDelaySeconds       float64 `yaml:"max_delay_seconds" env:"MAX_DELAY_SECONDS"`
	BackoffMultiplier     float64 `yaml:"backoff_multiplier" env:"BACKOFF_MULTIPLIER"`
	AttemptTimeoutSeconds float64 `yaml:"attempt_timeout_seconds" env:"ATTEMPT_TIMEOUT_SECONDS"`
}

// Level2Config configures the safety wrapper and its circuit breaker.
type Level2Config struct {
	MaxAttempts                   int     `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
	CircuitBreakerThreshold       int     `yaml:"circuit_breaker_threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`
	CircuitBreakerCooldownSeconds float64 `yaml:"circuit_breaker_cooldown_seconds" env:"CIRCUIT_BREAKER_COOLDOWN_SECONDS"`
	BaseDelaySeconds              float64 `yaml:"base_delay_seconds" env:"BASE_DELAY_SECONDS"`
	MaxDelaySeconds               float64 `yaml:"max_delay_seconds" env:"MAX_DELAY_SECONDS"`
}

// TokenConfig configures per-persona token budgets.
type TokenConfig struct {
	MaxTokensPerPersona int  `yaml:"max_tokens_per_persona" env:"MAX_TOKENS_PER_PERSONA"`
	EnforceBudget       bool `yaml:"enforce_budget" env:"ENFORCE_BUDGET"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"`
}

// Default returns the configuration used when nothing is specified.
func Default() *Config {
	return &Config{
		State: StateConfig{
			StoragePath: "./data/state",
		},
		Checkpoint: CheckpointConfig{
			StoragePath:    "./data/checkpoints",
			MaxCheckpoints: 10,
		},
		Level1: Level1Config{
			MaxAttempts:       3,
			BaseDelaySeconds:  1,
			MaxDelaySeconds:   30,
			BackoffMultiplier: 2.0,
		},
		Level2: Level2Config{
			MaxAttempts:                   2,
			CircuitBreakerThreshold:       5,
			CircuitBreakerCooldownSeconds: 300,
			BaseDelaySeconds:              5,
			MaxDelaySeconds:               120,
		},
		Tokens: TokenConfig{
			EnforceBudget: true,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Validate rejects configurations the components would misbehave on.
func (c *Config) Validate() error {
	if c.Level1.MaxAttempts < 1 {
		return fmt.Errorf("level1.max_attempts must be at least 1")
	}
	if c.Level2.MaxAttempts < 1 {
		return fmt.Errorf("level2.max_attempts must be at least 1")
	}
	if c.Level2.CircuitBreakerThreshold < 1 {
		return fmt.Errorf("level2.circuit_breaker_threshold must be at least 1")
	}
	if c.Level1.BackoffMultiplier < 1 {
		return fmt.Errorf("level1.backoff_multiplier must be at least 1")
	}
	if c.Tokens.MaxTokensPerPersona < 0 {
		return fmt.Errorf("tokens.max_tokens_per_persona must not be negative")
	}
	return nil
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// CheckpointManagerConfig maps onto checkpoint.Config.
func (c *Config) CheckpointManagerConfig() checkpoint.Config {
	return checkpoint.Config{
		StorageRoot:    c.Checkpoint.StoragePath,
		MaxCheckpoints: c.Checkpoint.MaxCheckpoints,
		DefaultTTL:     c.Checkpoint.DefaultTTL,
	}
}

// ExecutorConfig maps onto the Level-1 executor config.
func (c *Config) ExecutorConfig() executor.Config {
	return executor.Config{
		MaxAttempts:    c.Level1.MaxAttempts,
		AttemptTimeout: seconds(c.Level1.AttemptTimeoutSeconds),
		Backoff: retry.Policy{
			BaseDelay:  seconds(c.Level1.BaseDelaySeconds),
			MaxDelay:   seconds(c.Level1.MaxDelaySeconds),
			Multiplier: c.Level1.BackoffMultiplier,
		},
	}
}

// SafetyConfig maps onto the Level-2 wrapper config.
func (c *Config) SafetyConfig() safety.Config {
	return safety.Config{
		MaxAttempts:       c.Level2.MaxAttempts,
		Level1MaxAttempts: c.Level1.MaxAttempts,
		Backoff: retry.Policy{
			BaseDelay:  seconds(c.Level2.BaseDelaySeconds),
			MaxDelay:   seconds(c.Level2.MaxDelaySeconds),
			Multiplier: 2.0,
		},
	}
}

// BreakerConfig maps onto the circuit breaker config.
func (c *Config) BreakerConfig() circuitbreaker.Config {
	return circuitbreaker.Config{
		Threshold: c.Level2.CircuitBreakerThreshold,
		Cooldown:  seconds(c.Level2.CircuitBreakerCooldownSeconds),
	}
}

// BuildLogger constructs the zap logger described by the log section.
func (c *Config) BuildLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(c.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Log.Level, err)
	}
	var zc zap.Config
	if c.Log.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = level
	return zc.Build()
}

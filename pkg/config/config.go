package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full engine configuration. Zero values are replaced
// with defaults by ApplyDefaults; Load does this automatically.
type Config struct {
	DataDir string `yaml:"dataDir"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Queue     QueueConfig     `yaml:"queue"`
	Bus       BusConfig       `yaml:"bus"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Workers   WorkersConfig   `yaml:"workers"`
	Alerts    AlertConfig     `yaml:"alerts"`

	Breaker BreakerDefaults `yaml:"breaker"`

	Providers []ProviderConfig `yaml:"providers"`
	Modes     []ModeConfig     `yaml:"modes"`

	Log LogConfig `yaml:"log"`
}

// SchedulerConfig tunes the scheduler run loops
type SchedulerConfig struct {
	Shards            int           `yaml:"shards"`
	TickInterval      time.Duration `yaml:"tickInterval"`
	RetryBaseDelay    time.Duration `yaml:"retryBaseDelay"`
	RetryMaxDelay     time.Duration `yaml:"retryMaxDelay"`
	DispatchTimeout   time.Duration `yaml:"dispatchTimeout"`
	CancelGracePeriod time.Duration `yaml:"cancelGracePeriod"`
	ProviderBackoff   time.Duration `yaml:"providerBackoff"`
	MaxPayloadBytes   int           `yaml:"maxPayloadBytes"`
}

// QueueConfig tunes queue rescoring
type QueueConfig struct {
	RescoreInterval time.Duration `yaml:"rescoreInterval"`
	RescoreTopK     int           `yaml:"rescoreTopK"`
	WaitBonusCap    float64       `yaml:"waitBonusCap"`
}

// BusConfig tunes the event bus
type BusConfig struct {
	HighWaterMark int `yaml:"highWaterMark"`
	HandlerPool   int `yaml:"handlerPool"`
}

// RecoveryConfig tunes snapshotting
type RecoveryConfig struct {
	SnapshotInterval time.Duration `yaml:"snapshotInterval"`
	KeepSnapshots    int           `yaml:"keepSnapshots"`
}

// WorkersConfig tunes worker pool behavior
type WorkersConfig struct {
	HeartbeatTimeout time.Duration `yaml:"heartbeatTimeout"`
	LoadDecayFactor  float64       `yaml:"loadDecayFactor"`
	DecayAfter       time.Duration `yaml:"decayAfter"`
}

// AlertConfig holds metrics aggregator thresholds
type AlertConfig struct {
	QueueDepth      int     `yaml:"queueDepth"`
	MinSuccessRate  float64 `yaml:"minSuccessRate"`
	CostBudgetRatio float64 `yaml:"costBudgetRatio"`
}

// BreakerDefaults applies to providers that do not override thresholds
type BreakerDefaults struct {
	ConsecutiveFailures int           `yaml:"consecutiveFailures"`
	Window              time.Duration `yaml:"window"`
	Cooldown            time.Duration `yaml:"cooldown"`
}

// ProviderConfig describes one external model endpoint
type ProviderConfig struct {
	ID               string        `yaml:"id"`
	Type             string        `yaml:"type"` // "anthropic", "openai", "mock"
	Endpoint         string        `yaml:"endpoint,omitempty"`
	Model            string        `yaml:"model"`
	APIKeyEnv        string        `yaml:"apiKeyEnv,omitempty"`
	Class            string        `yaml:"class"`
	Capabilities     []string      `yaml:"capabilities"`
	CostPerToken     float64       `yaml:"costPerToken"`
	DailyTokenBudget int64         `yaml:"dailyTokenBudget"`
	BreakerFailures  int           `yaml:"breakerFailures,omitempty"`
	BreakerWindow    time.Duration `yaml:"breakerWindow,omitempty"`
	BreakerCooldown  time.Duration `yaml:"breakerCooldown,omitempty"`
}

// ModeConfig names an ordered set of provider ids
type ModeConfig struct {
	Name      string   `yaml:"name"`
	Providers []string `yaml:"providers"`
}

// LogConfig mirrors pkg/log.Config in yaml form
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns a Config with all defaults applied
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults
func (c *Config) ApplyDefaults() {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/conductor"
	}
	if c.Scheduler.Shards == 0 {
		c.Scheduler.Shards = 1
	}
	if c.Scheduler.TickInterval == 0 {
		c.Scheduler.TickInterval = 250 * time.Millisecond
	}
	if c.Scheduler.RetryBaseDelay == 0 {
		c.Scheduler.RetryBaseDelay = 1 * time.Second
	}
	if c.Scheduler.RetryMaxDelay == 0 {
		c.Scheduler.RetryMaxDelay = 2 * time.Minute
	}
	if c.Scheduler.DispatchTimeout == 0 {
		c.Scheduler.DispatchTimeout = 2 * time.Minute
	}
	if c.Scheduler.CancelGracePeriod == 0 {
		c.Scheduler.CancelGracePeriod = 10 * time.Second
	}
	if c.Scheduler.ProviderBackoff == 0 {
		c.Scheduler.ProviderBackoff = 5 * time.Second
	}
	if c.Scheduler.MaxPayloadBytes == 0 {
		c.Scheduler.MaxPayloadBytes = 1 << 20
	}
	if c.Queue.RescoreInterval == 0 {
		c.Queue.RescoreInterval = 5 * time.Second
	}
	if c.Queue.RescoreTopK == 0 {
		c.Queue.RescoreTopK = 64
	}
	if c.Queue.WaitBonusCap == 0 {
		c.Queue.WaitBonusCap = 500
	}
	if c.Bus.HighWaterMark == 0 {
		c.Bus.HighWaterMark = 256
	}
	if c.Bus.HandlerPool == 0 {
		c.Bus.HandlerPool = 4
	}
	if c.Recovery.SnapshotInterval == 0 {
		c.Recovery.SnapshotInterval = 1 * time.Minute
	}
	if c.Recovery.KeepSnapshots == 0 {
		c.Recovery.KeepSnapshots = 3
	}
	if c.Workers.HeartbeatTimeout == 0 {
		c.Workers.HeartbeatTimeout = 30 * time.Second
	}
	if c.Workers.LoadDecayFactor == 0 {
		c.Workers.LoadDecayFactor = 0.5
	}
	if c.Workers.DecayAfter == 0 {
		c.Workers.DecayAfter = 5 * time.Minute
	}
	if c.Alerts.QueueDepth == 0 {
		c.Alerts.QueueDepth = 1000
	}
	if c.Alerts.MinSuccessRate == 0 {
		c.Alerts.MinSuccessRate = 0.5
	}
	if c.Alerts.CostBudgetRatio == 0 {
		c.Alerts.CostBudgetRatio = 0.9
	}
	if c.Breaker.ConsecutiveFailures == 0 {
		c.Breaker.ConsecutiveFailures = 5
	}
	if c.Breaker.Window == 0 {
		c.Breaker.Window = 1 * time.Minute
	}
	if c.Breaker.Cooldown == 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads a yaml config file and applies defaults.
// A missing path returns the default configuration.
func Load(path string) (*Config, error) {
	if path == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Scheduler.Shards < 1 {
		return fmt.Errorf("scheduler.shards must be >= 1")
	}
	if c.Scheduler.RetryMaxDelay < c.Scheduler.RetryBaseDelay {
		return fmt.Errorf("scheduler.retryMaxDelay must be >= retryBaseDelay")
	}
	seen := make(map[string]bool)
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id: %s", p.ID)
		}
		seen[p.ID] = true
	}
	for _, m := range c.Modes {
		for _, id := range m.Providers {
			if !seen[id] {
				return fmt.Errorf("mode %s references unknown provider: %s", m.Name, id)
			}
		}
	}
	return nil
}

// BreakerFor resolves the breaker thresholds for a provider entry,
// falling back to the global defaults
func (c *Config) BreakerFor(p ProviderConfig) (failures int, window, cooldown time.Duration) {
	failures = p.BreakerFailures
	if failures == 0 {
		failures = c.Breaker.ConsecutiveFailures
	}
	window = p.BreakerWindow
	if window == 0 {
		window = c.Breaker.Window
	}
	cooldown = p.BreakerCooldown
	if cooldown == 0 {
		cooldown = c.Breaker.Cooldown
	}
	return failures, window, cooldown
}

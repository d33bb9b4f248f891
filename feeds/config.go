package feeds

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/procura/feeds/internal/connector"
	"github.com/hazyhaar/procura/guard"
)

// Config configures the feeds service.
type Config struct {
	Scheduler  SchedulerConfig   `yaml:"scheduler"`
	Retry      RetryConfig       `yaml:"retry"`
	Connectors []ConnectorConfig `yaml:"connectors"`
	// MaxConflictRetries bounds the re-decisions of one record after a
	// version conflict. Default: 3.
	MaxConflictRetries int `yaml:"max_conflict_retries"`
	// AllowPrivateNetworks lets connector URLs target loopback and private
	// addresses.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// SchedulerConfig controls when connectors run.
type SchedulerConfig struct {
	DefaultInterval     time.Duration `yaml:"default_interval"`
	RunOnStart          bool          `yaml:"run_on_start"`
	BreakerThreshold    int           `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// RetryConfig controls fetch retries.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

// ConnectorConfig is one connector entry of the config file.
type ConnectorConfig struct {
	connector.Spec `yaml:",inline"`

	// Interval between scheduled runs. Zero uses the scheduler default.
	Interval time.Duration `yaml:"interval"`
	// MissingGrace is how long an open listing may be absent from snapshot
	// batches before it expires. Zero disables expiry.
	MissingGrace time.Duration `yaml:"missing_grace"`
	// Timeout bounds one fetch attempt. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

func (c *Config) defaults() {
	if c.Scheduler.DefaultInterval <= 0 {
		c.Scheduler.DefaultInterval = time.Hour
	}
	if c.Scheduler.BreakerThreshold <= 0 {
		c.Scheduler.BreakerThreshold = 5
	}
	if c.Scheduler.BreakerResetTimeout <= 0 {
		c.Scheduler.BreakerResetTimeout = 15 * time.Minute
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseBackoff <= 0 {
		c.Retry.BaseBackoff = time.Second
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = time.Minute
	}
	if c.MaxConflictRetries <= 0 {
		c.MaxConflictRetries = 3
	}
	for i := range c.Connectors {
		if c.Connectors[i].Timeout <= 0 {
			c.Connectors[i].Timeout = 30 * time.Second
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[string]bool, len(c.Connectors))
	for _, cc := range c.Connectors {
		if err := guard.ValidateIdentifier(cc.ID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		if seen[cc.ID] {
			return fmt.Errorf("%w: duplicate connector %q", ErrInvalidConfig, cc.ID)
		}
		seen[cc.ID] = true
		if cc.URL != "" {
			if err := guard.ValidateURL(cc.URL, c.AllowPrivateNetworks); err != nil {
				return fmt.Errorf("%w: connector %q: %v", ErrInvalidConfig, cc.ID, err)
			}
		}
		if cc.MissingGrace < 0 {
			return fmt.Errorf("%w: connector %q: negative missing_grace", ErrInvalidConfig, cc.ID)
		}
	}
	return nil
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

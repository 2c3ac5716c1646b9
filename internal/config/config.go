// Package config provides configuration management for keel.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/keelwallet/keel/internal/fileutil"
	"github.com/keelwallet/keel/internal/network"
	keelerr "github.com/keelwallet/keel/pkg/errors"
)

// Config is the application configuration.
type Config struct {
	Version     int                     `yaml:"version"`
	Home        string                  `yaml:"home,omitempty"`
	ActiveChain string                  `yaml:"active_chain,omitempty"`
	Chains      []network.ChainMetadata `yaml:"chains" validate:"dive"`
	RPC         RPCConfig               `yaml:"rpc"`
	Tracker     TrackerConfig           `yaml:"tracker"`
	Logging     LoggingConfig           `yaml:"logging"`
}

// RPCConfig tunes the retry engine and endpoint router.
type RPCConfig struct {
	MaxAttempts   int     `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelayMs   int     `yaml:"base_delay_ms" validate:"gte=0"`
	TimeoutMs     int     `yaml:"timeout_ms" validate:"gte=0"`
	CooldownMs    int     `yaml:"cooldown_ms" validate:"gte=0"`
	RatePerSecond float64 `yaml:"rate_per_second" validate:"gte=0"`
	Burst         int     `yaml:"burst" validate:"gte=0"`
}

// BaseDelay returns the backoff base delay.
func (c RPCConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMs) * time.Millisecond
}

// Timeout returns the per-request timeout.
func (c RPCConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Cooldown returns the endpoint failure cooldown.
func (c RPCConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMs) * time.Millisecond
}

// TrackerConfig tunes the receipt tracker cadence.
type TrackerConfig struct {
	PollIntervalMs int `yaml:"poll_interval_ms" validate:"gte=0"`
	MaxWaitMs      int `yaml:"max_wait_ms" validate:"gte=0"`
}

// PollInterval returns the receipt poll interval.
func (c TrackerConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// MaxWait returns the receipt tracking deadline.
func (c TrackerConfig) MaxWait() time.Duration {
	return time.Duration(c.MaxWaitMs) * time.Millisecond
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" validate:"omitempty,oneof=debug info warn error off"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty" validate:"gte=0"`
	MaxBackups int    `yaml:"max_backups,omitempty" validate:"gte=0"`
}

// Load reads configuration from the specified file, layered over the
// defaults.
func Load(path string) (*Config, error) {
	// #nosec G304 -- config file path is from validated user input
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, keelerr.WithDetails(keelerr.ErrConfigNotFound, map[string]string{
				"path": path,
			})
		}
		return nil, err
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, keelerr.Wrap(keelerr.WithDetails(keelerr.ErrConfigInvalid, map[string]string{
			"path": path,
		}), "%v", err)
	}

	return cfg, nil
}

// Save writes configuration to the specified file.
func Save(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fileutil.WriteAtomic(path, data, 0o600)
}

// Validate checks the configuration invariants: struct tags plus
// per-chain metadata rules and an active chain that is actually
// configured.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return keelerr.Wrap(keelerr.ErrConfigInvalid, "%v", err)
	}

	refs := make(map[network.Ref]struct{}, len(c.Chains))
	for i := range c.Chains {
		chain := &c.Chains[i]
		if err := chain.Validate(); err != nil {
			return err
		}
		if _, dup := refs[chain.Ref]; dup {
			return keelerr.WithDetails(keelerr.ErrConfigInvalid, map[string]string{
				"reason": "duplicate chain",
				"chain":  string(chain.Ref),
			})
		}
		refs[chain.Ref] = struct{}{}
	}

	if c.ActiveChain != "" {
		ref, err := network.ParseRef(c.ActiveChain)
		if err != nil {
			return err
		}
		if _, ok := refs[ref]; !ok {
			return keelerr.WithDetails(keelerr.ErrConfigInvalid, map[string]string{
				"reason":       "active chain is not configured",
				"active_chain": c.ActiveChain,
			})
		}
	}

	return nil
}

// Path returns the default config file path.
func Path(home string) string {
	return filepath.Join(home, "config.yaml")
}

// DefaultHome returns the default keel home directory.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".keel"
	}
	return filepath.Join(home, ".keel")
}

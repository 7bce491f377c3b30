// Package config provides configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/limitd/limitd/internal/ratelimit/core"
)

// FailMode decides what the gateway does when the engine cannot reach the
// counter store. There is no default: silently picking either has security or
// availability implications, so operators must choose.
type FailMode string

const (
	FailOpen   FailMode = "open"
	FailClosed FailMode = "closed"
)

// ParseFailMode parses a configured fail mode.
func ParseFailMode(mode string) (FailMode, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "open", "fail_open", "fail-open":
		return FailOpen, nil
	case "closed", "fail_closed", "fail-closed":
		return FailClosed, nil
	case "":
		return "", errors.New("fail_mode is required (open or closed)")
	default:
		return "", fmt.Errorf("unsupported fail_mode %q", mode)
	}
}

// Config captures runtime settings.
type Config struct {
	HTTP     HTTPConfig     `mapstructure:"http"`
	Store    StoreConfig    `mapstructure:"store"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Log      LogConfig      `mapstructure:"log"`
	Policies []PolicyConfig `mapstructure:"policies"`
}

// HTTPConfig configures the HTTP transport.
type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
	DrainTimeout time.Duration `mapstructure:"drain_timeout"`
	MaxBodyBytes int64         `mapstructure:"max_body_bytes"`
}

// StoreConfig configures the counter store backend.
type StoreConfig struct {
	// Backend is "redis" or "memory".
	Backend   string        `mapstructure:"backend"`
	Addr      string        `mapstructure:"addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	PoolSize  int           `mapstructure:"pool_size"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

// EngineConfig configures the limiter engine.
type EngineConfig struct {
	DenyCacheTTL        time.Duration `mapstructure:"deny_cache_ttl"`
	DenyCacheMaxEntries int           `mapstructure:"deny_cache_max_entries"`
	BreakerThreshold    int64         `mapstructure:"breaker_failure_threshold"`
	BreakerOpenFor      time.Duration `mapstructure:"breaker_open_for"`
}

// GatewayConfig configures the gateway integration shim.
type GatewayConfig struct {
	FailMode string `mapstructure:"fail_mode"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// PolicyConfig describes one rate limit policy.
type PolicyConfig struct {
	ID         string        `mapstructure:"id"`
	Algorithm  string        `mapstructure:"algorithm"`
	Limit      int64         `mapstructure:"limit"`
	Window     time.Duration `mapstructure:"window"`
	RefillRate float64       `mapstructure:"refill_rate"`
	Burst      int64         `mapstructure:"burst"`
}

// Validate checks the configuration, including every policy. An invalid
// policy fails the whole load: limits must never silently fall back to a
// default.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is required")
	}
	switch c.Store.Backend {
	case "redis":
		if c.Store.Addr == "" {
			return errors.New("store.addr is required for the redis backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store backend %q", c.Store.Backend)
	}
	if c.Store.Timeout < 0 {
		return errors.New("store.timeout must not be negative")
	}
	if _, err := ParseFailMode(c.Gateway.FailMode); err != nil {
		return err
	}
	if len(c.Policies) == 0 {
		return errors.New("at least one policy is required")
	}
	seen := make(map[string]struct{}, len(c.Policies))
	for _, policyConfig := range c.Policies {
		if _, dup := seen[policyConfig.ID]; dup {
			return fmt.Errorf("duplicate policy id %q", policyConfig.ID)
		}
		seen[policyConfig.ID] = struct{}{}
		policy, err := policyConfig.CorePolicy()
		if err != nil {
			return err
		}
		if err := policy.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// CorePolicy converts the config entry into a core policy.
func (pc PolicyConfig) CorePolicy() (*core.Policy, error) {
	algo, err := core.NormalizeAlgorithm(pc.Algorithm)
	if err != nil {
		return nil, err
	}
	return &core.Policy{
		ID:         pc.ID,
		Algorithm:  algo,
		Limit:      pc.Limit,
		Window:     pc.Window,
		RefillRate: pc.RefillRate,
		Burst:      pc.Burst,
	}, nil
}

// CorePolicies converts all configured policies.
func (c *Config) CorePolicies() ([]*core.Policy, error) {
	policies := make([]*core.Policy, 0, len(c.Policies))
	for _, policyConfig := range c.Policies {
		policy, err := policyConfig.CorePolicy()
		if err != nil {
			return nil, err
		}
		policies = append(policies, policy)
	}
	return policies, nil
}

// ParsedFailMode returns the validated fail mode.
func (c *Config) ParsedFailMode() FailMode {
	mode, err := ParseFailMode(c.Gateway.FailMode)
	if err != nil {
		return FailClosed
	}
	return mode
}

// Package config provides viper-backed loading with live reload.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Loader reads configuration from a YAML file with LIMITD_ environment
// overrides and supports watching the file for policy reloads.
type Loader struct {
	v    *viper.Viper
	path string
	mu   sync.Mutex
}

// NewLoader constructs a loader for the given config file path. An empty path
// searches for limitd.yaml in the working directory.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("limitd")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/limitd")
	}
	v.SetEnvPrefix("LIMITD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return &Loader{v: v, path: path}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 5*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.idle_timeout", 60*time.Second)
	v.SetDefault("http.drain_timeout", 5*time.Second)
	v.SetDefault("http.max_body_bytes", 1<<20)
	v.SetDefault("store.backend", "redis")
	v.SetDefault("store.key_prefix", "limitd:")
	v.SetDefault("store.timeout", 50*time.Millisecond)
	v.SetDefault("engine.deny_cache_ttl", time.Second)
	v.SetDefault("engine.deny_cache_max_entries", 16384)
	v.SetDefault("engine.breaker_failure_threshold", 10)
	v.SetDefault("engine.breaker_open_for", 200*time.Millisecond)
	v.SetDefault("log.level", "info")
}

// Load reads and validates the configuration.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// A missing search-path config is fine (env-only setups); an explicit
		// path that cannot be read is not.
		if l.path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Watch re-reads the file on change and calls onReload with the new, already
// validated configuration. Invalid edits are reported through onError and the
// previous configuration stays in effect.
func (l *Loader) Watch(onReload func(*Config), onError func(error)) {
	if onReload == nil {
		return
	}
	l.v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := l.Load()
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onReload(cfg)
	})
	l.v.WatchConfig()
}

// Package config loads the daemon configuration.
//
// Values are layered: built-in defaults, then the YAML file, then USHELF_*
// environment variables for top-level keys (USHELF_INTERVAL=30m sets
// interval).
package config

import (
	"github.com/sloonz/ushelf/lib"

	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

const EnvPrefix = "USHELF_"

var DefaultConfigPaths = []string{
	"ushelf.yaml",
	"/etc/ushelf/ushelf.yaml",
}

type Config struct {
	// SyncStates, locks and manifest caches, one set of files per library
	StateDir string `koanf:"state_dir" validate:"required"`

	// Time between two ticks of the scheduler
	Interval time.Duration `koanf:"interval" validate:"gt=0"`

	// Default for libraries not setting their own. 0 disables alerting.
	AlertThreshold int `koanf:"alert_threshold" validate:"gte=0"`

	// Address of the Prometheus /metrics endpoint, disabled if empty
	MetricsListen string `koanf:"metrics_listen" validate:"omitempty,hostname_port"`

	LogFormat string `koanf:"log_format" validate:"oneof=text json"`
	LogLevel  string `koanf:"log_level" validate:"oneof=trace debug info warn warning error"`

	Libraries []LibraryConfig `koanf:"libraries" validate:"required,min=1,unique=ID,dive"`
}

type LibraryConfig struct {
	ID        string `koanf:"id" validate:"required,excludesall=/\\"`
	Path      string `koanf:"path" validate:"required"`
	Direction string `koanf:"direction" validate:"required,oneof=backup restore"`

	// Backend option line, as accepted on the command line (type=fs,path=/srv/backups,...)
	Backend string `koanf:"backend" validate:"required"`

	// Additional library option line (workers=8,lock-wait=1m,...)
	Options string `koanf:"options"`

	PruneExtras    bool     `koanf:"prune_extras"`
	SkipUnchanged  bool     `koanf:"skip_unchanged"`
	AlertThreshold *int     `koanf:"alert_threshold" validate:"omitempty,gte=0"`

	// Age after which a held lock counts as a failure (default 24h)
	StaleLockAge time.Duration `koanf:"stale_lock_age" validate:"gte=0"`

	Exclude        []string `koanf:"exclude"`
	Retention      []string `koanf:"retention"`
}

func defaultConfig() *Config {
	return &Config{
		StateDir:       "/var/lib/ushelf",
		Interval:       15 * time.Minute,
		AlertThreshold: 3,
		LogFormat:      "text",
		LogLevel:       "info",
	}
}

// Load the configuration from path, or from the first of DefaultConfigPaths
// that exists if path is empty
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// USHELF_STATE_DIR -> state_dir
func envTransform(key string) string {
	return strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}

	for _, l := range c.Libraries {
		for _, p := range l.Retention {
			if _, err := ushelf.ParseRetentionPolicy(p); err != nil {
				return fmt.Errorf("library %s: %w", l.ID, err)
			}
		}
	}
	return nil
}

// Library options, to be evaluated with ushelf.EvalOptions
func (c *Config) LibraryOptions(l *LibraryConfig) []ushelf.KeyValuePair {
	threshold := c.AlertThreshold
	if l.AlertThreshold != nil {
		threshold = *l.AlertThreshold
	}

	kvs := []ushelf.KeyValuePair{
		{"ID", l.ID},
		{"Path", l.Path},
		{"StateDir", c.StateDir},
		{"AlertThreshold", strconv.Itoa(threshold)},
		{"PruneExtras", strconv.FormatBool(l.PruneExtras)},
		{"SkipUnchanged", strconv.FormatBool(l.SkipUnchanged)},
	}
	if l.StaleLockAge > 0 {
		kvs = append(kvs, ushelf.KeyValuePair{"StaleLockAge", l.StaleLockAge.String()})
	}
	for _, pattern := range l.Exclude {
		kvs = append(kvs, ushelf.KeyValuePair{"@Exclude", pattern})
	}
	for _, policy := range l.Retention {
		kvs = append(kvs, ushelf.KeyValuePair{"@RetentionPolicy", policy})
	}
	return append(kvs, ushelf.SplitOptions(l.Options)...)
}

func (l *LibraryConfig) BackendOptions() []ushelf.KeyValuePair {
	return ushelf.SplitOptions(l.Backend)
}

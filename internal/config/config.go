package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"portkeeper/internal/allocator"
	"portkeeper/internal/health"
	"portkeeper/internal/logger"
)

// FileConfig represents the top-level TOML structure. Loaded once per
// process; everything it carries is treated as immutable afterwards.
type FileConfig struct {
	Store     StoreConfig     `toml:"store" mapstructure:"store"`
	Allocator AllocatorConfig `toml:"allocator" mapstructure:"allocator"`
	Health    HealthConfig    `toml:"health" mapstructure:"health"`
	Server    ServerConfig    `toml:"server" mapstructure:"server"`
	History   HistoryConfig   `toml:"history" mapstructure:"history"`
	Log       logger.Config   `toml:"log" mapstructure:"log"`
}

type StoreConfig struct {
	// DSN selects the backend: sqlite://path, postgres://..., memory://.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type AllocatorConfig struct {
	RangeMin     int           `toml:"range_min" mapstructure:"range_min"`
	RangeMax     int           `toml:"range_max" mapstructure:"range_max"`
	Strategy     string        `toml:"strategy" mapstructure:"strategy"`
	ReclaimAfter time.Duration `toml:"reclaim_after" mapstructure:"reclaim_after"`
	// ReclaimOnProbe reclaims reserved ports that probe free without the
	// reclaim_after quiet period.
	ReclaimOnProbe bool `toml:"reclaim_on_probe" mapstructure:"reclaim_on_probe"`
	// ReservedPorts are excluded from scanning at startup, for services
	// managed outside portkeeper.
	ReservedPorts []int `toml:"reserved_ports" mapstructure:"reserved_ports"`
}

type HealthConfig struct {
	Interval         time.Duration `toml:"interval" mapstructure:"interval"`
	Timeout          time.Duration `toml:"timeout" mapstructure:"timeout"`
	FailureThreshold int           `toml:"failure_threshold" mapstructure:"failure_threshold"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
}

type HistoryConfig struct {
	// DSN selects the event sink: sqlite path, postgres://, clickhouse://.
	// Empty disables history export.
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

// Load reads the TOML file at path.
func Load(path string) (FileConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")
	if err := v.ReadInConfig(); err != nil {
		return FileConfig{}, err
	}
	var fc FileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return FileConfig{}, err
	}
	if err := fc.Validate(); err != nil {
		return FileConfig{}, err
	}
	return fc, nil
}

// Validate rejects values the packages downstream would choke on.
func (c FileConfig) Validate() error {
	if (c.Allocator.RangeMin == 0) != (c.Allocator.RangeMax == 0) {
		return fmt.Errorf("allocator range_min and range_max must be set together")
	}
	if c.Allocator.RangeMin != 0 {
		rng := allocator.Range{Min: c.Allocator.RangeMin, Max: c.Allocator.RangeMax}
		if err := rng.Validate(); err != nil {
			return err
		}
	}
	if s := allocator.Strategy(c.Allocator.Strategy); !s.Valid() {
		return fmt.Errorf("unknown allocator strategy %q", c.Allocator.Strategy)
	}
	for _, p := range c.Allocator.ReservedPorts {
		if p < 1 || p > 65535 {
			return fmt.Errorf("invalid reserved port %d", p)
		}
	}
	if c.Health.Interval < 0 || c.Health.Timeout < 0 || c.Health.FailureThreshold < 0 {
		return fmt.Errorf("health settings must not be negative")
	}
	return nil
}

// AllocatorConfig converts the file section into the allocator's form.
func (c FileConfig) AllocatorConfig() allocator.Config {
	cfg := allocator.Config{
		Strategy:       allocator.Strategy(c.Allocator.Strategy),
		ReclaimAfter:   c.Allocator.ReclaimAfter,
		ReclaimOnProbe: c.Allocator.ReclaimOnProbe,
	}
	if c.Allocator.RangeMin != 0 {
		cfg.Range = allocator.Range{Min: c.Allocator.RangeMin, Max: c.Allocator.RangeMax}
	}
	return cfg
}

// HealthConfig converts the file section into the checker's form.
func (c FileConfig) HealthConfig() health.Config {
	return health.Config{
		Interval:         c.Health.Interval,
		Timeout:          c.Health.Timeout,
		FailureThreshold: c.Health.FailureThreshold,
	}
}

// ListenAddr returns the daemon bind address, defaulting to :4040.
func (c FileConfig) ListenAddr() string {
	if c.Server.Listen == "" {
		return ":4040"
	}
	return c.Server.Listen
}

// Package relayconfig defines the daemon's YAML configuration,
// grounded on cmd/session-service/config/config.go's nested-struct +
// DefaultConfig() shape, expanded from a session-store config to the
// transport's recognized options (spec.md §6's Configuration list).
package relayconfig

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/tracing"
)

// Config is the daemon's top-level configuration.
type Config struct {
	Server      ServerConfig      `yaml:"Server"`
	Bandwidth   BandwidthConfig   `yaml:"Bandwidth"`
	Reliability ReliabilityConfig `yaml:"Reliability"`
	Log         LogConfig         `yaml:"Log"`
	Metrics     MetricsConfig     `yaml:"Metrics"`
	Tracing     tracing.Config    `yaml:"Tracing"`
}

// ServerConfig covers the socket-level recognized options (spec.md §6).
type ServerConfig struct {
	BindAddress         string `yaml:"BindAddress"`
	Port                int    `yaml:"Port"`
	AllowAlternatePort  bool   `yaml:"AllowAlternatePort"`
	MasqueradeAddress   string `yaml:"MasqueradeAddress,omitempty"`
	ReceiveBufferSize   int    `yaml:"ReceiveBufferSize"` // 0 => OS default
	AsyncPacketHandling bool   `yaml:"AsyncPacketHandling"`
	WorkerPoolSize      int    `yaml:"WorkerPoolSize"`
	WorkerQueueDepth    int    `yaml:"WorkerQueueDepth"`
}

// BandwidthConfig covers the hierarchical token-bucket rate options
// (spec.md §6: "scene-total-rate and -limit, per-client-total rate and
// -limit, per-category rate and -limit").
type BandwidthConfig struct {
	SceneTotalRate  float64 `yaml:"SceneTotalRate"`
	SceneTotalLimit int     `yaml:"SceneTotalLimit"`

	ClientTotalRate  float64 `yaml:"ClientTotalRate"`
	ClientTotalLimit int     `yaml:"ClientTotalLimit"`

	CategoryRate  [bucket.NumCategories]float64 `yaml:"CategoryRate"`
	CategoryLimit [bucket.NumCategories]int     `yaml:"CategoryLimit"`

	OutboundQueueDepth int `yaml:"OutboundQueueDepth"`
}

// ReliabilityConfig covers RTO bounds and the duplicate-archive depth.
type ReliabilityConfig struct {
	DefaultRTO            time.Duration `yaml:"DefaultRTO"`
	MaxRTO                time.Duration `yaml:"MaxRTO"`
	TickResolution        time.Duration `yaml:"TickResolution"`
	DuplicateArchiveDepth int           `yaml:"DuplicateArchiveDepth"`
	IdleTimeout           time.Duration `yaml:"IdleTimeout"`
}

// LogConfig mirrors the teacher's zap-backed log config.
type LogConfig struct {
	Level  string `yaml:"Level"`  // debug, info, warn, error
	Format string `yaml:"Format"` // json, console
}

// MetricsConfig controls the /metrics HTTP endpoint.
type MetricsConfig struct {
	Enable bool   `yaml:"Enable"`
	Host   string `yaml:"Host"`
	Port   int    `yaml:"Port"`
	Path   string `yaml:"Path"`
}

// DefaultConfig returns conservative defaults for a single-process
// deployment, following the teacher's DefaultConfig() shape.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			BindAddress:         "0.0.0.0",
			Port:                9000,
			AllowAlternatePort:  true,
			ReceiveBufferSize:   0,
			AsyncPacketHandling: true,
			WorkerPoolSize:      8,
			WorkerQueueDepth:    1024,
		},
		Bandwidth: BandwidthConfig{
			SceneTotalRate:     1_000_000,
			SceneTotalLimit:    2_000_000,
			ClientTotalRate:    28_000,
			ClientTotalLimit:   56_000,
			OutboundQueueDepth: 256,
		},
		Reliability: ReliabilityConfig{
			DefaultRTO:            3 * time.Second,
			MaxRTO:                60 * time.Second,
			TickResolution:        100 * time.Millisecond,
			DuplicateArchiveDepth: 200,
			IdleTimeout:           60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enable: true,
			Host:   "0.0.0.0",
			Port:   9101,
			Path:   "/metrics",
		},
		Tracing: tracing.DefaultConfig(),
	}

	perCategory := cfg.Bandwidth.ClientTotalRate / float64(bucket.NumCategories)
	if perCategory < bucket.MinDripRate {
		perCategory = bucket.MinDripRate
	}
	for i := range cfg.Bandwidth.CategoryRate {
		cfg.Bandwidth.CategoryRate[i] = perCategory
		cfg.Bandwidth.CategoryLimit[i] = int(perCategory * 2)
	}

	return cfg
}

// LoadConfig reads YAML configuration from path, starting from
// DefaultConfig so any field the file omits keeps its default. A
// missing file is not an error: it falls back to defaults entirely,
// matching cmd/session-service/main.go's loadConfig.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("relayconfig: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("relayconfig: parse %q: %w", path, err)
	}
	return cfg, nil
}

package tableau

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/tableau/internal/source"
)

// MaxSourcesPerEngine caps how many sources one engine database may hold.
const MaxSourcesPerEngine = 200

// ViewportConfig carries the default window geometry for new viewports.
type ViewportConfig struct {
	// WindowSize is the number of materialized records. Default: 50.
	WindowSize int `yaml:"window_size"`
	// Buffer is the scroll margin on each side. Default: window_size/2.
	Buffer int `yaml:"buffer"`
	// AutoRefresh re-issues the source refresh on this interval; 0 = off.
	AutoRefresh time.Duration `yaml:"auto_refresh"`
}

// SchedulerConfig tunes the background stale-source sweep.
type SchedulerConfig struct {
	// CheckInterval is how often to look for stale sources. Default: 1m.
	CheckInterval time.Duration `yaml:"check_interval"`
	// LogRetention prunes refresh_log entries older than this. 0 keeps
	// everything.
	LogRetention time.Duration `yaml:"log_retention"`
}

// Config configures an Engine.
type Config struct {
	// Path is the engine database file. ":memory:" is accepted in tests.
	Path string `yaml:"path"`

	// StaleAfter is the freshness threshold after which a fresh source
	// reads as stale. Default: 5 minutes.
	StaleAfter time.Duration `yaml:"stale_after"`

	// MaxSources caps sources per engine. Default: MaxSourcesPerEngine.
	MaxSources int `yaml:"max_sources"`

	Viewport  ViewportConfig  `yaml:"viewport"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

func (c *Config) defaults() {
	if c.Path == "" {
		c.Path = "tableau.db"
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = source.StaleThreshold
	}
	if c.MaxSources <= 0 {
		c.MaxSources = MaxSourcesPerEngine
	}
	if c.Viewport.WindowSize <= 0 {
		c.Viewport.WindowSize = 50
	}
	if c.Viewport.Buffer <= 0 {
		c.Viewport.Buffer = c.Viewport.WindowSize / 2
	}
	if c.Scheduler.CheckInterval <= 0 {
		c.Scheduler.CheckInterval = time.Minute
	}
}

func defaultConfig() *Config {
	cfg := &Config{}
	cfg.defaults()
	return cfg
}

// LoadConfig reads a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tableau: read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("tableau: parse config: %w", err)
	}
	cfg.defaults()
	return &cfg, nil
}

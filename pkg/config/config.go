package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Backend struct {
		BaseURL           string        `yaml:"base_url"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		RequestsPerSecond float64       `yaml:"requests_per_second"`
		Burst             int           `yaml:"burst"`
	} `yaml:"backend"`

	Session struct {
		ProfileRefreshInterval time.Duration `yaml:"profile_refresh_interval"`
		StatusPollInterval     time.Duration `yaml:"status_poll_interval"`
		RetryBackoff           time.Duration `yaml:"retry_backoff"`
		SettleDelay            time.Duration `yaml:"settle_delay"`
	} `yaml:"session"`

	Media struct {
		SignalURL  string `yaml:"signal_url"`
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		ReplayQualities []string      `yaml:"replay_qualities"`
		StallThreshold  time.Duration `yaml:"stall_threshold"`
	} `yaml:"media"`

	Diagnostics struct {
		Enabled bool   `yaml:"enabled"`
		Address string `yaml:"address"`
	} `yaml:"diagnostics"`

	Fanout struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Channel  string `yaml:"channel"`
	} `yaml:"fanout"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url must not be empty")
	}
	if c.Backend.RequestTimeout <= 0 {
		return fmt.Errorf("backend.request_timeout must be > 0")
	}
	if c.Backend.RequestsPerSecond <= 0 {
		return fmt.Errorf("backend.requests_per_second must be > 0")
	}
	if c.Backend.Burst <= 0 {
		return fmt.Errorf("backend.burst must be > 0")
	}

	if c.Session.ProfileRefreshInterval <= 0 {
		return fmt.Errorf("session.profile_refresh_interval must be > 0")
	}
	if c.Session.StatusPollInterval <= 0 {
		return fmt.Errorf("session.status_poll_interval must be > 0")
	}
	if c.Session.RetryBackoff <= 0 {
		return fmt.Errorf("session.retry_backoff must be > 0")
	}
	if c.Session.SettleDelay < 0 {
		return fmt.Errorf("session.settle_delay must be >= 0")
	}

	if c.Media.SignalURL == "" {
		return fmt.Errorf("media.signal_url must not be empty")
	}
	if len(c.Media.ReplayQualities) == 0 {
		return fmt.Errorf("media.replay_qualities must not be empty")
	}
	if c.Media.StallThreshold <= 0 {
		return fmt.Errorf("media.stall_threshold must be > 0")
	}

	if c.Diagnostics.Enabled && c.Diagnostics.Address == "" {
		return fmt.Errorf("diagnostics.address must not be empty when diagnostics.enabled=true")
	}

	if c.Fanout.Enabled {
		if c.Fanout.Address == "" {
			return fmt.Errorf("fanout.address must not be empty when fanout.enabled=true")
		}
		if c.Fanout.Channel == "" {
			return fmt.Errorf("fanout.channel must not be empty when fanout.enabled=true")
		}
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Backend.BaseURL = "http://localhost:8080"
	cfg.Backend.RequestTimeout = 30 * time.Second
	cfg.Backend.RequestsPerSecond = 10
	cfg.Backend.Burst = 20

	cfg.Session.ProfileRefreshInterval = 10 * time.Second
	cfg.Session.StatusPollInterval = 3 * time.Second
	cfg.Session.RetryBackoff = 3 * time.Second
	cfg.Session.SettleDelay = 500 * time.Millisecond

	cfg.Media.SignalURL = "ws://localhost:8080/signal"
	cfg.Media.ReplayQualities = []string{"1080p", "720p", "480p"}
	cfg.Media.StallThreshold = 3 * time.Second

	cfg.Diagnostics.Enabled = false
	cfg.Diagnostics.Address = ":9091"

	cfg.Fanout.Enabled = false
	cfg.Fanout.Address = "localhost:6379"
	cfg.Fanout.Channel = "streamview:session"

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "streamview"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if base := os.Getenv("STREAMVIEW_BACKEND_URL"); base != "" {
		c.Backend.BaseURL = base
	}
	if signal := os.Getenv("STREAMVIEW_SIGNAL_URL"); signal != "" {
		c.Media.SignalURL = signal
	}
	if level := os.Getenv("STREAMVIEW_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("STREAMVIEW_DIAGNOSTICS_ADDRESS"); addr != "" {
		c.Diagnostics.Address = addr
	}
	if addr := os.Getenv("STREAMVIEW_FANOUT_ADDRESS"); addr != "" {
		c.Fanout.Address = addr
	}
}

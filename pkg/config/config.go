package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type FakeDevice struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Signal struct {
		PingInterval time.Duration `yaml:"ping_interval"`
		PongTimeout  time.Duration `yaml:"pong_timeout"`
		WriteTimeout time.Duration `yaml:"write_timeout"`
	} `yaml:"signal"`

	Audio struct {
		// Sample rate of the system default output stream; seeds tab
		// audio capture parameters.
		DefaultOutputSampleRate int `yaml:"default_output_sample_rate"`
	} `yaml:"audio"`

	Devices struct {
		DeviceIDSalt     string       `yaml:"device_id_salt"`
		UseFakeDevices   bool         `yaml:"use_fake_devices"`
		FakeAudioDevices []FakeDevice `yaml:"fake_audio_devices"`
		FakeVideoDevices []FakeDevice `yaml:"fake_video_devices"`
	} `yaml:"devices"`

	UI struct {
		UseFakeUI bool `yaml:"use_fake_ui"`
	} `yaml:"ui"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		Enabled   bool   `yaml:"enabled"`
		JWTSecret string `yaml:"jwt_secret"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server.read_timeout must be > 0")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server.write_timeout must be > 0")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= c.Signal.PingInterval {
		return fmt.Errorf("signal.pong_timeout must be > signal.ping_interval")
	}
	if c.Audio.DefaultOutputSampleRate < 0 {
		return fmt.Errorf("audio.default_output_sample_rate must be >= 0")
	}
	if c.Devices.DeviceIDSalt == "" {
		return fmt.Errorf("devices.device_id_salt must not be empty")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty when auth is enabled")
	}
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0")
		}
	}
	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing is enabled")
		}
		if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
		}
	}
	return nil
}

// Default returns a configuration with sensible development defaults.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 10 * time.Second
	cfg.Server.WriteTimeout = 10 * time.Second
	cfg.Server.ShutdownTimeout = 15 * time.Second
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.WriteTimeout = 10 * time.Second
	cfg.Audio.DefaultOutputSampleRate = 48000
	cfg.Devices.DeviceIDSalt = "dev-salt"
	cfg.Devices.UseFakeDevices = true
	cfg.Devices.FakeAudioDevices = []FakeDevice{{ID: "fake_audio_1", Name: "Fake Microphone"}}
	cfg.Devices.FakeVideoDevices = []FakeDevice{{ID: "fake_video_1", Name: "Fake Camera"}}
	cfg.UI.UseFakeUI = true
	cfg.Monitoring.PrometheusEnabled = true
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Tracing.ServiceName = "mediagate"
	cfg.Tracing.SampleRate = 1.0
	return cfg
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

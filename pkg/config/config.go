package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Directory struct {
		Address         string        `yaml:"address"`
		BaseURL         string        `yaml:"base_url"`
		RequestTimeout  time.Duration `yaml:"request_timeout"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"directory"`

	Signal struct {
		Address         string        `yaml:"address"`
		URL             string        `yaml:"url"`
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"signal"`

	// Call holds every timing parameter of the call-setup flow. Earlier
	// revisions of this feature scattered these as magic numbers; they are
	// centralized here with the documented defaults.
	Call struct {
		ChannelOpenTimeout time.Duration `yaml:"channel_open_timeout"`
		ReconnectDelay     time.Duration `yaml:"reconnect_delay"`
		PollInterval       time.Duration `yaml:"poll_interval"`
		SettleDelay        time.Duration `yaml:"settle_delay"`
		NegotiationTimeout time.Duration `yaml:"negotiation_timeout"`
		RetryBackoff       time.Duration `yaml:"retry_backoff"`
		MaxAttempts        int           `yaml:"max_attempts"`
	} `yaml:"call"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Media struct {
		Profiles []MediaProfile `yaml:"profiles"`
	} `yaml:"media"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		ServiceName string  `yaml:"service_name"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Redis struct {
		Enabled  bool   `yaml:"enabled"`
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		PoolSize int    `yaml:"pool_size"`
	} `yaml:"redis"`

	Auth struct {
		JWTSecret string        `yaml:"jwt_secret"`
		TokenTTL  time.Duration `yaml:"token_ttl"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
	} `yaml:"rate_limiting"`
}

// ICEServer is one STUN/TURN relay endpoint handed to the negotiation
// layer. The list may be empty in restricted environments; negotiation then
// only succeeds on local networks.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// MediaProfile is one quality level tried during media acquisition, best
// first.
type MediaProfile struct {
	Name      string `yaml:"name"`
	Width     int    `yaml:"width"`
	Height    int    `yaml:"height"`
	FrameRate int    `yaml:"frame_rate"`
	AudioOnly bool   `yaml:"audio_only"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Directory.Address == "" {
		return fmt.Errorf("directory.address must not be empty")
	}
	if c.Directory.BaseURL == "" {
		return fmt.Errorf("directory.base_url must not be empty")
	}
	if c.Directory.RequestTimeout <= 0 {
		return fmt.Errorf("directory.request_timeout must be > 0")
	}

	if c.Signal.Address == "" {
		return fmt.Errorf("signal.address must not be empty")
	}
	if c.Signal.PingInterval <= 0 {
		return fmt.Errorf("signal.ping_interval must be > 0")
	}
	if c.Signal.PongTimeout <= 0 {
		return fmt.Errorf("signal.pong_timeout must be > 0")
	}

	if c.Call.ChannelOpenTimeout <= 0 {
		return fmt.Errorf("call.channel_open_timeout must be > 0")
	}
	if c.Call.ReconnectDelay <= 0 {
		return fmt.Errorf("call.reconnect_delay must be > 0")
	}
	if c.Call.PollInterval <= 0 {
		return fmt.Errorf("call.poll_interval must be > 0")
	}
	if c.Call.SettleDelay < 0 {
		return fmt.Errorf("call.settle_delay must be >= 0")
	}
	if c.Call.NegotiationTimeout <= 0 {
		return fmt.Errorf("call.negotiation_timeout must be > 0")
	}
	if c.Call.RetryBackoff <= 0 {
		return fmt.Errorf("call.retry_backoff must be > 0")
	}
	if c.Call.MaxAttempts <= 0 {
		return fmt.Errorf("call.max_attempts must be > 0")
	}

	if len(c.Media.Profiles) == 0 {
		return fmt.Errorf("media.profiles must not be empty")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be > 0")
	}

	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
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

// DefaultConfig returns configuration with sane defaults. The call timings
// match the reference behavior: 15s channel open, 2s reconnect, 3s poll,
// 2s settle, 10s negotiation, 3s backoff, 3 attempts.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Directory.Address = ":8080"
	cfg.Directory.BaseURL = "http://localhost:8080"
	cfg.Directory.RequestTimeout = 10 * time.Second
	cfg.Directory.ReadTimeout = 30 * time.Second
	cfg.Directory.WriteTimeout = 30 * time.Second
	cfg.Directory.ShutdownTimeout = 30 * time.Second

	cfg.Signal.Address = ":8081"
	cfg.Signal.URL = "ws://localhost:8081/ws"
	cfg.Signal.PingInterval = 30 * time.Second
	cfg.Signal.PongTimeout = 60 * time.Second
	cfg.Signal.ShutdownTimeout = 30 * time.Second

	cfg.Call.ChannelOpenTimeout = 15 * time.Second
	cfg.Call.ReconnectDelay = 2 * time.Second
	cfg.Call.PollInterval = 3 * time.Second
	cfg.Call.SettleDelay = 2 * time.Second
	cfg.Call.NegotiationTimeout = 10 * time.Second
	cfg.Call.RetryBackoff = 3 * time.Second
	cfg.Call.MaxAttempts = 3

	cfg.WebRTC.ICEServers = []ICEServer{
		{URLs: []string{"stun:stun.l.google.com:19302"}},
		{URLs: []string{"stun:stun1.l.google.com:19302"}},
	}

	cfg.Media.Profiles = []MediaProfile{
		{Name: "hd", Width: 1280, Height: 720, FrameRate: 30},
		{Name: "sd", Width: 640, Height: 480, FrameRate: 24},
		{Name: "audio-only", AudioOnly: true},
	}

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Tracing.Enabled = false
	cfg.Tracing.ServiceName = "mediconnect"
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.TokenTTL = time.Hour

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("MEDICONNECT_DIRECTORY_ADDRESS"); addr != "" {
		c.Directory.Address = addr
	}
	if url := os.Getenv("MEDICONNECT_DIRECTORY_URL"); url != "" {
		c.Directory.BaseURL = url
	}
	if addr := os.Getenv("MEDICONNECT_SIGNAL_ADDRESS"); addr != "" {
		c.Signal.Address = addr
	}
	if url := os.Getenv("MEDICONNECT_SIGNAL_URL"); url != "" {
		c.Signal.URL = url
	}
	if level := os.Getenv("MEDICONNECT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("MEDICONNECT_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
}

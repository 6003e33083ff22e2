package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Relay struct {
		URL             string        `yaml:"url"` // used by participants
		PingInterval    time.Duration `yaml:"ping_interval"`
		PongTimeout     time.Duration `yaml:"pong_timeout"`
		RoomIdleTimeout time.Duration `yaml:"room_idle_timeout"`
		SendQueueSize   int           `yaml:"send_queue_size"`
		MaxMessageBytes int64         `yaml:"max_message_bytes"`
		MaxRooms        int           `yaml:"max_rooms"` // readiness fails above this; 0 = unlimited
	} `yaml:"relay"`

	Signaling struct {
		SubscribeTimeout  time.Duration `yaml:"subscribe_timeout"`
		HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
		PresenceTimeout   time.Duration `yaml:"presence_timeout"`
		RetryAttempts     int           `yaml:"retry_attempts"`
		RetryBaseDelay    time.Duration `yaml:"retry_base_delay"`
		DedupeWindow      time.Duration `yaml:"dedupe_window"`
	} `yaml:"signaling"`

	Negotiation struct {
		ReconnectAttempts int           `yaml:"reconnect_attempts"`
		ReconnectTimeout  time.Duration `yaml:"reconnect_timeout"`
	} `yaml:"negotiation"`

	WebRTC struct {
		ICEServers []ICEServer `yaml:"ice_servers"`
		PortRange  struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
	} `yaml:"webrtc"`

	Transcription struct {
		Enabled           bool   `yaml:"enabled"`
		StreamURL         string `yaml:"stream_url"`
		APIBaseURL        string `yaml:"api_base_url"`
		TargetSampleRate  int    `yaml:"target_sample_rate"`
		FrameSize         int    `yaml:"frame_size"`
		CaptureSampleRate int    `yaml:"capture_sample_rate"`
		CaptureChannels   int    `yaml:"capture_channels"`
	} `yaml:"transcription"`

	Archive struct {
		Dir string `yaml:"dir"` // transcripts of ended meetings; empty disables archiving
	} `yaml:"archive"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled        bool    `yaml:"enabled"`
		JaegerEndpoint string  `yaml:"jaeger_endpoint"`
		SampleRate     float64 `yaml:"sample_rate"`
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
		JWTSecret      string        `yaml:"jwt_secret"`
		JoinTokenTTL   time.Duration `yaml:"join_token_ttl"`
		SpeechTokenTTL time.Duration `yaml:"speech_token_ttl"`
		SpeechAPIKey   string        `yaml:"speech_api_key"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled bool `yaml:"enabled"`

		HTTP struct {
			RequestsPerSecond float64 `yaml:"requests_per_second"`
			Burst             int     `yaml:"burst"`
		} `yaml:"http"`

		WebSocket struct {
			MessagesPerSecond float64 `yaml:"messages_per_second"`
			Burst             int     `yaml:"burst"`
			MaxConcurrent     int     `yaml:"max_concurrent_connections"`
		} `yaml:"websocket"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Relay
	if c.Relay.PingInterval <= 0 {
		return fmt.Errorf("relay.ping_interval must be > 0")
	}
	if c.Relay.PongTimeout <= c.Relay.PingInterval {
		return fmt.Errorf("relay.pong_timeout must be greater than relay.ping_interval")
	}
	if c.Relay.SendQueueSize <= 0 {
		return fmt.Errorf("relay.send_queue_size must be > 0")
	}
	if c.Relay.MaxMessageBytes <= 0 {
		return fmt.Errorf("relay.max_message_bytes must be > 0")
	}

	// Signaling
	if c.Signaling.SubscribeTimeout <= 0 {
		return fmt.Errorf("signaling.subscribe_timeout must be > 0")
	}
	if c.Signaling.HeartbeatInterval <= 0 {
		return fmt.Errorf("signaling.heartbeat_interval must be > 0")
	}
	if c.Signaling.PresenceTimeout <= c.Signaling.HeartbeatInterval {
		return fmt.Errorf("signaling.presence_timeout must be greater than signaling.heartbeat_interval")
	}
	if c.Signaling.RetryAttempts < 1 {
		return fmt.Errorf("signaling.retry_attempts must be >= 1")
	}
	if c.Signaling.RetryBaseDelay <= 0 {
		return fmt.Errorf("signaling.retry_base_delay must be > 0")
	}
	if c.Signaling.DedupeWindow <= 0 {
		return fmt.Errorf("signaling.dedupe_window must be > 0")
	}

	// Negotiation
	if c.Negotiation.ReconnectAttempts < 0 {
		return fmt.Errorf("negotiation.reconnect_attempts must be >= 0")
	}
	if c.Negotiation.ReconnectTimeout <= 0 {
		return fmt.Errorf("negotiation.reconnect_timeout must be > 0")
	}

	// WebRTC
	if c.WebRTC.PortRange.Min > 0 || c.WebRTC.PortRange.Max > 0 {
		if c.WebRTC.PortRange.Min == 0 || c.WebRTC.PortRange.Max == 0 {
			return fmt.Errorf("webrtc.port_range.min and max must both be set when one is set")
		}
		if c.WebRTC.PortRange.Min >= c.WebRTC.PortRange.Max {
			return fmt.Errorf("webrtc.port_range.min must be < max")
		}
	}

	// Transcription
	if c.Transcription.Enabled {
		if c.Transcription.StreamURL == "" {
			return fmt.Errorf("transcription.stream_url must not be empty when transcription.enabled=true")
		}
		if c.Transcription.TargetSampleRate <= 0 || c.Transcription.CaptureSampleRate <= 0 {
			return fmt.Errorf("transcription sample rates must be > 0")
		}
		if c.Transcription.FrameSize <= 0 {
			return fmt.Errorf("transcription.frame_size must be > 0")
		}
		if c.Transcription.CaptureChannels <= 0 {
			return fmt.Errorf("transcription.capture_channels must be > 0")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Tracing
	if c.Tracing.Enabled && c.Tracing.JaegerEndpoint == "" {
		return fmt.Errorf("tracing.jaeger_endpoint must not be empty when tracing.enabled=true")
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Address == "" {
			return fmt.Errorf("redis.address must not be empty when redis.enabled=true")
		}
		if c.Redis.PoolSize <= 0 {
			return fmt.Errorf("redis.pool_size must be > 0 when redis.enabled=true")
		}
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.JoinTokenTTL <= 0 {
		return fmt.Errorf("auth.join_token_ttl must be > 0")
	}
	if c.Auth.SpeechTokenTTL <= 0 {
		return fmt.Errorf("auth.speech_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.HTTP.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.http.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.HTTP.Burst <= 0 {
			return fmt.Errorf("rate_limiting.http.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MessagesPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.websocket.messages_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.Burst <= 0 {
			return fmt.Errorf("rate_limiting.websocket.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.WebSocket.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.websocket.max_concurrent_connections must be >= 0 when rate limiting is enabled")
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

// SearchPaths are tried in order when no config file is named explicitly.
var SearchPaths = []string{
	"configs/config.yaml",
	"./configs/config.yaml",
	"/etc/huddle/config.yaml",
	"config.yaml",
}

// LoadFirst loads the first of paths that exists and returns its path. With
// none present it returns defaults plus environment overrides and "".
func LoadFirst(paths ...string) (*Config, string, error) {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		cfg, err := Load(path)
		return cfg, path, err
	}
	cfg := DefaultConfig()
	cfg.applyEnvOverrides()
	return cfg, "", nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Relay.URL = "ws://localhost:8080/ws"
	cfg.Relay.PingInterval = 20 * time.Second
	cfg.Relay.PongTimeout = 45 * time.Second
	cfg.Relay.RoomIdleTimeout = 2 * time.Minute
	cfg.Relay.SendQueueSize = 256
	cfg.Relay.MaxMessageBytes = 64 * 1024
	cfg.Relay.MaxRooms = 10000

	cfg.Signaling.SubscribeTimeout = 10 * time.Second
	cfg.Signaling.HeartbeatInterval = 5 * time.Second
	cfg.Signaling.PresenceTimeout = 15 * time.Second
	cfg.Signaling.RetryAttempts = 3
	cfg.Signaling.RetryBaseDelay = 250 * time.Millisecond
	cfg.Signaling.DedupeWindow = 2 * time.Minute

	cfg.Negotiation.ReconnectAttempts = 3
	cfg.Negotiation.ReconnectTimeout = 5 * time.Second

	cfg.WebRTC.ICEServers = []ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}}

	cfg.Transcription.Enabled = false
	cfg.Transcription.StreamURL = "wss://streaming.assemblyai.com/v3/ws"
	cfg.Transcription.APIBaseURL = "http://localhost:8080"
	cfg.Transcription.TargetSampleRate = 16000
	cfg.Transcription.FrameSize = 4096
	cfg.Transcription.CaptureSampleRate = 48000
	cfg.Transcription.CaptureChannels = 1

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerEndpoint = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Redis.Enabled = false
	cfg.Redis.Address = "localhost:6379"
	cfg.Redis.DB = 0
	cfg.Redis.PoolSize = 10

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.JoinTokenTTL = 4 * time.Hour
	cfg.Auth.SpeechTokenTTL = 60 * time.Second
	cfg.Auth.AllowedOrigins = []string{"*"}

	// Rate limiting defaults (disabled by default)
	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.HTTP.RequestsPerSecond = 50
	cfg.RateLimiting.HTTP.Burst = 100
	cfg.RateLimiting.WebSocket.MessagesPerSecond = 100
	cfg.RateLimiting.WebSocket.Burst = 200
	cfg.RateLimiting.WebSocket.MaxConcurrent = 0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("HUDDLE_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if url := os.Getenv("HUDDLE_RELAY_URL"); url != "" {
		c.Relay.URL = url
	}
	if level := os.Getenv("HUDDLE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("HUDDLE_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if key := os.Getenv("HUDDLE_SPEECH_API_KEY"); key != "" {
		c.Auth.SpeechAPIKey = key
	}
	if addr := os.Getenv("HUDDLE_REDIS_ADDRESS"); addr != "" {
		c.Redis.Address = addr
		c.Redis.Enabled = true
	}
	if dir := os.Getenv("HUDDLE_ARCHIVE_DIR"); dir != "" {
		c.Archive.Dir = dir
	}
	if v := os.Getenv("HUDDLE_TRANSCRIPTION_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			c.Transcription.Enabled = enabled
		}
	}
}

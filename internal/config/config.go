package config

import "time"

// Config is the root configuration for Courier.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Database DatabaseConfig `yaml:"database"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Dispatch DispatchConfig `yaml:"dispatch"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

type AuthConfig struct {
	JWTSecret        string        `yaml:"jwt_secret"`
	SecretDir        string        `yaml:"secret_dir"`
	Issuer           string        `yaml:"issuer"`
	TokenTTL         time.Duration `yaml:"token_ttl"`
	ClockSkew        time.Duration `yaml:"clock_skew"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

type DatabaseConfig struct {
	Path            string        `yaml:"path"`
	RetentionDays   int           `yaml:"retention_days"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// RealtimeConfig tunes the WebSocket transport.
type RealtimeConfig struct {
	Path            string        `yaml:"path"`
	SendBuffer      int           `yaml:"send_buffer"`
	WriteWait       time.Duration `yaml:"write_wait"`
	PongWait        time.Duration `yaml:"pong_wait"`
	PingInterval    time.Duration `yaml:"ping_interval"`
	MaxMessageBytes int64         `yaml:"max_message_bytes"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type DispatchConfig struct {
	MaxConcurrentFallbacks int           `yaml:"max_concurrent_fallbacks"`
	NotificationTTL        time.Duration `yaml:"notification_ttl"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "127.0.0.1",
			Port:     8430,
			LogLevel: "info",
		},
		Auth: AuthConfig{
			SecretDir:        "~/.config/courier",
			Issuer:           "courier",
			TokenTTL:         24 * time.Hour,
			ClockSkew:        30 * time.Second,
			HandshakeTimeout: 10 * time.Second,
		},
		Database: DatabaseConfig{
			Path:            "~/.config/courier/courier.db",
			RetentionDays:   7,
			CleanupInterval: time.Hour,
		},
		Realtime: RealtimeConfig{
			Path:            "/ws",
			SendBuffer:      64,
			WriteWait:       10 * time.Second,
			PongWait:        45 * time.Second,
			PingInterval:    15 * time.Second,
			MaxMessageBytes: 1 << 16, // 64KB
		},
		Dispatch: DispatchConfig{
			MaxConcurrentFallbacks: 8,
			NotificationTTL:        30 * 24 * time.Hour,
		},
	}
}

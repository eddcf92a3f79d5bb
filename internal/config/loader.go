package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	paths := []string{
		"/etc/courier/courier.yaml",
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "courier", "courier.yaml"))
	}

	paths = append(paths, "courier.yaml")

	if envPath := os.Getenv("COURIER_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// Load reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// /etc/courier/courier.yaml < ~/.config/courier/courier.yaml < ./courier.yaml < $COURIER_CONFIG
func Load() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	return finish(cfg)
}

// LoadFromFile reads configuration from a specific file path.
func LoadFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if secret := os.Getenv("COURIER_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if level := os.Getenv("COURIER_LOG_LEVEL"); level != "" {
		cfg.Server.LogLevel = level
	}
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}

func validate(cfg *Config) error {
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}

	if cfg.Auth.JWTSecret != "" && len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 characters")
	}

	if cfg.Auth.JWTSecret == "" && cfg.Auth.SecretDir == "" {
		return fmt.Errorf("one of auth.jwt_secret or auth.secret_dir is required")
	}

	if cfg.Auth.HandshakeTimeout <= 0 {
		return fmt.Errorf("auth.handshake_timeout must be positive")
	}

	if cfg.Realtime.SendBuffer < 1 {
		return fmt.Errorf("realtime.send_buffer must be at least 1")
	}

	if cfg.Realtime.PingInterval >= cfg.Realtime.PongWait {
		return fmt.Errorf("realtime.ping_interval (%s) must be shorter than realtime.pong_wait (%s)",
			cfg.Realtime.PingInterval, cfg.Realtime.PongWait)
	}

	if !strings.HasPrefix(cfg.Realtime.Path, "/") {
		return fmt.Errorf("realtime.path must start with /")
	}

	if cfg.Dispatch.MaxConcurrentFallbacks < 1 {
		return fmt.Errorf("dispatch.max_concurrent_fallbacks must be at least 1")
	}

	if cfg.Dispatch.NotificationTTL <= 0 {
		return fmt.Errorf("dispatch.notification_ttl must be positive")
	}

	cfg.Database.Path = ExpandHome(cfg.Database.Path)
	cfg.Auth.SecretDir = ExpandHome(cfg.Auth.SecretDir)

	return nil
}

package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
	"gopkg.in/yaml.v3"
)

// Config is the gateway configuration, loaded from YAML with defaults for
// every field.
type Config struct {
	Janus   JanusConfig   `yaml:"janus"`
	Port    int           `yaml:"port"`
	Logging LoggingConfig `yaml:"logging"`

	// BasePath is the prefix every WHEP route is mounted under.
	BasePath string `yaml:"base_path"`
	// AllowTrickle disables the trickle PATCH path with a 405 when false,
	// as the WHEP specification allows.
	AllowTrickle bool `yaml:"allow_trickle"`
	// StrictETags turns If-Match mismatches into 412 failures instead of
	// ignoring them.
	StrictETags bool `yaml:"strict_etags"`
	// ICEServers is the global STUN/TURN set advertised via Link headers
	// to endpoints that do not declare their own.
	ICEServers []ICEServerConfig `yaml:"ice_servers"`

	MonitorInterval   time.Duration `yaml:"monitor_interval"`
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
}

type JanusConfig struct {
	// Address is the Janus WebSocket URL.
	Address string `yaml:"address"`
	// APISecret is attached to every Janus request when set.
	APISecret string `yaml:"api_secret"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// ICEServerConfig describes one STUN/TURN server, in both the YAML config
// and the JSON endpoint-creation body.
type ICEServerConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Username   string `yaml:"username" json:"username,omitempty"`
	Credential string `yaml:"credential" json:"credential,omitempty"`
}

// GetConfigWithDefaults returns the default configuration values.
func GetConfigWithDefaults() *Config {
	return &Config{
		Janus: JanusConfig{
			Address: "ws://127.0.0.1:8188",
		},
		Port:              7090,
		BasePath:          "/whep",
		AllowTrickle:      true,
		StrictETags:       false,
		MonitorInterval:   2 * time.Second,
		ReconnectDelay:    3 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to the
// defaults when the file does not exist.
func LoadConfig(path string) (*Config, error) {
	config := GetConfigWithDefaults()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		slog.Info("Config file not found, using defaults", "path", path)
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return config, nil
}

// validate checks if the configuration is valid.
func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port: %d (must be between 1-65535)", c.Port)
	}
	if c.Janus.Address == "" {
		return fmt.Errorf("janus address must not be empty")
	}
	if !strings.HasPrefix(c.Janus.Address, "ws://") && !strings.HasPrefix(c.Janus.Address, "wss://") {
		return fmt.Errorf("invalid janus address: %s (must be a ws:// or wss:// URL)", c.Janus.Address)
	}
	if !strings.HasPrefix(c.BasePath, "/") {
		return fmt.Errorf("invalid base_path: %s (must start with /)", c.BasePath)
	}
	if c.MonitorInterval <= 0 {
		return fmt.Errorf("invalid monitor_interval: %v (must be positive)", c.MonitorInterval)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("invalid reconnect_delay: %v (must be positive)", c.ReconnectDelay)
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("invalid keepalive_interval: %v (must be positive)", c.KeepaliveInterval)
	}
	validLevels := []string{"debug", "info", "warn", "error"}
	levelValid := false
	for _, level := range validLevels {
		if strings.ToLower(c.Logging.Level) == level {
			levelValid = true
			break
		}
	}
	if !levelValid {
		return fmt.Errorf("invalid log level: %s (must be one of: %v)", c.Logging.Level, validLevels)
	}
	return nil
}

// GetSlogLevel returns the slog.Level for the configured log level.
func (c *Config) GetSlogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// InitLogger installs the default structured logger at the configured
// level.
func InitLogger(c *Config) {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: c.GetSlogLevel(),
	})
	slog.SetDefault(slog.New(handler))
}

// iceServers converts the configured descriptors to the pion form used by
// the registry and the Link header builder.
func iceServers(list []ICEServerConfig) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(list))
	for _, s := range list {
		if s.URI == "" {
			continue
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:       []string{s.URI},
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return servers
}

package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Port != 7090 || cfg.BasePath != "/whep" || !cfg.AllowTrickle {
		t.Errorf("defaults not applied: %+v", cfg)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Errorf("reconnect_delay default = %v", cfg.ReconnectDelay)
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `
janus:
  address: ws://janus.internal:8188
  api_secret: shhh
port: 8080
base_path: /gw
strict_etags: true
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Janus.Address != "ws://janus.internal:8188" || cfg.Janus.APISecret != "shhh" {
		t.Errorf("janus section = %+v", cfg.Janus)
	}
	if cfg.Port != 8080 || cfg.BasePath != "/gw" || !cfg.StrictETags {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.GetSlogLevel() != slog.LevelDebug {
		t.Errorf("log level = %v", cfg.GetSlogLevel())
	}
	// Untouched fields keep their defaults.
	if cfg.MonitorInterval != 2*time.Second {
		t.Errorf("monitor_interval = %v", cfg.MonitorInterval)
	}
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"empty janus address", func(c *Config) { c.Janus.Address = "" }},
		{"http janus address", func(c *Config) { c.Janus.Address = "http://127.0.0.1:8088" }},
		{"relative base path", func(c *Config) { c.BasePath = "whep" }},
		{"zero monitor interval", func(c *Config) { c.MonitorInterval = 0 }},
		{"negative reconnect delay", func(c *Config) { c.ReconnectDelay = -time.Second }},
		{"bogus log level", func(c *Config) { c.Logging.Level = "loud" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := GetConfigWithDefaults()
			tt.mutate(cfg)
			if err := cfg.validate(); err == nil {
				t.Error("validate accepted an invalid config")
			}
		})
	}
	if err := GetConfigWithDefaults().validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

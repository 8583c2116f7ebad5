package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CITYPULSE_PORT", "PORT", "CITYPULSE_HOST", "CITYPULSE_RELAY_URL", "RELAY_BASE_URL",
		"CITYPULSE_FEEDS_FILE", "CITYPULSE_GATEWAY_TOKEN", "OPENCLAW_GATEWAY_TOKEN", "CLAWDBOT_GATEWAY_TOKEN",
		"CITYPULSE_PAIRING_DB", "CITYPULSE_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY",
		"CITYPULSE_BASE_URL", "ANTHROPIC_BASE_URL", "CITYPULSE_LOG_LEVEL", "CITYPULSE_LOG_FORMAT",
		"CITYPULSE_LOG_FILE", "CITYPULSE_REDIS_URL", "CITYPULSE_TELEGRAM_TOKEN", "CITYPULSE_TELEGRAM_CHAT_ID",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Relay.Host != DefaultHost {
		t.Errorf("host = %q, want %q", cfg.Relay.Host, DefaultHost)
	}
	if cfg.Relay.Port != DefaultPort {
		t.Errorf("port = %d, want %d", cfg.Relay.Port, DefaultPort)
	}
	if cfg.Bridge.Path != DefaultBridgePath {
		t.Errorf("bridge path = %q, want %q", cfg.Bridge.Path, DefaultBridgePath)
	}
	if cfg.Bridge.MaxPendingPairings != 3 {
		t.Errorf("maxPendingPairings = %d, want 3", cfg.Bridge.MaxPendingPairings)
	}
	if cfg.Bridge.PairingTTL != "10m" {
		t.Errorf("pairingTtl = %q, want 10m", cfg.Bridge.PairingTTL)
	}
	if cfg.Ingest.RelayBaseURL != "http://localhost:4000" {
		t.Errorf("relayBaseUrl = %q", cfg.Ingest.RelayBaseURL)
	}
	if cfg.Redis.Stream != DefaultRedisStream {
		t.Errorf("redis stream = %q", cfg.Redis.Stream)
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bridge.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Bridge.Model)
	}
	if cfg.Log.Format != DefaultLogFormat {
		t.Errorf("log format = %q", cfg.Log.Format)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".citypulse")
	os.MkdirAll(cfgDir, 0755)

	testCfg := map[string]any{
		"relay": map[string]any{
			"port": 5050,
		},
		"bridge": map[string]any{
			"gatewaySecret": "file-secret",
			"allowFrom":     []string{"clawg-ui:ABC"},
		},
		"log": map[string]any{
			"format": "json",
		},
	}
	data, _ := json.MarshalIndent(testCfg, "", "  ")
	os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Relay.Port != 5050 {
		t.Errorf("port = %d, want 5050", cfg.Relay.Port)
	}
	if cfg.Ingest.RelayBaseURL != "http://localhost:5050" {
		t.Errorf("relayBaseUrl = %q, want http://localhost:5050", cfg.Ingest.RelayBaseURL)
	}
	if cfg.Bridge.GatewaySecret != "file-secret" {
		t.Errorf("gatewaySecret = %q", cfg.Bridge.GatewaySecret)
	}
	if len(cfg.Bridge.AllowFrom) != 1 {
		t.Errorf("allowFrom = %v", cfg.Bridge.AllowFrom)
	}
	if cfg.Log.Format != "json" {
		t.Errorf("log format = %q, want json", cfg.Log.Format)
	}
	// untouched sections keep defaults
	if cfg.Bridge.MaxPendingPairings != DefaultMaxPendingPairings {
		t.Errorf("maxPendingPairings = %d", cfg.Bridge.MaxPendingPairings)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".citypulse")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{not json"), 0644)

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	tests := []struct {
		name   string
		env    map[string]string
		check  func(*Config) bool
		expect string
	}{
		{
			name:   "PORT",
			env:    map[string]string{"PORT": "4100"},
			check:  func(c *Config) bool { return c.Relay.Port == 4100 },
			expect: "relay port 4100",
		},
		{
			name:   "CITYPULSE_PORT wins over PORT",
			env:    map[string]string{"PORT": "4100", "CITYPULSE_PORT": "4200"},
			check:  func(c *Config) bool { return c.Relay.Port == 4200 },
			expect: "relay port 4200",
		},
		{
			name:   "PORT moves the default relay base url",
			env:    map[string]string{"PORT": "4100"},
			check:  func(c *Config) bool { return c.Ingest.RelayBaseURL == "http://localhost:4100" },
			expect: "relay base url on port 4100",
		},
		{
			name:   "explicit relay url wins over PORT",
			env:    map[string]string{"PORT": "4100", "CITYPULSE_RELAY_URL": "http://localhost:4000"},
			check:  func(c *Config) bool { return c.Ingest.RelayBaseURL == "http://localhost:4000" },
			expect: "relay base url kept on port 4000",
		},
		{
			name:   "RELAY_BASE_URL trims slash",
			env:    map[string]string{"RELAY_BASE_URL": "http://relay:4000/"},
			check:  func(c *Config) bool { return c.Ingest.RelayBaseURL == "http://relay:4000" },
			expect: "relay base url without trailing slash",
		},
		{
			name:   "OPENCLAW_GATEWAY_TOKEN",
			env:    map[string]string{"OPENCLAW_GATEWAY_TOKEN": "oc"},
			check:  func(c *Config) bool { return c.Bridge.GatewaySecret == "oc" },
			expect: "gateway secret oc",
		},
		{
			name:   "CLAWDBOT_GATEWAY_TOKEN fallback",
			env:    map[string]string{"CLAWDBOT_GATEWAY_TOKEN": "cb"},
			check:  func(c *Config) bool { return c.Bridge.GatewaySecret == "cb" },
			expect: "gateway secret cb",
		},
		{
			name: "OPENAI_API_KEY sets provider type",
			env:  map[string]string{"OPENAI_API_KEY": "sk-openai"},
			check: func(c *Config) bool {
				return c.Provider.APIKey == "sk-openai" && c.Provider.Type == "openai"
			},
			expect: "openai provider",
		},
		{
			name:   "telegram chat id",
			env:    map[string]string{"CITYPULSE_TELEGRAM_CHAT_ID": "-100123"},
			check:  func(c *Config) bool { return c.Telegram.ChatID == -100123 },
			expect: "chat id -100123",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("HOME", t.TempDir())
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig error: %v", err)
			}
			if !tt.check(cfg) {
				t.Errorf("expected %s", tt.expect)
			}
		})
	}
}

func TestSaveConfig_RoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfg := DefaultConfig()
	cfg.Relay.Port = 4321
	cfg.Telegram.Enabled = true
	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	if _, err := os.Stat(filepath.Join(tmpDir, ".citypulse", "config.json")); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	loaded, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if loaded.Relay.Port != 4321 {
		t.Errorf("port = %d, want 4321", loaded.Relay.Port)
	}
	if !loaded.Telegram.Enabled {
		t.Error("telegram should be enabled")
	}
}

func TestLoadDotEnv(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	cfgDir := filepath.Join(tmpDir, ".citypulse")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, ".env"), []byte("CITYPULSE_GATEWAY_TOKEN=from-dotenv\n"), 0644)
	os.Unsetenv("CITYPULSE_GATEWAY_TOKEN")

	LoadDotEnv()
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Bridge.GatewaySecret != "from-dotenv" {
		t.Errorf("gatewaySecret = %q, want from-dotenv", cfg.Bridge.GatewaySecret)
	}
	os.Unsetenv("CITYPULSE_GATEWAY_TOKEN")
}

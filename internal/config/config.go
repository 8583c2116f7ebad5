package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultModel              = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens          = 4096
	DefaultMaxIterations      = 8
	DefaultHost               = "0.0.0.0"
	DefaultPort               = 4000
	DefaultBridgePath         = "/v1/agui"
	DefaultMaxPendingPairings = 3
	DefaultPairingTTL         = "10m"
	DefaultPairingRate        = "2s"
	DefaultPairingBurst       = 5
	DefaultRedisStream        = "citypulse:relay-events"
	DefaultLogLevel           = "info"
	DefaultLogFormat          = "text"
)

type Config struct {
	Relay    RelayConfig    `json:"relay"`
	Bridge   BridgeConfig   `json:"bridge"`
	Provider ProviderConfig `json:"provider"`
	Ingest   IngestConfig   `json:"ingest"`
	Log      LogConfig      `json:"log"`
	Redis    RedisConfig    `json:"redis"`
	Telegram TelegramConfig `json:"telegram"`
}

type RelayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
	// Seed inserts the demo packet at startup.
	Seed bool `json:"seed,omitempty"`
}

type BridgeConfig struct {
	Enabled            bool     `json:"enabled"`
	Path               string   `json:"path"`
	GatewaySecret      string   `json:"gatewaySecret,omitempty"`
	AllowFrom          []string `json:"allowFrom,omitempty"`
	MaxPendingPairings int      `json:"maxPendingPairings"`
	PairingTTL         string   `json:"pairingTtl"`
	PairingRate        string   `json:"pairingRate"`
	PairingBurst       int      `json:"pairingBurst"`
	DBPath             string   `json:"dbPath,omitempty"`
	Model              string   `json:"model"`
	MaxTokens          int      `json:"maxTokens"`
	MaxIterations      int      `json:"maxIterations"`
	SystemPrompt       string   `json:"systemPrompt,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type IngestConfig struct {
	Enabled      bool   `json:"enabled"`
	RelayBaseURL string `json:"relayBaseUrl"`
	FeedsFile    string `json:"feedsFile,omitempty"`
	StatePath    string `json:"statePath,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "text" or "json"
	File   string `json:"file,omitempty"`
}

type RedisConfig struct {
	URL    string `json:"url,omitempty"`
	Stream string `json:"stream"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

func DefaultConfig() *Config {
	dir := ConfigDir()
	return &Config{
		Relay: RelayConfig{
			Host: DefaultHost,
			Port: DefaultPort,
		},
		Bridge: BridgeConfig{
			Enabled:            true,
			Path:               DefaultBridgePath,
			MaxPendingPairings: DefaultMaxPendingPairings,
			PairingTTL:         DefaultPairingTTL,
			PairingRate:        DefaultPairingRate,
			PairingBurst:       DefaultPairingBurst,
			DBPath:             filepath.Join(dir, "pairing.db"),
			Model:              DefaultModel,
			MaxTokens:          DefaultMaxTokens,
			MaxIterations:      DefaultMaxIterations,
		},
		Ingest: IngestConfig{
			Enabled:      true,
			RelayBaseURL: localRelayURL(DefaultPort),
			StatePath:    filepath.Join(dir, "data", "ingest", "jobs.json"),
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Redis: RedisConfig{
			Stream: DefaultRedisStream,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".citypulse")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// LoadDotEnv loads .env from the working directory and the config dir.
// Existing environment variables win.
func LoadDotEnv() {
	for _, p := range []string{".env", filepath.Join(ConfigDir(), ".env")} {
		if _, err := os.Stat(p); err == nil {
			_ = godotenv.Load(p)
		}
	}
}

func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	applyFallbacks(cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if port := firstEnv("CITYPULSE_PORT", "PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Relay.Port = parsed
		}
	}
	if host := os.Getenv("CITYPULSE_HOST"); host != "" {
		cfg.Relay.Host = host
	}
	if url := firstEnv("CITYPULSE_RELAY_URL", "RELAY_BASE_URL"); url != "" {
		cfg.Ingest.RelayBaseURL = strings.TrimRight(url, "/")
	}
	if path := os.Getenv("CITYPULSE_FEEDS_FILE"); path != "" {
		cfg.Ingest.FeedsFile = path
	}
	if secret := firstEnv("CITYPULSE_GATEWAY_TOKEN", "OPENCLAW_GATEWAY_TOKEN", "CLAWDBOT_GATEWAY_TOKEN"); secret != "" {
		cfg.Bridge.GatewaySecret = secret
	}
	if dbPath := os.Getenv("CITYPULSE_PAIRING_DB"); dbPath != "" {
		cfg.Bridge.DBPath = dbPath
	}

	if key := os.Getenv("CITYPULSE_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CITYPULSE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if url := os.Getenv("ANTHROPIC_BASE_URL"); url != "" && cfg.Provider.BaseURL == "" {
		cfg.Provider.BaseURL = url
	}

	if level := os.Getenv("CITYPULSE_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if format := os.Getenv("CITYPULSE_LOG_FORMAT"); format != "" {
		cfg.Log.Format = format
	}
	if file := os.Getenv("CITYPULSE_LOG_FILE"); file != "" {
		cfg.Log.File = file
	}

	if url := os.Getenv("CITYPULSE_REDIS_URL"); url != "" {
		cfg.Redis.URL = url
	}
	if token := os.Getenv("CITYPULSE_TELEGRAM_TOKEN"); token != "" {
		cfg.Telegram.Token = token
	}
	if chatID := os.Getenv("CITYPULSE_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Telegram.ChatID = parsed
		}
	}
}

func localRelayURL(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

func applyFallbacks(cfg *Config) {
	def := DefaultConfig()
	if cfg.Relay.Port <= 0 {
		cfg.Relay.Port = DefaultPort
	}
	if cfg.Bridge.Path == "" {
		cfg.Bridge.Path = DefaultBridgePath
	}
	if cfg.Bridge.MaxPendingPairings <= 0 {
		cfg.Bridge.MaxPendingPairings = DefaultMaxPendingPairings
	}
	if cfg.Bridge.PairingTTL == "" {
		cfg.Bridge.PairingTTL = DefaultPairingTTL
	}
	if cfg.Bridge.PairingRate == "" {
		cfg.Bridge.PairingRate = DefaultPairingRate
	}
	if cfg.Bridge.PairingBurst <= 0 {
		cfg.Bridge.PairingBurst = DefaultPairingBurst
	}
	if cfg.Bridge.DBPath == "" {
		cfg.Bridge.DBPath = def.Bridge.DBPath
	}
	if cfg.Bridge.Model == "" {
		cfg.Bridge.Model = DefaultModel
	}
	if cfg.Bridge.MaxTokens <= 0 {
		cfg.Bridge.MaxTokens = DefaultMaxTokens
	}
	if cfg.Bridge.MaxIterations <= 0 {
		cfg.Bridge.MaxIterations = DefaultMaxIterations
	}
	// The default base URL follows the relay port; an explicit one is kept.
	if cfg.Ingest.RelayBaseURL == "" ||
		(cfg.Ingest.RelayBaseURL == def.Ingest.RelayBaseURL && firstEnv("CITYPULSE_RELAY_URL", "RELAY_BASE_URL") == "") {
		cfg.Ingest.RelayBaseURL = localRelayURL(cfg.Relay.Port)
	}
	if cfg.Ingest.StatePath == "" {
		cfg.Ingest.StatePath = def.Ingest.StatePath
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Redis.Stream == "" {
		cfg.Redis.Stream = DefaultRedisStream
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}

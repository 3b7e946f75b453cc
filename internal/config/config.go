package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
)

const (
	DefaultModel           = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens       = 1024
	DefaultHost            = "0.0.0.0"
	DefaultPort            = 18890
	DefaultBufSize         = 100
	DefaultRecentWindow    = 10
	DefaultTopPeople       = 3
	DefaultPersonRecencyD  = 30
	DefaultMaxSummaries    = 3
	DefaultCharBudget      = 8000
	DefaultWorkers         = 8
	DefaultChurnSweepSpec  = "0 0 5 * * *" // daily, 05:00
	DefaultRollupSpec      = "0 30 5 * * *"
	DefaultChurnGraceDays  = 7
	DefaultFallbackReply   = "Sorry, I got distracted for a second. What were you saying?"
)

type Config struct {
	Server      ServerConfig      `json:"server"`
	Storage     StorageConfig     `json:"storage"`
	Provider    ProviderConfig    `json:"provider"`
	Agent       AgentConfig       `json:"agent"`
	SMS         SMSConfig         `json:"sms"`
	Billing     BillingConfig     `json:"billing"`
	Admin       AdminConfig       `json:"admin"`
	Channels    ChannelsConfig    `json:"channels"`
	Context     ContextConfig     `json:"context"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type ServerConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

type StorageConfig struct {
	DBPath       string `json:"dbPath,omitempty"`
	MemoryDBPath string `json:"memoryDbPath,omitempty"`
}

type ProviderConfig struct {
	Type    string `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseUrl,omitempty"`
}

type AgentConfig struct {
	Model     string `json:"model"`
	MaxTokens int    `json:"maxTokens"`
}

type SMSConfig struct {
	APIKey    string `json:"apiKey"`
	APISecret string `json:"apiSecret"`
	SendURL   string `json:"sendUrl,omitempty"`
}

type BillingConfig struct {
	WebhookSecret string `json:"webhookSecret,omitempty"`
}

type AdminConfig struct {
	APIKey string `json:"apiKey,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool     `json:"enabled"`
	Token       string   `json:"token"`
	PersonaSlug string   `json:"personaSlug"`
	AllowFrom   []string `json:"allowFrom,omitempty"`
}

// ContextConfig bounds the assembled generation context.
type ContextConfig struct {
	RecentWindow      int `json:"recentWindow,omitempty"`
	TopPeople         int `json:"topPeople,omitempty"`
	PersonRecencyDays int `json:"personRecencyDays,omitempty"`
	MaxSummaries      int `json:"maxSummaries,omitempty"`
	CharBudget        int `json:"charBudget,omitempty"`
}

type MaintenanceConfig struct {
	ChurnSweepSpec string `json:"churnSweepSpec,omitempty"`
	RollupSpec     string `json:"rollupSpec,omitempty"`
	ChurnGraceDays int    `json:"churnGraceDays,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{Host: DefaultHost, Port: DefaultPort},
		Storage: StorageConfig{
			DBPath:       filepath.Join(ConfigDir(), "data", "heartline.db"),
			MemoryDBPath: filepath.Join(ConfigDir(), "data", "memory.db"),
		},
		Provider: ProviderConfig{},
		Agent:    AgentConfig{Model: DefaultModel, MaxTokens: DefaultMaxTokens},
		Context: ContextConfig{
			RecentWindow:      DefaultRecentWindow,
			TopPeople:         DefaultTopPeople,
			PersonRecencyDays: DefaultPersonRecencyD,
			MaxSummaries:      DefaultMaxSummaries,
			CharBudget:        DefaultCharBudget,
		},
		Maintenance: MaintenanceConfig{
			ChurnSweepSpec: DefaultChurnSweepSpec,
			RollupSpec:     DefaultRollupSpec,
			ChurnGraceDays: DefaultChurnGraceDays,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".heartline")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
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

	// Environment variable overrides
	if key := os.Getenv("HEARTLINE_API_KEY"); key != "" {
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
	if url := os.Getenv("HEARTLINE_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if key := os.Getenv("HEARTLINE_SMS_API_KEY"); key != "" {
		cfg.SMS.APIKey = key
	}
	if secret := os.Getenv("HEARTLINE_SMS_API_SECRET"); secret != "" {
		cfg.SMS.APISecret = secret
	}
	if secret := os.Getenv("HEARTLINE_BILLING_SECRET"); secret != "" {
		cfg.Billing.WebhookSecret = secret
	}
	if key := os.Getenv("HEARTLINE_ADMIN_KEY"); key != "" {
		cfg.Admin.APIKey = key
	}
	if token := os.Getenv("HEARTLINE_TELEGRAM_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	if path := os.Getenv("HEARTLINE_DB_PATH"); path != "" {
		cfg.Storage.DBPath = path
	}
	if path := os.Getenv("HEARTLINE_MEMORY_DB_PATH"); path != "" {
		cfg.Storage.MemoryDBPath = path
	}
	if port := os.Getenv("HEARTLINE_PORT"); port != "" {
		if parsed, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = parsed
		}
	}

	if cfg.Storage.DBPath == "" {
		cfg.Storage.DBPath = DefaultConfig().Storage.DBPath
	}
	if cfg.Storage.MemoryDBPath == "" {
		cfg.Storage.MemoryDBPath = DefaultConfig().Storage.MemoryDBPath
	}
	if cfg.Context.RecentWindow <= 0 {
		cfg.Context.RecentWindow = DefaultRecentWindow
	}
	if cfg.Context.CharBudget <= 0 {
		cfg.Context.CharBudget = DefaultCharBudget
	}
	if cfg.Maintenance.ChurnSweepSpec == "" {
		cfg.Maintenance.ChurnSweepSpec = DefaultChurnSweepSpec
	}
	if cfg.Maintenance.RollupSpec == "" {
		cfg.Maintenance.RollupSpec = DefaultRollupSpec
	}
	if cfg.Maintenance.ChurnGraceDays <= 0 {
		cfg.Maintenance.ChurnGraceDays = DefaultChurnGraceDays
	}

	return cfg, nil
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

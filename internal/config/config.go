package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	SessionStoreMemory = "memory"
	SessionStoreRedis  = "redis"

	DefaultSystemPrompt = "You are a helpful doctor for health-related questions."
	DefaultPageTitle    = "CAISA for CBT Practitioners 🩺"
)

// Config holds application configuration
type Config struct {
	Addr         string `mapstructure:"addr"`
	OllamaHost   string `mapstructure:"ollama_host"` // empty defers to OLLAMA_HOST, then 127.0.0.1:11434
	DefaultModel string `mapstructure:"default_model"`
	SystemPrompt string `mapstructure:"system_prompt"`
	PageTitle    string `mapstructure:"page_title"`
	LogDir       string `mapstructure:"log_dir"`
	Debug        bool   `mapstructure:"debug"`

	SessionStore string        `mapstructure:"session_store"` // memory|redis
	RedisURL     string        `mapstructure:"redis_url"`
	SessionTTL   time.Duration `mapstructure:"session_ttl"`

	ArchivePath string `mapstructure:"archive"` // empty disables the transcript archive

	TurnRateLimit float64 `mapstructure:"turn_rate"` // turns per second per session, 0 disables
	TurnBurst     int     `mapstructure:"turn_burst"`
}

// SetDefaults registers every default on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", "127.0.0.1:8501")
	v.SetDefault("ollama_host", "")
	v.SetDefault("default_model", "llama3")
	v.SetDefault("system_prompt", DefaultSystemPrompt)
	v.SetDefault("page_title", DefaultPageTitle)
	v.SetDefault("log_dir", "logs")
	v.SetDefault("debug", false)
	v.SetDefault("session_store", SessionStoreMemory)
	v.SetDefault("redis_url", "redis://127.0.0.1:6379/0")
	v.SetDefault("session_ttl", 24*time.Hour)
	v.SetDefault("archive", "")
	v.SetDefault("turn_rate", 1.0)
	v.SetDefault("turn_burst", 3)
}

// Load reads configuration from an optional caisachat.yaml, CAISACHAT_*
// environment variables and whatever flags were bound to v.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	v.SetConfigName("caisachat")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	v.SetEnvPrefix("CAISACHAT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("ollama_host", "CAISACHAT_OLLAMA_HOST", "OLLAMA_HOST"); err != nil {
		return nil, fmt.Errorf("failed to bind OLLAMA_HOST: %w", err)
	}

	// Read config file (optional - won't error if missing)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that cannot be defaulted
func (c *Config) Validate() error {
	switch c.SessionStore {
	case SessionStoreMemory:
	case SessionStoreRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("session store %q requires redis_url", c.SessionStore)
		}
	default:
		return fmt.Errorf("unknown session store %q (want memory or redis)", c.SessionStore)
	}
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.TurnRateLimit < 0 || c.TurnBurst < 0 {
		return errors.New("turn_rate and turn_burst must not be negative")
	}
	if strings.TrimSpace(c.SystemPrompt) == "" {
		return errors.New("system_prompt must not be empty")
	}
	return nil
}

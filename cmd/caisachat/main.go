package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"CaisaChat/internal/config"
	"CaisaChat/internal/telemetry"
)

var v = viper.New()

var rootCmd = &cobra.Command{
	Use:   "caisachat",
	Short: "Browser chat front end for a local Ollama server",
	Long: `caisachat serves a single-page chat UI that streams replies from an
Ollama server. Each browser session keeps its own conversation, model,
temperature and system prompt.

Examples:
  caisachat                                 # serve on 127.0.0.1:8501
  caisachat serve --ollama-host gpu-box:11434
  caisachat models                          # list installed models
  caisachat transcript --archive chats.db   # list archived sessions`,
	Version:           telemetry.Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	RunE:              runServe,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("addr", "127.0.0.1:8501", "Address to listen on")
	flags.String("ollama-host", "", "Ollama base URL (default $OLLAMA_HOST or http://127.0.0.1:11434)")
	flags.String("default-model", "llama3", "Model selected until the server lists others")
	flags.String("system-prompt", config.DefaultSystemPrompt, "Initial system prompt for new sessions")
	flags.String("log-dir", "logs", "Directory for logs, traces and metrics")
	flags.Bool("debug", false, "Enable debug logging (also mirrored to stderr)")
	flags.String("session-store", config.SessionStoreMemory, "Session store (memory|redis)")
	flags.String("redis-url", "redis://127.0.0.1:6379/0", "Redis URL for the redis session store")
	flags.Duration("session-ttl", 0, "Forget sessions idle this long (default 24h)")
	flags.String("archive", "", "SQLite file to archive completed turns to (disabled when empty)")
	flags.Float64("turn-rate", 1, "Turns per second allowed per session (0 disables)")
	flags.Int("turn-burst", 3, "Burst of turns allowed per session")

	for key, flag := range map[string]string{
		"addr":          "addr",
		"ollama_host":   "ollama-host",
		"default_model": "default-model",
		"system_prompt": "system-prompt",
		"log_dir":       "log-dir",
		"debug":         "debug",
		"session_store": "session-store",
		"redis_url":     "redis-url",
		"session_ttl":   "session-ttl",
		"archive":       "archive",
		"turn_rate":     "turn-rate",
		"turn_burst":    "turn-burst",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", flag, err))
		}
	}

	rootCmd.AddCommand(serveCmd, modelsCmd, transcriptCmd)
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

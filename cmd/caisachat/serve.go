package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"CaisaChat/internal/archive"
	"CaisaChat/internal/backend"
	"CaisaChat/internal/cache"
	"CaisaChat/internal/chatbot"
	"CaisaChat/internal/session"
	"CaisaChat/internal/telemetry"
	"CaisaChat/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the chat UI (default)",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models installed on the configured Ollama server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		client := backend.NewClient(cfg.OllamaHost)
		models, err := client.ListModels(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to list models at %s: %w", client.BaseURL(), err)
		}
		if len(models) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "No models found. Use `ollama pull <model>` to add one.")
			return nil
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "NAME\tSIZE\tMODIFIED")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%.1f GB\t%s\n", m.Name, float64(m.Size)/1e9, m.ModifiedAt)
		}
		return tw.Flush()
	},
}

var transcriptCmd = &cobra.Command{
	Use:   "transcript [session-id]",
	Short: "List archived sessions, or print one session's transcript",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.ArchivePath == "" {
			return fmt.Errorf("no archive configured; pass --archive")
		}
		a, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return err
		}
		defer a.Close()

		out := cmd.OutOrStdout()
		if len(args) == 0 {
			sessions, err := a.Sessions(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tSTARTED\tMESSAGES")
			for _, s := range sessions {
				fmt.Fprintf(tw, "%s\t%s\t%d\n", s.ID, s.StartTime.Format(time.RFC3339), s.MessageCount)
			}
			return tw.Flush()
		}

		msgs, err := a.Transcript(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, m := range msgs {
			fmt.Fprintf(out, "[%s] %s:\n%s\n\n", m.Timestamp.Format(time.RFC3339), m.Role, m.Content)
		}
		return nil
	},
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.LogDir, cfg.Debug)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracer, meter, shutdownTelemetry, err := telemetry.InitTelemetry(ctx, cfg.LogDir)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry()

	if cfg.Debug {
		logger.Info("Debug mode enabled")
	}

	store, err := session.NewStore(session.StoreConfig{
		Type:     session.StoreType(cfg.SessionStore),
		TTL:      cfg.SessionTTL,
		RedisURL: cfg.RedisURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	defer store.Close()

	opts := []chatbot.Option{chatbot.WithTelemetry(tracer, meter)}
	if cfg.ArchivePath != "" {
		a, err := archive.Open(cfg.ArchivePath)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer a.Close()
		opts = append(opts, chatbot.WithArchiver(a))
		logger.Info("archiving completed turns", "path", cfg.ArchivePath)
	}

	registry := session.NewRegistry(store, session.Defaults{
		SystemPrompt: cfg.SystemPrompt,
		BaseURL:      cfg.OllamaHost,
		Model:        cfg.DefaultModel,
	})
	directory := cache.NewDirectory(cache.FetchFromOllama, logger)
	bot := chatbot.NewChatBot(logger, opts...)

	srv, err := web.NewServer(web.Options{
		Addr:      cfg.Addr,
		PageTitle: cfg.PageTitle,
		TurnRate:  cfg.TurnRateLimit,
		TurnBurst: cfg.TurnBurst,
	}, registry, directory, bot, logger)
	if err != nil {
		return err
	}

	logger.Info("caisachat starting",
		"addr", cfg.Addr,
		"ollama_host", backend.NormalizeBaseURL(cfg.OllamaHost),
		"session_store", cfg.SessionStore,
	)
	fmt.Fprintf(cmd.OutOrStdout(), "Serving on http://%s\n", cfg.Addr)

	if err := srv.ListenAndServe(ctx); err != nil {
		logger.Error("server failed", "error", err)
		return err
	}
	slog.Info("caisachat stopped")
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/schaermu/wrapperd/internal/config"
	"github.com/schaermu/wrapperd/internal/notify"
	"github.com/schaermu/wrapperd/internal/source"
	"github.com/schaermu/wrapperd/internal/supervisor"
	"github.com/schaermu/wrapperd/internal/syncer"
	"github.com/schaermu/wrapperd/internal/trigger"
	"github.com/schaermu/wrapperd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "wrapperd",
	Short: "Supervise a server process and keep its content directories in sync",
	Long: `wrapperd keeps a long-running server process alive and supplies it with
externally-sourced files (build artifacts, mods, datapacks).

Before every (re)start it resolves the configured sources, applies their
transforms and atomically replaces the managed destination directories, so
the server never observes a half-populated directory.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the supervised server in a restart loop",
	Long: `Run fires the startup trigger, launches the configured command sequence and
restarts it whenever it exits. Webhook triggers declared in the configuration
are served for as long as the supervisor runs.

An external stop signal (SIGINT/SIGTERM) is forwarded to the server process
and ends the loop without another restart.`,
	RunE: runRun,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Fire the startup trigger once and exit",
	Long: `Sync resolves and applies every destination subscribed to the startup
trigger, then exits. The exit status is non-zero if any destination failed;
failed destinations keep their previous file set.`,
	RunE: runSync,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("wrapperd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/wrapperd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(versionCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	router := buildRouter(cfg, logger)
	super := supervisor.New(cfg.Server, router, buildNotifier(cfg), logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return super.Run(groupCtx)
	})

	for name, trig := range cfg.Triggers {
		if trig.Kind != config.KindWebhook {
			continue
		}
		server, err := webhook.NewServer(name, trig, router, logger)
		if err != nil {
			cancel()
			_ = group.Wait()
			return fmt.Errorf("failed to set up webhook trigger %q: %w", name, err)
		}
		group.Go(func() error {
			return server.Start(groupCtx)
		})
	}

	if err := group.Wait(); err != nil {
		logger.Error("supervisor failed", "error", err)
		return err
	}
	return nil
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	router := buildRouter(cfg, logger)

	outcomes := router.Fire(ctx, config.StartupTrigger)
	failed := 0
	for name, outcome := range outcomes {
		if outcome.Failed() {
			failed++
			logger.Error("destination failed", "destination", name, "error", outcome.Err)
		} else {
			logger.Info("destination synchronized", "destination", name, "files", outcome.Files)
		}
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d destinations failed", failed, len(outcomes))
	}
	return nil
}

func buildRouter(cfg *config.Config, logger *slog.Logger) *trigger.Router {
	resolver := source.NewResolver(cfg.Tokens, logger)
	engine := syncer.New(cfg.Paths.Root, resolver, logger)
	return trigger.NewRouter(engine, cfg.Destinations, logger)
}

func buildNotifier(cfg *config.Config) notify.Notifier {
	if cfg.Notify.WebhookURL == "" {
		return notify.Nop{}
	}
	return notify.NewWebhook(cfg.Notify.WebhookURL)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/wrapperd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"root", cfg.Paths.Root,
		"destinations", len(cfg.Destinations),
		"triggers", len(cfg.Triggers))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}

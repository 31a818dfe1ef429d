package main

import (
	"context"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/hyperengineering/heritage/internal/config"
	"github.com/hyperengineering/heritage/internal/logging"
	syncpkg "github.com/hyperengineering/heritage/internal/sync"
	"github.com/hyperengineering/heritage/pkg/mirror"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:          "heritage",
	Short:        "Heritage - offline-first mirror and sync engine",
	Long:         "Runs the local mirror: pulls remote changes, pushes queued local writes and maintains caches.",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Config file path (overrides HERITAGE_CONFIG_PATH)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(failedCmd)
	rootCmd.AddCommand(retryCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(remoteCmd)
}

// loadConfig honours --config, falling back to the environment lookup.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromFile(configPath)
	}
	return config.Load()
}

func run(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)
	slog.Info("configuration loaded", "level", cfg.Log.Level, "format", cfg.Log.Format)

	m, err := mirror.Open(ctx, mirror.Options{Config: cfg})
	if err != nil {
		return err
	}
	if err := m.Start(ctx); err != nil {
		m.Close()
		return err
	}

	var wg sync.WaitGroup
	startWorker(ctx, &wg, "notifications", func(ctx context.Context) {
		logNotifications(ctx, m.Notifications())
	})

	<-ctx.Done()
	slog.Info("shutdown initiated")

	wg.Wait()
	if err := m.Close(); err != nil {
		slog.Error("mirror close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// logNotifications drains the mirror's notification channel into the log
// until ctx is done.
func logNotifications(ctx context.Context, ch <-chan syncpkg.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case n := <-ch:
			slog.Warn("sync notification",
				"type", n.Type,
				"kind", n.Kind,
				"entity_id", n.EntityID,
				"log_id", n.LogID,
				"message", n.Message,
			)
		}
	}
}

// startWorker launches a background worker goroutine that respects context cancellation.
// Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("worker started", "worker", name)
		fn(ctx)
		slog.Info("worker stopped", "worker", name)
	}()
}

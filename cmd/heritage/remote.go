package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/hyperengineering/heritage/internal/api"
	"github.com/hyperengineering/heritage/internal/config"
	"github.com/hyperengineering/heritage/internal/logging"
	"github.com/hyperengineering/heritage/internal/remote/memremote"
	"github.com/spf13/cobra"
)

var servePort int

var remoteCmd = &cobra.Command{
	Use:   "remote",
	Short: "Development remote document store",
}

var remoteServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve an in-memory remote store over HTTP for local development",
	Long: "Serves the document API the mirror syncs against, backed by memory. " +
		"State is lost on exit.",
	Args: cobra.NoArgs,
	RunE: runRemoteServe,
}

func init() {
	remoteServeCmd.Flags().IntVar(&servePort, "port", 0, "Listen port (overrides server.port)")
	remoteCmd.AddCommand(remoteServeCmd)
}

func runRemoteServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmdContext(cmd),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	cfg, err := loadServeConfig()
	if err != nil {
		return err
	}
	logger, logCloser := logging.New(cfg.Log)
	defer logCloser.Close()
	slog.SetDefault(logger)

	srv := newRemoteServer(cfg)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "address", srv.Addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	slog.Info("shutdown initiated")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server shutdown error", "error", err)
	}
	slog.Info("shutdown complete")
	return nil
}

// loadServeConfig loads the config without requiring a remote: the server
// is the remote.
func loadServeConfig() (*config.Config, error) {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return nil, err
	}
	if servePort != 0 {
		cfg.Server.Port = servePort
	}
	return cfg, nil
}

// newRemoteServer wires a memory-backed document store, its change hub and
// the API router into an http.Server.
func newRemoteServer(cfg *config.Config) *http.Server {
	docs := memremote.New()
	hub := api.NewHub()
	docs.Subscribe(hub.Publish)

	router := api.NewRouter(api.NewHandler(docs, hub, Version), cfg.Server.APIKey)
	return &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}
}

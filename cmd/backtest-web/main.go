// Command backtest-web serves the read-only dashboard over the task tables
// and report artifacts.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/quantlab-io/backtest/internal/api"
	"github.com/quantlab-io/backtest/internal/backend"
	"github.com/quantlab-io/backtest/internal/config"
	"github.com/quantlab-io/backtest/internal/platform/logger"
)

const shutdownTimeout = 10 * time.Second

var configPath string

var rootCmd = &cobra.Command{
	Use:           "backtest-web",
	Short:         "Backtest dashboard server",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runServer,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to a YAML config file (optional; BACKTEST_* environment variables also apply)")
}

func runServer(cmd *cobra.Command, _ []string) error {
	path := configPath
	if path == "" {
		path = os.Getenv("BACKTEST_CONFIG")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.Setup(cfg.App.LogLevel)
	client := backend.New(cfg.API, cfg.Database.URL, log)
	defer func() {
		if err := client.Close(); err != nil {
			log.Warn("closing backend client failed", slog.String("error", err.Error()))
		}
	}()

	handler := api.NewHandler(client, cfg.Database.URL != "", cfg.App.OutputDir, log)

	router := chi.NewRouter()
	router.Use(chimiddleware.RequestID)
	router.Use(chimiddleware.RealIP)
	router.Use(chimiddleware.Recoverer)
	router.Mount("/", handler.Routes())

	return serve(cmd.Context(), router, cfg.Server.Port, log)
}

// serve runs the HTTP server until SIGINT/SIGTERM or context cancellation,
// then shuts down gracefully.
func serve(ctx context.Context, handler http.Handler, port int, log *slog.Logger) error {
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: handler,
	}

	serverCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdownCh)

	go func() {
		log.Info("starting dashboard server", slog.Int("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", slog.String("error", err.Error()))
			cancel()
		}
	}()

	select {
	case <-shutdownCh:
		log.Info("shutting down server")
	case <-serverCtx.Done():
		log.Info("server context canceled, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("server shutdown completed")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

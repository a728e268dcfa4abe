// Package server implements the server command running the HTTP API and
// the deployment runners.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/deploybot/deploybot/app"
	"github.com/deploybot/deploybot/config"
	"github.com/deploybot/deploybot/web/routes"
)

// ShutdownTimeout bounds the graceful shutdown of HTTP requests and of
// running deployments
const ShutdownTimeout = 30 * time.Second

// NewCmdServer creates a command to run the deploybot server
func NewCmdServer(loadConfig func() *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run deploybot server (HTTP API + deployment runners)",
		Long:  "Starts the HTTP API and drives requested deployments in a single process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, loadConfig())
		},
	}

	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	a, err := app.New(cfg, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}

	address := net.JoinHostPort(cfg.HTTPHost, strconv.Itoa(cfg.HTTPPort))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		shutdownApp(a)
		return fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	slog.Info("Starting deploybot server", "address", "http://"+listener.Addr().String(), "version", app.Version)
	return serve(ctx, a, listener)
}

// serve handles HTTP requests on listener until ctx is done, then stops
// the server and the application
func serve(ctx context.Context, a *app.App, listener net.Listener) error {
	server := &http.Server{
		Handler:           routes.NewRouter(a),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			runErr = fmt.Errorf("web server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	// event streams only end with their deployment
	appErr := a.Shutdown(shutdownCtx, "shutdown")
	if err := server.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("web server shutdown failed: %w", err))
	}
	if appErr != nil {
		runErr = errors.Join(runErr, fmt.Errorf("application shutdown failed: %w", appErr))
	}

	slog.Info("Server stopped")
	return runErr
}

func shutdownApp(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := a.Shutdown(ctx, "shutdown"); err != nil {
		slog.Error("Application shutdown failed", "layer", "server", "operation", "shutdown", "error", err)
	}
}

// Command remd is REM's HTTP service: the OpenAI-compatible chat surface,
// message/session CRUD, static model catalog, mounted tool endpoint, and
// auth/health routes described in spec §6.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/config"
	"github.com/percolation-labs/rem/internal/httpapi"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgPath := os.Getenv("REM_CONFIG_FILE")
	if cfgPath == "" {
		cfgPath = "rem.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("remd: loading config: %w", err)
	}

	logLevel := slog.LevelInfo
	if cfg.API.LogLevel == "debug" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := cliutil.Bootstrap(ctx, cfg, "default")
	if err != nil {
		return fmt.Errorf("remd: bootstrapping: %w", err)
	}
	defer app.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.API.Host, cfg.API.Port),
		Handler:      httpapi.New(app),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming chat responses can run indefinitely
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("remd listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		slog.Info("remd shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("remd: shutdown: %w", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}

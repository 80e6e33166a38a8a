package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sheerbytes/peerdrop/internal/config"
	"github.com/sheerbytes/peerdrop/internal/logging"
	"github.com/sheerbytes/peerdrop/internal/relay"
	"github.com/spf13/cobra"
)

const version = "v0.1.0"

func main() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.DefaultRelay()
	cmd := &cobra.Command{
		Use:     "relay",
		Short:   "peerdrop relay server",
		Long:    `relay registers endpoints by username and forwards their messages to each other over websockets.`,
		Version: version,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
		SilenceUsage: true,
	}
	cfg.BindFlags(cmd.Flags())
	return cmd
}

func serve(ctx context.Context, cfg config.RelayConfig) error {
	logger := logging.NewWithFile("relay", cfg.LogLevel, cfg.LogFile)
	hub := relay.NewHub(logger)
	srv := relay.NewServer(hub, relay.Options{
		MaxMessageBytes:        cfg.MaxMessageBytes,
		IdleTimeout:            cfg.IdleTimeout,
		NotifyUnknownRecipient: cfg.NotifyUnknownRecipient,
		MaxConnections:         cfg.MaxConnections,
	}, logger)

	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logger.Info("relay listening", "addr", cfg.Addr)
		errc <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		logger.Error("server failed", "error", err)
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

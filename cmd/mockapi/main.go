// Command mockapi serves an in-memory recipe API for local development and
// end-to-end runs of the cookbook client.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"cookbook/config"
	"cookbook/mockapi"
)

var demoUsers = []string{"alice", "bob", "carol"}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		seed       bool
	)
	root := &cobra.Command{
		Use:          "mockapi",
		Short:        "Serve an in-memory recipe API",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := cfg.Logger(cmd.ErrOrStderr())
			return serve(cmd.Context(), newServer(cfg, seed, logger), logger)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a config file (default ./cookbook.yaml)")
	root.PersistentFlags().BoolVar(&seed, "seed", true, "load demo users and recipes")
	return root
}

// newServer builds the HTTP server described by cfg, logging a token for
// every demo user when seed is set.
func newServer(cfg *config.Config, seed bool, logger *slog.Logger) *http.Server {
	db := mockapi.NewDB()
	if seed {
		db.SeedDemo()
	}
	srv := mockapi.New(cfg.Mock.Secret,
		mockapi.WithDB(db),
		mockapi.WithLogger(logger),
		mockapi.WithLatency(cfg.Mock.Latency),
		mockapi.WithFailureRate(cfg.Mock.FailureRate))

	if seed {
		for _, user := range demoUsers {
			token, err := srv.Token(user)
			if err != nil {
				logger.Error("issue demo token", slog.String("user", user), slog.Any("error", err))
				continue
			}
			logger.Info("demo token", slog.String("user", user), slog.String("token", token))
		}
	}

	server := &http.Server{
		Addr:              cfg.Mock.Addr,
		Handler:           srv.Handler(),
		ReadTimeout:       7 * time.Second,
		WriteTimeout:      15*time.Second + cfg.Mock.Latency,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 2 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}
	server.RegisterOnShutdown(func() {
		logger.Info("closing idle connections")
	})
	return server
}

// serve runs server until ctx is done or a shutdown signal arrives.
func serve(ctx context.Context, server *http.Server, logger *slog.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		logger.Info("mock api listening", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("server stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"cookbook/client"
	"cookbook/config"
)

// app carries what the subcommands share.
type app struct {
	configPath  string
	metricsAddr string

	cfg     *config.Config
	logger  *slog.Logger
	client  *client.Client
	metrics *http.Server
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "cookbook",
		Short:         "Browse recipes and manage favorites, follows and ratings",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a config file (default ./cookbook.yaml)")
	root.PersistentFlags().StringVar(&a.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	root.AddCommand(
		newRecipesCmd(a),
		newRecipeCmd(a),
		newFavoriteCmd(a),
		newFollowCmd(a),
		newRateCmd(a),
		newStatusCmd(a),
		newLoginCmd(a),
		newWatchCmd(a),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return report(cmd, err)
	}
	if a.metricsAddr != "" {
		cfg.MetricsAddr = a.metricsAddr
	}
	a.cfg = cfg
	a.logger = cfg.Logger(cmd.ErrOrStderr())

	reg := prometheus.NewRegistry()
	c, err := client.FromConfig(cfg, a.logger, client.WithRegisterer(reg))
	if err != nil {
		return report(cmd, err)
	}
	a.client = c

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(reg); err != nil {
			return report(cmd, err)
		}
	}
	return nil
}

func (a *app) serveMetrics(reg *prometheus.Registry) error {
	ln, err := net.Listen("tcp", a.cfg.MetricsAddr)
	if err != nil {
		return err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	a.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 2 * time.Second}
	go func() {
		if err := a.metrics.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server", slog.Any("error", err))
		}
	}()
	a.logger.Info("serving metrics", slog.String("addr", ln.Addr().String()))
	return nil
}

// close waits for pending mutations and stops the metrics server.
func (a *app) close() {
	if a.client != nil {
		a.client.Close()
	}
	if a.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.metrics.Shutdown(ctx)
	}
}

func report(cmd *cobra.Command, err error) error {
	cmd.PrintErrln("error:", err)
	return err
}

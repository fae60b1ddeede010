package main

import (
	"context"
	"fmt"

	"github.com/aryangodara/api_bouncer/bouncer"
	"github.com/aryangodara/api_bouncer/config"
	"github.com/aryangodara/api_bouncer/logging"
	"github.com/aryangodara/api_bouncer/metrics"
	"github.com/aryangodara/api_bouncer/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "api-bouncer",
		Short: "Rate limiting and abuse blocking for HTTP APIs.",
		Long: `api-bouncer admits or rejects requests per client and route against
configured quotas and temporarily blocks clients that keep exceeding them.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the config file (default: ./config.yaml or /etc/api-bouncer/config.yaml)")

	cmd.AddCommand(
		newServeCmd(&configPath),
		newResetCmd(&configPath),
		newUnblockCmd(&configPath),
	)
	return cmd
}

// app is everything a command needs to talk to the store.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	conn    *store.Connection
	bouncer *bouncer.Bouncer
}

func newApp(ctx context.Context, configPath string, recorder metrics.Recorder) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	conn := store.NewConnection(cfg.StoreConfig(), logger)
	if err := conn.Connect(ctx); err != nil {
		_ = logger.Sync()
		return nil, fmt.Errorf("failed to connect to store: %w", err)
	}

	b, err := bouncer.New(conn, cfg.BouncerSettings(),
		bouncer.WithLogger(logger),
		bouncer.WithMetrics(recorder),
	)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, conn: conn, bouncer: b}, nil
}

func (r *app) close() {
	if err := r.conn.Close(); err != nil {
		r.logger.Error("failed to close store connection", zap.Error(err))
	}
	_ = r.logger.Sync()
}

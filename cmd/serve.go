package cmd

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/netgroup-polito/frog4-service-layer/internal/config"
	"github.com/netgroup-polito/frog4-service-layer/internal/observability"
)

const shutdownTimeout = 15 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the service layer daemon.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context(), config.Get())
	},
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := observability.GetLogger()
	defer observability.Sync()

	components, err := buildComponents(ctx, cfg)
	if err != nil {
		return err
	}
	defer components.Shutdown()

	if components.Subscriber != nil {
		components.Subscriber.Start(ctx)
	}

	serverErr := make(chan error, 1)
	go func() { serverErr <- components.Server.Start() }()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutdown signal received, draining requests.")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := components.Server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP server shutdown incomplete", zap.Error(err))
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/syntrixbase/broker/internal/config"
	"github.com/syntrixbase/broker/internal/logging"
	"github.com/syntrixbase/broker/internal/services"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the broker until SIGINT or SIGTERM",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if err := logging.Initialize(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}
			defer logging.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	mgr := services.NewManager(cfg, services.Options{})

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := mgr.Init(initCtx); err != nil {
		return fmt.Errorf("failed to initialize broker: %w", err)
	}
	if err := mgr.Start(ctx); err != nil {
		shutdown(mgr, cfg.Server.ShutdownTimeout)
		return err
	}

	<-ctx.Done()
	slog.Info("Shutting down broker...")
	shutdown(mgr, cfg.Server.ShutdownTimeout)
	slog.Info("Broker stopped")
	return nil
}

func shutdown(mgr *services.Manager, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	mgr.Shutdown(ctx)
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"gatekeeper/internal/api"
	"gatekeeper/internal/config"
	"gatekeeper/internal/scheduler"
	"gatekeeper/internal/version"
)

const shutdownTimeout = 30 * time.Second

func serveRun(cmd *cobra.Command, cfg *config.Config) error {
	logger := commonRun(cfg)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	eng, err := newEngine(ctx, cfg, logger)
	if err != nil {
		return err
	}

	server := api.NewServer(cfg.APIPort, eng.orchestrator, eng.repo, version.Version)
	if err := server.Start(); err != nil {
		_ = eng.Close(context.Background())
		return err
	}

	var wg sync.WaitGroup
	sched := scheduler.New(eng.repo, eng.orchestrator, cfg.ScheduleInterval())
	if cfg.ScheduleInterval() > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Start(ctx)
		}()
	} else {
		slog.Info("Scheduler disabled, refreshes run on demand only")
	}

	<-ctx.Done()
	slog.Warn("Interrupt received, shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Error stopping API server", "error", err)
	}
	wg.Wait()

	if err := eng.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("Gatekeeper stopped")
	return nil
}

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the periodic refresh scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveRun(cmd, mustConfig(cmd))
		},
	}
}

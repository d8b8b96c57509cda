package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"gatekeeper/internal/models"
	"gatekeeper/internal/scheduler"
)

func refreshCommand() *cobra.Command {
	var (
		communityID string
		groupID     int64
		all         bool
	)

	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Re-evaluate memberships once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			if communityID == "" && !all {
				return fmt.Errorf("either --community or --all is required")
			}
			if groupID < 0 {
				return fmt.Errorf("--group must be positive")
			}

			cfg := mustConfig(cmd)
			logger := commonRun(cfg)

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			eng, err := newEngine(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = eng.Close(context.Background()) }()

			if all {
				n, err := scheduler.New(eng.repo, eng.orchestrator, 0).RunOnce(ctx)
				if err != nil {
					return err
				}
				logger.Info("Refreshed gated communities", "count", n)
				return nil
			}

			var group *int64
			if groupID > 0 {
				group = &groupID
			}
			res, err := eng.orchestrator.Refresh(ctx, communityID, group)
			if err != nil {
				return err
			}
			return printResult(cmd, res)
		},
	}

	cmd.Flags().StringVar(&communityID, "community", "", "community to refresh")
	cmd.Flags().Int64Var(&groupID, "group", 0, "restrict the refresh to one group of the community")
	cmd.Flags().BoolVar(&all, "all", false, "refresh every community that has groups")
	cmd.MarkFlagsMutuallyExclusive("community", "all")
	return cmd
}

func printResult(cmd *cobra.Command, res *models.RefreshResult) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}

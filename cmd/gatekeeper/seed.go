package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"gatekeeper/internal/storage"
)

func seedCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seed <fixture.yaml>",
		Short: "Load communities, groups and addresses from a YAML fixture",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := mustConfig(cmd)
			logger := commonRun(cfg)

			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open fixture: %w", err)
			}
			defer f.Close()

			fixture, err := storage.LoadFixture(f)
			if err != nil {
				return err
			}

			repo, err := openRepository(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer repo.Close()

			if err := repo.Migrate(cmd.Context()); err != nil {
				return err
			}
			stats, err := storage.ApplyFixture(cmd.Context(), repo, fixture)
			if err != nil {
				return err
			}

			logger.Info("Fixture applied",
				"communities", stats.Communities,
				"groups", stats.Groups,
				"addresses", stats.Addresses,
			)
			return nil
		},
	}
	return cmd
}

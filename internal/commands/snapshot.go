package commands

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSnapshotCommand() *cobra.Command {
	var userID string
	var force bool

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Run one aggregation pass for a user and print the snapshot as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			app, err := buildApp(logger)
			if err != nil {
				return err
			}

			snapshot, err := app.agg.Refresh(cmd.Context(), userID, force)
			if err != nil {
				return err
			}

			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(snapshot)
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user id to aggregate for (required)")
	_ = cmd.MarkFlagRequired("user")
	cmd.Flags().BoolVar(&force, "force", false, "bypass the snapshot cache")

	return cmd
}

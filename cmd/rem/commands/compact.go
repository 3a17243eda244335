package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/pkg/cli"
	"github.com/percolation-labs/rem/internal/cliutil"
)

var (
	compactUserID string
	compactForce  bool
)

var compactCmd = &cobra.Command{
	Use:   "compact <session-id>",
	Short: "Run the moment builder over a session's unprocessed messages",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		app, err := cliutil.Bootstrap(context.Background(), cfg, tenantID)
		if err != nil {
			return err
		}
		defer app.Close()

		result := app.Moments.Run(cmd.Context(), tenantID, compactUserID, args[0], compactForce)
		if result.Error != nil {
			return fmt.Errorf("compacting session %s: %w", args[0], result.Error)
		}
		if result.MomentsCreated == 0 {
			cli.PrintInfo("no partition created (not enough unprocessed messages yet)")
			return nil
		}
		cli.PrintSuccess("created %d moment(s), partition event inserted: %v", result.MomentsCreated, result.PartitionEventInserted)
		return nil
	},
}

func init() {
	compactCmd.Flags().StringVar(&compactUserID, "user", "", "user id owning the session")
	compactCmd.Flags().BoolVar(&compactForce, "force", false, "partition even if the lag policy wouldn't otherwise trigger")
}

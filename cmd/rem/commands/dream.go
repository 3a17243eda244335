package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/dreaming"
	"github.com/percolation-labs/rem/pkg/cli"
)

var dreamCmd = &cobra.Command{
	Use:   "dream",
	Short: "Run the background synthesis worker's passes for one tenant",
	Long: `dream runs one or more of the dreaming worker's sweeps: resource
affinity (link semantically related resources), user-model (refresh user
summaries/interests from recent activity), and ontology (tenant-defined
structured extraction over recently touched files). Run with no subcommand
to run every pass in sequence.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDreamPasses(cmd.Context(), "affinity", "user-model", "ontology")
	},
}

var dreamAffinityCmd = &cobra.Command{
	Use:   "affinity",
	Short: "Link semantically related resources to each other",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDreamPasses(cmd.Context(), "affinity")
	},
}

var dreamUserModelCmd = &cobra.Command{
	Use:   "user-model",
	Short: "Refresh user summaries/interests from recent activity",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDreamPasses(cmd.Context(), "user-model")
	},
}

var dreamOntologyCmd = &cobra.Command{
	Use:   "ontology",
	Short: "Run tenant-defined structured extraction over recently touched files",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDreamPasses(cmd.Context(), "ontology")
	},
}

func runDreamPasses(ctx context.Context, passes ...string) error {
	cfg, err := GetConfig()
	if err != nil {
		return err
	}
	app, err := cliutil.Bootstrap(ctx, cfg, tenantID)
	if err != nil {
		return err
	}
	defer app.Close()

	for _, pass := range passes {
		switch pass {
		case "affinity":
			result := app.Dreaming.RunAffinity(ctx, tenantID, dreaming.DefaultAffinityPolicy())
			if result.Error != nil {
				return fmt.Errorf("resource affinity sweep: %w", result.Error)
			}
			cli.PrintSuccess("affinity: processed %d resource(s), created %d edge(s)", result.ResourcesProcessed, result.EdgesCreated)
		case "user-model":
			result := app.Dreaming.RunUserModel(ctx, tenantID, dreaming.DefaultUserModelPolicy())
			if result.Error != nil {
				return fmt.Errorf("user-model sweep: %w", result.Error)
			}
			cli.PrintSuccess("user-model: processed %d user(s), updated %d", result.UsersProcessed, result.UsersUpdated)
		case "ontology":
			result := app.Dreaming.RunOntologyExtraction(ctx, tenantID, dreaming.DefaultOntologyPolicy())
			if result.Error != nil {
				return fmt.Errorf("ontology extraction sweep: %w", result.Error)
			}
			cli.PrintSuccess("ontology: processed %d file(s), extracted %d", result.FilesProcessed, result.OntologiesExtracted)
		}
	}
	return nil
}

func init() {
	dreamCmd.AddCommand(dreamAffinityCmd)
	dreamCmd.AddCommand(dreamUserModelCmd)
	dreamCmd.AddCommand(dreamOntologyCmd)
	rootCmd.AddCommand(dreamCmd)
}

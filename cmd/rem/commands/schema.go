package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/pkg/cli"
	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/models"
	"github.com/percolation-labs/rem/internal/schemagen"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Generate, diff, or apply entity DDL",
}

var schemaGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Print the baseline and per-entity DDL for the core registry",
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := models.CoreRegistry()
		fmt.Println(schemagen.Baseline())
		fmt.Println(schemagen.Generate(reg))
		fmt.Println(schemagen.BackgroundIndexes(reg))
		return nil
	},
}

var schemaDiffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Show DDL statements missing from the connected database",
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

		existing, err := existingTables(cmd.Context(), app)
		if err != nil {
			return err
		}
		stmts := schemagen.Diff(app.Entities, existing)
		if len(stmts) == 0 {
			cli.PrintSuccess("schema is up to date")
			return nil
		}
		for _, s := range stmts {
			fmt.Println(s)
		}
		return nil
	},
}

var schemaApplyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply missing DDL statements to the connected database",
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

		existing, err := existingTables(cmd.Context(), app)
		if err != nil {
			return err
		}
		stmts := schemagen.Diff(app.Entities, existing)
		for _, s := range stmts {
			if _, err := app.Store.RawQuery(cmd.Context(), s); err != nil {
				return fmt.Errorf("applying statement %q: %w", s, err)
			}
		}
		cli.PrintSuccess("applied %d statements", len(stmts))
		return nil
	},
}

// existingTables reports which of the registry's tables already exist, by
// attempting a zero-row query against each — the simplest portable check
// that doesn't require a separate information_schema codepath in
// storage.Store.
func existingTables(ctx context.Context, app *cliutil.App) (map[string]bool, error) {
	existing := make(map[string]bool)
	for _, d := range app.Entities.All() {
		rows, err := app.Store.RawQuery(ctx, fmt.Sprintf("SELECT 1 FROM %s LIMIT 0", d.TableName))
		if err != nil {
			continue // table doesn't exist yet (or isn't reachable) — treat as missing
		}
		rows.Close()
		existing[d.TableName] = true
	}
	return existing, nil
}

func init() {
	schemaCmd.AddCommand(schemaGenerateCmd, schemaDiffCmd, schemaApplyCmd)
}

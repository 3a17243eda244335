package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/remquery/dialect"
)

var queryUserID string

var queryCmd = &cobra.Command{
	Use:   "query <dialect-string>",
	Short: "Execute one REM dialect query (LOOKUP/FUZZY/SEARCH/SQL/TRAVERSE)",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		queryString := strings.Join(args, " ")
		q, err := dialect.Parse(queryString)
		if err != nil {
			return fmt.Errorf("parsing query: %w", err)
		}

		cfg, err := GetConfig()
		if err != nil {
			return err
		}
		app, err := cliutil.Bootstrap(context.Background(), cfg, tenantID)
		if err != nil {
			return err
		}
		defer app.Close()

		var userID *string
		if queryUserID != "" {
			userID = &queryUserID
		}

		result, err := app.Query.Execute(cmd.Context(), tenantID, userID, q)
		if err != nil {
			return fmt.Errorf("executing query: %w", err)
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	},
}

func init() {
	queryCmd.Flags().StringVar(&queryUserID, "user", "", "scope the query to a single user id")
}

package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/internal/config"
)

var (
	cfgFile  string
	tenantID string

	globalConfig *config.Config
	configLoadErr error
)

var rootCmd = &cobra.Command{
	Use:   "rem",
	Short: "Operator CLI for the REM memory and retrieval service",
	Long: `rem - a command line interface for the REM service.

Subcommands:
  schema   generate/diff/apply entity DDL from the entity registry
  compact  run the moment builder over one session
  query    execute one REM dialect query string (LOOKUP/FUZZY/SEARCH/SQL/TRAVERSE)
  agent    run a schema-bound agent for one turn
  dream    run the background synthesis worker's passes for one tenant

Configuration is loaded from --config (or ./rem.toml if present),
overridable by REM_-prefixed environment variables.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "rem.toml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&tenantID, "tenant", "t", "default", "tenant id to operate as")

	rootCmd.AddCommand(schemaCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(agentCmd)
}

func initConfig() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		configLoadErr = err
		return
	}
	globalConfig = cfg
}

// GetConfig returns the loaded configuration, loading it again if the
// deferred init failed the first time (e.g. the file didn't exist yet).
func GetConfig() (*config.Config, error) {
	if globalConfig == nil {
		if configLoadErr != nil {
			return nil, fmt.Errorf("config not available: %w", configLoadErr)
		}
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("config not available: %w", err)
		}
		globalConfig = cfg
	}
	return globalConfig, nil
}

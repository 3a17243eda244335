package commands

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/percolation-labs/rem/pkg/cli"
	"github.com/percolation-labs/rem/internal/agentfactory"
	"github.com/percolation-labs/rem/internal/cliutil"
	"github.com/percolation-labs/rem/internal/llm"
)

var (
	agentUserID    string
	agentSessionID string
	agentModel     string
	agentMessage   string
	agentVerbose   bool
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Build and run a schema-bound agent",
}

var agentRunCmd = &cobra.Command{
	Use:   "run <schema-name>",
	Short: "Run a schema-bound agent for one turn",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if strings.TrimSpace(agentMessage) == "" {
			return fmt.Errorf("agent run: --message is required")
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

		model := agentModel
		if model == "" {
			model = cfg.LLM.DefaultModel
		}

		caller := agentfactory.CallerContext{
			TenantID:  tenantID,
			UserID:    agentUserID,
			SessionID: agentSessionID,
		}

		agent, err := app.Factory.Build(cmd.Context(), args[0], model, caller)
		if err != nil {
			return fmt.Errorf("building agent for schema %q: %w", args[0], err)
		}

		content := agentMessage
		messages := []llm.Message{{Role: "user", Content: &content}}

		output, events, err := agent.Run(cmd.Context(), messages)
		if err != nil {
			return fmt.Errorf("running agent: %w", err)
		}

		for _, ev := range events {
			cli.PrintVerbose(agentVerbose, "%s", ev.Type.String())
		}
		cli.PrintSuccess("%s", output)
		return nil
	},
}

func init() {
	agentRunCmd.Flags().StringVar(&agentUserID, "user", "", "user id the agent's tools are bound to")
	agentRunCmd.Flags().StringVar(&agentSessionID, "session", "", "session id the agent's tools are bound to")
	agentRunCmd.Flags().StringVar(&agentModel, "model", "", "provider:model id to run the agent with (defaults to llm.default_model)")
	agentRunCmd.Flags().StringVar(&agentMessage, "message", "", "the user message to send the agent")
	agentRunCmd.Flags().BoolVar(&agentVerbose, "verbose", false, "print each tool-call event")
	agentCmd.AddCommand(agentRunCmd)
}

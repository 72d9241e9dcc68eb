package main

import (
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/jmerrifield20/agentledger/internal/agents"
	"github.com/spf13/cobra"
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Inspect and manage registered agents",
}

var (
	listTenant string

	registerName       string
	registerType       string
	registerTenant     string
	registerPublicKey  string
	registerReputation float64
)

var agentsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents, optionally for one tenant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		list, err := rt.engine.ListAgents(ctx, listTenant)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tTYPE\tTENANT\tREPUTATION\tACTIVE")
		for _, a := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%.2f\t%t\n", a.ID, a.Name, a.Type, a.TenantID, a.Reputation, a.Active)
		}
		return tw.Flush()
	},
}

var agentsRegisterCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a new agent and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		req := agents.RegisterRequest{
			Name:      registerName,
			Type:      agents.Type(registerType),
			Tenant:    registerTenant,
			PublicKey: registerPublicKey,
		}
		if cmd.Flags().Changed("reputation") {
			req.Reputation = &registerReputation
		}

		ctx := cmd.Context()
		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()

		id, err := rt.engine.RegisterAgent(ctx, req)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), id)
		return nil
	},
}

var agentsReputationCmd = &cobra.Command{
	Use:   "set-reputation <agent-id> <score>",
	Short: "Replace an agent's reputation score",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		score, err := strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid score %q: %w", args[1], err)
		}

		ctx := cmd.Context()
		rt, err := open(ctx)
		if err != nil {
			return err
		}
		defer rt.Close()
		return rt.engine.SetAgentReputation(ctx, args[0], score)
	},
}

func activeCmd(use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <agent-id>",
		Short: fmt.Sprintf("Mark an agent %sd", use),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			rt, err := open(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()
			return rt.engine.SetAgentActive(ctx, args[0], active)
		},
	}
}

func init() {
	agentsListCmd.Flags().StringVar(&listTenant, "tenant", "", "Only list agents of this tenant")

	agentsRegisterCmd.Flags().StringVar(&registerName, "name", "", "Agent display name (required)")
	agentsRegisterCmd.Flags().StringVar(&registerType, "type", string(agents.TypeAI), "Agent type: human, ai, oracle or system")
	agentsRegisterCmd.Flags().StringVar(&registerTenant, "tenant", agents.DefaultTenant, "Tenant the agent belongs to")
	agentsRegisterCmd.Flags().StringVar(&registerPublicKey, "public-key", "", "Optional public key used to sign votes")
	agentsRegisterCmd.Flags().Float64Var(&registerReputation, "reputation", 0, "Initial reputation (default depends on type)")
	_ = agentsRegisterCmd.MarkFlagRequired("name")

	agentsCmd.AddCommand(agentsListCmd)
	agentsCmd.AddCommand(agentsRegisterCmd)
	agentsCmd.AddCommand(agentsReputationCmd)
	agentsCmd.AddCommand(activeCmd("activate", true))
	agentsCmd.AddCommand(activeCmd("deactivate", false))
}

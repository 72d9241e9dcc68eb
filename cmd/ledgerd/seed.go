package main

import (
	"fmt"

	"github.com/jmerrifield20/agentledger/internal/agents"
	"github.com/jmerrifield20/agentledger/internal/facts"
	"github.com/spf13/cobra"
)

var seedTenant string

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Populate the ledgers with a small demo scenario for development",
	Long: `Seed registers a handful of agents, stores facts and casts votes so the
audit endpoints and CLI have something to show.

The ledgers are append-only: running seed twice records a second, independent
scenario rather than updating the first.`,
	Args: cobra.NoArgs,
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVar(&seedTenant, "tenant", "demo", "Tenant the demo agents and facts belong to")
	rootCmd.AddCommand(seedCmd)
}

type seedAgent struct {
	Name       string
	Type       agents.Type
	Reputation float64
}

var seedAgents = []seedAgent{
	{Name: "archivist", Type: agents.TypeAI, Reputation: 0.9},
	{Name: "scout", Type: agents.TypeAI, Reputation: 0.2},
	{Name: "price-oracle", Type: agents.TypeOracle, Reputation: 2.0},
}

type seedFact struct {
	Content string
	Source  string
	// Votes maps an agent name to its vote; agents.HumanAgentID is provisioned on first use.
	Votes map[string]int
}

var seedFacts = []seedFact{
	{
		Content: "The staging database was migrated to Postgres 16 on 2026-03-02.",
		Source:  "archivist",
		Votes:   map[string]int{"archivist": 1, "price-oracle": 1, agents.HumanAgentID: 1},
	},
	{
		Content: "BTC closed above 150k USD on 2026-01-15.",
		Source:  "scout",
		Votes:   map[string]int{"scout": 1, "price-oracle": -1},
	},
	{
		Content: "The on-call rotation changes every Monday at 09:00 UTC.",
		Source:  "archivist",
		Votes:   map[string]int{"scout": -1, "archivist": 1},
	},
}

func runSeed(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()
	out := cmd.OutOrStdout()

	ids := map[string]string{agents.HumanAgentID: agents.HumanAgentID}
	for _, a := range seedAgents {
		rep := a.Reputation
		id, err := rt.engine.RegisterAgent(ctx, agents.RegisterRequest{
			Name:       a.Name,
			Type:       a.Type,
			Tenant:     seedTenant,
			Reputation: &rep,
		})
		if err != nil {
			return fmt.Errorf("register agent %s: %w", a.Name, err)
		}
		ids[a.Name] = id
		fmt.Fprintf(out, "  agent %-14s %s  reputation %.2f\n", a.Name, id, rep)
	}

	for _, f := range seedFacts {
		fact, err := rt.engine.StoreFact(ctx, facts.CreateRequest{
			TenantID:      seedTenant,
			Content:       f.Content,
			SourceAgentID: ids[f.Source],
		})
		if err != nil {
			return fmt.Errorf("store fact: %w", err)
		}

		score := 1.0
		for name, value := range f.Votes {
			score, err = rt.engine.Vote(ctx, fact.ID, ids[name], value, "")
			if err != nil {
				return fmt.Errorf("vote %s on %s: %w", name, fact.ID, err)
			}
		}
		got, err := rt.engine.GetFact(ctx, fact.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  fact  %s  score %.3f  %-8s %q\n", fact.ID, score, got.Confidence, f.Content)
	}

	fmt.Fprintln(out, "\nseed complete")
	return nil
}

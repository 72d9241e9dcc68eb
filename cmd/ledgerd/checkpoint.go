package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"github.com/spf13/cobra"
)

var checkpointLedger string

var checkpointCmd = &cobra.Command{
	Use:   "checkpoint",
	Short: "Seal the next batch of un-checkpointed entries",
	Long: `Checkpoint builds a Merkle root over the next batch of entries that no
checkpoint covers yet. Appends do this automatically once a full batch has
accumulated; this command seals a partial batch on demand.`,
	RunE: runCheckpoint,
}

var proveCmd = &cobra.Command{
	Use:   "prove <ledger> <entry-id>",
	Short: "Print a Merkle inclusion proof for a checkpointed entry",
	Args:  cobra.ExactArgs(2),
	RunE:  runProve,
}

func init() {
	checkpointCmd.Flags().StringVar(&checkpointLedger, "ledger", "all", "Ledger to checkpoint: transactions, votes or all")
}

func runCheckpoint(cmd *cobra.Command, args []string) error {
	names := []trustledger.Name{trustledger.Transactions, trustledger.Votes}
	if checkpointLedger != "all" {
		names = []trustledger.Name{trustledger.Name(checkpointLedger)}
	}

	ctx := cmd.Context()
	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	for _, name := range names {
		root, err := rt.engine.CreateCheckpoint(ctx, name)
		if err != nil {
			return err
		}
		if root == "" {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: nothing to checkpoint\n", name)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, root)
	}
	return nil
}

func runProve(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid entry id %q: %w", args[1], err)
	}

	ctx := cmd.Context()
	rt, err := open(ctx)
	if err != nil {
		return err
	}
	defer rt.Close()

	proof, err := rt.engine.ProveEntry(ctx, trustledger.Name(args[0]), id)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(struct {
		*trustledger.InclusionProof
		Valid bool `json:"valid"`
	}{proof, proof.Verify()})
}

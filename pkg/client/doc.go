// Package client is the Go SDK for auditing a ledgerd deployment over HTTP.
//
// It reads the hash-chained transaction and vote ledgers, their Merkle
// checkpoints, facts, votes and agents from the read-only audit API that
// "ledgerd serve" exposes under /api/v1.
//
// # Verifying an entry without trusting the server
//
// The server reports its own verdict alongside every inclusion proof; the
// client ignores it and folds the proof locally. Pin a checkpoint root you
// obtained out of band (a published root, a previous run) to detect a server
// that rewrote both the entry and its checkpoint:
//
//	c := client.MustNew("http://localhost:9090")
//
//	cps, err := c.Checkpoints(ctx, "votes")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	entry, err := c.VerifyEntry(ctx, "votes", 42, cps[0].RootHash)
//	if errors.Is(err, client.ErrProofMismatch) {
//	    log.Fatalf("entry 42 was altered: %v", err)
//	}
//
// Entries that no checkpoint covers yet return ErrNotCheckpointed; unknown
// ledgers, entries and facts return ErrNotFound.
//
// # Whole-ledger checks
//
// Integrity and CheckpointIntegrity ask the server to walk both chains from
// genesis and to re-derive every checkpoint root:
//
//	report, err := c.Integrity(ctx)
//	if err == nil && !report.Valid {
//	    for _, v := range report.Votes.Violations {
//	        fmt.Println(v.EntryID, v.Kind)
//	    }
//	}
package client

// Package trustledger implements the append-only, hash-chained ledgers that
// back the fact store and the vote history, plus Merkle checkpoints over them.
//
// Every entry records the SHA-256 of its predecessor; the first entry chains
// from GenesisHash (64 hex zeros), which is never stored. Two ledgers are
// instantiated from the same code:
//   - Transactions: every fact store/update/deprecate.
//   - Votes: every cast vote, including ones later overwritten or retracted.
//
// Appends run under the store's single-writer lock, so no two writers can
// read the same tail and fork the chain. Integrity is audited explicitly with
// VerifyChain (O(n) per entry) or VerifyCheckpoints (O(checkpoints × batch)).
package trustledger

package trustledger_test

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jmerrifield20/agentledger/internal/merkle"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

var ctx = context.Background()

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func openDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(ctx, store.Config{
		Driver: store.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "ledger.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// steppingClock advances one second per reading.
func steppingClock() store.Clock {
	var mu sync.Mutex
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return store.ClockFunc(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	})
}

func newLedger(t *testing.T, db *store.DB, name trustledger.Name, batch int) *trustledger.Ledger {
	t.Helper()
	l, err := trustledger.New(db, name, trustledger.Options{BatchSize: batch, Clock: steppingClock()}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func appendN(t *testing.T, db *store.DB, l *trustledger.Ledger, n int) []*trustledger.Entry {
	t.Helper()
	entries := make([]*trustledger.Entry, 0, n)
	for i := 0; i < n; i++ {
		e, err := l.Append(ctx, store.Owned(db), "fact-1", "agent-1", map[string]int{"seq": i}, "")
		if err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew_unknownLedger(t *testing.T) {
	if _, err := trustledger.New(openDB(t), "receipts", trustledger.Options{}, zap.NewNop()); err == nil {
		t.Fatal("expected error for unknown ledger name")
	}
}

func TestAppend_chainsFromGenesis(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)

	root, err := l.Root(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if root != trustledger.GenesisHash {
		t.Errorf("empty root: got %q, want GenesisHash", root)
	}

	entries := appendN(t, db, l, 3)
	if entries[0].ID != 1 {
		t.Errorf("first id: got %d, want 1", entries[0].ID)
	}
	if entries[0].PrevHash != trustledger.GenesisHash {
		t.Errorf("first prev_hash: got %q, want GenesisHash", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].Hash {
			t.Errorf("entry %d: prev_hash %q, want %q", entries[i].ID, entries[i].PrevHash, entries[i-1].Hash)
		}
	}

	n, err := l.Len(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("expected 3 entries, got %d", n)
	}
	root, _ = l.Root(ctx)
	if root != entries[2].Hash {
		t.Errorf("root: got %q, want tip hash %q", root, entries[2].Hash)
	}
}

func TestAppend_storesCanonicalPayload(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)

	e, err := l.Append(ctx, store.Owned(db), "fact-1", "agent-1", map[string]any{"z": 1, "a": 2.0}, "sig")
	if err != nil {
		t.Fatal(err)
	}
	if string(e.Payload) != `{"a":2,"z":1}` {
		t.Errorf("payload: got %s", e.Payload)
	}

	got, err := l.Get(ctx, e.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Hash != e.Hash || string(got.Payload) != string(e.Payload) || got.Signature != "sig" {
		t.Errorf("stored entry differs: %+v vs %+v", got, e)
	}
	if !got.Timestamp.Equal(e.Timestamp) {
		t.Errorf("timestamp: got %v, want %v", got.Timestamp, e.Timestamp)
	}
}

func TestGet_notFound(t *testing.T) {
	l := newLedger(t, openDB(t), trustledger.Transactions, 0)
	if _, err := l.Get(ctx, 42); !errors.Is(err, trustledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendVote_decodesFromHistory(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 0)

	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "whale", 1, 10, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-2", "whale", -1, 10, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "shrimp", -1, 1, ""); err != nil {
		t.Fatal(err)
	}

	votes, err := l.VoteHistory(ctx, nil, "fact-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(votes) != 2 {
		t.Fatalf("expected 2 votes on fact-1, got %d", len(votes))
	}
	if votes[0].AgentID != "whale" || votes[0].Value != 1 || votes[0].Weight != 10 {
		t.Errorf("first vote: %+v", votes[0])
	}
	if votes[1].AgentID != "shrimp" || votes[1].Value != -1 || votes[1].Weight != 1 {
		t.Errorf("second vote: %+v", votes[1])
	}
}

func TestAppendVote_rejectsTransactionLedger(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "whale", 1, 1, ""); err == nil {
		t.Fatal("expected error appending a vote to the transaction ledger")
	}
}

func TestAppend_borrowedSessionRollsBackWithOwner(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)

	boom := errors.New("boom")
	err := store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		if _, err := l.Append(ctx, store.Borrowed(tx), "fact-1", "agent-1", nil, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("expected rolled back append, got %d entries", n)
	}
}

func TestVerifyChain_cleanLedger(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	appendN(t, db, l, 5)

	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != 5 || len(report.Violations) != 0 {
		t.Errorf("expected valid report over 5 entries, got %+v", report)
	}
}

func TestVerifyChain_emptyLedger(t *testing.T) {
	l := newLedger(t, openDB(t), trustledger.Votes, 0)
	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != 0 {
		t.Errorf("expected valid empty report, got %+v", report)
	}
}

func TestVerifyChain_payloadTamperingReportedOnce(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	appendN(t, db, l, 5)

	if _, err := db.Exec(ctx, `UPDATE ledger_transactions SET payload = '{"seq":99}' WHERE id = 3`); err != nil {
		t.Fatal(err)
	}

	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid {
		t.Fatal("expected tampered ledger to be invalid")
	}
	if len(report.Violations) != 1 {
		t.Fatalf("expected exactly 1 violation, got %+v", report.Violations)
	}
	v := report.Violations[0]
	if v.EntryID != 3 || v.Kind != trustledger.DataTampering {
		t.Errorf("unexpected violation %+v", v)
	}
	if v.Expected == v.Actual {
		t.Error("violation should carry differing expected and actual hashes")
	}
	if report.Checked != 5 {
		t.Errorf("checked: got %d, want 5", report.Checked)
	}
}

func TestVerifyChain_rewrittenHashBreaksNextLink(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	appendN(t, db, l, 4)

	forged := "ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff"
	if _, err := db.Exec(ctx, "UPDATE ledger_transactions SET hash = ? WHERE id = 2", forged); err != nil {
		t.Fatal(err)
	}

	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Violations) != 2 {
		t.Fatalf("expected 2 violations, got %+v", report.Violations)
	}
	if v := report.Violations[0]; v.EntryID != 2 || v.Kind != trustledger.DataTampering || v.Actual != forged {
		t.Errorf("first violation: %+v", v)
	}
	if v := report.Violations[1]; v.EntryID != 3 || v.Kind != trustledger.ChainBreak || v.Expected != forged {
		t.Errorf("second violation: %+v", v)
	}
}

func TestVerifyChain_malformedTimestampIsTampering(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	appendN(t, db, l, 2)

	if _, err := db.Exec(ctx, "UPDATE ledger_transactions SET recorded_at = 'yesterday' WHERE id = 1"); err != nil {
		t.Fatal(err)
	}
	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report.Violations) != 1 || report.Violations[0].Kind != trustledger.DataTampering {
		t.Errorf("expected one DATA_TAMPERING violation, got %+v", report.Violations)
	}
}

func TestVerifyChain_shiftedFieldBoundaryIsTampering(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 0)
	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "mallory|x", 1, 1, ""); err != nil {
		t.Fatal(err)
	}

	// Same bytes in total, with the separator moved from actor to subject.
	if _, err := db.Exec(ctx,
		"UPDATE ledger_votes SET subject_id = ?, actor_id = ? WHERE id = 1", "fact-1|mallory", "x"); err != nil {
		t.Fatal(err)
	}
	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if report.Valid || len(report.Violations) != 1 {
		t.Fatalf("expected one violation, got %+v", report)
	}
	if v := report.Violations[0]; v.EntryID != 1 || v.Kind != trustledger.DataTampering {
		t.Errorf("unexpected violation %+v", v)
	}
}

func TestAppendVote_rejectsInvalidVotes(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 0)

	cases := []struct {
		name    string
		factID  string
		agentID string
		value   int
		weight  float64
		field   string
	}{
		{"value out of range", "fact-1", "agent-1", 7, 1, "value"},
		{"negative value out of range", "fact-1", "agent-1", -2, 1, "value"},
		{"negative weight", "fact-1", "agent-1", 1, -3, "weight"},
		{"NaN weight", "fact-1", "agent-1", 1, math.NaN(), "weight"},
		{"infinite weight", "fact-1", "agent-1", 1, math.Inf(1), "weight"},
		{"empty fact", " ", "agent-1", 1, 1, "fact_id"},
		{"empty agent", "fact-1", "", 1, 1, "agent_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.AppendVote(ctx, store.Owned(db), tc.factID, tc.agentID, tc.value, tc.weight, "")
			var verr *trustledger.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %v", err)
			}
			if verr.Field != tc.field {
				t.Errorf("field: got %q, want %q", verr.Field, tc.field)
			}
		})
	}
	if n, _ := l.Len(ctx); n != 0 {
		t.Errorf("rejected votes must not be written, got %d entries", n)
	}

	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "agent-1", 0, 0, ""); err != nil {
		t.Errorf("retraction with zero weight should be accepted: %v", err)
	}
}

func TestAppend_logsOnlyCommittedEntries(t *testing.T) {
	db := openDB(t)
	core, logs := observer.New(zapcore.DebugLevel)
	l, err := trustledger.New(db, trustledger.Votes, trustledger.Options{BatchSize: 1, Clock: steppingClock()}, zap.New(core))
	if err != nil {
		t.Fatal(err)
	}

	boom := errors.New("boom")
	err = store.Owned(db).RunImmediate(ctx, func(tx *store.Tx) error {
		if _, err := l.AppendVote(ctx, store.Borrowed(tx), "fact-1", "agent-1", 1, 1, ""); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if n := logs.Len(); n != 0 {
		t.Fatalf("rolled back append and checkpoint logged %d entries: %v", n, logs.All())
	}

	if _, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "agent-1", 1, 1, ""); err != nil {
		t.Fatal(err)
	}
	if n := logs.FilterMessage("ledger entry appended").Len(); n != 1 {
		t.Errorf("expected 1 append log, got %d", n)
	}
	if n := logs.FilterMessage("merkle checkpoint created").Len(); n != 1 {
		t.Errorf("expected 1 checkpoint log, got %d", n)
	}
}

func TestAppend_concurrentWritersDoNotFork(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 0)

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "agent-"+string(rune('a'+i)), 1, 0.5, "")
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	entries, err := l.Range(ctx, 1, writers*2)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != writers {
		t.Fatalf("expected %d entries, got %d", writers, len(entries))
	}
	seen := make(map[string]bool, writers)
	for _, e := range entries {
		if seen[e.PrevHash] {
			t.Errorf("duplicate prev_hash %q at entry %d", e.PrevHash, e.ID)
		}
		seen[e.PrevHash] = true
	}

	report, err := l.VerifyChain(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !report.Valid || report.Checked != writers {
		t.Errorf("expected valid chain of %d, got %+v", writers, report)
	}
}

func TestCreateCheckpoint_emptyIsNoop(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 0)
	cp, err := l.CreateCheckpoint(ctx, store.Owned(db))
	if err != nil {
		t.Fatal(err)
	}
	if cp != nil {
		t.Errorf("expected no checkpoint, got %+v", cp)
	}
}

func TestCreateCheckpoint_tilesRanges(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 100)

	entries := appendN(t, db, l, 3)
	first, err := l.CreateCheckpoint(ctx, store.Owned(db))
	if err != nil {
		t.Fatal(err)
	}
	if first.StartID != 1 || first.EndID != 3 || first.LeafCount != 3 {
		t.Errorf("first checkpoint range: %+v", first)
	}
	leaves := []string{entries[0].Hash, entries[1].Hash, entries[2].Hash}
	if first.RootHash != merkle.Build(leaves) {
		t.Errorf("root: got %q, want %q", first.RootHash, merkle.Build(leaves))
	}

	again, err := l.CreateCheckpoint(ctx, store.Owned(db))
	if err != nil {
		t.Fatal(err)
	}
	if again != nil {
		t.Errorf("expected no checkpoint without new entries, got %+v", again)
	}

	appendN(t, db, l, 2)
	second, err := l.CreateCheckpoint(ctx, store.Owned(db))
	if err != nil {
		t.Fatal(err)
	}
	if second.StartID != first.EndID+1 || second.EndID != 5 {
		t.Errorf("second checkpoint not contiguous: %+v", second)
	}
}

func TestAppend_autoCheckpointsAtBatchSize(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 4)
	appendN(t, db, l, 11)

	cps, err := l.Checkpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(cps) != 2 {
		t.Fatalf("expected 2 automatic checkpoints, got %d", len(cps))
	}
	next := int64(1)
	for _, cp := range cps {
		if cp.StartID != next || cp.LeafCount != 4 || cp.EndID != cp.StartID+3 {
			t.Errorf("checkpoint %d does not tile: %+v", cp.ID, cp)
		}
		next = cp.EndID + 1
	}
}

func TestCheckpoints_areScopedPerLedger(t *testing.T) {
	db := openDB(t)
	tx := newLedger(t, db, trustledger.Transactions, 2)
	votes := newLedger(t, db, trustledger.Votes, 2)
	appendN(t, db, tx, 2)
	appendN(t, db, votes, 2)

	for _, l := range []*trustledger.Ledger{tx, votes} {
		cps, err := l.Checkpoints(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(cps) != 1 || cps[0].StartID != 1 || cps[0].Ledger != l.Name() {
			t.Errorf("%s checkpoints: %+v", l.Name(), cps)
		}
	}
}

func TestVerifyCheckpoints_detectsRewrittenLeaf(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 3)
	appendN(t, db, l, 6)

	results, err := l.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 checkpoints, got %d", len(results))
	}
	for _, r := range results {
		if !r.Valid {
			t.Errorf("checkpoint %d should verify: %+v", r.CheckpointID, r)
		}
	}

	if _, err := db.Exec(ctx, "UPDATE ledger_transactions SET hash = 'abc' WHERE id = 5"); err != nil {
		t.Fatal(err)
	}
	results, err = l.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !results[0].Valid {
		t.Errorf("first checkpoint should still verify: %+v", results[0])
	}
	if results[1].Valid || results[1].Expected == results[1].Actual {
		t.Errorf("second checkpoint should fail: %+v", results[1])
	}
}

func TestVerifyCheckpoints_missingRowIsInvalid(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 3)
	appendN(t, db, l, 3)

	if _, err := db.Exec(ctx, "DELETE FROM ledger_transactions WHERE id = 3"); err != nil {
		t.Fatal(err)
	}
	results, err := l.VerifyCheckpoints(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 1 || results[0].Valid {
		t.Errorf("expected invalid checkpoint, got %+v", results)
	}
}

func TestProveEntry(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Transactions, 5)
	entries := appendN(t, db, l, 7)

	for _, e := range entries[:5] {
		proof, err := l.ProveEntry(ctx, e.ID)
		if err != nil {
			t.Fatalf("prove %d: %v", e.ID, err)
		}
		if proof.Leaf != e.Hash {
			t.Errorf("entry %d: leaf %q, want %q", e.ID, proof.Leaf, e.Hash)
		}
		if !proof.Verify() {
			t.Errorf("entry %d: proof does not verify", e.ID)
		}
	}

	if _, err := l.ProveEntry(ctx, 6); !errors.Is(err, trustledger.ErrNotCheckpointed) {
		t.Errorf("expected ErrNotCheckpointed, got %v", err)
	}
	if _, err := l.ProveEntry(ctx, 99); !errors.Is(err, trustledger.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestEntry_marshalsPayloadInline(t *testing.T) {
	db := openDB(t)
	l := newLedger(t, db, trustledger.Votes, 0)
	v, err := l.AppendVote(ctx, store.Owned(db), "fact-1", "whale", 1, 10, "")
	if err != nil {
		t.Fatal(err)
	}

	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded["fact_id"] != "fact-1" || decoded["hash"] != v.Hash {
		t.Errorf("unexpected vote JSON: %s", raw)
	}
	if _, ok := decoded["payload"].(map[string]any); !ok {
		t.Errorf("payload should be inline JSON: %s", raw)
	}
}

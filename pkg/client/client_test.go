package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agentledger/internal/engine"
	"github.com/jmerrifield20/agentledger/internal/facts"
	"github.com/jmerrifield20/agentledger/internal/ledgerapi"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/pkg/client"
	"go.uber.org/zap"
)

// ── Live server ─────────────────────────────────────────────────────────

// liveServer serves the real audit API over a fresh sqlite engine that
// checkpoints every two entries.
func liveServer(t *testing.T) (*httptest.Server, *engine.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.Open(context.Background(), store.Config{
		Driver: store.DialectSQLite,
		Path:   filepath.Join(t.TempDir(), "client.db"),
	}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	e, err := engine.New(db, engine.Config{CheckpointBatchSize: 2}, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv := httptest.NewServer(ledgerapi.NewRouter(ctx, e, ledgerapi.Options{}, zap.NewNop()))
	t.Cleanup(srv.Close)
	return srv, e
}

func storeFact(t *testing.T, e *engine.Engine, content string) *facts.Fact {
	t.Helper()
	f, err := e.StoreFact(context.Background(), facts.CreateRequest{Content: content, SourceAgentID: "scout"})
	if err != nil {
		t.Fatalf("StoreFact: %v", err)
	}
	return f
}

// ── Tests ────────────────────────────────────────────────────────────────

func TestNew_invalidBase(t *testing.T) {
	if _, err := client.New("localhost"); err == nil {
		t.Error("expected error for base URL without scheme")
	}
	if _, err := client.New("http://localhost", client.WithCacheTTL(0)); err == nil {
		t.Error("expected error for zero cache TTL")
	}
}

func TestHealthAndIntegrity(t *testing.T) {
	srv, e := liveServer(t)
	storeFact(t, e, "water boils at 100C at sea level")
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("Health: %v", err)
	}
	report, err := c.Integrity(ctx)
	if err != nil {
		t.Fatalf("Integrity: %v", err)
	}
	if !report.Valid || report.TransactionsChecked != 1 || report.VotesChecked != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	valid, results, err := c.CheckpointIntegrity(ctx)
	if err != nil {
		t.Fatalf("CheckpointIntegrity: %v", err)
	}
	if !valid || len(results) != 0 {
		t.Errorf("expected no checkpoints yet, got valid=%v %+v", valid, results)
	}
}

func TestVerifyEntry_pinnedRoot(t *testing.T) {
	srv, e := liveServer(t)
	storeFact(t, e, "a")
	storeFact(t, e, "b")
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	cps, err := c.Checkpoints(ctx, "transactions")
	if err != nil {
		t.Fatalf("Checkpoints: %v", err)
	}
	if len(cps) != 1 || cps[0].StartID != 1 || cps[0].EndID != 2 {
		t.Fatalf("expected one checkpoint over 1-2, got %+v", cps)
	}

	for _, id := range []int64{1, 2} {
		entry, err := c.VerifyEntry(ctx, "transactions", id, cps[0].RootHash)
		if err != nil {
			t.Fatalf("VerifyEntry(%d): %v", id, err)
		}
		if entry.ID != id {
			t.Errorf("entry id = %d, want %d", entry.ID, id)
		}
	}

	_, err = c.VerifyEntry(ctx, "transactions", 1, "deadbeef")
	if !errors.Is(err, client.ErrProofMismatch) {
		t.Errorf("expected ErrProofMismatch for wrong pinned root, got %v", err)
	}
}

func TestProof_notCheckpointedAndNotFound(t *testing.T) {
	srv, e := liveServer(t)
	storeFact(t, e, "only one")
	c := client.MustNew(srv.URL)
	ctx := context.Background()

	if _, err := c.Proof(ctx, "transactions", 1); !errors.Is(err, client.ErrNotCheckpointed) {
		t.Errorf("expected ErrNotCheckpointed, got %v", err)
	}
	if _, err := c.Proof(ctx, "transactions", 99); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound for missing entry, got %v", err)
	}
	if _, err := c.Ledger(ctx, "nope"); !errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown ledger, got %v", err)
	}
}

func TestFactVotesAgents(t *testing.T) {
	srv, e := liveServer(t)
	f := storeFact(t, e, "the sky is blue")
	ctx := context.Background()
	if _, err := e.Vote(ctx, f.ID, "whale", 1, ""); err != nil {
		t.Fatal(err)
	}
	c := client.MustNew(srv.URL)

	got, err := c.Fact(ctx, f.ID)
	if err != nil {
		t.Fatalf("Fact: %v", err)
	}
	if got.Content != "the sky is blue" || got.ConsensusScore != 2 || got.Confidence != "verified" {
		t.Errorf("unexpected fact: %+v", got)
	}

	votes, err := c.Votes(ctx, f.ID)
	if err != nil {
		t.Fatalf("Votes: %v", err)
	}
	if len(votes.Current) != 1 || len(votes.History) != 1 || votes.History[0].AgentID != "whale" {
		t.Errorf("unexpected votes: %+v", votes)
	}

	agents, err := c.Agents(ctx, "")
	if err != nil {
		t.Fatalf("Agents: %v", err)
	}
	if len(agents) != 1 || agents[0].ID != "whale" {
		t.Errorf("unexpected agents: %+v", agents)
	}

	overview, err := c.Ledger(ctx, "votes")
	if err != nil {
		t.Fatalf("Ledger: %v", err)
	}
	if overview.Entries != 1 || overview.Root != votes.History[0].Hash {
		t.Errorf("unexpected overview: %+v", overview)
	}
}

// ── Stub server ─────────────────────────────────────────────────────────

func TestVerifyEntry_forgedLeaf(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/ledgers/votes/entries/1", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"id": 1, "hash": "aaaa"})
	})
	mux.HandleFunc("/api/v1/ledgers/votes/entries/1/proof", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"valid": true, // ignored by the client
			"proof": map[string]any{
				"entry_id":   1,
				"leaf":       "bbbb",
				"checkpoint": map[string]any{"root_hash": "bbbb"},
			},
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	_, err := client.MustNew(srv.URL).VerifyEntry(context.Background(), "votes", 1, "")
	if !errors.Is(err, client.ErrProofMismatch) {
		t.Errorf("expected ErrProofMismatch, got %v", err)
	}
}

func TestEntry_cache(t *testing.T) {
	callCount := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		callCount++
		json.NewEncoder(w).Encode(map[string]any{"id": 7, "hash": "cafe"})
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithCacheTTL(5*time.Minute))
	c.Entry(context.Background(), "votes", 7)
	c.Entry(context.Background(), "votes", 7)

	if callCount != 1 {
		t.Errorf("expected 1 HTTP call (cached), got %d", callCount)
	}
}

func TestBearerToken(t *testing.T) {
	var auth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := client.MustNew(srv.URL, client.WithBearerToken("audit-token"))
	if err := c.Health(context.Background()); err != nil {
		t.Fatal(err)
	}
	if auth != "Bearer audit-token" {
		t.Errorf("Authorization = %q", auth)
	}
}

func TestServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := client.MustNew(srv.URL).Integrity(context.Background())
	if err == nil || errors.Is(err, client.ErrNotFound) {
		t.Errorf("expected plain server error, got %v", err)
	}
}

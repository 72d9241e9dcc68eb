// Package client provides the Go SDK for the ledgerd audit API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmerrifield20/agentledger/internal/merkle"
)

var (
	// ErrNotFound is returned when the server answers 404.
	ErrNotFound = errors.New("not found")
	// ErrNotCheckpointed is returned by Proof for an entry no checkpoint covers yet.
	ErrNotCheckpointed = errors.New("entry is not covered by a checkpoint yet")
	// ErrProofMismatch is returned by VerifyEntry when the proof does not fold
	// to the checkpoint root or does not start at the entry's hash.
	ErrProofMismatch = errors.New("inclusion proof does not match")
)

// Entry is a ledger record as served by GET /api/v1/ledgers/:ledger/entries/:id.
type Entry struct {
	ID        int64           `json:"id"`
	SubjectID string          `json:"subject_id"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`
}

// Checkpoint is a sealed Merkle root over a contiguous range of entries.
type Checkpoint struct {
	ID        int64     `json:"id"`
	Ledger    string    `json:"ledger"`
	StartID   int64     `json:"start_id"`
	EndID     int64     `json:"end_id"`
	RootHash  string    `json:"root_hash"`
	LeafCount int       `json:"leaf_count"`
	CreatedAt time.Time `json:"created_at"`
}

// ProofStep is one level of an inclusion proof. Side is "L" or "R".
type ProofStep struct {
	Hash string `json:"hash"`
	Side string `json:"side"`
}

// Proof shows that Leaf is included under Checkpoint.RootHash.
type Proof struct {
	EntryID    int64       `json:"entry_id"`
	Leaf       string      `json:"leaf"`
	Checkpoint *Checkpoint `json:"checkpoint"`
	Steps      []ProofStep `json:"steps"`
}

// Verify folds the proof locally; it does not trust the server's verdict.
func (p *Proof) Verify() bool {
	if p.Checkpoint == nil {
		return false
	}
	steps := make([]merkle.Step, len(p.Steps))
	for i, s := range p.Steps {
		steps[i] = merkle.Step{Hash: s.Hash, Side: merkle.Side(s.Side)}
	}
	return merkle.Verify(p.Leaf, steps, p.Checkpoint.RootHash)
}

// LedgerOverview summarises one ledger.
type LedgerOverview struct {
	Ledger         string `json:"ledger"`
	Entries        int64  `json:"entries"`
	Root           string `json:"root"`
	Checkpoints    int    `json:"checkpoints"`
	CheckpointedTo int64  `json:"checkpointed_to"`
	BatchSize      int    `json:"batch_size"`
}

// Violation is a single integrity failure reported by the server.
type Violation struct {
	EntryID  int64  `json:"entry_id"`
	Kind     string `json:"kind"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// ChainReport is the result of walking one ledger from genesis.
type ChainReport struct {
	Ledger     string      `json:"ledger"`
	Valid      bool        `json:"valid"`
	Checked    int64       `json:"checked"`
	Violations []Violation `json:"violations"`
}

// IntegrityReport covers both ledgers.
type IntegrityReport struct {
	Valid               bool         `json:"valid"`
	TransactionsChecked int64        `json:"transactions_checked"`
	VotesChecked        int64        `json:"votes_checked"`
	Transactions        *ChainReport `json:"transactions"`
	Votes               *ChainReport `json:"votes"`
}

// CheckpointResult is the outcome of re-deriving one checkpoint root.
type CheckpointResult struct {
	CheckpointID int64  `json:"checkpoint_id"`
	Ledger       string `json:"ledger"`
	StartID      int64  `json:"start_id"`
	EndID        int64  `json:"end_id"`
	Valid        bool   `json:"valid"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
}

// Fact is a stored fact with its current consensus.
type Fact struct {
	ID             string    `json:"id"`
	TenantID       string    `json:"tenant_id"`
	Content        string    `json:"content"`
	SourceAgentID  string    `json:"source_agent_id"`
	Status         string    `json:"status"`
	ConsensusScore float64   `json:"consensus_score"`
	Confidence     string    `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// VoteAudit lists the current, historical and legacy votes on a fact.
type VoteAudit struct {
	FactID  string `json:"fact_id"`
	Current []struct {
		AgentID            string    `json:"agent_id"`
		Value              int       `json:"vote"`
		Weight             float64   `json:"weight"`
		ReputationSnapshot float64   `json:"reputation_snapshot"`
		UpdatedAt          time.Time `json:"updated_at"`
	} `json:"current"`
	History []struct {
		Entry
		FactID  string  `json:"fact_id"`
		AgentID string  `json:"agent_id"`
		Value   int     `json:"value"`
		Weight  float64 `json:"weight"`
	} `json:"history"`
	Legacy []struct {
		AgentID   string    `json:"agent_id"`
		Value     int       `json:"vote"`
		CreatedAt time.Time `json:"created_at"`
	} `json:"legacy"`
}

// Agent is a registered agent.
type Agent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Type       string    `json:"type"`
	Reputation float64   `json:"reputation_score"`
	Active     bool      `json:"is_active"`
	PublicKey  string    `json:"public_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Client talks to a ledgerd audit API.
type Client struct {
	base        string
	httpClient  *http.Client
	bearerToken string
	cache       *entryCache
}

// Option is a functional option for configuring a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = hc
		return nil
	}
}

// WithBearerToken attaches a token to every request, for deployments that
// front the audit API with an authenticating proxy.
func WithBearerToken(token string) Option {
	return func(c *Client) error {
		c.bearerToken = token
		return nil
	}
}

// WithCacheTTL enables in-memory caching of entries for ttl. Entries are
// immutable once written, so only memory bounds the TTL.
func WithCacheTTL(ttl time.Duration) Option {
	return func(c *Client) error {
		if ttl <= 0 {
			return fmt.Errorf("cache TTL must be positive, got %s", ttl)
		}
		c.cache = newEntryCache(ttl)
		return nil
	}
}

// New creates a Client for the server at base, e.g. "http://localhost:9090".
//
//	c, err := client.New("http://localhost:9090", client.WithCacheTTL(time.Hour))
func New(base string, opts ...Option) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid base URL %q", base)
	}
	c := &Client{
		base:       strings.TrimRight(base, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		if err := o(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// MustNew is like New but panics on error. Useful in tests and program init.
func MustNew(base string, opts ...Option) *Client {
	c, err := New(base, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Health reports whether the server and its database are reachable.
func (c *Client) Health(ctx context.Context) error {
	return c.getJSON(ctx, "/healthz", nil)
}

// Integrity asks the server to walk both ledgers from genesis.
func (c *Client) Integrity(ctx context.Context) (*IntegrityReport, error) {
	var out IntegrityReport
	if err := c.getJSON(ctx, "/api/v1/integrity", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CheckpointIntegrity asks the server to re-derive every checkpoint root.
func (c *Client) CheckpointIntegrity(ctx context.Context) (bool, []CheckpointResult, error) {
	var out struct {
		Valid       bool               `json:"valid"`
		Checkpoints []CheckpointResult `json:"checkpoints"`
	}
	if err := c.getJSON(ctx, "/api/v1/integrity/checkpoints", &out); err != nil {
		return false, nil, err
	}
	return out.Valid, out.Checkpoints, nil
}

// Ledger returns the overview of the named ledger ("transactions" or "votes").
func (c *Client) Ledger(ctx context.Context, ledger string) (*LedgerOverview, error) {
	var out LedgerOverview
	if err := c.getJSON(ctx, ledgerPath(ledger), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Entry fetches a single ledger entry.
func (c *Client) Entry(ctx context.Context, ledger string, id int64) (*Entry, error) {
	key := ledger + "/" + strconv.FormatInt(id, 10)
	if c.cache != nil {
		if e, ok := c.cache.get(key); ok {
			return e, nil
		}
	}

	var out Entry
	if err := c.getJSON(ctx, ledgerPath(ledger)+"/entries/"+strconv.FormatInt(id, 10), &out); err != nil {
		return nil, err
	}
	if c.cache != nil {
		c.cache.set(key, &out)
	}
	return &out, nil
}

// Checkpoints lists the checkpoints of a ledger in order.
func (c *Client) Checkpoints(ctx context.Context, ledger string) ([]Checkpoint, error) {
	var out struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
	if err := c.getJSON(ctx, ledgerPath(ledger)+"/checkpoints", &out); err != nil {
		return nil, err
	}
	return out.Checkpoints, nil
}

// Proof fetches the inclusion proof for an entry. The server's own verdict is
// discarded; call Verify on the result.
func (c *Client) Proof(ctx context.Context, ledger string, id int64) (*Proof, error) {
	var out struct {
		Proof *Proof `json:"proof"`
	}
	if err := c.getJSON(ctx, ledgerPath(ledger)+"/entries/"+strconv.FormatInt(id, 10)+"/proof", &out); err != nil {
		return nil, err
	}
	if out.Proof == nil {
		return nil, fmt.Errorf("proof for %s entry %d: empty response", ledger, id)
	}
	return out.Proof, nil
}

// VerifyEntry fetches an entry and its proof and checks, locally, that the
// entry's hash is a leaf of the checkpoint root. When pinned is non-empty the
// checkpoint root must also equal it, so a root obtained out of band can be
// used as the trust anchor.
func (c *Client) VerifyEntry(ctx context.Context, ledger string, id int64, pinned string) (*Entry, error) {
	entry, err := c.Entry(ctx, ledger, id)
	if err != nil {
		return nil, err
	}
	proof, err := c.Proof(ctx, ledger, id)
	if err != nil {
		return nil, err
	}

	switch {
	case proof.Leaf != entry.Hash:
		return nil, fmt.Errorf("%w: leaf %s is not entry hash %s", ErrProofMismatch, proof.Leaf, entry.Hash)
	case !proof.Verify():
		return nil, fmt.Errorf("%w: does not fold to root %s", ErrProofMismatch, proof.Checkpoint.RootHash)
	case pinned != "" && proof.Checkpoint.RootHash != pinned:
		return nil, fmt.Errorf("%w: root %s is not the pinned root %s", ErrProofMismatch, proof.Checkpoint.RootHash, pinned)
	}
	return entry, nil
}

// Fact fetches a fact with its current consensus.
func (c *Client) Fact(ctx context.Context, id string) (*Fact, error) {
	var out Fact
	if err := c.getJSON(ctx, "/api/v1/facts/"+url.PathEscape(id), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Votes fetches the vote audit of a fact.
func (c *Client) Votes(ctx context.Context, factID string) (*VoteAudit, error) {
	var out VoteAudit
	if err := c.getJSON(ctx, "/api/v1/facts/"+url.PathEscape(factID)+"/votes", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Agents lists agents, filtered by tenant when tenant is non-empty.
func (c *Client) Agents(ctx context.Context, tenant string) ([]Agent, error) {
	path := "/api/v1/agents"
	if tenant != "" {
		path += "?tenant=" + url.QueryEscape(tenant)
	}
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func ledgerPath(ledger string) string {
	return "/api/v1/ledgers/" + url.PathEscape(ledger)
}

// getJSON issues a GET and decodes a 2xx body into out, when out is non-nil.
func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// do executes an HTTP request, attaching the Bearer token if present.
func (c *Client) do(req *http.Request) ([]byte, error) {
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrNotFound, req.URL.Path)
	case resp.StatusCode == http.StatusConflict:
		return nil, fmt.Errorf("%w: %s", ErrNotCheckpointed, req.URL.Path)
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("server error %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

// --- simple in-memory entry cache ---

type cacheEntry struct {
	entry     *Entry
	expiresAt time.Time
}

type entryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
}

func newEntryCache(ttl time.Duration) *entryCache {
	return &entryCache{entries: make(map[string]*cacheEntry), ttl: ttl}
}

func (ec *entryCache) get(key string) (*Entry, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	e, ok := ec.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.entry, true
}

func (ec *entryCache) set(key string, entry *Entry) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.entries[key] = &cacheEntry{entry: entry, expiresAt: time.Now().Add(ec.ttl)}
}

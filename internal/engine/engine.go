// Package engine is the composition root of the ledger and consensus
// components and the single entry point used by the binary and the audit
// API.
package engine

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/agentledger/internal/agents"
	"github.com/jmerrifield20/agentledger/internal/consensus"
	"github.com/jmerrifield20/agentledger/internal/facts"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "github.com/jmerrifield20/agentledger/internal/engine"

// Config tunes the engine.
type Config struct {
	// CheckpointBatchSize is the number of entries per Merkle checkpoint.
	CheckpointBatchSize int
	Clock               store.Clock
}

// Engine owns one instance of every component, all sharing one database.
type Engine struct {
	db           *store.DB
	transactions *trustledger.Ledger
	votes        *trustledger.Ledger
	agents       *agents.Registry
	facts        *facts.Store
	scorer       *consensus.Scorer
	tracer       trace.Tracer
	logger       *zap.Logger
}

// New wires the components over db.
func New(db *store.DB, cfg Config, logger *zap.Logger) (*Engine, error) {
	opts := trustledger.Options{BatchSize: cfg.CheckpointBatchSize, Clock: cfg.Clock}

	transactions, err := trustledger.New(db, trustledger.Transactions, opts, logger)
	if err != nil {
		return nil, err
	}
	votes, err := trustledger.New(db, trustledger.Votes, opts, logger)
	if err != nil {
		return nil, err
	}

	registry := agents.NewRegistry(db, cfg.Clock, logger)
	factStore := facts.NewStore(db, transactions, cfg.Clock, logger)

	return &Engine{
		db:           db,
		transactions: transactions,
		votes:        votes,
		agents:       registry,
		facts:        factStore,
		scorer:       consensus.NewScorer(db, registry, factStore, votes, cfg.Clock, logger),
		tracer:       otel.Tracer(tracerName),
		logger:       logger,
	}, nil
}

// Ledger returns the named ledger.
func (e *Engine) Ledger(name trustledger.Name) (*trustledger.Ledger, error) {
	switch name {
	case trustledger.Transactions:
		return e.transactions, nil
	case trustledger.Votes:
		return e.votes, nil
	}
	return nil, fmt.Errorf("unknown ledger %q", name)
}

// Ping checks the database connection.
func (e *Engine) Ping(ctx context.Context) error {
	return e.db.Ping(ctx)
}

func (e *Engine) start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return e.tracer.Start(ctx, "engine."+name, trace.WithAttributes(attrs...))
}

// finish records err on span and ends it.
func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// AppendVote appends a raw vote record to the vote ledger without touching
// the projection or any score. Out-of-range values, negative or non-finite
// weights and empty ids fail with *trustledger.ValidationError.
func (e *Engine) AppendVote(ctx context.Context, factID, agentID string, value int, weight float64, signature string) (_ *trustledger.VoteEntry, err error) {
	ctx, span := e.start(ctx, "AppendVote",
		attribute.String("fact_id", factID),
		attribute.String("agent_id", agentID),
		attribute.Int("value", value),
	)
	defer func() { finish(span, err) }()

	return e.votes.AppendVote(ctx, store.Owned(e.db), factID, agentID, value, weight, signature)
}

// IntegrityReport covers both ledgers.
type IntegrityReport struct {
	Valid               bool                `json:"valid"`
	TransactionsChecked int64               `json:"transactions_checked"`
	VotesChecked        int64               `json:"votes_checked"`
	Transactions        *trustledger.Report `json:"transactions"`
	Votes               *trustledger.Report `json:"votes"`
}

// VerifyChainIntegrity walks both ledgers from genesis. Violations are
// reported in the result; only storage failures return an error.
func (e *Engine) VerifyChainIntegrity(ctx context.Context) (_ *IntegrityReport, err error) {
	ctx, span := e.start(ctx, "VerifyChainIntegrity")
	defer func() { finish(span, err) }()

	txReport, err := e.transactions.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}
	voteReport, err := e.votes.VerifyChain(ctx)
	if err != nil {
		return nil, err
	}

	report := &IntegrityReport{
		Valid:               txReport.Valid && voteReport.Valid,
		TransactionsChecked: txReport.Checked,
		VotesChecked:        voteReport.Checked,
		Transactions:        txReport,
		Votes:               voteReport,
	}
	span.SetAttributes(
		attribute.Bool("valid", report.Valid),
		attribute.Int64("transactions_checked", report.TransactionsChecked),
		attribute.Int64("votes_checked", report.VotesChecked),
	)
	if !report.Valid {
		e.logger.Warn("ledger integrity check failed",
			zap.Int("transaction_violations", len(txReport.Violations)),
			zap.Int("vote_violations", len(voteReport.Violations)),
		)
	}
	return report, nil
}

// CreateCheckpoint seals the next batch of the named ledger and returns its
// root, or "" when there was nothing to seal.
func (e *Engine) CreateCheckpoint(ctx context.Context, name trustledger.Name) (_ string, err error) {
	ctx, span := e.start(ctx, "CreateCheckpoint", attribute.String("ledger", string(name)))
	defer func() { finish(span, err) }()

	l, err := e.Ledger(name)
	if err != nil {
		return "", err
	}
	cp, err := l.CreateCheckpoint(ctx, store.Owned(e.db))
	if err != nil || cp == nil {
		return "", err
	}
	return cp.RootHash, nil
}

// VerifyMerkleRoots re-derives every checkpoint root of both ledgers.
func (e *Engine) VerifyMerkleRoots(ctx context.Context) (_ []trustledger.CheckpointResult, err error) {
	ctx, span := e.start(ctx, "VerifyMerkleRoots")
	defer func() { finish(span, err) }()

	results := []trustledger.CheckpointResult{}
	for _, l := range []*trustledger.Ledger{e.transactions, e.votes} {
		r, err := l.VerifyCheckpoints(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, r...)
	}
	span.SetAttributes(attribute.Int("checkpoints", len(results)))
	return results, nil
}

// ProveEntry returns an inclusion proof for an entry of the named ledger.
func (e *Engine) ProveEntry(ctx context.Context, name trustledger.Name, id int64) (_ *trustledger.InclusionProof, err error) {
	ctx, span := e.start(ctx, "ProveEntry", attribute.String("ledger", string(name)), attribute.Int64("entry_id", id))
	defer func() { finish(span, err) }()

	l, err := e.Ledger(name)
	if err != nil {
		return nil, err
	}
	return l.ProveEntry(ctx, id)
}

// Vote casts agentID's vote on factID and returns the new consensus score.
func (e *Engine) Vote(ctx context.Context, factID, agentID string, value int, signature string) (float64, error) {
	res, err := e.CastVote(ctx, factID, agentID, value, signature)
	if err != nil {
		return 0, err
	}
	return res.Score, nil
}

// CastVote is Vote returning the full result.
func (e *Engine) CastVote(ctx context.Context, factID, agentID string, value int, signature string) (_ *consensus.Result, err error) {
	ctx, span := e.start(ctx, "Vote",
		attribute.String("fact_id", factID),
		attribute.String("agent_id", agentID),
		attribute.Int("value", value),
	)
	defer func() { finish(span, err) }()

	res, err := e.scorer.CastVote(ctx, factID, agentID, value, signature)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Float64("score", res.Score),
		attribute.String("confidence", string(res.Confidence)),
	)
	return res, nil
}

// GetVotes returns the vote audit trail of a fact.
func (e *Engine) GetVotes(ctx context.Context, factID string) (_ *consensus.VoteAudit, err error) {
	ctx, span := e.start(ctx, "GetVotes", attribute.String("fact_id", factID))
	defer func() { finish(span, err) }()
	return e.scorer.GetVotes(ctx, factID)
}

// RegisterAgent registers a new agent and returns its id.
func (e *Engine) RegisterAgent(ctx context.Context, req agents.RegisterRequest) (_ string, err error) {
	ctx, span := e.start(ctx, "RegisterAgent",
		attribute.String("tenant", req.Tenant),
		attribute.String("type", string(req.Type)),
	)
	defer func() { finish(span, err) }()
	return e.agents.Register(ctx, req)
}

// GetAgent returns an agent by id.
func (e *Engine) GetAgent(ctx context.Context, id string) (_ *agents.Agent, err error) {
	ctx, span := e.start(ctx, "GetAgent", attribute.String("agent_id", id))
	defer func() { finish(span, err) }()
	return e.agents.Get(ctx, id)
}

// ListAgents lists a tenant's agents; "" lists every tenant.
func (e *Engine) ListAgents(ctx context.Context, tenant string) (_ []*agents.Agent, err error) {
	ctx, span := e.start(ctx, "ListAgents", attribute.String("tenant", tenant))
	defer func() { finish(span, err) }()
	return e.agents.List(ctx, tenant)
}

// SetAgentReputation replaces an agent's reputation.
func (e *Engine) SetAgentReputation(ctx context.Context, id string, score float64) (err error) {
	ctx, span := e.start(ctx, "SetAgentReputation", attribute.String("agent_id", id))
	defer func() { finish(span, err) }()
	return e.agents.SetReputation(ctx, id, score)
}

// SetAgentActive enables or disables an agent.
func (e *Engine) SetAgentActive(ctx context.Context, id string, active bool) (err error) {
	ctx, span := e.start(ctx, "SetAgentActive", attribute.String("agent_id", id))
	defer func() { finish(span, err) }()
	return e.agents.SetActive(ctx, id, active)
}

// StoreFact stores a new fact.
func (e *Engine) StoreFact(ctx context.Context, req facts.CreateRequest) (_ *facts.Fact, err error) {
	ctx, span := e.start(ctx, "StoreFact", attribute.String("source_agent_id", req.SourceAgentID))
	defer func() { finish(span, err) }()
	return e.facts.Create(ctx, req)
}

// UpdateFact replaces a fact's content.
func (e *Engine) UpdateFact(ctx context.Context, id, agentID, content string) (_ *facts.Fact, err error) {
	ctx, span := e.start(ctx, "UpdateFact", attribute.String("fact_id", id))
	defer func() { finish(span, err) }()
	return e.facts.Update(ctx, id, agentID, content)
}

// DeprecateFact marks a fact deprecated.
func (e *Engine) DeprecateFact(ctx context.Context, id, agentID string) (err error) {
	ctx, span := e.start(ctx, "DeprecateFact", attribute.String("fact_id", id))
	defer func() { finish(span, err) }()
	return e.facts.Deprecate(ctx, id, agentID)
}

// GetFact returns a fact by id.
func (e *Engine) GetFact(ctx context.Context, id string) (_ *facts.Fact, err error) {
	ctx, span := e.start(ctx, "GetFact", attribute.String("fact_id", id))
	defer func() { finish(span, err) }()
	return e.facts.Get(ctx, id)
}

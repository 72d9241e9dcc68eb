// Package consensus turns agents' votes on a fact into a reputation-weighted
// score and confidence label.
//
// A vote updates the fact's current projection (one row per agent), is
// appended to the vote ledger, and triggers a recompute of the fact's score,
// all in a single write transaction.
package consensus

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmerrifield20/agentledger/internal/agents"
	"github.com/jmerrifield20/agentledger/internal/facts"
	"github.com/jmerrifield20/agentledger/internal/metrics"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.uber.org/zap"
)

// ValidationError reports a rejected vote; nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid vote %s: %s", e.Field, e.Message)
}

// Result is the outcome of a cast.
type Result struct {
	FactID     string                 `json:"fact_id"`
	AgentID    string                 `json:"agent_id"`
	Value      int                    `json:"value"`
	Weight     float64                `json:"weight"`
	Score      float64                `json:"consensus_score"`
	Confidence facts.Confidence       `json:"confidence"`
	Entry      *trustledger.VoteEntry `json:"ledger_entry"`
}

// Scorer casts votes and maintains fact consensus.
type Scorer struct {
	db       *store.DB
	registry *agents.Registry
	facts    *facts.Store
	votes    *trustledger.Ledger
	clock    store.Clock
	logger   *zap.Logger
}

// NewScorer wires a Scorer. votes must be the vote ledger.
func NewScorer(db *store.DB, registry *agents.Registry, factStore *facts.Store, votes *trustledger.Ledger, clock store.Clock, logger *zap.Logger) *Scorer {
	if clock == nil {
		clock = store.SystemClock
	}
	return &Scorer{
		db:       db,
		registry: registry,
		facts:    factStore,
		votes:    votes,
		clock:    clock,
		logger:   logger,
	}
}

// CastVote records agentID's vote on factID and returns the fact's new
// consensus. value is -1 (dispute), 1 (support) or 0 (retract). Unknown
// agents are provisioned with a bootstrap reputation. The projection change,
// the ledger append and the fact update commit or roll back together.
func (s *Scorer) CastVote(ctx context.Context, factID, agentID string, value int, signature string) (*Result, error) {
	if value < -1 || value > 1 {
		return nil, &ValidationError{Field: "value", Message: fmt.Sprintf("must be -1, 0 or 1, got %d", value)}
	}
	if strings.TrimSpace(factID) == "" {
		return nil, &ValidationError{Field: "fact_id", Message: "must not be empty"}
	}
	if strings.TrimSpace(agentID) == "" {
		return nil, &ValidationError{Field: "agent_id", Message: "must not be empty"}
	}

	res := &Result{FactID: factID, AgentID: agentID, Value: value}
	err := store.Owned(s.db).RunImmediate(ctx, func(tx *store.Tx) error {
		agent, err := s.registry.Ensure(ctx, tx, agentID)
		if err != nil {
			return err
		}
		res.Weight = agent.Reputation

		if err := s.project(ctx, tx, factID, agentID, value, agent.Reputation); err != nil {
			return err
		}

		res.Entry, err = s.votes.AppendVote(ctx, store.Borrowed(tx), factID, agentID, value, agent.Reputation, signature)
		if err != nil {
			return err
		}

		weighted, err := loadWeighted(ctx, tx, factID)
		if err != nil {
			return err
		}
		res.Score = ComputeScore(weighted)
		res.Confidence = ConfidenceFor(res.Score)
		return s.facts.UpdateConsensus(ctx, tx, factID, res.Score, res.Confidence)
	})
	if err != nil {
		return nil, fmt.Errorf("cast vote on %s: %w", factID, err)
	}

	metrics.RecordVote(value)
	s.logger.Info("vote cast",
		zap.String("fact_id", factID),
		zap.String("agent_id", agentID),
		zap.Int("value", value),
		zap.Float64("weight", res.Weight),
		zap.Float64("score", res.Score),
		zap.String("confidence", string(res.Confidence)),
	)
	return res, nil
}

// project applies the vote to the current-state projection. A zero value
// retracts the agent's vote.
func (s *Scorer) project(ctx context.Context, tx *store.Tx, factID, agentID string, value int, weight float64) error {
	if value == 0 {
		if _, err := tx.Exec(ctx, "DELETE FROM vote_projection WHERE fact_id = ? AND agent_id = ?", factID, agentID); err != nil {
			return fmt.Errorf("retract projected vote: %w", err)
		}
		return nil
	}

	now := store.FormatTime(s.clock.Now())
	_, err := tx.Exec(ctx, `
		INSERT INTO vote_projection (fact_id, agent_id, vote, weight, reputation_snapshot, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (fact_id, agent_id) DO UPDATE SET
			vote = excluded.vote,
			weight = excluded.weight,
			reputation_snapshot = excluded.reputation_snapshot,
			updated_at = excluded.updated_at`,
		factID, agentID, value, weight, weight, now, now,
	)
	if err != nil {
		return fmt.Errorf("upsert projected vote: %w", err)
	}
	return nil
}

// loadWeighted reads the fact's projected votes from active agents.
func loadWeighted(ctx context.Context, q store.Querier, factID string) ([]WeightedVote, error) {
	rows, err := q.Query(ctx, `
		SELECT p.vote, p.weight, a.reputation_score
		FROM vote_projection p
		JOIN agents a ON a.id = p.agent_id
		WHERE p.fact_id = ? AND a.is_active = ?`,
		factID, true)
	if err != nil {
		return nil, fmt.Errorf("load projected votes: %w", err)
	}
	defer rows.Close()

	var out []WeightedVote
	for rows.Next() {
		var v WeightedVote
		if err := rows.Scan(&v.Value, &v.RecordedWeight, &v.CurrentReputation); err != nil {
			return nil, fmt.Errorf("scan projected vote: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Score recomputes factID's consensus from the current projection without
// writing it back.
func (s *Scorer) Score(ctx context.Context, factID string) (float64, facts.Confidence, error) {
	weighted, err := loadWeighted(ctx, s.db, factID)
	if err != nil {
		return 0, "", err
	}
	score := ComputeScore(weighted)
	return score, ConfidenceFor(score), nil
}

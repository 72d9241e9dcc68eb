package consensus

import (
	"context"
	"fmt"
	"time"

	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
)

// ProjectedVote is an agent's current vote on a fact.
type ProjectedVote struct {
	AgentID            string    `json:"agent_id"`
	Value              int       `json:"vote"`
	Weight             float64   `json:"weight"`
	ReputationSnapshot float64   `json:"reputation_snapshot"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// LegacyVote is a vote imported from before the vote ledger existed. Legacy
// votes are shown for audit only and never count towards a score.
type LegacyVote struct {
	AgentID   string    `json:"agent_id"`
	Value     int       `json:"vote"`
	CreatedAt time.Time `json:"created_at"`
}

// VoteAudit is every record of voting on a fact.
type VoteAudit struct {
	FactID  string                   `json:"fact_id"`
	Current []ProjectedVote          `json:"current"`
	History []*trustledger.VoteEntry `json:"history"`
	Legacy  []LegacyVote             `json:"legacy"`
}

// GetVotes returns the current projection, the full ledger history and any
// legacy votes for factID. It is read-only and plays no part in scoring.
func (s *Scorer) GetVotes(ctx context.Context, factID string) (*VoteAudit, error) {
	audit := &VoteAudit{
		FactID:  factID,
		Current: []ProjectedVote{},
		Legacy:  []LegacyVote{},
	}

	rows, err := s.db.Query(ctx, `
		SELECT agent_id, vote, weight, reputation_snapshot, created_at, updated_at
		FROM vote_projection WHERE fact_id = ? ORDER BY created_at ASC, agent_id ASC`, factID)
	if err != nil {
		return nil, fmt.Errorf("query projected votes: %w", err)
	}
	for rows.Next() {
		var (
			v                    ProjectedVote
			createdAt, updatedAt string
		)
		if err := rows.Scan(&v.AgentID, &v.Value, &v.Weight, &v.ReputationSnapshot, &createdAt, &updatedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan projected vote: %w", err)
		}
		v.CreatedAt, _ = store.ParseTime(createdAt)
		v.UpdatedAt, _ = store.ParseTime(updatedAt)
		audit.Current = append(audit.Current, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query projected votes: %w", err)
	}

	if audit.History, err = s.votes.VoteHistory(ctx, nil, factID); err != nil {
		return nil, err
	}

	legacy, err := s.db.Query(ctx,
		"SELECT agent_id, vote, created_at FROM legacy_votes WHERE fact_id = ? ORDER BY created_at ASC", factID)
	if err != nil {
		return nil, fmt.Errorf("query legacy votes: %w", err)
	}
	defer legacy.Close()
	for legacy.Next() {
		var (
			v         LegacyVote
			createdAt string
		)
		if err := legacy.Scan(&v.AgentID, &v.Value, &createdAt); err != nil {
			return nil, fmt.Errorf("scan legacy vote: %w", err)
		}
		v.CreatedAt, _ = store.ParseTime(createdAt)
		audit.Legacy = append(audit.Legacy, v)
	}
	return audit, legacy.Err()
}

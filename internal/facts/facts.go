// Package facts stores the facts agents assert and the consensus attributes
// derived from votes on them. Every mutation is also recorded on the
// transaction ledger in the same write transaction.
package facts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agentledger/internal/store"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.uber.org/zap"
)

var (
	// ErrNotFound is returned when a fact does not exist.
	ErrNotFound = errors.New("fact not found")
	// ErrEmptyContent rejects facts without content.
	ErrEmptyContent = errors.New("fact content must not be empty")
	// ErrDeprecated rejects edits to a deprecated fact.
	ErrDeprecated = errors.New("fact is deprecated")
)

// Status is a fact's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusDeprecated Status = "deprecated"
)

// Confidence is the label derived from a fact's consensus score.
type Confidence string

const (
	Disputed Confidence = "disputed"
	Stated   Confidence = "stated"
	Verified Confidence = "verified"
)

// Fact is a stored assertion.
type Fact struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	Content        string     `json:"content"`
	SourceAgentID  string     `json:"source_agent_id"`
	Status         Status     `json:"status"`
	ConsensusScore float64    `json:"consensus_score"`
	Confidence     Confidence `json:"confidence"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// CreateRequest holds the fields of a new fact.
type CreateRequest struct {
	TenantID      string
	Content       string
	SourceAgentID string
}

// Operations recorded on the transaction ledger.
const (
	OpStore     = "store"
	OpUpdate    = "update"
	OpDeprecate = "deprecate"
)

type ledgerRecord struct {
	Op       string `json:"op"`
	TenantID string `json:"tenant_id,omitempty"`
	Content  string `json:"content,omitempty"`
	Status   Status `json:"status"`
}

const factColumns = "id, tenant_id, content, source_agent_id, status, consensus_score, confidence, created_at, updated_at"

// Store persists facts.
type Store struct {
	db     *store.DB
	ledger *trustledger.Ledger
	clock  store.Clock
	logger *zap.Logger
}

// NewStore creates a Store that records mutations on ledger, which must be
// the transaction ledger.
func NewStore(db *store.DB, ledger *trustledger.Ledger, clock store.Clock, logger *zap.Logger) *Store {
	if clock == nil {
		clock = store.SystemClock
	}
	return &Store{db: db, ledger: ledger, clock: clock, logger: logger}
}

// Create stores a new active fact with a neutral score.
func (s *Store) Create(ctx context.Context, req CreateRequest) (*Fact, error) {
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if req.TenantID == "" {
		req.TenantID = "default"
	}

	now := store.FormatTime(s.clock.Now())
	f := &Fact{
		ID:             uuid.New().String(),
		TenantID:       req.TenantID,
		Content:        req.Content,
		SourceAgentID:  req.SourceAgentID,
		Status:         StatusActive,
		ConsensusScore: 1.0,
		Confidence:     Stated,
	}
	f.CreatedAt, _ = store.ParseTime(now)
	f.UpdatedAt = f.CreatedAt

	err := store.Owned(s.db).RunImmediate(ctx, func(tx *store.Tx) error {
		if _, err := tx.Exec(ctx,
			"INSERT INTO facts ("+factColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			f.ID, f.TenantID, f.Content, f.SourceAgentID, string(f.Status),
			f.ConsensusScore, string(f.Confidence), now, now,
		); err != nil {
			return fmt.Errorf("insert fact: %w", err)
		}
		_, err := s.ledger.Append(ctx, store.Borrowed(tx), f.ID, f.SourceAgentID, ledgerRecord{
			Op:       OpStore,
			TenantID: f.TenantID,
			Content:  f.Content,
			Status:   f.Status,
		}, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create fact: %w", err)
	}

	s.logger.Debug("fact stored", zap.String("fact_id", f.ID), zap.String("source_agent_id", f.SourceAgentID))
	return f, nil
}

// Update replaces the content of an active fact on behalf of agentID.
func (s *Store) Update(ctx context.Context, id, agentID, content string) (*Fact, error) {
	if strings.TrimSpace(content) == "" {
		return nil, ErrEmptyContent
	}

	var f *Fact
	err := store.Owned(s.db).RunImmediate(ctx, func(tx *store.Tx) error {
		var err error
		if f, err = s.get(ctx, tx, id); err != nil {
			return err
		}
		if f.Status == StatusDeprecated {
			return ErrDeprecated
		}
		f.Content = content
		if err := s.touch(ctx, tx, f, "content = ?", content); err != nil {
			return err
		}
		_, err = s.ledger.Append(ctx, store.Borrowed(tx), id, agentID, ledgerRecord{
			Op:      OpUpdate,
			Content: content,
			Status:  f.Status,
		}, "")
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("update fact %s: %w", id, err)
	}
	return f, nil
}

// Deprecate marks the fact deprecated. Deprecating twice is a no-op that
// still succeeds but records nothing.
func (s *Store) Deprecate(ctx context.Context, id, agentID string) error {
	err := store.Owned(s.db).RunImmediate(ctx, func(tx *store.Tx) error {
		f, err := s.get(ctx, tx, id)
		if err != nil {
			return err
		}
		if f.Status == StatusDeprecated {
			return nil
		}
		f.Status = StatusDeprecated
		if err := s.touch(ctx, tx, f, "status = ?", string(StatusDeprecated)); err != nil {
			return err
		}
		_, err = s.ledger.Append(ctx, store.Borrowed(tx), id, agentID, ledgerRecord{
			Op:     OpDeprecate,
			Status: f.Status,
		}, "")
		return err
	})
	if err != nil {
		return fmt.Errorf("deprecate fact %s: %w", id, err)
	}
	return nil
}

// Get returns the fact with the given id.
func (s *Store) Get(ctx context.Context, id string) (*Fact, error) {
	return s.get(ctx, s.db, id)
}

// UpdateConsensus writes a recomputed score and label. q is the scorer's
// open transaction.
func (s *Store) UpdateConsensus(ctx context.Context, q store.Querier, id string, score float64, confidence Confidence) error {
	res, err := q.Exec(ctx,
		"UPDATE facts SET consensus_score = ?, confidence = ?, updated_at = ? WHERE id = ?",
		score, string(confidence), store.FormatTime(s.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("update consensus: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update consensus: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) touch(ctx context.Context, tx *store.Tx, f *Fact, set string, value any) error {
	now := store.FormatTime(s.clock.Now())
	if _, err := tx.Exec(ctx, "UPDATE facts SET "+set+", updated_at = ? WHERE id = ?", value, now, f.ID); err != nil {
		return fmt.Errorf("update fact: %w", err)
	}
	f.UpdatedAt, _ = store.ParseTime(now)
	return nil
}

func (s *Store) get(ctx context.Context, q store.Querier, id string) (*Fact, error) {
	f := &Fact{}
	var status, confidence, createdAt, updatedAt string
	err := q.QueryRow(ctx, "SELECT "+factColumns+" FROM facts WHERE id = ?", id).Scan(
		&f.ID, &f.TenantID, &f.Content, &f.SourceAgentID, &status,
		&f.ConsensusScore, &confidence, &createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get fact %s: %w", id, err)
	}
	f.Status = Status(status)
	f.Confidence = Confidence(confidence)
	f.CreatedAt, _ = store.ParseTime(createdAt)
	f.UpdatedAt, _ = store.ParseTime(updatedAt)
	return f, nil
}

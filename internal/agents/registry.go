// Package agents is the identity store for fact authors and voters.
//
// Agents are either registered explicitly, receiving a UUID, or provisioned
// implicitly the first time an unknown id casts a vote. Reputation feeds the
// consensus weight of every vote the agent casts.
package agents

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jmerrifield20/agentledger/internal/store"
	"go.uber.org/zap"
)

const agentColumns = "id, tenant_id, name, agent_type, reputation_score, is_active, public_key, created_at, updated_at"

// Registry reads and writes agents.
type Registry struct {
	db     *store.DB
	clock  store.Clock
	logger *zap.Logger
}

// NewRegistry creates a Registry. A nil clock uses store.SystemClock.
func NewRegistry(db *store.DB, clock store.Clock, logger *zap.Logger) *Registry {
	if clock == nil {
		clock = store.SystemClock
	}
	return &Registry{db: db, clock: clock, logger: logger}
}

// Register validates req and stores a new active agent, returning its id.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (string, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Tenant = strings.TrimSpace(req.Tenant)
	if req.Name == "" {
		return "", &ValidationError{Field: "name", Message: "must not be empty"}
	}
	if !req.Type.Valid() {
		return "", &ValidationError{Field: "type", Message: fmt.Sprintf("unknown agent type %q", req.Type)}
	}
	if req.Tenant == "" {
		req.Tenant = DefaultTenant
	}
	if strings.ContainsAny(req.Tenant, " \t\n/") {
		return "", &ValidationError{Field: "tenant", Message: "must not contain whitespace or '/'"}
	}

	reputation := DefaultReputation
	if req.Type == TypeHuman {
		reputation = HumanReputation
	}
	if req.Reputation != nil {
		if *req.Reputation < 0 {
			return "", &ValidationError{Field: "reputation", Message: "must not be negative"}
		}
		reputation = *req.Reputation
	}

	a := &Agent{
		ID:         uuid.New().String(),
		TenantID:   req.Tenant,
		Name:       req.Name,
		Type:       req.Type,
		Reputation: reputation,
		Active:     true,
		PublicKey:  req.PublicKey,
	}
	if err := r.insert(ctx, r.db, a); err != nil {
		return "", fmt.Errorf("register agent: %w", err)
	}

	r.logger.Info("agent registered",
		zap.String("agent_id", a.ID),
		zap.String("tenant", a.TenantID),
		zap.String("type", string(a.Type)),
	)
	return a.ID, nil
}

// Get returns the agent with the given id.
func (r *Registry) Get(ctx context.Context, id string) (*Agent, error) {
	return r.get(ctx, r.db, id)
}

// List returns the tenant's agents, oldest first. An empty tenant lists all.
func (r *Registry) List(ctx context.Context, tenant string) ([]*Agent, error) {
	rows, err := r.db.Query(ctx,
		"SELECT "+agentColumns+" FROM agents WHERE (? = '' OR tenant_id = ?) ORDER BY created_at ASC, id ASC",
		tenant, tenant)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// Ensure returns the agent with id, provisioning it with bootstrap values if
// it does not exist. q is normally the caller's open write transaction so
// the provisioning commits or rolls back with the rest of the operation.
func (r *Registry) Ensure(ctx context.Context, q store.Querier, id string) (*Agent, error) {
	if strings.TrimSpace(id) == "" {
		return nil, &ValidationError{Field: "agent_id", Message: "must not be empty"}
	}

	a, err := r.get(ctx, q, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	typ, reputation := bootstrapFor(id)
	a = &Agent{
		ID:         id,
		TenantID:   DefaultTenant,
		Name:       id,
		Type:       typ,
		Reputation: reputation,
		Active:     true,
	}
	if err := r.insert(ctx, q, a); err != nil {
		return nil, fmt.Errorf("provision agent %q: %w", id, err)
	}
	logProvisioned := func() {
		r.logger.Info("agent provisioned",
			zap.String("agent_id", id),
			zap.Float64("reputation", reputation),
		)
	}
	if tx, ok := q.(*store.Tx); ok {
		tx.AfterCommit(logProvisioned)
	} else {
		logProvisioned()
	}
	return a, nil
}

// SetReputation replaces the agent's reputation score.
func (r *Registry) SetReputation(ctx context.Context, id string, score float64) error {
	if score < 0 {
		return &ValidationError{Field: "reputation", Message: "must not be negative"}
	}
	return r.update(ctx, id, "reputation_score", score)
}

// SetActive enables or disables the agent. Votes of inactive agents are
// ignored by consensus scoring.
func (r *Registry) SetActive(ctx context.Context, id string, active bool) error {
	return r.update(ctx, id, "is_active", active)
}

func (r *Registry) update(ctx context.Context, id, column string, value any) error {
	res, err := r.db.Exec(ctx,
		"UPDATE agents SET "+column+" = ?, updated_at = ? WHERE id = ?",
		value, store.FormatTime(r.clock.Now()), id)
	if err != nil {
		return fmt.Errorf("update agent %s: %w", column, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update agent %s: %w", column, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) insert(ctx context.Context, q store.Querier, a *Agent) error {
	now := store.FormatTime(r.clock.Now())
	a.CreatedAt, _ = store.ParseTime(now)
	a.UpdatedAt = a.CreatedAt
	_, err := q.Exec(ctx,
		"INSERT INTO agents ("+agentColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		a.ID, a.TenantID, a.Name, string(a.Type), a.Reputation, a.Active, a.PublicKey, now, now,
	)
	return err
}

func (r *Registry) get(ctx context.Context, q store.Querier, id string) (*Agent, error) {
	row := q.QueryRow(ctx, "SELECT "+agentColumns+" FROM agents WHERE id = ?", id)
	a, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", id, err)
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var typ, createdAt, updatedAt string
	if err := row.Scan(
		&a.ID, &a.TenantID, &a.Name, &typ, &a.Reputation,
		&a.Active, &a.PublicKey, &createdAt, &updatedAt,
	); err != nil {
		return nil, err
	}
	a.Type = Type(typ)
	a.CreatedAt, _ = store.ParseTime(createdAt)
	a.UpdatedAt, _ = store.ParseTime(updatedAt)
	return a, nil
}

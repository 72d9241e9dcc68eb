package agents

import (
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when an agent is not in the registry.
var ErrNotFound = errors.New("agent not found")

// Type classifies who is behind an agent id.
type Type string

const (
	TypeHuman  Type = "human"
	TypeAI     Type = "ai"
	TypeOracle Type = "oracle"
	TypeSystem Type = "system"
)

// Valid reports whether t is a known agent type.
func (t Type) Valid() bool {
	switch t {
	case TypeHuman, TypeAI, TypeOracle, TypeSystem:
		return true
	}
	return false
}

const (
	// DefaultTenant scopes agents registered or provisioned without one.
	DefaultTenant = "default"

	// HumanAgentID is the reserved id of the local human operator.
	HumanAgentID = "human"

	// Bootstrap reputations for implicitly provisioned agents.
	HumanReputation   = 1.0
	DefaultReputation = 0.5
)

// Agent is an identity that can author facts and cast votes.
type Agent struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	Name       string    `json:"name"`
	Type       Type      `json:"type"`
	Reputation float64   `json:"reputation_score"`
	Active     bool      `json:"is_active"`
	PublicKey  string    `json:"public_key,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// RegisterRequest holds the fields accepted by Register.
type RegisterRequest struct {
	Name      string
	Type      Type
	Tenant    string
	PublicKey string
	// Reputation overrides the bootstrap value for the type when set.
	Reputation *float64
}

// ValidationError reports a caller mistake; nothing was written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// bootstrapFor returns the identity an unknown id is provisioned with.
func bootstrapFor(id string) (Type, float64) {
	if id == HumanAgentID {
		return TypeHuman, HumanReputation
	}
	return TypeAI, DefaultReputation
}

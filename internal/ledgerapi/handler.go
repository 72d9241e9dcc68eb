package ledgerapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agentledger/internal/agents"
	"github.com/jmerrifield20/agentledger/internal/consensus"
	"github.com/jmerrifield20/agentledger/internal/engine"
	"github.com/jmerrifield20/agentledger/internal/facts"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.uber.org/zap"
)

// Service is the read side of the engine used by the audit endpoints.
type Service interface {
	Ledger(name trustledger.Name) (*trustledger.Ledger, error)
	VerifyChainIntegrity(ctx context.Context) (*engine.IntegrityReport, error)
	VerifyMerkleRoots(ctx context.Context) ([]trustledger.CheckpointResult, error)
	ProveEntry(ctx context.Context, name trustledger.Name, id int64) (*trustledger.InclusionProof, error)
	GetFact(ctx context.Context, id string) (*facts.Fact, error)
	GetVotes(ctx context.Context, factID string) (*consensus.VoteAudit, error)
	ListAgents(ctx context.Context, tenant string) ([]*agents.Agent, error)
	Ping(ctx context.Context) error
}

// LedgerHandler exposes read-only audit endpoints over both ledgers.
type LedgerHandler struct {
	svc    Service
	logger *zap.Logger
}

// NewLedgerHandler creates a new LedgerHandler.
func NewLedgerHandler(svc Service, logger *zap.Logger) *LedgerHandler {
	return &LedgerHandler{svc: svc, logger: logger}
}

// Register mounts the audit routes on the given router group.
func (h *LedgerHandler) Register(rg *gin.RouterGroup) {
	i := rg.Group("/integrity")
	{
		i.GET("", h.VerifyChains)
		i.GET("/checkpoints", h.VerifyCheckpoints)
	}
	l := rg.Group("/ledgers/:ledger")
	{
		l.GET("", h.Overview)
		l.GET("/entries/:id", h.GetEntry)
		l.GET("/entries/:id/proof", h.ProveEntry)
		l.GET("/checkpoints", h.ListCheckpoints)
	}
	rg.GET("/facts/:id", h.GetFact)
	rg.GET("/facts/:id/votes", h.GetVotes)
	rg.GET("/agents", h.ListAgents)
}

// ledger resolves the :ledger path parameter, writing a 404 when unknown.
func (h *LedgerHandler) ledger(c *gin.Context) (*trustledger.Ledger, bool) {
	l, err := h.svc.Ledger(trustledger.Name(c.Param("ledger")))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown ledger"})
		return nil, false
	}
	return l, true
}

// entryID parses the :id path parameter, writing a 400 when invalid.
func entryID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}

// Overview handles GET /ledgers/:ledger: entry count, tip hash and checkpoints.
func (h *LedgerHandler) Overview(c *gin.Context) {
	l, ok := h.ledger(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	count, err := l.Len(ctx)
	if err != nil {
		h.internalError(c, "ledger Len", err)
		return
	}
	root, err := l.Root(ctx)
	if err != nil {
		h.internalError(c, "ledger Root", err)
		return
	}
	cps, err := l.Checkpoints(ctx)
	if err != nil {
		h.internalError(c, "ledger Checkpoints", err)
		return
	}

	var checkpointedTo int64
	if len(cps) > 0 {
		checkpointedTo = cps[len(cps)-1].EndID
	}
	c.JSON(http.StatusOK, gin.H{
		"ledger":          l.Name(),
		"entries":         count,
		"root":            root,
		"checkpoints":     len(cps),
		"checkpointed_to": checkpointedTo,
		"batch_size":      l.BatchSize(),
	})
}

// GetEntry handles GET /ledgers/:ledger/entries/:id.
func (h *LedgerHandler) GetEntry(c *gin.Context) {
	l, ok := h.ledger(c)
	if !ok {
		return
	}
	id, ok := entryID(c)
	if !ok {
		return
	}

	entry, err := l.Get(c.Request.Context(), id)
	if errors.Is(err, trustledger.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
		return
	}
	if err != nil {
		h.internalError(c, "ledger Get", err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// ProveEntry handles GET /ledgers/:ledger/entries/:id/proof.
func (h *LedgerHandler) ProveEntry(c *gin.Context) {
	l, ok := h.ledger(c)
	if !ok {
		return
	}
	id, ok := entryID(c)
	if !ok {
		return
	}

	proof, err := h.svc.ProveEntry(c.Request.Context(), l.Name(), id)
	switch {
	case errors.Is(err, trustledger.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "entry not found"})
	case errors.Is(err, trustledger.ErrNotCheckpointed):
		c.JSON(http.StatusConflict, gin.H{"error": "entry is not covered by a checkpoint yet"})
	case err != nil:
		h.internalError(c, "ledger ProveEntry", err)
	default:
		c.JSON(http.StatusOK, gin.H{
			"proof": proof,
			"valid": proof.Verify(),
		})
	}
}

// ListCheckpoints handles GET /ledgers/:ledger/checkpoints.
func (h *LedgerHandler) ListCheckpoints(c *gin.Context) {
	l, ok := h.ledger(c)
	if !ok {
		return
	}
	cps, err := l.Checkpoints(c.Request.Context())
	if err != nil {
		h.internalError(c, "ledger Checkpoints", err)
		return
	}
	if cps == nil {
		cps = []*trustledger.Checkpoint{}
	}
	c.JSON(http.StatusOK, gin.H{"checkpoints": cps})
}

// VerifyChains handles GET /integrity: walks both chains from genesis.
// Violations are reported with 200; only storage failures are errors.
func (h *LedgerHandler) VerifyChains(c *gin.Context) {
	report, err := h.svc.VerifyChainIntegrity(c.Request.Context())
	if err != nil {
		h.internalError(c, "verify chain integrity", err)
		return
	}
	c.JSON(http.StatusOK, report)
}

// VerifyCheckpoints handles GET /integrity/checkpoints.
func (h *LedgerHandler) VerifyCheckpoints(c *gin.Context) {
	results, err := h.svc.VerifyMerkleRoots(c.Request.Context())
	if err != nil {
		h.internalError(c, "verify merkle roots", err)
		return
	}
	valid := true
	for _, r := range results {
		valid = valid && r.Valid
	}
	c.JSON(http.StatusOK, gin.H{"valid": valid, "checkpoints": results})
}

// GetFact handles GET /facts/:id.
func (h *LedgerHandler) GetFact(c *gin.Context) {
	f, err := h.svc.GetFact(c.Request.Context(), c.Param("id"))
	if errors.Is(err, facts.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "fact not found"})
		return
	}
	if err != nil {
		h.internalError(c, "get fact", err)
		return
	}
	c.JSON(http.StatusOK, f)
}

// GetVotes handles GET /facts/:id/votes: current, historical and legacy votes.
func (h *LedgerHandler) GetVotes(c *gin.Context) {
	audit, err := h.svc.GetVotes(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.internalError(c, "get votes", err)
		return
	}
	c.JSON(http.StatusOK, audit)
}

// ListAgents handles GET /agents?tenant=.
func (h *LedgerHandler) ListAgents(c *gin.Context) {
	list, err := h.svc.ListAgents(c.Request.Context(), c.Query("tenant"))
	if err != nil {
		h.internalError(c, "list agents", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": list})
}

func (h *LedgerHandler) internalError(c *gin.Context, op string, err error) {
	h.logger.Error(op, zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
}

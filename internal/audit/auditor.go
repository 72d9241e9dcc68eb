// Package audit re-verifies the ledgers on a schedule so tampering is caught
// without an operator asking.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/jmerrifield20/agentledger/internal/engine"
	"github.com/jmerrifield20/agentledger/internal/metrics"
	"github.com/jmerrifield20/agentledger/internal/trustledger"
	"go.uber.org/zap"
)

// Config holds audit scheduling.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
}

// Verifier runs the full integrity checks. *engine.Engine implements it.
type Verifier interface {
	VerifyChainIntegrity(ctx context.Context) (*engine.IntegrityReport, error)
	VerifyMerkleRoots(ctx context.Context) ([]trustledger.CheckpointResult, error)
}

// Result is the outcome of one audit run.
type Result struct {
	Valid       bool                           `json:"valid"`
	Chain       *engine.IntegrityReport        `json:"chain"`
	Checkpoints []trustledger.CheckpointResult `json:"checkpoints"`
	StartedAt   time.Time                      `json:"started_at"`
	Duration    time.Duration                  `json:"duration"`
}

// Auditor runs periodic integrity audits and keeps the latest result.
type Auditor struct {
	verifier Verifier
	cfg      Config
	logger   *zap.Logger

	mu   sync.Mutex
	last *Result
}

// New creates an Auditor.
func New(verifier Verifier, cfg Config, logger *zap.Logger) *Auditor {
	if cfg.Interval == 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = cfg.Interval / 2
	}
	return &Auditor{verifier: verifier, cfg: cfg, logger: logger}
}

// Start audits once immediately and then every Interval until ctx is done.
func (a *Auditor) Start(ctx context.Context) {
	a.runWithTimeout(ctx)

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			a.runWithTimeout(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (a *Auditor) runWithTimeout(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	if _, err := a.Run(runCtx); err != nil && ctx.Err() == nil {
		a.logger.Error("audit: run failed", zap.Error(err))
	}
}

// Run performs one audit. A storage failure is returned as an error and
// leaves the previous result in place.
func (a *Auditor) Run(ctx context.Context) (*Result, error) {
	start := time.Now()

	chain, err := a.verifier.VerifyChainIntegrity(ctx)
	if err != nil {
		metrics.RecordAudit(false, err)
		return nil, err
	}
	checkpoints, err := a.verifier.VerifyMerkleRoots(ctx)
	if err != nil {
		metrics.RecordAudit(false, err)
		return nil, err
	}

	res := &Result{
		Valid:       chain.Valid,
		Chain:       chain,
		Checkpoints: checkpoints,
		StartedAt:   start.UTC(),
		Duration:    time.Since(start),
	}
	for _, cp := range checkpoints {
		if !cp.Valid {
			res.Valid = false
		}
	}
	metrics.RecordAudit(res.Valid, nil)

	a.mu.Lock()
	a.last = res
	a.mu.Unlock()

	if res.Valid {
		a.logger.Info("audit: ledgers intact",
			zap.Int64("transactions_checked", chain.TransactionsChecked),
			zap.Int64("votes_checked", chain.VotesChecked),
			zap.Int("checkpoints", len(checkpoints)),
			zap.Duration("duration", res.Duration),
		)
	} else {
		a.logger.Warn("audit: integrity violations found",
			zap.Int("transaction_violations", len(chain.Transactions.Violations)),
			zap.Int("vote_violations", len(chain.Votes.Violations)),
		)
	}
	return res, nil
}

// Last returns the most recent completed audit, or nil if none has finished.
func (a *Auditor) Last() *Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

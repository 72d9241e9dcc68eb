package trustledger

import (
	"context"
	"fmt"

	"github.com/jmerrifield20/agentledger/internal/metrics"
	"go.uber.org/zap"
)

// ViolationKind classifies an integrity failure.
type ViolationKind string

const (
	// ChainBreak means an entry's prev_hash does not match its predecessor.
	ChainBreak ViolationKind = "CHAIN_BREAK"
	// DataTampering means an entry's fields no longer reproduce its hash.
	DataTampering ViolationKind = "DATA_TAMPERING"
)

// Violation describes one integrity failure.
type Violation struct {
	EntryID  int64         `json:"entry_id"`
	Kind     ViolationKind `json:"kind"`
	Expected string        `json:"expected"`
	Actual   string        `json:"actual"`
}

// Report is the result of walking one ledger.
type Report struct {
	Ledger     Name        `json:"ledger"`
	Valid      bool        `json:"valid"`
	Checked    int64       `json:"checked"`
	Violations []Violation `json:"violations"`
}

const verifyPageSize = 500

// VerifyChain walks the ledger from genesis and returns every violation it
// finds. The expected predecessor advances to each entry's stored hash, so a
// single corrupted entry is reported once rather than cascading. Only
// storage failures are returned as errors.
func (l *Ledger) VerifyChain(ctx context.Context) (*Report, error) {
	report := &Report{Ledger: l.name, Violations: []Violation{}}
	expectedPrev := GenesisHash
	next := int64(1)

	for {
		page, err := l.Range(ctx, next, verifyPageSize)
		if err != nil {
			return nil, fmt.Errorf("verify %s chain: %w", l.name, err)
		}
		for _, e := range page {
			if e.PrevHash != expectedPrev {
				report.add(l, Violation{EntryID: e.ID, Kind: ChainBreak, Expected: expectedPrev, Actual: e.PrevHash})
			}
			if computed := e.computeHash(); computed != e.Hash {
				report.add(l, Violation{EntryID: e.ID, Kind: DataTampering, Expected: computed, Actual: e.Hash})
			}
			expectedPrev = e.Hash
			next = e.ID + 1
			report.Checked++
		}
		if len(page) < verifyPageSize {
			break
		}
	}

	report.Valid = len(report.Violations) == 0
	return report, nil
}

func (r *Report) add(l *Ledger, v Violation) {
	r.Violations = append(r.Violations, v)
	metrics.RecordViolation(string(l.name), string(v.Kind))
	l.logger.Warn("ledger integrity violation",
		zap.Int64("entry_id", v.EntryID),
		zap.String("kind", string(v.Kind)),
		zap.String("expected", v.Expected),
		zap.String("actual", v.Actual),
	)
}

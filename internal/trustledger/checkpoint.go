package trustledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmerrifield20/agentledger/internal/merkle"
	"github.com/jmerrifield20/agentledger/internal/metrics"
	"github.com/jmerrifield20/agentledger/internal/store"
	"go.uber.org/zap"
)

// Checkpoint is a persisted Merkle root over a contiguous range of entries.
type Checkpoint struct {
	ID        int64     `json:"id"`
	Ledger    Name      `json:"ledger"`
	StartID   int64     `json:"start_id"`
	EndID     int64     `json:"end_id"`
	RootHash  string    `json:"root_hash"`
	LeafCount int       `json:"leaf_count"`
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointResult is the outcome of re-deriving one checkpoint's root.
type CheckpointResult struct {
	CheckpointID int64  `json:"checkpoint_id"`
	Ledger       Name   `json:"ledger"`
	StartID      int64  `json:"start_id"`
	EndID        int64  `json:"end_id"`
	Valid        bool   `json:"valid"`
	Expected     string `json:"expected"`
	Actual       string `json:"actual"`
}

// InclusionProof shows that an entry hash is a leaf of a checkpoint root.
type InclusionProof struct {
	EntryID    int64         `json:"entry_id"`
	Leaf       string        `json:"leaf"`
	Checkpoint *Checkpoint   `json:"checkpoint"`
	Steps      []merkle.Step `json:"steps"`
}

// Verify folds the proof and compares it with the checkpoint root.
func (p *InclusionProof) Verify() bool {
	return merkle.Verify(p.Leaf, p.Steps, p.Checkpoint.RootHash)
}

const checkpointColumns = "id, ledger, start_id, end_id, root_hash, leaf_count, created_at"

// CreateCheckpoint seals the next batch of un-checkpointed entries. It
// returns nil when there is nothing to seal.
func (l *Ledger) CreateCheckpoint(ctx context.Context, sess store.Session) (*Checkpoint, error) {
	var cp *Checkpoint
	err := sess.RunImmediate(ctx, func(tx *store.Tx) error {
		var err error
		cp, err = l.createCheckpointTx(ctx, tx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create %s checkpoint: %w", l.name, err)
	}
	return cp, nil
}

// maybeCheckpoint seals a batch once the backlog behind tailID reaches the
// batch size.
func (l *Ledger) maybeCheckpoint(ctx context.Context, tx *store.Tx, tailID int64) error {
	lastEnd, err := l.lastCheckpointEnd(ctx, tx)
	if err != nil {
		return err
	}
	if tailID-lastEnd < int64(l.batchSize) {
		return nil
	}
	_, err = l.createCheckpointTx(ctx, tx)
	return err
}

func (l *Ledger) lastCheckpointEnd(ctx context.Context, q store.Querier) (int64, error) {
	var end int64
	err := q.QueryRow(ctx,
		"SELECT COALESCE(MAX(end_id), 0) FROM merkle_checkpoints WHERE ledger = ?", string(l.name),
	).Scan(&end)
	if err != nil {
		return 0, fmt.Errorf("read last checkpoint: %w", err)
	}
	return end, nil
}

func (l *Ledger) createCheckpointTx(ctx context.Context, tx *store.Tx) (*Checkpoint, error) {
	lastEnd, err := l.lastCheckpointEnd(ctx, tx)
	if err != nil {
		return nil, err
	}
	startID := lastEnd + 1

	rows, err := tx.Query(ctx,
		"SELECT id, hash FROM "+l.table+" WHERE id >= ? ORDER BY id ASC LIMIT ?", startID, l.batchSize)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint range: %w", err)
	}
	var (
		leaves []string
		endID  int64
	)
	for rows.Next() {
		var hash string
		if err := rows.Scan(&endID, &hash); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan checkpoint leaf: %w", err)
		}
		leaves = append(leaves, hash)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read checkpoint range: %w", err)
	}
	if len(leaves) == 0 {
		return nil, nil
	}

	var nextID int64
	if err := tx.QueryRow(ctx, "SELECT COALESCE(MAX(id), 0) + 1 FROM merkle_checkpoints").Scan(&nextID); err != nil {
		return nil, fmt.Errorf("allocate checkpoint id: %w", err)
	}

	now := l.clock.Now()
	createdAt := store.FormatTime(now)
	cp := &Checkpoint{
		ID:        nextID,
		Ledger:    l.name,
		StartID:   startID,
		EndID:     endID,
		RootHash:  merkle.Build(leaves),
		LeafCount: len(leaves),
	}
	cp.CreatedAt, _ = store.ParseTime(createdAt)

	if _, err := tx.Exec(ctx,
		"INSERT INTO merkle_checkpoints ("+checkpointColumns+") VALUES (?, ?, ?, ?, ?, ?, ?)",
		cp.ID, string(cp.Ledger), cp.StartID, cp.EndID, cp.RootHash, cp.LeafCount, createdAt,
	); err != nil {
		return nil, fmt.Errorf("insert checkpoint: %w", err)
	}

	tx.AfterCommit(func() {
		metrics.RecordCheckpoint(string(l.name), cp.LeafCount)
		l.logger.Info("merkle checkpoint created",
			zap.Int64("checkpoint_id", cp.ID),
			zap.Int64("start_id", cp.StartID),
			zap.Int64("end_id", cp.EndID),
			zap.Int("leaf_count", cp.LeafCount),
			zap.String("root_hash", cp.RootHash),
		)
	})
	return cp, nil
}

// Checkpoints lists the ledger's checkpoints in range order.
func (l *Ledger) Checkpoints(ctx context.Context) ([]*Checkpoint, error) {
	rows, err := l.db.Query(ctx,
		"SELECT "+checkpointColumns+" FROM merkle_checkpoints WHERE ledger = ? ORDER BY start_id ASC", string(l.name))
	if err != nil {
		return nil, fmt.Errorf("list %s checkpoints: %w", l.name, err)
	}
	defer rows.Close()

	var out []*Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// VerifyCheckpoints recomputes every checkpoint root from the entries it
// covers. A range with missing rows never matches.
func (l *Ledger) VerifyCheckpoints(ctx context.Context) ([]CheckpointResult, error) {
	cps, err := l.Checkpoints(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]CheckpointResult, 0, len(cps))
	for _, cp := range cps {
		leaves, err := l.rangeHashes(ctx, cp.StartID, cp.EndID)
		if err != nil {
			return nil, err
		}
		actual := merkle.Build(leaves)
		res := CheckpointResult{
			CheckpointID: cp.ID,
			Ledger:       l.name,
			StartID:      cp.StartID,
			EndID:        cp.EndID,
			Expected:     cp.RootHash,
			Actual:       actual,
			Valid:        actual == cp.RootHash && len(leaves) == cp.LeafCount,
		}
		if !res.Valid {
			l.logger.Warn("merkle checkpoint mismatch",
				zap.Int64("checkpoint_id", cp.ID),
				zap.String("expected", res.Expected),
				zap.String("actual", res.Actual),
			)
		}
		results = append(results, res)
	}
	return results, nil
}

// ProveEntry returns an inclusion proof for entry id against the checkpoint
// covering it.
func (l *Ledger) ProveEntry(ctx context.Context, id int64) (*InclusionProof, error) {
	row := l.db.QueryRow(ctx,
		"SELECT "+checkpointColumns+" FROM merkle_checkpoints WHERE ledger = ? AND start_id <= ? AND end_id >= ?",
		string(l.name), id, id)
	cp, err := scanCheckpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		if _, getErr := l.Get(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrNotCheckpointed
	}
	if err != nil {
		return nil, fmt.Errorf("find checkpoint for entry %d: %w", id, err)
	}

	leaves, err := l.rangeHashes(ctx, cp.StartID, cp.EndID)
	if err != nil {
		return nil, err
	}
	index := int(id - cp.StartID)
	steps, err := merkle.Proof(leaves, index)
	if err != nil {
		return nil, fmt.Errorf("prove entry %d: %w", id, err)
	}
	return &InclusionProof{EntryID: id, Leaf: leaves[index], Checkpoint: cp, Steps: steps}, nil
}

func (l *Ledger) rangeHashes(ctx context.Context, startID, endID int64) ([]string, error) {
	rows, err := l.db.Query(ctx,
		"SELECT hash FROM "+l.table+" WHERE id >= ? AND id <= ? ORDER BY id ASC", startID, endID)
	if err != nil {
		return nil, fmt.Errorf("read %s range [%d, %d]: %w", l.name, startID, endID, err)
	}
	defer rows.Close()

	var hashes []string
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, err
		}
		hashes = append(hashes, h)
	}
	return hashes, rows.Err()
}

func scanCheckpoint(row rowScanner) (*Checkpoint, error) {
	cp := &Checkpoint{}
	var ledger, createdAt string
	if err := row.Scan(&cp.ID, &ledger, &cp.StartID, &cp.EndID, &cp.RootHash, &cp.LeafCount, &createdAt); err != nil {
		return nil, err
	}
	cp.Ledger = Name(ledger)
	cp.CreatedAt, _ = store.ParseTime(createdAt)
	return cp, nil
}

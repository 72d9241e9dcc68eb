package trustledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/jmerrifield20/agentledger/internal/canonical"
	"github.com/jmerrifield20/agentledger/internal/metrics"
	"github.com/jmerrifield20/agentledger/internal/store"
	"go.uber.org/zap"
)

// Name identifies one of the ledgers.
type Name string

const (
	Transactions Name = "transactions"
	Votes        Name = "votes"
)

// DefaultBatchSize is the number of entries per automatic checkpoint.
const DefaultBatchSize = 1000

var (
	// ErrNotFound is returned when an entry or checkpoint does not exist.
	ErrNotFound = errors.New("ledger entry not found")
	// ErrNotCheckpointed is returned by ProveEntry for entries past the last checkpoint.
	ErrNotCheckpointed = errors.New("ledger entry not yet checkpointed")
)

// ValidationError reports a vote the ledger refuses to record; nothing was
// written.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid vote %s: %s", e.Field, e.Message)
}

// ValidateVote checks the fields of a vote entry: non-empty ids, a value of
// -1, 0 or 1 and a finite, non-negative weight.
func ValidateVote(factID, agentID string, value int, weight float64) error {
	switch {
	case value < -1 || value > 1:
		return &ValidationError{Field: "value", Message: fmt.Sprintf("must be -1, 0 or 1, got %d", value)}
	case math.IsNaN(weight) || math.IsInf(weight, 0) || weight < 0:
		return &ValidationError{Field: "weight", Message: fmt.Sprintf("must be a finite number >= 0, got %v", weight)}
	case strings.TrimSpace(factID) == "":
		return &ValidationError{Field: "fact_id", Message: "must not be empty"}
	case strings.TrimSpace(agentID) == "":
		return &ValidationError{Field: "agent_id", Message: "must not be empty"}
	}
	return nil
}

const entryColumns = "id, subject_id, actor_id, payload, prev_hash, hash, recorded_at, signature"

// Options tunes a Ledger.
type Options struct {
	// BatchSize is the checkpoint batch; 0 means DefaultBatchSize.
	BatchSize int
	// Clock stamps entries; nil means store.SystemClock.
	Clock store.Clock
}

// Ledger is one hash-chained table plus its checkpoints.
type Ledger struct {
	db        *store.DB
	name      Name
	table     string
	batchSize int
	clock     store.Clock
	logger    *zap.Logger
}

// New returns the ledger called name on db.
func New(db *store.DB, name Name, opts Options, logger *zap.Logger) (*Ledger, error) {
	switch name {
	case Transactions, Votes:
	default:
		return nil, fmt.Errorf("unknown ledger %q", name)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = store.SystemClock
	}
	return &Ledger{
		db:        db,
		name:      name,
		table:     "ledger_" + string(name),
		batchSize: opts.BatchSize,
		clock:     opts.Clock,
		logger:    logger.With(zap.String("ledger", string(name))),
	}, nil
}

// Name returns the ledger's name.
func (l *Ledger) Name() Name { return l.name }

// BatchSize returns the automatic checkpoint batch size.
func (l *Ledger) BatchSize() int { return l.batchSize }

// Append chains a new entry onto the ledger. payload is stored as canonical
// JSON. The tail read, the insert and any automatic checkpoint happen in one
// immediate transaction: the session's own, or the caller's when borrowed.
func (l *Ledger) Append(ctx context.Context, sess store.Session, subjectID, actorID string, payload any, signature string) (*Entry, error) {
	payloadJSON, err := canonical.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalize payload: %w", err)
	}

	var entry *Entry
	err = sess.RunImmediate(ctx, func(tx *store.Tx) error {
		e, err := l.insert(ctx, tx, subjectID, actorID, payloadJSON, signature)
		if err != nil {
			return err
		}
		if err := l.maybeCheckpoint(ctx, tx, e.ID); err != nil {
			return err
		}
		tx.AfterCommit(func() {
			metrics.RecordLedgerAppend(string(l.name))
			l.logger.Debug("ledger entry appended",
				zap.Int64("id", e.ID),
				zap.String("subject_id", e.SubjectID),
				zap.String("actor_id", e.ActorID),
			)
		})
		entry = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("append %s entry: %w", l.name, err)
	}
	return entry, nil
}

// AppendVote records one cast on the Votes ledger. Invalid votes fail with a
// *ValidationError before any write.
func (l *Ledger) AppendVote(ctx context.Context, sess store.Session, factID, agentID string, value int, weight float64, signature string) (*VoteEntry, error) {
	if err := ValidateVote(factID, agentID, value, weight); err != nil {
		return nil, err
	}
	if l.name != Votes {
		return nil, fmt.Errorf("append vote: ledger %q does not hold votes", l.name)
	}
	e, err := l.Append(ctx, sess, factID, agentID, votePayload{Value: value, Weight: weight}, signature)
	if err != nil {
		return nil, err
	}
	return &VoteEntry{Entry: e, FactID: factID, AgentID: agentID, Value: value, Weight: weight}, nil
}

// insert reads the tail under the caller's lock and writes the next entry.
func (l *Ledger) insert(ctx context.Context, tx *store.Tx, subjectID, actorID string, payload []byte, signature string) (*Entry, error) {
	var (
		prevID   int64
		prevHash string
	)
	err := tx.QueryRow(ctx, "SELECT id, hash FROM "+l.table+" ORDER BY id DESC LIMIT 1").Scan(&prevID, &prevHash)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		prevID, prevHash = 0, GenesisHash
	case err != nil:
		return nil, fmt.Errorf("read ledger tail: %w", err)
	}

	now := l.clock.Now()
	e := &Entry{
		ID:         prevID + 1,
		SubjectID:  subjectID,
		ActorID:    actorID,
		Payload:    payload,
		PrevHash:   prevHash,
		Signature:  signature,
		recordedAt: store.FormatTime(now),
	}
	e.Timestamp, _ = store.ParseTime(e.recordedAt)
	e.Hash = e.computeHash()

	if _, err := tx.Exec(ctx,
		"INSERT INTO "+l.table+" ("+entryColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
		e.ID, e.SubjectID, e.ActorID, string(e.Payload), e.PrevHash, e.Hash, e.recordedAt, e.Signature,
	); err != nil {
		return nil, fmt.Errorf("insert ledger entry: %w", err)
	}
	return e, nil
}

// Get returns the entry with the given id.
func (l *Ledger) Get(ctx context.Context, id int64) (*Entry, error) {
	row := l.db.QueryRow(ctx, "SELECT "+entryColumns+" FROM "+l.table+" WHERE id = ?", id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s entry %d: %w", l.name, id, err)
	}
	return e, nil
}

// Len returns the number of entries.
func (l *Ledger) Len(ctx context.Context) (int64, error) {
	var n int64
	if err := l.db.QueryRow(ctx, "SELECT COUNT(*) FROM "+l.table).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s entries: %w", l.name, err)
	}
	return n, nil
}

// Root returns the hash of the most recent entry, or GenesisHash when empty.
func (l *Ledger) Root(ctx context.Context) (string, error) {
	var hash string
	err := l.db.QueryRow(ctx, "SELECT hash FROM "+l.table+" ORDER BY id DESC LIMIT 1").Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s root: %w", l.name, err)
	}
	return hash, nil
}

// History returns every entry about subjectID in append order. q lets a
// caller read inside its own transaction; nil reads from the database.
func (l *Ledger) History(ctx context.Context, q store.Querier, subjectID string) ([]*Entry, error) {
	if q == nil {
		q = l.db
	}
	rows, err := q.Query(ctx,
		"SELECT "+entryColumns+" FROM "+l.table+" WHERE subject_id = ? ORDER BY id ASC", subjectID)
	if err != nil {
		return nil, fmt.Errorf("query %s history: %w", l.name, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// VoteHistory returns every vote cast on factID, overwritten ones included.
func (l *Ledger) VoteHistory(ctx context.Context, q store.Querier, factID string) ([]*VoteEntry, error) {
	entries, err := l.History(ctx, q, factID)
	if err != nil {
		return nil, err
	}
	votes := make([]*VoteEntry, 0, len(entries))
	for _, e := range entries {
		v, err := DecodeVote(e)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, nil
}

// Range returns up to limit entries starting at startID.
func (l *Ledger) Range(ctx context.Context, startID int64, limit int) ([]*Entry, error) {
	rows, err := l.db.Query(ctx,
		"SELECT "+entryColumns+" FROM "+l.table+" WHERE id >= ? ORDER BY id ASC LIMIT ?", startID, limit)
	if err != nil {
		return nil, fmt.Errorf("query %s range: %w", l.name, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	e := &Entry{}
	var payload string
	if err := row.Scan(
		&e.ID, &e.SubjectID, &e.ActorID, &payload,
		&e.PrevHash, &e.Hash, &e.recordedAt, &e.Signature,
	); err != nil {
		return nil, err
	}
	e.Payload = []byte(payload)
	// A malformed timestamp is left zero; VerifyChain hashes the raw text
	// and reports the tampering.
	e.Timestamp, _ = store.ParseTime(e.recordedAt)
	return e, nil
}

func collectEntries(rows *sql.Rows) ([]*Entry, error) {
	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

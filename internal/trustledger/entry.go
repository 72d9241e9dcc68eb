package trustledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// GenesisHash is the prev_hash of the first entry of every ledger.
const GenesisHash = "0000000000000000000000000000000000000000000000000000000000000000"

// Entry is a single immutable ledger record.
type Entry struct {
	ID        int64           `json:"id"`
	SubjectID string          `json:"subject_id"`
	ActorID   string          `json:"actor_id"`
	Payload   json.RawMessage `json:"payload"` // canonical JSON
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
	Timestamp time.Time       `json:"timestamp"`
	Signature string          `json:"signature,omitempty"`

	// recordedAt is the persisted timestamp text, the exact bytes hashed.
	recordedAt string
}

// VoteEntry is the typed view of an entry on the Votes ledger.
type VoteEntry struct {
	*Entry
	FactID  string  `json:"fact_id"`
	AgentID string  `json:"agent_id"`
	Value   int     `json:"value"`
	Weight  float64 `json:"weight"`
}

// votePayload is what the Votes ledger stores for each cast.
type votePayload struct {
	Value  int     `json:"value"`
	Weight float64 `json:"weight"`
}

// DecodeVote interprets e as a vote entry.
func DecodeVote(e *Entry) (*VoteEntry, error) {
	var p votePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode vote entry %d: %w", e.ID, err)
	}
	return &VoteEntry{
		Entry:   e,
		FactID:  e.SubjectID,
		AgentID: e.ActorID,
		Value:   p.Value,
		Weight:  p.Weight,
	}, nil
}

// hashEntry computes SHA-256 over prev_hash, subject_id, actor_id, payload
// and timestamp. Each field is written as "<byte length>:<bytes>|", so moving
// bytes from one field into its neighbour changes the hash.
func hashEntry(prevHash, subjectID, actorID string, payload []byte, recordedAt string) string {
	h := sha256.New()
	for _, field := range [][]byte{[]byte(prevHash), []byte(subjectID), []byte(actorID), payload, []byte(recordedAt)} {
		fmt.Fprintf(h, "%d:%s|", len(field), field)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// computeHash recomputes e's hash from its own fields.
func (e *Entry) computeHash() string {
	return hashEntry(e.PrevHash, e.SubjectID, e.ActorID, e.Payload, e.recordedAt)
}

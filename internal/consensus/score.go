package consensus

import "github.com/jmerrifield20/agentledger/internal/facts"

// Confidence thresholds on the consensus score.
const (
	VerifiedThreshold = 1.5
	DisputedThreshold = 0.5

	// NeutralScore is the score of a fact nobody has weighed in on.
	NeutralScore = 1.0
)

// WeightedVote is one projection row joined with its voter's live reputation.
type WeightedVote struct {
	Value             int
	RecordedWeight    float64
	CurrentReputation float64
}

// Weight is the larger of the cast-time weight and the voter's current
// reputation. A reputation drop never weakens a vote below its original
// weight.
func (v WeightedVote) Weight() float64 {
	return max(v.RecordedWeight, v.CurrentReputation)
}

// ComputeScore returns 1 + Σ(vote·w)/Σw, or NeutralScore when Σw is zero.
// The result lies in [0, 2].
func ComputeScore(votes []WeightedVote) float64 {
	var num, den float64
	for _, v := range votes {
		w := v.Weight()
		num += float64(v.Value) * w
		den += w
	}
	if den <= 0 {
		return NeutralScore
	}
	return NeutralScore + num/den
}

// ConfidenceFor maps a score to its label.
func ConfidenceFor(score float64) facts.Confidence {
	switch {
	case score >= VerifiedThreshold:
		return facts.Verified
	case score <= DisputedThreshold:
		return facts.Disputed
	default:
		return facts.Stated
	}
}

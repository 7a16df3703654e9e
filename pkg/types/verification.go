package types

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// VerificationScores holds the five sub-scores of one proof judgment, each in [0,1].
type VerificationScores struct {
	Authenticity float64
	Relevance    float64
	Completeness float64
	Quality      float64
	Consistency  float64
}

// VerificationResult is the output of the verification pipeline for one proof
// submission. It is consumed immediately by the lifecycle engine and folded
// into the worker's running reputation aggregate; it is not persisted.
type VerificationResult struct {
	Scores     VerificationScores
	Confidence float64
	Approved   bool
	Reasoning  string
	// Concerns lists what the authenticity analysis flagged in the
	// evidence, empty when nothing stood out.
	Concerns []string
	// Remediation is worker-facing and only set on rejection.
	Remediation string
	// Degraded lists analyses that were unavailable and substituted with
	// neutral defaults.
	Degraded []string
}

// ReputationTier buckets a worker's running average verification score.
type ReputationTier string

const (
	TierBronze   ReputationTier = "bronze"
	TierSilver   ReputationTier = "silver"
	TierGold     ReputationTier = "gold"
	TierPlatinum ReputationTier = "platinum"
)

// TierFor maps a scalar reputation score to its tier.
func TierFor(score float64) ReputationTier {
	switch {
	case score >= 0.95:
		return TierPlatinum
	case score >= 0.85:
		return TierGold
	case score >= 0.70:
		return TierSilver
	default:
		return TierBronze
	}
}

// BonusPermille returns the completion bonus for the tier, in thousandths of
// the task reward.
func (t ReputationTier) BonusPermille() int64 {
	switch t {
	case TierPlatinum:
		return 100
	case TierGold:
		return 50
	case TierSilver:
		return 20
	default:
		return 0
	}
}

// WorkerStats is the per-worker aggregate of historical verification results.
type WorkerStats struct {
	Worker     common.Address
	Completed  int
	Rejected   int
	AvgScores  VerificationScores
	Reputation float64
	BonusPaid  *big.Int
}

// NewWorkerStats returns an empty aggregate for a worker.
func NewWorkerStats(worker common.Address) *WorkerStats {
	return &WorkerStats{
		Worker:    worker,
		BonusPaid: new(big.Int),
	}
}

// Tier returns the worker's current reputation tier.
func (w *WorkerStats) Tier() ReputationTier {
	return TierFor(w.Reputation)
}

// Absorb folds one verification result into the running averages. The scalar
// reputation score re-weights with the same weights used for confidence, with
// a completion-ratio penalty for rejected submissions.
func (w *WorkerStats) Absorb(res VerificationResult) {
	n := float64(w.Completed + w.Rejected)
	avg := func(prev, next float64) float64 {
		return (prev*n + next) / (n + 1)
	}
	w.AvgScores.Authenticity = avg(w.AvgScores.Authenticity, res.Scores.Authenticity)
	w.AvgScores.Relevance = avg(w.AvgScores.Relevance, res.Scores.Relevance)
	w.AvgScores.Completeness = avg(w.AvgScores.Completeness, res.Scores.Completeness)
	w.AvgScores.Quality = avg(w.AvgScores.Quality, res.Scores.Quality)
	w.AvgScores.Consistency = avg(w.AvgScores.Consistency, res.Scores.Consistency)

	if res.Approved {
		w.Completed++
	} else {
		w.Rejected++
	}

	total := float64(w.Completed + w.Rejected)
	completionRatio := float64(w.Completed) / total
	avgConfidence := 0.30*w.AvgScores.Authenticity +
		0.25*w.AvgScores.Relevance +
		0.25*w.AvgScores.Completeness +
		0.10*w.AvgScores.Quality +
		0.10*w.AvgScores.Consistency
	w.Reputation = avgConfidence * completionRatio
}

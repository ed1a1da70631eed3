// Package consensus folds weighted votes into a decision for a task and
// reduces raw vote payloads to comparable keys.
package consensus

import (
	"math"

	"github.com/clipvote/api/internal/model"
)

// UnknownLabel is the label of a task with no votes.
const UnknownLabel = "unknown"

// weightPlaces matches the precision reputations are stored with.
const weightPlaces = 10

// tieEpsilon absorbs float noise when comparing summed weights.
const tieEpsilon = 1e-9

// Result is the outcome of folding a task's votes.
type Result struct {
	Label          string  `json:"label"`
	GreenCount     float64 `json:"green_count"`
	AgreementScore float64 `json:"agreement_score"`
}

// Compute groups votes by key and picks the key with the largest summed
// weight. Ties go to preferredKey when it is among the tied keys, else to
// the key seen first. Compute is pure; callers re-run it over the full vote
// set on every new vote.
func Compute(votes []model.Vote, preferredKey string) Result {
	if len(votes) == 0 {
		return Result{Label: UnknownLabel}
	}

	sums := make(map[string]float64, len(votes))
	order := make([]string, 0, len(votes))
	var total float64
	for _, v := range votes {
		if _, seen := sums[v.Key]; !seen {
			order = append(order, v.Key)
		}
		sums[v.Key] += v.Weight
		total += v.Weight
	}

	winner := order[0]
	best := sums[winner]
	for _, key := range order[1:] {
		if sums[key] > best+tieEpsilon {
			winner, best = key, sums[key]
		}
	}
	if preferredKey != "" && preferredKey != winner {
		if w, ok := sums[preferredKey]; ok && math.Abs(w-best) <= tieEpsilon {
			winner = preferredKey
		}
	}

	var agreement float64
	if total > 0 {
		agreement = round(best/total, 3)
	}
	return Result{
		Label:          winner,
		GreenCount:     round(best, weightPlaces),
		AgreementScore: agreement,
	}
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

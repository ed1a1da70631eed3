// Package reputation keeps each contributor's EWMA trust score and the
// counters that go with it.
package reputation

import (
	"math"
	"time"

	"github.com/clipvote/api/internal/model"
)

const (
	// Min and Max bound every reputation value.
	Min = 0.5
	Max = 1.5

	decay = 0.6
)

// Update returns the next reputation after one aligned or misaligned outcome.
// A nil current value starts from model.BaselineReputation.
func Update(current *float64, aligned bool) float64 {
	cur := model.BaselineReputation
	if current != nil {
		cur = *current
	}
	var hit float64
	if aligned {
		hit = 1
	}
	next := decay*cur + (1-decay)*hit
	next = math.Min(Max, math.Max(Min, next))
	return math.Round(next*1e10) / 1e10
}

// RecordConsensus folds one finalized vote into c: aligned reports whether the
// contributor's key matched the winning key.
func RecordConsensus(c *model.Contributor, aligned bool, now time.Time) {
	c.TasksTotal++
	if aligned {
		c.TasksAgreed++
	}
	apply(c, aligned, now)
}

// RecordGolden folds one golden-task answer into c.
func RecordGolden(c *model.Contributor, correct bool, now time.Time) {
	c.GoldenTotal++
	if correct {
		c.GoldenCorrect++
	}
	apply(c, correct, now)
}

func apply(c *model.Contributor, aligned bool, now time.Time) {
	next := Update(c.Reputation, aligned)
	c.Reputation = &next
	ts := now
	c.LastActiveAt = &ts
}

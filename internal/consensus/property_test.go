package consensus

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/clipvote/api/internal/model"
)

func buildVotes(keys []uint8, weights []float64) []model.Vote {
	out := make([]model.Vote, 0, len(keys))
	for i := 0; i < len(keys) && i < len(weights); i++ {
		out = append(out, model.Vote{Key: string(rune('A' + keys[i]%4)), Weight: weights[i]})
	}
	return out
}

func TestComputeProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("agreement stays within [0,1]", prop.ForAll(
		func(keys []uint8, weights []float64) bool {
			r := Compute(buildVotes(keys, weights), "")
			return r.AgreementScore >= 0 && r.AgreementScore <= 1
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.Float64Range(0.5, 1.5)),
	))

	properties.Property("winner carries the maximum summed weight", prop.ForAll(
		func(keys []uint8, weights []float64) bool {
			vs := buildVotes(keys, weights)
			if len(vs) == 0 {
				return true
			}
			sums := make(map[string]float64)
			for _, v := range vs {
				sums[v.Key] += v.Weight
			}
			r := Compute(vs, "")
			for _, w := range sums {
				if w > sums[r.Label]+tieEpsilon {
					return false
				}
			}
			return math.Abs(r.GreenCount-round(sums[r.Label], weightPlaces)) < 1e-9
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.Float64Range(0.5, 1.5)),
	))

	properties.Property("compute is deterministic", prop.ForAll(
		func(keys []uint8, weights []float64) bool {
			vs := buildVotes(keys, weights)
			return Compute(vs, "B") == Compute(vs, "B")
		},
		gen.SliceOf(gen.UInt8()),
		gen.SliceOf(gen.Float64Range(0.5, 1.5)),
	))

	properties.TestingRun(t)
}

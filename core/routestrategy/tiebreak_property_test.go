package routestrategy

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/coreflow/agentrt/core/stats"
)

// Property: among candidates tied on cost, CostOptimized resolves the tie
// by lowest RegistrationIdx for any candidate count, and LatencyOptimized
// returns the same candidate across repeated selection with unchanged
// tracker state.
func TestTieBreak_StableByRegistrationOrderProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	tracker := stats.New(stats.DefaultConfig())
	table := pricingTable()

	properties.Property("equal-cost candidates always resolve to the lowest RegistrationIdx", prop.ForAll(
		func(n int) bool {
			candidates := make([]Candidate, n)
			for i := 0; i < n; i++ {
				candidates[i] = Candidate{
					Name:            letterName(i),
					Model:           "cheap",
					RegistrationIdx: i,
				}
			}

			strat := CostOptimizedStrategy{}
			got, err := strat.Select(candidates, Context{EstimatedInputTokens: 100, EstimatedOutputTokens: 100}, tracker, table)
			if err != nil {
				return false
			}
			return got.RegistrationIdx == 0
		},
		gen.IntRange(1, 12),
	))

	properties.Property("selection is stable across repeated calls with unchanged tracker state", prop.ForAll(
		func(n int) bool {
			candidates := make([]Candidate, n)
			for i := 0; i < n; i++ {
				candidates[i] = Candidate{
					Name:            letterName(i),
					Model:           "cheap",
					RegistrationIdx: i,
					LatencyPrior:    50,
				}
			}

			strat := LatencyOptimizedStrategy{}
			first, err := strat.Select(candidates, Context{}, tracker, table)
			if err != nil {
				return false
			}
			second, err := strat.Select(candidates, Context{}, tracker, table)
			if err != nil {
				return false
			}
			return first.Name == second.Name
		},
		gen.IntRange(1, 12),
	))

	properties.TestingRun(t)
}

func letterName(i int) string {
	letters := "abcdefghijklmnopqrstuvwxyz"
	return string(letters[i%len(letters)]) + string(rune('0'+i/len(letters)))
}

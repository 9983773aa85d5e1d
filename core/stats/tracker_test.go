package stats

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.UnhealthyThreshold)
	assert.Equal(t, 2, cfg.RecoveryThreshold)
}

func TestTracker_NewProviderStartsHealthy(t *testing.T) {
	tr := New(DefaultConfig())
	assert.True(t, tr.Healthy("unseen"))
	assert.Equal(t, Statistics{}, tr.Snapshot("unseen"))
}

func TestTracker_ReportSuccessAccumulates(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 100, InputTokens: 10, OutputTokens: 20, Cost: 0.5})
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 200, InputTokens: 5, OutputTokens: 15, Cost: 0.25})

	snap := tr.Snapshot("alpha")
	assert.EqualValues(t, 2, snap.TotalRequests)
	assert.EqualValues(t, 2, snap.SuccessfulRequests)
	assert.EqualValues(t, 0, snap.FailedRequests)
	assert.EqualValues(t, 15, snap.TotalInputTokens)
	assert.EqualValues(t, 35, snap.TotalOutputTokens)
	assert.InDelta(t, 0.75, snap.TotalCost, 1e-9)
	assert.InDelta(t, 150, snap.AverageLatencyMs, 1e-9, "streaming mean of 100 and 200")
}

func TestTracker_TotalRequestsEqualsSuccessPlusFailed(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 10})
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("x")})
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 20})

	snap := tr.Snapshot("alpha")
	assert.Equal(t, snap.TotalRequests, snap.SuccessfulRequests+snap.FailedRequests)
}

func TestTracker_UnhealthyAfterConsecutiveFailures(t *testing.T) {
	tr := New(Config{UnhealthyThreshold: 3, RecoveryThreshold: 2})
	require.True(t, tr.Healthy("alpha"))

	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	assert.True(t, tr.Healthy("alpha"), "below threshold")
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	assert.True(t, tr.Healthy("alpha"))
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	assert.False(t, tr.Healthy("alpha"), "threshold reached")

	health := tr.HealthSnapshot("alpha")
	assert.Equal(t, 3, health.ConsecutiveFailures)
	assert.Equal(t, "boom", health.LastError)
}

func TestTracker_RecoversAfterConsecutiveSuccesses(t *testing.T) {
	tr := New(Config{UnhealthyThreshold: 2, RecoveryThreshold: 2})
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	require.False(t, tr.Healthy("alpha"))

	tr.Report("alpha", Outcome{Success: true, LatencyMs: 1})
	assert.False(t, tr.Healthy("alpha"), "one success is not enough")
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 1})
	assert.True(t, tr.Healthy("alpha"), "recovery threshold reached")
}

func TestTracker_SuccessResetsConsecutiveFailures(t *testing.T) {
	tr := New(Config{UnhealthyThreshold: 3, RecoveryThreshold: 2})
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	tr.Report("alpha", Outcome{Success: false, Err: errors.New("boom")})
	tr.Report("alpha", Outcome{Success: true, LatencyMs: 1})

	health := tr.HealthSnapshot("alpha")
	assert.Equal(t, 0, health.ConsecutiveFailures)
	assert.True(t, tr.Healthy("alpha"))
}

func TestTracker_HealthyProvidersExcludesSet(t *testing.T) {
	tr := New(Config{UnhealthyThreshold: 1, RecoveryThreshold: 1})
	tr.Report("bad", Outcome{Success: false, Err: errors.New("boom")})

	got := tr.HealthyProviders([]string{"bad", "good", "also-good"}, map[string]bool{"also-good": true})
	assert.ElementsMatch(t, []string{"good"}, got)
}

func TestTracker_SnapshotAllIncludesEveryReportedProvider(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Report("alpha", Outcome{Success: true})
	tr.Report("beta", Outcome{Success: true})

	all := tr.SnapshotAll()
	assert.Len(t, all, 2)
	assert.Contains(t, all, "alpha")
	assert.Contains(t, all, "beta")
}

// Per-entry locking must not corrupt counters under concurrent reporting to
// the same provider: TotalRequests always equals the number of Report calls.
func TestTracker_ConcurrentReportsPerProviderAreSerialized(t *testing.T) {
	tr := New(DefaultConfig())
	const goroutines = 50
	const perGoroutine = 20

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			for j := 0; j < perGoroutine; j++ {
				tr.Report("shared", Outcome{Success: true, LatencyMs: float64(j)})
			}
		}()
	}
	wg.Wait()

	snap := tr.Snapshot("shared")
	assert.EqualValues(t, goroutines*perGoroutine, snap.TotalRequests)
	assert.EqualValues(t, goroutines*perGoroutine, snap.SuccessfulRequests)
}

// Property: for any sequence of successful latencies reported to one
// provider, AverageLatencyMs always lands within [min, max] of the sequence
// (a streaming mean can never overshoot its inputs' range).
func TestTracker_StreamingMeanStaysWithinObservedRange(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		latencies := rapid.SliceOfN(rapid.Float64Range(0, 10000), 1, 30).Draw(rt, "latencies")

		tr := New(DefaultConfig())
		min, max := latencies[0], latencies[0]
		for _, l := range latencies {
			if l < min {
				min = l
			}
			if l > max {
				max = l
			}
			tr.Report("p", Outcome{Success: true, LatencyMs: l})
		}

		mean := tr.Snapshot("p").AverageLatencyMs
		if mean < min-1e-6 || mean > max+1e-6 {
			rt.Fatalf("streaming mean %v escaped observed range [%v, %v]", mean, min, max)
		}
	})
}

// Property: TotalRequests is always exactly SuccessfulRequests+FailedRequests
// regardless of the interleaving of successes and failures.
func TestTracker_TotalAlwaysEqualsSuccessPlusFailedProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		outcomes := rapid.SliceOfN(rapid.Bool(), 0, 50).Draw(rt, "outcomes")

		tr := New(Config{UnhealthyThreshold: 1000, RecoveryThreshold: 1000})
		for _, success := range outcomes {
			if success {
				tr.Report("p", Outcome{Success: true, LatencyMs: 1})
			} else {
				tr.Report("p", Outcome{Success: false, Err: errors.New("x")})
			}
		}

		snap := tr.Snapshot("p")
		if snap.TotalRequests != snap.SuccessfulRequests+snap.FailedRequests {
			rt.Fatalf("invariant broken: %d != %d + %d", snap.TotalRequests, snap.SuccessfulRequests, snap.FailedRequests)
		}
	})
}

func TestTracker_LastUpdatedAdvances(t *testing.T) {
	tr := New(DefaultConfig())
	tr.Report("alpha", Outcome{Success: true})
	first := tr.Snapshot("alpha").LastUpdated
	time.Sleep(time.Millisecond)
	tr.Report("alpha", Outcome{Success: true})
	second := tr.Snapshot("alpha").LastUpdated
	assert.True(t, second.After(first) || second.Equal(first))
}

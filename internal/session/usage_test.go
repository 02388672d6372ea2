package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

func TestUsageAccumulator_TokensReplacedCostSummed(t *testing.T) {
	u := NewUsageAccumulator()
	u.ApplyResult(&claudecode.TurnResult{
		Usage:        &claudecode.Usage{InputTokens: 100, OutputTokens: 20, CacheReadInputTokens: 7},
		TotalCostUSD: 0.05,
		DurationMS:   900,
	})
	u.ApplyResult(&claudecode.TurnResult{
		Usage:        &claudecode.Usage{InputTokens: 250, OutputTokens: 70},
		TotalCostUSD: 0.07,
		DurationMS:   400,
	})

	got := u.Snapshot()
	assert.Equal(t, int64(250), got.InputTokens)
	assert.Equal(t, int64(70), got.OutputTokens)
	assert.Equal(t, int64(0), got.CacheReadInputTokens)
	assert.InDelta(t, 0.12, got.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(2), got.Turns)
	assert.Equal(t, int64(400), got.LastTurnDurationMS)
}

func TestUsageAccumulator_MissingUsageKeepsTokens(t *testing.T) {
	u := NewUsageAccumulator()
	u.ApplyResult(&claudecode.TurnResult{
		Usage:        &claudecode.Usage{InputTokens: 40, OutputTokens: 9},
		TotalCostUSD: 0.01,
	})
	// A result without a usage block still counts the turn.
	u.ApplyResult(&claudecode.TurnResult{Subtype: claudecode.ResultSubtypeErrorDuringExecution})

	got := u.Snapshot()
	assert.Equal(t, int64(40), got.InputTokens)
	assert.Equal(t, int64(9), got.OutputTokens)
	assert.Equal(t, int64(2), got.Turns)
}

func TestUsageAccumulator_NilResultIgnored(t *testing.T) {
	u := NewUsageAccumulator()
	u.ApplyResult(nil)
	got := u.Snapshot()
	assert.Equal(t, int64(0), got.Turns)
	assert.Equal(t, float64(0), got.TotalCostUSD)
}

func TestUsageAccumulator_ConcurrentApply(t *testing.T) {
	u := NewUsageAccumulator()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			u.ApplyResult(&claudecode.TurnResult{
				Usage:        &claudecode.Usage{InputTokens: 10, OutputTokens: 5},
				TotalCostUSD: 0.01,
			})
		}()
	}
	wg.Wait()

	got := u.Snapshot()
	assert.Equal(t, int64(50), got.Turns)
	assert.InDelta(t, 0.5, got.TotalCostUSD, 1e-9)
	assert.Equal(t, int64(10), got.InputTokens)
	assert.Equal(t, int64(5), got.OutputTokens)
}

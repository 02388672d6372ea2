package session

import (
	"math"
	"sync/atomic"

	"github.com/claudeacp/claudeacp/pkg/claudecode"
)

// UsageTotals is a point-in-time view of a session's token usage.
type UsageTotals struct {
	InputTokens              int64   `json:"input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	TotalCostUSD             float64 `json:"total_cost_usd"`
	Turns                    int64   `json:"turns"`
	LastTurnDurationMS       int64   `json:"last_turn_duration_ms"`
}

// UsageAccumulator tracks session usage across turns. The CLI reports
// cumulative-to-date token totals on each terminal result, so token fields
// are replaced wholesale rather than summed; cost accumulates as reported.
type UsageAccumulator struct {
	inputTokens   atomic.Int64
	outputTokens  atomic.Int64
	cacheCreation atomic.Int64
	cacheRead     atomic.Int64
	costBits      atomic.Uint64
	turns         atomic.Int64
	lastDuration  atomic.Int64
}

// NewUsageAccumulator returns a zeroed accumulator.
func NewUsageAccumulator() *UsageAccumulator {
	return &UsageAccumulator{}
}

// ApplyResult folds one terminal result into the totals.
func (u *UsageAccumulator) ApplyResult(res *claudecode.TurnResult) {
	if res == nil {
		return
	}
	if res.Usage != nil {
		u.inputTokens.Store(res.Usage.InputTokens)
		u.outputTokens.Store(res.Usage.OutputTokens)
		u.cacheCreation.Store(res.Usage.CacheCreationInputTokens)
		u.cacheRead.Store(res.Usage.CacheReadInputTokens)
	}
	if res.TotalCostUSD > 0 {
		for {
			old := u.costBits.Load()
			next := math.Float64bits(math.Float64frombits(old) + res.TotalCostUSD)
			if u.costBits.CompareAndSwap(old, next) {
				break
			}
		}
	}
	u.turns.Add(1)
	u.lastDuration.Store(res.DurationMS)
}

// Snapshot returns the current totals. Safe for concurrent use.
func (u *UsageAccumulator) Snapshot() UsageTotals {
	return UsageTotals{
		InputTokens:              u.inputTokens.Load(),
		OutputTokens:             u.outputTokens.Load(),
		CacheCreationInputTokens: u.cacheCreation.Load(),
		CacheReadInputTokens:     u.cacheRead.Load(),
		TotalCostUSD:             math.Float64frombits(u.costBits.Load()),
		Turns:                    u.turns.Load(),
		LastTurnDurationMS:       u.lastDuration.Load(),
	}
}

// internal/analytics/aggregate.go
package analytics

import (
	"math"
	"sort"

	"github.com/user/agentlens/internal/types"
)

const (
	offenderTopN      = 10
	offenderMinCalls  = 3
	errorRateMinCalls = 10
)

// ToolStats is the fully derived per-tool rollup across sessions.
type ToolStats struct {
	ToolName           string  `json:"toolName"`
	TotalCalls         int     `json:"totalCalls"`
	Errors             int     `json:"errors"`
	UniqueSessions     int     `json:"uniqueSessions"`
	InputTokens        int     `json:"inputTokens"`
	OutputTokens       int     `json:"outputTokens"`
	TotalTokens        int     `json:"totalTokens"`
	Cost               float64 `json:"cost"`
	AvgMs              int64   `json:"avgMs"`
	P95Ms              int64   `json:"p95Ms"`
	MaxConsecutive     int     `json:"maxConsecutive"`
	AvgCallsPerSession float64 `json:"avgCallsPerSession"`
	AvgWhenUsed        float64 `json:"avgWhenUsed"`
	ErrorRate          float64 `json:"errorRate"`
}

// Totals sums calls, tokens, and cost across the per-tool accumulators.
type Totals struct {
	TotalCalls   int     `json:"totalCalls"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// RepeatOffenders holds the four top-10 rankings.
type RepeatOffenders struct {
	ByTotalCalls         []ToolStats `json:"byTotalCalls"`
	ByAvgCallsPerSession []ToolStats `json:"byAvgCallsPerSession"`
	ByMaxConsecutive     []ToolStats `json:"byMaxConsecutive"`
	ByErrorRate          []ToolStats `json:"byErrorRate"`
}

// Report is the cross-session aggregate answer.
type Report struct {
	Timeframe       string          `json:"timeframe"`
	Sessions        SessionsInfo    `json:"sessions"`
	Totals          Totals          `json:"totals"`
	PerTool         []ToolStats     `json:"perTool"`
	RepeatOffenders RepeatOffenders `json:"repeatOffenders"`
}

type SessionsInfo struct {
	Count int `json:"count"`
}

// toolAccumulator collects raw per-tool material before metrics are derived.
type toolAccumulator struct {
	name           string
	totalCalls     int
	errors         int
	durations      []int64
	inputTokens    int
	outputTokens   int
	totalTokens    int
	cost           float64
	sessions       map[types.SessionID]struct{}
	maxConsecutive int
}

// Aggregate folds every session's event log into the cross-session report.
// The session count denominates avgCallsPerSession even for sessions that
// never used a given tool.
func Aggregate(timeframe string, sessions map[types.SessionID][]types.Event) *Report {
	acc := make(map[string]*toolAccumulator)

	get := func(name string) *toolAccumulator {
		a := acc[name]
		if a == nil {
			a = &toolAccumulator{name: name, sessions: make(map[types.SessionID]struct{})}
			acc[name] = a
		}
		return a
	}

	for sessionID, events := range sessions {
		// Fold attribution results into the accumulator.
		for name, attr := range AttributeSession(events) {
			a := get(name)
			a.inputTokens += attr.InputTokens
			a.outputTokens += attr.OutputTokens
			a.totalTokens += attr.TotalTokens
			a.cost += attr.Cost
			a.sessions[sessionID] = struct{}{}
		}

		// Scan the session in timestamp order for call-level stats and
		// consecutive-run tracking.
		ordered := sortByTimestamp(events)
		localMax := make(map[string]int)
		runTool := ""
		runLen := 0
		for _, ev := range ordered {
			if ev.Type != types.EventToolEnd {
				continue
			}
			a := get(ev.ToolName)
			a.totalCalls++
			a.durations = append(a.durations, ev.DurationMs)
			if !ev.Succeeded() {
				a.errors++
			}
			a.sessions[sessionID] = struct{}{}

			if ev.ToolName == runTool {
				runLen++
			} else {
				runTool = ev.ToolName
				runLen = 1
			}
			if runLen > localMax[runTool] {
				localMax[runTool] = runLen
			}
		}

		// Session-local maxima merge into the global running maximum,
		// never decreasing it.
		for name, m := range localMax {
			a := get(name)
			if m > a.maxConsecutive {
				a.maxConsecutive = m
			}
		}
	}

	report := &Report{
		Timeframe: timeframe,
		Sessions:  SessionsInfo{Count: len(sessions)},
	}

	for _, a := range acc {
		stats := a.derive(len(sessions))
		report.PerTool = append(report.PerTool, stats)
		report.Totals.TotalCalls += stats.TotalCalls
		report.Totals.InputTokens += stats.InputTokens
		report.Totals.OutputTokens += stats.OutputTokens
		report.Totals.TotalTokens += stats.TotalTokens
		report.Totals.Cost += stats.Cost
	}

	sort.Slice(report.PerTool, func(i, j int) bool {
		if report.PerTool[i].TotalCalls != report.PerTool[j].TotalCalls {
			return report.PerTool[i].TotalCalls > report.PerTool[j].TotalCalls
		}
		return report.PerTool[i].ToolName < report.PerTool[j].ToolName
	})

	report.RepeatOffenders = rankOffenders(report.PerTool)
	return report
}

// derive computes the per-tool metrics with the zero-guards the report
// contract requires (never NaN).
func (a *toolAccumulator) derive(sessionCount int) ToolStats {
	stats := ToolStats{
		ToolName:       a.name,
		TotalCalls:     a.totalCalls,
		Errors:         a.errors,
		UniqueSessions: len(a.sessions),
		InputTokens:    a.inputTokens,
		OutputTokens:   a.outputTokens,
		TotalTokens:    a.totalTokens,
		Cost:           a.cost,
		MaxConsecutive: a.maxConsecutive,
		P95Ms:          P95(a.durations),
	}
	if a.totalCalls > 0 {
		var sum int64
		for _, d := range a.durations {
			sum += d
		}
		stats.AvgMs = int64(math.Round(float64(sum) / float64(a.totalCalls)))
		stats.ErrorRate = float64(a.errors) / float64(a.totalCalls)
	}
	if sessionCount > 0 {
		stats.AvgCallsPerSession = float64(a.totalCalls) / float64(sessionCount)
	}
	if len(a.sessions) > 0 {
		stats.AvgWhenUsed = float64(a.totalCalls) / float64(len(a.sessions))
	}
	return stats
}

// P95 is the 95th percentile by sorted-index lookup:
// index = floor(0.95 * (n-1)). Empty input yields 0.
func P95(durations []int64) int64 {
	if len(durations) == 0 {
		return 0
	}
	sorted := append([]int64(nil), durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	idx := int(math.Floor(0.95 * float64(len(sorted)-1)))
	return sorted[idx]
}

// rankOffenders builds the four top-10 lists over tools with at least
// offenderMinCalls calls; the error-rate list additionally requires
// errorRateMinCalls calls.
func rankOffenders(perTool []ToolStats) RepeatOffenders {
	var eligible []ToolStats
	for _, t := range perTool {
		if t.TotalCalls >= offenderMinCalls {
			eligible = append(eligible, t)
		}
	}
	var errEligible []ToolStats
	for _, t := range eligible {
		if t.TotalCalls >= errorRateMinCalls {
			errEligible = append(errEligible, t)
		}
	}

	return RepeatOffenders{
		ByTotalCalls:         topBy(eligible, func(t ToolStats) float64 { return float64(t.TotalCalls) }),
		ByAvgCallsPerSession: topBy(eligible, func(t ToolStats) float64 { return t.AvgCallsPerSession }),
		ByMaxConsecutive:     topBy(eligible, func(t ToolStats) float64 { return float64(t.MaxConsecutive) }),
		ByErrorRate:          topBy(errEligible, func(t ToolStats) float64 { return t.ErrorRate }),
	}
}

func topBy(tools []ToolStats, key func(ToolStats) float64) []ToolStats {
	out := append([]ToolStats(nil), tools...)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := key(out[i]), key(out[j])
		if ki != kj {
			return ki > kj
		}
		return out[i].ToolName < out[j].ToolName
	})
	if len(out) > offenderTopN {
		out = out[:offenderTopN]
	}
	return out
}

// sortByTimestamp returns a stably ordered copy so that events with equal
// timestamps keep their append order.
func sortByTimestamp(events []types.Event) []types.Event {
	ordered := append([]types.Event(nil), events...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})
	return ordered
}

// internal/analytics/attribution.go
package analytics

import (
	"sort"

	"github.com/user/agentlens/internal/types"
)

// Attribution is one tool's share of a session's token usage and cost.
type Attribution struct {
	ToolName     string  `json:"toolName"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	TotalTokens  int     `json:"totalTokens"`
	Cost         float64 `json:"cost"`
}

// AttributeSession computes the payload-weighted per-tool attribution for
// one session's ordered event log.
//
// Split policy: each step_usage record's tokens and cost are divided evenly
// across the distinct tool names active in that step. Tool call ids are
// resolved to names through the session's tool_start events; unresolvable
// ids are ignored, and steps with no resolvable tools attribute nothing.
// Token remainders go to the lexicographically earliest names so that
// per-step sums are preserved exactly.
func AttributeSession(events []types.Event) map[string]*Attribution {
	names := make(map[types.ToolCallID]string)
	out := make(map[string]*Attribution)

	for _, ev := range events {
		switch ev.Type {
		case types.EventToolStart:
			names[ev.ToolCallID] = ev.ToolName
		case types.EventStepUsage:
			active := resolveActive(ev.ToolCallIDs, names)
			if len(active) == 0 {
				continue
			}
			splitStep(out, active, ev.Usage)
		}
	}
	return out
}

// resolveActive maps the step's tool call ids to their distinct tool names,
// sorted for deterministic remainder assignment.
func resolveActive(ids []types.ToolCallID, names map[types.ToolCallID]string) []string {
	seen := make(map[string]bool)
	var active []string
	for _, id := range ids {
		name, ok := names[id]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		active = append(active, name)
	}
	sort.Strings(active)
	return active
}

func splitStep(out map[string]*Attribution, active []string, usage *types.Usage) {
	n := len(active)
	input := splitInt(usage.InputTokens, n)
	output := splitInt(usage.OutputTokens, n)
	total := splitInt(usage.TotalTokens, n)
	cost := usage.Cost / float64(n)

	for i, name := range active {
		attr := out[name]
		if attr == nil {
			attr = &Attribution{ToolName: name}
			out[name] = attr
		}
		attr.InputTokens += input[i]
		attr.OutputTokens += output[i]
		attr.TotalTokens += total[i]
		attr.Cost += cost
	}
}

// splitInt divides total into n integer shares whose sum is total, giving
// the remainder to the earliest shares.
func splitInt(total, n int) []int {
	shares := make([]int, n)
	base := total / n
	rem := total % n
	for i := range shares {
		shares[i] = base
		if i < rem {
			shares[i]++
		}
	}
	return shares
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/agentlens/internal/analytics"
	"github.com/user/agentlens/internal/sink"
	"github.com/user/agentlens/internal/types"
)

func init() {
	reportCmd.Flags().String("timeframe", "all", "timeframe label stamped on the report")
	rootCmd.AddCommand(reportCmd)
}

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the aggregate tool report from the local JSONL sink",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		timeframe, _ := cmd.Flags().GetString("timeframe")

		audit := sink.NewJSONL(cfg.DataDir)
		ids, err := audit.Sessions()
		if err != nil {
			return fmt.Errorf("list sink sessions: %w", err)
		}

		sessions := make(map[types.SessionID][]types.Event, len(ids))
		for _, id := range ids {
			records, err := audit.ReadSession(id)
			if err != nil {
				return fmt.Errorf("read session %s: %w", id, err)
			}
			sessions[id] = observedEvents(records)
		}

		report := analytics.Aggregate(timeframe, sessions)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	},
}

// observedEvents recovers the original observed events from audit records
// whose payload carries them (the ingestion mirror writes the observed
// event as the payload).
func observedEvents(records []*types.AuditEvent) []types.Event {
	var events []types.Event
	for _, rec := range records {
		switch rec.Kind {
		case types.KindSessionStarted, types.KindSessionFinished,
			types.KindStepFinished, types.KindToolCallStarted,
			types.KindToolCallFinished, types.KindMessageLogged:
		default:
			continue
		}
		if len(rec.Payload) == 0 {
			continue
		}
		var ev types.Event
		if err := json.Unmarshal(rec.Payload, &ev); err != nil {
			continue
		}
		if ev.Validate() != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

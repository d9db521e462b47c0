package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/semaphore"

	"github.com/user/agentlens/internal/persona"
	"github.com/user/agentlens/pkg/llm"
	"github.com/user/agentlens/pkg/llm/openai"
)

func init() {
	rewriteCmd.Flags().String("intent", "", "classified capability intent for the text")
	rootCmd.AddCommand(rewriteCmd)
}

// rewriteCmd runs a single text through the persona rewrite decision,
// useful for tuning the system prompt and the skip heuristics.
var rewriteCmd = &cobra.Command{
	Use:   "rewrite",
	Short: "Rewrite stdin text through the persona transform",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		setupLogging(cfg)
		intent, _ := cmd.Flags().GetString("intent")

		text, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}

		provider := openai.New(&llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.Model,
			MaxTokens:   cfg.LLM.MaxTokens,
			Temperature: cfg.LLM.Temperature,
		})

		transform := persona.New(persona.Config{
			Enabled:      cfg.Persona.Enabled,
			Intent:       intent,
			SystemPrompt: cfg.Persona.SystemPrompt,
		}, provider, nil, semaphore.NewWeighted(cfg.Persona.MaxConcurrentCalls))

		if transform.Passthrough() {
			fmt.Fprint(os.Stdout, string(text))
			return nil
		}

		result, outcome := transform.Decide(cmd.Context(), string(text))
		fmt.Fprintln(os.Stderr, "outcome:", outcome)
		fmt.Fprint(os.Stdout, result)
		return nil
	},
}

// internal/persona/transform.go
package persona

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"
	"golang.org/x/sync/semaphore"

	"github.com/user/agentlens/internal/emitter"
	"github.com/user/agentlens/internal/types"
	"github.com/user/agentlens/pkg/llm"
)

// Outcome labels the result of the rewrite decision for one answer.
type Outcome string

const (
	OutcomeApplied           Outcome = "applied"
	OutcomeSkippedEmpty      Outcome = "skipped-empty"
	OutcomeSkippedStructured Outcome = "skipped-structured"
	OutcomeSkippedError      Outcome = "skipped-error"
)

// IntentBanter marks sessions whose classified capability intent bypasses
// the rewrite entirely.
const IntentBanter = "banter"

// Config controls one transform instance.
type Config struct {
	Enabled      bool
	PersonaMode  bool   // persona mode answers are already in voice
	Intent       string // classified capability intent for the session
	SystemPrompt string
}

// DefaultSystemPrompt is used when the config carries none.
const DefaultSystemPrompt = "Rewrite the following answer in the configured persona's voice. " +
	"Preserve every fact, number, and link exactly. Return only the rewritten text."

// structuredLine matches a newline followed by an opening bracket, the
// telltale of embedded structured data inside prose.
var structuredLine = regexp.MustCompile(`\n\s*[\[{]`)

// rewriteResult is a memoized outcome for one exact buffered text.
type rewriteResult struct {
	text    string
	outcome Outcome
}

// Transform buffers an outbound text-delta stream and, when the buffered
// answer is plain prose, replaces it with a persona-voiced rewrite from the
// secondary provider before forwarding. Rewrites are memoized by content
// hash for the lifetime of the instance, so identical text never triggers a
// second provider call. The memo and reporting are scoped to one
// session/request, never shared.
type Transform struct {
	cfg      Config
	provider llm.Provider
	audit    *emitter.Emitter    // optional
	limiter  *semaphore.Weighted // optional, shared across transforms
	enc      *tiktoken.Tiktoken

	mu   sync.Mutex
	memo map[[sha256.Size]byte]rewriteResult
}

// New creates a Transform. audit and limiter may be nil.
func New(cfg Config, provider llm.Provider, audit *emitter.Emitter, limiter *semaphore.Weighted) *Transform {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	// Token counts in the audit payload are best effort.
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		slog.Warn("tokenizer unavailable, token counts disabled", "error", err)
		enc = nil
	}
	return &Transform{
		cfg:      cfg,
		provider: provider,
		audit:    audit,
		limiter:  limiter,
		enc:      enc,
		memo:     make(map[[sha256.Size]byte]rewriteResult),
	}
}

// Passthrough reports whether the transform is the identity function:
// feature disabled, persona mode already active, or banter intent.
func (t *Transform) Passthrough() bool {
	return !t.cfg.Enabled || t.cfg.PersonaMode || t.cfg.Intent == IntentBanter
}

// Process consumes the outbound delta stream and returns the shaped stream.
// In passthrough the input channel is returned unchanged. Otherwise deltas
// are buffered until the stream closes, the rewrite decision runs once, and
// the (possibly rewritten) text is forwarded as a single delta. Cancelling
// ctx aborts an in-flight rewrite; buffered text is then forwarded as-is.
func (t *Transform) Process(ctx context.Context, in <-chan llm.Delta) <-chan llm.Delta {
	if t.Passthrough() {
		return in
	}

	out := make(chan llm.Delta, 1)
	go func() {
		defer close(out)

		var buf strings.Builder
		for delta := range in {
			buf.WriteString(delta.Content)
		}

		text := buf.String()
		start := time.Now()
		final, outcome := t.Decide(ctx, text)
		t.report(text, final, outcome, time.Since(start))

		if final == "" {
			return
		}
		select {
		case out <- llm.Delta{Content: final}:
		case <-ctx.Done():
		}
	}()
	return out
}

// Decide runs the rewrite decision for the exact buffered text and returns
// the text to forward with the outcome. Identical text yields the cached
// outcome without a second provider call.
func (t *Transform) Decide(ctx context.Context, text string) (string, Outcome) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return text, OutcomeSkippedEmpty
	}
	if looksStructured(text, trimmed) {
		return text, OutcomeSkippedStructured
	}

	key := sha256.Sum256([]byte(text))
	t.mu.Lock()
	if cached, ok := t.memo[key]; ok {
		t.mu.Unlock()
		return cached.text, cached.outcome
	}
	t.mu.Unlock()

	rewritten, outcome := t.rewrite(ctx, text)

	t.mu.Lock()
	t.memo[key] = rewriteResult{text: rewritten, outcome: outcome}
	t.mu.Unlock()
	return rewritten, outcome
}

// rewrite invokes the secondary provider once. Any failure, cancellation,
// or empty result forwards the original text unchanged.
func (t *Transform) rewrite(ctx context.Context, text string) (string, Outcome) {
	if t.limiter != nil {
		if err := t.limiter.Acquire(ctx, 1); err != nil {
			return text, OutcomeSkippedError
		}
		defer t.limiter.Release(1)
	}

	resp, err := t.provider.Complete(ctx, []llm.Message{
		{Role: "system", Content: t.cfg.SystemPrompt},
		{Role: "user", Content: text},
	})
	if err != nil {
		slog.Warn("persona rewrite failed, forwarding original", "error", err)
		return text, OutcomeSkippedError
	}
	if strings.TrimSpace(resp.Content) == "" {
		return text, OutcomeSkippedError
	}
	return resp.Content, OutcomeApplied
}

// looksStructured detects answers that must not be rephrased: valid JSON,
// fenced code blocks, or structured data embedded after a newline.
func looksStructured(text, trimmed string) bool {
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if json.Valid([]byte(trimmed)) {
			return true
		}
	}
	if strings.Contains(text, "```") {
		return true
	}
	return structuredLine.MatchString(text)
}

// postProcessedPayload is the persona_post_processed audit payload.
type postProcessedPayload struct {
	Outcome      Outcome `json:"outcome"`
	Applied      bool    `json:"applied"`
	InputChars   int     `json:"inputChars"`
	OutputChars  int     `json:"outputChars"`
	InputTokens  int     `json:"inputTokens,omitempty"`
	OutputTokens int     `json:"outputTokens,omitempty"`
	LatencyMs    int64   `json:"latencyMs"`
}

// report emits the outcome through the audit path, fire-and-forget.
func (t *Transform) report(original, final string, outcome Outcome, elapsed time.Duration) {
	if t.audit == nil {
		return
	}
	t.audit.Emit(types.KindPersonaPostProcessed, postProcessedPayload{
		Outcome:      outcome,
		Applied:      outcome == OutcomeApplied,
		InputChars:   len(original),
		OutputChars:  len(final),
		InputTokens:  t.countTokens(original),
		OutputTokens: t.countTokens(final),
		LatencyMs:    elapsed.Milliseconds(),
	})
}

func (t *Transform) countTokens(text string) int {
	if t.enc == nil || text == "" {
		return 0
	}
	return len(t.enc.Encode(text, nil, nil))
}

package engine

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/labclaw/internal/bus"
	"github.com/basket/labclaw/internal/persistence"
	"github.com/basket/labclaw/internal/tokenutil"
)

const fallbackSummary = "[History compacted due to length. Older messages were truncated.]"

const summarizerPrompt = `You compress research assistant sessions. Summarize the conversation you are given so the assistant can continue without it. Preserve:
- datasets, artifacts and their names
- statistical results with their exact numbers
- decisions, user preferences and constraints
- open tasks
Reply with the summary only.`

// CompactorConfig holds configuration for the Compactor.
type CompactorConfig struct {
	// ContextLimit overrides ContextLimitForModel(Provider, Model).
	ContextLimit int
	Provider     string
	Model        string
	// ThresholdRatio triggers compaction when estimated history tokens
	// exceed this share of the available context (default 0.75).
	ThresholdRatio float64
	// KeepRecent turns stay live (default 4).
	KeepRecent int
	// MinMessages is the message-count threshold passed to the store
	// (default 8).
	MinMessages int
}

// Compactor keeps session history within the model context window by
// summarizing old turns into the session summary.
type Compactor struct {
	store  *persistence.Store
	model  Model
	bus    *bus.Bus
	cfg    CompactorConfig
	logger *slog.Logger
}

// NewCompactor creates a Compactor. model may be nil, in which case the
// fallback summary is used; b may be nil.
func NewCompactor(store *persistence.Store, model Model, b *bus.Bus, cfg CompactorConfig, logger *slog.Logger) *Compactor {
	if cfg.ThresholdRatio <= 0 {
		cfg.ThresholdRatio = 0.75
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = 4
	}
	if cfg.MinMessages <= 0 {
		cfg.MinMessages = 8
	}
	if cfg.ContextLimit <= 0 {
		cfg.ContextLimit = ContextLimitForModel(cfg.Provider, cfg.Model)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: store, model: model, bus: b, cfg: cfg, logger: logger}
}

// CompactIfNeeded compacts the session when its estimated token count
// crosses the threshold. A result with Applied false means nothing changed.
func (c *Compactor) CompactIfNeeded(ctx context.Context, sessionID string) (persistence.CompressResult, error) {
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.CompressResult{}, err
	}
	history, err := c.store.History(ctx, sessionID)
	if err != nil {
		return persistence.CompressResult{}, err
	}
	tokens := tokenutil.EstimateTokens(sess.Summary) + historyTokens(history)
	available := availableTokens(c.cfg.ContextLimit)
	if float64(tokens) < float64(available)*c.cfg.ThresholdRatio {
		return persistence.CompressResult{
			MessageCount: persistence.MessageCount(history),
			Reason:       fmt.Sprintf("estimated %d tokens is below the compaction threshold", tokens),
		}, nil
	}
	c.logger.Info("engine: context limit approaching, compacting",
		"session_id", sessionID, "tokens", tokens, "limit", c.cfg.ContextLimit, "available", available)
	return c.Compact(ctx, sessionID, c.cfg.MinMessages, c.cfg.KeepRecent)
}

// Compact summarizes and archives all but keepRecent finished turns when
// the session holds at least threshold live messages. Below the threshold
// the store's rejection is returned and nothing is mutated.
func (c *Compactor) Compact(ctx context.Context, sessionID string, threshold, keepRecent int) (persistence.CompressResult, error) {
	if keepRecent < 0 {
		keepRecent = c.cfg.KeepRecent
	}
	sess, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return persistence.CompressResult{}, err
	}
	history, err := c.store.History(ctx, sessionID)
	if err != nil {
		return persistence.CompressResult{}, err
	}
	req := persistence.CompressRequest{Threshold: threshold, KeepRecent: keepRecent}
	if persistence.MessageCount(history) < threshold {
		return c.store.Compress(ctx, sessionID, req)
	}

	cut := len(history) - keepRecent
	if cut <= 0 {
		return c.store.Compress(ctx, sessionID, req)
	}
	req.Summary = c.summarize(ctx, sess.Summary, history[:cut])

	res, err := c.store.Compress(ctx, sessionID, req)
	if err != nil {
		return res, err
	}
	if res.Applied {
		c.logger.Info("engine: session compacted", "session_id", sessionID,
			"archived_turns", res.ArchivedTurns, "archived_messages", res.ArchivedMessages)
		c.bus.Publish(bus.TopicSessionCompressed, bus.CompressedNotice{SessionID: sessionID, ArchivedTurns: res.ArchivedTurns})
	}
	return res, nil
}

func (c *Compactor) summarize(ctx context.Context, previous string, turns []persistence.TurnRecord) string {
	if c.model == nil {
		return withFallback(previous)
	}
	var b strings.Builder
	if previous != "" {
		b.WriteString("Summary so far:\n")
		b.WriteString(previous)
		b.WriteString("\n\n")
	}
	b.WriteString("Conversation:\n")
	for _, tr := range turns {
		if tr.Status == persistence.TurnRunning {
			break
		}
		b.WriteString(transcript(tr))
	}
	resp, err := c.model.Generate(ctx, ModelRequest{
		System:  summarizerPrompt,
		History: []Message{{Role: RoleUser, Text: b.String()}},
	})
	if err != nil || resp == nil || strings.TrimSpace(resp.Text) == "" {
		c.logger.Warn("engine: compaction summary failed, falling back to truncation", "error", err)
		return withFallback(previous)
	}
	return strings.TrimSpace(resp.Text)
}

// withFallback keeps an earlier summary when a new one cannot be produced.
func withFallback(previous string) string {
	previous = strings.TrimSpace(previous)
	if previous == "" || strings.HasSuffix(previous, fallbackSummary) {
		return cmp.Or(previous, fallbackSummary)
	}
	return previous + "\n\n" + fallbackSummary
}

func transcript(tr persistence.TurnRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "user: %s\n", tr.UserMessage)
	for _, st := range tr.Steps {
		switch st.Kind {
		case persistence.StepText:
			fmt.Fprintf(&b, "assistant: %s\n", st.Text)
		case persistence.StepToolCall:
			fmt.Fprintf(&b, "tool call %s: %s\n", st.Skill, st.Args)
		case persistence.StepToolResult:
			fmt.Fprintf(&b, "tool result %s (%s): %s\n", st.Skill, st.Status, st.Payload)
		}
	}
	return b.String()
}

func historyTokens(history []persistence.TurnRecord) int {
	total := 0
	for _, tr := range history {
		total += tokenutil.EstimateTokens(tr.UserMessage)
		for _, st := range tr.Steps {
			total += tokenutil.Sum(st.Text, string(st.Args), string(st.Payload))
		}
	}
	return total
}

package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// SummarizeFunc produces a bounded summary of rendered transcript text.
// The router supplies one backed by the cheapest configured provider.
type SummarizeFunc func(ctx context.Context, transcript string, tokenBudget int) (string, error)

// Compressor replaces the older prefix of a transcript with a structured
// summary while keeping the recent window verbatim.
type Compressor struct {
	summarize    SummarizeFunc
	recentWindow int
	tokenBudget  int
	logger       *observability.Logger
}

// NewCompressor builds a compressor. recentWindow is the number of trailing
// messages kept verbatim; tokenBudget caps the summary size.
func NewCompressor(summarize SummarizeFunc, recentWindow, tokenBudget int, logger *observability.Logger) *Compressor {
	if recentWindow <= 0 {
		recentWindow = 5
	}
	if tokenBudget <= 0 {
		tokenBudget = 800
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &Compressor{
		summarize:    summarize,
		recentWindow: recentWindow,
		tokenBudget:  tokenBudget,
		logger:       logger,
	}
}

// ShouldCompress reports whether estimated usage crosses the threshold
// percentage of the provider context window.
func ShouldCompress(estimatedTokens, contextWindow, thresholdPercent int) bool {
	if contextWindow <= 0 {
		return false
	}
	return estimatedTokens*100 >= contextWindow*thresholdPercent
}

// Compress rewrites the transcript, returning the new transcript and whether
// anything changed. Re-running on an already-compressed transcript with no
// new messages is a no-op.
func (c *Compressor) Compress(ctx context.Context, sessionKey string, msgs []*models.Message) ([]*models.Message, bool, error) {
	split := len(msgs) - c.recentWindow
	if split <= 0 {
		return msgs, false, nil
	}

	// The window may not open on a tool result whose call sits in the
	// prefix. Widen the window until the boundary is pair-safe.
	for split > 0 && len(msgs[split].ToolResults) > 0 {
		split--
	}
	if split == 0 {
		return msgs, false, nil
	}
	if split == 1 && msgs[0].Summary {
		return msgs, false, nil
	}

	before := EstimateTranscript(msgs)
	prefix, window := msgs[:split], msgs[split:]

	summary, err := c.summarize(ctx, renderForSummary(prefix), c.tokenBudget)
	if err != nil {
		return nil, false, fmt.Errorf("summarize transcript prefix: %w", err)
	}

	synthetic := &models.Message{
		ID:        uuid.NewString(),
		SessionID: lastSessionID(msgs),
		Role:      models.RoleSystem,
		Content: fmt.Sprintf("Conversation summary (compressed from %d earlier messages):\n\n%s",
			len(prefix), strings.TrimSpace(summary)),
		Summary:   true,
		CreatedAt: time.Now().UTC(),
	}

	out := make([]*models.Message, 0, len(window)+1)
	out = append(out, synthetic)
	out = append(out, window...)

	after := EstimateTranscript(out)
	if after >= before {
		return nil, false, fmt.Errorf("compression did not shrink transcript (%d -> %d tokens)", before, after)
	}

	c.logger.Info("compressed transcript",
		"session", sessionKey,
		"dropped_messages", len(prefix),
		"tokens_before", before,
		"tokens_after", after)
	return out, true, nil
}

// renderForSummary flattens messages into plain text for the summarizer,
// folding a prior summary in so facts survive repeated compression.
func renderForSummary(msgs []*models.Message) string {
	var b strings.Builder
	b.WriteString("Summarize the following conversation into at most the requested token budget.\n")
	b.WriteString("Use exactly these sections: User profile facts, Active tasks, Prior decisions, Open items.\n")
	b.WriteString("Keep only information needed to continue the conversation.\n\n")
	for _, msg := range msgs {
		switch {
		case msg.Summary:
			b.WriteString("[earlier summary]\n")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		case len(msg.ToolCalls) > 0:
			for _, call := range msg.ToolCalls {
				fmt.Fprintf(&b, "%s called tool %s(%s)\n", msg.Role, call.Name, string(call.Input))
			}
			if msg.Content != "" {
				fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
			}
		case len(msg.ToolResults) > 0:
			for _, res := range msg.ToolResults {
				fmt.Fprintf(&b, "tool result (%s): %s\n", res.ToolCallID, res.Content)
			}
		default:
			fmt.Fprintf(&b, "%s: %s\n", msg.Role, msg.Content)
		}
	}
	return b.String()
}

func lastSessionID(msgs []*models.Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].SessionID != "" {
			return msgs[i].SessionID
		}
	}
	return ""
}

package memory

import "github.com/talon-ai/talon/pkg/models"

// Token estimation is a deliberate approximation (roughly 4 characters per
// token for English text). Estimates gate compression and provider selection
// only; billing-grade counts come from the providers themselves.
const charsPerToken = 4

// outputBudget and safetyMargin pad the pre-call estimate so a response that
// runs long does not blow the provider window.
const (
	outputBudget = 4096
	safetyMargin = 512
)

// EstimateTokens approximates the token count of a string.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// EstimateMessage approximates the token count of one transcript message,
// including serialized tool calls and results.
func EstimateMessage(msg *models.Message) int {
	n := EstimateTokens(msg.Content)
	for _, call := range msg.ToolCalls {
		n += EstimateTokens(call.Name) + EstimateTokens(string(call.Input))
	}
	for _, res := range msg.ToolResults {
		n += EstimateTokens(res.Content)
	}
	// Per-message framing overhead.
	return n + 4
}

// EstimateTranscript approximates the token count of a full transcript.
func EstimateTranscript(msgs []*models.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateMessage(m)
	}
	return total
}

// EstimateTurn approximates the full context a call will occupy: system
// prompt, transcript, expected output, and margin.
func EstimateTurn(systemPrompt string, msgs []*models.Message) int {
	return EstimateTokens(systemPrompt) + EstimateTranscript(msgs) + outputBudget + safetyMargin
}

package sessions

import (
	"time"

	"github.com/google/uuid"

	"github.com/talon-ai/talon/pkg/models"
)

// RepairTranscript restores the tool call/result pairing invariant after a
// crash or truncation. Every assistant tool call ends up with exactly one
// result before the next non-tool message, and results that match no call
// are dropped. Providers reject transcripts that violate the pairing.
func RepairTranscript(msgs []*models.Message) []*models.Message {
	out := make([]*models.Message, 0, len(msgs))
	pending := make(map[string]models.ToolCall)
	var pendingOrder []string

	flush := func(sessionID string) {
		if len(pendingOrder) == 0 {
			return
		}
		results := make([]models.ToolResult, 0, len(pendingOrder))
		for _, id := range pendingOrder {
			results = append(results, models.ToolResult{
				ToolCallID: id,
				Content:    "tool execution was interrupted before producing a result",
				IsError:    true,
			})
		}
		out = append(out, &models.Message{
			ID:          uuid.NewString(),
			SessionID:   sessionID,
			Role:        models.RoleTool,
			ToolResults: results,
			CreatedAt:   time.Now().UTC(),
		})
		pending = make(map[string]models.ToolCall)
		pendingOrder = nil
	}

	for _, msg := range msgs {
		if len(msg.ToolResults) > 0 {
			kept := msg.ToolResults[:0:0]
			for _, res := range msg.ToolResults {
				if _, ok := pending[res.ToolCallID]; !ok {
					continue
				}
				delete(pending, res.ToolCallID)
				pendingOrder = remove(pendingOrder, res.ToolCallID)
				kept = append(kept, res)
			}
			if len(kept) == 0 && msg.Content == "" {
				continue
			}
			clone := *msg
			clone.ToolResults = kept
			out = append(out, &clone)
			continue
		}

		// A non-result message while calls are outstanding means the run
		// died mid-tool. Close the gap with synthetic error results.
		flush(msg.SessionID)

		out = append(out, msg)
		for _, call := range msg.ToolCalls {
			pending[call.ID] = call
			pendingOrder = append(pendingOrder, call.ID)
		}
	}

	var sessionID string
	if len(msgs) > 0 {
		sessionID = msgs[len(msgs)-1].SessionID
	}
	flush(sessionID)
	return out
}

func remove(ids []string, id string) []string {
	for i, v := range ids {
		if v == id {
			return append(ids[:i], ids[i+1:]...)
		}
	}
	return ids
}

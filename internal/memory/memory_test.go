package memory

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/talon-ai/talon/pkg/models"
)

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestClassifyFieldStates(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    FileStatus
	}{
		{"all placeholders", "# User\n- **Name:** —\n- **Timezone:** TBD\n", StatusTemplateEmpty},
		{"all filled", "- **Name:** Alex\n- **Timezone:** UTC\n", StatusLoaded},
		{"mixed", "- **Name:** Alex\n- **Timezone:** —\n", StatusPartial},
		{"prose only", "# Soul\nBe warm and direct.\n", StatusLoaded},
		{"headings only", "# User Profile\n\n", StatusTemplateEmpty},
		{"dash placeholder", "- **Name:** -\n", StatusTemplateEmpty},
	}
	for _, tc := range cases {
		if got := classify(tc.content); got != tc.want {
			t.Errorf("%s: classify = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestEmptyWorkspaceYieldsDefaultPersona(t *testing.T) {
	ws := NewWorkspace(t.TempDir())
	prompt := BuildSystemPrompt(ws.Load())
	if prompt == "" {
		t.Fatal("system prompt is empty")
	}
	if !strings.Contains(prompt, "Talon") {
		t.Fatalf("default persona missing from prompt: %q", prompt)
	}
}

func TestMemoryFreshnessAcrossTurns(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)
	writeWorkspaceFile(t, dir, FileSoul, "You are a careful assistant.\n")
	writeWorkspaceFile(t, dir, FileUser, "- **Name:** —\n")

	first := BuildSystemPrompt(ws.Load())
	if strings.Contains(first, "About the User") {
		t.Fatal("template-empty user file leaked into prompt")
	}

	writeWorkspaceFile(t, dir, FileUser, "- **Name:** Alex\n")
	second := BuildSystemPrompt(ws.Load())
	if !strings.Contains(second, "About the User") || !strings.Contains(second, "Alex") {
		t.Fatalf("edited user file not reflected: %q", second)
	}
	if first == second {
		t.Fatal("prompt unchanged after workspace edit")
	}
}

func TestBootstrapSwitchesToFirstRunPrompt(t *testing.T) {
	dir := t.TempDir()
	ws := NewWorkspace(dir)
	writeWorkspaceFile(t, dir, FileBootstrap, "Ask about preferred channels.\n")

	prompt := BuildSystemPrompt(ws.Load())
	if !strings.Contains(prompt, "## First Run") {
		t.Fatal("bootstrap file did not trigger first-run prompt")
	}
	if !strings.Contains(prompt, "Ask about preferred channels.") {
		t.Fatal("bootstrap content missing from prompt")
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty estimate = %d", got)
	}
	if got := EstimateTokens("abcd"); got != 1 {
		t.Fatalf("4 chars = %d tokens", got)
	}
	if got := EstimateTokens("abcde"); got != 2 {
		t.Fatalf("5 chars = %d tokens", got)
	}
}

func TestShouldCompress(t *testing.T) {
	if ShouldCompress(79, 100, 80) {
		t.Fatal("compressed below threshold")
	}
	if !ShouldCompress(80, 100, 80) {
		t.Fatal("did not compress at threshold")
	}
	if ShouldCompress(1000, 0, 80) {
		t.Fatal("compressed with unknown window")
	}
}

func stubSummarizer(summary string) SummarizeFunc {
	return func(context.Context, string, int) (string, error) {
		return summary, nil
	}
}

func longTranscript(n int) []*models.Message {
	msgs := make([]*models.Message, 0, n)
	for i := 0; i < n; i++ {
		msgs = append(msgs, &models.Message{
			ID:        fmt.Sprintf("m%d", i),
			SessionID: "s1",
			Role:      models.RoleUser,
			Content:   strings.Repeat("the quick brown fox ", 20),
		})
	}
	return msgs
}

func TestCompressKeepsRecentWindowVerbatim(t *testing.T) {
	c := NewCompressor(stubSummarizer("User profile facts: none."), 5, 800, nil)
	msgs := longTranscript(12)

	out, changed, err := c.Compress(context.Background(), "k", msgs)
	if err != nil || !changed {
		t.Fatalf("compress: changed=%v err=%v", changed, err)
	}
	if len(out) != 6 {
		t.Fatalf("expected summary + 5 messages, got %d", len(out))
	}
	if !out[0].Summary || out[0].Role != models.RoleSystem {
		t.Fatalf("head is not a summary message: %+v", out[0])
	}
	for i := 0; i < 5; i++ {
		if out[i+1] != msgs[7+i] {
			t.Fatalf("recent window message %d replaced", i)
		}
	}
}

func TestCompressIsIdempotent(t *testing.T) {
	c := NewCompressor(stubSummarizer("facts"), 5, 800, nil)
	out, changed, err := c.Compress(context.Background(), "k", longTranscript(12))
	if err != nil || !changed {
		t.Fatalf("first compress: changed=%v err=%v", changed, err)
	}

	again, changed, err := c.Compress(context.Background(), "k", out)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Fatal("second compress rewrote an already-compressed transcript")
	}
	if len(again) != len(out) {
		t.Fatalf("transcript length changed: %d -> %d", len(out), len(again))
	}
}

func TestCompressNeverSplitsToolPairs(t *testing.T) {
	msgs := longTranscript(6)
	msgs = append(msgs,
		&models.Message{
			ID: "a1", SessionID: "s1", Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "c1", Name: "shell", Input: []byte(`{}`)}},
		},
		&models.Message{
			ID: "t1", SessionID: "s1", Role: models.RoleTool,
			ToolResults: []models.ToolResult{{ToolCallID: "c1", Content: "ok"}},
		},
	)
	msgs = append(msgs, longTranscript(4)...)

	// recentWindow 5 would open the window on the result message; the
	// boundary must widen to keep the pair together.
	c := NewCompressor(stubSummarizer("facts"), 5, 800, nil)
	out, changed, err := c.Compress(context.Background(), "k", msgs)
	if err != nil || !changed {
		t.Fatalf("compress: changed=%v err=%v", changed, err)
	}

	for i, msg := range out {
		for _, res := range msg.ToolResults {
			found := false
			for j := 1; j < i; j++ {
				for _, call := range out[j].ToolCalls {
					if call.ID == res.ToolCallID {
						found = true
					}
				}
			}
			if !found {
				t.Fatalf("result %s split from its call", res.ToolCallID)
			}
		}
	}
}

func TestCompressFailsWhenSummaryDoesNotShrink(t *testing.T) {
	huge := strings.Repeat("padding ", 4000)
	c := NewCompressor(stubSummarizer(huge), 2, 800, nil)
	msgs := longTranscript(4)

	if _, _, err := c.Compress(context.Background(), "k", msgs); err == nil {
		t.Fatal("expected error when transcript does not shrink")
	}
}

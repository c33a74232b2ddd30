package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/internal/memory"
)

// RememberTool appends durable facts to the workspace memory file. Facts
// written here enter the system prompt on the very next turn.
type RememberTool struct {
	workspace *memory.Workspace
}

// NewRememberTool builds the memory writer.
func NewRememberTool(ws *memory.Workspace) *RememberTool {
	return &RememberTool{workspace: ws}
}

func (t *RememberTool) Name() string { return "remember" }
func (t *RememberTool) Description() string {
	return "Save a durable fact about the user or an ongoing task to long-term memory."
}
func (t *RememberTool) Category() string { return "memory" }

func (t *RememberTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"fact": {"type": "string", "minLength": 1, "description": "One self-contained fact worth keeping."}
		},
		"required": ["fact"],
		"additionalProperties": false
	}`)
}

func (t *RememberTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Fact string `json:"fact"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	fact := strings.TrimSpace(in.Fact)
	if fact == "" {
		return nil, &agent.ToolError{Code: agent.ToolCodeArgValidation, Message: "fact is required"}
	}
	// Multi-line facts would break the bullet-list format.
	fact = strings.ReplaceAll(fact, "\n", " ")

	path := t.workspace.MemoryPath()
	if err := os.MkdirAll(t.workspace.Root(), 0o755); err != nil {
		return nil, fmt.Errorf("create workspace: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open memory file: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat memory file: %w", err)
	}
	if info.Size() == 0 {
		if _, err := f.WriteString("# Long-Term Memory\n\n"); err != nil {
			return nil, fmt.Errorf("write memory header: %w", err)
		}
	}

	line := fmt.Sprintf("- %s (%s)\n", fact, time.Now().UTC().Format("2006-01-02"))
	if _, err := f.WriteString(line); err != nil {
		return nil, fmt.Errorf("append memory: %w", err)
	}

	return map[string]any{"saved": true, "fact": fact}, nil
}

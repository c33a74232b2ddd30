package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/internal/config"
)

// maxShellOutputBytes caps each captured stream.
const maxShellOutputBytes = 32 * 1024

// ShellTool runs shell commands with a configured block list and timeout.
type ShellTool struct {
	block   []string
	timeout time.Duration
	workdir string
}

// NewShellTool builds the shell tool from config. Block entries match as
// whole tokens anywhere in the command line.
func NewShellTool(cfg config.ShellToolConfig, workdir string) *ShellTool {
	timeout := time.Duration(cfg.Timeout)
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	block := make([]string, 0, len(cfg.Block))
	for _, b := range cfg.Block {
		if b = strings.TrimSpace(b); b != "" {
			block = append(block, b)
		}
	}
	return &ShellTool{block: block, timeout: timeout, workdir: workdir}
}

func (t *ShellTool) Name() string        { return "shell" }
func (t *ShellTool) Description() string { return "Run a shell command and capture its output." }
func (t *ShellTool) Category() string    { return "system" }

func (t *ShellTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"command": {"type": "string", "description": "Shell command line to execute."},
			"timeoutSeconds": {"type": "integer", "minimum": 0, "description": "Override the default timeout."}
		},
		"required": ["command"],
		"additionalProperties": false
	}`)
}

// blocked reports the first block-list entry the command line hits.
func (t *ShellTool) blocked(command string) (string, bool) {
	fields := strings.Fields(command)
	for _, entry := range t.block {
		for _, field := range fields {
			if field == entry || strings.HasSuffix(field, "/"+entry) {
				return entry, true
			}
		}
	}
	return "", false
}

func (t *ShellTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeoutSeconds"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}
	command := strings.TrimSpace(in.Command)
	if command == "" {
		return nil, &agent.ToolError{Code: agent.ToolCodeArgValidation, Message: "command is required"}
	}

	if entry, hit := t.blocked(command); hit {
		return nil, &agent.ToolError{
			Code:    agent.ToolCodeBlocked,
			Message: fmt.Sprintf("command uses blocked program %q", entry),
		}
	}

	timeout := t.timeout
	if in.TimeoutSeconds > 0 {
		timeout = time.Duration(in.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "/bin/sh", "-c", command)
	cmd.Dir = t.workdir
	// With in-memory pipes, Run waits for the write ends to close. A
	// killed shell can leave children holding them, so force Wait to
	// return shortly after the context fires.
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if runCtx.Err() == context.DeadlineExceeded {
		return nil, &agent.ToolError{
			Code:    agent.ToolCodeTimeout,
			Message: fmt.Sprintf("command exceeded %s", timeout),
		}
	}

	exitCode := 0
	if err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			return nil, fmt.Errorf("start command: %w", err)
		}
	}

	return map[string]any{
		"exitCode":   exitCode,
		"stdout":     capString(stdout.String(), maxShellOutputBytes),
		"stderr":     capString(stderr.String(), maxShellOutputBytes),
		"durationMs": elapsed.Milliseconds(),
	}, nil
}

func capString(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "\n...[output truncated]"
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/talon-ai/talon/internal/config"
)

// maxReadBytes caps a single read_file result before envelope truncation
// would kick in anyway.
const maxReadBytes = 64 * 1024

// ReadFileTool reads files under the allowed directories.
type ReadFileTool struct {
	resolver *resolver
}

// WriteFileTool writes files under the allowed directories.
type WriteFileTool struct {
	resolver *resolver
}

// NewFileTools builds the read/write pair from config. The workspace root is
// always allowed in addition to any configured paths.
func NewFileTools(cfg config.FileToolConfig, workspaceRoot string) (*ReadFileTool, *WriteFileTool, error) {
	roots := append([]string{workspaceRoot}, cfg.AllowedPaths...)
	res, err := newResolver(roots)
	if err != nil {
		return nil, nil, err
	}
	return &ReadFileTool{resolver: res}, &WriteFileTool{resolver: res}, nil
}

func (t *ReadFileTool) Name() string        { return "read_file" }
func (t *ReadFileTool) Description() string { return "Read a text file from an allowed directory." }
func (t *ReadFileTool) Category() string    { return "files" }

func (t *ReadFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative paths resolve against the workspace."},
			"offset": {"type": "integer", "minimum": 0, "description": "Byte offset to start reading from."},
			"maxBytes": {"type": "integer", "minimum": 0, "description": "Cap on bytes returned."}
		},
		"required": ["path"],
		"additionalProperties": false
	}`)
}

func (t *ReadFileTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Path     string `json:"path"`
		Offset   int64  `json:"offset"`
		MaxBytes int    `json:"maxBytes"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	resolved, err := t.resolver.resolve(in.Path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", in.Path, err)
	}
	if in.Offset > 0 {
		if _, err := f.Seek(in.Offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s: %w", in.Path, err)
		}
	}

	limit := maxReadBytes
	if in.MaxBytes > 0 && in.MaxBytes < limit {
		limit = in.MaxBytes
	}
	buf, err := io.ReadAll(io.LimitReader(f, int64(limit)))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", in.Path, err)
	}

	return map[string]any{
		"path":      in.Path,
		"content":   string(buf),
		"bytes":     len(buf),
		"truncated": in.Offset+int64(len(buf)) < info.Size(),
	}, nil
}

func (t *WriteFileTool) Name() string { return "write_file" }
func (t *WriteFileTool) Description() string {
	return "Write or append a text file in an allowed directory."
}
func (t *WriteFileTool) Category() string { return "files" }

func (t *WriteFileTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"path": {"type": "string", "description": "File path, relative paths resolve against the workspace."},
			"content": {"type": "string", "description": "Content to write."},
			"append": {"type": "boolean", "description": "Append instead of overwrite."}
		},
		"required": ["path", "content"],
		"additionalProperties": false
	}`)
}

func (t *WriteFileTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	var in struct {
		Path    string `json:"path"`
		Content string `json:"content"`
		Append  bool   `json:"append"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, fmt.Errorf("decode arguments: %w", err)
	}

	resolved, err := t.resolver.resolve(in.Path)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return nil, fmt.Errorf("create parent directory: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if in.Append {
		flags = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	f, err := os.OpenFile(resolved, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", in.Path, err)
	}
	defer f.Close()

	n, err := f.WriteString(in.Content)
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", in.Path, err)
	}

	return map[string]any{
		"path":     in.Path,
		"bytes":    n,
		"appended": in.Append,
	}, nil
}

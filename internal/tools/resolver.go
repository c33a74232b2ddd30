// Package tools provides the built-in capabilities exposed to the model:
// workspace file access, shell execution, and long-term memory writes. Every
// tool implements agent.Tool and returns structured data for the result
// envelope; policy violations surface as coded errors the model can read.
package tools

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/talon-ai/talon/internal/agent"
)

// resolver validates paths against a set of allowed roots. The first root is
// the base for relative paths.
type resolver struct {
	roots []string
}

func newResolver(roots []string) (*resolver, error) {
	if len(roots) == 0 {
		return nil, fmt.Errorf("at least one allowed path is required")
	}
	abs := make([]string, 0, len(roots))
	for _, r := range roots {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		a, err := filepath.Abs(r)
		if err != nil {
			return nil, fmt.Errorf("resolve allowed path %q: %w", r, err)
		}
		abs = append(abs, filepath.Clean(a))
	}
	if len(abs) == 0 {
		return nil, fmt.Errorf("at least one allowed path is required")
	}
	return &resolver{roots: abs}, nil
}

// resolve returns an absolute cleaned path if it lies under one of the
// allowed roots. Escapes are policy violations, not filesystem errors.
func (r *resolver) resolve(path string) (string, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return "", &agent.ToolError{Code: agent.ToolCodeArgValidation, Message: "path is required"}
	}

	var target string
	if filepath.IsAbs(clean) {
		target = filepath.Clean(clean)
	} else {
		target = filepath.Join(r.roots[0], clean)
	}
	targetAbs, err := filepath.Abs(target)
	if err != nil {
		return "", fmt.Errorf("resolve path: %w", err)
	}

	for _, root := range r.roots {
		rel, err := filepath.Rel(root, targetAbs)
		if err != nil {
			continue
		}
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
			continue
		}
		return targetAbs, nil
	}
	return "", &agent.ToolError{
		Code:    agent.ToolCodeBlocked,
		Message: fmt.Sprintf("path %q is outside the allowed directories", path),
	}
}

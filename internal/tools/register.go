package tools

import (
	"fmt"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/memory"
)

// RegisterAll installs the built-in tools gated by config. The remember tool
// is always available; file and shell tools honor their enabled flags.
func RegisterAll(reg *agent.ToolRegistry, cfg config.ToolsConfig, ws *memory.Workspace) error {
	if err := reg.Register(NewRememberTool(ws)); err != nil {
		return fmt.Errorf("register remember: %w", err)
	}

	if cfg.File.Enabled {
		readTool, writeTool, err := NewFileTools(cfg.File, ws.Root())
		if err != nil {
			return fmt.Errorf("build file tools: %w", err)
		}
		if err := reg.Register(readTool); err != nil {
			return fmt.Errorf("register read_file: %w", err)
		}
		if err := reg.Register(writeTool); err != nil {
			return fmt.Errorf("register write_file: %w", err)
		}
	}

	if cfg.Shell.Enabled {
		if err := reg.Register(NewShellTool(cfg.Shell, ws.Root())); err != nil {
			return fmt.Errorf("register shell: %w", err)
		}
	}
	return nil
}

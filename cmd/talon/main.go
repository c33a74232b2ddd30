// Package main provides the CLI entry point for the Talon personal AI gateway.
//
// Talon connects messaging channels (Telegram, local CLI, WebSocket clients)
// to LLM providers with tool execution, persistent sessions, and scheduled
// wakeups, all behind a single authenticated HTTP/WS gateway.
//
// # Basic Usage
//
// Start the gateway:
//
//	talon serve --config talon.yaml
//
// Inspect a running gateway:
//
//	talon health
//	talon status
//	talon reset-session telegram:dm:12345
//
// # Environment Variables
//
//   - TALON_CONFIG: Path to configuration file (default: talon.yaml)
//   - TALON_GATEWAY_TOKEN: Gateway auth token, also used by admin commands
//   - ANTHROPIC_API_KEY / OPENAI_API_KEY: Provider credentials
//   - TELEGRAM_BOT_TOKEN: Telegram bot token
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags.
var (
	version = "dev"
	commit  = "none"
)

// Exit codes for scripting: 1 covers startup and request failures,
// 2 means the gateway is not running, 3 means it rejected our credentials.
const (
	exitFailure    = 1
	exitNotRunning = 2
	exitAuthDenied = 3
)

func main() {
	root := &cobra.Command{
		Use:           "talon",
		Short:         "Personal AI assistant gateway",
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		buildServeCmd(),
		buildHealthCmd(),
		buildStatusCmd(),
		buildResetSessionCmd(),
		buildReloadCmd(),
		buildShutdownCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(exitCodeFor(err))
	}
}

func exitCodeFor(err error) int {
	var reqErr *requestError
	if errors.As(err, &reqErr) {
		switch {
		case reqErr.notRunning:
			return exitNotRunning
		case reqErr.authDenied:
			return exitAuthDenied
		}
	}
	return exitFailure
}

func defaultConfigPath() string {
	if path := os.Getenv("TALON_CONFIG"); path != "" {
		return path
	}
	return "talon.yaml"
}

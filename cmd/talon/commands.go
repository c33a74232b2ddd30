package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/talon-ai/talon/internal/daemon"
)

// buildServeCmd creates the "serve" command that runs the gateway process.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the Talon gateway",
		Long: `Start the Talon gateway with all configured channels, tools, and
providers. The process runs until it receives SIGINT/SIGTERM or an
admin shutdown request, then drains in-flight turns and exits.`,
		Example: `  # Start with default config
  talon serve

  # Start with a specific config
  talon serve --config /etc/talon/talon.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(),
		"Path to the configuration file (YAML or JSON5)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	d := daemon.New(configPath, daemon.WithVersion(version))

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := d.Boot(ctx); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	select {
	case <-ctx.Done():
	case <-d.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	return d.Shutdown(shutdownCtx)
}

// adminFlags are shared by every command that talks to a running gateway.
type adminFlags struct {
	url   string
	token string
}

func (f *adminFlags) install(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.url, "url", "http://127.0.0.1:18789",
		"Base URL of the running gateway")
	cmd.Flags().StringVar(&f.token, "token", os.Getenv("TALON_GATEWAY_TOKEN"),
		"Gateway auth token (defaults to TALON_GATEWAY_TOKEN)")
}

func (f *adminFlags) client() (*apiClient, error) {
	if _, err := url.Parse(f.url); err != nil {
		return nil, fmt.Errorf("invalid gateway url %q: %w", f.url, err)
	}
	return newAPIClient(f.url, f.token), nil
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Stats         struct {
		Sessions  int `json:"sessions"`
		WSClients int `json:"wsClients"`
	} `json:"stats"`
}

func buildHealthCmd() *cobra.Command {
	var flags adminFlags
	cmd := &cobra.Command{
		Use:   "health",
		Short: "Check gateway liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var health healthResponse
			if err := client.getJSON(cmd.Context(), "/api/health", &health); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (version %s, up %s)\n",
				health.Status, health.Version, (time.Duration(health.UptimeSeconds) * time.Second).String())
			return nil
		},
	}
	flags.install(cmd)
	return cmd
}

type sessionSummary struct {
	Key          string `json:"key"`
	ID           string `json:"id"`
	Channel      string `json:"channel"`
	State        string `json:"state"`
	MessageCount int    `json:"messageCount"`
	Tokens       int    `json:"tokens"`
}

func buildStatusCmd() *cobra.Command {
	var flags adminFlags
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show gateway health and active sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			var health healthResponse
			if err := client.getJSON(cmd.Context(), "/api/health", &health); err != nil {
				return err
			}
			fmt.Fprintf(out, "Gateway: %s (version %s, up %s)\n",
				health.Status, health.Version, (time.Duration(health.UptimeSeconds) * time.Second).String())
			fmt.Fprintf(out, "WebSocket clients: %d\n", health.Stats.WSClients)

			var list []sessionSummary
			if err := client.getJSON(cmd.Context(), "/api/sessions", &list); err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Fprintln(out, "Sessions: none")
				return nil
			}
			fmt.Fprintf(out, "Sessions (%d):\n", len(list))
			for _, sess := range list {
				fmt.Fprintf(out, "  %-30s %-8s %-10s msgs=%d tokens=%d\n",
					sess.Key, sess.Channel, sess.State, sess.MessageCount, sess.Tokens)
			}
			return nil
		},
	}
	flags.install(cmd)
	return cmd
}

func buildResetSessionCmd() *cobra.Command {
	var flags adminFlags
	cmd := &cobra.Command{
		Use:   "reset-session KEY",
		Short: "Reset a session's transcript and state",
		Example: `  talon reset-session telegram:dm:12345
  talon reset-session cli:local`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			var result struct {
				Key string `json:"key"`
				ID  string `json:"id"`
			}
			path := "/api/sessions/" + url.PathEscape(args[0]) + "/reset"
			if err := client.postJSON(cmd.Context(), path, &result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Session %s reset (new id %s)\n", result.Key, result.ID)
			return nil
		},
	}
	flags.install(cmd)
	return cmd
}

func buildReloadCmd() *cobra.Command {
	var flags adminFlags
	cmd := &cobra.Command{
		Use:   "reload",
		Short: "Reload the gateway configuration in place",
		Long: `Ask the running gateway to re-read its config file and apply every
change that can take effect live. Changes to the listener, auth, channel
credentials, or the session driver are logged and deferred to the next
restart.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			if err := client.postJSON(cmd.Context(), "/api/admin/reload", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration reloaded.")
			return nil
		},
	}
	flags.install(cmd)
	return cmd
}

func buildShutdownCmd() *cobra.Command {
	var flags adminFlags
	cmd := &cobra.Command{
		Use:   "shutdown",
		Short: "Gracefully stop the running gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := flags.client()
			if err != nil {
				return err
			}
			if err := client.postJSON(cmd.Context(), "/api/admin/shutdown", nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Shutdown requested.")
			return nil
		},
	}
	flags.install(cmd)
	return cmd
}

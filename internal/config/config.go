// Package config loads, validates, and diffs the gateway configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"sort"
	"strings"
	"time"
)

// Config is the root configuration document.
type Config struct {
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
	Gateway   GatewayConfig   `yaml:"gateway" json:"gateway"`
	Channels  ChannelsConfig  `yaml:"channels" json:"channels"`
	Tools     ToolsConfig     `yaml:"tools" json:"tools"`
	Workspace WorkspaceConfig `yaml:"workspace" json:"workspace"`
	Memory    MemoryConfig    `yaml:"memory" json:"memory"`
	Sessions  SessionsConfig  `yaml:"sessions" json:"sessions"`
	Cron      []CronEntry     `yaml:"cron" json:"cron"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
	Tracing   TracingConfig   `yaml:"tracing" json:"tracing"`
}

// AgentConfig selects the model, the provider list, and loop bounds.
type AgentConfig struct {
	Model         string                    `yaml:"model" json:"model"`
	SubagentModel string                    `yaml:"subagentModel" json:"subagentModel"`
	MaxIterations int                       `yaml:"maxIterations" json:"maxIterations"`
	Temperature   float32                   `yaml:"temperature" json:"temperature"`
	Providers     map[string]ProviderConfig `yaml:"providers" json:"providers"`
}

// ProviderConfig describes one LLM endpoint. Lower priority is tried first.
type ProviderConfig struct {
	APIKey            string   `yaml:"apiKey" json:"apiKey"`
	BaseURL           string   `yaml:"baseUrl" json:"baseUrl"`
	APIShape          string   `yaml:"apiShape" json:"apiShape"`
	Priority          int      `yaml:"priority" json:"priority"`
	Models            []string `yaml:"models" json:"models"`
	ContextWindow     int      `yaml:"contextWindow" json:"contextWindow"`
	SupportsStreaming *bool    `yaml:"supportsStreaming,omitempty" json:"supportsStreaming,omitempty"`
	SupportsTools     *bool    `yaml:"supportsTools,omitempty" json:"supportsTools,omitempty"`
}

// API shapes the router understands. The closed set mirrors the provider
// wire contracts: chat-completions, messages-array, and the credential-free
// variant that rejects requests carrying an authorization header.
const (
	ShapeOpenAIChat        = "openai-chat"
	ShapeAnthropicMessages = "anthropic-messages"
	ShapeCustomNoAuth      = "custom-noauth"
)

// GatewayConfig configures the HTTP/WS listener.
type GatewayConfig struct {
	Host string     `yaml:"host" json:"host"`
	Port int        `yaml:"port" json:"port"`
	Auth AuthConfig `yaml:"auth" json:"auth"`
}

// AuthConfig selects the control-plane auth mode.
type AuthConfig struct {
	Mode     string `yaml:"mode" json:"mode"` // none | token | password
	Token    string `yaml:"token" json:"token"`
	Password string `yaml:"password" json:"password"`
}

// ChannelsConfig enables transports.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram" json:"telegram"`
	CLI      CLIConfig      `yaml:"cli" json:"cli"`
}

// TelegramConfig configures the Telegram adapter.
type TelegramConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
	// BotToken comes from @BotFather; usually referenced as ${TELEGRAM_BOT_TOKEN}.
	BotToken string `yaml:"botToken" json:"botToken"`
	// GroupActivation is "mention" (default) or "always".
	GroupActivation string `yaml:"groupActivation" json:"groupActivation"`
	// GroupSessions is "shared" (default, one transcript per group) or
	// "per-sender" (each sender gets their own transcript in the group).
	GroupSessions string `yaml:"groupSessions" json:"groupSessions"`
}

// CLIConfig configures the local stdin/stdout channel.
type CLIConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

// ToolsConfig carries per-category tool policy.
type ToolsConfig struct {
	// Timeout bounds any single tool call. Zero means the registry
	// default. The shell tool applies its own tighter policy on top.
	Timeout Duration        `yaml:"timeout" json:"timeout"`
	Shell   ShellToolConfig `yaml:"shell" json:"shell"`
	File    FileToolConfig  `yaml:"file" json:"file"`
}

// ShellToolConfig gates shell execution.
type ShellToolConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Block   []string `yaml:"block" json:"block"`
	Timeout Duration `yaml:"timeout" json:"timeout"`
}

// FileToolConfig gates filesystem tools.
type FileToolConfig struct {
	Enabled      bool     `yaml:"enabled" json:"enabled"`
	AllowedPaths []string `yaml:"allowedPaths" json:"allowedPaths"`
}

// WorkspaceConfig points at the persona/user/identity/memory files.
type WorkspaceConfig struct {
	Root string `yaml:"root" json:"root"`
}

// MemoryConfig bounds transcript growth.
type MemoryConfig struct {
	SummaryThresholdPercent int `yaml:"summaryThresholdPercent" json:"summaryThresholdPercent"`
	RecentWindow            int `yaml:"recentWindow" json:"recentWindow"`
	SummaryTokenBudget      int `yaml:"summaryTokenBudget" json:"summaryTokenBudget"`
}

// SessionsConfig controls the session store.
type SessionsConfig struct {
	IdleTTL Duration `yaml:"idleTTL" json:"idleTTL"`
	Driver  string   `yaml:"driver" json:"driver"` // memory | sqlite
	Path    string   `yaml:"path" json:"path"`     // sqlite database file
}

// CronEntry injects a synthetic user message on a schedule.
type CronEntry struct {
	Name     string `yaml:"name" json:"name"`
	Schedule string `yaml:"schedule" json:"schedule"`
	Message  string `yaml:"message" json:"message"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// TracingConfig configures OTLP export. Empty endpoint disables tracing.
type TracingConfig struct {
	Endpoint string `yaml:"endpoint" json:"endpoint"`
}

// Duration parses "30s"-style strings from YAML/JSON.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	return d.parse(s)
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	return d.parse(s)
}

func (d *Duration) parse(s string) error {
	if s == "" {
		*d = 0
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func applyDefaults(cfg *Config) {
	if cfg.Agent.MaxIterations == 0 {
		cfg.Agent.MaxIterations = 10
	}
	if cfg.Agent.Temperature == 0 {
		cfg.Agent.Temperature = 0.7
	}
	if cfg.Gateway.Host == "" {
		cfg.Gateway.Host = "127.0.0.1"
	}
	if cfg.Gateway.Port == 0 {
		cfg.Gateway.Port = 18789
	}
	if cfg.Gateway.Auth.Mode == "" {
		cfg.Gateway.Auth.Mode = "token"
	}
	if cfg.Gateway.Auth.Token == "" {
		cfg.Gateway.Auth.Token = os.Getenv("TALON_GATEWAY_TOKEN")
	}
	if cfg.Channels.Telegram.GroupActivation == "" {
		cfg.Channels.Telegram.GroupActivation = "mention"
	}
	if cfg.Channels.Telegram.GroupSessions == "" {
		cfg.Channels.Telegram.GroupSessions = "shared"
	}
	if cfg.Memory.SummaryThresholdPercent == 0 {
		cfg.Memory.SummaryThresholdPercent = 80
	}
	if cfg.Memory.RecentWindow == 0 {
		cfg.Memory.RecentWindow = 5
	}
	if cfg.Memory.SummaryTokenBudget == 0 {
		cfg.Memory.SummaryTokenBudget = 800
	}
	if cfg.Sessions.IdleTTL == 0 {
		cfg.Sessions.IdleTTL = Duration(24 * time.Hour)
	}
	if cfg.Sessions.Driver == "" {
		cfg.Sessions.Driver = "memory"
	}
	if cfg.Tools.Shell.Timeout == 0 {
		cfg.Tools.Shell.Timeout = Duration(30 * time.Second)
	}
	if cfg.Workspace.Root == "" {
		cfg.Workspace.Root = defaultWorkspaceRoot()
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func defaultWorkspaceRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "workspace"
	}
	return home + "/.talon/workspace"
}

// Validate enforces cross-field constraints that the schema cannot express.
func Validate(cfg *Config) error {
	switch cfg.Gateway.Auth.Mode {
	case "none":
		if !isLoopbackHost(cfg.Gateway.Host) {
			return fmt.Errorf("gateway.auth.mode \"none\" requires a loopback host, got %q", cfg.Gateway.Host)
		}
	case "token":
		if cfg.Gateway.Auth.Token == "" {
			return fmt.Errorf("gateway.auth.mode \"token\" requires gateway.auth.token or TALON_GATEWAY_TOKEN")
		}
	case "password":
		if cfg.Gateway.Auth.Password == "" {
			return fmt.Errorf("gateway.auth.mode \"password\" requires gateway.auth.password")
		}
	default:
		return fmt.Errorf("unknown gateway.auth.mode %q", cfg.Gateway.Auth.Mode)
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken == "" {
		return fmt.Errorf("channels.telegram.enabled requires channels.telegram.botToken (set TELEGRAM_BOT_TOKEN)")
	}

	if len(cfg.Agent.Providers) == 0 {
		return fmt.Errorf("agent.providers must configure at least one provider")
	}
	for id, p := range cfg.Agent.Providers {
		switch p.APIShape {
		case ShapeOpenAIChat, ShapeAnthropicMessages, ShapeCustomNoAuth:
		case "":
			return fmt.Errorf("agent.providers.%s.apiShape is required", id)
		default:
			return fmt.Errorf("agent.providers.%s.apiShape %q is not supported", id, p.APIShape)
		}
		if p.APIShape != ShapeCustomNoAuth && p.APIKey == "" {
			return fmt.Errorf("agent.providers.%s.apiKey is required for shape %s", id, p.APIShape)
		}
		if p.APIShape == ShapeCustomNoAuth && p.BaseURL == "" {
			return fmt.Errorf("agent.providers.%s.baseUrl is required for shape %s", id, p.APIShape)
		}
	}

	for i, entry := range cfg.Cron {
		if entry.Schedule == "" || entry.Message == "" {
			return fmt.Errorf("cron[%d] requires both schedule and message", i)
		}
	}
	return nil
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// ProviderOrder returns provider ids sorted by ascending priority, with the
// id as tiebreaker so ordering is deterministic.
func (a AgentConfig) ProviderOrder() []string {
	ids := make([]string, 0, len(a.Providers))
	for id := range a.Providers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		pi, pj := a.Providers[ids[i]].Priority, a.Providers[ids[j]].Priority
		if pi != pj {
			return pi < pj
		}
		return ids[i] < ids[j]
	})
	return ids
}

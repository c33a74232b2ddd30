package providers

import (
	"fmt"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/internal/config"
)

// FromConfig builds the provider list from the agent config, one provider
// per configured endpoint. No network is opened here; construction only
// prepares clients.
func FromConfig(cfg config.AgentConfig) ([]agent.Provider, error) {
	out := make([]agent.Provider, 0, len(cfg.Providers))

	for _, id := range cfg.ProviderOrder() {
		pc := cfg.Providers[id]
		defaultModel := cfg.Model
		if len(pc.Models) > 0 {
			defaultModel = pc.Models[0]
		}

		var (
			p   agent.Provider
			err error
		)
		switch pc.APIShape {
		case config.ShapeAnthropicMessages:
			p, err = NewAnthropicProvider(AnthropicConfig{
				Name:              id,
				APIKey:            pc.APIKey,
				BaseURL:           pc.BaseURL,
				DefaultModel:      defaultModel,
				Priority:          pc.Priority,
				ContextWindow:     pc.ContextWindow,
				SupportsStreaming: boolOr(pc.SupportsStreaming, true),
				SupportsTools:     boolOr(pc.SupportsTools, true),
			})

		case config.ShapeOpenAIChat, config.ShapeCustomNoAuth:
			p, err = NewOpenAIProvider(OpenAIConfig{
				Name:              id,
				APIKey:            pc.APIKey,
				BaseURL:           pc.BaseURL,
				DefaultModel:      defaultModel,
				Priority:          pc.Priority,
				ContextWindow:     pc.ContextWindow,
				SupportsStreaming: boolOr(pc.SupportsStreaming, true),
				SupportsTools:     boolOr(pc.SupportsTools, true),
				NoAuth:            pc.APIShape == config.ShapeCustomNoAuth,
			})

		default:
			err = fmt.Errorf("unsupported api shape %q", pc.APIShape)
		}
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", id, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

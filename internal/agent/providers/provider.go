// Package providers implements the LLM endpoint integrations behind the
// router: Anthropic's messages API, OpenAI-compatible chat completions, and
// the credential-free chat variant.
package providers

// info carries the routing metadata shared by every provider implementation.
// Values come from the provider's config entry.
type info struct {
	name      string
	priority  int
	window    int
	streaming bool
	tools     bool
}

func (i info) Name() string            { return i.name }
func (i info) Priority() int           { return i.priority }
func (i info) ContextWindow() int      { return i.window }
func (i info) SupportsStreaming() bool { return i.streaming }
func (i info) SupportsTools() bool     { return i.tools }

package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/talon-ai/talon/internal/agent"
	"github.com/talon-ai/talon/pkg/models"
)

// OpenAIProvider speaks the openai-chat wire shape. With NoAuth set it also
// serves the credential-free variant: the authorization header is stripped
// entirely, since those endpoints reject requests that carry one.
type OpenAIProvider struct {
	info
	client       *openai.Client
	defaultModel string
}

// OpenAIConfig configures one chat-completions endpoint.
type OpenAIConfig struct {
	Name              string
	APIKey            string
	BaseURL           string
	DefaultModel      string
	Priority          int
	ContextWindow     int
	SupportsStreaming bool
	SupportsTools     bool

	// NoAuth selects the credential-free wire contract.
	NoAuth bool
}

// noauthTransport removes the authorization header the client library adds
// unconditionally.
type noauthTransport struct {
	base http.RoundTripper
}

func (t noauthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Del("Authorization")
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewOpenAIProvider builds the provider for either auth mode.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if !cfg.NoAuth && cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if cfg.NoAuth && cfg.BaseURL == "" {
		return nil, errors.New("openai: base URL is required for the no-auth variant")
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = 128000
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	if cfg.NoAuth {
		clientCfg.HTTPClient = &http.Client{Transport: noauthTransport{}}
	}

	return &OpenAIProvider{
		info: info{
			name:      cfg.Name,
			priority:  cfg.Priority,
			window:    cfg.ContextWindow,
			streaming: cfg.SupportsStreaming,
			tools:     cfg.SupportsTools,
		},
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: cfg.DefaultModel,
	}, nil
}

var _ agent.Provider = (*OpenAIProvider)(nil)

// Complete opens a streaming chat completion and returns the chunk channel.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	chatReq := openai.ChatCompletionRequest{
		Model:    p.model(req.Model),
		Messages: p.convertMessages(req.Messages, req.System),
		Stream:   true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = req.Temperature
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = p.convertTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, p.wrapError(err, chatReq.Model)
	}

	chunks := make(chan *agent.CompletionChunk)
	go p.processStream(ctx, stream, chunks, chatReq.Model)
	return chunks, nil
}

func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	defer close(chunks)
	defer stream.Close()

	// Tool call fragments accumulate by stream index until the finish
	// reason or EOF closes them out.
	pending := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int

	// The consumer may abandon the channel on cancellation or an idle
	// timeout; every send must also watch ctx so this goroutine and the
	// HTTP stream never leak.
	send := func(chunk *agent.CompletionChunk) bool {
		select {
		case chunks <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}

	flushTools := func() bool {
		indexes := make([]int, 0, len(pending))
		for i := range pending {
			indexes = append(indexes, i)
		}
		sort.Ints(indexes)
		for _, i := range indexes {
			tc := pending[i]
			if tc.ID == "" || tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			if !send(&agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		pending = make(map[int]*models.ToolCall)
		return true
	}

	for {
		select {
		case <-ctx.Done():
			send(&agent.CompletionChunk{Error: ctx.Err()})
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flushTools() {
					return
				}
				send(&agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				})
				return
			}
			send(&agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(&agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := pending[index]
			if call == nil {
				call = &models.ToolCall{}
				pending[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = json.RawMessage(string(call.Input) + tc.Function.Arguments)
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flushTools() {
				return
			}
		}
	}
}

func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		// Tool results become standalone tool-role messages.
		if len(msg.ToolResults) > 0 {
			for _, res := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    res.Content,
					ToolCallID: res.ToolCallID,
				})
			}
			continue
		}

		out := openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		}
		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, call := range msg.ToolCalls {
				out.ToolCalls[i] = openai.ToolCall{
					ID:   call.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      call.Name,
						Arguments: string(call.Input),
					},
				}
			}
		}
		result = append(result, out)
	}
	return result
}

func (p *OpenAIProvider) convertTools(tools []agent.ToolSchema) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  tool.Schema,
			},
		}
	}
	return result
}

func (p *OpenAIProvider) model(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := agent.AsProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		pe := agent.NewProviderError(p.name, model, err).WithStatus(apiErr.HTTPStatusCode)
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			pe = pe.WithRetryAfter(retryAfterFromError(apiErr))
		}
		return pe
	}
	return agent.NewProviderError(p.name, model, err)
}

// retryAfterFromError pulls a retry hint out of the error code when the
// server provides one in seconds.
func retryAfterFromError(apiErr *openai.APIError) time.Duration {
	if code, ok := apiErr.Code.(string); ok {
		if secs, err := strconv.Atoi(code); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

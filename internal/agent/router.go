package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/memory"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// Router deadlines. Chunk is the idle gap allowed between stream events;
// call bounds the whole completion.
const (
	DefaultChunkTimeout = 30 * time.Second
	DefaultCallTimeout  = 180 * time.Second

	// maxRateLimitWait caps how long the router honors a retry-after hint.
	maxRateLimitWait = 10 * time.Second
)

// Sink receives stream chunks as they arrive, in provider order.
type Sink func(chunk *CompletionChunk)

// CompressFunc rewrites the request after a context overflow. The router
// calls it at most once per completion.
type CompressFunc func(ctx context.Context) (*CompletionRequest, error)

// Router owns the provider list and runs the failover protocol: providers
// in priority order, classified errors deciding the next step.
type Router struct {
	mu        sync.RWMutex
	providers []Provider
	disabled  map[string]map[string]struct{}

	chunkTimeout time.Duration
	callTimeout  time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewRouter builds a router over the given providers.
func NewRouter(providers []Provider, logger *observability.Logger, metrics *observability.Metrics) *Router {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	r := &Router{
		disabled:     make(map[string]map[string]struct{}),
		chunkTimeout: DefaultChunkTimeout,
		callTimeout:  DefaultCallTimeout,
		logger:       logger,
		metrics:      metrics,
	}
	r.SetProviders(providers)
	return r
}

// SetProviders atomically replaces the provider list. Hot reload rebuilds
// the list and swaps it here.
func (r *Router) SetProviders(providers []Provider) {
	sorted := make([]Provider, len(providers))
	copy(sorted, providers)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Priority() != sorted[j].Priority() {
			return sorted[i].Priority() < sorted[j].Priority()
		}
		return sorted[i].Name() < sorted[j].Name()
	})

	r.mu.Lock()
	r.providers = sorted
	r.mu.Unlock()
}

// Providers returns the current priority-ordered provider list.
func (r *Router) Providers() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Provider, len(r.providers))
	copy(out, r.providers)
	return out
}

// ClearSession drops per-session provider disables, typically on reset.
func (r *Router) ClearSession(sessionKey string) {
	r.mu.Lock()
	delete(r.disabled, sessionKey)
	r.mu.Unlock()
}

// SubscribeReset clears per-session disables whenever a session reset is
// announced on the bus. Explicit resets, WebSocket admin resets, and idle
// eviction all publish the same topic, so every fresh session starts with
// the full provider list again.
func (r *Router) SubscribeReset(b *bus.Bus) error {
	return b.Subscribe(models.TopicSessionReset, "router-reset", func(evt models.Event) {
		if evt.SessionKey != "" {
			r.ClearSession(evt.SessionKey)
		}
	})
}

func (r *Router) disableForSession(sessionKey, provider string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.disabled[sessionKey]
	if !ok {
		set = make(map[string]struct{})
		r.disabled[sessionKey] = set
	}
	set[provider] = struct{}{}
}

func (r *Router) available(sessionKey string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	disabled := r.disabled[sessionKey]
	out := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		if _, off := disabled[p.Name()]; off {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Complete runs the failover protocol for one LLM invocation. It returns
// the assembled completion and the ordered list of providers attempted.
//
// Each provider is attempted at most once, except the single same-provider
// retry after a successful compression, and the single head-of-list retry
// when every provider rate-limited.
func (r *Router) Complete(ctx context.Context, sessionKey string, req *CompletionRequest, sink Sink, compress CompressFunc) (*Completion, []string, error) {
	providers := r.available(sessionKey)
	if len(providers) == 0 {
		return nil, nil, &ProviderError{Class: ClassFatal, Message: "no providers available"}
	}

	var (
		path       []string
		lastErr    error
		compressed bool
	)

	for i, p := range providers {
		comp, err := r.attempt(ctx, p, req, sink, &path)
		if err == nil {
			return comp, path, nil
		}
		lastErr = err
		class := ClassOf(err)

		switch class {
		case ClassCancelled:
			return nil, path, err

		case ClassAuth, ClassBilling:
			r.logger.Warn("provider disabled for session",
				"provider", p.Name(), "session", sessionKey, "class", string(class))
			r.disableForSession(sessionKey, p.Name())

		case ClassContextOverflow:
			if compressed || compress == nil {
				break
			}
			compressed = true
			rewritten, cerr := compress(ctx)
			if cerr != nil {
				return nil, path, fmt.Errorf("compress after overflow: %w", cerr)
			}
			req = rewritten
			comp, err = r.attempt(ctx, p, req, sink, &path)
			if err == nil {
				return comp, path, nil
			}
			lastErr = err
			if ClassOf(err) == ClassCancelled {
				return nil, path, err
			}

		case ClassRateLimit, ClassTimeout, ClassProviderDown, ClassFatal:
			// Fall through to the next provider.
		}

		if i < len(providers)-1 {
			if r.metrics != nil {
				r.metrics.ProviderFailovers.Inc()
			}
			r.logger.Info("failing over", "from", p.Name(), "class", string(class))
		}
	}

	// Ran out of providers on a rate limit: honor the retry-after hint
	// once against the head of the list.
	if ClassOf(lastErr) == ClassRateLimit {
		wait := retryAfterHint(lastErr)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, path, ctx.Err()
		}
		comp, err := r.attempt(ctx, providers[0], req, sink, &path)
		if err == nil {
			return comp, path, nil
		}
		lastErr = err
	}

	return nil, path, &ProviderError{
		Class:   ClassFatal,
		Message: fmt.Sprintf("all providers exhausted (tried %s)", strings.Join(path, ", ")),
		Cause:   lastErr,
	}
}

func retryAfterHint(err error) time.Duration {
	if pe, ok := AsProviderError(err); ok && pe.RetryAfter > 0 {
		if pe.RetryAfter < maxRateLimitWait {
			return pe.RetryAfter
		}
		return maxRateLimitWait
	}
	return time.Second
}

// attempt runs one provider call end to end and assembles the completion.
func (r *Router) attempt(ctx context.Context, p Provider, req *CompletionRequest, sink Sink, path *[]string) (*Completion, error) {
	*path = append(*path, p.Name())

	// Local pre-check against the provider window saves a doomed request.
	if window := p.ContextWindow(); window > 0 {
		if estimateRequest(req) > window {
			r.recordRequest(p.Name(), string(ClassContextOverflow))
			return nil, &ProviderError{
				Class:    ClassContextOverflow,
				Provider: p.Name(),
				Message:  "estimated tokens exceed provider context window",
			}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	chunks, err := p.Complete(callCtx, req)
	if err != nil {
		class := ClassOf(err)
		r.recordRequest(p.Name(), string(class))
		return nil, err
	}

	comp := &Completion{Provider: p.Name()}
	var text strings.Builder
	idle := time.NewTimer(r.chunkTimeout)
	defer idle.Stop()

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				// Closed without a done chunk: the stream died midway.
				r.recordRequest(p.Name(), string(ClassProviderDown))
				return nil, &ProviderError{
					Class:    ClassProviderDown,
					Provider: p.Name(),
					Message:  "stream closed before completion",
				}
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(r.chunkTimeout)

			if chunk.Error != nil {
				class := ClassOf(chunk.Error)
				r.recordRequest(p.Name(), string(class))
				return nil, chunk.Error
			}
			if sink != nil {
				sink(chunk)
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
			}
			if chunk.ToolCall != nil {
				comp.ToolCalls = append(comp.ToolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				comp.Text = text.String()
				comp.Usage = models.Usage{
					Input:         chunk.InputTokens,
					Output:        chunk.OutputTokens,
					TotalEstimate: chunk.InputTokens + chunk.OutputTokens,
				}
				r.recordRequest(p.Name(), "ok")
				return comp, nil
			}

		case <-idle.C:
			cancel()
			r.recordRequest(p.Name(), string(ClassTimeout))
			return nil, &ProviderError{
				Class:    ClassTimeout,
				Provider: p.Name(),
				Message:  fmt.Sprintf("no stream activity for %s", r.chunkTimeout),
			}

		case <-ctx.Done():
			r.recordRequest(p.Name(), string(ClassCancelled))
			return nil, context.Cause(ctx)
		}
	}
}

func (r *Router) recordRequest(provider, result string) {
	if r.metrics != nil {
		r.metrics.ProviderRequests.WithLabelValues(provider, result).Inc()
	}
}

func estimateRequest(req *CompletionRequest) int {
	total := memory.EstimateTokens(req.System)
	for _, msg := range req.Messages {
		total += memory.EstimateTokens(msg.Content) + 4
		for _, call := range msg.ToolCalls {
			total += memory.EstimateTokens(string(call.Input))
		}
		for _, res := range msg.ToolResults {
			total += memory.EstimateTokens(res.Content)
		}
	}
	for _, tool := range req.Tools {
		total += memory.EstimateTokens(tool.Description) + memory.EstimateTokens(string(tool.Schema))
	}
	return total
}

// SummarizeFunc adapts the router into the memory manager's summarizer,
// using the given model (typically the cheap subagent model).
func (r *Router) SummarizeFunc(model string) memory.SummarizeFunc {
	return func(ctx context.Context, transcript string, tokenBudget int) (string, error) {
		req := &CompletionRequest{
			Model: model,
			System: "You compress conversation history. Reply with only the summary, " +
				"using the sections requested, inside the token budget.",
			Messages:  []CompletionMessage{{Role: "user", Content: transcript}},
			MaxTokens: tokenBudget,
		}
		comp, _, err := r.Complete(ctx, "summarizer", req, nil, nil)
		if err != nil {
			return "", err
		}
		return comp.Text, nil
	}
}

// Package agent implements the turn loop, the model router with failover,
// and the tool registry.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/memory"
	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/internal/sessions"
	"github.com/talon-ai/talon/pkg/models"
)

// fatalUserMessage is what the user sees when a turn dies. Operators get the
// structured error event; channels never see stack traces.
const fatalUserMessage = "I hit a limit. Try rephrasing or resetting this session."

const cancelledMarker = "[cancelled]"

// LoopConfig carries the turn loop tunables.
type LoopConfig struct {
	Model                   string
	SubagentModel           string
	MaxIterations           int
	Temperature             float32
	SummaryThresholdPercent int
	RecentWindow            int
	SummaryTokenBudget      int

	// GroupSessionsPerSender keys group conversations per sender instead
	// of one shared transcript per group.
	GroupSessionsPerSender bool
}

// Loop drives one state machine per user turn: Plan, Act, Observe, then
// Respond, with compression and error side paths. Turns are serialized per
// session key and concurrent across sessions.
type Loop struct {
	cfg        LoopConfig
	bus        *bus.Bus
	store      sessions.Store
	locker     *sessions.Locker
	router     *Router
	registry   *ToolRegistry
	workspace  *memory.Workspace
	compressor *memory.Compressor
	logger     *observability.Logger
	metrics    *observability.Metrics
}

// NewLoop wires the turn loop. The compressor is built internally against
// the router's cheap-model summarizer.
func NewLoop(cfg LoopConfig, b *bus.Bus, store sessions.Store, locker *sessions.Locker,
	router *Router, registry *ToolRegistry, workspace *memory.Workspace,
	logger *observability.Logger, metrics *observability.Metrics) *Loop {

	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.SummaryThresholdPercent <= 0 {
		cfg.SummaryThresholdPercent = 80
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	summarizer := router.SummarizeFunc(cfg.SubagentModel)
	return &Loop{
		cfg:        cfg,
		bus:        b,
		store:      store,
		locker:     locker,
		router:     router,
		registry:   registry,
		workspace:  workspace,
		compressor: memory.NewCompressor(summarizer, cfg.RecentWindow, cfg.SummaryTokenBudget, logger),
		logger:     logger,
		metrics:    metrics,
	}
}

// SessionKey derives the session key for an inbound message. Local
// transports use fixed keys. perSenderGroups selects per-sender keys for
// group chats instead of one shared transcript.
func SessionKey(msg *models.Inbound, perSenderGroups bool) string {
	switch msg.Channel {
	case models.ChannelCLI:
		return sessions.CLIKey
	case models.ChannelCron:
		return sessions.CronKey
	default:
		if perSenderGroups && msg.IsGroup {
			return sessions.DeriveGroupSenderKey(msg)
		}
		return sessions.DeriveKey(msg)
	}
}

// HandleInbound runs one full turn for an inbound message, blocking until
// the turn completes. Messages for a busy session queue on the key lock.
func (l *Loop) HandleInbound(ctx context.Context, msg *models.Inbound) {
	key := SessionKey(msg, l.cfg.GroupSessionsPerSender)

	if err := l.locker.Lock(ctx, key); err != nil {
		l.logger.Warn("abandoned queued turn", "session", key, "error", err)
		return
	}
	defer l.locker.Unlock(key)

	l.runTurn(ctx, key, msg)
}

func (l *Loop) runTurn(ctx context.Context, key string, msg *models.Inbound) {
	runID := uuid.NewString()
	started := time.Now()

	sess, created, err := l.store.GetOrCreate(ctx, key, msg.Channel)
	if err != nil {
		l.logger.Error("session lookup failed", "session", key, "error", err)
		return
	}
	if created {
		l.publish(models.TopicSessionCreated, runID, key, models.SessionEvent{
			Key: sess.Key, ID: sess.ID, Channel: sess.Channel,
		})
	}

	if l.metrics != nil {
		l.metrics.MessagesTotal.WithLabelValues(string(msg.Channel), "in").Inc()
	}

	userMsg := &models.Message{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		Channel:   msg.Channel,
		Role:      models.RoleUser,
		Content:   msg.Text,
		CreatedAt: time.Now().UTC(),
	}
	if err := l.store.AppendMessage(ctx, key, userMsg); err != nil {
		l.logger.Error("append user message failed", "session", key, "error", err)
		return
	}

	turn := &turnState{key: key, runID: runID, sessionID: sess.ID, channel: msg.Channel}
	status := l.iterate(ctx, turn)

	l.setState(ctx, key, models.StateIdle, "")
	if l.metrics != nil {
		l.metrics.TurnsTotal.WithLabelValues(status).Inc()
		l.metrics.TurnDuration.WithLabelValues(string(msg.Channel)).Observe(time.Since(started).Seconds())
	}
}

// turnState is the transient bookkeeping for one turn.
type turnState struct {
	key        string
	runID      string
	sessionID  string
	channel    models.ChannelType
	iteration  int
	compressed bool
	usage      models.Usage
}

// iterate runs Plan/Act/Observe until the model responds without tool calls
// or a terminal condition hits. Returns the turn status for metrics.
func (l *Loop) iterate(ctx context.Context, turn *turnState) string {
	for turn.iteration = 1; turn.iteration <= l.cfg.MaxIterations; turn.iteration++ {
		l.setState(ctx, turn.key, models.StateThinking, turn.runID)

		comp, err := l.plan(ctx, turn)
		if err != nil {
			return l.fail(ctx, turn, err)
		}

		turn.usage.Input += comp.Usage.Input
		turn.usage.Output += comp.Usage.Output

		assistant := &models.Message{
			ID:        uuid.NewString(),
			SessionID: turn.sessionID,
			Channel:   turn.channel,
			Role:      models.RoleAssistant,
			Content:   comp.Text,
			ToolCalls: comp.ToolCalls,
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.AppendMessage(ctx, turn.key, assistant); err != nil {
			return l.fail(ctx, turn, fmt.Errorf("append assistant message: %w", err))
		}

		if len(comp.ToolCalls) == 0 {
			l.respond(ctx, turn, comp.Text)
			return "ok"
		}

		if err := l.act(ctx, turn, comp.ToolCalls); err != nil {
			return l.fail(ctx, turn, err)
		}
	}

	return l.fail(ctx, turn, &ProviderError{
		Class:   ClassFatal,
		Message: "iterationExhausted",
	})
}

// plan renders fresh context and invokes the router, forwarding stream
// deltas to the bus.
func (l *Loop) plan(ctx context.Context, turn *turnState) (*Completion, error) {
	systemPrompt := memory.BuildSystemPrompt(l.workspace.Load())

	history, err := l.loadHistory(ctx, turn.key)
	if err != nil {
		return nil, err
	}

	// Proactive compression before the call when the estimate crosses the
	// threshold of the best provider's window.
	if !turn.compressed {
		if window := l.primaryWindow(); window > 0 &&
			memory.ShouldCompress(memory.EstimateTurn(systemPrompt, history), window, l.cfg.SummaryThresholdPercent) {
			if history, err = l.compress(ctx, turn, history); err != nil {
				return nil, err
			}
		}
	}

	req := l.buildRequest(systemPrompt, history)

	sink := func(chunk *CompletionChunk) {
		if chunk.Text != "" {
			l.publish(models.TopicAgentStream, turn.runID, turn.key, models.StreamDelta{Text: chunk.Text})
		}
	}

	compress := func(cctx context.Context) (*CompletionRequest, error) {
		if turn.compressed {
			return nil, &ProviderError{Class: ClassFatal, Message: "context overflow after compression"}
		}
		rewritten, err := l.compress(cctx, turn, history)
		if err != nil {
			return nil, err
		}
		history = rewritten
		return l.buildRequest(systemPrompt, history), nil
	}

	comp, path, err := l.router.Complete(ctx, turn.key, req, sink, compress)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("completion finished",
		"session", turn.key, "run", turn.runID,
		"iteration", turn.iteration, "providers", path)
	return comp, nil
}

// primaryWindow is the context window of the best available provider,
// used for the proactive compression check.
func (l *Loop) primaryWindow() int {
	for _, p := range l.router.Providers() {
		if w := p.ContextWindow(); w > 0 {
			return w
		}
	}
	return 0
}

func (l *Loop) loadHistory(ctx context.Context, key string) ([]*models.Message, error) {
	history, err := l.store.History(ctx, key, 0)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	return sessions.RepairTranscript(history), nil
}

// compress rewrites the transcript through the memory manager. Allowed once
// per turn; a second overflow is fatal upstream.
func (l *Loop) compress(ctx context.Context, turn *turnState, history []*models.Message) ([]*models.Message, error) {
	l.setState(ctx, turn.key, models.StateCompressing, turn.runID)
	turn.compressed = true

	rewritten, changed, err := l.compressor.Compress(ctx, turn.key, history)
	if err != nil {
		return nil, err
	}
	if changed {
		if err := l.store.ReplaceHistory(ctx, turn.key, rewritten); err != nil {
			return nil, fmt.Errorf("persist compressed transcript: %w", err)
		}
		l.store.UpdateTokens(ctx, turn.key, memory.EstimateTranscript(rewritten))
	}
	l.setState(ctx, turn.key, models.StateThinking, turn.runID)
	return rewritten, nil
}

func (l *Loop) buildRequest(systemPrompt string, history []*models.Message) *CompletionRequest {
	msgs := make([]CompletionMessage, 0, len(history))
	for _, m := range history {
		msgs = append(msgs, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
		})
	}
	return &CompletionRequest{
		Model:       l.cfg.Model,
		System:      systemPrompt,
		Messages:    msgs,
		Tools:       l.registry.Schemas(),
		Temperature: l.cfg.Temperature,
	}
}

// act executes the model's tool calls in order, appending one tool-role
// message per call. Tool failures become error envelopes, never turn aborts.
func (l *Loop) act(ctx context.Context, turn *turnState, calls []models.ToolCall) error {
	l.setState(ctx, turn.key, models.StateToolRunning, turn.runID)

	for _, call := range calls {
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}

		l.publish(models.TopicAgentToolCall, turn.runID, turn.key, models.ToolCallEvent{
			CallID: call.ID, Name: call.Name, Args: string(call.Input),
		})

		env := l.registry.Execute(ctx, call)
		resultJSON := env.JSON()

		l.publish(models.TopicAgentToolRes, turn.runID, turn.key, models.ToolResultEvent{
			CallID:     call.ID,
			ResultJSON: resultJSON,
			IsError:    !env.Success,
			DurationMs: env.Meta.DurationMs,
		})

		toolMsg := &models.Message{
			ID:        uuid.NewString(),
			SessionID: turn.sessionID,
			Channel:   turn.channel,
			Role:      models.RoleTool,
			ToolResults: []models.ToolResult{{
				ToolCallID: call.ID,
				Content:    resultJSON,
				IsError:    !env.Success,
				DurationMs: env.Meta.DurationMs,
			}},
			CreatedAt: time.Now().UTC(),
		}
		if err := l.store.AppendMessage(ctx, turn.key, toolMsg); err != nil {
			return fmt.Errorf("append tool result: %w", err)
		}
	}
	return nil
}

// respond emits the single final outbound for the turn, then agent.done.
func (l *Loop) respond(ctx context.Context, turn *turnState, text string) {
	l.setState(ctx, turn.key, models.StateResponding, turn.runID)

	l.publish(models.TopicOutbound, turn.runID, turn.key, models.Outbound{
		Channel:    turn.channel,
		SessionKey: turn.key,
		Text:       text,
	})
	if l.metrics != nil {
		l.metrics.MessagesTotal.WithLabelValues(string(turn.channel), "out").Inc()
	}

	turn.usage.TotalEstimate = turn.usage.Input + turn.usage.Output
	l.store.UpdateTokens(ctx, turn.key, turn.usage.TotalEstimate)
	l.publish(models.TopicAgentDone, turn.runID, turn.key, models.Done{Usage: turn.usage})
}

// fail terminates the turn. Cancellation appends a synthetic marker so the
// transcript stays well-formed; everything else gets the plain user-facing
// failure plus a structured error event.
func (l *Loop) fail(ctx context.Context, turn *turnState, err error) string {
	class := ClassOf(err)

	if class == ClassCancelled {
		marker := &models.Message{
			ID:        uuid.NewString(),
			SessionID: turn.sessionID,
			Channel:   turn.channel,
			Role:      models.RoleAssistant,
			Content:   cancelledMarker,
			CreatedAt: time.Now().UTC(),
		}
		// Best effort with a detached context; the turn context is dead.
		appendCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		l.store.AppendMessage(appendCtx, turn.key, marker)

		l.publish(models.TopicAgentError, turn.runID, turn.key, models.ErrorEvent{
			Class:   string(class),
			Message: "turn cancelled",
		})
		return "cancelled"
	}

	l.logger.Error("turn failed",
		"session", turn.key, "run", turn.runID,
		"class", string(class), "error", err)

	l.setState(ctx, turn.key, models.StateError, turn.runID)
	l.publish(models.TopicAgentError, turn.runID, turn.key, models.ErrorEvent{
		Class:   string(class),
		Reason:  reasonOf(err),
		Message: err.Error(),
	})

	l.publish(models.TopicOutbound, turn.runID, turn.key, models.Outbound{
		Channel:    turn.channel,
		SessionKey: turn.key,
		Text:       fatalUserMessage,
	})
	return "error"
}

func reasonOf(err error) string {
	if pe, ok := AsProviderError(err); ok {
		return pe.Message
	}
	return ""
}

func (l *Loop) setState(ctx context.Context, key string, state models.SessionState, runID string) {
	if err := l.store.UpdateState(ctx, key, state, runID); err != nil && err != sessions.ErrNotFound {
		l.logger.Warn("state update failed", "session", key, "error", err)
	}
}

func (l *Loop) publish(topic models.Topic, runID, key string, payload any) {
	l.bus.Publish(models.Event{
		Topic:      topic,
		RunID:      runID,
		SessionKey: key,
		Payload:    payload,
		Time:       time.Now().UTC(),
	})
}

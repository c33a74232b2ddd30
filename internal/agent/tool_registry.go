package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/talon-ai/talon/internal/observability"
	"github.com/talon-ai/talon/pkg/models"
)

// Tool is an executable capability offered to the model. Execute receives
// arguments already validated against Schema and returns the data payload
// for the result envelope.
type Tool interface {
	Name() string
	Description() string
	Category() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Tool error codes used in result envelopes.
const (
	ToolCodeArgValidation = "ARG_VALIDATION"
	ToolCodeExecFailed    = "EXEC_FAILED"
	ToolCodeTimeout       = "TIMEOUT"
	ToolCodeNotFound      = "NOT_FOUND"
	ToolCodeBlocked       = "BLOCKED"
)

// maxToolDataBytes bounds the serialized data field stored in transcripts.
const maxToolDataBytes = 16 * 1024

const truncationMarker = "...[truncated]"

// ToolEnvelope is the standard result shape for every tool execution.
// Free-form strings never enter the transcript.
type ToolEnvelope struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ToolError `json:"error,omitempty"`
	Meta    ToolMeta   `json:"meta"`
}

// ToolError carries a machine-readable failure for the model to react to.
type ToolError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ToolMeta records execution timing.
type ToolMeta struct {
	DurationMs int64     `json:"durationMs"`
	Timestamp  time.Time `json:"timestamp"`
}

// JSON serializes the envelope, truncating oversized data fields while
// keeping the envelope structure intact.
func (e *ToolEnvelope) JSON() string {
	if data, err := json.Marshal(e.Data); err == nil && len(data) > maxToolDataBytes {
		trimmed := string(data[:maxToolDataBytes])
		e2 := *e
		e2.Data = trimmed + truncationMarker
		if out, err := json.Marshal(&e2); err == nil {
			return string(out)
		}
	}
	out, err := json.Marshal(e)
	if err != nil {
		return fmt.Sprintf(`{"success":false,"error":{"code":%q,"message":"envelope serialization failed"}}`, ToolCodeExecFailed)
	}
	return string(out)
}

type registeredTool struct {
	tool   Tool
	schema *jsonschema.Schema
}

// ToolRegistry holds the tools enabled for this process and executes calls
// with schema validation, timeouts, and the standard envelope.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]*registeredTool
	timeout time.Duration
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewToolRegistry builds an empty registry. timeout is the default per-call
// execution bound.
func NewToolRegistry(timeout time.Duration, logger *observability.Logger, metrics *observability.Metrics) *ToolRegistry {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &ToolRegistry{
		tools:   make(map[string]*registeredTool),
		timeout: timeout,
		logger:  logger,
		metrics: metrics,
	}
}

// Register adds a tool, compiling its parameter schema. Duplicate names and
// invalid schemas are rejected.
func (r *ToolRegistry) Register(tool Tool) error {
	schema, err := jsonschema.CompileString(tool.Name()+".json", string(tool.Schema()))
	if err != nil {
		return fmt.Errorf("tool %s: invalid parameter schema: %w", tool.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name()]; exists {
		return fmt.Errorf("tool %s: already registered", tool.Name())
	}
	r.tools[tool.Name()] = &registeredTool{tool: tool, schema: schema}
	r.logger.Debug("registered tool", "name", tool.Name(), "category", tool.Category())
	return nil
}

// Schemas returns wire-level descriptors for every registered tool, sorted
// by name for stable prompts.
func (r *ToolRegistry) Schemas() []ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ToolSchema, 0, len(r.tools))
	for _, rt := range r.tools {
		out = append(out, ToolSchema{
			Name:        rt.tool.Name(),
			Description: rt.tool.Description(),
			Schema:      rt.tool.Schema(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Names returns the registered tool names.
func (r *ToolRegistry) Names() []string {
	schemas := r.Schemas()
	names := make([]string, len(schemas))
	for i, s := range schemas {
		names[i] = s.Name
	}
	return names
}

// Execute validates and runs one tool call, always returning an envelope.
// Validation and execution failures are envelopes with Success=false, not
// Go errors; the model gets a chance to correct itself.
func (r *ToolRegistry) Execute(ctx context.Context, call models.ToolCall) *ToolEnvelope {
	started := time.Now()
	envelope := func(success bool, data any, terr *ToolError) *ToolEnvelope {
		return &ToolEnvelope{
			Success: success,
			Data:    data,
			Error:   terr,
			Meta: ToolMeta{
				DurationMs: time.Since(started).Milliseconds(),
				Timestamp:  time.Now().UTC(),
			},
		}
	}

	r.mu.RLock()
	rt, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		return envelope(false, nil, &ToolError{
			Code:    ToolCodeNotFound,
			Message: fmt.Sprintf("no tool named %q is registered", call.Name),
		})
	}

	args := call.Input
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	var doc any
	if err := json.Unmarshal(args, &doc); err != nil {
		r.recordExecution(call.Name, "arg_invalid")
		return envelope(false, nil, &ToolError{
			Code:    ToolCodeArgValidation,
			Message: fmt.Sprintf("arguments are not valid JSON: %v", err),
		})
	}
	if err := rt.schema.Validate(doc); err != nil {
		r.recordExecution(call.Name, "arg_invalid")
		return envelope(false, nil, &ToolError{
			Code:    ToolCodeArgValidation,
			Message: err.Error(),
		})
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	data, err := rt.tool.Execute(execCtx, args)
	if err != nil {
		code := ToolCodeExecFailed
		if execCtx.Err() == context.DeadlineExceeded {
			code = ToolCodeTimeout
		}
		if te, ok := err.(*ToolError); ok {
			r.recordExecution(call.Name, "failed")
			return envelope(false, nil, te)
		}
		r.logger.Warn("tool execution failed", "name", call.Name, "error", err)
		r.recordExecution(call.Name, "failed")
		return envelope(false, nil, &ToolError{Code: code, Message: err.Error()})
	}

	r.recordExecution(call.Name, "ok")
	return envelope(true, data, nil)
}

func (r *ToolRegistry) recordExecution(name, outcome string) {
	if r.metrics != nil {
		r.metrics.ToolExecutions.WithLabelValues(name, outcome).Inc()
	}
}

// Error implements the error interface so tools can return coded failures
// directly.
func (e *ToolError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

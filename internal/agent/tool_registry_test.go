package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/talon-ai/talon/pkg/models"
)

type echoTool struct {
	fail  error
	slow  time.Duration
	reply any
}

func (e *echoTool) Name() string        { return "echo" }
func (e *echoTool) Description() string { return "echoes its input" }
func (e *echoTool) Category() string    { return "test" }
func (e *echoTool) Schema() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {"text": {"type": "string"}},
		"required": ["text"],
		"additionalProperties": false
	}`)
}

func (e *echoTool) Execute(ctx context.Context, args json.RawMessage) (any, error) {
	if e.slow > 0 {
		select {
		case <-time.After(e.slow):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if e.fail != nil {
		return nil, e.fail
	}
	if e.reply != nil {
		return e.reply, nil
	}
	var in struct {
		Text string `json:"text"`
	}
	json.Unmarshal(args, &in)
	return map[string]string{"echo": in.Text}, nil
}

func callFor(args string) models.ToolCall {
	return models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(args)}
}

func TestExecuteReturnsSuccessEnvelope(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatal(err)
	}

	env := r.Execute(context.Background(), callFor(`{"text":"hi"}`))
	if !env.Success || env.Error != nil {
		t.Fatalf("envelope = %+v", env)
	}
	if env.Meta.Timestamp.IsZero() {
		t.Fatal("meta timestamp missing")
	}

	var decoded struct {
		Success bool `json:"success"`
		Data    struct {
			Echo string `json:"echo"`
		} `json:"data"`
	}
	if err := json.Unmarshal([]byte(env.JSON()), &decoded); err != nil {
		t.Fatal(err)
	}
	if !decoded.Success || decoded.Data.Echo != "hi" {
		t.Fatalf("serialized envelope = %s", env.JSON())
	}
}

func TestExecuteRejectsInvalidArguments(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	r.Register(&echoTool{})

	env := r.Execute(context.Background(), callFor(`{"wrong":1}`))
	if env.Success {
		t.Fatal("invalid args accepted")
	}
	if env.Error == nil || env.Error.Code != ToolCodeArgValidation {
		t.Fatalf("error = %+v", env.Error)
	}
}

func TestExecuteUnknownTool(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	env := r.Execute(context.Background(), models.ToolCall{ID: "c1", Name: "missing"})
	if env.Success || env.Error.Code != ToolCodeNotFound {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestExecuteFailureBecomesEnvelope(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	r.Register(&echoTool{fail: errors.New("backend exploded")})

	env := r.Execute(context.Background(), callFor(`{"text":"x"}`))
	if env.Success || env.Error.Code != ToolCodeExecFailed {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestExecuteTimeout(t *testing.T) {
	r := NewToolRegistry(20*time.Millisecond, nil, nil)
	r.Register(&echoTool{slow: time.Second})

	env := r.Execute(context.Background(), callFor(`{"text":"x"}`))
	if env.Success || env.Error.Code != ToolCodeTimeout {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestExecutePreservesCodedErrors(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	r.Register(&echoTool{fail: &ToolError{Code: ToolCodeBlocked, Message: "command is blocked"}})

	env := r.Execute(context.Background(), callFor(`{"text":"x"}`))
	if env.Success || env.Error.Code != ToolCodeBlocked {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestEnvelopeTruncatesOversizedData(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	r.Register(&echoTool{reply: strings.Repeat("x", maxToolDataBytes*2)})

	env := r.Execute(context.Background(), callFor(`{"text":"x"}`))
	out := env.JSON()
	if !strings.Contains(out, truncationMarker) {
		t.Fatal("oversized data not truncated")
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("truncated envelope is not valid JSON: %v", err)
	}
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	if err := r.Register(&echoTool{}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register(&echoTool{}); err == nil {
		t.Fatal("duplicate registration accepted")
	}
}

func TestSchemasAreSorted(t *testing.T) {
	r := NewToolRegistry(time.Second, nil, nil)
	r.Register(&echoTool{})

	schemas := r.Schemas()
	if len(schemas) != 1 || schemas[0].Name != "echo" {
		t.Fatalf("schemas = %+v", schemas)
	}
}

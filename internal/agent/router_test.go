package agent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/pkg/models"
)

type fakeResponse struct {
	err    error
	chunks []*CompletionChunk
}

type fakeProvider struct {
	mu        sync.Mutex
	name      string
	priority  int
	window    int
	responses []fakeResponse
	calls     int
}

func (f *fakeProvider) Complete(ctx context.Context, _ *CompletionRequest) (<-chan *CompletionChunk, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var resp fakeResponse
	if f.calls < len(f.responses) {
		resp = f.responses[f.calls]
	} else if len(f.responses) > 0 {
		resp = f.responses[len(f.responses)-1]
	}
	f.calls++

	if resp.err != nil {
		return nil, resp.err
	}
	ch := make(chan *CompletionChunk, len(resp.chunks))
	for _, c := range resp.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (f *fakeProvider) Name() string  { return f.name }
func (f *fakeProvider) Priority() int { return f.priority }
func (f *fakeProvider) ContextWindow() int {
	return f.window
}
func (f *fakeProvider) SupportsStreaming() bool { return true }
func (f *fakeProvider) SupportsTools() bool     { return true }

func (f *fakeProvider) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func textResponse(text string) fakeResponse {
	return fakeResponse{chunks: []*CompletionChunk{
		{Text: text},
		{Done: true, InputTokens: 10, OutputTokens: 5},
	}}
}

func simpleRequest() *CompletionRequest {
	return &CompletionRequest{
		Model:    "test-model",
		Messages: []CompletionMessage{{Role: "user", Content: "hi"}},
	}
}

func TestCompleteReturnsAssembledText(t *testing.T) {
	p := &fakeProvider{name: "primary", responses: []fakeResponse{textResponse("hello world")}}
	r := NewRouter([]Provider{p}, nil, nil)

	var streamed string
	comp, path, err := r.Complete(context.Background(), "s", simpleRequest(), func(c *CompletionChunk) {
		streamed += c.Text
	}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Text != "hello world" || streamed != "hello world" {
		t.Fatalf("text = %q, streamed = %q", comp.Text, streamed)
	}
	if comp.Usage.Input != 10 || comp.Usage.Output != 5 {
		t.Fatalf("usage = %+v", comp.Usage)
	}
	if len(path) != 1 || path[0] != "primary" {
		t.Fatalf("path = %v", path)
	}
}

func TestFailoverOnProviderDown(t *testing.T) {
	down := &fakeProvider{name: "a", priority: 1, responses: []fakeResponse{
		{err: &ProviderError{Class: ClassProviderDown, Provider: "a", Message: "503"}},
	}}
	up := &fakeProvider{name: "b", priority: 2, responses: []fakeResponse{textResponse("ok")}}
	r := NewRouter([]Provider{down, up}, nil, nil)

	comp, path, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Provider != "b" {
		t.Fatalf("served by %q", comp.Provider)
	}
	if len(path) != 2 {
		t.Fatalf("path = %v", path)
	}
}

func TestAuthDisablesProviderForSession(t *testing.T) {
	bad := &fakeProvider{name: "a", priority: 1, responses: []fakeResponse{
		{err: &ProviderError{Class: ClassAuth, Provider: "a", Message: "401"}},
	}}
	good := &fakeProvider{name: "b", priority: 2, responses: []fakeResponse{textResponse("ok")}}
	r := NewRouter([]Provider{bad, good}, nil, nil)

	if _, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if _, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil); err != nil {
		t.Fatal(err)
	}
	if bad.callCount() != 1 {
		t.Fatalf("disabled provider called %d times", bad.callCount())
	}

	// Other sessions still see the provider.
	r.Complete(context.Background(), "other", simpleRequest(), nil, nil)
	if bad.callCount() != 2 {
		t.Fatalf("provider not tried for fresh session, calls = %d", bad.callCount())
	}
}

func TestResetEventClearsSessionDisables(t *testing.T) {
	r := NewRouter([]Provider{&fakeProvider{name: "a"}}, nil, nil)
	b := bus.New(nil, nil)
	defer b.Close()

	if err := r.SubscribeReset(b); err != nil {
		t.Fatal(err)
	}
	r.disableForSession("s", "a")
	r.disableForSession("other", "a")

	b.Publish(models.Event{
		Topic:      models.TopicSessionReset,
		SessionKey: "s",
		Payload:    models.SessionEvent{Key: "s"},
		Time:       time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		r.mu.RLock()
		_, cleared := r.disabled["s"]
		r.mu.RUnlock()
		if !cleared {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session disables not cleared after reset event")
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.mu.RLock()
	_, kept := r.disabled["other"]
	r.mu.RUnlock()
	if !kept {
		t.Fatal("unrelated session disables were dropped")
	}
}

func TestOverflowCompressesAndRetriesSameProvider(t *testing.T) {
	p := &fakeProvider{name: "a", responses: []fakeResponse{
		{err: &ProviderError{Class: ClassContextOverflow, Provider: "a", Message: "prompt is too long"}},
		textResponse("after compression"),
	}}
	r := NewRouter([]Provider{p}, nil, nil)

	compressed := false
	comp, path, err := r.Complete(context.Background(), "s", simpleRequest(), nil,
		func(context.Context) (*CompletionRequest, error) {
			compressed = true
			return simpleRequest(), nil
		})
	if err != nil {
		t.Fatal(err)
	}
	if !compressed {
		t.Fatal("compression callback not invoked")
	}
	if comp.Text != "after compression" {
		t.Fatalf("text = %q", comp.Text)
	}
	// Fallback monotonicity allows the one overflow retry.
	if len(path) != 2 || path[0] != "a" || path[1] != "a" {
		t.Fatalf("path = %v", path)
	}
}

func TestSecondOverflowFallsToNextProvider(t *testing.T) {
	overflow := fakeResponse{err: &ProviderError{Class: ClassContextOverflow, Provider: "a", Message: "too many tokens"}}
	a := &fakeProvider{name: "a", priority: 1, responses: []fakeResponse{overflow, overflow}}
	b := &fakeProvider{name: "b", priority: 2, responses: []fakeResponse{textResponse("ok")}}
	r := NewRouter([]Provider{a, b}, nil, nil)

	comp, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil,
		func(context.Context) (*CompletionRequest, error) { return simpleRequest(), nil })
	if err != nil {
		t.Fatal(err)
	}
	if comp.Provider != "b" {
		t.Fatalf("served by %q", comp.Provider)
	}
	if a.callCount() != 2 {
		t.Fatalf("provider a called %d times", a.callCount())
	}
}

func TestRateLimitRetriesHeadOnce(t *testing.T) {
	p := &fakeProvider{name: "a", responses: []fakeResponse{
		{err: &ProviderError{Class: ClassRateLimit, Provider: "a", RetryAfter: 10 * time.Millisecond}},
		textResponse("recovered"),
	}}
	r := NewRouter([]Provider{p}, nil, nil)

	comp, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if comp.Text != "recovered" {
		t.Fatalf("text = %q", comp.Text)
	}
	if p.callCount() != 2 {
		t.Fatalf("head retried %d times", p.callCount()-1)
	}
}

func TestCancellationStopsFailover(t *testing.T) {
	a := &fakeProvider{name: "a", priority: 1, responses: []fakeResponse{{err: context.Canceled}}}
	b := &fakeProvider{name: "b", priority: 2, responses: []fakeResponse{textResponse("never")}}
	r := NewRouter([]Provider{a, b}, nil, nil)

	_, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil)
	if ClassOf(err) != ClassCancelled {
		t.Fatalf("class = %v, err = %v", ClassOf(err), err)
	}
	if b.callCount() != 0 {
		t.Fatal("failover continued past cancellation")
	}
}

func TestExhaustedProvidersReturnFatal(t *testing.T) {
	a := &fakeProvider{name: "a", responses: []fakeResponse{
		{err: &ProviderError{Class: ClassProviderDown, Provider: "a"}},
	}}
	r := NewRouter([]Provider{a}, nil, nil)

	_, _, err := r.Complete(context.Background(), "s", simpleRequest(), nil, nil)
	if ClassOf(err) != ClassFatal {
		t.Fatalf("class = %v", ClassOf(err))
	}
}

func TestLocalPrecheckRaisesOverflow(t *testing.T) {
	p := &fakeProvider{name: "a", window: 10, responses: []fakeResponse{textResponse("nope")}}
	r := NewRouter([]Provider{p}, nil, nil)

	req := simpleRequest()
	req.System = string(make([]byte, 4096))

	_, _, err := r.Complete(context.Background(), "s", req, nil, nil)
	if err == nil {
		t.Fatal("expected overflow error")
	}
	if p.callCount() != 0 {
		t.Fatal("doomed request was sent anyway")
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		err  error
		want ErrorClass
	}{
		{context.Canceled, ClassCancelled},
		{context.DeadlineExceeded, ClassTimeout},
		{errors.New("429 too many requests"), ClassRateLimit},
		{errors.New("invalid api key"), ClassAuth},
		{errors.New("insufficient quota for billing period"), ClassBilling},
		{errors.New("502 bad gateway"), ClassProviderDown},
		{errors.New("prompt is too long: 210000 tokens"), ClassContextOverflow},
		{errors.New("context_length_exceeded"), ClassContextOverflow},
		{errors.New("something novel"), ClassFatal},
	}
	for _, tc := range cases {
		if got := Classify(tc.err); got != tc.want {
			t.Errorf("Classify(%v) = %v, want %v", tc.err, got, tc.want)
		}
	}
}

func TestProviderOrderIsStable(t *testing.T) {
	r := NewRouter([]Provider{
		&fakeProvider{name: "z", priority: 1},
		&fakeProvider{name: "a", priority: 1},
		&fakeProvider{name: "m", priority: 0},
	}, nil, nil)

	got := r.Providers()
	if got[0].Name() != "m" || got[1].Name() != "a" || got[2].Name() != "z" {
		t.Fatalf("order = %s, %s, %s", got[0].Name(), got[1].Name(), got[2].Name())
	}
}

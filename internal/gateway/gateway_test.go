package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/talon-ai/talon/internal/bus"
	"github.com/talon-ai/talon/internal/config"
	"github.com/talon-ai/talon/internal/sessions"
	"github.com/talon-ai/talon/pkg/models"
)

func testServer(t *testing.T, cfg config.GatewayConfig, hooks Hooks) (*Server, *sessions.MemoryStore, *bus.Bus) {
	t.Helper()
	b := bus.New(nil, nil)
	t.Cleanup(b.Close)
	store := sessions.NewMemoryStore()
	s := NewServer(cfg, b, store, hooks, nil, "test", nil, nil)
	return s, store, b
}

func tokenConfig(token string) config.GatewayConfig {
	return config.GatewayConfig{
		Host: "127.0.0.1",
		Auth: config.AuthConfig{Mode: AuthToken, Token: token},
	}
}

func TestValidateAuth(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.GatewayConfig
		wantErr bool
	}{
		{name: "none on loopback", cfg: config.GatewayConfig{Host: "127.0.0.1", Auth: config.AuthConfig{Mode: AuthNone}}},
		{name: "none on localhost", cfg: config.GatewayConfig{Host: "localhost", Auth: config.AuthConfig{Mode: AuthNone}}},
		{name: "none on all interfaces", cfg: config.GatewayConfig{Host: "0.0.0.0", Auth: config.AuthConfig{Mode: AuthNone}}, wantErr: true},
		{name: "token without secret", cfg: config.GatewayConfig{Host: "0.0.0.0", Auth: config.AuthConfig{Mode: AuthToken}}, wantErr: true},
		{name: "token with secret", cfg: tokenConfig("s3cret")},
		{name: "password with secret", cfg: config.GatewayConfig{Host: "0.0.0.0", Auth: config.AuthConfig{Mode: AuthPassword, Password: "pw"}}},
		{name: "unknown mode", cfg: config.GatewayConfig{Auth: config.AuthConfig{Mode: "oauth"}}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateAuth(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestTokenAuthGuardsProtectedRoutes(t *testing.T) {
	s, _, _ := testServer(t, tokenConfig("s3cret"), Hooks{})
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("no credential: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong credential: status = %d", rec.Code)
	}

	for _, set := range []func(*http.Request){
		func(r *http.Request) { r.Header.Set("Authorization", "Bearer s3cret") },
		func(r *http.Request) { r.Header.Set(TokenHeader, "s3cret") },
	} {
		req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
		set(req)
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("valid credential: status = %d", rec.Code)
		}
	}
}

func TestNoneModeRejectsRemoteClients(t *testing.T) {
	cfg := config.GatewayConfig{Host: "127.0.0.1", Auth: config.AuthConfig{Mode: AuthNone}}
	s, _, _ := testServer(t, cfg, Hooks{})
	handler := s.routes()

	req := httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.RemoteAddr = "203.0.113.9:4000"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("remote client: status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	req.RemoteAddr = "127.0.0.1:4000"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("loopback client: status = %d", rec.Code)
	}
}

func TestHealthIsPublicAndReportsStats(t *testing.T) {
	s, store, _ := testServer(t, tokenConfig("s3cret"), Hooks{})
	if _, _, err := store.GetOrCreate(context.Background(), "web:dm:1", models.ChannelWeb); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Status != "ok" || resp.Version != "test" || resp.Stats.Sessions != 1 {
		t.Fatalf("health = %+v", resp)
	}
}

func TestSessionListAndReset(t *testing.T) {
	s, store, b := testServer(t, tokenConfig("s3cret"), Hooks{})

	var resetEvents int
	done := make(chan struct{}, 1)
	if err := b.Subscribe(models.TopicSessionReset, "test", func(models.Event) {
		resetEvents++
		done <- struct{}{}
	}); err != nil {
		t.Fatal(err)
	}

	sess, _, err := store.GetOrCreate(context.Background(), "telegram:dm:7", models.ChannelTelegram)
	if err != nil {
		t.Fatal(err)
	}
	oldID := sess.ID

	authed := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.Header.Set(TokenHeader, "s3cret")
		rec := httptest.NewRecorder()
		s.routes().ServeHTTP(rec, req)
		return rec
	}

	rec := authed(http.MethodGet, "/api/sessions")
	var list []sessionSummary
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Key != "telegram:dm:7" {
		t.Fatalf("sessions = %+v", list)
	}

	rec = authed(http.MethodPost, "/api/sessions/telegram:dm:7/reset")
	if rec.Code != http.StatusOK {
		t.Fatalf("reset status = %d, body = %s", rec.Code, rec.Body.String())
	}
	refreshed, err := store.Get(context.Background(), "telegram:dm:7")
	if err != nil {
		t.Fatal(err)
	}
	if refreshed.ID == oldID {
		t.Fatal("reset did not rotate the session id")
	}
	<-done

	rec = authed(http.MethodPost, "/api/sessions/unknown:dm:1/reset")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown session reset status = %d", rec.Code)
	}
}

func TestShutdownEndpointInvokesHook(t *testing.T) {
	called := make(chan struct{}, 1)
	s, _, _ := testServer(t, tokenConfig("s3cret"), Hooks{Shutdown: func() { called <- struct{}{} }})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/shutdown", nil)
	req.Header.Set(TokenHeader, "s3cret")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	<-called
}

func TestReloadEndpointReportsErrors(t *testing.T) {
	s, _, _ := testServer(t, tokenConfig("s3cret"), Hooks{
		Reload: func(ctx context.Context) error { return context.DeadlineExceeded },
	})

	req := httptest.NewRequest(http.MethodPost, "/api/admin/reload", nil)
	req.Header.Set(TokenHeader, "s3cret")
	rec := httptest.NewRecorder()
	s.routes().ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestDecodeFrameValidation(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{name: "valid channel message", raw: `{"type":"channel.message","payload":{"senderId":"1","text":"hi"}}`},
		{name: "missing text", raw: `{"type":"channel.message","payload":{"senderId":"1"}}`, wantErr: true},
		{name: "empty text", raw: `{"type":"channel.message","payload":{"senderId":"1","text":""}}`, wantErr: true},
		{name: "valid reset", raw: `{"type":"admin.reset","payload":{"sessionKey":"cli:local"}}`},
		{name: "reset without key", raw: `{"type":"admin.reset","payload":{}}`, wantErr: true},
		{name: "shutdown with no payload", raw: `{"type":"admin.shutdown"}`},
		{name: "missing type", raw: `{"payload":{}}`, wantErr: true},
		{name: "not json", raw: `{{`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := decodeFrame([]byte(tt.raw))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestFrameForEvent(t *testing.T) {
	stream, critical, ok := frameForEvent(models.Event{
		Topic:      models.TopicAgentStream,
		RunID:      "r1",
		SessionKey: "web:dm:1",
		Payload:    models.StreamDelta{Text: "hel"},
	})
	if !ok || critical || stream.Type != FrameAgentStream {
		t.Fatalf("stream frame = %+v critical = %v ok = %v", stream, critical, ok)
	}

	resp, critical, ok := frameForEvent(models.Event{
		Topic:      models.TopicOutbound,
		RunID:      "r1",
		SessionKey: "web:dm:1",
		Payload:    models.Outbound{Channel: models.ChannelWeb, SessionKey: "web:dm:1", Text: "done"},
	})
	if !ok || !critical || resp.Type != FrameAgentResponse {
		t.Fatalf("response frame = %+v critical = %v ok = %v", resp, critical, ok)
	}
	if !strings.Contains(string(resp.Payload), `"text":"done"`) {
		t.Fatalf("payload = %s", resp.Payload)
	}

	if _, _, ok := frameForEvent(models.Event{Topic: models.TopicInbound}); ok {
		t.Fatal("inbound events must not be reprojected")
	}
}

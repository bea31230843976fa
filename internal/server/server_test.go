package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/MrWong99/waypoint/internal/audit"
	"github.com/MrWong99/waypoint/internal/dispatch"
	"github.com/MrWong99/waypoint/internal/observe"
	"github.com/MrWong99/waypoint/internal/reasoning"
	"github.com/MrWong99/waypoint/internal/session"
	"github.com/MrWong99/waypoint/internal/store"
	"github.com/MrWong99/waypoint/internal/store/memstore"
	"github.com/MrWong99/waypoint/internal/tool"
	"github.com/MrWong99/waypoint/internal/tool/builtin"
	"github.com/MrWong99/waypoint/internal/voice"
	"github.com/MrWong99/waypoint/pkg/provider/llm"
	llmmock "github.com/MrWong99/waypoint/pkg/provider/llm/mock"
	speechmock "github.com/MrWong99/waypoint/pkg/provider/voice/mock"
)

type testEnv struct {
	srv   *httptest.Server
	store *memstore.Store
	llm   *llmmock.Provider
	auth  *Authenticator
}

// echoModel answers every message with "echo: <text>".
func echoModel() *llmmock.Provider {
	return &llmmock.Provider{CompleteFunc: func(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
		last := req.Messages[len(req.Messages)-1]
		return &llm.CompletionResponse{Content: "echo: " + last.Content}, nil
	}}
}

func newTestEnv(t *testing.T, p *llmmock.Provider, secret string) *testEnv {
	t.Helper()
	met, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatal(err)
	}
	st := memstore.New()
	reg := tool.NewRegistry()
	if err := builtin.Register(reg, builtin.Deps{Store: st}); err != nil {
		t.Fatal(err)
	}
	reg.Seal()
	disp := dispatch.New(reg, dispatch.WithMetrics(met), dispatch.WithAuditor(audit.New(nil)))
	eng := reasoning.New(p, disp, reg, reasoning.WithMetrics(met))
	sessions := session.New(eng, session.WithMetrics(met))
	t.Cleanup(func() { _ = sessions.Close(context.Background()) })

	auth := NewAuthenticator(secret)
	s := New(Config{
		Sessions: sessions,
		Auth:     auth,
		Speech:   &speechmock.Provider{TTL: time.Minute},
		Metrics:  met,
	})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, store: st, llm: p, auth: auth}
}

func (e *testEnv) chat(t *testing.T, body any, token string) (int, map[string]string) {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, e.srv.URL+"/v1/chat", &buf)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var out map[string]string
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestChat_GasExpense(t *testing.T) {
	t.Parallel()

	p := &llmmock.Provider{Script: []llmmock.Reply{
		{Response: &llm.CompletionResponse{ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: builtin.CreateExpense, Arguments: `{"amount":50,"category":"gas"}`},
		}}},
		{Response: &llm.CompletionResponse{Content: "Added a $50 gas expense."}},
	}}
	e := newTestEnv(t, p, "")

	status, body := e.chat(t, map[string]any{
		"sessionId": "s1",
		"userId":    "u1",
		"text":      "add a $50 gas expense",
		"context":   map[string]any{"timezone": "America/Denver"},
	}, "")
	if status != http.StatusOK || body["text"] != "Added a $50 gas expense." {
		t.Fatalf("POST /v1/chat = %d %v", status, body)
	}
	rows, _ := e.store.ListExpenses(context.Background(), store.ExpenseFilter{UserID: "u1"})
	if len(rows) != 1 || rows[0].Amount != 50 {
		t.Errorf("expenses = %+v, want one $50 expense", rows)
	}
	if !strings.Contains(p.Calls()[0].Req.SystemPrompt, "America/Denver") {
		t.Error("system prompt does not mention the session timezone")
	}
}

func TestChat_SessionOwnedByAnotherUser(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "")
	if status, _ := e.chat(t, map[string]any{"sessionId": "s1", "userId": "u1", "text": "hi"}, ""); status != http.StatusOK {
		t.Fatalf("first message status = %d", status)
	}
	status, body := e.chat(t, map[string]any{"sessionId": "s1", "userId": "u2", "text": "add a $50 gas expense"}, "")
	if status != http.StatusForbidden || body["text"] == "" {
		t.Errorf("foreign message = %d %v, want 403 with refusal text", status, body)
	}
	if got := len(e.llm.Calls()); got != 1 {
		t.Errorf("model calls = %d, want 1", got)
	}
}

func TestChat_BadRequests(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "")
	tests := []struct {
		name string
		body any
		want int
	}{
		{"malformed json", `{"sessionId":`, http.StatusBadRequest},
		{"unknown field", map[string]any{"sessionId": "s", "userId": "u1", "text": "x", "admin": true}, http.StatusBadRequest},
		{"missing text", map[string]any{"sessionId": "s", "userId": "u1"}, http.StatusBadRequest},
		{"missing session", map[string]any{"userId": "u1", "text": "x"}, http.StatusBadRequest},
		{"missing user", map[string]any{"sessionId": "s", "text": "x"}, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := e.chat(t, tt.body, ""); status != tt.want {
				t.Errorf("status = %d (%v), want %d", status, body, tt.want)
			}
		})
	}
}

func TestChat_BearerTokens(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "test-secret")
	u1, err := e.auth.Sign(tool.Identity{UserID: "u1", Role: tool.RoleUser}, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	expired, _ := e.auth.Sign(tool.Identity{UserID: "u1", Role: tool.RoleUser}, -time.Hour)
	forged, _ := NewAuthenticator("other-secret").Sign(tool.Identity{UserID: "u1", Role: tool.RoleAdmin}, time.Hour)

	msg := func(user string) map[string]any {
		return map[string]any{"sessionId": "s-" + user, "userId": user, "text": "hi"}
	}
	tests := []struct {
		name  string
		body  map[string]any
		token string
		want  int
	}{
		{"no token", msg("u1"), "", http.StatusUnauthorized},
		{"expired", msg("u1"), expired, http.StatusUnauthorized},
		{"wrong key", msg("u1"), forged, http.StatusUnauthorized},
		{"claims another user", msg("u2"), u1, http.StatusForbidden},
		{"valid", msg("u1"), u1, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if status, body := e.chat(t, tt.body, tt.token); status != tt.want {
				t.Errorf("status = %d (%v), want %d", status, body, tt.want)
			}
		})
	}
}

func TestAuthenticator_AdminRole(t *testing.T) {
	t.Parallel()

	a := NewAuthenticator("s3cret")
	tok, err := a.Sign(tool.Identity{UserID: "ops", Role: tool.RoleAdmin}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	r := httptest.NewRequest(http.MethodGet, "/v1/voice?access_token="+tok, nil)
	id, err := a.Identify(r, "")
	if err != nil {
		t.Fatalf("Identify: %v", err)
	}
	if id.UserID != "ops" || id.Role != tool.RoleAdmin {
		t.Errorf("Identify() = %+v, want ops/admin", id)
	}
}

func TestVoice_Roundtrip(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/voice?sessionId=v1&userId=u1"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.CloseNow()

	var msg voice.Outbound
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != voice.TypeSession || msg.Token == "" || msg.ExpiresAt == nil {
		t.Fatalf("first message = %+v, want session", msg)
	}

	if err := conn.Write(ctx, websocket.MessageText, []byte("{not json")); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil || msg.Type != voice.TypeError {
		t.Fatalf("after malformed message got %+v (%v), want error message", msg, err)
	}

	if err := wsjson.Write(ctx, conn, voice.Inbound{Type: voice.TypeDelegate, Text: strings.Repeat("x", voice.MaxTextLen+1)}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil || msg.Type != voice.TypeError || !strings.Contains(msg.Text, "too long") {
		t.Fatalf("after oversized delegation got %+v (%v), want too-long error", msg, err)
	}

	if err := wsjson.Write(ctx, conn, voice.Inbound{Type: voice.TypeDelegate, Text: "where is my hotel"}); err != nil {
		t.Fatal(err)
	}
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != voice.TypeResponse || msg.Text != "echo: where is my hotel" {
		t.Errorf("response = %+v", msg)
	}

	// The same session is reachable over text.
	status, body := e.chat(t, map[string]any{"sessionId": "v1", "userId": "u1", "text": "and now?"}, "")
	if status != http.StatusOK || body["text"] != "echo: and now?" {
		t.Errorf("chat on voice session = %d %v", status, body)
	}

	// A second voice connection for the same session is refused.
	if _, resp, err := websocket.Dial(ctx, url, nil); err == nil || resp == nil || resp.StatusCode != http.StatusConflict {
		t.Errorf("second Dial err = %v, want 409", err)
	}

	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func TestVoice_Rejections(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "")
	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing session", "/v1/voice?userId=u1", http.StatusBadRequest},
		{"missing user", "/v1/voice?sessionId=s", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Get(e.srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestVoice_NotConfigured(t *testing.T) {
	t.Parallel()

	s := New(Config{Sessions: session.New(reasoning.New(echoModel(), nil, nil))})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/v1/voice?sessionId=s&userId=u1")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestProbesAndMetrics(t *testing.T) {
	t.Parallel()

	e := newTestEnv(t, echoModel(), "")
	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(e.srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

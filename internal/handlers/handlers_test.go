package handlers

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mossy-p/callagent/internal/call"
	"github.com/mossy-p/callagent/internal/history"
	"github.com/mossy-p/callagent/internal/identity"
	"github.com/mossy-p/callagent/internal/middleware"
	"github.com/mossy-p/callagent/internal/models"
)

const (
	secret = "test-secret"
	origin = "http://localhost:3000"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// stubMachine records intents and serves a fixed snapshot
type stubMachine struct {
	mu       sync.Mutex
	state    call.State
	err      error
	intents  []string
	receiver models.Party
	video    bool
	subs     []chan call.State
}

func (m *stubMachine) record(intent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.intents = append(m.intents, intent)
	return m.err
}

func (m *stubMachine) StartCall(_ context.Context, receiver models.Party, video bool) error {
	m.mu.Lock()
	m.receiver, m.video = receiver, video
	m.mu.Unlock()
	return m.record("start")
}

func (m *stubMachine) AnswerCall(context.Context) error   { return m.record("answer") }
func (m *stubMachine) DeclineCall(context.Context) error  { return m.record("decline") }
func (m *stubMachine) DismissError(context.Context) error { return m.record("dismiss") }

func (m *stubMachine) HangUp(_ context.Context, cleanupOnly bool) error {
	return m.record(fmt.Sprintf("hangup:%t", cleanupOnly))
}

func (m *stubMachine) State() call.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *stubMachine) Subscribe() (<-chan call.State, func()) {
	ch := make(chan call.State, 1)
	m.mu.Lock()
	ch <- m.state
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch, func() {}
}

func (m *stubMachine) push(s call.State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	for _, ch := range m.subs {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}

func (m *stubMachine) recorded() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.intents...)
}

type stubHistory struct {
	selfID string
	limit  int
	err    error
}

func (h *stubHistory) Recent(_ context.Context, selfID string, limit int) ([]history.CallLog, error) {
	h.selfID, h.limit = selfID, limit
	if h.err != nil {
		return nil, h.err
	}
	return []history.CallLog{{CallID: "call-1", SelfID: selfID, PeerID: "bob"}}, nil
}

type fixture struct {
	router  *gin.Engine
	users   *identity.Provider
	machine *stubMachine
	history *stubHistory
	token   string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		users:   identity.NewProvider(),
		machine: &stubMachine{},
		history: &stubHistory{},
	}
	f.users.Set(identity.User{ID: "alice", DisplayName: "Alice"})
	token, err := middleware.IssueToken(secret, identity.User{ID: "alice"})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	f.token = token
	f.router = NewRouter(RouterOptions{
		AllowedOrigins: []string{origin},
		JWTSecret:      secret,
		Users:          f.users,
		Machine:        f.machine,
		History:        f.history,
	})
	return f
}

func (f *fixture) do(method, path, body string, authed bool) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if authed {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
}

func TestOriginFilter(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://evil.test")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusForbidden {
		t.Errorf("status mismatch: got %d, want %d", w.Code, http.StatusForbidden)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/call", nil)
	req.Header.Set("Origin", origin)
	w = httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Errorf("preflight status mismatch: got %d, want %d", w.Code, http.StatusNoContent)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != origin {
		t.Errorf("allow-origin mismatch: got %q, want %q", got, origin)
	}
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/auth/login", `{"userId":"alice","displayName":"Alice Liddell"}`, false)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	var resp models.LoginResponse
	if err := codec.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.UserID != "alice" || resp.Token == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
	if u, _ := f.users.Current(); u.DisplayName != "Alice Liddell" {
		t.Errorf("display name mismatch: got %q", u.DisplayName)
	}

	w = f.do(http.MethodPost, "/api/auth/login", `{"userId":"bob"}`, false)
	if w.Code != http.StatusConflict {
		t.Errorf("status mismatch for second user: got %d, want %d", w.Code, http.StatusConflict)
	}

	w = f.do(http.MethodPost, "/api/auth/login", `{}`, false)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status mismatch for empty body: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestLogout(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/auth/logout", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
	if _, ok := f.users.Current(); ok {
		t.Error("expected user signed out")
	}
	if got := f.machine.recorded(); len(got) != 1 || got[0] != "hangup:false" {
		t.Errorf("intents mismatch: got %v, want [hangup:false]", got)
	}

	w = f.do(http.MethodGet, "/api/call", "", true)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status mismatch after logout: got %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestGetCallRequiresAuth(t *testing.T) {
	f := newFixture(t)
	if w := f.do(http.MethodGet, "/api/call", "", false); w.Code != http.StatusUnauthorized {
		t.Errorf("status mismatch: got %d, want %d", w.Code, http.StatusUnauthorized)
	}
}

func TestGetCall(t *testing.T) {
	f := newFixture(t)
	f.machine.push(call.State{
		Call: &call.ActiveCall{CallID: "call-1", Status: call.StatusRingingIncoming},
	})

	w := f.do(http.MethodGet, "/api/call", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
	body := w.Body.String()
	for _, part := range []string{`"callId":"call-1"`, `"status":"ringing-incoming"`, `"error":null`} {
		if !strings.Contains(body, part) {
			t.Errorf("body missing %s: %s", part, body)
		}
	}
}

func TestStartCall(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/api/call", `{"receiverId":"bob","receiverDisplayName":"Bob","video":true}`, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d (body %s)", w.Code, http.StatusOK, w.Body.String())
	}
	if f.machine.receiver.ID != "bob" || f.machine.receiver.DisplayName != "Bob" || !f.machine.video {
		t.Errorf("unexpected start: %+v video=%t", f.machine.receiver, f.machine.video)
	}

	if w := f.do(http.MethodPost, "/api/call", `{"receiverId":"alice"}`, true); w.Code != http.StatusBadRequest {
		t.Errorf("status mismatch for self call: got %d, want %d", w.Code, http.StatusBadRequest)
	}
	if w := f.do(http.MethodPost, "/api/call", `{"video":true}`, true); w.Code != http.StatusBadRequest {
		t.Errorf("status mismatch for missing receiver: got %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestIntentErrorsMapToStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{call.ErrCallInProgress, http.StatusConflict},
		{call.ErrNoIncomingCall, http.StatusConflict},
		{call.ErrNoIdentity, http.StatusUnauthorized},
		{fmt.Errorf("%w: refused", call.ErrMediaAcquisition), http.StatusInternalServerError},
		{fmt.Errorf("%w: offline", call.ErrSignalingWrite), http.StatusBadGateway},
		{fmt.Errorf("%w: gone", call.ErrAnswer), http.StatusBadGateway},
		{call.ErrStopped, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			f := newFixture(t)
			f.machine.err = tt.err
			w := f.do(http.MethodPost, "/api/call/answer", "", true)
			if w.Code != tt.want {
				t.Errorf("status mismatch: got %d, want %d", w.Code, tt.want)
			}
			if !strings.Contains(w.Body.String(), tt.err.Error()) {
				t.Errorf("body missing error: %s", w.Body.String())
			}
		})
	}
}

func TestIntentRoutes(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/api/call/answer", "/api/call/decline", "/api/call/hangup", "/api/call/dismiss"} {
		if w := f.do(http.MethodPost, path, "", true); w.Code != http.StatusOK {
			t.Errorf("%s: status mismatch: got %d, want %d", path, w.Code, http.StatusOK)
		}
	}
	want := []string{"answer", "decline", "hangup:false", "dismiss"}
	got := f.machine.recorded()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("intents mismatch: got %v, want %v", got, want)
	}
}

func TestListHistory(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodGet, "/api/history?limit=5", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status mismatch: got %d, want %d", w.Code, http.StatusOK)
	}
	if f.history.selfID != "alice" || f.history.limit != 5 {
		t.Errorf("query mismatch: self %q limit %d", f.history.selfID, f.history.limit)
	}
	if !strings.Contains(w.Body.String(), `"callId":"call-1"`) {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	if w := f.do(http.MethodGet, "/api/history?limit=abc", "", true); w.Code != http.StatusBadRequest {
		t.Errorf("status mismatch for bad limit: got %d, want %d", w.Code, http.StatusBadRequest)
	}

	f.history.err = errors.New("db down")
	if w := f.do(http.MethodGet, "/api/history", "", true); w.Code != http.StatusInternalServerError {
		t.Errorf("status mismatch for store failure: got %d, want %d", w.Code, http.StatusInternalServerError)
	}
}

func TestStreamCall(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call?token=" + f.token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	readMessage := func() models.StreamMessage {
		t.Helper()
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}
		var msg models.StreamMessage
		if err := codec.Unmarshal(data, &msg); err != nil {
			t.Fatalf("decode message: %v", err)
		}
		return msg
	}

	if msg := readMessage(); msg.Type != models.StreamState {
		t.Fatalf("first message type mismatch: got %s, want state", msg.Type)
	}

	f.machine.push(call.State{Call: &call.ActiveCall{CallID: "call-2", Status: call.StatusRingingIncoming}})
	msg := readMessage()
	state, ok := msg.State.(map[string]any)
	if msg.Type != models.StreamState || !ok {
		t.Fatalf("unexpected message: %+v", msg)
	}
	if c, _ := state["call"].(map[string]any); c["callId"] != "call-2" {
		t.Errorf("call id mismatch: got %v", state["call"])
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"answer"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"teleport"}`)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	if msg := readMessage(); msg.Type != models.StreamError || !strings.Contains(msg.Error, "teleport") {
		t.Errorf("expected error for unknown type, got %+v", msg)
	}
	if got := f.machine.recorded(); len(got) != 1 || got[0] != "answer" {
		t.Errorf("intents mismatch: got %v, want [answer]", got)
	}
}

func TestStreamCallRequiresToken(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/call"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without a token")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %+v", resp)
	}
}

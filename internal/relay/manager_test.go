package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jwillz7667/realtime-relay/internal/functions"
	"github.com/jwillz7667/realtime-relay/pkg/realtime"
)

// startWS serves handler on an httptest server and returns its ws:// URL.
func startWS(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dialWS(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeWS(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readWS(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return m
}

// readWSUntil reads frames until one of the given type arrives.
func readWSUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for time.Now().Before(deadline) {
		m := readWS(t, conn)
		if m["type"] == eventType {
			return m
		}
	}
	t.Fatalf("never received %q", eventType)
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeDialer) {
	t.Helper()
	dialer := newFakeDialer()
	m := NewManager(ManagerParams{
		Dialer:   dialer.dial,
		Defaults: defaultTestConfig(),
		Model:    "gpt-realtime-2025-08-28",
		Registry: functions.NewRegistry(),
	})
	return m, dialer
}

func managerURLs(t *testing.T, m *Manager) (callURL, logsURL string) {
	t.Helper()
	callURL = startWS(t, func(conn *websocket.Conn, r *http.Request) {
		m.ServeTelephony(r.Context(), conn)
	})
	logsURL = startWS(t, func(conn *websocket.Conn, r *http.Request) {
		m.ServeObserver(r.Context(), conn, r.URL.Query().Get("call"))
	})
	return callURL, logsURL
}

func TestManager_ObserverGetsHelloInLobby(t *testing.T) {
	t.Parallel()

	m, _ := newTestManager(t)
	_, logsURL := managerURLs(t, m)

	obs := dialWS(t, logsURL)
	hello := readWS(t, obs)
	if hello["type"] != "relay.hello" {
		t.Fatalf("first observer frame = %v; want relay.hello", hello["type"])
	}
	if hello["message"] == "" || hello["timestamp"] == nil {
		t.Errorf("hello missing fields: %v", hello)
	}
}

func TestManager_LobbyObserverAdoptedByNextCall(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t)
	callURL, logsURL := managerURLs(t, m)

	// Observer connects before any call exists.
	obs := dialWS(t, logsURL)
	if h := readWS(t, obs); h["type"] != "relay.hello" {
		t.Fatalf("want hello, got %v", h)
	}

	// A call starts; the lobby observer is adopted and sees it go active.
	tel := dialWS(t, callURL)
	writeWS(t, tel, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S9", "callSid": "C9"},
	})

	state := readWSUntil(t, obs, "call.state")
	if state["state"] != "active" || state["callSid"] != "C9" {
		t.Errorf("call.state = %v", state)
	}

	select {
	case model := <-dialer.dialed:
		if model != "gpt-realtime-2025-08-28" {
			t.Errorf("dialed model = %q", model)
		}
	case <-time.After(waitFor):
		t.Fatal("model never dialed")
	}

	if m.ActiveCalls() != 1 {
		t.Errorf("ActiveCalls = %d; want 1", m.ActiveCalls())
	}

	// Call ends: the observer survives and returns to the lobby, and sees
	// the final state transition first.
	_ = tel.Close(websocket.StatusNormalClosure, "hangup")
	state = readWSUntil(t, obs, "call.state")
	for state["state"] == "active" {
		state = readWSUntil(t, obs, "call.state")
	}
	if state["state"] != "disconnected" {
		t.Errorf("final call.state = %v", state)
	}

	deadline := time.Now().Add(waitFor)
	for m.ActiveCalls() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session never disposed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestManager_LobbyConfigSeedsNextSession(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t)
	callURL, logsURL := managerURLs(t, m)

	obs := dialWS(t, logsURL)
	readWS(t, obs) // hello

	// Stage configuration (including a model choice) before any call.
	writeWS(t, obs, map[string]any{
		"type": "session.update",
		"session": map[string]any{
			"model": "gpt-realtime-staged",
			"voice": "cedar",
		},
	})

	// Give the frame time to land before the call starts.
	time.Sleep(100 * time.Millisecond)

	tel := dialWS(t, callURL)
	writeWS(t, tel, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S1", "callSid": "C1"},
	})

	select {
	case model := <-dialer.dialed:
		if model != "gpt-realtime-staged" {
			t.Errorf("dialed model = %q; want staged model", model)
		}
	case <-time.After(waitFor):
		t.Fatal("model never dialed")
	}

	conn := <-dialer.conns
	update := recvMap(t, conn.sent, "session.update")
	session := update["session"].(map[string]any)
	if _, ok := session["model"]; ok {
		t.Error("session.update carries model field")
	}
	voice := session["audio"].(map[string]any)["output"].(map[string]any)["voice"]
	if voice != "cedar" {
		t.Errorf("staged voice not applied: %v", voice)
	}
}

func TestManager_MalformedTelephonyFramesIgnored(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t)
	callURL, _ := managerURLs(t, m)

	tel := dialWS(t, callURL)
	// Provider preamble and junk before start must not create a session.
	writeWS(t, tel, map[string]any{"event": "connected", "protocol": "Call"})
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_ = tel.Write(ctx, websocket.MessageText, []byte("{not json"))

	time.Sleep(100 * time.Millisecond)
	if m.ActiveCalls() != 0 {
		t.Fatalf("ActiveCalls = %d; want 0", m.ActiveCalls())
	}

	writeWS(t, tel, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S1", "callSid": "C1"},
	})
	select {
	case <-dialer.dialed:
	case <-time.After(waitFor):
		t.Fatal("start after junk frames did not create a session")
	}
}

func TestManager_ObserverTargetsNamedCall(t *testing.T) {
	t.Parallel()

	m, dialer := newTestManager(t)
	callURL, logsURL := managerURLs(t, m)

	tel := dialWS(t, callURL)
	writeWS(t, tel, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S1", "callSid": "C42"},
	})
	<-dialer.dialed
	conn := <-dialer.conns
	recvMap(t, conn.sent, "session.update")

	obs := dialWS(t, logsURL+"?call=C42")
	if h := readWS(t, obs); h["type"] != "relay.hello" {
		t.Fatalf("want hello, got %v", h)
	}

	// A model event is mirrored to the attached observer.
	conn.serverEvent(t, realtime.Event{Type: "session.created"})
	mirrored := readWSUntil(t, obs, "session.created")
	if mirrored["type"] != "session.created" {
		t.Fatalf("mirrored = %v", mirrored)
	}
}

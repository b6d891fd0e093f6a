package server_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jwillz7667/realtime-relay/internal/functions"
	"github.com/jwillz7667/realtime-relay/internal/health"
	"github.com/jwillz7667/realtime-relay/internal/relay"
	"github.com/jwillz7667/realtime-relay/internal/server"
	"github.com/jwillz7667/realtime-relay/pkg/realtime"
)

const waitFor = 3 * time.Second

// fakeModel is an in-process stand-in for the Realtime endpoint, handed to
// the manager as its dialer.
type fakeModel struct {
	mu    sync.Mutex
	sent  []map[string]any
	conns chan *fakeModelConn
}

type fakeModelConn struct {
	parent *fakeModel
	events chan realtime.Event
	once   sync.Once
}

func newFakeModel() *fakeModel {
	return &fakeModel{conns: make(chan *fakeModelConn, 4)}
}

func (f *fakeModel) dial(context.Context, string) (relay.ModelConn, <-chan realtime.Event, error) {
	conn := &fakeModelConn{parent: f, events: make(chan realtime.Event, 64)}
	f.conns <- conn
	return conn, conn.events, nil
}

func (c *fakeModelConn) Send(_ context.Context, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	c.parent.mu.Lock()
	c.parent.sent = append(c.parent.sent, m)
	c.parent.mu.Unlock()
	return nil
}

func (c *fakeModelConn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}

func (f *fakeModel) sentTypes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	types := make([]string, len(f.sent))
	for i, m := range f.sent {
		types[i], _ = m["type"].(string)
	}
	return types
}

func newTestServer(t *testing.T, checkers ...health.Checker) (*httptest.Server, *fakeModel) {
	t.Helper()

	model := newFakeModel()
	manager := relay.NewManager(relay.ManagerParams{
		Dialer: model.dial,
		Defaults: map[string]any{
			"type": "realtime",
			"audio": map[string]any{
				"output": map[string]any{"format": map[string]any{"type": "audio/pcmu", "rate": 8000}, "voice": "marin"},
			},
		},
		Model:    "gpt-realtime-2025-08-28",
		Registry: functions.NewRegistry(functions.Builtins()...),
	})

	srv := server.New(server.Params{
		ListenAddr: ":0",
		Manager:    manager,
		Checkers:   checkers,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, model
}

func dialPath(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "test done") })
	return conn
}

func writeFrame(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, _ := json.Marshal(v)
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return m
}

// End-to-end: a call flows over real websockets from /call through the
// bridge to the (fake) model, and an observer on /logs sees the mirror.
func TestServer_CallAndLogsEndToEnd(t *testing.T) {
	t.Parallel()

	ts, model := newTestServer(t)

	obs := dialPath(t, ts, "/logs")
	if hello := readFrame(t, obs); hello["type"] != "relay.hello" {
		t.Fatalf("first observer frame = %v", hello)
	}

	tel := dialPath(t, ts, "/call")
	writeFrame(t, tel, map[string]any{
		"event": "start",
		"start": map[string]any{"streamSid": "S1", "callSid": "C1"},
	})

	// Observer adopted from the lobby sees the call go active.
	state := readFrame(t, obs)
	for state["type"] != "call.state" {
		state = readFrame(t, obs)
	}
	if state["state"] != "active" {
		t.Fatalf("call.state = %v", state)
	}

	// Model leg opens and is configured.
	var conn *fakeModelConn
	select {
	case conn = <-model.conns:
	case <-time.After(waitFor):
		t.Fatal("model never dialed")
	}

	// Caller audio: enough µ-law for one commit.
	payload := base64.StdEncoding.EncodeToString(make([]byte, 1600))
	writeFrame(t, tel, map[string]any{
		"event": "media",
		"media": map[string]any{"timestamp": 0, "payload": payload},
	})

	// Assistant audio comes back out of the telephony socket, mark trailing.
	deadline := time.Now().Add(waitFor)
	for {
		types := model.sentTypes()
		if contains(types, "session.update") && contains(types, "input_audio_buffer.append") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("model never saw append; got %v", types)
		}
		time.Sleep(10 * time.Millisecond)
	}

	conn.events <- realtime.Event{
		Type:   "response.output_audio.delta",
		ItemID: "item_1",
		Delta:  payload,
		Raw:    mustJSON(map[string]any{"type": "response.output_audio.delta", "item_id": "item_1", "delta": payload}),
	}

	media := readFrame(t, tel)
	if media["event"] != "media" || media["streamSid"] != "S1" {
		t.Fatalf("telephony media = %v", media)
	}
	mark := readFrame(t, tel)
	if mark["event"] != "mark" {
		t.Fatalf("telephony mark = %v", mark)
	}

	// The observer mirrored the delta verbatim.
	mirror := readFrame(t, obs)
	for mirror["type"] != "response.output_audio.delta" {
		mirror = readFrame(t, obs)
	}
	if mirror["item_id"] != "item_1" {
		t.Errorf("mirrored delta = %v", mirror)
	}
}

func TestServer_HealthEndpoints(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t, health.Checker{
		Name:  "upstream",
		Check: func(context.Context) error { return errors.New("down") },
	})

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/healthz status = %d", resp.StatusCode)
	}

	resp2, err := http.Get(ts.URL + "/readyz")
	if err != nil {
		t.Fatalf("GET /readyz: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("/readyz status = %d; want 503 with failing checker", resp2.StatusCode)
	}
	body, _ := io.ReadAll(resp2.Body)
	if !strings.Contains(string(body), "upstream") {
		t.Errorf("/readyz body = %s", body)
	}
}

func TestServer_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("/metrics status = %d", resp.StatusCode)
	}
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}

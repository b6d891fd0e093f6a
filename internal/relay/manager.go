package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"

	"github.com/jwillz7667/realtime-relay/internal/functions"
	"github.com/jwillz7667/realtime-relay/internal/observe"
	"github.com/jwillz7667/realtime-relay/internal/sanitize"
)

// ManagerParams configures a [Manager].
type ManagerParams struct {
	// Dialer opens model-leg connections.
	Dialer ModelDialer

	// Defaults is the default session-configuration document.
	Defaults map[string]any

	// Model is the default model id for new calls.
	Model string

	Registry *functions.Registry
	Metrics  *observe.Metrics
}

// Manager owns the callSid → session map and the observer lobby. Observers
// may connect before any call exists; they park in the lobby and are
// adopted by the next session created, so a dashboard left open sees every
// call on the relay.
type Manager struct {
	p ManagerParams

	mu       sync.Mutex
	sessions map[string]*Session
	latest   *Session
	lobby    map[*Observer]struct{}
	homes    map[*Observer]*Session

	// pendingConfig holds sanitized session.update payloads sent by lobby
	// observers; it seeds savedConfig of the next session so a call can be
	// configured before it starts.
	pendingConfig map[string]any
}

// NewManager creates an empty manager.
func NewManager(p ManagerParams) *Manager {
	if p.Metrics == nil {
		p.Metrics = observe.Nop()
	}
	if p.Registry == nil {
		p.Registry = functions.NewRegistry()
	}
	return &Manager{
		p:        p,
		sessions: make(map[string]*Session),
		lobby:    make(map[*Observer]struct{}),
		homes:    make(map[*Observer]*Session),
	}
}

// ActiveCalls returns the number of live sessions.
func (m *Manager) ActiveCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// ─── Telephony leg ───────────────────────────────────────────────────────────

// ServeTelephony drives one telephony websocket to completion. The session
// is created on the first start frame; everything before it (the provider's
// "connected" preamble) is ignored.
func (m *Manager) ServeTelephony(ctx context.Context, ws *websocket.Conn) {
	conn := &wsConn{conn: ws}
	var sess *Session

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		frame, ok := ParseTelephonyFrame(data)
		if !ok {
			slog.Debug("malformed telephony frame")
			continue
		}
		if sess == nil {
			if frame.Event != "start" || frame.Start == nil {
				continue
			}
			sess = m.createSession(conn, frame.Start.CallSid)
		}
		sess.PostTelephonyFrame(frame)
	}

	if sess != nil {
		sess.PostTelephonyClosed()
	} else {
		_ = conn.Close()
	}
}

// createSession builds the per-call session, seeds it with any lobby-
// provided configuration, and adopts every parked observer.
func (m *Manager) createSession(conn TelephonyConn, callSid string) *Session {
	m.mu.Lock()
	saved := m.pendingConfig
	m.pendingConfig = nil

	model := m.p.Model
	if saved != nil {
		if requested, _ := saved["model"].(string); requested != "" {
			model = requested
		}
	}

	sess := NewSession(SessionParams{
		Telephony:   conn,
		Dialer:      m.p.Dialer,
		Defaults:    m.p.Defaults,
		SavedConfig: saved,
		Model:       model,
		Registry:    m.p.Registry,
		Metrics:     m.p.Metrics,
		OnEnd:       m.sessionEnded,
	})
	m.sessions[callSid] = sess
	m.latest = sess

	adopted := make([]*Observer, 0, len(m.lobby))
	for o := range m.lobby {
		delete(m.lobby, o)
		m.homes[o] = sess
		adopted = append(adopted, o)
	}
	m.mu.Unlock()

	for _, o := range adopted {
		sess.AttachObserver(o)
	}
	return sess
}

// sessionEnded is the session OnEnd callback: surviving observers return
// to the lobby so the next call picks them up.
func (m *Manager) sessionEnded(s *Session, orphans []*Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sid, sess := range m.sessions {
		if sess == s {
			delete(m.sessions, sid)
		}
	}
	if m.latest == s {
		m.latest = nil
	}
	for _, o := range orphans {
		delete(m.homes, o)
		m.lobby[o] = struct{}{}
	}
}

// ─── Observer leg ────────────────────────────────────────────────────────────

// ServeObserver drives one observer websocket to completion. callSid may
// name a specific active call; empty attaches to the current call, or to
// the lobby when none is active.
func (m *Manager) ServeObserver(ctx context.Context, ws *websocket.Conn, callSid string) {
	conn := &wsConn{conn: ws}
	obs := newObserver(conn, func() { m.countObserverDrop() })
	obs.sendJSON(helloEvent())

	m.attachObserver(obs, callSid)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			break
		}
		m.routeObserverFrame(obs, data)
	}

	m.removeObserver(obs)
}

func (m *Manager) attachObserver(obs *Observer, callSid string) {
	m.mu.Lock()
	sess := m.latest
	if callSid != "" {
		sess = m.sessions[callSid]
	}
	if sess == nil {
		m.lobby[obs] = struct{}{}
		m.mu.Unlock()
		return
	}
	m.homes[obs] = sess
	m.mu.Unlock()
	sess.AttachObserver(obs)
}

func (m *Manager) routeObserverFrame(obs *Observer, data []byte) {
	m.mu.Lock()
	sess := m.homes[obs]
	m.mu.Unlock()

	if sess != nil {
		sess.PostObserverFrame(obs, data)
		return
	}

	// Lobby observers can stage configuration for the next call.
	var generic map[string]any
	if err := json.Unmarshal(data, &generic); err != nil {
		slog.Debug("malformed lobby observer frame", "observer", obs.ID)
		return
	}
	eventType, _ := generic["type"].(string)
	if eventType != "session.update" {
		slog.Warn("dropping lobby observer event with no active call", "type", eventType)
		return
	}
	payload, _ := generic["session"].(map[string]any)
	if payload == nil {
		return
	}
	sanitized := sanitize.Session(payload)
	m.mu.Lock()
	m.pendingConfig = sanitized
	m.mu.Unlock()
}

func (m *Manager) removeObserver(obs *Observer) {
	m.mu.Lock()
	sess := m.homes[obs]
	delete(m.homes, obs)
	delete(m.lobby, obs)
	m.mu.Unlock()

	if sess != nil {
		sess.DetachObserver(obs)
	}
	obs.close()
}

func (m *Manager) countObserverDrop() {
	m.p.Metrics.DroppedFrames.Add(context.Background(), 1)
}

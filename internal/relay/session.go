// Package relay implements the realtime session bridge: the bidirectional
// audio-and-event pipeline between a telephony media-stream websocket, the
// model's realtime websocket, and any number of observer sockets.
//
// Each call is owned by a [Session] running a single event loop: every
// mutation of session state happens in response to one message on the
// session inbox (a socket frame, a timer firing, or a function-call
// completion), so the response-creation gate, the audio byte accounting,
// and the truncation computation always observe a consistent snapshot
// without locks.
package relay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/jwillz7667/realtime-relay/internal/functions"
	"github.com/jwillz7667/realtime-relay/internal/observe"
	"github.com/jwillz7667/realtime-relay/internal/sanitize"
	"github.com/jwillz7667/realtime-relay/pkg/realtime"
)

// Bridge timing and sizing constants.
const (
	// PendingCommitDelay is the debounce applied after the most recent
	// media frame before committing buffered input audio.
	PendingCommitDelay = 120 * time.Millisecond

	// MinCommitBytes is the smallest committable audio segment the model
	// accepts: 120 ms of µ-law at 8 kHz, one byte per sample.
	MinCommitBytes = 960

	// ReconnectDelay is the grace period before re-dialing the model after
	// its socket drops while the call is still live.
	ReconnectDelay = 200 * time.Millisecond

	// maxModelReconnects bounds consecutive failed reconnect attempts so a
	// dead upstream cannot keep the session in a dial loop for the whole
	// call. A successful open resets the count.
	maxModelReconnects = 5

	sendTimeout = 10 * time.Second
	inboxBuf    = 256
)

// ModelConn is the write side of an open model websocket.
type ModelConn interface {
	Send(ctx context.Context, ev any) error
	Close() error
}

// ModelDialer opens the model leg for the given model id and returns the
// connection plus its inbound event stream. The stream closes when the
// connection dies.
type ModelDialer func(ctx context.Context, model string) (ModelConn, <-chan realtime.Event, error)

// TelephonyConn is the write side of the telephony websocket.
type TelephonyConn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// ─── Inbox messages ──────────────────────────────────────────────────────────

type sessionMsg interface{ isSessionMsg() }

type telephonyFrameMsg struct{ frame *TelephonyFrame }
type telephonyClosedMsg struct{}
type modelOpenedMsg struct {
	conn   ModelConn
	events <-chan realtime.Event
	model  string
}
type modelClosedMsg struct {
	conn ModelConn // nil for a failed dial attempt
	err  error
}
type modelEventMsg struct{ ev realtime.Event }
type observerJoinMsg struct{ obs *Observer }
type observerLeaveMsg struct{ obs *Observer }
type observerFrameMsg struct {
	obs *Observer
	raw []byte
}
type commitTimerMsg struct{ gen uint64 }
type reconnectTimerMsg struct{ gen uint64 }
type functionResultMsg struct {
	callID string
	output string
}

func (telephonyFrameMsg) isSessionMsg()  {}
func (telephonyClosedMsg) isSessionMsg() {}
func (modelOpenedMsg) isSessionMsg()     {}
func (modelClosedMsg) isSessionMsg()     {}
func (modelEventMsg) isSessionMsg()      {}
func (observerJoinMsg) isSessionMsg()    {}
func (observerLeaveMsg) isSessionMsg()   {}
func (observerFrameMsg) isSessionMsg()   {}
func (commitTimerMsg) isSessionMsg()     {}
func (reconnectTimerMsg) isSessionMsg()  {}
func (functionResultMsg) isSessionMsg()  {}

// ─── Session ─────────────────────────────────────────────────────────────────

// SessionParams carries everything a new Session needs.
type SessionParams struct {
	Telephony TelephonyConn
	Dialer    ModelDialer

	// Defaults is the default session-configuration document from config.
	Defaults map[string]any

	// SavedConfig seeds the observer-provided configuration, allowing
	// dashboards to configure a call before it starts.
	SavedConfig map[string]any

	// Model is the initial model id dialed for this call.
	Model string

	Registry *functions.Registry
	Metrics  *observe.Metrics

	// OnEnd is called exactly once when the session disposes, with the
	// observers that were still attached.
	OnEnd func(s *Session, orphans []*Observer)

	// Tunables; zero values mean the package defaults. Tests lower them.
	CommitDelay    time.Duration
	MinCommitBytes int
	ReconnectDelay time.Duration
}

// Session is the per-call bridge actor. All fields below params are owned
// by the run loop and must not be touched from outside it.
type Session struct {
	tel   TelephonyConn
	dial  ModelDialer
	reg   *functions.Registry
	met   *observe.Metrics
	onEnd func(*Session, []*Observer)

	defaults       map[string]any
	commitDelay    time.Duration
	minCommitBytes int
	reconnectDelay time.Duration

	inbox  chan sessionMsg
	done   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	// Identifiers.
	streamSid string
	callSid   string

	// Model leg.
	model       string // desired model id
	activeModel string // model of the open socket, "" while closed
	conn        ModelConn
	dialing     bool
	reconnects  int
	recoGen     uint64

	// Audio bookkeeping.
	latestMediaTimestamp   int64
	responseStartTimestamp int64 // -1 while unset
	hasBufferedAudio       bool
	pendingAudioBytes      int
	commitGen              uint64
	commitTimer            *time.Timer

	// Response machine.
	responseInProgress        bool
	responseCreateQueued      bool
	responseCreateForceQueued bool
	committedAudioPending     bool
	responseOutputAudioBytes  int
	lastAssistantItem         string

	savedConfig map[string]any
	outputSpec  sanitize.AudioSpec

	observers map[*Observer]struct{}
	ending    bool
}

// NewSession creates and starts a session actor for one call.
func NewSession(p SessionParams) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		tel:            p.Telephony,
		dial:           p.Dialer,
		reg:            p.Registry,
		met:            p.Metrics,
		onEnd:          p.OnEnd,
		defaults:       p.Defaults,
		commitDelay:    orDuration(p.CommitDelay, PendingCommitDelay),
		minCommitBytes: orInt(p.MinCommitBytes, MinCommitBytes),
		reconnectDelay: orDuration(p.ReconnectDelay, ReconnectDelay),
		inbox:          make(chan sessionMsg, inboxBuf),
		done:           make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		model:          p.Model,
		savedConfig:    p.SavedConfig,
		observers:      make(map[*Observer]struct{}),

		responseStartTimestamp: -1,
	}
	if s.met == nil {
		s.met = observe.Nop()
	}
	if s.savedConfig == nil {
		s.savedConfig = map[string]any{}
	}
	s.refreshOutputSpec()

	s.met.ActiveCalls.Add(ctx, 1)
	go s.run()
	return s
}

// CallSid returns the provider call id once the start frame has arrived.
// Only meaningful to read from manager callbacks.
func (s *Session) CallSid() string { return s.callSid }

// Done is closed when the session has disposed.
func (s *Session) Done() <-chan struct{} { return s.done }

// ─── Posting (called from socket readers and timers) ─────────────────────────

// PostTelephonyFrame delivers one parsed telephony frame to the loop.
func (s *Session) PostTelephonyFrame(f *TelephonyFrame) { s.post(telephonyFrameMsg{frame: f}) }

// PostTelephonyClosed signals that the telephony socket is gone.
func (s *Session) PostTelephonyClosed() { s.post(telephonyClosedMsg{}) }

// AttachObserver adds an observer to this session's fan-out set.
func (s *Session) AttachObserver(o *Observer) { s.post(observerJoinMsg{obs: o}) }

// DetachObserver removes an observer. Safe to call after disposal.
func (s *Session) DetachObserver(o *Observer) { s.post(observerLeaveMsg{obs: o}) }

// PostObserverFrame delivers an observer-originated client frame.
func (s *Session) PostObserverFrame(o *Observer, raw []byte) {
	s.post(observerFrameMsg{obs: o, raw: raw})
}

func (s *Session) post(m sessionMsg) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.inbox <- m:
	case <-s.done:
	}
}

// ─── Run loop ────────────────────────────────────────────────────────────────

func (s *Session) run() {
	for {
		select {
		case <-s.done:
			return
		case m := <-s.inbox:
			s.dispatch(m)
		}
	}
}

func (s *Session) dispatch(m sessionMsg) {
	switch msg := m.(type) {
	case telephonyFrameMsg:
		s.handleTelephonyFrame(msg.frame)
	case telephonyClosedMsg:
		s.teardown()
	case modelOpenedMsg:
		s.handleModelOpened(msg)
	case modelClosedMsg:
		s.handleModelClosed(msg)
	case modelEventMsg:
		s.handleModelEvent(msg.ev)
	case observerJoinMsg:
		s.handleObserverJoin(msg.obs)
	case observerLeaveMsg:
		s.handleObserverLeave(msg.obs)
	case observerFrameMsg:
		s.handleObserverFrame(msg.obs, msg.raw)
	case commitTimerMsg:
		s.handleCommitTimer(msg.gen)
	case reconnectTimerMsg:
		s.handleReconnectTimer(msg.gen)
	case functionResultMsg:
		s.handleFunctionResult(msg)
	}
}

// ─── Telephony leg ───────────────────────────────────────────────────────────

func (s *Session) handleTelephonyFrame(f *TelephonyFrame) {
	switch f.Event {
	case "start":
		s.handleStart(f.Start)
	case "media":
		s.handleMedia(f.Media)
	case "mark":
		// Playback-progress ack; nothing to account.
		slog.Debug("telephony mark ack", "call", s.callSid)
	case "stop", "close":
		s.teardown()
	default:
		slog.Debug("unhandled telephony event", "event", f.Event)
	}
}

func (s *Session) handleStart(start *TelephonyStart) {
	if start == nil {
		slog.Debug("start frame missing payload")
		return
	}
	s.streamSid = start.StreamSid
	s.callSid = start.CallSid

	// Fresh call: zero all timing and response bookkeeping.
	s.latestMediaTimestamp = 0
	s.responseStartTimestamp = -1
	s.hasBufferedAudio = false
	s.pendingAudioBytes = 0
	s.cancelCommitTimer()
	s.responseInProgress = false
	s.responseCreateQueued = false
	s.responseCreateForceQueued = false
	s.committedAudioPending = false
	s.responseOutputAudioBytes = 0
	s.lastAssistantItem = ""

	slog.Info("call started", "call", s.callSid, "stream", s.streamSid)
	s.broadcast(callStateEvent("active", s.callSid))
	s.connectModel()
}

func (s *Session) handleMedia(media *TelephonyMedia) {
	if media == nil {
		return
	}
	s.latestMediaTimestamp = media.Timestamp

	decoded, err := base64.StdEncoding.DecodeString(media.Payload)
	if err != nil {
		slog.Debug("undecodable media payload", "call", s.callSid, "err", err)
		return
	}
	if len(decoded) == 0 {
		return
	}
	if s.conn == nil {
		return
	}

	s.sendModel("input_audio_buffer.append", map[string]any{"audio": media.Payload})
	s.hasBufferedAudio = true
	s.pendingAudioBytes += len(decoded)
	s.met.AudioBytesIn.Add(s.ctx, int64(len(decoded)))
	s.armCommitTimer()
}

// ─── Commit debounce ─────────────────────────────────────────────────────────

func (s *Session) armCommitTimer() {
	s.commitGen++
	gen := s.commitGen
	if s.commitTimer != nil {
		s.commitTimer.Stop()
	}
	s.commitTimer = time.AfterFunc(s.commitDelay, func() {
		s.post(commitTimerMsg{gen: gen})
	})
}

func (s *Session) cancelCommitTimer() {
	s.commitGen++
	if s.commitTimer != nil {
		s.commitTimer.Stop()
		s.commitTimer = nil
	}
}

func (s *Session) handleCommitTimer(gen uint64) {
	if gen != s.commitGen {
		return // superseded by a newer media frame or a cancel
	}
	s.commitPending(false)
}

// commitPending closes off the buffered audio segment. Below the minimum
// committable size the segment is deferred (timer re-armed) unless force is
// set, in which case it is discarded.
func (s *Session) commitPending(force bool) {
	if s.conn == nil || s.pendingAudioBytes < s.minCommitBytes {
		if force {
			s.hasBufferedAudio = false
			s.pendingAudioBytes = 0
			return
		}
		if s.hasBufferedAudio && s.conn != nil {
			s.armCommitTimer()
		}
		return
	}

	s.sendModel("input_audio_buffer.commit", nil)
	s.hasBufferedAudio = false
	s.pendingAudioBytes = 0
	s.committedAudioPending = true
	s.met.Commits.Add(s.ctx, 1)
	s.requestResponseCreate(false)
}

// ─── Response-creation gate ──────────────────────────────────────────────────

// requestResponseCreate asks the model for a reply. While a response is in
// flight the request is coalesced; force (function-call follow-ups) is
// sticky-OR across coalesced requests.
func (s *Session) requestResponseCreate(force bool) {
	if s.conn == nil {
		return
	}
	if !force && !s.committedAudioPending {
		return
	}
	if s.responseInProgress {
		s.responseCreateQueued = true
		s.responseCreateForceQueued = s.responseCreateForceQueued || force
		return
	}

	s.responseInProgress = true
	s.responseCreateQueued = false
	s.responseCreateForceQueued = force
	if !force {
		s.committedAudioPending = false
	}
	s.sendModel("response.create", nil)
}

// ─── Model leg ───────────────────────────────────────────────────────────────

func (s *Session) connectModel() {
	if s.conn != nil || s.dialing || s.ending {
		return
	}
	s.dialing = true
	model := s.model

	go func() {
		start := time.Now()
		conn, events, err := s.dial(s.ctx, model)
		if err != nil {
			slog.Warn("model dial failed", "call", s.callSid, "model", model, "err", err)
			s.post(modelClosedMsg{err: err})
			return
		}
		s.met.ModelConnectDuration.Record(s.ctx, time.Since(start).Seconds())
		s.post(modelOpenedMsg{conn: conn, events: events, model: model})
	}()
}

func (s *Session) handleModelOpened(m modelOpenedMsg) {
	s.dialing = false
	if s.ending {
		go m.conn.Close()
		return
	}
	if m.model != s.model {
		// A model switch arrived while this dial was in flight; cycle onto
		// the requested model.
		go m.conn.Close()
		s.connectModel()
		return
	}
	s.conn = m.conn
	s.activeModel = m.model
	s.reconnects = 0

	// Pump inbound events into the loop; the stream closing means the
	// connection died.
	go func(conn ModelConn, events <-chan realtime.Event) {
		for ev := range events {
			s.post(modelEventMsg{ev: ev})
		}
		s.post(modelClosedMsg{conn: conn})
	}(m.conn, m.events)

	effective := s.effectiveConfig()
	s.outputSpec = outputSpecOf(effective)
	slog.Info("model connected", "call", s.callSid, "model", m.model)
	s.sendModel("session.update", map[string]any{"session": effective})
}

// effectiveConfig deep-merges the observer-provided configuration over the
// defaults and strips the model field (the model id is pinned by the
// connect URL).
func (s *Session) effectiveConfig() map[string]any {
	merged := sanitize.Session(sanitize.Merge(s.defaults, s.savedConfig))
	delete(merged, "model")
	return merged
}

func (s *Session) refreshOutputSpec() {
	s.outputSpec = outputSpecOf(sanitize.Merge(s.defaults, s.savedConfig))
}

func outputSpecOf(session map[string]any) sanitize.AudioSpec {
	if audio, ok := session["audio"].(map[string]any); ok {
		if out, ok := audio["output"].(map[string]any); ok {
			if f, ok := out["format"]; ok {
				return sanitize.FormatSpec(f)
			}
		}
	}
	return sanitize.FormatSpec(nil)
}

func (s *Session) handleModelClosed(m modelClosedMsg) {
	if m.conn != nil && m.conn != s.conn {
		return // a pump from a connection we already abandoned
	}
	s.dialing = false
	s.conn = nil
	s.activeModel = ""
	if s.ending {
		return
	}

	slog.Warn("model socket closed", "call", s.callSid, "err", m.err)
	s.broadcast(callStateEvent("model_disconnected", s.callSid))

	s.reconnects++
	if s.reconnects > maxModelReconnects {
		slog.Error("giving up on model reconnect", "call", s.callSid, "attempts", s.reconnects-1)
		return
	}
	s.met.ModelReconnects.Add(s.ctx, 1)
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.recoGen++
	gen := s.recoGen
	time.AfterFunc(s.reconnectDelay, func() {
		s.post(reconnectTimerMsg{gen: gen})
	})
}

func (s *Session) handleReconnectTimer(gen uint64) {
	if gen != s.recoGen || s.ending {
		return
	}
	s.connectModel()
}

// ─── Model events ────────────────────────────────────────────────────────────

func (s *Session) handleModelEvent(ev realtime.Event) {
	// Everything the model says is mirrored to observers, errors included.
	s.broadcastRaw(ev.Raw)

	switch ev.Type {
	case "error":
		s.handleModelError(ev.Error)
	case "input_audio_buffer.speech_started":
		s.truncateAssistantAudio()
	case "response.output_audio.delta":
		s.handleAudioDelta(ev)
	case "response.created":
		s.responseInProgress = true
		s.responseOutputAudioBytes = 0
		if !s.responseCreateForceQueued {
			s.committedAudioPending = false
		}
	case "response.done":
		s.handleResponseDone()
	case "response.output_item.done":
		if ev.Item != nil && ev.Item.Type == "function_call" {
			s.dispatchFunction(ev.Item)
		}
	default:
		if !realtime.IsServerEvent(ev.Type) && !realtime.IsUndocumentedServerEvent(ev.Type) {
			slog.Debug("unknown model event", "type", ev.Type)
		}
	}
}

func (s *Session) handleModelError(detail *realtime.ErrorDetail) {
	code := ""
	msg := ""
	if detail != nil {
		code, msg = detail.Code, detail.Message
	}
	switch code {
	case "input_audio_buffer_commit_empty":
		// The commit raced an empty buffer; drop the bookkeeping and wait
		// for more audio.
		s.hasBufferedAudio = false
		s.pendingAudioBytes = 0
		s.committedAudioPending = false
	case "conversation_already_has_active_response":
		s.responseInProgress = true
		s.responseCreateQueued = true
	default:
		slog.Warn("model error event", "call", s.callSid, "code", code, "message", msg)
	}
}

func (s *Session) handleAudioDelta(ev realtime.Event) {
	decoded, err := base64.StdEncoding.DecodeString(ev.Delta)
	if err != nil {
		slog.Debug("undecodable audio delta", "call", s.callSid, "err", err)
		return
	}

	if ev.ItemID != s.lastAssistantItem {
		s.lastAssistantItem = ev.ItemID
		s.responseOutputAudioBytes = 0
	}
	s.responseOutputAudioBytes += len(decoded)
	s.met.AudioBytesOut.Add(s.ctx, int64(len(decoded)))

	if s.responseStartTimestamp < 0 {
		s.responseStartTimestamp = s.latestMediaTimestamp
	}

	s.sendTelephony(mediaFrame(s.streamSid, ev.Delta))
	s.sendTelephony(markFrame(s.streamSid, "assistant_"+ev.ItemID))
}

func (s *Session) handleResponseDone() {
	s.responseInProgress = false
	queued := s.responseCreateQueued
	force := s.responseCreateForceQueued
	s.responseCreateQueued = false
	s.responseCreateForceQueued = false
	s.responseOutputAudioBytes = 0
	s.responseStartTimestamp = -1
	if queued {
		s.requestResponseCreate(force)
	}
}

// ─── Barge-in truncation ─────────────────────────────────────────────────────

// truncateAssistantAudio cuts the in-flight assistant reply at the point
// the caller has actually heard, clears the provider's playback buffer, and
// resets the reply bookkeeping. A no-op when no reply is playing.
func (s *Session) truncateAssistantAudio() {
	if s.lastAssistantItem == "" || s.responseStartTimestamp < 0 {
		return
	}

	requestedMs := s.latestMediaTimestamp - s.responseStartTimestamp
	if requestedMs < 0 {
		requestedMs = 0
	}
	availableMs := s.outputSpec.DurationMs(uint64(s.responseOutputAudioBytes))

	endMs := requestedMs
	if availableMs > 0 && availableMs < endMs {
		endMs = availableMs
	}

	s.sendModel("conversation.item.truncate", map[string]any{
		"item_id":       s.lastAssistantItem,
		"content_index": 0,
		"audio_end_ms":  endMs,
	})
	s.sendTelephony(clearFrame(s.streamSid))
	s.met.Truncations.Add(s.ctx, 1)

	s.lastAssistantItem = ""
	s.responseStartTimestamp = -1
	s.responseOutputAudioBytes = 0
}

// ─── Function dispatch ───────────────────────────────────────────────────────

// dispatchFunction runs the handler off-loop and re-enters the session with
// the serialized result.
func (s *Session) dispatchFunction(item *realtime.OutputItem) {
	name, callID, args := item.Name, item.CallID, item.Arguments

	go func() {
		ctx, span := observe.Tracer().Start(s.ctx, "function."+name)
		start := time.Now()
		output, ok := s.reg.Call(ctx, name, args)
		span.End()

		status := "ok"
		if !ok {
			status = "error"
		}
		s.met.FunctionDuration.Record(s.ctx, time.Since(start).Seconds())
		s.met.FunctionCalls.Add(s.ctx, 1, metric.WithAttributes(
			attribute.String("function", name),
			attribute.String("status", status),
		))

		s.post(functionResultMsg{callID: callID, output: output})
	}()
}

func (s *Session) handleFunctionResult(m functionResultMsg) {
	s.sendModel("conversation.item.create", map[string]any{
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": m.callID,
			"status":  "completed",
			"output":  m.output,
		},
	})
	s.requestResponseCreate(true)
}

// ─── Observers ───────────────────────────────────────────────────────────────

// handleObserverJoin adds an observer to the fan-out set. The relay.hello
// greeting is sent at connection time by the manager, not on adoption, so
// an observer surviving across calls is greeted once.
func (s *Session) handleObserverJoin(o *Observer) {
	s.observers[o] = struct{}{}
	s.met.ActiveObservers.Add(s.ctx, 1)
}

func (s *Session) handleObserverLeave(o *Observer) {
	if _, ok := s.observers[o]; !ok {
		return
	}
	delete(s.observers, o)
	s.met.ActiveObservers.Add(s.ctx, -1)
	o.close()
}

func (s *Session) handleObserverFrame(o *Observer, raw []byte) {
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		slog.Debug("malformed observer frame", "observer", o.ID, "err", err)
		return
	}
	eventType, _ := generic["type"].(string)

	if eventType == "session.update" {
		s.handleObserverSessionUpdate(generic)
		return
	}

	if !realtime.IsClientEvent(eventType) {
		slog.Warn("dropping unknown observer event", "observer", o.ID, "type", eventType)
		s.countDrop("invalid_client_event")
		return
	}

	// Any other valid client event passes through opportunistically.
	s.sendModelRaw(eventType, generic)
}

func (s *Session) handleObserverSessionUpdate(frame map[string]any) {
	payload, _ := frame["session"].(map[string]any)
	if payload == nil {
		slog.Debug("session.update without session payload")
		return
	}

	sanitized := sanitize.Session(payload)
	s.savedConfig = sanitized
	s.refreshOutputSpec()

	requestedModel, _ := sanitized["model"].(string)
	if requestedModel != "" && requestedModel != s.model {
		// A model change cannot be applied in place: the id is pinned in
		// the connect URL, so the socket is cycled under the new model.
		slog.Info("model change requested", "call", s.callSid, "from", s.model, "to", requestedModel)
		s.model = requestedModel
		if s.conn != nil {
			conn := s.conn
			s.conn = nil
			s.activeModel = ""
			go conn.Close()
			s.connectModel()
		}
		return
	}

	if s.conn != nil {
		fwd := make(map[string]any, len(sanitized))
		for k, v := range sanitized {
			fwd[k] = v
		}
		delete(fwd, "model")
		s.sendModel("session.update", map[string]any{"session": fwd})
	}
}

// broadcast marshals v once and fans it out to every observer.
func (s *Session) broadcast(v any) {
	if len(s.observers) == 0 {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("broadcast marshal failed", "err", err)
		return
	}
	s.broadcastRaw(data)
}

func (s *Session) broadcastRaw(data []byte) {
	for o := range s.observers {
		o.send(data)
	}
}

// ─── Sending ─────────────────────────────────────────────────────────────────

// sendModel emits one client event toward the model. Events whose type is
// not in the client registry are dropped with a warning.
func (s *Session) sendModel(eventType string, fields map[string]any) {
	ev := map[string]any{"type": eventType}
	for k, v := range fields {
		ev[k] = v
	}
	s.sendModelRaw(eventType, ev)
}

func (s *Session) sendModelRaw(eventType string, ev map[string]any) {
	if !realtime.IsClientEvent(eventType) {
		slog.Warn("dropping non-client event toward model", "type", eventType)
		s.countDrop("invalid_client_event")
		return
	}
	if s.conn == nil {
		return
	}

	// Observers mirror the outbound side of the conversation too.
	s.broadcast(ev)

	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.conn.Send(ctx, ev); err != nil {
		slog.Warn("model send failed", "call", s.callSid, "type", eventType, "err", err)
		// Let the read pump observe the broken socket and drive the
		// disconnect path exactly once.
		conn := s.conn
		go conn.Close()
	}
}

func (s *Session) sendTelephony(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("telephony frame marshal failed", "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, sendTimeout)
	defer cancel()
	if err := s.tel.Write(ctx, data); err != nil {
		slog.Warn("telephony write failed", "call", s.callSid, "err", err)
		_ = s.tel.Close()
	}
}

func (s *Session) countDrop(reason string) {
	s.met.DroppedFrames.Add(s.ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// ─── Teardown ────────────────────────────────────────────────────────────────

// teardown ends the call: pending audio is force-flushed, the model socket
// closed, the final state broadcast, and any remaining observers handed
// back to the manager for re-use by the next call.
func (s *Session) teardown() {
	if s.ending {
		return
	}
	s.ending = true

	s.cancelCommitTimer()
	s.commitPending(true)

	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		s.activeModel = ""
		go conn.Close()
	}

	s.broadcast(callStateEvent("disconnected", s.callSid))
	_ = s.tel.Close()

	orphans := make([]*Observer, 0, len(s.observers))
	for o := range s.observers {
		orphans = append(orphans, o)
		s.met.ActiveObservers.Add(s.ctx, -1)
	}
	s.observers = make(map[*Observer]struct{})

	s.met.ActiveCalls.Add(s.ctx, -1)
	slog.Info("call ended", "call", s.callSid)

	close(s.done)
	s.cancel()
	if s.onEnd != nil {
		s.onEnd(s, orphans)
	}
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

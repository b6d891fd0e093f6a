package relay

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// observerBuf is the per-observer outbound queue depth. Observers are
// read-mostly dashboards; when one stops draining, frames addressed to it
// are dropped rather than stalling the session.
const observerBuf = 64

// observerConn is the write side of an observer websocket.
type observerConn interface {
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Observer is one connected dashboard socket. Frames are queued on out and
// written by a dedicated goroutine so a slow observer never backpressures
// the session loop.
type Observer struct {
	ID   string
	conn observerConn

	out  chan []byte
	done chan struct{}

	onDrop func()
}

// newObserver wraps conn and starts its writer goroutine.
func newObserver(conn observerConn, onDrop func()) *Observer {
	o := &Observer{
		ID:     uuid.NewString(),
		conn:   conn,
		out:    make(chan []byte, observerBuf),
		done:   make(chan struct{}),
		onDrop: onDrop,
	}
	go o.writeLoop()
	return o
}

// send queues data for delivery, dropping it when the queue is full.
func (o *Observer) send(data []byte) {
	select {
	case o.out <- data:
	case <-o.done:
	default:
		if o.onDrop != nil {
			o.onDrop()
		}
		slog.Debug("observer queue full, dropping frame", "observer", o.ID)
	}
}

// sendJSON marshals v and queues it.
func (o *Observer) sendJSON(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("observer frame marshal failed", "err", err)
		return
	}
	o.send(data)
}

// close stops the writer and closes the socket. Safe to call more than
// once; only the first call has effect.
func (o *Observer) close() {
	select {
	case <-o.done:
		return
	default:
	}
	close(o.done)
	_ = o.conn.Close()
}

// writeLoop drains the outbound queue onto the socket. A write failure
// closes the observer; the read side notices and detaches it.
func (o *Observer) writeLoop() {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.out:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			err := o.conn.Write(ctx, data)
			cancel()
			if err != nil {
				slog.Debug("observer write failed", "observer", o.ID, "err", err)
				o.close()
				return
			}
		}
	}
}

// helloEvent is the greeting sent once to every observer when its
// connection opens.
func helloEvent() map[string]any {
	return map[string]any{
		"type":      "relay.hello",
		"message":   "connected to realtime relay",
		"timestamp": time.Now().UnixMilli(),
	}
}

// callStateEvent is the synthetic lifecycle event mirrored to observers.
func callStateEvent(state, callSid string) map[string]any {
	return map[string]any{
		"type":    "call.state",
		"state":   state,
		"callSid": callSid,
		"recording": map[string]any{
			"status": "idle",
		},
	}
}

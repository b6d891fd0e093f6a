// Package realtime implements a websocket client for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// Inbound events are decoded into a tagged [Event] that keeps the raw
// document alongside the commonly dispatched fields, so callers can both
// switch on the type and mirror the event verbatim to other peers.
package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coder/websocket"
)

// DefaultBaseURL is the production Realtime websocket endpoint.
const DefaultBaseURL = "wss://api.openai.com/v1/realtime"

// Config carries everything needed to open a model connection.
type Config struct {
	// BaseURL overrides the Realtime endpoint. Empty means [DefaultBaseURL].
	// Primarily used in tests to point at a local mock server.
	BaseURL string

	// APIKey is sent as a Bearer token in the Authorization header.
	APIKey string

	// Model is pinned in the URL query; the session.update sent after
	// connect must not carry a model field.
	Model string

	// BetaHeader, when non-empty, is sent as the OpenAI-Beta header value.
	BetaHeader string
}

// ErrorDetail is the nested error object of an "error" server event:
// {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// OutputItem is the item body carried by conversation and response item
// events. Only the fields the bridge dispatches on are decoded.
type OutputItem struct {
	ID        string `json:"id,omitempty"`
	Type      string `json:"type,omitempty"`
	Status    string `json:"status,omitempty"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// Event is one inbound server event. Raw preserves the exact document as
// received so it can be forwarded without re-encoding.
type Event struct {
	Type string `json:"type"`

	EventID    string `json:"event_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`

	// response.output_audio.delta and the transcript/text delta events.
	Delta string `json:"delta,omitempty"`

	Error *ErrorDetail `json:"error,omitempty"`
	Item  *OutputItem  `json:"item,omitempty"`

	Raw json.RawMessage `json:"-"`
}

// Client is a live Realtime connection. Send is safe for concurrent use;
// events are delivered on the channel returned by [Client.Events] until the
// connection dies, at which point the channel is closed and [Client.Err]
// reports the cause.
type Client struct {
	conn   *websocket.Conn
	events chan Event

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	errVal error

	closeOnce sync.Once
}

// Dial opens a websocket to the Realtime endpoint with the model id in the
// URL query and the Authorization (and optional beta) headers set, then
// starts the receive loop.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	base := cfg.BaseURL
	if base == "" {
		base = DefaultBaseURL
	}
	wsURL := fmt.Sprintf("%s?model=%s", base, url.QueryEscape(cfg.Model))

	header := http.Header{
		"Authorization": []string{"Bearer " + cfg.APIKey},
	}
	if cfg.BetaHeader != "" {
		header.Set("OpenAI-Beta", cfg.BetaHeader)
	}

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	// A single audio delta can exceed the default per-message read limit.
	conn.SetReadLimit(16 << 20)

	cliCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    cliCtx,
		cancel: cancel,
	}
	go c.receiveLoop()
	return c, nil
}

// Send marshals ev and writes it as a text frame. The caller is responsible
// for only sending valid client events (see [IsClientEvent]).
func (c *Client) Send(ctx context.Context, ev any) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("realtime: marshal: %w", err)
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Events returns the inbound event channel. It is closed when the receive
// loop exits.
func (c *Client) Events() <-chan Event { return c.events }

// Err returns the error that terminated the receive loop, or nil while the
// connection is healthy or after a clean local Close.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errVal
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

// receiveLoop reads events from the websocket and delivers them on the
// events channel. It owns the channel and closes it on exit.
func (c *Client) receiveLoop() {
	defer close(c.events)

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			if c.ctx.Err() == nil {
				c.setErr(err)
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil || ev.Type == "" {
			continue
		}
		ev.Raw = json.RawMessage(data)

		select {
		case c.events <- ev:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errVal == nil {
		c.errVal = err
	}
}

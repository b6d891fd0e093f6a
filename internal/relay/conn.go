package relay

import (
	"context"

	"github.com/coder/websocket"
)

// wsConn adapts a coder/websocket connection to the text-frame write
// interfaces the session and observers use.
type wsConn struct {
	conn *websocket.Conn
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "session closed")
}

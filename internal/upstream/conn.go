package upstream

import (
	"context"

	"github.com/coder/websocket"
)

const readLimit = 2 * 1024 * 1024

// Conn is the minimal transport surface the link needs from a websocket.
// Production code uses the coder/websocket implementation below; tests plug
// in an in-memory pair.
type Conn interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// Dialer opens one upstream connection.
type Dialer func(ctx context.Context, url string) (Conn, error)

// DialWebSocket is the production dialer.
func DialWebSocket(ctx context.Context, url string) (Conn, error) {
	c, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	c.SetReadLimit(readLimit)
	return &wsConn{conn: c}, nil
}

type wsConn struct {
	conn *websocket.Conn
}

// Read returns the next text payload, skipping non-text frames.
func (w *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		msgType, data, err := w.conn.Read(ctx)
		if err != nil {
			return nil, err
		}
		if msgType != websocket.MessageText {
			continue
		}
		return data, nil
	}
}

func (w *wsConn) Write(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "")
}

package stream

import (
	"context"
	"fmt"
	"net/http"

	"github.com/coder/websocket"
)

// wsDialer is the production Dialer backed by coder/websocket.
type wsDialer struct{}

func (wsDialer) Dial(ctx context.Context, url string) (Conn, error) {
	ws, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("dial %s: %w", url, ErrAuthRejected)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	// Event frames can be large when replay is requested.
	ws.SetReadLimit(1 << 20)
	return &wsConn{ws: ws}, nil
}

// wsConn adapts *websocket.Conn to the Conn interface.
type wsConn struct {
	ws *websocket.Conn
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		if status := websocket.CloseStatus(err); status == websocket.StatusPolicyViolation {
			return nil, fmt.Errorf("stream closed by server: %w", ErrAuthRejected)
		}
		return nil, err
	}
	return data, nil
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close(reason string) error {
	return c.ws.Close(websocket.StatusNormalClosure, reason)
}

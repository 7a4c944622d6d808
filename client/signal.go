package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/presencemesh/room-relay/internal/signaling"
)

const signalWriteWait = 5 * time.Second

// signalTransport is the outbound half of a signaling connection. It is an
// interface so orchestrator logic can be tested without a live server.
type signalTransport interface {
	Send(msg signaling.SignalMessage) error
	Close() error
}

// SignalConn is a live WebSocket signaling connection.
type SignalConn struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// DialSignal connects to the relay's signaling endpoint, authenticating with
// the capability token as a query parameter.
func DialSignal(ctx context.Context, serverURL, token string) (*SignalConn, error) {
	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = "/ws"
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	return &SignalConn{conn: conn}, nil
}

func (c *SignalConn) Send(msg signaling.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(signalWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// readLoop delivers every inbound frame to handle until the connection
// closes, then reports the terminal error.
func (c *SignalConn) readLoop(handle func(signaling.SignalMessage)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		var msg signaling.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode signaling frame: %w", err)
		}
		handle(msg)
	}
}

func (c *SignalConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

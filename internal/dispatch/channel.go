package dispatch

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Channel is one client's duplex connection. Read returns io.EOF once the
// peer has closed normally.
type Channel interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, msg Message) error
	Close(reason string) error
}

// WSChannel adapts a websocket connection. Writes are serialised because the
// connection allows only one concurrent writer.
type WSChannel struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func NewWSChannel(conn *websocket.Conn) *WSChannel {
	return &WSChannel{conn: conn}
}

func (c *WSChannel) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		switch websocket.CloseStatus(err) {
		case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			return nil, io.EOF
		}
		if errors.Is(err, context.Canceled) {
			return nil, io.EOF
		}
		return nil, err
	}
	return data, nil
}

func (c *WSChannel) Write(ctx context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, msg)
}

func (c *WSChannel) Close(reason string) error {
	return c.conn.Close(websocket.StatusNormalClosure, reason)
}

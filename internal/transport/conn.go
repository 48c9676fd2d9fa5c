package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Conn is one established link to the solver carrying text frames.
type Conn interface {
	ReadText() ([]byte, error)
	WriteText(data []byte) error
	Close() error
}

// Dialer opens a Conn to the solver endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WSDialer dials the solver over WebSocket.
type WSDialer struct {
	Timeout time.Duration
}

// Dial implements Dialer.
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := ws.Dialer{Timeout: d.Timeout}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", url, err)
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn net.Conn
	mu   sync.Mutex // guards writes
}

func (c *wsConn) ReadText() ([]byte, error) {
	return wsutil.ReadServerText(c.conn)
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsutil.WriteClientText(c.conn, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

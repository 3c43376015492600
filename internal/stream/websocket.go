package stream

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket dials the remote push endpoint and reads JSON envelopes.
type WebSocket struct {
	URL    string
	Token  string
	Dialer *websocket.Dialer
	// ReadTimeout closes a connection that has been silent this long, pongs
	// included. While it is set the connection pings the server every half
	// timeout. Zero disables both.
	ReadTimeout time.Duration
}

func (w *WebSocket) Name() string { return "websocket" }

func (w *WebSocket) Dial(ctx context.Context) (Conn, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	header := http.Header{}
	if w.Token != "" {
		header.Set("Authorization", "Bearer "+w.Token)
	}
	c, resp, err := dialer.DialContext(ctx, w.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: status %d: %w", w.URL, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", w.URL, err)
	}
	wc := &wsConn{conn: c, timeout: w.ReadTimeout, done: make(chan struct{})}
	if wc.timeout > 0 {
		c.SetPongHandler(func(string) error {
			return c.SetReadDeadline(time.Now().Add(wc.timeout))
		})
	}
	go wc.keepalive(ctx)
	return wc, nil
}

const pingWriteWait = 5 * time.Second

// keepalive closes the socket when ctx ends and pings on every half
// timeout so a half-open peer surfaces as a read error.
func (c *wsConn) keepalive(ctx context.Context) {
	var tick <-chan time.Time
	if c.timeout > 0 {
		t := time.NewTicker(c.timeout / 2)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			_ = c.conn.Close()
			return
		case <-c.done:
			return
		case <-tick:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(pingWriteWait)); err != nil {
				_ = c.conn.Close()
				return
			}
		}
	}
}

type wsConn struct {
	conn    *websocket.Conn
	timeout time.Duration
	once    sync.Once
	done    chan struct{}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	for {
		if c.timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		}
		kind, msg, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if kind == websocket.TextMessage || kind == websocket.BinaryMessage {
			return msg, nil
		}
	}
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

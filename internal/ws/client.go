package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	minBackoff = time.Second
	maxBackoff = 30 * time.Second
)

// Client is a reconnecting websocket transport. Subscriptions are
// replayed after every reconnect; the logical stream never terminates
// on transient failure.
type Client struct {
	url       string
	pingEvery time.Duration
	log       *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	subs []any
}

func New(url string, pingEvery time.Duration, log *zap.Logger) *Client {
	return &Client{url: url, pingEvery: pingEvery, log: log}
}

func (c *Client) Subscribe(ctx context.Context, sub any) error {
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return writeJSON(ctx, conn, sub)
}

// Run connects, replays subscriptions, and pumps messages into handler
// until ctx is cancelled. Disconnects trigger exponential backoff
// starting at 1s, doubling to a 30s cap; a successful read resets the
// delay.
func (c *Client) Run(ctx context.Context, handler func(json.RawMessage)) error {
	backoff := minBackoff
	for {
		if err := c.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logDisconnect(err)
			backoff = c.sleep(ctx, backoff)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		pingCtx, cancel := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			c.pingLoop(pingCtx)
		}()
		delivered, err := c.readLoop(ctx, handler)
		cancel()
		<-pingDone
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if delivered {
			backoff = minBackoff
		}
		c.logDisconnect(err)
		c.resetConn()
		backoff = c.sleep(ctx, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Client) sleep(ctx context.Context, backoff time.Duration) time.Duration {
	select {
	case <-ctx.Done():
		return backoff
	case <-time.After(backoff):
	}
	next := backoff * 2
	if next > maxBackoff {
		next = maxBackoff
	}
	return next
}

// ensureConnected leaves conn nil on any error so the next Run
// iteration redials instead of reusing a dead connection.
func (c *Client) ensureConnected(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		conn, _, err := websocket.Dial(ctx, c.url, nil)
		if err != nil {
			return err
		}
		c.conn = conn
	}
	for _, sub := range c.subs {
		if err := writeJSON(ctx, c.conn, sub); err != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "resubscribe failed")
			c.conn = nil
			return err
		}
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, handler func(json.RawMessage)) (bool, error) {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false, errors.New("ws not connected")
	}
	delivered := false
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return delivered, err
		}
		delivered = true
		if handler != nil {
			handler(json.RawMessage(data))
		}
	}
}

func (c *Client) pingLoop(ctx context.Context) {
	c.mu.Lock()
	conn := c.conn
	interval := c.pingEvery
	c.mu.Unlock()
	if conn == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				return
			}
		}
	}
}

// Send writes an arbitrary message on the current connection; used to
// answer protocol-level pings inline.
func (c *Client) Send(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("ws not connected")
	}
	return writeJSON(ctx, conn, v)
}

func (c *Client) logDisconnect(err error) {
	if c.log == nil || err == nil {
		return
	}
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		c.log.Info("ws stream ended", zap.Error(err))
		return
	}
	c.log.Warn("ws stream ended", zap.Error(err))
}

func (c *Client) resetConn() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "reset")
		c.conn = nil
	}
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"method": "ping"}

package feed

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Client consumes a producer's observation stream. It keeps dialing
// until the context ends, with capped exponential backoff between
// attempts, and hands every decoded frame to the caller. Malformed
// frames are logged and dropped; they never end the connection.
type Client struct {
	url string
	log *zap.Logger

	// StateFunc, when set, is called with the connection state on
	// every connect and disconnect.
	StateFunc func(connected bool)
}

// NewClient creates a client for the feed at url
func NewClient(url string, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{url: url, log: log}
}

// Run connects and delivers messages to handle until ctx ends. The
// handler runs on the read goroutine; observations for one connection
// arrive in order.
func (c *Client) Run(ctx context.Context, handle func(Message)) error {
	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
		if err != nil {
			c.log.Warn("feed dial failed",
				zap.String("url", c.url),
				zap.Duration("retry_in", backoff),
				zap.Error(err))
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		c.log.Info("feed connected", zap.String("url", c.url))
		c.setState(true)
		backoff = initialBackoff

		c.readLoop(ctx, conn, handle)

		c.setState(false)
		if err := ctx.Err(); err != nil {
			return err
		}
		c.log.Warn("feed disconnected, reconnecting", zap.String("url", c.url))
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
	}
}

// readLoop pumps frames from one connection until it fails or ctx
// ends. Closing the connection from a second goroutine is the only
// way to interrupt a blocked read.
func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn, handle func(Message)) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := ParseMessage(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		handle(msg)
	}
}

func (c *Client) setState(connected bool) {
	if c.StateFunc != nil {
		c.StateFunc(connected)
	}
}

// sleep waits d, returning false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

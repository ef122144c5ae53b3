package rendezvous

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingInterval  = 30 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

// ErrClientClosed is returned by Send after Close, or once the writer loop
// has died on a connection error.
var ErrClientClosed = errors.New("rendezvous: connection closed")

// Client is a websocket connection to the rendezvous relay with a
// serialized writer loop.
type Client struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	send    chan Envelope
	quit    chan struct{}
	done    chan struct{}
	writeMu sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

// Dial connects to the relay. wsURL is the full websocket URL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Client, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: parse url: %w", err)
	}
	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("rendezvous: upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("rendezvous: upgrade failed (%d)", resp.StatusCode)
		}
		return nil, fmt.Errorf("rendezvous: dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		logger: logger,
		send:   make(chan Envelope, 64),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c, nil
}

// ReadLoop delivers inbound envelopes to onEnv until the connection drops
// or ctx ends. It keeps the read deadline alive off pongs and pings the
// relay on an interval.
func (c *Client) ReadLoop(ctx context.Context, onEnv func(env Envelope)) error {
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.writeMu.Lock()
				c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
				err := c.conn.WriteMessage(websocket.PingMessage, nil)
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	go func() {
		<-ctx.Done()
		// Unblocks ReadMessage immediately.
		c.conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("rendezvous read error", "err", err)
			}
			return err
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			c.logger.Warn("ignoring invalid envelope", "err", err)
			continue
		}
		onEnv(env)
	}
}

// Send queues an envelope for the writer loop. The send channel is never
// closed, so late callers (candidate forwarding runs on pion's goroutines)
// get ErrClientClosed instead of a panic.
func (c *Client) Send(env Envelope) error {
	select {
	case c.send <- env:
		return nil
	case <-c.quit:
		return ErrClientClosed
	case <-c.done:
		return ErrClientClosed
	}
}

func (c *Client) writeLoop() {
	defer close(c.done)
	for {
		select {
		case <-c.quit:
			return
		case env := <-c.send:
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			err := c.conn.WriteJSON(env)
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Error("rendezvous write error", "err", err)
				return
			}
		}
	}
}

// Close shuts down the writer loop and the connection. Safe to call more
// than once, and safe to race with Send.
func (c *Client) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	close(c.quit)
	c.closeMu.Unlock()

	<-c.done
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.Close()
}

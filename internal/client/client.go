// Package client subscribes to a stream channel over WebSocket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/transport"
)

// Config configures a Client.
type Config struct {
	HandshakeTimeout time.Duration
	// ReadTimeout ends the connection when no frame or ping arrives in time.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Buffer       int
}

// DefaultConfig returns default client configuration.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      90 * time.Second,
		WriteTimeout:     10 * time.Second,
		Buffer:           1024,
	}
}

// Endpoint builds the channel URL for a family on a server base URL
// (ws://host:port). Empty parameter values are omitted.
func Endpoint(base string, f domain.Family, params map[string]string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	path, ok := transport.Paths[f]
	if !ok {
		return "", fmt.Errorf("unknown family %q", f)
	}
	u.Path = path
	q := url.Values{}
	for k, v := range params {
		if v != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Client reads frames from one channel connection.
type Client struct {
	conn   *websocket.Conn
	config Config
	frames chan domain.Frame

	mu  sync.Mutex
	err error

	done      chan struct{}
	closeOnce sync.Once
}

// Dial connects to endpoint and starts reading frames.
func Dial(ctx context.Context, endpoint string, config *Config) (*Client, error) {
	cfg := DefaultConfig()
	if config != nil {
		cfg = *config
	}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	c := &Client{
		conn:   conn,
		config: cfg,
		frames: make(chan domain.Frame, cfg.Buffer),
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Frames yields frames in arrival order. It is closed when the connection ends.
func (c *Client) Frames() <-chan domain.Frame {
	return c.frames
}

// Err returns the read error that ended the connection. A normal close by the
// server returns nil.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(c.config.WriteTimeout))
		err = c.conn.Close()
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.frames)

	_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
	c.conn.SetPingHandler(func(data string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))
		return c.conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(c.config.WriteTimeout))
	})

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.setErr(fmt.Errorf("read frame: %w", err))
				}
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		var f domain.Frame
		if err := json.Unmarshal(msg, &f); err != nil {
			c.setErr(fmt.Errorf("decode frame: %w", err))
			return
		}

		select {
		case c.frames <- f:
		case <-c.done:
			return
		}
	}
}

func (c *Client) setErr(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
}

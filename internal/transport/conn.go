package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/stream"
)

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096 // clients only send control frames
)

// DefaultSendBuffer is the number of frames queued per connection.
const DefaultSendBuffer = 256

var (
	// ErrConnClosed is returned by Emit after the connection was closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendBufferFull is returned by Emit when the client is not reading.
	ErrSendBufferFull = fmt.Errorf("send buffer full: %w", stream.ErrClientTooSlow)
)

// Conn is one client WebSocket. It implements stream.Emitter: frames are
// encoded on Emit and written by a dedicated writer goroutine.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	mu     sync.RWMutex
	send   chan []byte
	closed bool

	done chan struct{} // closed when writePump exits
}

func newConn(ws *websocket.Conn, buffer int, logger *zap.Logger) *Conn {
	if buffer <= 0 {
		buffer = DefaultSendBuffer
	}
	return &Conn{
		ws:     ws,
		logger: logger,
		send:   make(chan []byte, buffer),
		done:   make(chan struct{}),
	}
}

func encodeFrame(event string, data any) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", event, err)
	}
	frame, err := json.Marshal(domain.Frame{Event: event, Data: payload})
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return frame, nil
}

// Compile-time interface checks.
var (
	_ stream.Emitter      = (*Conn)(nil)
	_ stream.FinalEmitter = (*Conn)(nil)
)

// Emit queues one event frame.
func (c *Conn) Emit(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendBufferFull
	}
}

// EmitFinal queues a session's last frame, waiting up to writeWait for the
// writer to make room.
func (c *Conn) EmitFinal(event string, data any) error {
	frame, err := encodeFrame(event, data)
	if err != nil {
		return err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	timer := time.NewTimer(writeWait)
	defer timer.Stop()
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrConnClosed
	case <-timer.C:
		return ErrSendBufferFull
	}
}

// Close stops accepting frames. Queued frames are flushed, then a close frame is sent.
func (c *Conn) Close() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
	c.mu.Unlock()
}

// readPump discards client messages and calls gone when the peer disconnects.
func (c *Conn) readPump(gone func()) {
	defer gone()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.Error(err))
			}
			return
		}
	}
}

// writePump writes queued frames and keeps the connection alive with pings.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.done)
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("websocket write error", zap.Error(err))
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

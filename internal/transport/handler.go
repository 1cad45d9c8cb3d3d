// Package transport carries session events to clients over WebSocket, one
// endpoint per family.
package transport

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/stream"
)

// Paths maps each family to its WebSocket endpoint.
var Paths = map[domain.Family]string{
	domain.FamilyPrice:       "/rt-price",
	domain.FamilyStats:       "/rt-stats",
	domain.FamilyMovingStats: "/rt-moving-stats",
}

// closeGrace bounds how long a finished session waits for its frames to flush.
const closeGrace = 2 * time.Second

// Options configures a Handler.
type Options struct {
	// AllowedOrigins restricts browser origins. Empty allows any.
	AllowedOrigins []string
	SendBuffer     int
	Logger         *zap.Logger
}

// Handler upgrades connections and runs one session per connection.
type Handler struct {
	router   *stream.Router
	opts     Options
	logger   *zap.Logger
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHandler creates a Handler serving sessions through router.
func NewHandler(router *stream.Router, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handler{
		router: router,
		opts:   opts,
		logger: logger.Named("transport"),
		ctx:    ctx,
		cancel: cancel,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

// Register mounts every family endpoint on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	for _, f := range domain.Families {
		mux.HandleFunc(Paths[f], h.serveFamily(f))
	}
}

// Shutdown ends every running session and waits for them to finish or ctx to expire.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.cancel()
	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if len(h.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err == nil {
		for _, allowed := range h.opts.AllowedOrigins {
			if allowed == "*" || allowed == origin || allowed == u.Host {
				return true
			}
		}
	}
	observability.RecordDenied("origin")
	h.logger.Warn("rejected websocket origin", zap.String("origin", origin))
	return false
}

func (h *Handler) serveFamily(f domain.Family) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.ctx.Err() != nil {
			observability.RecordDenied("shutdown")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}

		ws, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		h.wg.Add(1)
		defer h.wg.Done()

		logger := h.logger.With(zap.String("family", f.String()), zap.String("remote", r.RemoteAddr))
		c := newConn(ws, h.opts.SendBuffer, logger)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()
		stop := context.AfterFunc(h.ctx, cancel)
		defer stop()

		go c.writePump()
		go c.readPump(cancel)

		// Session failures were already reported to the client as errorMsg.
		_ = h.router.Serve(ctx, f, r.URL.Query(), c)

		c.Close()
		select {
		case <-c.done:
		case <-time.After(closeGrace):
		}
		ws.Close()
	}
}

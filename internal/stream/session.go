package stream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/storage"
)

// Session is one client connection on one family. It is owned by the
// goroutine serving the connection; only the subscription handle needs a lock
// so Release can run from a deferred path.
type Session struct {
	ID                    uuid.UUID
	Family                domain.Family
	Ticker                string
	GranularityMinutes    int
	BackfillWindowMinutes int
	CutoffTimestamp       int64
	Dataset               domain.Dataset

	logger *zap.Logger

	mu       sync.Mutex
	sub      storage.Subscription
	released bool
}

func newSession(f domain.Family, ticker string, logger *zap.Logger) *Session {
	id := uuid.New()
	return &Session{
		ID:     id,
		Family: f,
		Ticker: ticker,
		logger: logger.With(
			zap.String("session", id.String()),
			zap.String("family", f.String()),
			zap.String("ticker", ticker),
		),
	}
}

// attach stores the live subscription. If the session was already released the
// subscription is closed immediately.
func (s *Session) attach(sub storage.Subscription) {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		s.closeSub(sub)
		return
	}
	s.sub = sub
	s.mu.Unlock()
}

// Release cancels the live subscription. Safe to call more than once.
func (s *Session) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()

	if sub != nil {
		s.closeSub(sub)
	}
}

// closeSub logs but never returns close failures; disconnect must not block on them.
func (s *Session) closeSub(sub storage.Subscription) {
	if err := sub.Close(); err != nil {
		s.logger.Warn("failed to cancel subscription", zap.Error(err))
	}
}

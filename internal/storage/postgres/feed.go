package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgconn/ctxwatch"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
)

// DefaultHealthInterval is how long a listener waits for a notification
// before pinging its connection.
const DefaultHealthInterval = 15 * time.Second

// FeedConfig configures a Feed.
type FeedConfig struct {
	SubscriberBuffer int
	HealthInterval   time.Duration
	// StartTimeout bounds connecting and issuing LISTEN for a dataset.
	StartTimeout time.Duration
	Logger       *zap.Logger
}

// Feed implements storage.ChangeFeed with LISTEN/NOTIFY. Each dataset with at
// least one subscriber owns one dedicated connection listening on the
// dataset's channel; its notifications fan out to every subscriber.
type Feed struct {
	pool   *Pool
	cfg    FeedConfig
	logger *zap.Logger
	hubs   *storage.Hubs
}

// NewFeed creates a new Feed.
func NewFeed(pool *Pool, cfg FeedConfig) *Feed {
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		pool:   pool,
		cfg:    cfg,
		logger: logger,
	}
	f.hubs = storage.NewHubs(cfg.SubscriberBuffer, cfg.StartTimeout, f.listen)
	return f
}

// Compile-time interface check.
var _ storage.ChangeFeed = (*Feed)(nil)

// Subscribe implements storage.ChangeFeed. The dataset's channel is being
// listened on when Subscribe returns.
func (f *Feed) Subscribe(ctx context.Context, ds domain.Dataset, filter storage.ChangeFilter) (storage.Subscription, error) {
	return f.hubs.Subscribe(ctx, ds, filter)
}

// Listeners returns the number of datasets currently listened on.
func (f *Feed) Listeners() int {
	return f.hubs.Len()
}

// Close stops every listener and ends their subscriptions.
func (f *Feed) Close() {
	f.hubs.Close()
}

// listen opens a dedicated connection, issues LISTEN and starts delivering
// notifications to fan.
func (f *Feed) listen(ctx context.Context, ds domain.Dataset, fan *storage.Fanout) (storage.Upstream, error) {
	cfg := f.pool.Config().ConnConfig.Copy()
	// Deadline-based cancellation keeps the connection usable after an idle wait times out.
	cfg.BuildContextWatcherHandler = func(pgConn *pgconn.PgConn) ctxwatch.Handler {
		return &pgconn.DeadlineContextWatcherHandler{Conn: pgConn.Conn()}
	}

	conn, err := pgx.ConnectConfig(ctx, cfg)
	if err != nil {
		return storage.Upstream{}, fmt.Errorf("connect listener %s: %w", ds.Name, err)
	}
	channel := pgx.Identifier{ds.Name}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+channel); err != nil {
		conn.Close(context.Background())
		return storage.Upstream{}, fmt.Errorf("listen %s: %w", ds.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	l := &listener{
		ds:     ds,
		conn:   conn,
		fanout: fan,
		health: f.cfg.HealthInterval,
		logger: f.logger.With(zap.String("dataset", ds.Name)),
	}

	go func() {
		defer close(done)
		err := l.run(runCtx)
		conn.Close(context.Background())
		if err != nil {
			l.logger.Error("change listener failed", zap.Error(err))
			observability.RecordFeedFailure(ds.Name)
			fan.Fail(err)
			return
		}
		fan.Fail(storage.ErrSubscriptionClosed)
	}()

	f.logger.Debug("listening for changes", zap.String("dataset", ds.Name))
	return storage.Upstream{Cancel: cancel, Done: done}, nil
}

type listener struct {
	ds     domain.Dataset
	conn   *pgx.Conn
	fanout *storage.Fanout
	health time.Duration
	logger *zap.Logger
}

// run delivers notifications until ctx is canceled or the connection fails.
func (l *listener) run(ctx context.Context) error {
	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.health)
		n, err := l.conn.WaitForNotification(waitCtx)
		cancel()

		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				if err := l.conn.Ping(ctx); err != nil {
					if ctx.Err() != nil {
						return nil
					}
					return fmt.Errorf("ping listener: %w", err)
				}
				continue
			}
			return fmt.Errorf("wait for notification: %w", err)
		}

		change, err := decodeChange(l.ds, n.Payload)
		if err != nil {
			l.logger.Warn("dropping undecodable notification", zap.Error(err))
			continue
		}
		l.fanout.Publish(change)
	}
}

package clickhouse

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
)

// DefaultPollInterval is how often a poller looks for new row versions.
const DefaultPollInterval = 500 * time.Millisecond

// maxPollRows bounds a single page of a poll.
const maxPollRows = 10000

// FeedConfig configures a Feed.
type FeedConfig struct {
	SubscriberBuffer int
	PollInterval     time.Duration
	// ReorderWindow is how late, in version time, a row may commit and still
	// be delivered. Writers must commit within it.
	ReorderWindow time.Duration
	// MaxFailures is the number of consecutive failed polls that ends a poller.
	MaxFailures int
	// StartTimeout bounds reading a dataset's starting watermark.
	StartTimeout time.Duration
	Logger       *zap.Logger
}

// Feed implements storage.ChangeFeed by polling row versions. Each dataset with
// at least one subscriber has one poller whose results fan out to every subscriber.
type Feed struct {
	conn   *Conn
	cfg    FeedConfig
	logger *zap.Logger
	hubs   *storage.Hubs
}

// NewFeed creates a new Feed.
func NewFeed(conn *Conn, cfg FeedConfig) *Feed {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReorderWindow <= 0 {
		cfg.ReorderWindow = DefaultReorderWindow
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Feed{
		conn:   conn,
		cfg:    cfg,
		logger: logger,
	}
	f.hubs = storage.NewHubs(cfg.SubscriberBuffer, cfg.StartTimeout, f.start)
	return f
}

// Compile-time interface check.
var _ storage.ChangeFeed = (*Feed)(nil)

// Subscribe implements storage.ChangeFeed. Versions written after Subscribe
// returns are delivered.
func (f *Feed) Subscribe(ctx context.Context, ds domain.Dataset, filter storage.ChangeFilter) (storage.Subscription, error) {
	return f.hubs.Subscribe(ctx, ds, filter)
}

// Pollers returns the number of datasets currently polled.
func (f *Feed) Pollers() int {
	return f.hubs.Len()
}

// Close stops every poller and ends their subscriptions.
func (f *Feed) Close() {
	f.hubs.Close()
}

// start reads the current high-water version, marks the versions already in
// the reorder window as seen and launches a poller.
func (f *Feed) start(ctx context.Context, ds domain.Dataset, fan *storage.Fanout) (storage.Upstream, error) {
	var watermark uint64
	row := f.conn.QueryRow(ctx, fmt.Sprintf(`SELECT max(version) FROM %s`, tableName(ds)))
	if err := row.Scan(&watermark); err != nil {
		return storage.Upstream{}, fmt.Errorf("read watermark %s: %w", ds.Name, err)
	}

	window := newReorderWindow(f.cfg.ReorderWindow, watermark)
	rows, err := f.conn.Query(ctx, fmt.Sprintf(
		`SELECT tick, ts, version FROM %s WHERE version > ?`, tableName(ds)), window.floor())
	if err != nil {
		return storage.Upstream{}, fmt.Errorf("read recent versions %s: %w", ds.Name, err)
	}
	for rows.Next() {
		var k versionKey
		if err := rows.Scan(&k.ticker, &k.ts, &k.version); err != nil {
			rows.Close()
			return storage.Upstream{}, fmt.Errorf("scan recent version %s: %w", ds.Name, err)
		}
		window.admit(k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return storage.Upstream{}, fmt.Errorf("read recent versions %s: %w", ds.Name, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p := &poller{
		ds:       ds,
		conn:     f.conn,
		fanout:   fan,
		interval: f.cfg.PollInterval,
		maxFails: f.cfg.MaxFailures,
		window:   window,
		logger:   f.logger.With(zap.String("dataset", ds.Name)),
	}

	go func() {
		defer close(done)
		if err := p.run(runCtx); err != nil {
			p.logger.Error("change poller failed", zap.Error(err))
			observability.RecordFeedFailure(ds.Name)
			fan.Fail(err)
			return
		}
		fan.Fail(storage.ErrSubscriptionClosed)
	}()

	return storage.Upstream{Cancel: cancel, Done: done}, nil
}

type poller struct {
	ds       domain.Dataset
	conn     *Conn
	fanout   *storage.Fanout
	interval time.Duration
	maxFails int
	window   *reorderWindow
	logger   *zap.Logger
}

func (p *poller) run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		err := p.poll(ctx)
		if err == nil {
			failures = 0
			continue
		}
		if ctx.Err() != nil {
			return nil
		}
		failures++
		p.logger.Warn("poll failed", zap.Int("failures", failures), zap.Error(err))
		if failures >= p.maxFails {
			return fmt.Errorf("poll %s: %w", p.ds.Name, err)
		}
	}
}

// poll publishes, in version order, every version in the reorder window that
// has not been published yet.
func (p *poller) poll(ctx context.Context) error {
	query := fmt.Sprintf(`
		SELECT %s, op, version
		FROM %s
		WHERE version > ?
		ORDER BY version ASC
		LIMIT %d
	`, valueColumns(p.ds), tableName(p.ds), maxPollRows)

	from := p.window.floor()
	for {
		n, last, err := p.page(ctx, query, from)
		if err != nil {
			return err
		}
		if n < maxPollRows {
			break
		}
		from = last
	}
	p.window.prune()
	return nil
}

// page publishes one page of versions above from and returns its size and
// highest version.
func (p *poller) page(ctx context.Context, query string, from uint64) (n int, last uint64, err error) {
	rows, err := p.conn.Query(ctx, query, from)
	if err != nil {
		return 0, 0, fmt.Errorf("query versions: %w", err)
	}
	defer rows.Close()

	t := newScanTarget(p.ds)
	var (
		op      string
		version uint64
	)
	for rows.Next() {
		if err := rows.Scan(t.dest(&op, &version)...); err != nil {
			return n, last, fmt.Errorf("scan version: %w", err)
		}
		n++
		last = version

		if !p.window.admit(versionKey{ticker: t.ticker, ts: t.ts, version: version}) {
			continue
		}
		kind := domain.OpKind(op)
		if !kind.Valid() {
			p.logger.Warn("skipping row version with unknown op", zap.String("op", op))
			continue
		}
		p.fanout.Publish(domain.RawChange{Op: kind, Dataset: p.ds.Name, Record: t.record()})
	}
	return n, last, rows.Err()
}

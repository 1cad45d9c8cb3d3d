// Package main runs the streaming server: one WebSocket channel per family
// backed by the configured store, plus health, metrics and status endpoints.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/config"
	"crypto-stats-stream/internal/dataset"
	"crypto-stats-stream/internal/logging"
	"crypto-stats-stream/internal/observability"
	"crypto-stats-stream/internal/storage"
	chstore "crypto-stats-stream/internal/storage/clickhouse"
	"crypto-stats-stream/internal/storage/memory"
	"crypto-stats-stream/internal/storage/migrations"
	pgstore "crypto-stats-stream/internal/storage/postgres"
	"crypto-stats-stream/internal/stream"
	"crypto-stats-stream/internal/transport"
)

// shutdownTimeout bounds graceful shutdown before the process is forced down.
const shutdownTimeout = 30 * time.Second

// Server holds the running components.
type Server struct {
	cfg     config.Config
	logger  *zap.Logger
	stores  *stores
	router  *stream.Router
	handler *transport.Handler
	started time.Time
}

// stores is the backfill reader and change feed of the selected store.
type stores struct {
	reader storage.BackfillReader
	feed   storage.ChangeFeed
	close  func()
}

func main() {
	if err := config.LoadEnvFile(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	configPath := flag.String("config", os.Getenv("STREAM_CONFIG"), "Path to YAML config file")
	listenAddr := flag.String("listen-addr", "", "WebSocket listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Health/metrics/status listen address (overrides config)")
	store := flag.String("store", "", "Store kind: memory, postgres or clickhouse (overrides config)")
	postgresDSN := flag.String("postgres-dsn", "", "PostgreSQL connection string (overrides config)")
	clickhouseDSN := flag.String("clickhouse-dsn", "", "ClickHouse connection string (overrides config)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	override(&cfg.ListenAddr, *listenAddr)
	override(&cfg.MetricsAddr, *metricsAddr)
	override(&cfg.Store, *store)
	override(&cfg.PostgresDSN, *postgresDSN)
	override(&cfg.ClickhouseDSN, *clickhouseDSN)
	override(&cfg.Log.Level, *logLevel)

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Named("server")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, initiating graceful shutdown", zap.Stringer("signal", sig))
		cancel()

		select {
		case sig := <-sigCh:
			log.Warn("received second signal, forcing immediate shutdown", zap.Stringer("signal", sig))
			os.Exit(1)
		case <-time.After(shutdownTimeout):
			log.Error("graceful shutdown timed out, forcing exit", zap.Duration("timeout", shutdownTimeout))
			os.Exit(1)
		case <-done:
		}
	}()

	st, err := connectStores(ctx, cfg, logger)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Fatal("failed to create stores", zap.Error(err))
	}
	defer st.close()

	srv := newServer(cfg, st, logger)
	err = srv.Run(ctx)
	close(done)
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Fatal("server error", zap.Error(err))
	}
	log.Info("shutdown complete")
}

func override(dst *string, flagValue string) {
	if flagValue != "" {
		*dst = flagValue
	}
}

func newServer(cfg config.Config, st *stores, logger *zap.Logger) *Server {
	reader := storage.NewBreakerReader(st.reader, storage.BreakerSettings{
		MaxRequests:  cfg.Breaker.MaxRequests,
		Interval:     cfg.Breaker.Interval,
		Timeout:      cfg.Breaker.Timeout,
		MinRequests:  cfg.Breaker.MinRequests,
		FailureRatio: cfg.Breaker.FailureRatio,
	}, logger.Named("breaker"))

	router := stream.NewRouter(stream.Deps{
		Reader:           reader,
		Feed:             st.feed,
		Tickers:          dataset.TickerPolicy{Default: cfg.DefaultTicker, Allowed: cfg.Tickers},
		Logger:           logger.Named("router"),
		BackfillTimeout:  cfg.BackfillTimeout,
		SubscribeTimeout: cfg.SubscribeTimeout,
	})

	return &Server{
		cfg:    cfg,
		logger: logger.Named("server"),
		stores: st,
		router: router,
		handler: transport.NewHandler(router, transport.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			SendBuffer:     cfg.SubscriberBuffer,
			Logger:         logger.Named("transport"),
		}),
	}
}

// connectStores opens the configured store, retrying connection and
// migrations with exponential backoff until ctx ends.
func connectStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	switch cfg.Store {
	case config.StoreMemory:
		m := memory.NewStore(cfg.SubscriberBuffer)
		return &stores{reader: m, feed: m, close: func() {}}, nil

	case config.StorePostgres:
		var pool *pgstore.Pool
		err := retry(ctx, logger, "postgres", func() error {
			p, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
			if err != nil {
				return err
			}
			if err := migrations.RunPostgresMigrations(ctx, p, logger.Named("migrations")); err != nil {
				p.Close()
				return err
			}
			pool = p
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		feed := pgstore.NewFeed(pool, pgstore.FeedConfig{
			SubscriberBuffer: cfg.SubscriberBuffer,
			HealthInterval:   cfg.ListenHealthInterval,
			StartTimeout:     cfg.SubscribeTimeout,
			Logger:           logger.Named("postgres-listener"),
		})
		return &stores{
			reader: pgstore.NewReader(pool),
			feed:   feed,
			close: func() {
				feed.Close()
				pool.Close()
			},
		}, nil

	case config.StoreClickhouse:
		var conn *chstore.Conn
		err := retry(ctx, logger, "clickhouse", func() error {
			c, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN, logger.Named("migrations"))
			if err != nil {
				return err
			}
			conn = c
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		feed := chstore.NewFeed(conn, chstore.FeedConfig{
			SubscriberBuffer: cfg.SubscriberBuffer,
			PollInterval:     cfg.PollInterval,
			StartTimeout:     cfg.SubscribeTimeout,
			Logger:           logger.Named("clickhouse-poller"),
		})
		return &stores{
			reader: chstore.NewReader(conn),
			feed:   feed,
			close: func() {
				feed.Close()
				conn.Close()
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown store %q", cfg.Store)
}

func newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 5 * time.Minute
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.1
	return b
}

func retry(ctx context.Context, logger *zap.Logger, name string, op func() error) error {
	return backoff.RetryNotify(op, backoff.WithContext(newBackOff(), ctx),
		func(err error, wait time.Duration) {
			logger.Warn("store not ready, retrying",
				zap.String("store", name), zap.Error(err), zap.Duration("retry_in", wait))
		})
}

// Run serves until ctx is cancelled or a listener fails.
func (s *Server) Run(ctx context.Context) error {
	s.started = time.Now()

	wsMux := http.NewServeMux()
	s.handler.Register(wsMux)

	servers := []*http.Server{{Addr: s.cfg.ListenAddr, Handler: wsMux}}
	if s.cfg.MetricsAddr == "" || s.cfg.MetricsAddr == s.cfg.ListenAddr {
		s.registerOps(wsMux)
	} else {
		opsMux := http.NewServeMux()
		s.registerOps(opsMux)
		servers = append(servers, &http.Server{Addr: s.cfg.MetricsAddr, Handler: opsMux})
	}

	errCh := make(chan error, len(servers))
	for _, hs := range servers {
		go func(hs *http.Server) {
			s.logger.Info("starting HTTP server", zap.String("addr", hs.Addr))
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("listen %s: %w", hs.Addr, err)
			}
		}(hs)
	}
	s.logger.Info("streaming server started",
		zap.String("store", s.cfg.Store),
		zap.String("default_ticker", s.cfg.DefaultTicker),
		zap.Strings("tickers", s.cfg.Tickers))

	var runErr error
	select {
	case <-ctx.Done():
		runErr = ctx.Err()
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout/2)
	defer cancel()
	if err := s.handler.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("sessions did not finish before shutdown deadline", zap.Error(err))
	}
	for _, hs := range servers {
		if err := hs.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", zap.String("addr", hs.Addr), zap.Error(err))
		}
	}
	return runErr
}

func (s *Server) registerOps(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)
}

// StatusResponse is the JSON response for /status endpoint.
type StatusResponse struct {
	Status   string         `json:"status"`
	Store    string         `json:"store"`
	Uptime   string         `json:"uptime"`
	Started  time.Time      `json:"started"`
	Sessions map[string]int `json:"sessions"`
}

// handleStatus returns server status as JSON.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sessions := make(map[string]int)
	for f, n := range s.router.Active() {
		sessions[f.String()] = n
	}

	resp := StatusResponse{
		Status:   "running",
		Store:    s.cfg.Store,
		Uptime:   time.Since(s.started).Truncate(time.Second).String(),
		Started:  s.started,
		Sessions: sessions,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// Package main subscribes to one stream channel, prints every event and keeps
// an identity-reconciled view of the channel, printed on exit.
//
// Usage:
//
//	watch --server ws://localhost:8080 --family stats --frequency 5 --backfill 120
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"crypto-stats-stream/internal/client"
	"crypto-stats-stream/internal/domain"
	"crypto-stats-stream/internal/logging"
)

func main() {
	server := flag.String("server", "ws://localhost:8080", "Streaming server base URL")
	family := flag.String("family", "stats", "Channel: price, stats or moving-stats")
	ticker := flag.String("ticker", "", "Ticker (server default when empty)")
	frequency := flag.Int("frequency", 0, "Granularity in minutes (server default when 0)")
	backfill := flag.Int("backfill", -1, "Backfill window in minutes (server default when negative)")
	logLevel := flag.String("log-level", "warn", "Log level")
	flag.Parse()

	logger, err := logging.New(logging.Options{Level: *logLevel})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer logger.Sync()

	f := domain.Family(*family)
	if !f.Valid() {
		fmt.Fprintf(os.Stderr, "unknown family %q\n", *family)
		os.Exit(2)
	}

	params := map[string]string{"ticker": *ticker}
	if *frequency > 0 {
		params["frequency"] = strconv.Itoa(*frequency)
	}
	if *backfill >= 0 {
		params["backfill"] = strconv.Itoa(*backfill)
	}
	endpoint, err := client.Endpoint(*server, f, params)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rec := client.NewReconciler(f)
	err = watch(ctx, endpoint, rec, os.Stdout, logger.Named("watch"))
	printView(os.Stdout, f, rec)

	var serr *client.ServerError
	if errors.As(err, &serr) {
		fmt.Fprintln(os.Stderr, serr.Message)
		os.Exit(1)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// watch streams endpoint into rec until ctx ends or the server rejects the
// session. Dropped connections are redialled with exponential backoff.
func watch(ctx context.Context, endpoint string, rec *client.Reconciler, out io.Writer, logger *zap.Logger) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 15 * time.Second
	b.MaxElapsedTime = 0

	op := func() error {
		err := session(ctx, endpoint, rec, out, b)
		var serr *client.ServerError
		if errors.As(err, &serr) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		if err == nil {
			err = errors.New("server closed the connection")
		}
		return err
	}
	err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		logger.Warn("connection lost, reconnecting", zap.Error(err), zap.Duration("retry_in", wait))
	})
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func session(ctx context.Context, endpoint string, rec *client.Reconciler, out io.Writer, b backoff.BackOff) error {
	c, err := client.Dial(ctx, endpoint, nil)
	if err != nil {
		return err
	}
	defer c.Close()
	b.Reset()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case f, ok := <-c.Frames():
			if !ok {
				return c.Err()
			}
			fmt.Fprintf(out, "%s %s\n", f.Event, f.Data)
			if err := rec.Apply(f); err != nil {
				return err
			}
		}
	}
}

func printView(out io.Writer, f domain.Family, rec *client.Reconciler) {
	if f == domain.FamilyPrice {
		if latest := rec.Latest(); latest != nil {
			fmt.Fprintf(out, "latest %s\n", latest)
		}
		return
	}
	entries := rec.Entries()
	fmt.Fprintf(out, "view: %d records\n", len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "  %s\n", e.Raw)
	}
}

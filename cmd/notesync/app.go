package main

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/kalambet/notesync/internal/auth"
	"github.com/kalambet/notesync/internal/localcache"
	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/notesync"
	"github.com/kalambet/notesync/internal/remote"
	"github.com/kalambet/notesync/internal/storage"
)

// app holds the client-side components shared by every command that touches
// the note collection.
type app struct {
	store    *storage.Store
	session  *auth.FileSession
	client   *remote.Client
	queue    *notesync.JobQueue
	sync     *notesync.Synchronizer
	registry *prometheus.Registry

	// Closed when the supervisor and the session watcher have stopped.
	runDone   chan struct{}
	watchDone <-chan struct{}
}

type appOptions struct {
	// withMetrics registers sync metrics on a private registry.
	withMetrics bool
	// initialize loads the cache and starts the first reconcile.
	initialize bool
}

func openApp(ctx context.Context, opts appOptions) (*app, error) {
	store, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	session, err := auth.OpenFileSession(cfg.Storage.DataDir)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("opening session: %w", err)
	}

	client := remote.NewClient(cfg.Remote.BaseURL, session, remote.Options{
		Timeout:   cfg.Remote.Timeout,
		RateLimit: cfg.Remote.RateLimit,
	})

	a := &app{
		store:   store,
		session: session,
		client:  client,
		queue:   notesync.NewJobQueue(store, cfg.Sync.MaxAttempts),
	}

	var syncMetrics *metrics.SyncMetrics
	if opts.withMetrics && cfg.Metrics.Enabled {
		a.registry = prometheus.NewRegistry()
		syncMetrics, err = metrics.NewSyncMetrics(a.registry)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("registering metrics: %w", err)
		}
	}

	a.sync = notesync.New(localcache.New(store), client, session, notesync.Options{
		Queue:             a.queue,
		UploadConcurrency: cfg.Sync.UploadConcurrency,
		PollInterval:      cfg.Sync.PollInterval,
		Metrics:           syncMetrics,
		OnOpFailed: func(op notesync.Op, err error) {
			slog.Warn("remote operation dropped after final attempt",
				"op", op.Kind, "local_id", op.LocalID, "error", err)
		},
	})

	if opts.initialize {
		a.sync.Initialize(ctx)
	}
	return a, nil
}

// flush pushes pending remote work within the configured timeout. Whatever
// does not finish stays queued for the next run.
func (a *app) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Sync.FlushTimeout)
	defer cancel()
	if err := a.sync.Flush(ctx); err != nil {
		slog.Debug("flush incomplete, remaining work stays queued", "error", err)
	}
}

// close releases everything openApp acquired. Background loops started by
// startBackground must already have been told to stop.
func (a *app) close() {
	if a.runDone != nil {
		<-a.runDone
	}
	if a.watchDone != nil {
		<-a.watchDone
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.sync.Close(ctx); err != nil {
		slog.Debug("closing synchronizer", "error", err)
	}
	if err := a.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// logMetricTotals writes the current sync counters at the given level.
func (a *app) logMetricTotals(level slog.Level) {
	if a.registry == nil {
		return
	}
	totals, err := metrics.Totals(a.registry)
	if err != nil {
		slog.Debug("gathering metrics", "error", err)
		return
	}
	attrs := make([]any, 0, len(totals)*2)
	for _, name := range slices.Sorted(maps.Keys(totals)) {
		attrs = append(attrs, name, totals[name])
	}
	slog.Log(context.Background(), level, "sync metrics", attrs...)
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kalambet/notesync/internal/api"
	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/storage"
)

// completedJobRetention is how long finished operations stay in the jobs
// table before the agent purges them.
const completedJobRetention = 24 * time.Hour

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the remote note store server (foreground)",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServer(ctx)
	},
}

func runServer(ctx context.Context) error {
	slog.Info("notesync server starting", "version", version)

	store, err := storage.OpenServer(cfg.Server.DataDir)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("closing storage", "error", err)
		}
	}()

	deps := api.ServerDeps{Store: store}
	if cfg.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		httpMetrics, err := metrics.NewHTTPMetrics(registry)
		if err != nil {
			return fmt.Errorf("registering metrics: %w", err)
		}
		deps.Metrics = httpMetrics
		deps.Gatherer = registry
	}

	addr := cfg.Server.Addr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServerHandler(deps),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext: func(_ net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("notesync server listening", "addr", addr, "data_dir", cfg.Server.DataDir)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Keep notes in sync in the background (foreground process)",
	Long: `Keep notes in sync in the background.

The agent follows sign-in and sign-out from other notesync commands, replays
queued remote operations and refreshes from the remote store periodically.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := startBackground(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		slog.Info("agent running",
			"refresh_interval", cfg.Sync.RefreshInterval,
			"owner_id", a.session.CurrentOwnerID())
		runRefreshLoop(ctx, a)
		a.logMetricTotals(slog.LevelInfo)
		return nil
	},
}

// startBackground opens the app for a long-running process: interrupted
// operations are requeued, the session file is watched and the supervisor
// starts draining the queue. Everything stops when ctx is done.
func startBackground(ctx context.Context) (*app, error) {
	a, err := openApp(ctx, appOptions{withMetrics: true})
	if err != nil {
		return nil, err
	}

	if n, err := a.queue.Recover(ctx); err != nil {
		slog.Warn("recovering interrupted operations", "error", err)
	} else if n > 0 {
		slog.Info("requeued interrupted operations", "count", n)
	}

	if a.watchDone, err = a.session.Watch(ctx); err != nil {
		slog.Warn("session changes from other processes will not be seen", "error", err)
	}

	a.sync.Initialize(ctx)
	a.runDone = make(chan struct{})
	go func() {
		defer close(a.runDone)
		a.sync.Run(ctx)
	}()
	return a, nil
}

func runRefreshLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(cfg.Sync.RefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := a.sync.RefreshFromRemote(ctx)
			if err != nil {
				slog.Warn("periodic refresh failed", "error", err)
			} else if !res.Skipped {
				slog.Debug("periodic refresh", "total", res.Total, "uploaded", res.Uploaded, "failed", res.Failed)
			}
			if n, err := a.store.PurgeCompletedJobs(time.Now().Add(-completedJobRetention)); err != nil {
				slog.Warn("purging completed operations", "error", err)
			} else if n > 0 {
				slog.Debug("purged completed operations", "count", n)
			}
			a.logMetricTotals(slog.LevelDebug)
		}
	}
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the note collection as MCP tools over stdio",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := startBackground(ctx)
		if err != nil {
			return err
		}
		defer a.close()

		mcpSrv := api.NewMCPServer(api.MCPDeps{Notes: a.sync, Version: version})
		stdioSrv := server.NewStdioServer(mcpSrv)
		slog.Info("MCP server started (stdio transport)")
		err = stdioSrv.Listen(ctx, os.Stdin, os.Stdout)
		// stdin may close before any signal arrives.
		stop()
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("MCP stdio server: %w", err)
		}
		return nil
	},
}

// Package api serves the remote note store over HTTP and exposes the local
// synchronizer as MCP tools.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/notesync/internal/metrics"
	"github.com/kalambet/notesync/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const defaultSessionTTL = 30 * 24 * time.Hour

// ServerDeps holds dependencies for the remote store server.
type ServerDeps struct {
	Store *storage.Store
	// Metrics records per-route request counts and latency. Optional.
	Metrics *metrics.HTTPMetrics
	// Gatherer backs GET /metrics. When nil the route is not registered.
	Gatherer   prometheus.Gatherer
	SessionTTL time.Duration
	Logger     *slog.Logger
	Now        func() time.Time
}

// NewServerHandler returns the remote note store API.
func NewServerHandler(deps ServerDeps) http.Handler {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = defaultSessionTTL
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(deps.Metrics))

	r.Get("/health", handleHealth)
	if deps.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/auth/signup", handleSignUp(deps))
		r.Post("/auth/signin", handleSignIn(deps))

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(deps.Store, deps.Now))
			r.Post("/auth/signout", handleSignOut(deps))

			r.Route("/owners/{ownerID}/notes", func(r chi.Router) {
				r.Use(OwnerScope)
				r.Get("/", handleListNotes(deps))
				r.Post("/", handleCreateNote(deps))
				r.Patch("/{noteID}", handleUpdateNote(deps))
				r.Delete("/{noteID}", handleDeleteNote(deps))
			})
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// requestMetrics records every request under its chi route pattern so that
// path parameters do not explode label cardinality.
func requestMetrics(m *metrics.HTTPMetrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if p := rctx.RoutePattern(); p != "" {
					route = p
				}
			}
			code := ww.Status()
			if code == 0 {
				code = http.StatusOK
			}
			m.RecordRequest(route, r.Method, code, time.Since(start))
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// Package server assembles the HTTP surface of the API binary: routing,
// the identity middleware, and the health endpoint.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/pageflowhq/pageflow/internal/collab"
	"github.com/pageflowhq/pageflow/internal/config"
	"github.com/pageflowhq/pageflow/internal/errs"
	"github.com/pageflowhq/pageflow/internal/ingest"
	"github.com/pageflowhq/pageflow/internal/logger"
	"github.com/pageflowhq/pageflow/internal/metrics"
	"github.com/pageflowhq/pageflow/internal/store"
	"github.com/pageflowhq/pageflow/internal/stream"
)

// Deps carries the handlers the router mounts.
type Deps struct {
	Store  store.Store
	Ingest *ingest.Handler
	Stream *stream.Handler
	Hub    *collab.Hub
	Cfg    *config.Config
}

// NewRouter builds the API routing table. Document routes sit behind the
// identity middleware; health and metrics stay open for probes and scrapers.
func NewRouter(d Deps) *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogging)

	r.HandleFunc("/health", Health(d.Store, d.Cfg.HealthTimeout)).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := r.NewRoute().Subrouter()
	api.Use(requireUser)
	api.HandleFunc("/documents/upload", d.Ingest.Upload).Methods(http.MethodPost)
	api.HandleFunc("/documents/{documentId}", d.Ingest.Delete).Methods(http.MethodDelete)
	api.HandleFunc("/documents/{jobId}/progress", d.Stream.Progress).Methods(http.MethodGet)
	api.HandleFunc("/ws/collab", collab.ServeWS(d.Hub)).Methods(http.MethodGet)

	return r
}

// New wraps the router in an http.Server with sane timeouts. WriteTimeout
// stays zero: SSE and websocket connections outlive any fixed bound and
// enforce their own deadlines.
func New(d Deps) *http.Server {
	return &http.Server{
		Addr:              d.Cfg.HTTPAddr,
		Handler:           NewRouter(d),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// Health answers 200 when the database responds within the probe timeout.
func Health(st store.Store, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		w.Header().Set("Content-Type", "application/json")
		if err := st.Ping(ctx); err != nil {
			logger.Warn("health probe failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "unhealthy"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

// requireUser rejects requests without the identity header the platform's
// auth layer injects.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(ingest.UserHeader) == "" {
			errs.WriteHTTP(w, http.StatusUnauthorized, "unauthorized", "missing user identity")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requestLogging emits one debug line per request.
func requestLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("http request",
			"method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

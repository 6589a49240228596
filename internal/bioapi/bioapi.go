// Package bioapi is the thin HTTP surface described in spec.md §6: it
// parses requests, looks up indexes in the catalog, hands queries to the
// planner, drains the resulting reader into bounded pages, and describes
// whatever remains with a continuation token. It owns no query or
// indexing logic of its own — every decision it makes is a call into
// catalog, schema, planner, reader, continuation, or restrict.
//
// Routing and logging follow the teacher's chi-router pattern
// (internal/api/routes.go, internal/api/middleware.go): one global
// logging middleware, routes grouped under a path prefix.
package bioapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lattice-genomics/bioindex/internal/catalog"
	"github.com/lattice-genomics/bioindex/internal/continuation"
	"github.com/lattice-genomics/bioindex/internal/indexer"
	"github.com/lattice-genomics/bioindex/internal/planner"
	"github.com/lattice-genomics/bioindex/internal/restrict"
)

// Limits bounds how much a single response may carry, per spec.md §6's
// BIOINDEX_RESPONSE_LIMIT* / BIOINDEX_MATCH_LIMIT configuration.
type Limits struct {
	// ResponseLimit is the soft per-page byte budget: a page keeps
	// reading until it has accumulated at least this many bytes, or the
	// reader is exhausted.
	ResponseLimit int64
	// ResponseLimitMax is the hard cap: a request whose total byte span
	// exceeds this is rejected with 413 before any bytes are read.
	ResponseLimitMax int64
	// MatchLimit bounds how many distinct key values a single /match
	// page returns.
	MatchLimit int
}

// DefaultLimits mirrors spec.md §6's documented defaults.
var DefaultLimits = Limits{
	ResponseLimit:    1 << 20,        // 1 MiB
	ResponseLimitMax: 100 << 20,      // 100 MiB
	MatchLimit:       100,
}

// Server wires the HTTP surface to the core components.
type Server struct {
	Catalog       *catalog.Store
	Planner       *planner.Planner
	Indexer       *indexer.Indexer
	Continuations *continuation.Registry
	Restrictions  *restrict.Store
	Limits        Limits
	Logger        *zap.Logger
}

func (s *Server) logger() *zap.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return zap.NewNop()
}

// Routes builds the chi router for the /api/bio surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	// The progress websocket is registered ahead of the logging
	// middleware, matching the teacher's routes.go: wrapping the
	// hijacked connection in the status-capturing ResponseWriter used
	// below would hide the underlying http.Hijacker the upgrade needs.
	r.Get("/api/bio/progress/{index}", s.handleProgress)

	r.Group(func(r chi.Router) {
		r.Use(loggingMiddleware(s.logger()))

		r.Route("/api/bio", func(r chi.Router) {
			r.Get("/indexes", s.handleIndexes)
			r.Get("/match/{index}", s.handleMatch)
			r.Get("/count/{index}", s.handleCount)
			r.Get("/all/{index}", s.handleAll)
			r.Get("/all/{index}/{arity}", s.handleAll)
			r.Head("/all/{index}", s.handleAllHead)
			r.Head("/all/{index}/{arity}", s.handleAllHead)
			r.Get("/query/{index}", s.handleQuery)
			r.Get("/query/{index}/{arity}", s.handleQuery)
			r.Head("/query/{index}", s.handleQueryHead)
			r.Head("/query/{index}/{arity}", s.handleQueryHead)
			r.Get("/cont", s.handleContinue)
		})
	})

	return r
}

// loggingMiddleware logs each request's method, path, status, and
// duration, grounded directly on the teacher's LoggingMiddleware.
func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Package server exposes the catalog, Delta table state and the run ledger
// over a read-only JSON API.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lake-cli/internal/catalog"
	"github.com/sells-group/lake-cli/internal/delta"
	"github.com/sells-group/lake-cli/internal/mount"
)

// Locator maps absolute lake paths to stores. *mount.Resolver implements it.
type Locator interface {
	Resolve(ctx context.Context, p string) (mount.Location, error)
}

// Options configures the API.
type Options struct {
	AllowedOrigins []string
}

// Server serves the API.
type Server struct {
	store   catalog.Store
	locator Locator
	opts    Options
}

// New returns a server over store. locator may be nil, in which case table
// responses carry no Delta state.
func New(store catalog.Store, locator Locator, opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{store: store, locator: locator, opts: opts}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Get("/databases", s.listDatabases)
		r.Get("/databases/{db}", s.getDatabase)
		r.Get("/databases/{db}/tables", s.listTables)
		r.Get("/databases/{db}/tables/{table}", s.getTable)
		r.Get("/databases/{db}/tables/{table}/history", s.tableHistory)
		r.Get("/runs", s.listRuns)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("request",
			zap.String("component", "server"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("encode response", zap.String("component", "server"), zap.Error(err))
	}
}

// writeError maps catalog errors to status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case eris.Is(err, catalog.ErrDatabaseNotFound), eris.Is(err, catalog.ErrTableNotFound):
		status = http.StatusNotFound
	case eris.Is(err, errBadRequest):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		zap.L().Error("request failed",
			zap.String("component", "server"),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

var errBadRequest = eris.New("bad request")

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) listDatabases(w http.ResponseWriter, r *http.Request) {
	dbs, err := s.store.ListDatabases(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if dbs == nil {
		dbs = []catalog.Database{}
	}
	writeJSON(w, http.StatusOK, dbs)
}

func (s *Server) getDatabase(w http.ResponseWriter, r *http.Request) {
	d, err := s.store.GetDatabase(r.Context(), chi.URLParam(r, "db"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) listTables(w http.ResponseWriter, r *http.Request) {
	tables, err := s.store.ListTables(r.Context(), chi.URLParam(r, "db"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if tables == nil {
		tables = []catalog.Table{}
	}
	writeJSON(w, http.StatusOK, tables)
}

// DeltaState summarises the current snapshot of a table.
type DeltaState struct {
	Version    int64 `json:"version"`
	NumFiles   int   `json:"num_files"`
	NumRecords int64 `json:"num_records"`
	SizeBytes  int64 `json:"size_bytes"`
}

// TableDetail is a catalog entry plus its Delta state, when data exists.
type TableDetail struct {
	catalog.Table
	Delta *DeltaState `json:"delta,omitempty"`
}

func (s *Server) deltaTable(ctx context.Context, t *catalog.Table) (*delta.Table, error) {
	if s.locator == nil {
		return nil, nil
	}
	loc, err := s.locator.Resolve(ctx, t.Location)
	if err != nil {
		return nil, err
	}
	return delta.Open(loc.Store, loc.Key), nil
}

func (s *Server) getTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.store.GetTable(ctx, chi.URLParam(r, "db"), chi.URLParam(r, "table"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	detail := TableDetail{Table: *t}

	dt, err := s.deltaTable(ctx, t)
	if err != nil {
		zap.L().Warn("resolve table location", zap.String("component", "server"), zap.String("table", t.FullName()), zap.Error(err))
	}
	if dt != nil {
		snap, err := dt.Snapshot(ctx)
		switch {
		case err == nil:
			detail.Delta = &DeltaState{
				Version:    snap.Version,
				NumFiles:   len(snap.Files),
				NumRecords: snap.NumRecords(),
				SizeBytes:  snap.SizeBytes(),
			}
		case !eris.Is(err, delta.ErrNotATable):
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

// HistoryEntry is one commit of a table, newest first.
type HistoryEntry struct {
	Version int64 `json:"version"`
	delta.CommitInfo
}

func (s *Server) tableHistory(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.store.GetTable(ctx, chi.URLParam(r, "db"), chi.URLParam(r, "table"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	dt, err := s.deltaTable(ctx, t)
	if err != nil {
		writeError(w, r, err)
		return
	}
	history := []HistoryEntry{}
	if dt != nil {
		commits, err := dt.History(ctx)
		if err != nil && !eris.Is(err, delta.ErrNotATable) {
			writeError(w, r, err)
			return
		}
		for _, c := range commits {
			history = append(history, HistoryEntry{Version: c.Version, CommitInfo: c})
		}
	}
	writeJSON(w, http.StatusOK, history)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	filter := catalog.RunFilter{Dataset: r.URL.Query().Get("dataset"), Limit: 100}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, r, eris.Wrapf(errBadRequest, "limit must be a positive integer, got %q", v))
			return
		}
		filter.Limit = n
	}
	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []catalog.RunEntry{}
	}
	writeJSON(w, http.StatusOK, runs)
}

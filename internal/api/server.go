// Package api serves read-only IOC data and on-demand extraction over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Ashfaaq98/iocwatch/internal/bus"
	"github.com/Ashfaaq98/iocwatch/internal/ioc"
	"github.com/Ashfaaq98/iocwatch/internal/metrics"
	"github.com/Ashfaaq98/iocwatch/internal/sources"
	"github.com/Ashfaaq98/iocwatch/internal/store"
)

// Reader is the read side of the IOC store.
type Reader interface {
	GetStats(ctx context.Context) (store.Stats, error)
	GetRecentMatches(ctx context.Context, limit int) ([]store.MatchEvent, error)
	GetMatchEvent(ctx context.Context, matchID int64) (store.MatchEvent, error)
	GetRecord(ctx context.Context, t ioc.Type, value string) (store.Record, bool, error)
	GetCycleAudits(ctx context.Context, limit int) ([]store.CycleAudit, error)
}

// BusStats reports on the match event stream.
type BusStats interface {
	GetStats(ctx context.Context) (bus.Stats, error)
}

// Writer persists extracted IOCs, normally through the service's serialized
// writer.
type Writer interface {
	AddIOCs(ctx context.Context, iocs []ioc.IOC) (int, error)
}

// Options controls the HTTP server behavior.
type Options struct {
	// Bind address, e.g. "127.0.0.1:8090"
	Bind string `mapstructure:"bind"`
	// Token for Authorization: Bearer <token> on /v1 routes. Empty disables auth.
	Token string `mapstructure:"token"`
	// RPS is max requests per second (approximate). 0 disables rate limiting.
	RPS   int `mapstructure:"rps"`
	Burst int `mapstructure:"burst"`
	// MaxBodyBytes caps extract request bodies; defaults to 1 MiB.
	MaxBodyBytes int64 `mapstructure:"max_body_bytes"`
}

// Server exposes the store, the extractor and Prometheus metrics.
type Server struct {
	opts      Options
	reader    Reader
	writer    Writer
	extractor *ioc.Extractor
	sources   []sources.Source
	bus       BusStats
	router    *mux.Router
	srv       *http.Server
	limiter   *clientLimiter
	logger    *zap.SugaredLogger
	started   int32
}

// New builds the router. writer may be nil, in which case extract requests
// asking to store their results are rejected.
func New(opts Options, reader Reader, writer Writer, extractor *ioc.Extractor, srcs []sources.Source, logger *zap.SugaredLogger) *Server {
	if opts.Bind == "" {
		opts.Bind = "127.0.0.1:8090"
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if extractor == nil {
		extractor = ioc.NewExtractor(ioc.DefaultOptions())
	}
	s := &Server{
		opts:      opts,
		reader:    reader,
		writer:    writer,
		extractor: extractor,
		sources:   srcs,
		router:    mux.NewRouter().SkipClean(true).UseEncodedPath(),
		logger:    logger.Named("api"),
	}
	if opts.RPS > 0 {
		s.limiter = newClientLimiter(opts.RPS, opts.Burst)
	}
	s.routes()
	s.srv = &http.Server{
		Addr:         opts.Bind,
		Handler:      s.router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	s.router.NotFoundHandler = http.HandlerFunc(notFound)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	v1.NotFoundHandler = http.HandlerFunc(notFound)
	v1.Use(s.authMiddleware, s.rateLimitMiddleware)
	v1.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	v1.HandleFunc("/matches", s.handleMatches).Methods(http.MethodGet)
	v1.HandleFunc("/matches/{id:[0-9]+}", s.handleMatch).Methods(http.MethodGet)
	v1.HandleFunc("/iocs/{type}/{value:.+}", s.handleLookup).Methods(http.MethodGet)
	v1.HandleFunc("/extract", s.handleExtract).Methods(http.MethodPost)
	v1.HandleFunc("/sources", s.handleSources).Methods(http.MethodGet)
	v1.HandleFunc("/cycles", s.handleCycles).Methods(http.MethodGet)
}

// SetBus adds the event bus's stream stats to /v1/stats.
func (s *Server) SetBus(b BusStats) { s.bus = b }

// Router returns the handler, for tests and embedding.
func (s *Server) Router() http.Handler { return s.router }

// Start starts the HTTP server concurrently and attaches to ctx for shutdown.
func (s *Server) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&s.started, 0, 1) {
		return errors.New("api server already started")
	}
	// Bind early to surface errors synchronously
	ln, err := net.Listen("tcp", s.opts.Bind)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.Bind, err)
	}
	s.logger.Infof("API listening on http://%s rps=%d auth=%v", s.opts.Bind, s.opts.RPS, s.opts.Token != "")

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Errorf("server error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnf("graceful shutdown failed: %v", err)
		}
	}()
	return nil
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.opts.Token != "" {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimSpace(strings.TrimPrefix(auth, "Bearer ")) != s.opts.Token {
				w.Header().Set("WWW-Authenticate", `Bearer realm="iocwatch"`)
				writeError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if client := clientKey(r); !s.limiter.Allow(client) {
			metrics.APIRateLimited.Inc()
			s.logger.Debugf("rate limited %s %s", client, r.URL.Path)
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, r *http.Request) {
	writeError(w, http.StatusNotFound, "not found")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.reader.GetStats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	resp := struct {
		store.Stats
		Bus *bus.Stats `json:"bus,omitempty"`
	}{Stats: stats}
	if s.bus != nil {
		bs, err := s.bus.GetStats(r.Context())
		if err != nil {
			s.logger.Warnf("bus stats unavailable: %v", err)
			bs = bus.Stats{Status: "unavailable"}
		}
		resp.Bus = &bs
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleMatches(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, store.DefaultRecentMatches)
	if !ok {
		return
	}
	matches, err := s.reader.GetRecentMatches(r.Context(), limit)
	if err != nil {
		s.internalError(w, "matches", err)
		return
	}
	if matches == nil {
		matches = []store.MatchEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": matches, "count": len(matches)})
}

func (s *Server) handleMatch(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid match id")
		return
	}
	ev, err := s.reader.GetMatchEvent(r.Context(), id)
	if errors.Is(err, store.ErrMatchNotFound) {
		writeError(w, http.StatusNotFound, "match not found")
		return
	}
	if err != nil {
		s.internalError(w, "match", err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleLookup(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	t, err := ioc.ParseType(vars["type"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	// URL values arrive path-escaped.
	value, err := url.PathUnescape(vars["value"])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid value encoding")
		return
	}
	rec, found, err := s.reader.GetRecord(r.Context(), t, value)
	if err != nil {
		s.internalError(w, "lookup", err)
		return
	}
	if !found {
		writeJSON(w, http.StatusNotFound, map[string]any{"found": false, "type": t, "value": ioc.Normalize(t, value)})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": true, "ioc": rec})
}

func (s *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "failed to read body")
		return
	}
	text := string(body)
	if strings.TrimSpace(text) == "" {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}

	q := r.URL.Query()
	source := q.Get("source")
	if source == "" {
		source = "api"
	}

	var found []ioc.IOC
	if raw := q.Get("types"); raw != "" {
		types, err := ioc.ParseTypes(strings.Split(raw, ","))
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		for _, t := range types {
			found = append(found, s.extractor.ExtractByType(text, t, source)...)
		}
	} else {
		found = s.extractor.Extract(text, source)
	}
	if found == nil {
		found = []ioc.IOC{}
	}

	resp := map[string]any{"iocs": found, "count": len(found)}
	if persist, _ := strconv.ParseBool(q.Get("store")); persist {
		if s.writer == nil {
			writeError(w, http.StatusServiceUnavailable, "storage is not available")
			return
		}
		n, err := s.writer.AddIOCs(r.Context(), found)
		if err != nil {
			s.internalError(w, "extract store", err)
			return
		}
		resp["stored"] = n
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	out := make([]sources.Stats, 0, len(s.sources))
	for _, src := range s.sources {
		out = append(out, src.Stats())
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) handleCycles(w http.ResponseWriter, r *http.Request) {
	limit, ok := limitParam(w, r, 20)
	if !ok {
		return
	}
	cycles, err := s.reader.GetCycleAudits(r.Context(), limit)
	if err != nil {
		s.internalError(w, "cycles", err)
		return
	}
	if cycles == nil {
		cycles = []store.CycleAudit{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"cycles": cycles})
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Errorf("%s request failed: %v", op, err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func limitParam(w http.ResponseWriter, r *http.Request, def int) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 10000 {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 10000")
		return 0, false
	}
	return n, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

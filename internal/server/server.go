// Package server exposes the latest engine snapshot over HTTP and pushes
// rendered frames to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/caesar-terminal/orderflow/internal/adapter"
	"github.com/sirupsen/logrus"
)

// Config holds HTTP server settings.
type Config struct {
	Addr       string
	Symbol     string
	CORSOrigin string
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration
}

// StatusReporter reports feed health. adapter.FeedMonitor satisfies it.
type StatusReporter interface {
	Status() adapter.FeedStatus
	LastData() time.Time
}

// Server serves the snapshot API and the websocket hub.
type Server struct {
	cfg     Config
	source  SnapshotSource
	status  StatusReporter
	hub     *Hub
	log     *logrus.Entry
	handler http.Handler
	nowFunc func() time.Time
}

// New registers routes. status and hub may be nil.
func New(cfg Config, source SnapshotSource, status StatusReporter, hub *Hub, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		source:  source,
		status:  status,
		hub:     hub,
		log:     logger.WithField("component", "http"),
		nowFunc: time.Now,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/ladder", s.handleLadder)
	mux.HandleFunc("GET /api/heatmap", s.handleHeatmap)
	mux.HandleFunc("GET /api/series", s.handleSeries)
	mux.HandleFunc("GET /api/tape", s.handleTape)
	if hub != nil {
		mux.HandleFunc("GET /ws/orderflow/{symbol}", hub.HandleWS)
	}
	s.handler = cors(cfg.CORSOrigin)(mux)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on cfg.Addr until ctx ends, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.WithField("addr", s.cfg.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server: listen: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Latest()
	body := map[string]any{
		"symbol":  s.cfg.Symbol,
		"version": snap.Version(),
		"time":    s.nowFunc().UTC(),
	}
	if last := snap.LastUpdate(); !last.IsZero() {
		body["last_update"] = last.UTC()
	}
	status := adapter.FeedWaiting
	if s.status != nil {
		status = s.status.Status()
		if last := s.status.LastData(); !last.IsZero() {
			body["last_data"] = last.UTC()
		}
	}
	body["feed"] = status
	if s.hub != nil {
		body["clients"] = s.hub.Clients()
	}

	code := http.StatusOK
	if status == adapter.FeedDisconnected {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Latest()
	body := map[string]any{
		"version":      snap.Version(),
		"stats":        snap.Stats(),
		"stable_ticks": snap.StableTicks(),
	}
	if raw, bucket, ok := snap.LastPrice(); ok {
		body["price"] = raw
		body["bucket"] = bucket
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLadder(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Latest()
	levels, err := intParam(r, "levels", snap.Depth())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"rows":    snap.Ladder(levels),
	})
}

func (s *Server) handleHeatmap(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Latest()
	levels, err := intParam(r, "levels", snap.Depth())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"cells":   snap.Heatmap(levels),
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	snap := s.source.Latest()
	smooth, err := intParam(r, "smooth", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"samples": snap.SmoothedSeries(smooth),
	})
}

func (s *Server) handleTape(w http.ResponseWriter, _ *http.Request) {
	snap := s.source.Latest()
	writeJSON(w, http.StatusOK, map[string]any{
		"version": snap.Version(),
		"trades":  snap.Tape(),
	})
}

// intParam parses a non-negative integer query parameter.
func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// cors allows origin, or every origin when it is empty or "*".
func cors(origin string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if reqOrigin := r.Header.Get("Origin"); reqOrigin != "" {
				if origin == "" || origin == "*" || origin == reqOrigin {
					w.Header().Set("Access-Control-Allow-Origin", reqOrigin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
					w.Header().Set("Access-Control-Max-Age", "86400")
				}
			}
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

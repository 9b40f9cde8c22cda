// Package api serves the operator endpoints: liveness, Prometheus metrics
// and per-country frontier stats.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/jurisbase/lexcrawl/internal/ingest"
	"github.com/jurisbase/lexcrawl/internal/metrics"
)

// Server is the operator HTTP server.
type Server struct {
	frontier  ingest.FrontierStore
	countries []string
	logger    *zap.Logger
	http      *http.Server
}

// New constructs a Server listening on the given port.
func New(port int, frontier ingest.FrontierStore, countries []string, logger *zap.Logger) *Server {
	s := &Server{
		frontier:  frontier,
		countries: countries,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/{country}", s.handleCountryStats)
	r.Handle("/metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Run serves until the context is canceled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operator server listening", zap.String("addr", s.http.Addr))
		errCh <- s.http.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return fmt.Errorf("operator server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]ingest.FrontierStats, len(s.countries))
	for _, country := range s.countries {
		stats, err := s.frontier.Stats(r.Context(), country)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		out[country] = stats
	}
	s.writeJSON(w, out)
}

func (s *Server) handleCountryStats(w http.ResponseWriter, r *http.Request) {
	// Country codes are stored uppercase; accept /stats/kr and /stats/KR.
	country := strings.ToUpper(chi.URLParam(r, "country"))
	stats, err := s.frontier.Stats(r.Context(), country)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, stats)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.logger.Warn("request failed", zap.Error(err))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

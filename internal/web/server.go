// Package web serves the watcher's health and status endpoints.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/example/appt-watcher/internal/history"
	"github.com/example/appt-watcher/internal/scheduler"
	"go.uber.org/zap"
)

type StatusSource interface {
	Status() scheduler.Status
}

type RunLister interface {
	ListRuns(ctx context.Context, limit int) ([]history.Run, error)
}

type Server struct {
	Status StatusSource
	Runs   RunLister // nil when no database is configured
	Log    *zap.Logger
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /runs", s.handleRuns)

	return mux
}

type statusView struct {
	scheduler.Status
	Backoff string `json:"backoff"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.Status.Status()
	writeJSON(w, http.StatusOK, statusView{Status: st, Backoff: st.Backoff.String()})
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if s.Runs == nil {
		http.Error(w, "no database configured", http.StatusNotFound)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			http.Error(w, "limit must be between 1 and 500", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.Runs.ListRuns(r.Context(), limit)
	if err != nil {
		if s.Log != nil {
			s.Log.Warn("list runs", zap.Error(err))
		}
		http.Error(w, "could not load runs", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start serves h on addr until ctx is done.
func Start(ctx context.Context, addr string, h http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("status server listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

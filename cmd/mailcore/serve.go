package main

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/allaspectsdev/mailcore/internal/coordinator"
)

// statusServer is an optional read-only chi-routed introspection surface
// for operational debugging: /health and the queue depth. It exposes
// no §4 contract of its own; every field it reports is already owned by
// the Coordinator's components.
type statusServer struct {
	router  chi.Router
	coord   *coordinator.Coordinator
	httpSrv *http.Server
}

func newStatusServer(coord *coordinator.Coordinator, addr string) *statusServer {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &statusServer{router: r, coord: coord}
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return s
}

func (s *statusServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

type statusResponse struct {
	QueueDepth int `json:"queue_depth"`
}

func (s *statusServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{QueueDepth: s.coord.Queue.Depth()}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func (s *statusServer) ListenAndServe() error {
	return s.httpSrv.ListenAndServe()
}

func (s *statusServer) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

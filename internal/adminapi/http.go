// Package adminapi exposes a read-only operational surface over the
// spool: liveness, Prometheus metrics, and a row-count breakdown by
// derived state. spec.md excludes UI panels, but this is ambient
// infrastructure, not a panel — grounded on the teacher's go-chi
// router wiring (internal/server/server.go in the BigKAA pack, since
// the teacher's own admin/http.go is a much larger webhook-gateway
// console out of scope here).
package adminapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nuetzliches/msgspool/internal/obs"
	"github.com/nuetzliches/msgspool/internal/spool"
)

// Server is the admin HTTP surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Options configures the admin surface.
type Options struct {
	Addr      string
	Store     spool.Store
	Auth      *JWTAuth // nil runs the surface unauthenticated (local/dev mode)
	Logger    *slog.Logger
	TracingOn bool
}

// New builds the admin HTTP surface. When opts.Auth is nil, /stats
// runs unauthenticated and the caller should log a startup warning
// (spec.md §4.L).
func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	router := chi.NewRouter()
	router.Get("/healthz", handleHealthz)
	router.Handle("/metrics", obs.Handler())

	statsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleStats(w, r.Context(), opts.Store)
	})
	if opts.Auth != nil {
		router.With(opts.Auth.Middleware()).Get("/stats", statsHandler.ServeHTTP)
	} else {
		router.Get("/stats", statsHandler.ServeHTTP)
	}

	handler := obs.WrapHandler(opts.TracingOn, "admin_surface", router)

	return &Server{
		httpServer: &http.Server{
			Addr:         opts.Addr,
			Handler:      handler,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe runs the admin surface until it errors or is shut down.
func (s *Server) ListenAndServe() error {
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the admin surface.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type statsResponse struct {
	Unpublished int `json:"unpublished"`
	InFlight    int `json:"in_flight"`
	Dropped     int `json:"dropped"`
}

func handleStats(w http.ResponseWriter, ctx context.Context, store spool.Store) {
	var unpub, inFlight, dropped []spool.Message

	err := obs.TraceStoreOp(ctx, "AllUnpublishedMessagesNoPayload", func(context.Context) error {
		var innerErr error
		unpub, innerErr = store.AllUnpublishedMessagesNoPayload()
		return innerErr
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = obs.TraceStoreOp(ctx, "AllInFlightMessagesNoPayload", func(context.Context) error {
		var innerErr error
		inFlight, innerErr = store.AllInFlightMessagesNoPayload()
		return innerErr
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	err = obs.TraceStoreOp(ctx, "AllDroppedInFlightMessagesNoPayload", func(context.Context) error {
		var innerErr error
		dropped, innerErr = store.AllDroppedInFlightMessagesNoPayload()
		return innerErr
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(statsResponse{
		Unpublished: len(unpub),
		InFlight:    len(inFlight),
		Dropped:     len(dropped),
	})
}

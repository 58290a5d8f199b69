// Package api serves the JSON query and configuration surface over the
// store and scheduler: target CRUD and the windowed results query. No
// HTML templating is attempted here; that stays a separate concern.
package api

import (
	"context"
	"net/http"

	"github.com/runZeroInc/vaportrail/pkg/scheduler"
	"github.com/runZeroInc/vaportrail/pkg/store"
)

// Server holds the dependencies every handler needs.
type Server struct {
	store     *store.Store
	scheduler *scheduler.Scheduler
}

// New returns a Server backed by s and sched. sched may be nil (as in
// tests); the target handlers then skip starting or stopping probe loops.
func New(s *store.Store, sched *scheduler.Scheduler) *Server {
	return &Server{store: s, scheduler: sched}
}

// Handler builds the mux. ctx governs any probe loop (re)started by a
// target create/update handler.
func (srv *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/targets", srv.handleListTargets)
	mux.HandleFunc("POST /api/targets", srv.withContext(ctx, srv.handleCreateTarget))
	mux.HandleFunc("PUT /api/targets/{id}", srv.withContext(ctx, srv.handleUpdateTarget))
	mux.HandleFunc("DELETE /api/targets/{id}", srv.handleDeleteTarget)
	mux.HandleFunc("GET /api/results", srv.handleGetResults)
	mux.HandleFunc("GET /api/status", srv.handleStatus)

	return mux
}

func (srv *Server) withContext(ctx context.Context, h func(context.Context, http.ResponseWriter, *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(ctx, w, r)
	}
}

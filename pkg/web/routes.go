// Copyright © 2018 One Concern

// Package web exposes the daemon over HTTP: health and metrics, scheduler status,
// resumable blob transfers and a JSON execution endpoint.
package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/oneconcern/buildfarm/pkg/metrics"
	"github.com/oneconcern/buildfarm/pkg/scheduler"
	"github.com/oneconcern/buildfarm/pkg/storage"
	"github.com/oneconcern/buildfarm/pkg/transfer"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ServerParams are the components served over HTTP
type ServerParams struct {
	Scheduler   *scheduler.Scheduler
	CAS         storage.Store
	ActionCache storage.Store
	Transfer    *transfer.Service
	Gatherer    prometheus.Gatherer
	Logger      *zap.Logger
}

// Server holds the HTTP handlers
type Server struct {
	params ServerParams
	l      *zap.Logger
}

// NewServer for the given components. Routes for missing components are not mounted.
func NewServer(params ServerParams) *Server {
	l := params.Logger
	if l == nil {
		l = zap.NewNop()
	}
	return &Server{params: params, l: l}
}

// InitRouter builds the routes of the server
func InitRouter(srv *Server) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", srv.HandleHealthz())
	r.Get("/readyz", srv.HandleReadyz())
	r.Mount("/debug/prof", middleware.Profiler())
	if srv.params.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", metrics.Handler(srv.params.Gatherer))
	}

	if srv.params.Scheduler != nil {
		r.Get("/debug/status", srv.HandleStatus())
		r.Post("/actions", srv.HandleExecute())
	}

	if srv.params.Transfer != nil {
		r.Get("/blobs/{hash}/{size}", srv.HandleDownload())
		r.Head("/uploads/{uploadID}", srv.HandleQueryUpload())
		r.Put("/uploads/{uploadID}/blobs/{hash}/{size}", srv.HandleUpload())
	}
	return r
}

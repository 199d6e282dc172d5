// Package server exposes the engine over HTTP: a JSON API for devices,
// workflows, templates and batch runs, a WebSocket status stream, and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
	"github.com/droidfarm/droidfarm/internal/bus"
	"github.com/droidfarm/droidfarm/internal/config"
	"github.com/droidfarm/droidfarm/internal/template"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

// Server wires every engine component behind one router.
type Server struct {
	// cfgMu guards cfg: the settings endpoint replaces it while other
	// handlers read it.
	cfgMu     sync.RWMutex
	cfg       *config.Config
	cfgPath   string
	registry  *adb.Registry
	coord     *batch.Coordinator
	workflows *workflow.Repo
	templates *template.Store
	events    *bus.Bus
	gatherer  prometheus.Gatherer
}

// Deps collects the components the server serves.
type Deps struct {
	Config     *config.Config
	ConfigPath string
	Registry   *adb.Registry
	Coord      *batch.Coordinator
	Workflows  *workflow.Repo
	Templates  *template.Store
	Events     *bus.Bus
	Gatherer   prometheus.Gatherer
}

// New builds a Server from its dependencies.
func New(d Deps) *Server {
	return &Server{
		cfg:       d.Config,
		cfgPath:   d.ConfigPath,
		registry:  d.Registry,
		coord:     d.Coord,
		workflows: d.Workflows,
		templates: d.Templates,
		events:    d.Events,
		gatherer:  d.Gatherer,
	}
}

// configSnapshot copies the live config so handlers read a stable view.
func (s *Server) configSnapshot() config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return *s.cfg
}

// Router builds the chi router with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(5 * time.Minute))

	r.Route("/api", func(r chi.Router) {
		r.Get("/devices", s.handleListDevices)
		r.Post("/devices/refresh", s.handleRefreshDevices)
		r.Get("/devices/{serial}/screenshot", s.handleDeviceScreenshot)
		r.Post("/devices/{serial}/task", s.handleAssignTask)
		r.Delete("/devices/{serial}", s.handleRemoveDevice)

		r.Get("/batch/status", s.handleBatchStatus)
		r.Get("/batch/accounts", s.handleBatchAccounts)
		r.Post("/batch/scan", s.handleBatchScan)
		r.Post("/batch/start", s.handleBatchStart)
		r.Post("/batch/stop", s.handleBatchStop)
		r.Post("/batch/mark-bugged", s.handleMarkBugged)
		r.Post("/batch/dedupe", s.handleDedupe)
		r.Post("/batch/export", s.handleExport)

		r.Get("/workflows", s.handleListWorkflows)
		r.Post("/workflows", s.handleSaveWorkflow)
		r.Get("/workflows/{id}", s.handleGetWorkflow)
		r.Delete("/workflows/{id}", s.handleDeleteWorkflow)
		r.Post("/workflows/{id}/master", s.handleSetMaster)
		r.Post("/workflows/{id}/execute", s.handleExecuteWorkflow)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates/capture", s.handleCaptureTemplate)
		r.Delete("/templates/{name}", s.handleDeleteTemplate)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)
	})

	r.Get("/ws", s.handleWS)
	if s.gatherer != nil {
		r.Method(http.MethodGet, "/metrics",
			promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// ListenAndServe runs the HTTP server until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// envelope is the uniform JSON response shape.
type envelope struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		log.Debug("response encode failed", "err", err)
	}
}

func respondOK(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func respondMessage(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Message: msg})
}

func respondErr(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, envelope{Success: false, Message: err.Error()})
}

func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

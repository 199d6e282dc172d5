package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/bus"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	list, err := s.workflows.List(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, list)
}

func (s *Server) handleSaveWorkflow(w http.ResponseWriter, r *http.Request) {
	var wf workflow.Workflow
	if err := decodeBody(r, &wf); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workflows.Save(r.Context(), &wf); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, workflow.ErrInvalid) {
			status = http.StatusBadRequest
		} else if errors.Is(err, workflow.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondErr(w, status, err)
		return
	}
	respondOK(w, wf)
}

func workflowID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			respondErr(w, http.StatusNotFound, err)
			return
		}
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, wf)
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workflows.Delete(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			respondErr(w, http.StatusNotFound, err)
			return
		}
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondMessage(w, "workflow deleted")
}

func (s *Server) handleSetMaster(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.workflows.SetMaster(r.Context(), id); err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			respondErr(w, http.StatusNotFound, err)
			return
		}
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondMessage(w, "master set")
}

// handleExecuteWorkflow runs a workflow once on a single device, outside any
// batch job. The run is asynchronous; progress arrives on the event stream.
func (s *Server) handleExecuteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := workflowID(r)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	var body struct {
		Serial string `json:"serial"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	wf, err := s.workflows.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workflow.ErrNotFound) {
			respondErr(w, http.StatusNotFound, err)
			return
		}
		respondErr(w, http.StatusInternalServerError, err)
		return
	}

	info, ok := s.registry.Get(body.Serial)
	if !ok || info.Status != adb.StatusOnline {
		respondErr(w, http.StatusConflict, fmt.Errorf("device %s is not online", body.Serial))
		return
	}

	dev := s.registry.Channel(body.Serial)
	owner := "exec-" + uuid.NewString()
	if err := dev.Acquire(owner); err != nil {
		respondErr(w, http.StatusConflict, err)
		return
	}

	cfg := s.configSnapshot()
	target := workflow.Target{
		Package:        cfg.Target.Package,
		Activity:       cfg.Target.Activity,
		ColdStartWait:  cfg.Target.ColdStartWait.Std(),
		ReadyTemplates: cfg.Target.ReadyTemplates,
	}

	go func() {
		defer dev.Release(owner)
		defer s.registry.SetRunning(body.Serial, false)
		s.registry.SetRunning(body.Serial, true)

		in := workflow.NewInterpreter(dev, s.templates, target)
		in.OnProgress = func(p workflow.Progress) {
			s.events.Publish(bus.Event{Type: bus.EventJobProgress, Serial: p.Serial,
				Message: fmt.Sprintf("step %d/%d %s", p.StepIndex+1, p.StepTotal, p.Description)})
		}

		if err := in.Run(context.Background(), wf); err != nil {
			log.Warn("one-off workflow failed", "serial", body.Serial, "workflow", wf.Name, "err", err)
			s.events.Publish(bus.Event{Type: bus.EventWorkerLog, Serial: body.Serial,
				Message: fmt.Sprintf("workflow %s failed: %v", wf.Name, err)})
			return
		}
		log.Info("one-off workflow finished", "serial", body.Serial, "workflow", wf.Name)
		s.events.Publish(bus.Event{Type: bus.EventWorkerLog, Serial: body.Serial,
			Message: fmt.Sprintf("workflow %s completed", wf.Name)})
	}()

	respondMessage(w, fmt.Sprintf("workflow %s started on %s", wf.Name, body.Serial))
}

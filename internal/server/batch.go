package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/charmbracelet/log"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/batch"
	"github.com/droidfarm/droidfarm/internal/workflow"
)

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.coord.Status()
	if !ok {
		respondOK(w, map[string]any{"state": batch.JobIdle})
		return
	}
	respondOK(w, job)
}

func (s *Server) handleBatchAccounts(w http.ResponseWriter, r *http.Request) {
	tasks, stats := s.coord.Queue().Snapshot()
	respondOK(w, map[string]any{"accounts": tasks, "stats": stats})
}

func (s *Server) handleBatchScan(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Folder string `json:"folder"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if body.Folder == "" {
		respondErr(w, http.StatusBadRequest, errors.New("folder is required"))
		return
	}

	cfg := s.configSnapshot()
	q := batch.NewQueue(body.Folder)
	n, err := q.Load(cfg.Batch.AccountExtension)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.SetQueue(q); err != nil {
		respondErr(w, http.StatusConflict, err)
		return
	}
	respondOK(w, map[string]any{"folder": body.Folder, "accounts": n})
}

type batchStartRequest struct {
	// Serials selects the devices; empty means every online device.
	Serials []string `json:"serials,omitempty"`

	// Exactly one of WorkflowID, WorkflowName or Mode picks the workflow.
	WorkflowID   int64  `json:"workflow_id,omitempty"`
	WorkflowName string `json:"workflow_name,omitempty"`
	Mode         string `json:"mode,omitempty"`
	MonthYear    string `json:"month_year,omitempty"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var body batchStartRequest
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	wf, err := s.resolveWorkflow(r.Context(), body)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, workflow.ErrNotFound) {
			status = http.StatusNotFound
		}
		respondErr(w, status, err)
		return
	}

	devices, serials, err := s.selectDevices(body.Serials)
	if err != nil {
		respondErr(w, http.StatusConflict, err)
		return
	}

	cfg := s.configSnapshot()
	opts := batch.Options{
		RemoteAccountPath: cfg.Target.RemoteAccountPath,
		RemoteStagingPath: cfg.Target.RemoteStagingPath,
		Target: workflow.Target{
			Package:        cfg.Target.Package,
			Activity:       cfg.Target.Activity,
			ColdStartWait:  cfg.Target.ColdStartWait.Std(),
			ReadyTemplates: cfg.Target.ReadyTemplates,
		},
		MoveOnComplete:       cfg.Batch.MoveOnComplete,
		DoneFolder:           cfg.Batch.DoneFolder,
		DelayBetweenAccounts: cfg.Batch.DelayBetweenAccounts.Std(),
	}

	// The job must survive this request; its lifetime is the coordinator's.
	job, err := s.coord.Start(context.Background(), devices, wf, opts)
	if err != nil {
		status := http.StatusConflict
		if errors.Is(err, batch.ErrEmpty) {
			status = http.StatusBadRequest
		}
		respondErr(w, status, err)
		return
	}

	for _, serial := range serials {
		s.registry.SetRunning(serial, true)
	}
	go func() {
		s.coord.Wait()
		for _, serial := range serials {
			s.registry.SetRunning(serial, false)
		}
	}()

	respondOK(w, job)
}

// resolveWorkflow picks the workflow for a start request: explicit ID, then
// name, then scheduled mode lookup, then the fleet master.
func (s *Server) resolveWorkflow(ctx context.Context, body batchStartRequest) (*workflow.Workflow, error) {
	switch {
	case body.WorkflowID != 0:
		return s.workflows.Get(ctx, body.WorkflowID)
	case body.WorkflowName != "":
		return s.workflows.GetByName(ctx, body.WorkflowName)
	case body.Mode != "":
		return s.workflows.ForMode(ctx, body.Mode, body.MonthYear)
	default:
		return s.workflows.Master(ctx)
	}
}

// selectDevices resolves the requested serials to online command channels.
func (s *Server) selectDevices(serials []string) ([]batch.WorkerDevice, []string, error) {
	if len(serials) == 0 {
		for _, info := range s.registry.Snapshot() {
			if info.Status == adb.StatusOnline {
				serials = append(serials, info.Serial)
			}
		}
	}
	if len(serials) == 0 {
		return nil, nil, errors.New("no online devices")
	}

	devices := make([]batch.WorkerDevice, 0, len(serials))
	for _, serial := range serials {
		info, ok := s.registry.Get(serial)
		if !ok {
			return nil, nil, fmt.Errorf("unknown device %s", serial)
		}
		if info.Status != adb.StatusOnline {
			return nil, nil, fmt.Errorf("device %s is %s", serial, info.Status)
		}
		devices = append(devices, s.registry.Channel(serial))
	}
	return devices, serials, nil
}

func (s *Server) handleBatchStop(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.Stop(); err != nil {
		respondErr(w, http.StatusConflict, err)
		return
	}
	respondMessage(w, "job stopped")
}

func (s *Server) handleMarkBugged(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Filename string `json:"filename"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if err := s.coord.Queue().MarkBugged(body.Filename); err != nil {
		respondErr(w, http.StatusNotFound, err)
		return
	}
	respondMessage(w, "account removed")
}

func (s *Server) handleDedupe(w http.ResponseWriter, r *http.Request) {
	var body struct {
		MasterDir    string `json:"master_dir"`
		CandidateDir string `json:"candidate_dir"`
		DryRun       bool   `json:"dry_run"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	res, err := batch.Dedupe(body.MasterDir, body.CandidateDir, s.configSnapshot().Batch.AccountExtension, body.DryRun)
	if err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	respondOK(w, res)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Serial    string `json:"serial"`
		Label     string `json:"label"`
		OutputDir string `json:"output_dir"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	info, ok := s.registry.Get(body.Serial)
	if !ok || info.Status != adb.StatusOnline {
		respondErr(w, http.StatusConflict, fmt.Errorf("device %s is not online", body.Serial))
		return
	}
	if body.Label == "" {
		body.Label = body.Serial
	}
	if body.OutputDir == "" {
		body.OutputDir = "exports"
	}

	e := &batch.Exporter{
		RemoteAccountPath: s.configSnapshot().Target.RemoteAccountPath,
		OutputDir:         body.OutputDir,
	}
	path, err := e.Export(r.Context(), s.registry.Channel(body.Serial), body.Label)
	if err != nil {
		log.Warn("export failed", "serial", body.Serial, "err", err)
		respondErr(w, http.StatusBadGateway, err)
		return
	}
	respondOK(w, map[string]string{"file": path})
}

package server

import (
	"errors"
	"fmt"
	"image/jpeg"
	"image/png"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/vision"
)

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	respondOK(w, s.registry.Snapshot())
}

func (s *Server) handleRefreshDevices(w http.ResponseWriter, r *http.Request) {
	s.registry.Refresh(r.Context())
	respondOK(w, s.registry.Snapshot())
}

// handleDeviceScreenshot serves a live preview, downscaled to half size and
// JPEG-encoded to keep the poll cheap. The grab is non-blocking: while a
// worker owns the command channel the preview returns 409 rather than
// stalling the run. ?full=1 skips the downscale and returns a PNG.
func (s *Server) handleDeviceScreenshot(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	info, ok := s.registry.Get(serial)
	if !ok {
		respondErr(w, http.StatusNotFound, fmt.Errorf("unknown device %s", serial))
		return
	}
	if info.Status != adb.StatusOnline {
		respondErr(w, http.StatusConflict, fmt.Errorf("device %s is %s", serial, info.Status))
		return
	}

	img, grabbed, err := s.registry.Channel(serial).TrySnapshot(r.Context())
	if !grabbed {
		respondErr(w, http.StatusConflict, errors.New("device busy, try again"))
		return
	}
	if err != nil {
		respondErr(w, http.StatusBadGateway, err)
		return
	}

	if r.URL.Query().Get("full") != "" {
		w.Header().Set("Content-Type", "image/png")
		png.Encode(w, img)
		return
	}

	b := img.Bounds()
	preview := vision.Resize(img, b.Dx()/2, b.Dy()/2)
	w.Header().Set("Content-Type", "image/jpeg")
	jpeg.Encode(w, preview, &jpeg.Options{Quality: 80})
}

func (s *Server) handleAssignTask(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	var body struct {
		Task adb.Task `json:"task"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	switch body.Task {
	case adb.TaskNone, adb.TaskDailyLogin, adb.TaskReID:
	default:
		respondErr(w, http.StatusBadRequest, fmt.Errorf("unknown task %q", body.Task))
		return
	}
	if !s.registry.AssignTask(serial, body.Task) {
		respondErr(w, http.StatusNotFound, fmt.Errorf("unknown device %s", serial))
		return
	}
	respondMessage(w, fmt.Sprintf("assigned %s to %s", body.Task, serial))
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	serial := chi.URLParam(r, "serial")
	if info, ok := s.registry.Get(serial); ok && info.IsRunning {
		respondErr(w, http.StatusConflict, fmt.Errorf("device %s is running a job", serial))
		return
	}
	s.registry.Remove(serial)
	respondMessage(w, "device removed")
}

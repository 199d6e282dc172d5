package server

import (
	"errors"
	"fmt"
	"image"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/droidfarm/droidfarm/internal/adb"
	"github.com/droidfarm/droidfarm/internal/template"
)

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.templates.List(r.Context())
	if err != nil {
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondOK(w, list)
}

func (s *Server) handleCaptureTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Serial string `json:"serial"`
		Name   string `json:"name"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
		Width  int    `json:"width"`
		Height int    `json:"height"`
	}
	if err := decodeBody(r, &body); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}
	if body.Name == "" {
		respondErr(w, http.StatusBadRequest, errors.New("name is required"))
		return
	}
	if body.Width <= 0 || body.Height <= 0 {
		respondErr(w, http.StatusBadRequest, errors.New("width and height must be positive"))
		return
	}

	info, ok := s.registry.Get(body.Serial)
	if !ok || info.Status != adb.StatusOnline {
		respondErr(w, http.StatusConflict, fmt.Errorf("device %s is not online", body.Serial))
		return
	}

	region := image.Rect(body.X, body.Y, body.X+body.Width, body.Y+body.Height)
	tpl, err := s.templates.Capture(r.Context(), s.registry.Channel(body.Serial), body.Name, region)
	if err != nil {
		respondErr(w, http.StatusBadGateway, err)
		return
	}
	respondOK(w, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if err := s.templates.Delete(r.Context(), name); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			respondErr(w, http.StatusNotFound, err)
			return
		}
		respondErr(w, http.StatusInternalServerError, err)
		return
	}
	respondMessage(w, "template deleted")
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	cfg := s.configSnapshot()
	respondOK(w, cfg)
}

// handleUpdateSettings replaces the config and persists it when a config
// path is known. Changes to timeouts and poll intervals take effect for new
// channels only.
func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	updated := s.configSnapshot()
	if err := decodeBody(r, &updated); err != nil {
		respondErr(w, http.StatusBadRequest, err)
		return
	}

	s.cfgMu.Lock()
	*s.cfg = updated
	s.cfgMu.Unlock()

	if s.cfgPath != "" {
		if err := updated.Save(s.cfgPath); err != nil {
			respondErr(w, http.StatusInternalServerError, err)
			return
		}
	}
	respondOK(w, updated)
}

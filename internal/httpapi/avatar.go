package httpapi

import (
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/avatarcast/internal/lipsync"
	"github.com/antoniostano/avatarcast/internal/render"
	"github.com/antoniostano/avatarcast/internal/renderlog"
)

type alignRequest struct {
	Phonemes []lipsync.Phoneme `json:"phonemes"`
	Text     string            `json:"text,omitempty"`
	Duration float64           `json:"duration"`
	Compact  bool              `json:"compact,omitempty"`
}

type alignResponse struct {
	Frames   []lipsync.Frame `json:"frames"`
	Duration float64         `json:"duration"`
}

func (s *Server) handleAlign(w http.ResponseWriter, r *http.Request) {
	var req alignRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if math.IsNaN(req.Duration) || math.IsInf(req.Duration, 0) {
		respondError(w, http.StatusBadRequest, "invalid_request", "duration must be finite")
		return
	}
	phonemes := req.Phonemes
	if len(phonemes) == 0 && strings.TrimSpace(req.Text) != "" {
		phonemes = lipsync.PhonemesFromText(req.Text)
	}
	frames := lipsync.Align(phonemes, req.Duration)
	if req.Compact {
		frames = lipsync.Compact(frames)
	}
	respondJSON(w, http.StatusOK, alignResponse{
		Frames:   frames,
		Duration: lipsync.TotalDuration(frames),
	})
}

func (s *Server) handleRender(w http.ResponseWriter, r *http.Request) {
	if s.renderer == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "renderer not configured")
		return
	}
	var req render.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	if math.IsNaN(req.Duration) || math.IsInf(req.Duration, 0) || req.Duration < 0 {
		respondError(w, http.StatusBadRequest, "invalid_request", "duration must be a non-negative number")
		return
	}
	if limit := s.cfg.RenderMaxDuration; limit > 0 && req.Duration > limit.Seconds() {
		respondError(w, http.StatusBadRequest, "duration_too_long",
			fmt.Sprintf("duration exceeds the %s render limit", limit))
		return
	}
	respondJSON(w, http.StatusOK, s.renderer.Dispatch(r.Context(), req))
}

func (s *Server) handleGetRenderJob(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "render log not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	rec, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, renderlog.ErrNotFound) {
			respondError(w, http.StatusNotFound, "job_not_found", err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, "render_log_error", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, rec)
}

func (s *Server) handleListRenderJobs(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "render log not configured")
		return
	}
	filter := renderlog.Filter{SessionID: strings.TrimSpace(r.URL.Query().Get("session_id"))}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	records, err := s.jobs.List(r.Context(), filter)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "render_log_error", err.Error())
		return
	}
	if records == nil {
		records = []renderlog.Record{}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"jobs":  records,
		"count": len(records),
	})
}

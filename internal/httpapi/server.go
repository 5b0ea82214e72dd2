package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/config"
	"github.com/antoniostano/avatarcast/internal/logging"
	"github.com/antoniostano/avatarcast/internal/observability"
	"github.com/antoniostano/avatarcast/internal/render"
	"github.com/antoniostano/avatarcast/internal/renderlog"
	"github.com/antoniostano/avatarcast/internal/signaling"
)

// Renderer resolves one render request to a usable video.
type Renderer interface {
	Dispatch(ctx context.Context, req render.Request) render.Result
}

type Server struct {
	cfg      config.Config
	signals  *signaling.Router
	renderer Renderer
	jobs     renderlog.Store
	metrics  *observability.Metrics
	logger   zerolog.Logger
	upgrader websocket.Upgrader
}

func New(cfg config.Config, signals *signaling.Router, renderer Renderer, jobs renderlog.Store, metrics *observability.Metrics, logger zerolog.Logger) *Server {
	return &Server{
		cfg:      cfg,
		signals:  signals,
		renderer: renderer,
		jobs:     jobs,
		metrics:  metrics,
		logger:   logging.Component(logger, "httpapi"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if cfg.AllowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Non-browser peers (media and avatar workers) omit Origin.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		s.metrics.Handler().ServeHTTP(w, r)
	})

	r.Get("/v1/signal/ws", s.handleSignalWS)
	r.Get("/v1/signal/sessions", s.handleListSignalSessions)
	r.Get("/v1/signal/sessions/{id}", s.handleGetSignalSession)
	r.Get("/v1/audio/stream/ws", s.handleAudioStreamWS)
	r.Post("/v1/avatar/align", s.handleAlign)
	r.Post("/v1/avatar/render", s.handleRender)
	r.Get("/v1/render/jobs/{id}", s.handleGetRenderJob)
	r.Get("/v1/render/jobs", s.handleListRenderJobs)
	r.Get("/v1/perf/render", s.handlePerfRender)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"renderer":        s.rendererMode(),
		"render_log_mode": s.renderLogMode(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, _ *http.Request) {
	sessions, peers := 0, 0
	if s.signals != nil {
		sessions, peers = s.signals.Registry().Counts()
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":          "ready",
		"renderer":        s.rendererMode(),
		"render_log_mode": s.renderLogMode(),
		"signal_sessions": sessions,
		"signal_peers":    peers,
	})
}

func (s *Server) rendererMode() string {
	if s.renderer == nil {
		return "disabled"
	}
	if strings.TrimSpace(s.cfg.RenderCommand) == "" {
		return "fallback-only"
	}
	return "process"
}

func (s *Server) renderLogMode() string {
	switch s.jobs.(type) {
	case nil:
		return "disabled"
	case *renderlog.PostgresStore:
		return "postgres"
	case *renderlog.SQLiteStore:
		return "sqlite"
	default:
		return "in-memory"
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/avatarcast/internal/signaling"
)

const signalReadLimit = 1 << 20

func (s *Server) handleSignalWS(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "signaling not configured")
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	ch := newWSChannel(uuid.NewString(), conn, channelOptions{
		buffer:       s.cfg.SignalSendBuffer,
		pingInterval: pingInterval(s.cfg.SignalReadTimeout),
	})
	log := s.logger.With().Str("channel_id", ch.ID()).Str("remote_addr", r.RemoteAddr).Logger()
	log.Debug().Msg("signal channel opened")

	defer func() {
		s.signals.Disconnect(ch)
		_ = ch.Close()
		<-ch.Done()
		log.Debug().Msg("signal channel closed")
	}()

	conn.SetReadLimit(signalReadLimit)
	s.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn)
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Msg("signal read ended")
			}
			return
		}
		s.extendReadDeadline(conn)
		if msgType == websocket.TextMessage {
			err = s.signals.HandleMessage(ch, data)
		} else {
			err = s.signals.HandleBinary(ch)
		}
		if err != nil {
			if perr, ok := signaling.AsProtocolError(err); ok {
				log.Info().Str("code", perr.Code).Msg("signal channel terminated")
			}
			return
		}
	}
}

func (s *Server) extendReadDeadline(conn *websocket.Conn) {
	if s.cfg.SignalReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.SignalReadTimeout))
	}
}

func (s *Server) handleListSignalSessions(w http.ResponseWriter, _ *http.Request) {
	if s.signals == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "signaling not configured")
		return
	}
	sessions := s.signals.Registry().Snapshot()
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

func (s *Server) handleGetSignalSession(w http.ResponseWriter, r *http.Request) {
	if s.signals == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "signaling not configured")
		return
	}
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	info, err := s.signals.Registry().Get(id)
	if err != nil {
		respondError(w, http.StatusNotFound, "session_not_found", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, info)
}

package httpapi

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/protocol"
)

const streamReadLimit = 64 << 20

// handleAudioStreamWS answers one stream_request with session_start, the
// chunked audio and session_end, then closes the connection.
func (s *Server) handleAudioStreamWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	ch := newWSChannel(uuid.NewString(), conn, channelOptions{
		buffer:   s.cfg.SignalSendBuffer,
		blocking: true,
	})
	defer func() {
		_ = ch.Close()
		<-ch.Done()
	}()

	conn.SetReadLimit(streamReadLimit)
	s.extendReadDeadline(conn)
	msgType, raw, err := conn.ReadMessage()
	if err != nil {
		return
	}
	if msgType != websocket.TextMessage {
		_ = ch.SendJSON(protocol.NewError(protocol.CodeInvalidStream, "stream_request must be a text message"))
		return
	}
	req, err := protocol.ParseStreamRequest(raw)
	if err != nil {
		_ = ch.SendJSON(protocol.NewError(protocol.CodeInvalidStream, err.Error()))
		return
	}
	opts, data, err := s.streamOptions(req)
	if err != nil {
		_ = ch.SendJSON(protocol.NewError(protocol.CodeInvalidStream, err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	// The client has nothing more to say; any read result means it went away.
	_ = conn.SetReadDeadline(time.Time{})
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	log := s.logger.With().Str("session_id", opts.SessionID).Str("framing", string(opts.Framing)).Logger()
	stats, err := audio.Stream(ctx, ch, data, opts)
	switch {
	case err == nil:
		log.Info().
			Int("chunks", stats.Chunks).
			Int("bytes", stats.Bytes).
			Dur("duration", stats.Duration).
			Msg("audio stream complete")
	case errors.Is(err, audio.ErrInvalidFormat):
		_ = ch.SendJSON(protocol.NewError(protocol.CodeInvalidStream, err.Error()))
	case ctx.Err() != nil:
		log.Debug().Int("chunks", stats.Chunks).Msg("audio stream canceled by client")
	default:
		log.Warn().Err(err).Int("chunks", stats.Chunks).Msg("audio stream failed")
	}
}

// streamOptions resolves a request against server defaults. WAV input is
// streamed byte for byte, header included, with its own format; anything else
// is treated as raw PCM in the requested or configured format.
func (s *Server) streamOptions(req protocol.StreamRequest) (audio.StreamOptions, []byte, error) {
	data, err := decodeBase64(req.AudioBase64)
	if err != nil {
		return audio.StreamOptions{}, nil, fmt.Errorf("audio_base64: %w", err)
	}
	if len(data) == 0 {
		return audio.StreamOptions{}, nil, errors.New("audio_base64 decodes to no bytes")
	}

	framingName := req.Framing
	if strings.TrimSpace(framingName) == "" {
		framingName = s.cfg.AudioStreamFraming
	}
	framing, err := audio.ParseFraming(framingName)
	if err != nil {
		return audio.StreamOptions{}, nil, err
	}

	chunk := s.cfg.AudioChunkDuration
	if req.ChunkMS > 0 {
		chunk = time.Duration(req.ChunkMS) * time.Millisecond
	}
	realtime := s.cfg.AudioStreamRealtime
	if req.Realtime != nil {
		realtime = *req.Realtime
	}
	sessionID := strings.TrimSpace(req.SessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	format, audioFormat := s.requestFormat(req), "pcm"
	if wavFormat, _, err := audio.DecodeWAV(data); err == nil {
		format, audioFormat = wavFormat, "wav"
	}

	return audio.StreamOptions{
		SessionID:     sessionID,
		Format:        format,
		ChunkDuration: chunk,
		Framing:       framing,
		Realtime:      realtime,
		AudioFormat:   audioFormat,
		OnChunk: func(audio.Chunk) {
			s.metrics.AudioChunk(string(framing))
		},
	}, data, nil
}

func (s *Server) requestFormat(req protocol.StreamRequest) audio.Format {
	f := audio.Format{
		SampleRate:     s.cfg.AudioSampleRate,
		Channels:       s.cfg.AudioChannels,
		BytesPerSample: s.cfg.AudioBytesPerSample,
	}
	if req.SampleRate > 0 {
		f.SampleRate = req.SampleRate
	}
	if req.Channels > 0 {
		f.Channels = req.Channels
	}
	if req.BytesPerSample > 0 {
		f.BytesPerSample = req.BytesPerSample
	}
	return f
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if i := strings.Index(s, ";base64,"); i >= 0 && strings.HasPrefix(s, "data:") {
		s = s[i+len(";base64,"):]
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return b, nil
	}
	if raw, rawErr := base64.RawStdEncoding.DecodeString(s); rawErr == nil {
		return raw, nil
	}
	return nil, err
}

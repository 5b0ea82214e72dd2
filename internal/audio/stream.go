package audio

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/avatarcast/internal/protocol"
)

// Framing selects how chunk metadata travels with the binary payload.
type Framing string

const (
	// FramingPaired sends the binary chunk, then its audio_chunk JSON. The
	// receiver pairs them by arrival order.
	FramingPaired Framing = "paired"
	// FramingEnvelope sends one binary message per chunk with the metadata
	// embedded (see EncodeFrame).
	FramingEnvelope Framing = "envelope"
)

// ParseFraming accepts "paired" or "envelope"; empty means paired.
func ParseFraming(s string) (Framing, error) {
	switch Framing(strings.ToLower(strings.TrimSpace(s))) {
	case "", FramingPaired:
		return FramingPaired, nil
	case FramingEnvelope:
		return FramingEnvelope, nil
	default:
		return "", fmt.Errorf("unknown framing %q", s)
	}
}

// Sender is the ordered transport a stream is written to. Implementations must
// deliver messages in call order.
type Sender interface {
	SendJSON(v any) error
	SendBinary(b []byte) error
}

type StreamOptions struct {
	SessionID     string
	Format        Format
	ChunkDuration time.Duration
	Framing       Framing
	// Realtime waits one chunk duration between chunks so the receiver gets
	// audio at playback speed.
	Realtime bool
	// AudioFormat is advertised in session_start ("wav" or "pcm").
	AudioFormat string
	// OnChunk observes every emitted chunk (metrics).
	OnChunk func(Chunk)
}

type StreamStats struct {
	Chunks   int
	Bytes    int
	Duration time.Duration
}

// Stream emits session_start, every chunk of data, then session_end.
func Stream(ctx context.Context, s Sender, data []byte, opts StreamOptions) (StreamStats, error) {
	framing, err := ParseFraming(string(opts.Framing))
	if err != nil {
		return StreamStats{}, err
	}
	chunks, err := Split(data, opts.Format, opts.ChunkDuration)
	if err != nil {
		return StreamStats{}, err
	}
	audioFormat := strings.TrimSpace(opts.AudioFormat)
	if audioFormat == "" {
		audioFormat = "wav"
	}
	chunkMS := int(opts.ChunkDuration.Milliseconds())

	if err := s.SendJSON(protocol.SessionStart{
		Type:        protocol.TypeSessionStart,
		SessionID:   opts.SessionID,
		AudioFormat: audioFormat,
		SampleRate:  opts.Format.SampleRate,
		TotalChunks: len(chunks),
		ChunkMS:     chunkMS,
		Framing:     string(framing),
	}); err != nil {
		return StreamStats{}, fmt.Errorf("send session_start: %w", err)
	}

	var stats StreamStats
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		meta := protocol.AudioChunk{
			Type:        protocol.TypeAudioChunk,
			ChunkID:     c.Seq,
			TotalChunks: len(chunks),
			Timestamp:   c.TimestampMS(opts.ChunkDuration),
			SessionID:   opts.SessionID,
			IsFinal:     c.IsFinal,
			Bytes:       len(c.Payload),
		}
		if err := sendChunk(s, framing, meta, c.Payload); err != nil {
			return stats, fmt.Errorf("send chunk %d: %w", c.Seq, err)
		}
		stats.Chunks++
		stats.Bytes += len(c.Payload)
		if opts.OnChunk != nil {
			opts.OnChunk(c)
		}
		if opts.Realtime && !c.IsFinal {
			if err := pace(ctx, opts.Format.DurationOf(len(c.Payload))); err != nil {
				return stats, err
			}
		}
	}
	stats.Duration = opts.Format.DurationOf(stats.Bytes)

	if err := s.SendJSON(protocol.SessionEnd{
		Type:        protocol.TypeSessionEnd,
		SessionID:   opts.SessionID,
		TotalChunks: len(chunks),
		Duration:    stats.Duration.Seconds(),
	}); err != nil {
		return stats, fmt.Errorf("send session_end: %w", err)
	}
	return stats, nil
}

func sendChunk(s Sender, framing Framing, meta protocol.AudioChunk, payload []byte) error {
	if framing == FramingEnvelope {
		frame, err := EncodeFrame(meta, payload)
		if err != nil {
			return err
		}
		return s.SendBinary(frame)
	}
	if err := s.SendBinary(payload); err != nil {
		return err
	}
	return s.SendJSON(meta)
}

func pace(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/protocol"
)

var streamCmd = &cobra.Command{
	Use:   "stream <audio-file>",
	Short: "Stream a file through /v1/audio/stream/ws and reassemble the chunks into a WAV",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, _ := cmd.Flags().GetString("out")
		chunkMS, _ := cmd.Flags().GetInt("chunk-ms")
		framing, _ := cmd.Flags().GetString("framing")
		realtime, _ := cmd.Flags().GetBool("realtime")
		sessionID, _ := cmd.Flags().GetString("session")
		logger := newLogger()

		data, err := readInput(args[0])
		if err != nil {
			return err
		}
		endpoint, err := wsURL(viper.GetString("server"), "/v1/audio/stream/ws")
		if err != nil {
			return err
		}
		conn, _, err := websocket.DefaultDialer.DialContext(cmd.Context(), endpoint, nil)
		if err != nil {
			return fmt.Errorf("open websocket: %w", err)
		}
		defer conn.Close()

		req := protocol.StreamRequest{
			Type:        protocol.TypeStreamRequest,
			SessionID:   sessionID,
			AudioBase64: base64.StdEncoding.EncodeToString(data),
			ChunkMS:     chunkMS,
			Framing:     framing,
			Realtime:    &realtime,
		}
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("send stream_request: %w", err)
		}

		started := time.Now()
		got, err := receiveStream(cmd.Context(), conn)
		if err != nil {
			return err
		}
		wav, err := got.wav()
		if err != nil {
			return err
		}
		if err := os.WriteFile(out, wav, 0o644); err != nil {
			return err
		}
		logger.Info().
			Str("session_id", got.start.SessionID).
			Int("chunks", len(got.chunks)).
			Float64("duration_s", got.end.Duration).
			Dur("elapsed", time.Since(started)).
			Str("out", out).
			Msg("stream received")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(streamCmd)

	streamCmd.Flags().StringP("out", "o", "stream.wav", "output WAV path")
	streamCmd.Flags().Int("chunk-ms", 0, "chunk duration in milliseconds (0 uses the server default)")
	streamCmd.Flags().String("framing", "", "paired|envelope (empty uses the server default)")
	streamCmd.Flags().Bool("realtime", false, "ask the server to pace chunks at playback speed")
	streamCmd.Flags().String("session", "", "session id (server generates one when empty)")
}

type streamResult struct {
	start  protocol.SessionStart
	end    protocol.SessionEnd
	chunks []audio.Chunk
}

// wav returns the reassembled audio as a WAV file. Raw PCM streams are
// wrapped in a header using the advertised sample rate, mono PCM16.
func (r streamResult) wav() ([]byte, error) {
	joined := audio.Join(r.chunks)
	if r.start.AudioFormat == "wav" {
		return joined, nil
	}
	f := audio.PCM16Mono
	if r.start.SampleRate > 0 {
		f.SampleRate = r.start.SampleRate
	}
	return audio.EncodeWAV(joined, f)
}

// receiveStream reads one stream in either framing until session_end.
func receiveStream(ctx context.Context, conn *websocket.Conn) (streamResult, error) {
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	var (
		res     streamResult
		started bool
		pending []byte
		havePay bool
	)
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("read stream: %w", err)
		}

		if kind == websocket.BinaryMessage {
			if !started {
				return res, errors.New("binary chunk before session_start")
			}
			if res.start.Framing == string(audio.FramingEnvelope) {
				var meta protocol.AudioChunk
				payload, err := audio.DecodeFrame(data, &meta)
				if err != nil {
					return res, err
				}
				res.chunks = append(res.chunks, audio.Chunk{Seq: meta.ChunkID, Payload: payload, IsFinal: meta.IsFinal})
				continue
			}
			if havePay {
				return res, errors.New("two binary chunks without audio_chunk metadata")
			}
			pending, havePay = data, true
			continue
		}

		msgType, err := protocol.ParseEnvelope(data)
		if err != nil {
			return res, err
		}
		switch msgType {
		case protocol.TypeSessionStart:
			if err := json.Unmarshal(data, &res.start); err != nil {
				return res, err
			}
			started = true
		case protocol.TypeAudioChunk:
			var meta protocol.AudioChunk
			if err := json.Unmarshal(data, &meta); err != nil {
				return res, err
			}
			if !havePay {
				return res, fmt.Errorf("audio_chunk %d without payload", meta.ChunkID)
			}
			res.chunks = append(res.chunks, audio.Chunk{Seq: meta.ChunkID, Payload: pending, IsFinal: meta.IsFinal})
			pending, havePay = nil, false
		case protocol.TypeSessionEnd:
			if err := json.Unmarshal(data, &res.end); err != nil {
				return res, err
			}
			if res.end.TotalChunks != len(res.chunks) {
				return res, fmt.Errorf("session_end reports %d chunks, received %d", res.end.TotalChunks, len(res.chunks))
			}
			return res, nil
		case protocol.TypeError:
			var e protocol.ErrorMessage
			_ = json.Unmarshal(data, &e)
			return res, fmt.Errorf("server error %s: %s", e.Code, e.Message)
		}
	}
}

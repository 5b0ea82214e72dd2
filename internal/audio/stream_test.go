package audio

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/avatarcast/internal/protocol"
)

type sent struct {
	binary []byte
	json   []byte
}

type recordingSender struct {
	out    []sent
	failAt int
	calls  int
}

func (r *recordingSender) SendJSON(v any) error {
	if err := r.tick(); err != nil {
		return err
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	r.out = append(r.out, sent{json: b})
	return nil
}

func (r *recordingSender) SendBinary(b []byte) error {
	if err := r.tick(); err != nil {
		return err
	}
	r.out = append(r.out, sent{binary: append([]byte(nil), b...)})
	return nil
}

func (r *recordingSender) tick() error {
	r.calls++
	if r.failAt > 0 && r.calls == r.failAt {
		return errors.New("transport closed")
	}
	return nil
}

func TestStreamPairedOrdering(t *testing.T) {
	data := make([]byte, 3200*2+100)
	for i := range data {
		data[i] = byte(i)
	}
	s := &recordingSender{}
	var observed int
	stats, err := Stream(context.Background(), s, data, StreamOptions{
		SessionID:     "s1",
		Format:        PCM16Mono,
		ChunkDuration: 100 * time.Millisecond,
		OnChunk:       func(Chunk) { observed++ },
	})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Chunks)
	assert.Equal(t, len(data), stats.Bytes)
	assert.Equal(t, 3, observed)

	// session_start, (binary, meta) x3, session_end
	require.Len(t, s.out, 8)

	var start protocol.SessionStart
	require.NoError(t, json.Unmarshal(s.out[0].json, &start))
	assert.Equal(t, protocol.TypeSessionStart, start.Type)
	assert.Equal(t, 3, start.TotalChunks)
	assert.Equal(t, 16000, start.SampleRate)
	assert.Equal(t, "wav", start.AudioFormat)

	var rebuilt []byte
	for i := 0; i < 3; i++ {
		bin := s.out[1+2*i]
		metaMsg := s.out[2+2*i]
		require.NotNil(t, bin.binary, "message %d must be binary", 1+2*i)
		var meta protocol.AudioChunk
		require.NoError(t, json.Unmarshal(metaMsg.json, &meta))
		assert.Equal(t, i, meta.ChunkID)
		assert.Equal(t, float64(i*100), meta.Timestamp)
		assert.Equal(t, len(bin.binary), meta.Bytes)
		assert.Equal(t, i == 2, meta.IsFinal)
		rebuilt = append(rebuilt, bin.binary...)
	}
	assert.Equal(t, data, rebuilt)

	var end protocol.SessionEnd
	require.NoError(t, json.Unmarshal(s.out[7].json, &end))
	assert.Equal(t, protocol.TypeSessionEnd, end.Type)
	assert.Equal(t, 3, end.TotalChunks)
	assert.InDelta(t, float64(len(data))/32000, end.Duration, 1e-6)
}

func TestStreamEnvelopeFraming(t *testing.T) {
	data := make([]byte, 6400)
	s := &recordingSender{}
	_, err := Stream(context.Background(), s, data, StreamOptions{
		SessionID:     "s2",
		Format:        PCM16Mono,
		ChunkDuration: 100 * time.Millisecond,
		Framing:       FramingEnvelope,
	})
	require.NoError(t, err)
	require.Len(t, s.out, 4)

	for i, msg := range s.out[1:3] {
		var meta protocol.AudioChunk
		payload, err := DecodeFrame(msg.binary, &meta)
		require.NoError(t, err)
		assert.Equal(t, i, meta.ChunkID)
		assert.Equal(t, "s2", meta.SessionID)
		assert.Len(t, payload, 3200)
	}
}

func TestStreamStopsOnTransportError(t *testing.T) {
	s := &recordingSender{failAt: 3}
	stats, err := Stream(context.Background(), s, make([]byte, 32000), StreamOptions{
		Format:        PCM16Mono,
		ChunkDuration: 100 * time.Millisecond,
	})
	require.Error(t, err)
	assert.Equal(t, 0, stats.Chunks)
}

func TestStreamRealtimeHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	began := time.Now()
	_, err := Stream(ctx, &recordingSender{}, make([]byte, 32000), StreamOptions{
		Format:        PCM16Mono,
		ChunkDuration: 100 * time.Millisecond,
		Realtime:      true,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(began), 500*time.Millisecond)
}

func TestStreamRealtimePacesChunks(t *testing.T) {
	began := time.Now()
	_, err := Stream(context.Background(), &recordingSender{}, make([]byte, 960), StreamOptions{
		Format:        PCM16Mono,
		ChunkDuration: 10 * time.Millisecond, // 320 bytes -> 3 chunks, 2 waits
		Realtime:      true,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(began), 20*time.Millisecond)
}

func TestParseFraming(t *testing.T) {
	f, err := ParseFraming("")
	require.NoError(t, err)
	assert.Equal(t, FramingPaired, f)

	f, err = ParseFraming("ENVELOPE")
	require.NoError(t, err)
	assert.Equal(t, FramingEnvelope, f)

	_, err = ParseFraming("interleaved")
	assert.Error(t, err)
}

func TestDecodeFrameRejectsShortInput(t *testing.T) {
	var meta protocol.AudioChunk
	_, err := DecodeFrame([]byte{0, 0}, &meta)
	assert.ErrorIs(t, err, ErrShortFrame)

	_, err = DecodeFrame([]byte{0, 0, 0, 9, '{'}, &meta)
	assert.ErrorIs(t, err, ErrShortFrame)
}

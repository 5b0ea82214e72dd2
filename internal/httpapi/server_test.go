package httpapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/config"
	"github.com/antoniostano/avatarcast/internal/observability"
	"github.com/antoniostano/avatarcast/internal/protocol"
	"github.com/antoniostano/avatarcast/internal/render"
	"github.com/antoniostano/avatarcast/internal/renderlog"
	"github.com/antoniostano/avatarcast/internal/signaling"
)

type testEnv struct {
	ts      *httptest.Server
	signals *signaling.Router
	jobs    *renderlog.InMemoryStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Config{
		SignalReadTimeout:     5 * time.Second,
		SignalSendBuffer:      64,
		SignalReplacePolicy:   "replace",
		AudioSampleRate:       16000,
		AudioChannels:         1,
		AudioBytesPerSample:   2,
		AudioChunkDuration:    100 * time.Millisecond,
		AudioStreamFraming:    "paired",
		RenderTimeout:         time.Second,
		RenderOutputDir:       t.TempDir(),
		RenderFallbackTimeout: 5 * time.Second,
		RenderMaxDuration:     time.Minute,
	}
	metrics := observability.NewMetrics("test_httpapi", nil)
	signals := signaling.NewRouter(signaling.Options{
		ReplacePolicy: signaling.ReplaceExisting,
		Logger:        zerolog.Nop(),
		Metrics:       metrics,
	})
	jobs := renderlog.NewInMemoryStore(100)
	dispatcher, err := render.NewDispatcher(render.Config{
		OutputDir:       cfg.RenderOutputDir,
		Timeout:         cfg.RenderTimeout,
		FallbackTimeout: cfg.RenderFallbackTimeout,
		MaxDuration:     cfg.RenderMaxDuration,
	},
		render.WithMetrics(metrics),
		render.WithRecorder(render.RecorderFunc(func(ctx context.Context, job render.Job) error {
			return jobs.Save(ctx, renderlog.Record{
				ID:         job.ID,
				SessionID:  job.Request.SessionID,
				Outcome:    string(job.Outcome),
				Fallback:   job.Result.Fallback,
				VideoPath:  job.Result.VideoPath,
				CreatedAt:  job.CreatedAt,
				ResolvedAt: job.ResolvedAt,
			})
		})),
	)
	if err != nil {
		t.Fatalf("NewDispatcher() error = %v", err)
	}
	t.Cleanup(func() { _ = dispatcher.Close() })

	srv := New(cfg, signals, dispatcher, jobs, metrics, zerolog.Nop())
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testEnv{ts: ts, signals: signals, jobs: jobs}
}

func (e *testEnv) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ts.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func writeText(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("message kind = %d, want text", kind)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	return out
}

func register(t *testing.T, conn *websocket.Conn, role, sessionID string) {
	t.Helper()
	writeText(t, conn, map[string]any{"type": "register", "peer_type": role, "session_id": sessionID})
	ack := readJSON(t, conn)
	if ack["type"] != "registered" || ack["session_id"] != sessionID || ack["peer_type"] != role {
		t.Fatalf("register ack = %+v", ack)
	}
}

func TestHealthAndReady(t *testing.T) {
	env := newTestEnv(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		res, err := http.Get(env.ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s error = %v", path, err)
		}
		var payload map[string]any
		if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
			t.Fatalf("decode %s: %v", path, err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Fatalf("GET %s status = %d, want %d", path, res.StatusCode, http.StatusOK)
		}
		if payload["renderer"] != "fallback-only" {
			t.Fatalf("GET %s renderer = %v, want fallback-only", path, payload["renderer"])
		}
		if payload["render_log_mode"] != "in-memory" {
			t.Fatalf("GET %s render_log_mode = %v, want in-memory", path, payload["render_log_mode"])
		}
	}
}

func TestSignalRelayBetweenPeers(t *testing.T) {
	env := newTestEnv(t)
	client := env.dial(t, "/v1/signal/ws")
	media := env.dial(t, "/v1/signal/ws")
	register(t, client, "client", "interview-1")
	register(t, media, "media-peer", "interview-1")

	offer := map[string]any{"type": "offer", "sdp": "v=0 offer"}
	writeText(t, client, offer)
	got := readJSON(t, media)
	if got["type"] != "offer" || got["sdp"] != "v=0 offer" {
		t.Fatalf("relayed offer = %+v", got)
	}

	writeText(t, media, map[string]any{"type": "answer", "sdp": "v=0 answer"})
	writeText(t, media, map[string]any{"type": "ice_candidate", "candidate": "c1"})
	if got := readJSON(t, client); got["type"] != "answer" {
		t.Fatalf("first relayed = %+v, want answer", got)
	}
	if got := readJSON(t, client); got["type"] != "ice_candidate" {
		t.Fatalf("second relayed = %+v, want ice_candidate", got)
	}

	res, err := http.Get(env.ts.URL + "/v1/signal/sessions/interview-1")
	if err != nil {
		t.Fatalf("GET session error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("GET session status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var info signaling.SessionInfo
	if err := json.NewDecoder(res.Body).Decode(&info); err != nil {
		t.Fatalf("decode session: %v", err)
	}
	if len(info.Peers) != 2 {
		t.Fatalf("peers = %d, want 2", len(info.Peers))
	}
}

func TestSignalFirstMessageMustRegister(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/signal/ws")
	writeText(t, conn, map[string]any{"type": "offer", "sdp": "x"})

	got := readJSON(t, conn)
	if got["type"] != "error" || got["code"] != protocol.CodeProtocolError {
		t.Fatalf("response = %+v, want PROTOCOL_ERROR", got)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed after protocol error")
	}
}

func TestSignalBinaryFirstFrameRejected(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/signal/ws")
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}); err != nil {
		t.Fatalf("write binary: %v", err)
	}

	got := readJSON(t, conn)
	if got["type"] != "error" || got["code"] != protocol.CodeProtocolError {
		t.Fatalf("response = %+v, want PROTOCOL_ERROR", got)
	}
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to be closed after protocol error")
	}
}

func TestSignalBinaryAfterRegisterIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	client := env.dial(t, "/v1/signal/ws")
	media := env.dial(t, "/v1/signal/ws")
	register(t, client, "client", "binary-ok")
	register(t, media, "media-peer", "binary-ok")

	if err := client.WriteMessage(websocket.BinaryMessage, []byte{0xff}); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	writeText(t, client, map[string]any{"type": "offer", "sdp": "v=0"})
	got := readJSON(t, media)
	if got["type"] != "offer" {
		t.Fatalf("relayed = %+v, want offer", got)
	}
}

func TestSignalSessionDeletedOnDisconnect(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/signal/ws")
	register(t, conn, "client", "short-lived")
	_ = conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := env.signals.Registry().Get("short-lived"); err != nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("session still registered after disconnect")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func pcmRamp(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i % 251)
	}
	return out
}

func TestAudioStreamPaired(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/audio/stream/ws")
	pcm := pcmRamp(8000) // 250ms at 16kHz mono PCM16
	realtime := false
	writeText(t, conn, protocol.StreamRequest{
		Type:        protocol.TypeStreamRequest,
		SessionID:   "stream-1",
		AudioBase64: base64.StdEncoding.EncodeToString(pcm),
		Realtime:    &realtime,
	})

	start := readJSON(t, conn)
	if start["type"] != "session_start" || start["audio_format"] != "pcm" {
		t.Fatalf("session_start = %+v", start)
	}
	if start["total_chunks"] != float64(3) {
		t.Fatalf("total_chunks = %v, want 3", start["total_chunks"])
	}

	var chunks []audio.Chunk
	for i := 0; i < 3; i++ {
		kind, payload, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read chunk %d: %v", i, err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("chunk %d kind = %d, want binary", i, kind)
		}
		meta := readJSON(t, conn)
		if meta["type"] != "audio_chunk" || meta["chunk_id"] != float64(i) {
			t.Fatalf("chunk %d meta = %+v", i, meta)
		}
		if meta["timestamp"] != float64(i*100) {
			t.Fatalf("chunk %d timestamp = %v, want %d", i, meta["timestamp"], i*100)
		}
		chunks = append(chunks, audio.Chunk{Seq: i, Payload: payload})
	}

	end := readJSON(t, conn)
	if end["type"] != "session_end" || end["total_chunks"] != float64(3) {
		t.Fatalf("session_end = %+v", end)
	}
	if !bytes.Equal(audio.Join(chunks), pcm) {
		t.Fatalf("reassembled audio differs from input")
	}
}

func TestAudioStreamEnvelopeWAV(t *testing.T) {
	env := newTestEnv(t)
	conn := env.dial(t, "/v1/audio/stream/ws")
	wav, err := audio.EncodeWAV(pcmRamp(6400), audio.PCM16Mono)
	if err != nil {
		t.Fatalf("EncodeWAV() error = %v", err)
	}
	realtime := false
	writeText(t, conn, protocol.StreamRequest{
		Type:        protocol.TypeStreamRequest,
		SessionID:   "stream-2",
		AudioBase64: base64.StdEncoding.EncodeToString(wav),
		Framing:     "envelope",
		ChunkMS:     50,
		Realtime:    &realtime,
	})

	start := readJSON(t, conn)
	if start["audio_format"] != "wav" || start["framing"] != "envelope" {
		t.Fatalf("session_start = %+v", start)
	}
	total := int(start["total_chunks"].(float64))

	var chunks []audio.Chunk
	for i := 0; i < total; i++ {
		kind, frame, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if kind != websocket.BinaryMessage {
			t.Fatalf("frame %d kind = %d, want binary", i, kind)
		}
		var meta protocol.AudioChunk
		payload, err := audio.DecodeFrame(frame, &meta)
		if err != nil {
			t.Fatalf("DecodeFrame(%d) error = %v", i, err)
		}
		if meta.ChunkID != i || meta.SessionID != "stream-2" {
			t.Fatalf("frame %d meta = %+v", i, meta)
		}
		chunks = append(chunks, audio.Chunk{Seq: meta.ChunkID, Payload: payload})
	}
	if end := readJSON(t, conn); end["type"] != "session_end" {
		t.Fatalf("final message = %+v, want session_end", end)
	}
	if !bytes.Equal(audio.Join(chunks), wav) {
		t.Fatalf("reassembled wav differs from input")
	}
}

func TestAudioStreamRejectsBadRequest(t *testing.T) {
	cases := map[string]any{
		"missing audio": map[string]any{"type": "stream_request", "session_id": "s"},
		"bad base64":    map[string]any{"type": "stream_request", "audio_base64": "%%%not-base64"},
		"bad framing":   map[string]any{"type": "stream_request", "audio_base64": "AAAA", "framing": "carrier-pigeon"},
		"wrong type":    map[string]any{"type": "offer"},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			conn := env.dial(t, "/v1/audio/stream/ws")
			writeText(t, conn, req)
			got := readJSON(t, conn)
			if got["type"] != "error" || got["code"] != protocol.CodeInvalidStream {
				t.Fatalf("response = %+v, want %s", got, protocol.CodeInvalidStream)
			}
		})
	}
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s error = %v", url, err)
	}
	t.Cleanup(func() { res.Body.Close() })
	return res
}

func TestAlignEndpoint(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/avatar/align", map[string]any{
		"phonemes": []map[string]any{{"phoneme": "HH"}, {"phoneme": "AH"}, {"phoneme": "L"}, {"phoneme": "OW"}},
		"duration": 1.5,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var out alignResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Frames) != 4 {
		t.Fatalf("frames = %d, want 4", len(out.Frames))
	}
	if out.Frames[0].Start != 0 || out.Frames[3].End != 1.5 || out.Duration != 1.5 {
		t.Fatalf("timeline = %+v, want [0, 1.5]", out)
	}

	bad, err := http.Post(env.ts.URL+"/v1/avatar/align", "application/json", strings.NewReader("{"))
	if err != nil {
		t.Fatalf("POST malformed error = %v", err)
	}
	defer bad.Body.Close()
	if bad.StatusCode != http.StatusBadRequest {
		t.Fatalf("malformed status = %d, want %d", bad.StatusCode, http.StatusBadRequest)
	}
}

func TestRenderFallbackAndJobLookup(t *testing.T) {
	env := newTestEnv(t)
	res := postJSON(t, env.ts.URL+"/v1/avatar/render", map[string]any{
		"session_id": "interview-9",
		"text":       "Tell me about yourself.",
		"duration":   0.5,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("render status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var result render.Result
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		t.Fatalf("decode render: %v", err)
	}
	if !result.Fallback || result.ModelUsed != "fallback-still" {
		t.Fatalf("result = %+v, want still fallback", result)
	}
	if result.Metadata["fallback_reason"] != "no_renderer" {
		t.Fatalf("fallback_reason = %v, want no_renderer", result.Metadata["fallback_reason"])
	}
	if _, err := os.Stat(result.VideoPath); err != nil {
		t.Fatalf("video %s missing: %v", result.VideoPath, err)
	}

	job, err := http.Get(env.ts.URL + "/v1/render/jobs/" + result.JobID)
	if err != nil {
		t.Fatalf("GET job error = %v", err)
	}
	defer job.Body.Close()
	if job.StatusCode != http.StatusOK {
		t.Fatalf("GET job status = %d, want %d", job.StatusCode, http.StatusOK)
	}

	list, err := http.Get(env.ts.URL + "/v1/render/jobs?session_id=interview-9&limit=5")
	if err != nil {
		t.Fatalf("GET jobs error = %v", err)
	}
	defer list.Body.Close()
	var listed struct {
		Jobs  []renderlog.Record `json:"jobs"`
		Count int                `json:"count"`
	}
	if err := json.NewDecoder(list.Body).Decode(&listed); err != nil {
		t.Fatalf("decode jobs: %v", err)
	}
	if listed.Count != 1 || listed.Jobs[0].ID != result.JobID {
		t.Fatalf("jobs = %+v, want only %s", listed, result.JobID)
	}

	missing, err := http.Get(env.ts.URL + "/v1/render/jobs/does-not-exist")
	if err != nil {
		t.Fatalf("GET missing job error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("missing job status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}

	perf, err := http.Get(env.ts.URL + "/v1/perf/render")
	if err != nil {
		t.Fatalf("GET perf error = %v", err)
	}
	defer perf.Body.Close()
	var snap observability.RenderSnapshot
	if err := json.NewDecoder(perf.Body).Decode(&snap); err != nil {
		t.Fatalf("decode perf: %v", err)
	}
	if len(snap.Stages) == 0 {
		t.Fatalf("perf snapshot has no stages")
	}
	if snap.Fallbacks["no_renderer"] != 1 {
		t.Fatalf("perf fallbacks = %v, want no_renderer:1", snap.Fallbacks)
	}
}

func TestRenderRejectsDurationOverLimit(t *testing.T) {
	env := newTestEnv(t)
	for _, duration := range []float64{61, 1e12} {
		res := postJSON(t, env.ts.URL+"/v1/avatar/render", map[string]any{
			"session_id": "interview-9",
			"duration":   duration,
		})
		if res.StatusCode != http.StatusBadRequest {
			t.Fatalf("render duration=%g status = %d, want %d", duration, res.StatusCode, http.StatusBadRequest)
		}
		var body errorResponse
		if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
			t.Fatalf("decode error body: %v", err)
		}
		if body.Code != "duration_too_long" {
			t.Fatalf("error code = %q, want duration_too_long", body.Code)
		}
	}
	if recs, err := env.jobs.List(context.Background(), renderlog.Filter{}); err != nil || len(recs) != 0 {
		t.Fatalf("jobs after rejected renders = %d (err %v), want none", len(recs), err)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" {
		t.Fatalf("BindAddr = %q, want %q", cfg.BindAddr, ":8080")
	}
	if cfg.RenderTimeout != 120*time.Second {
		t.Fatalf("RenderTimeout = %s, want 120s", cfg.RenderTimeout)
	}
	if cfg.AudioChunkDuration != 100*time.Millisecond {
		t.Fatalf("AudioChunkDuration = %s, want 100ms", cfg.AudioChunkDuration)
	}
	if cfg.SignalReplacePolicy != "replace" {
		t.Fatalf("SignalReplacePolicy = %q, want replace", cfg.SignalReplacePolicy)
	}
	if cfg.RenderCommand != "" {
		t.Fatalf("RenderCommand = %q, want empty default", cfg.RenderCommand)
	}
	if cfg.RenderMaxDuration != 5*time.Minute {
		t.Fatalf("RenderMaxDuration = %s, want 5m", cfg.RenderMaxDuration)
	}
}

func TestLoadRenderOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("RENDER_COMMAND", "python3")
	t.Setenv("RENDER_ARGS", "scripts/render.py  --quiet")
	t.Setenv("RENDER_TIMEOUT", "45s")
	t.Setenv("RENDER_MAX_DURATION", "90s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RenderCommand != "python3" {
		t.Fatalf("RenderCommand = %q, want python3", cfg.RenderCommand)
	}
	if len(cfg.RenderArgs) != 2 || cfg.RenderArgs[0] != "scripts/render.py" || cfg.RenderArgs[1] != "--quiet" {
		t.Fatalf("RenderArgs = %#v, want [scripts/render.py --quiet]", cfg.RenderArgs)
	}
	if cfg.RenderTimeout != 45*time.Second {
		t.Fatalf("RenderTimeout = %s, want 45s", cfg.RenderTimeout)
	}
	if cfg.RenderMaxDuration != 90*time.Second {
		t.Fatalf("RenderMaxDuration = %s, want 90s", cfg.RenderMaxDuration)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"AUDIO_CHUNK_DURATION":  "5ms",
		"AUDIO_SAMPLE_RATE":     "0",
		"RENDER_TIMEOUT":        "10ms",
		"RENDER_MAX_DURATION":   "0s",
		"SIGNAL_REPLACE_POLICY": "merge",
		"AUDIO_STREAM_FRAMING":  "interleaved",
		"APP_ALLOW_ANY_ORIGIN":  "maybe",
		"LOG_FORMAT":            "xml",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(key, value)
			if _, err := Load(); err == nil {
				t.Fatalf("Load() with %s=%q error = nil, want error", key, value)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"SIGNAL_READ_TIMEOUT",
		"SIGNAL_SEND_BUFFER",
		"SIGNAL_REPLACE_POLICY",
		"AUDIO_SAMPLE_RATE",
		"AUDIO_CHANNELS",
		"AUDIO_BYTES_PER_SAMPLE",
		"AUDIO_CHUNK_DURATION",
		"AUDIO_STREAM_REALTIME",
		"AUDIO_STREAM_FRAMING",
		"RENDER_COMMAND",
		"RENDER_ARGS",
		"RENDER_TIMEOUT",
		"RENDER_OUTPUT_DIR",
		"RENDER_TEMP_TTL",
		"RENDER_DEFAULT_MODEL",
		"RENDER_FALLBACK_IMAGE",
		"RENDER_FFMPEG_PATH",
		"RENDER_FALLBACK_TIMEOUT",
		"RENDER_MAX_DURATION",
		"DATABASE_URL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}

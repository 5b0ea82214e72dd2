package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		" WARN ":  zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestJSONComponentLogger(t *testing.T) {
	var buf bytes.Buffer
	root := New(Config{Level: "info", Format: "json", Out: &buf})
	logger := Component(root, "signaling")
	logger.Info().Str("session_id", "s1").Msg("peer registered")
	logger.Debug().Msg("dropped by level")

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "signaling" {
		t.Fatalf("component = %v, want signaling", entry["component"])
	}
	if entry["app"] != "avatarcast" {
		t.Fatalf("app = %v, want avatarcast", entry["app"])
	}
	if entry["message"] != "peer registered" {
		t.Fatalf("message = %v, want %q", entry["message"], "peer registered")
	}
}

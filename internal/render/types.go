// Package render dispatches avatar render jobs to an external renderer process
// and falls back to a locally produced still video when that process fails.
package render

import (
	"context"
	"time"

	"github.com/antoniostano/avatarcast/internal/lipsync"
)

// Request is one render job as received from callers.
type Request struct {
	SessionID string            `json:"session_id,omitempty"`
	Phonemes  []lipsync.Phoneme `json:"phonemes"`
	Duration  float64           `json:"duration"`
	Model     string            `json:"model,omitempty"`
	Text      string            `json:"text,omitempty"`

	// AudioURL and Audio are alternative audio references. Audio is inline
	// bytes (WAV or raw PCM16 mono 16kHz), base64 in JSON.
	AudioURL string `json:"audio_url,omitempty"`
	Audio    []byte `json:"audio_base64,omitempty"`
}

// Result always describes a usable video artifact.
type Result struct {
	JobID     string         `json:"job_id"`
	VideoPath string         `json:"video_path"`
	Duration  float64        `json:"duration"`
	ModelUsed string         `json:"model_used"`
	Fallback  bool           `json:"fallback"`
	Metadata  map[string]any `json:"metadata"`

	// Video is set only when no fallback could write to disk.
	Video []byte `json:"video_base64,omitempty"`
}

type State string

const (
	StatePending    State = "pending"
	StateDispatched State = "dispatched"
	StateCompleted  State = "completed"
	StateTimedOut   State = "timed_out"
	StateFailed     State = "failed"
	StateResolved   State = "resolved"
)

type Transition struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Job is the full account of one dispatch, handed to the Recorder once resolved.
type Job struct {
	ID          string
	Request     Request
	Outcome     State
	Result      Result
	Err         error
	Transitions []Transition
	CreatedAt   time.Time
	ResolvedAt  time.Time
	Stages      map[string]time.Duration
}

// Recorder receives every resolved job. Errors are logged, never surfaced.
type Recorder interface {
	RecordRender(ctx context.Context, job Job) error
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, job Job) error

func (f RecorderFunc) RecordRender(ctx context.Context, job Job) error { return f(ctx, job) }

// processRequest is the single JSON document written to the renderer's stdin.
type processRequest struct {
	JobID      string            `json:"job_id"`
	SessionID  string            `json:"session_id,omitempty"`
	Phonemes   []lipsync.Phoneme `json:"phonemes"`
	Visemes    []lipsync.Frame   `json:"visemes"`
	Duration   float64           `json:"duration"`
	Model      string            `json:"model"`
	Text       string            `json:"text,omitempty"`
	AudioPath  string            `json:"audio_path,omitempty"`
	AudioURL   string            `json:"audio_url,omitempty"`
	OutputPath string            `json:"output_path"`
}

// processResult is the structure expected on the renderer's last output line.
type processResult struct {
	VideoPath string         `json:"video_path"`
	Duration  float64        `json:"duration"`
	ModelUsed string         `json:"model_used"`
	Metadata  map[string]any `json:"metadata"`
	Error     string         `json:"error,omitempty"`
}

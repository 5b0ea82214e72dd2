// Package renderlog persists resolved render jobs.
package renderlog

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("render job not found")

// Transition is one state change of a render job.
type Transition struct {
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// Record is the stored view of one resolved render job.
type Record struct {
	ID               string       `json:"id"`
	SessionID        string       `json:"session_id,omitempty"`
	Model            string       `json:"model"`
	ModelUsed        string       `json:"model_used"`
	Outcome          string       `json:"outcome"`
	Fallback         bool         `json:"fallback"`
	FallbackReason   string       `json:"fallback_reason,omitempty"`
	FallbackRenderer string       `json:"fallback_renderer,omitempty"`
	VideoPath        string       `json:"video_path"`
	Duration         float64      `json:"duration"`
	PhonemeCount     int          `json:"phoneme_count"`
	Text             string       `json:"text,omitempty"`
	Error            string       `json:"error,omitempty"`
	ElapsedMS        int64        `json:"elapsed_ms"`
	Transitions      []Transition `json:"transitions"`
	CreatedAt        time.Time    `json:"created_at"`
	ResolvedAt       time.Time    `json:"resolved_at"`
}

// Filter narrows List. A zero Limit means 50.
type Filter struct {
	SessionID string
	Limit     int
}

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return 50
	}
	if f.Limit > 1000 {
		return 1000
	}
	return f.Limit
}

// Store persists and retrieves render records. List returns newest first.
type Store interface {
	Save(ctx context.Context, record Record) error
	Get(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, filter Filter) ([]Record, error)
	Close() error
}

package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/policy"
	"github.com/antoniostano/avatarcast/internal/render"
	"github.com/antoniostano/avatarcast/internal/renderlog"
)

const maxRecordedText = 500

// NewRenderRecorder persists resolved render jobs. Store failures are logged
// and returned; they never change the render result.
func NewRenderRecorder(store renderlog.Store, logger zerolog.Logger) render.Recorder {
	return render.RecorderFunc(func(ctx context.Context, job render.Job) error {
		rec := RecordFromJob(job)
		if err := store.Save(ctx, rec); err != nil {
			logger.Warn().Err(err).Str("job_id", job.ID).Msg("render job not recorded")
			return err
		}
		return nil
	})
}

// RecordFromJob flattens a job for storage. Request text is redacted.
func RecordFromJob(job render.Job) renderlog.Record {
	text, _ := policy.RedactPII(job.Request.Text)
	rec := renderlog.Record{
		ID:           job.ID,
		SessionID:    job.Request.SessionID,
		Model:        job.Request.Model,
		ModelUsed:    job.Result.ModelUsed,
		Outcome:      string(job.Outcome),
		Fallback:     job.Result.Fallback,
		VideoPath:    job.Result.VideoPath,
		Duration:     job.Result.Duration,
		PhonemeCount: len(job.Request.Phonemes),
		Text:         policy.TruncateForLog(text, maxRecordedText),
		CreatedAt:    job.CreatedAt,
		ResolvedAt:   job.ResolvedAt,
		Transitions:  make([]renderlog.Transition, 0, len(job.Transitions)),
	}
	if model, ok := job.Result.Metadata["model_requested"].(string); ok {
		rec.Model = model
	}
	if reason, ok := job.Result.Metadata["fallback_reason"].(string); ok {
		rec.FallbackReason = reason
	}
	if renderer, ok := job.Result.Metadata["fallback_renderer"].(string); ok {
		rec.FallbackRenderer = renderer
	}
	if job.Err != nil {
		rec.Error = job.Err.Error()
	}
	if !job.ResolvedAt.IsZero() {
		rec.ElapsedMS = job.ResolvedAt.Sub(job.CreatedAt).Milliseconds()
	}
	for _, tr := range job.Transitions {
		rec.Transitions = append(rec.Transitions, renderlog.Transition{
			State: string(tr.State),
			At:    tr.At.UTC().Truncate(time.Microsecond),
		})
	}
	return rec
}

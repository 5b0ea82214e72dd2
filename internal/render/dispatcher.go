package render

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/lipsync"
	"github.com/antoniostano/avatarcast/internal/observability"
	"github.com/antoniostano/avatarcast/internal/policy"
)

// Config controls the primary renderer and the fallback chain. An empty
// Command sends every job straight to the fallback chain; an empty FFmpegPath
// leaves only the in-process still writer.
type Config struct {
	Command         string
	Args            []string
	Timeout         time.Duration
	OutputDir       string
	TempTTL         time.Duration
	DefaultModel    string
	FallbackImage   string
	FFmpegPath      string
	FallbackTimeout time.Duration
	MaxDuration     time.Duration
}

type Option func(*Dispatcher)

func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With().Str("component", "render").Logger() }
}

func WithMetrics(m *observability.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

func WithRecorder(r Recorder) Option {
	return func(d *Dispatcher) { d.recorder = r }
}

// WithFallbacks replaces the default chain. The in-process still writer is
// always appended so the chain cannot end empty-handed.
func WithFallbacks(fbs ...Fallback) Option {
	return func(d *Dispatcher) { d.fallbacks = append([]Fallback(nil), fbs...) }
}

// Dispatcher resolves every render request to exactly one Result.
type Dispatcher struct {
	cfg       Config
	logger    zerolog.Logger
	metrics   *observability.Metrics
	recorder  Recorder
	fallbacks []Fallback
	still     StillFallback
	now       func() time.Time

	mu      sync.Mutex
	pending map[string]*time.Timer
}

func NewDispatcher(cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.FallbackTimeout <= 0 {
		cfg.FallbackTimeout = 15 * time.Second
	}
	if cfg.TempTTL <= 0 {
		cfg.TempTTL = time.Minute
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = 5 * time.Minute
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "default"
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = filepath.Join(os.TempDir(), "avatarcast")
	}
	if err := os.MkdirAll(filepath.Join(cfg.OutputDir, "tmp"), 0o755); err != nil {
		return nil, fmt.Errorf("create render output dir: %w", err)
	}

	d := &Dispatcher{
		cfg:     cfg,
		logger:  zerolog.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
		pending: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(d)
	}

	if cfg.FallbackImage != "" {
		img, err := loadStill(cfg.FallbackImage)
		if err != nil {
			d.logger.Warn().Err(err).Msg("fallback image unusable, using placeholder face")
		} else {
			d.still.Still = img
		}
	}
	if d.fallbacks == nil {
		d.fallbacks = d.defaultFallbacks()
	}
	d.fallbacks = append(d.fallbacks, d.still)
	return d, nil
}

func (d *Dispatcher) defaultFallbacks() []Fallback {
	if d.cfg.FFmpegPath == "" {
		return []Fallback{}
	}
	path, err := exec.LookPath(d.cfg.FFmpegPath)
	if err != nil {
		d.logger.Info().Str("ffmpeg", d.cfg.FFmpegPath).Msg("ffmpeg not found, still writer is the only fallback")
		return []Fallback{}
	}
	return []Fallback{FFmpegFallback{Path: path, Image: d.cfg.FallbackImage}}
}

// Dispatch runs req through the renderer and, on timeout or failure, the
// fallback chain. It never returns an error; failures are described in
// Result.Metadata.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) Result {
	started := d.now()
	job := &Job{
		ID:        uuid.NewString(),
		Request:   req,
		CreatedAt: started,
		Stages:    make(map[string]time.Duration, 2),
	}
	job.transition(StatePending, started)

	model := req.Model
	if model == "" {
		model = d.cfg.DefaultModel
	}
	format, pcm := decodeInlineAudio(req.Audio)
	duration, clamped := d.limitDuration(req.Duration)
	if duration <= 0 && len(pcm) > 0 {
		duration, clamped = d.limitDuration(format.DurationOf(len(pcm)).Seconds())
	}
	phonemes := req.Phonemes
	if len(phonemes) == 0 && strings.TrimSpace(req.Text) != "" {
		phonemes = lipsync.PhonemesFromText(req.Text)
	}
	timeline := lipsync.Align(phonemes, duration)
	if duration <= 0 {
		duration, clamped = d.limitDuration(lipsync.TotalDuration(timeline))
		if clamped {
			timeline = lipsync.Align(phonemes, duration)
		}
	}
	if clamped {
		d.logger.Warn().
			Str("job_id", job.ID).
			Float64("requested", req.Duration).
			Float64("limit", duration).
			Msg("render duration clamped")
	}

	var audioPath string
	if len(pcm) > 0 {
		path, err := d.writeTempAudio(job.ID, pcm, format)
		if err != nil {
			d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("temp audio not written")
		} else {
			audioPath = path
		}
	}

	var (
		result  Result
		outcome State
		err     error
	)
	if d.cfg.Command == "" {
		outcome, err = StateFailed, ErrNoRenderer
	} else {
		job.transition(StateDispatched, d.now())
		dispatched := time.Now()
		var pr processResult
		pr, outcome, err = d.runProcess(ctx, processRequest{
			JobID:      job.ID,
			SessionID:  req.SessionID,
			Phonemes:   phonemes,
			Visemes:    timeline,
			Duration:   duration,
			Model:      model,
			Text:       req.Text,
			AudioPath:  audioPath,
			AudioURL:   req.AudioURL,
			OutputPath: filepath.Join(d.cfg.OutputDir, job.ID+".mp4"),
		})
		job.Stages[string(observability.StageDispatch)] = time.Since(dispatched)
		if outcome == StateCompleted {
			result = completedResult(pr, duration, model)
		}
	}
	job.transition(outcome, d.now())

	if outcome != StateCompleted {
		fellBack := time.Now()
		result = d.fallback(ctx, FallbackInput{
			JobID:      job.ID,
			OutputBase: filepath.Join(d.cfg.OutputDir, job.ID),
			Duration:   duration,
			Timeline:   timeline,
			AudioPath:  audioPath,
			PCM:        pcm,
			Format:     format,
		}, outcome, err)
		job.Stages[string(observability.StageFallback)] = time.Since(fellBack)
	}

	result.JobID = job.ID
	result.Metadata["outcome"] = string(outcome)
	result.Metadata["model_requested"] = model
	result.Metadata["viseme_count"] = len(timeline)
	if clamped {
		result.Metadata["duration_clamped"] = true
	}

	resolved := d.now()
	job.transition(StateResolved, resolved)
	job.Outcome = outcome
	job.Result = result
	job.Err = err
	job.ResolvedAt = resolved

	reason, _ := result.Metadata["fallback_reason"].(string)
	d.metrics.ObserveRender(string(outcome), observability.RenderSample{
		Total:          resolved.Sub(started),
		Dispatch:       job.Stages[string(observability.StageDispatch)],
		Fallback:       job.Stages[string(observability.StageFallback)],
		FallbackReason: reason,
	})
	d.record(ctx, job)
	d.logResolved(job)
	return result
}

// limitDuration maps NaN and non-positive values to zero and caps the rest at
// the configured maximum.
func (d *Dispatcher) limitDuration(seconds float64) (float64, bool) {
	if math.IsNaN(seconds) || seconds <= 0 {
		return 0, false
	}
	if limit := d.cfg.MaxDuration.Seconds(); seconds > limit {
		return limit, true
	}
	return seconds, false
}

func completedResult(pr processResult, duration float64, model string) Result {
	res := Result{
		VideoPath: pr.VideoPath,
		Duration:  pr.Duration,
		ModelUsed: pr.ModelUsed,
		Metadata:  make(map[string]any, len(pr.Metadata)+4),
	}
	if res.Duration <= 0 {
		res.Duration = duration
	}
	if res.ModelUsed == "" {
		res.ModelUsed = model
	}
	for k, v := range pr.Metadata {
		res.Metadata[k] = v
	}
	return res
}

// fallback walks the chain until one renderer produces an artifact. If even
// the still writer cannot write to disk the video is kept in memory.
func (d *Dispatcher) fallback(ctx context.Context, in FallbackInput, outcome State, cause error) Result {
	reason := fallbackReason(outcome, cause)
	res := Result{
		Duration:  in.Duration,
		Fallback:  true,
		ModelUsed: "fallback",
		Metadata: map[string]any{
			"fallback_reason": reason,
		},
	}
	if cause != nil {
		res.Metadata["error"] = cause.Error()
	}

	var errs []error
	for _, fb := range d.fallbacks {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.FallbackTimeout)
		path, err := fb.Render(fctx, in)
		cancel()
		if err != nil {
			d.logger.Warn().Err(err).Str("job_id", in.JobID).Str("fallback", fb.Name()).Msg("fallback renderer failed")
			errs = append(errs, fmt.Errorf("%s: %w", fb.Name(), err))
			continue
		}
		res.VideoPath = path
		res.ModelUsed = "fallback-" + fb.Name()
		res.Metadata["fallback_renderer"] = fb.Name()
		if len(errs) > 0 {
			res.Metadata["fallback_errors"] = errors.Join(errs...).Error()
		}
		return res
	}

	data, err := d.still.encode(context.WithoutCancel(ctx), in)
	if err != nil {
		errs = append(errs, fmt.Errorf("memory: %w", err))
	}
	res.Video = data
	res.ModelUsed = "fallback-memory"
	res.Metadata["fallback_renderer"] = "memory"
	res.Metadata["fallback_errors"] = errors.Join(errs...).Error()
	return res
}

func fallbackReason(outcome State, err error) string {
	switch {
	case outcome == StateTimedOut:
		return "timeout"
	case errors.Is(err, ErrNoRenderer):
		return "no_renderer"
	case errors.Is(err, ErrMalformedResult):
		return "malformed_output"
	case errors.Is(err, ErrMissingArtifact):
		return "missing_artifact"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "process_failed"
	}
}

func decodeInlineAudio(b []byte) (audio.Format, []byte) {
	if len(b) == 0 {
		return audio.PCM16Mono, nil
	}
	if f, pcm, err := audio.DecodeWAV(b); err == nil {
		return f, pcm
	}
	return audio.PCM16Mono, b
}

func (d *Dispatcher) writeTempAudio(jobID string, pcm []byte, f audio.Format) (string, error) {
	path := filepath.Join(d.cfg.OutputDir, "tmp", jobID+".wav")
	if err := audio.WriteWAVFile(path, pcm, f); err != nil {
		return "", err
	}
	d.scheduleRemoval(path)
	return path, nil
}

// scheduleRemoval deletes path after the temp TTL whatever the job outcome.
func (d *Dispatcher) scheduleRemoval(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending[path] = time.AfterFunc(d.cfg.TempTTL, func() {
		d.mu.Lock()
		delete(d.pending, path)
		d.mu.Unlock()
		d.removeTemp(path)
	})
}

func (d *Dispatcher) removeTemp(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		d.logger.Warn().Err(err).Str("path", path).Msg("temp file cleanup failed")
	}
}

// Close removes temp files whose timers have not fired yet.
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*time.Timer)
	d.mu.Unlock()

	for path, timer := range pending {
		if timer.Stop() {
			d.removeTemp(path)
		}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, job *Job) {
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordRender(context.WithoutCancel(ctx), *job); err != nil {
		d.logger.Warn().Err(err).Str("job_id", job.ID).Msg("render job not recorded")
	}
}

func (d *Dispatcher) logResolved(job *Job) {
	text, _ := policy.RedactPII(policy.TruncateForLog(job.Request.Text, 80))
	ev := d.logger.Info()
	if job.Result.Fallback {
		ev = d.logger.Warn().Err(job.Err).Interface("fallback_reason", job.Result.Metadata["fallback_reason"])
	}
	ev.Str("job_id", job.ID).
		Str("session_id", job.Request.SessionID).
		Str("outcome", string(job.Outcome)).
		Str("video_path", job.Result.VideoPath).
		Float64("duration", job.Result.Duration).
		Dur("elapsed", job.ResolvedAt.Sub(job.CreatedAt)).
		Str("text", text).
		Msg("render resolved")
}

func (j *Job) transition(s State, at time.Time) {
	j.Transitions = append(j.Transitions, Transition{State: s, At: at})
}

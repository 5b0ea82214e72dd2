package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNoRenderer      = errors.New("no renderer command configured")
	ErrMalformedResult = errors.New("malformed renderer result")
	ErrMissingArtifact = errors.New("renderer artifact missing")
)

// waitDelay bounds how long Wait blocks on inherited pipes after the
// renderer is killed.
const waitDelay = 2 * time.Second

const (
	maxDiagnosticBytes = 8 << 10
	maxStdoutBytes     = 256 << 10
)

// runProcess executes one renderer invocation: request on stdin, result on the
// last non-empty stdout line. The outcome is one of completed, timed_out, failed.
func (d *Dispatcher) runProcess(ctx context.Context, in processRequest) (processResult, State, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return processResult{}, StateFailed, fmt.Errorf("encode render request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, d.cfg.Command, d.cfg.Args...)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	stdout := newTailBuffer(maxStdoutBytes)
	stderr := newTailBuffer(maxDiagnosticBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	if stdout.Truncated() {
		d.logger.Warn().Str("job_id", in.JobID).Int64("bytes", stdout.total).Msg("renderer stdout truncated to its tail")
	}
	diagnostics := tail(stderr.String(), maxDiagnosticBytes)
	if diagnostics != "" {
		d.logger.Debug().Str("job_id", in.JobID).Str("stderr", diagnostics).Msg("renderer diagnostics")
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return processResult{}, StateTimedOut, fmt.Errorf("renderer exceeded %s: %w", d.cfg.Timeout, context.DeadlineExceeded)
	}
	if ctx.Err() != nil {
		// exec.CommandContext may surface "signal: killed" instead of context cancellation.
		return processResult{}, StateFailed, ctx.Err()
	}
	if runErr != nil {
		if diagnostics == "" {
			diagnostics = tail(strings.TrimSpace(stdout.String()), 512)
		}
		if diagnostics != "" {
			return processResult{}, StateFailed, fmt.Errorf("renderer failed: %w: %s", runErr, lastLine(diagnostics))
		}
		return processResult{}, StateFailed, fmt.Errorf("renderer failed: %w", runErr)
	}

	res, err := parseResult(stdout.Bytes())
	if err != nil {
		return processResult{}, StateFailed, err
	}
	if !filepath.IsAbs(res.VideoPath) {
		res.VideoPath = filepath.Join(d.cfg.OutputDir, res.VideoPath)
	}
	if _, err := os.Stat(res.VideoPath); err != nil {
		return processResult{}, StateFailed, fmt.Errorf("%w: %v", ErrMissingArtifact, err)
	}
	return res, StateCompleted, nil
}

// parseResult decodes the last non-empty line of out. Earlier lines are
// diagnostics and are ignored.
func parseResult(out []byte) (processResult, error) {
	line := lastLine(string(out))
	if line == "" {
		return processResult{}, fmt.Errorf("%w: no output", ErrMalformedResult)
	}
	var res processResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return processResult{}, fmt.Errorf("%w: %v", ErrMalformedResult, err)
	}
	if msg := strings.TrimSpace(res.Error); msg != "" {
		return processResult{}, fmt.Errorf("renderer reported: %s", msg)
	}
	res.VideoPath = strings.TrimSpace(res.VideoPath)
	if res.VideoPath == "" {
		return processResult{}, fmt.Errorf("%w: missing video_path", ErrMalformedResult)
	}
	if res.Duration < 0 {
		return processResult{}, fmt.Errorf("%w: negative duration", ErrMalformedResult)
	}
	return res, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if line := strings.TrimSpace(lines[i]); line != "" {
			return line
		}
	}
	return ""
}

// tailBuffer is an io.Writer that retains only the last limit bytes.
type tailBuffer struct {
	limit int
	buf   []byte
	total int64
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.total += int64(len(p))
	if len(p) >= b.limit {
		b.buf = append(b.buf[:0], p[len(p)-b.limit:]...)
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	if len(b.buf) > 2*b.limit {
		b.buf = append(b.buf[:0], b.buf[len(b.buf)-b.limit:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	if len(b.buf) > b.limit {
		return b.buf[len(b.buf)-b.limit:]
	}
	return b.buf
}

func (b *tailBuffer) String() string { return string(b.Bytes()) }

func (b *tailBuffer) Truncated() bool { return b.total > int64(b.limit) }

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = strings.TrimSpace(s[len(s)-n:])
	}
	return s
}

package render

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"os"
	"os/exec"
	"strconv"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/lipsync"
)

// FallbackInput carries everything a fallback renderer may use. It never
// references the primary renderer.
type FallbackInput struct {
	JobID      string
	OutputBase string // artifact path without extension
	Duration   float64
	Timeline   []lipsync.Frame
	AudioPath  string // WAV on local disk, or empty
	PCM        []byte
	Format     audio.Format
}

// Fallback produces a minimal video artifact and returns its path.
type Fallback interface {
	Name() string
	Render(ctx context.Context, in FallbackInput) (string, error)
}

// FFmpegFallback muxes a still picture (or a flat colour) with the job audio.
type FFmpegFallback struct {
	Path  string
	Image string
}

func (FFmpegFallback) Name() string { return "ffmpeg" }

func (f FFmpegFallback) Render(ctx context.Context, in FallbackInput) (string, error) {
	out := in.OutputBase + ".mp4"
	args := []string{"-y", "-hide_banner", "-loglevel", "error"}
	if f.Image != "" {
		args = append(args, "-loop", "1", "-i", f.Image)
	} else {
		args = append(args, "-f", "lavfi", "-i",
			fmt.Sprintf("color=c=0x202830:s=%dx%d:r=%d", stillWidth, stillHeight, stillFPS))
	}
	if in.AudioPath != "" {
		args = append(args, "-i", in.AudioPath)
	}
	args = append(args,
		"-t", strconv.FormatFloat(in.Duration, 'f', 3, 64),
		"-c:v", "libx264", "-tune", "stillimage", "-pix_fmt", "yuv420p",
	)
	if in.AudioPath != "" {
		args = append(args, "-c:a", "aac", "-shortest")
	}
	args = append(args, out)

	cmd := exec.CommandContext(ctx, f.Path, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("ffmpeg: %w", ctx.Err())
		}
		if detail := lastLine(stderr.String()); detail != "" {
			return "", fmt.Errorf("ffmpeg failed: %w: %s", err, detail)
		}
		return "", fmt.Errorf("ffmpeg failed: %w", err)
	}
	if _, err := os.Stat(out); err != nil {
		return "", fmt.Errorf("ffmpeg produced no output: %w", err)
	}
	return out, nil
}

// StillFallback writes a Motion-JPEG AVI in process. It has no external
// dependencies and is the last entry of every fallback chain.
type StillFallback struct {
	// Still replaces the placeholder face when set.
	Still image.Image
}

func (StillFallback) Name() string { return "still" }

func (s StillFallback) Render(ctx context.Context, in FallbackInput) (string, error) {
	data, err := s.encode(ctx, in)
	if err != nil {
		return "", err
	}
	out := in.OutputBase + ".avi"
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return "", fmt.Errorf("write still video: %w", err)
	}
	return out, nil
}

func (s StillFallback) encode(ctx context.Context, in FallbackInput) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames, scale, err := stillFrames(s.Still, in.Timeline, in.Duration)
	if err != nil {
		return nil, fmt.Errorf("encode still frames: %w", err)
	}
	movie := aviMovie{
		Width:  stillWidth,
		Height: stillHeight,
		Rate:   stillFPS,
		Scale:  scale,
		Frames: frames,
	}
	if len(in.PCM) > 0 && in.Format.Validate() == nil {
		movie.PCM = in.PCM
		movie.Format = in.Format
	}
	return encodeAVI(movie)
}

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the avatar interview service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	AllowAnyOrigin   bool

	LogLevel  string
	LogFormat string

	SignalReadTimeout   time.Duration
	SignalSendBuffer    int
	SignalReplacePolicy string

	AudioSampleRate     int
	AudioChannels       int
	AudioBytesPerSample int
	AudioChunkDuration  time.Duration
	AudioStreamRealtime bool
	AudioStreamFraming  string

	RenderCommand         string
	RenderArgs            []string
	RenderTimeout         time.Duration
	RenderOutputDir       string
	RenderTempTTL         time.Duration
	RenderDefaultModel    string
	RenderFallbackImage   string
	RenderFFmpegPath      string
	RenderFallbackTimeout time.Duration
	RenderMaxDuration     time.Duration

	DatabaseURL string
}

// Load reads an optional .env file, then environment variables, and applies safe defaults.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf(".env parse error: %w", err)
	}

	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "avatarcast"),
		AllowAnyOrigin:      false,
		LogLevel:            strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:           strings.ToLower(envOrDefault("LOG_FORMAT", "console")),
		SignalReadTimeout:   120 * time.Second,
		SignalSendBuffer:    256,
		SignalReplacePolicy: strings.ToLower(envOrDefault("SIGNAL_REPLACE_POLICY", "replace")),
		// 16kHz mono PCM16 is what the media peer produces for the interview pipeline.
		AudioSampleRate:     16000,
		AudioChannels:       1,
		AudioBytesPerSample: 2,
		AudioChunkDuration:  100 * time.Millisecond,
		AudioStreamRealtime: true,
		AudioStreamFraming:  strings.ToLower(envOrDefault("AUDIO_STREAM_FRAMING", "paired")),
		RenderCommand:       stringsTrimSpace("RENDER_COMMAND"),
		RenderArgs:          strings.Fields(os.Getenv("RENDER_ARGS")),
		RenderTimeout:       120 * time.Second,
		RenderOutputDir:     envOrDefault("RENDER_OUTPUT_DIR", filepath.Join(os.TempDir(), "avatarcast")),
		RenderTempTTL:       60 * time.Second,
		RenderDefaultModel:  envOrDefault("RENDER_DEFAULT_MODEL", "default"),
		RenderFallbackImage: stringsTrimSpace("RENDER_FALLBACK_IMAGE"),
		RenderFFmpegPath:    envOrDefault("RENDER_FFMPEG_PATH", "ffmpeg"),
		// ffmpeg gets a short budget; the in-process still writer is the last resort.
		RenderFallbackTimeout: 15 * time.Second,
		RenderMaxDuration:     5 * time.Minute,
		DatabaseURL:           stringsTrimSpace("DATABASE_URL"),
		ShutdownTimeout:       15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalReadTimeout, err = durationFromEnv("SIGNAL_READ_TIMEOUT", cfg.SignalReadTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.SignalSendBuffer, err = intFromEnv("SIGNAL_SEND_BUFFER", cfg.SignalSendBuffer)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioSampleRate, err = intFromEnv("AUDIO_SAMPLE_RATE", cfg.AudioSampleRate)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChannels, err = intFromEnv("AUDIO_CHANNELS", cfg.AudioChannels)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioBytesPerSample, err = intFromEnv("AUDIO_BYTES_PER_SAMPLE", cfg.AudioBytesPerSample)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioChunkDuration, err = durationFromEnv("AUDIO_CHUNK_DURATION", cfg.AudioChunkDuration)
	if err != nil {
		return Config{}, err
	}
	cfg.AudioStreamRealtime, err = boolFromEnv("AUDIO_STREAM_REALTIME", cfg.AudioStreamRealtime)
	if err != nil {
		return Config{}, err
	}
	cfg.RenderTimeout, err = durationFromEnv("RENDER_TIMEOUT", cfg.RenderTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RenderTempTTL, err = durationFromEnv("RENDER_TEMP_TTL", cfg.RenderTempTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.RenderFallbackTimeout, err = durationFromEnv("RENDER_FALLBACK_TIMEOUT", cfg.RenderFallbackTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.RenderMaxDuration, err = durationFromEnv("RENDER_MAX_DURATION", cfg.RenderMaxDuration)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints. Load calls it; tests building Config by hand may too.
func (c Config) Validate() error {
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}
	if c.AudioChannels <= 0 {
		return fmt.Errorf("AUDIO_CHANNELS must be positive")
	}
	if c.AudioBytesPerSample <= 0 {
		return fmt.Errorf("AUDIO_BYTES_PER_SAMPLE must be positive")
	}
	if c.AudioChunkDuration < 10*time.Millisecond {
		return fmt.Errorf("AUDIO_CHUNK_DURATION must be at least 10ms")
	}
	if c.RenderTimeout < time.Second {
		return fmt.Errorf("RENDER_TIMEOUT must be at least 1s")
	}
	if c.RenderTempTTL < 0 {
		return fmt.Errorf("RENDER_TEMP_TTL must be >= 0")
	}
	if c.RenderMaxDuration < time.Second {
		return fmt.Errorf("RENDER_MAX_DURATION must be at least 1s")
	}
	if c.SignalSendBuffer <= 0 {
		return fmt.Errorf("SIGNAL_SEND_BUFFER must be positive")
	}
	switch c.SignalReplacePolicy {
	case "replace", "reject":
	default:
		return fmt.Errorf("SIGNAL_REPLACE_POLICY must be replace|reject, got %q", c.SignalReplacePolicy)
	}
	switch c.AudioStreamFraming {
	case "paired", "envelope":
	default:
		return fmt.Errorf("AUDIO_STREAM_FRAMING must be paired|envelope, got %q", c.AudioStreamFraming)
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		return fmt.Errorf("LOG_FORMAT must be console|json, got %q", c.LogFormat)
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}

package audio

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

var ErrInvalidFormat = errors.New("invalid audio format")

// Format describes interleaved little-endian PCM.
type Format struct {
	SampleRate     int `json:"sample_rate"`
	Channels       int `json:"channels"`
	BytesPerSample int `json:"bytes_per_sample"`
}

// PCM16Mono is the 16kHz mono 16-bit format used by the interview pipeline.
var PCM16Mono = Format{SampleRate: 16000, Channels: 1, BytesPerSample: 2}

func (f Format) Validate() error {
	if f.SampleRate <= 0 || f.Channels <= 0 || f.BytesPerSample <= 0 {
		return fmt.Errorf("%w: sample_rate=%d channels=%d bytes_per_sample=%d",
			ErrInvalidFormat, f.SampleRate, f.Channels, f.BytesPerSample)
	}
	return nil
}

func (f Format) withDefaults() Format {
	if f.SampleRate <= 0 {
		f.SampleRate = PCM16Mono.SampleRate
	}
	if f.Channels <= 0 {
		f.Channels = PCM16Mono.Channels
	}
	if f.BytesPerSample <= 0 {
		f.BytesPerSample = PCM16Mono.BytesPerSample
	}
	return f
}

// FrameSize is the byte size of one sample across all channels.
func (f Format) FrameSize() int { return f.Channels * f.BytesPerSample }

func (f Format) BytesPerSecond() int { return f.SampleRate * f.FrameSize() }

// DurationOf converts a byte length to playback time.
func (f Format) DurationOf(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// ChunkSize returns sample_rate * chunk_ms / 1000 * channels * bytes_per_sample.
func ChunkSize(f Format, chunk time.Duration) (int, error) {
	if err := f.Validate(); err != nil {
		return 0, err
	}
	ms := chunk.Milliseconds()
	if ms <= 0 {
		return 0, fmt.Errorf("%w: chunk duration must be at least 1ms, got %s", ErrInvalidFormat, chunk)
	}
	samples := int64(f.SampleRate) * ms / 1000
	if samples <= 0 {
		return 0, fmt.Errorf("%w: %s at %dHz yields no samples", ErrInvalidFormat, chunk, f.SampleRate)
	}
	return int(samples) * f.FrameSize(), nil
}

// Chunk is one immutable slice of a stream.
type Chunk struct {
	Seq        int
	Payload    []byte
	DurationMS float64
	IsFinal    bool
}

// TimestampMS is the chunk offset from stream start, seq * nominal chunk duration.
func (c Chunk) TimestampMS(chunk time.Duration) float64 {
	return float64(c.Seq) * float64(chunk.Milliseconds())
}

// Split walks buf in strides of ChunkSize. Every chunk but possibly the last is
// exactly that size; an empty tail produces no chunk. Payloads alias buf.
func Split(buf []byte, f Format, chunk time.Duration) ([]Chunk, error) {
	size, err := ChunkSize(f, chunk)
	if err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, nil
	}

	count := (len(buf) + size - 1) / size
	chunks := make([]Chunk, 0, count)
	for seq := 0; seq < count; seq++ {
		start := seq * size
		end := start + size
		if end > len(buf) {
			end = len(buf)
		}
		payload := buf[start:end:end]
		chunks = append(chunks, Chunk{
			Seq:        seq,
			Payload:    payload,
			DurationMS: float64(len(payload)) * 1000 / float64(f.BytesPerSecond()),
			IsFinal:    seq == count-1,
		})
	}
	return chunks, nil
}

// Join concatenates payloads in sequence order.
func Join(chunks []Chunk) []byte {
	ordered := make([]Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Seq < ordered[j].Seq })

	total := 0
	for _, c := range ordered {
		total += len(c.Payload)
	}
	out := make([]byte, 0, total)
	for _, c := range ordered {
		out = append(out, c.Payload...)
	}
	return out
}

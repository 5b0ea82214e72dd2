package audio

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

var ErrNotWAV = errors.New("not a RIFF/WAVE PCM stream")

// EncodeWAV wraps raw little-endian PCM bytes in a WAV container.
func EncodeWAV(pcm []byte, f Format) ([]byte, error) {
	var buf bytes.Buffer
	if err := WriteWAVTo(&buf, pcm, f); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteWAVFile writes raw PCM bytes as a WAV file.
func WriteWAVFile(path string, pcm []byte, f Format) error {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteWAVTo(out, pcm, f); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// WriteWAVTo writes raw PCM bytes to out as a WAV stream.
func WriteWAVTo(out io.Writer, pcm []byte, f Format) error {
	const audioFormat = 1 // PCM
	f = f.withDefaults()

	dataSize := uint32(len(pcm))
	byteRate := uint32(f.BytesPerSecond())
	blockAlign := uint16(f.FrameSize())
	bitsPerSample := uint16(f.BytesPerSample * 8)

	w := bufio.NewWriter(out)

	// RIFF header.
	if _, err := w.WriteString("RIFF"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(36)+dataSize); err != nil {
		return err
	}
	if _, err := w.WriteString("WAVE"); err != nil {
		return err
	}

	// fmt chunk.
	if _, err := w.WriteString("fmt "); err != nil {
		return err
	}
	fields := []any{
		uint32(16),
		uint16(audioFormat),
		uint16(f.Channels),
		uint32(f.SampleRate),
		byteRate,
		blockAlign,
		bitsPerSample,
	}
	for _, v := range fields {
		if err := binary.Write(w, binary.LittleEndian, v); err != nil {
			return err
		}
	}

	// data chunk.
	if _, err := w.WriteString("data"); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, dataSize); err != nil {
		return err
	}
	if _, err := w.Write(pcm); err != nil {
		return err
	}
	return w.Flush()
}

// DecodeWAV parses a PCM WAV container and returns its format and sample bytes.
// Chunks other than "fmt " and "data" are skipped.
func DecodeWAV(b []byte) (Format, []byte, error) {
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WAVE" {
		return Format{}, nil, ErrNotWAV
	}

	var (
		f       Format
		haveFmt bool
	)
	pos := 12
	for pos+8 <= len(b) {
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		body := pos + 8
		if size < 0 || body+size > len(b) {
			// Streaming writers sometimes leave the data size unset; take what is there.
			if id == "data" && haveFmt {
				return f, b[body:], nil
			}
			return Format{}, nil, fmt.Errorf("%w: truncated %q chunk", ErrNotWAV, id)
		}
		switch id {
		case "fmt ":
			if size < 16 {
				return Format{}, nil, fmt.Errorf("%w: short fmt chunk", ErrNotWAV)
			}
			if tag := binary.LittleEndian.Uint16(b[body : body+2]); tag != 1 {
				return Format{}, nil, fmt.Errorf("%w: unsupported encoding %d", ErrNotWAV, tag)
			}
			f = Format{
				Channels:       int(binary.LittleEndian.Uint16(b[body+2 : body+4])),
				SampleRate:     int(binary.LittleEndian.Uint32(b[body+4 : body+8])),
				BytesPerSample: int(binary.LittleEndian.Uint16(b[body+14:body+16])) / 8,
			}
			if err := f.Validate(); err != nil {
				return Format{}, nil, fmt.Errorf("%w: %v", ErrNotWAV, err)
			}
			haveFmt = true
		case "data":
			if !haveFmt {
				return Format{}, nil, fmt.Errorf("%w: data before fmt", ErrNotWAV)
			}
			return f, b[body : body+size], nil
		}
		pos = body + size + size%2
	}
	return Format{}, nil, fmt.Errorf("%w: missing data chunk", ErrNotWAV)
}

package render

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/antoniostano/avatarcast/internal/audio"
)

const (
	aviFlagHasIndex    = 0x10
	aviFlagInterleaved = 0x100
	aviIndexKeyframe   = 0x10
)

// aviMovie is a Motion-JPEG video with an optional PCM track.
type aviMovie struct {
	Width  int
	Height int
	// Each frame lasts Scale/Rate seconds.
	Rate   int
	Scale  int
	// Frames holds one JPEG per video frame; entries may share backing arrays.
	Frames [][]byte
	PCM    []byte
	Format audio.Format
}

type indexEntry struct {
	id     string
	offset uint32
	size   uint32
}

// riffBuffer builds RIFF chunk trees in memory, back-patching sizes.
type riffBuffer struct {
	b []byte
}

func (r *riffBuffer) fourcc(id string) {
	r.b = append(r.b, id[0], id[1], id[2], id[3])
}

func (r *riffBuffer) u16(v uint16) { r.b = binary.LittleEndian.AppendUint16(r.b, v) }
func (r *riffBuffer) u32(v uint32) { r.b = binary.LittleEndian.AppendUint32(r.b, v) }

// open writes a chunk header with a zero size and returns the size offset.
func (r *riffBuffer) open(id string) int {
	r.fourcc(id)
	off := len(r.b)
	r.u32(0)
	return off
}

func (r *riffBuffer) openList(kind, name string) int {
	off := r.open(kind)
	r.fourcc(name)
	return off
}

// close patches the size of the chunk opened at off and pads to an even length.
func (r *riffBuffer) close(off int) {
	size := len(r.b) - off - 4
	binary.LittleEndian.PutUint32(r.b[off:off+4], uint32(size))
	if size%2 == 1 {
		r.b = append(r.b, 0)
	}
}

func (r *riffBuffer) chunk(id string, data []byte) {
	off := r.open(id)
	r.b = append(r.b, data...)
	r.close(off)
}

func (m aviMovie) validate() error {
	if m.Width <= 0 || m.Height <= 0 || m.Rate <= 0 || m.Scale <= 0 {
		return fmt.Errorf("avi: invalid geometry %dx%d@%d/%d", m.Width, m.Height, m.Rate, m.Scale)
	}
	if len(m.Frames) == 0 {
		return errors.New("avi: no frames")
	}
	if len(m.PCM) > 0 {
		if err := m.Format.Validate(); err != nil {
			return fmt.Errorf("avi: %w", err)
		}
	}
	return nil
}

// encodeAVI serializes m as an OpenDML-free AVI 1.0 file with an idx1 index.
func encodeAVI(m aviMovie) ([]byte, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	hasAudio := len(m.PCM) > 0
	blockAlign := m.Format.FrameSize()
	totalBlocks := 0
	if hasAudio {
		totalBlocks = len(m.PCM) / blockAlign
		if totalBlocks == 0 {
			hasAudio = false
		}
	}

	maxFrame := 0
	for _, f := range m.Frames {
		if len(f) > maxFrame {
			maxFrame = len(f)
		}
	}
	streams := uint32(1)
	flags := uint32(aviFlagHasIndex)
	maxBytesPerSec := uint32((maxFrame*m.Rate + m.Scale - 1) / m.Scale)
	if hasAudio {
		streams = 2
		flags |= aviFlagInterleaved
		maxBytesPerSec += uint32(m.Format.BytesPerSecond())
	}

	var r riffBuffer
	riff := r.openList("RIFF", "AVI ")

	hdrl := r.openList("LIST", "hdrl")
	avih := r.open("avih")
	r.u32(uint32(int64(m.Scale) * 1_000_000 / int64(m.Rate)))
	r.u32(maxBytesPerSec)
	r.u32(0) // padding granularity
	r.u32(flags)
	r.u32(uint32(len(m.Frames)))
	r.u32(0) // initial frames
	r.u32(streams)
	r.u32(uint32(maxFrame))
	r.u32(uint32(m.Width))
	r.u32(uint32(m.Height))
	for i := 0; i < 4; i++ {
		r.u32(0)
	}
	r.close(avih)

	vstrl := r.openList("LIST", "strl")
	strh := r.open("strh")
	r.fourcc("vids")
	r.fourcc("MJPG")
	r.u32(0) // flags
	r.u16(0) // priority
	r.u16(0) // language
	r.u32(0) // initial frames
	r.u32(uint32(m.Scale))
	r.u32(uint32(m.Rate))
	r.u32(0)
	r.u32(uint32(len(m.Frames)))
	r.u32(uint32(maxFrame))
	r.u32(0xFFFFFFFF) // quality: driver default
	r.u32(0)
	r.u16(0)
	r.u16(0)
	r.u16(uint16(m.Width))
	r.u16(uint16(m.Height))
	r.close(strh)
	strf := r.open("strf")
	r.u32(40)
	r.u32(uint32(m.Width))
	r.u32(uint32(m.Height))
	r.u16(1)  // planes
	r.u16(24) // bit count
	r.fourcc("MJPG")
	r.u32(uint32(m.Width * m.Height * 3))
	r.u32(0)
	r.u32(0)
	r.u32(0)
	r.u32(0)
	r.close(strf)
	r.close(vstrl)

	if hasAudio {
		astrl := r.openList("LIST", "strl")
		strh := r.open("strh")
		r.fourcc("auds")
		r.u32(0) // handler
		r.u32(0)
		r.u16(0)
		r.u16(0)
		r.u32(0)
		r.u32(uint32(blockAlign))
		r.u32(uint32(m.Format.BytesPerSecond()))
		r.u32(0)
		r.u32(uint32(totalBlocks))
		r.u32(uint32((int64(m.Format.BytesPerSecond())*int64(m.Scale) + int64(m.Rate) - 1) / int64(m.Rate)))
		r.u32(0xFFFFFFFF)
		r.u32(uint32(blockAlign))
		r.u16(0)
		r.u16(0)
		r.u16(0)
		r.u16(0)
		r.close(strh)
		strf := r.open("strf")
		r.u16(1) // WAVE_FORMAT_PCM
		r.u16(uint16(m.Format.Channels))
		r.u32(uint32(m.Format.SampleRate))
		r.u32(uint32(m.Format.BytesPerSecond()))
		r.u16(uint16(blockAlign))
		r.u16(uint16(m.Format.BytesPerSample * 8))
		r.u16(0) // cbSize
		r.close(strf)
		r.close(astrl)
	}
	r.close(hdrl)

	movi := r.openList("LIST", "movi")
	moviBase := movi + 4 // idx1 offsets are relative to the "movi" fourcc
	index := make([]indexEntry, 0, len(m.Frames)*2)
	emit := func(id string, data []byte) {
		index = append(index, indexEntry{id: id, offset: uint32(len(r.b) - moviBase), size: uint32(len(data))})
		r.chunk(id, data)
	}
	n := len(m.Frames)
	for i, frame := range m.Frames {
		emit("00dc", frame)
		if hasAudio {
			start := i * totalBlocks / n * blockAlign
			end := (i + 1) * totalBlocks / n * blockAlign
			if end > start {
				emit("01wb", m.PCM[start:end])
			}
		}
	}
	r.close(movi)

	idx := r.open("idx1")
	for _, e := range index {
		r.fourcc(e.id)
		flags := uint32(0)
		if e.id == "00dc" {
			flags = aviIndexKeyframe
		}
		r.u32(flags)
		r.u32(e.offset)
		r.u32(e.size)
	}
	r.close(idx)

	r.close(riff)
	return r.b, nil
}

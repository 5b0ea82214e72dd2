package render

import (
	"bytes"
	"encoding/binary"
	"image/jpeg"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/antoniostano/avatarcast/internal/audio"
	"github.com/antoniostano/avatarcast/internal/lipsync"
)

type riffChunk struct {
	id   string
	list string
	data []byte
}

// walkChunks lists the chunks directly inside b.
func walkChunks(t *testing.T, b []byte) []riffChunk {
	t.Helper()
	var out []riffChunk
	for pos := 0; pos < len(b); {
		require.LessOrEqual(t, pos+8, len(b), "truncated chunk header at %d", pos)
		id := string(b[pos : pos+4])
		size := int(binary.LittleEndian.Uint32(b[pos+4 : pos+8]))
		require.LessOrEqual(t, pos+8+size, len(b), "chunk %q overruns parent", id)
		c := riffChunk{id: id, data: b[pos+8 : pos+8+size]}
		if id == "LIST" || id == "RIFF" {
			c.list = string(c.data[:4])
			c.data = c.data[4:]
		}
		out = append(out, c)
		pos += 8 + size + size%2
	}
	return out
}

func findList(chunks []riffChunk, name string) (riffChunk, bool) {
	for _, c := range chunks {
		if c.list == name {
			return c, true
		}
	}
	return riffChunk{}, false
}

func TestEncodeAVIStructure(t *testing.T) {
	frames, scale, err := stillFrames(nil, lipsync.Align([]lipsync.Phoneme{{Symbol: "AA"}, {Symbol: "M"}}, 0.5), 0.5)
	require.NoError(t, err)
	require.Equal(t, 1, scale)
	require.Len(t, frames, 5)

	pcm := make([]byte, 8000*2+1) // odd tail is dropped at block alignment
	b, err := encodeAVI(aviMovie{Width: stillWidth, Height: stillHeight, Rate: stillFPS, Scale: scale, Frames: frames, PCM: pcm, Format: audio.PCM16Mono})
	require.NoError(t, err)

	top := walkChunks(t, b)
	require.Len(t, top, 1)
	require.Equal(t, "RIFF", top[0].id)
	require.Equal(t, "AVI ", top[0].list)
	assert.Equal(t, len(b)-8, int(binary.LittleEndian.Uint32(b[4:8])))

	body := walkChunks(t, top[0].data)
	hdrl, ok := findList(body, "hdrl")
	require.True(t, ok)
	headers := walkChunks(t, hdrl.data)
	require.Equal(t, "avih", headers[0].id)
	require.Len(t, headers[0].data, 56)
	assert.Equal(t, uint32(100_000), binary.LittleEndian.Uint32(headers[0].data[0:4]), "µs per frame")
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(headers[0].data[16:20]), "total frames")
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(headers[0].data[24:28]), "streams")

	strls := 0
	for _, h := range headers {
		if h.list == "strl" {
			strls++
			inner := walkChunks(t, h.data)
			require.Equal(t, "strh", inner[0].id)
			require.Len(t, inner[0].data, 56)
		}
	}
	assert.Equal(t, 2, strls)

	movi, ok := findList(body, "movi")
	require.True(t, ok)
	var video, audioBytes int
	moviChunks := walkChunks(t, movi.data)
	for _, c := range moviChunks {
		switch c.id {
		case "00dc":
			video++
			_, err := jpeg.Decode(bytes.NewReader(c.data))
			require.NoError(t, err)
		case "01wb":
			audioBytes += len(c.data)
		}
	}
	assert.Equal(t, 5, video)
	assert.Equal(t, 8000*2, audioBytes)

	var idx riffChunk
	for _, c := range body {
		if c.id == "idx1" {
			idx = c
		}
	}
	require.Len(t, idx.data, 16*len(moviChunks))
	// the first entry points at the first chunk right after the "movi" fourcc
	assert.Equal(t, "00dc", string(idx.data[0:4]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(idx.data[8:12]))
}

func TestEncodeAVIVideoOnly(t *testing.T) {
	frames, scale, err := stillFrames(scaleNearest(faceFrame(lipsync.VisemeO), 64, 48), nil, 0.05)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	b, err := encodeAVI(aviMovie{Width: stillWidth, Height: stillHeight, Rate: stillFPS, Scale: scale, Frames: frames})
	require.NoError(t, err)
	body := walkChunks(t, walkChunks(t, b)[0].data)
	hdrl, _ := findList(body, "hdrl")
	avih := walkChunks(t, hdrl.data)[0]
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(avih.data[24:28]))
}

func TestEncodeAVIRejectsEmpty(t *testing.T) {
	_, err := encodeAVI(aviMovie{Width: 10, Height: 10, Rate: 10, Scale: 1})
	assert.Error(t, err)
	_, err = encodeAVI(aviMovie{Frames: [][]byte{{1}}})
	assert.Error(t, err)
}

func TestStillFramesFollowTimeline(t *testing.T) {
	timeline := []lipsync.Frame{
		{Viseme: lipsync.VisemeRest, Start: 0, End: 0.2},
		{Viseme: lipsync.VisemeAA, Start: 0.2, End: 0.4},
	}
	frames, _, err := stillFrames(nil, timeline, 0.4)
	require.NoError(t, err)
	require.Len(t, frames, 4)
	assert.Equal(t, frames[0], frames[1])
	assert.Equal(t, frames[2], frames[3])
	assert.NotEqual(t, frames[1], frames[2], "open mouth differs from rest")
}

func TestStillTimingBoundsFrameCount(t *testing.T) {
	cases := []struct {
		duration float64
		count    int
		scale    int
	}{
		{0, 1, 1},
		{math.NaN(), 1, 1},
		{-3, 1, 1},
		{2.5, 25, 1},
		{150, maxStillFrames, 1},
		{150.1, 751, 2},
		{600, 1500, 4},
		{math.Inf(1), maxStillFrames, maxStillSeconds * stillFPS / maxStillFrames},
		{1e12, maxStillFrames, maxStillSeconds * stillFPS / maxStillFrames},
	}
	for _, tc := range cases {
		count, scale := stillTiming(tc.duration)
		assert.Equal(t, tc.count, count, "count for %v", tc.duration)
		assert.Equal(t, tc.scale, scale, "scale for %v", tc.duration)
		assert.LessOrEqual(t, count, maxStillFrames)
	}
}

func TestEncodeAVILongClipHoldsFrames(t *testing.T) {
	frames, scale, err := stillFrames(nil, nil, 600)
	require.NoError(t, err)
	require.Len(t, frames, 1500)
	require.Equal(t, 4, scale)

	b, err := encodeAVI(aviMovie{Width: stillWidth, Height: stillHeight, Rate: stillFPS, Scale: scale, Frames: frames})
	require.NoError(t, err)
	body := walkChunks(t, walkChunks(t, b)[0].data)
	hdrl, _ := findList(body, "hdrl")
	headers := walkChunks(t, hdrl.data)
	assert.Equal(t, uint32(400_000), binary.LittleEndian.Uint32(headers[0].data[0:4]), "µs per frame")
	vstrh := walkChunks(t, headers[1].data)[0]
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(vstrh.data[20:24]), "scale")
	assert.Equal(t, uint32(stillFPS), binary.LittleEndian.Uint32(vstrh.data[24:28]), "rate")
}

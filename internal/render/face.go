package render

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"

	"github.com/antoniostano/avatarcast/internal/lipsync"
)

const (
	stillWidth  = 320
	stillHeight = 240
	stillFPS    = 10

	// maxStillFrames caps the still video; longer clips hold each frame longer.
	maxStillFrames  = 1500
	maxStillSeconds = 24 * 60 * 60
)

// mouthShape is the mouth opening as fractions of the frame width and height.
type mouthShape struct {
	w, h float64
}

var mouthShapes = map[lipsync.Viseme]mouthShape{
	lipsync.VisemeRest: {0.18, 0.012},
	lipsync.VisemePP:   {0.16, 0.008},
	lipsync.VisemeFF:   {0.17, 0.025},
	lipsync.VisemeTH:   {0.18, 0.035},
	lipsync.VisemeDD:   {0.19, 0.050},
	lipsync.VisemeKK:   {0.19, 0.060},
	lipsync.VisemeCH:   {0.14, 0.060},
	lipsync.VisemeSS:   {0.20, 0.030},
	lipsync.VisemeNN:   {0.18, 0.045},
	lipsync.VisemeRR:   {0.13, 0.050},
	lipsync.VisemeAA:   {0.20, 0.110},
	lipsync.VisemeE:    {0.21, 0.075},
	lipsync.VisemeI:    {0.22, 0.050},
	lipsync.VisemeO:    {0.13, 0.100},
	lipsync.VisemeU:    {0.10, 0.070},
}

var (
	backgroundColor = color.RGBA{R: 0x20, G: 0x28, B: 0x30, A: 0xff}
	skinColor       = color.RGBA{R: 0xe0, G: 0xb8, B: 0x98, A: 0xff}
	featureColor    = color.RGBA{R: 0x3a, G: 0x22, B: 0x22, A: 0xff}
)

// loadStill decodes a PNG or JPEG and scales it to the fallback frame size.
func loadStill(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return scaleNearest(img, stillWidth, stillHeight), nil
}

func scaleNearest(src image.Image, w, h int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	sb := src.Bounds()
	for y := 0; y < h; y++ {
		sy := sb.Min.Y + y*sb.Dy()/h
		for x := 0; x < w; x++ {
			sx := sb.Min.X + x*sb.Dx()/w
			dst.Set(x, y, src.At(sx, sy))
		}
	}
	return dst
}

// faceFrame draws the built-in placeholder face with the mouth of v.
func faceFrame(v lipsync.Viseme) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, stillWidth, stillHeight))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: backgroundColor}, image.Point{}, draw.Src)

	cx, cy := float64(stillWidth)/2, float64(stillHeight)/2
	fillEllipse(img, cx, cy, 0.30*stillWidth, 0.44*stillHeight, skinColor)
	fillEllipse(img, cx-0.10*stillWidth, cy-0.10*stillHeight, 0.025*stillWidth, 0.03*stillHeight, featureColor)
	fillEllipse(img, cx+0.10*stillWidth, cy-0.10*stillHeight, 0.025*stillWidth, 0.03*stillHeight, featureColor)

	shape, ok := mouthShapes[v]
	if !ok {
		shape = mouthShapes[lipsync.VisemeRest]
	}
	fillEllipse(img, cx, cy+0.22*stillHeight, shape.w*stillWidth/2, math.Max(shape.h*stillHeight/2, 1), featureColor)
	return img
}

func fillEllipse(img *image.RGBA, cx, cy, rx, ry float64, c color.Color) {
	b := img.Bounds()
	minX, maxX := int(math.Floor(cx-rx)), int(math.Ceil(cx+rx))
	minY, maxY := int(math.Floor(cy-ry)), int(math.Ceil(cy+ry))
	for y := max(minY, b.Min.Y); y < min(maxY, b.Max.Y); y++ {
		dy := (float64(y) + 0.5 - cy) / ry
		for x := max(minX, b.Min.X); x < min(maxX, b.Max.X); x++ {
			dx := (float64(x) + 0.5 - cx) / rx
			if dx*dx+dy*dy <= 1 {
				img.Set(x, y, c)
			}
		}
	}
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// stillTiming returns the frame count and the number of 1/stillFPS ticks each
// frame is held for so that count never exceeds maxStillFrames.
func stillTiming(duration float64) (count, scale int) {
	if !(duration > 0) {
		duration = 0
	}
	if duration > maxStillSeconds {
		duration = maxStillSeconds
	}
	ticks := int(math.Ceil(duration*stillFPS - 1e-9))
	if ticks < 1 {
		ticks = 1
	}
	scale = (ticks + maxStillFrames - 1) / maxStillFrames
	count = (ticks + scale - 1) / scale
	return count, scale
}

// stillFrames renders one JPEG per video frame covering duration seconds and
// returns them with the frame scale from stillTiming. With a custom still
// every frame is that image; otherwise the placeholder face follows the
// viseme timeline. Encodes are shared per distinct picture.
func stillFrames(still image.Image, timeline []lipsync.Frame, duration float64) ([][]byte, int, error) {
	count, scale := stillTiming(duration)
	frames := make([][]byte, count)

	if still != nil {
		jpg, err := encodeJPEG(still)
		if err != nil {
			return nil, 0, err
		}
		for i := range frames {
			frames[i] = jpg
		}
		return frames, scale, nil
	}

	cache := make(map[lipsync.Viseme][]byte)
	cursor := 0
	for i := range frames {
		t := (float64(i) + 0.5) * float64(scale) / stillFPS
		for cursor < len(timeline)-1 && t >= timeline[cursor].End {
			cursor++
		}
		v := lipsync.VisemeRest
		if cursor < len(timeline) && t >= timeline[cursor].Start && t < timeline[cursor].End {
			v = timeline[cursor].Viseme
		}
		jpg, ok := cache[v]
		if !ok {
			var err error
			if jpg, err = encodeJPEG(faceFrame(v)); err != nil {
				return nil, 0, err
			}
			cache[v] = jpg
		}
		frames[i] = jpg
	}
	return frames, scale, nil
}

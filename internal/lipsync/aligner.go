package lipsync

// timeEpsilon absorbs float noise when comparing supplied timings (seconds).
const timeEpsilon = 1e-6

// Phoneme is one input segment. Start and End (seconds) are optional; when every
// segment of a sequence carries End > Start the sequence is treated as
// pre-aligned. Weight overrides the intrinsic table weight in proportional mode.
type Phoneme struct {
	Symbol string  `json:"phoneme"`
	Start  float64 `json:"start,omitempty"`
	End    float64 `json:"end,omitempty"`
	Weight float64 `json:"weight,omitempty"`
}

// Frame is one mouth shape held over [Start, End) seconds.
type Frame struct {
	Viseme  Viseme  `json:"viseme"`
	Phoneme string  `json:"phoneme"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
}

// Duration of the frame in seconds.
func (f Frame) Duration() float64 { return f.End - f.Start }

// Align turns phonemes into contiguous viseme frames starting at 0.
//
// duration is the target total in seconds. A non-positive duration means the
// intrinsic weights are used unscaled as milliseconds (proportional mode) or the
// supplied timings define the total (pre-aligned mode).
func Align(phonemes []Phoneme, duration float64) []Frame {
	if len(phonemes) == 0 {
		if duration <= 0 {
			duration = DefaultDuration
		}
		return []Frame{{Viseme: VisemeRest, Phoneme: SilenceSymbol, Start: 0, End: duration}}
	}
	if preAligned(phonemes) {
		return alignTimed(phonemes, duration)
	}
	return alignProportional(phonemes, duration)
}

func preAligned(phonemes []Phoneme) bool {
	for _, p := range phonemes {
		if p.Start < 0 || p.End <= p.Start {
			return false
		}
	}
	return true
}

func alignProportional(phonemes []Phoneme, duration float64) []Frame {
	weights := make([]float64, len(phonemes))
	total := 0.0
	for i, p := range phonemes {
		w := p.Weight
		if w <= 0 {
			w = WeightFor(p.Symbol)
		}
		weights[i] = w
		total += w
	}

	scale := 0.001 // weights are milliseconds
	if duration > 0 {
		scale = duration / total
	}

	frames := make([]Frame, 0, len(phonemes))
	cursor := 0.0
	for i, p := range phonemes {
		start := cursor
		end := start + weights[i]*scale
		if i == len(phonemes)-1 && duration > 0 {
			end = duration
		}
		frames = append(frames, Frame{
			Viseme:  VisemeFor(p.Symbol),
			Phoneme: Normalize(p.Symbol),
			Start:   start,
			End:     end,
		})
		cursor = end
	}
	return frames
}

// alignTimed keeps supplied timings, filling gaps with rest frames, clamping
// overlaps to the running cursor and clipping to duration when one is given.
func alignTimed(phonemes []Phoneme, duration float64) []Frame {
	frames := make([]Frame, 0, len(phonemes)+2)
	cursor := 0.0
	for _, p := range phonemes {
		start := p.Start
		if start < cursor {
			start = cursor
		}
		end := p.End
		if duration > 0 {
			if start >= duration-timeEpsilon {
				break
			}
			if end > duration {
				end = duration
			}
		}
		if end-start <= timeEpsilon {
			continue
		}
		if start-cursor > timeEpsilon {
			frames = append(frames, restFrame(cursor, start))
		} else {
			start = cursor
		}
		frames = append(frames, Frame{
			Viseme:  VisemeFor(p.Symbol),
			Phoneme: Normalize(p.Symbol),
			Start:   start,
			End:     end,
		})
		cursor = end
	}

	if duration > 0 {
		switch {
		case duration-cursor > timeEpsilon:
			frames = append(frames, restFrame(cursor, duration))
		case len(frames) > 0:
			frames[len(frames)-1].End = duration
		}
	}
	if len(frames) == 0 {
		return Align(nil, duration)
	}
	return frames
}

func restFrame(start, end float64) Frame {
	return Frame{Viseme: VisemeRest, Phoneme: SilenceSymbol, Start: start, End: end}
}

// Compact merges neighbouring frames that share a viseme. Endpoints and
// contiguity are preserved.
func Compact(frames []Frame) []Frame {
	if len(frames) == 0 {
		return nil
	}
	out := make([]Frame, 0, len(frames))
	out = append(out, frames[0])
	for _, f := range frames[1:] {
		last := &out[len(out)-1]
		if f.Viseme == last.Viseme {
			last.End = f.End
			if last.Phoneme != f.Phoneme {
				last.Phoneme = last.Phoneme + "+" + f.Phoneme
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

// TotalDuration returns the end of the last frame.
func TotalDuration(frames []Frame) float64 {
	if len(frames) == 0 {
		return 0
	}
	return frames[len(frames)-1].End
}

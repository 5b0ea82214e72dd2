package lipsync

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tolerance = 1e-9

func requireContiguous(t *testing.T, frames []Frame, duration float64) {
	t.Helper()
	require.NotEmpty(t, frames)
	assert.InDelta(t, 0, frames[0].Start, tolerance, "first frame must start at 0")
	for i, f := range frames {
		assert.Greater(t, f.End, f.Start, "frame %d must have positive length", i)
		if i > 0 {
			assert.Equal(t, frames[i-1].End, f.Start, "frame %d must start where %d ends", i, i-1)
		}
	}
	assert.InDelta(t, duration, frames[len(frames)-1].End, 0.001, "last frame must end at duration")
}

func TestAlignEqualWeightsSplitEvenly(t *testing.T) {
	frames := Align([]Phoneme{{Symbol: "HH"}, {Symbol: "AH"}}, 1.0)

	require.Len(t, frames, 2)
	assert.InDelta(t, 0.5, frames[0].Duration(), tolerance)
	assert.InDelta(t, 0.5, frames[1].Duration(), tolerance)
	assert.Equal(t, VisemeAA, frames[0].Viseme)
	assert.Equal(t, VisemeAA, frames[1].Viseme)
	requireContiguous(t, frames, 1.0)
}

func TestAlignContiguityAcrossInputs(t *testing.T) {
	inputs := [][]Phoneme{
		{{Symbol: "SILENCE"}, {Symbol: "HH"}, {Symbol: "AH0"}, {Symbol: "L"}, {Symbol: "OW1"}, {Symbol: "SILENCE"}},
		{{Symbol: "T"}},
		{{Symbol: "K"}, {Symbol: "AE"}, {Symbol: "N"}, {Symbol: "D"}, {Symbol: "IH"}, {Symbol: "D"}, {Symbol: "EY"}, {Symbol: "T"}},
		{{Symbol: "XX"}, {Symbol: "??"}, {Symbol: "sil"}},
	}
	durations := []float64{0.3, 1.0, 2.75, 13.1}

	for _, in := range inputs {
		for _, d := range durations {
			requireContiguous(t, Align(in, d), d)
		}
	}
}

func TestAlignDoublingDurationDoublesEveryFrame(t *testing.T) {
	in := []Phoneme{{Symbol: "IH"}, {Symbol: "N"}, {Symbol: "T"}, {Symbol: "ER"}, {Symbol: "V"}, {Symbol: "Y"}, {Symbol: "UW"}}
	single := Align(in, 1.2)
	double := Align(in, 2.4)

	require.Len(t, double, len(single))
	for i := range single {
		assert.InDelta(t, 2*single[i].Duration(), double[i].Duration(), tolerance, "frame %d", i)
	}
}

func TestAlignUsesWeightsAsMillisecondsWithoutDuration(t *testing.T) {
	for _, d := range []float64{0, -3} {
		frames := Align([]Phoneme{{Symbol: "AA"}, {Symbol: "T"}, {Symbol: "SILENCE"}}, d)
		require.Len(t, frames, 3)
		assert.InDelta(t, 0.080, frames[0].Duration(), tolerance)
		assert.InDelta(t, 0.050, frames[1].Duration(), tolerance)
		assert.InDelta(t, 0.100, frames[2].Duration(), tolerance)
		requireContiguous(t, frames, 0.230)
	}
}

func TestAlignWeightOverride(t *testing.T) {
	frames := Align([]Phoneme{{Symbol: "AA", Weight: 3}, {Symbol: "T", Weight: 1}}, 2.0)
	require.Len(t, frames, 2)
	assert.InDelta(t, 1.5, frames[0].Duration(), tolerance)
	assert.InDelta(t, 0.5, frames[1].Duration(), tolerance)
}

func TestAlignEmptyInput(t *testing.T) {
	frames := Align(nil, 2.5)
	require.Len(t, frames, 1)
	assert.Equal(t, VisemeRest, frames[0].Viseme)
	assert.Equal(t, 2.5, frames[0].End)

	frames = Align([]Phoneme{}, 0)
	require.Len(t, frames, 1)
	assert.Equal(t, DefaultDuration, frames[0].End)
}

func TestAlignUnknownSymbolsRest(t *testing.T) {
	frames := Align([]Phoneme{{Symbol: "QQQ"}, {Symbol: "ʔ"}, {Symbol: ""}}, 1)
	for _, f := range frames {
		assert.Equal(t, VisemeRest, f.Viseme)
	}
	assert.False(t, Known("QQQ"))
	assert.Equal(t, DefaultWeight, WeightFor("QQQ"))
}

func TestAlignPreAlignedPassesThrough(t *testing.T) {
	in := []Phoneme{
		{Symbol: "HH", Start: 0, End: 0.12},
		{Symbol: "AH", Start: 0.12, End: 0.3},
		{Symbol: "L", Start: 0.3, End: 0.41},
	}
	frames := Align(in, 0)

	require.Len(t, frames, 3)
	for i, f := range frames {
		assert.Equal(t, in[i].Start, f.Start)
		assert.Equal(t, in[i].End, f.End)
	}
	assert.Equal(t, VisemeNN, frames[2].Viseme)
}

func TestAlignPreAlignedFillsGapsAndClips(t *testing.T) {
	in := []Phoneme{
		{Symbol: "M", Start: 0.1, End: 0.2},
		{Symbol: "AA", Start: 0.15, End: 0.5}, // overlaps previous
		{Symbol: "P", Start: 0.7, End: 0.9},   // gap before
		{Symbol: "S", Start: 1.1, End: 1.4},   // beyond duration
	}
	frames := Align(in, 1.0)

	requireContiguous(t, frames, 1.0)
	visemes := make([]Viseme, 0, len(frames))
	for _, f := range frames {
		visemes = append(visemes, f.Viseme)
	}
	assert.Equal(t, []Viseme{VisemeRest, VisemePP, VisemeAA, VisemeRest, VisemePP, VisemeRest}, visemes)
	assert.Equal(t, 0.2, frames[2].Start)
}

func TestAlignMixedTimingFallsBackToProportional(t *testing.T) {
	frames := Align([]Phoneme{{Symbol: "AA", Start: 0, End: 5}, {Symbol: "T"}}, 1.3)
	requireContiguous(t, frames, 1.3)
	assert.InDelta(t, 1.3*80.0/130.0, frames[0].Duration(), tolerance)
}

func TestCompactMergesRuns(t *testing.T) {
	frames := Align([]Phoneme{{Symbol: "P"}, {Symbol: "B"}, {Symbol: "AA"}, {Symbol: "M"}}, 1)
	compact := Compact(frames)

	require.Len(t, compact, 3)
	assert.Equal(t, "P+B", compact[0].Phoneme)
	requireContiguous(t, compact, 1)
	assert.Nil(t, Compact(nil))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "AH", Normalize(" ah0 "))
	assert.Equal(t, "IY", Normalize("IY1"))
	assert.Equal(t, SilenceSymbol, Normalize("sp"))
	assert.Equal(t, SilenceSymbol, Normalize(""))
}

func TestTableShape(t *testing.T) {
	assert.GreaterOrEqual(t, len(Phonemes()), 35)
	assert.Len(t, Visemes(), 15)
	assert.Equal(t, VisemeRest, VisemeFor(SilenceSymbol))
	// fricatives collapse onto shared shapes
	assert.Equal(t, VisemeFor("SH"), VisemeFor("ZH"))
	assert.Equal(t, VisemeFor("F"), VisemeFor("V"))
}

func TestTotalDuration(t *testing.T) {
	assert.Equal(t, 0.0, TotalDuration(nil))
	frames := Align([]Phoneme{{Symbol: "AA"}}, math.Pi)
	assert.Equal(t, math.Pi, TotalDuration(frames))
}

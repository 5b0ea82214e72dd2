// Package lipsync converts phoneme sequences into contiguous viseme frames for
// avatar mouth animation.
//
// Viseme labels follow the 15-shape Oculus set used by browser talking-head
// renderers, with silence spelled "rest".
package lipsync

import (
	"sort"
	"strings"
)

// Viseme is a mouth-shape label.
type Viseme string

const (
	VisemeRest Viseme = "rest" // silence, closed relaxed mouth
	VisemePP   Viseme = "PP"   // p, b, m
	VisemeFF   Viseme = "FF"   // f, v
	VisemeTH   Viseme = "TH"   // th (dental)
	VisemeDD   Viseme = "DD"   // t, d
	VisemeKK   Viseme = "kk"   // k, g, ng
	VisemeCH   Viseme = "CH"   // ch, j, sh, zh
	VisemeSS   Viseme = "SS"   // s, z
	VisemeNN   Viseme = "nn"   // n, l
	VisemeRR   Viseme = "RR"   // r, er
	VisemeAA   Viseme = "aa"   // father, cat, hat
	VisemeE    Viseme = "E"    // bed, bait
	VisemeI    Viseme = "I"    // sit, see, yes
	VisemeO    Viseme = "O"    // go, law, boy
	VisemeU    Viseme = "U"    // boot, book, we
)

// SilenceSymbol is the sentinel phoneme for pauses.
const SilenceSymbol = "SILENCE"

const (
	// DefaultWeight is used for symbols missing from the table.
	DefaultWeight = 60.0
	// DefaultDuration (seconds) spans the single rest frame of an empty input
	// when no target duration is given.
	DefaultDuration = 0.1
)

type phonemeInfo struct {
	viseme Viseme
	weight float64 // typical duration in milliseconds
}

// ARPAbet symbols without stress digits.
var phonemeTable = map[string]phonemeInfo{
	// Vowels
	"AA": {VisemeAA, 80}, "AE": {VisemeAA, 80}, "AH": {VisemeAA, 80},
	"AO": {VisemeO, 80}, "AW": {VisemeAA, 80}, "AY": {VisemeAA, 80},
	"EH": {VisemeE, 80}, "ER": {VisemeRR, 80}, "EY": {VisemeE, 80},
	"IH": {VisemeI, 80}, "IY": {VisemeI, 80},
	"OW": {VisemeO, 80}, "OY": {VisemeO, 80},
	"UH": {VisemeU, 80}, "UW": {VisemeU, 80},

	// Bilabials
	"B": {VisemePP, 50}, "P": {VisemePP, 50}, "M": {VisemePP, 60},

	// Labiodentals
	"F": {VisemeFF, 70}, "V": {VisemeFF, 70},

	// Dentals
	"TH": {VisemeTH, 70}, "DH": {VisemeTH, 70},

	// Alveolars
	"T": {VisemeDD, 50}, "D": {VisemeDD, 50},
	"S": {VisemeSS, 70}, "Z": {VisemeSS, 70},
	"N": {VisemeNN, 60}, "L": {VisemeNN, 60},
	"R": {VisemeRR, 60},

	// Postalveolars
	"CH": {VisemeCH, 60}, "JH": {VisemeCH, 60},
	"SH": {VisemeCH, 70}, "ZH": {VisemeCH, 70},

	// Velars
	"K": {VisemeKK, 50}, "G": {VisemeKK, 50}, "NG": {VisemeKK, 60},

	// Glides
	"W": {VisemeU, 55}, "Y": {VisemeI, 55},

	// Glottal: the mouth already takes the shape of the following vowel.
	"HH": {VisemeAA, 80},

	SilenceSymbol: {VisemeRest, 100},
}

var silenceAliases = map[string]struct{}{
	"":      {},
	"SIL":   {},
	"SP":    {},
	"PAU":   {},
	"SPN":   {},
	"SPACE": {},
}

// Normalize upper-cases a symbol, strips ARPAbet stress digits and folds
// silence aliases onto SilenceSymbol.
func Normalize(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	s = strings.TrimRight(s, "012")
	if _, ok := silenceAliases[s]; ok {
		return SilenceSymbol
	}
	return s
}

// VisemeFor maps a phoneme symbol to its mouth shape. Unknown symbols map to rest.
func VisemeFor(symbol string) Viseme {
	if info, ok := phonemeTable[Normalize(symbol)]; ok {
		return info.viseme
	}
	return VisemeRest
}

// WeightFor returns the intrinsic relative weight (typical milliseconds) of a symbol.
func WeightFor(symbol string) float64 {
	if info, ok := phonemeTable[Normalize(symbol)]; ok {
		return info.weight
	}
	return DefaultWeight
}

// Known reports whether a symbol is in the lookup table.
func Known(symbol string) bool {
	_, ok := phonemeTable[Normalize(symbol)]
	return ok
}

// Phonemes lists every symbol in the lookup table, sorted.
func Phonemes() []string {
	out := make([]string, 0, len(phonemeTable))
	for sym := range phonemeTable {
		out = append(out, sym)
	}
	sort.Strings(out)
	return out
}

// Visemes lists the distinct mouth shapes reachable from the table, sorted.
func Visemes() []Viseme {
	seen := make(map[Viseme]struct{})
	for _, info := range phonemeTable {
		seen[info.viseme] = struct{}{}
	}
	out := make([]Viseme, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

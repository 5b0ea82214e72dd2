package lipsync

import (
	"strings"
	"unicode"
)

// Grapheme approximations used when only text is available.
var digraphPhonemes = map[string][]string{
	"th": {"TH"},
	"ch": {"CH"},
	"sh": {"SH"},
	"ng": {"NG"},
	"ph": {"F"},
	"ck": {"K"},
	"wh": {"W"},
	"ee": {"IY"},
	"oo": {"UW"},
	"ou": {"AW"},
	"ai": {"EY"},
	"ay": {"EY"},
	"oa": {"OW"},
	"oi": {"OY"},
	"oy": {"OY"},
}

var letterPhonemes = map[rune][]string{
	'a': {"AE"}, 'b': {"B"}, 'c': {"K"}, 'd': {"D"}, 'e': {"EH"},
	'f': {"F"}, 'g': {"G"}, 'h': {"HH"}, 'i': {"IH"}, 'j': {"JH"},
	'k': {"K"}, 'l': {"L"}, 'm': {"M"}, 'n': {"N"}, 'o': {"AO"},
	'p': {"P"}, 'q': {"K"}, 'r': {"R"}, 's': {"S"}, 't': {"T"},
	'u': {"AH"}, 'v': {"V"}, 'w': {"W"}, 'x': {"K", "S"}, 'y': {"Y"},
	'z': {"Z"},
}

// PhonemesFromText produces a rough phoneme sequence from spelling. Word and
// clause boundaries become a single SILENCE; leading and trailing silence is
// dropped. Repeated identical phonemes (double letters) collapse to one.
func PhonemesFromText(text string) []Phoneme {
	lower := []rune(strings.ToLower(text))
	out := make([]Phoneme, 0, len(lower))

	push := func(sym string) {
		if n := len(out); n > 0 && out[n-1].Symbol == sym {
			return
		}
		if sym == SilenceSymbol && len(out) == 0 {
			return
		}
		out = append(out, Phoneme{Symbol: sym})
	}

	for i := 0; i < len(lower); i++ {
		r := lower[i]
		if !unicode.IsLetter(r) {
			if unicode.IsSpace(r) || unicode.IsPunct(r) {
				push(SilenceSymbol)
			}
			continue
		}
		if i+1 < len(lower) {
			if syms, ok := digraphPhonemes[string(lower[i:i+2])]; ok {
				for _, s := range syms {
					push(s)
				}
				i++
				continue
			}
		}
		syms, ok := letterPhonemes[r]
		if !ok {
			continue
		}
		for _, s := range syms {
			push(s)
		}
	}

	for len(out) > 0 && out[len(out)-1].Symbol == SilenceSymbol {
		out = out[:len(out)-1]
	}
	return out
}

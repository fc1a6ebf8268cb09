// Package txt holds the text heuristics shared by the translation and
// refinement pipelines: a completeness check for transcript turns,
// normalization for fingerprinting, and Jaccard similarity.
package txt

import (
	"strings"
	"unicode"
)

// fillerWords are dropped during normalization. They cover common hesitation
// sounds plus high-frequency Spanish/English function words that vary freely
// between near-identical turns.
var fillerWords = map[string]struct{}{
	"oh": {}, "um": {}, "ah": {}, "eh": {}, "er": {}, "uh": {},
	"hmm": {}, "mm": {}, "wait": {}, "espera": {},
	"obtener": {}, "recibiendo": {}, "viendo": {},
	"traduccion": {}, "traduction": {}, "ingles": {}, "inglés": {},
	"english": {}, "spanish": {}, "español": {},
	"al": {}, "la": {}, "el": {}, "los": {}, "las": {}, "un": {}, "una": {},
	"de": {}, "del": {}, "y": {}, "o": {}, "pero": {}, "porque": {},
	"que": {}, "como": {}, "cuando": {}, "donde": {},
}

// closingWords mark phrase endings that are complete even without terminal
// punctuation, tuned for liturgical speech.
var closingWords = []string{
	"amén", "jesús", "cristo", "espíritu", "santo", "padre",
}

// IsCompleteEnough reports whether a transcript turn looks like a finished
// thought worth translating, as opposed to a fragment the recognizer will
// revise on the next turn.
func IsCompleteEnough(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}

	if len([]rune(text)) < 5 {
		return false
	}

	switch text[len(text)-1] {
	case '.', '!', '?', ':':
		return true
	}

	lower := strings.ToLower(text)
	for _, ending := range closingWords {
		if strings.HasSuffix(lower, ending) {
			return true
		}
	}

	if len(strings.Fields(text)) >= 3 && len([]rune(text)) >= 15 {
		return true
	}

	return false
}

// Normalize lowercases, strips punctuation, collapses whitespace, and drops
// filler words and tokens of two characters or fewer. The result is a
// fingerprint suitable for deduplication and cache keys, not display.
func Normalize(text string) string {
	if text == "" {
		return ""
	}

	lower := strings.ToLower(text)
	stripped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || unicode.IsSpace(r) || r == '_' {
			return r
		}
		return -1
	}, lower)

	words := strings.Fields(stripped)
	kept := words[:0]
	for _, w := range words {
		if _, filler := fillerWords[w]; filler {
			continue
		}
		if len([]rune(w)) <= 2 {
			continue
		}
		kept = append(kept, w)
	}

	return strings.Join(kept, " ")
}

// Similarity computes Jaccard similarity over the normalized token sets of
// two strings. Identical inputs score 1.0; if either side normalizes to
// nothing, the score is 0.0.
func Similarity(a, b string) float64 {
	setA := tokenSet(Normalize(a))
	setB := tokenSet(Normalize(b))
	if len(setA) == 0 || len(setB) == 0 {
		return 0.0
	}
	if a == b {
		return 1.0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0.0
	}

	return float64(intersection) / float64(union)
}

func tokenSet(s string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		set[w] = struct{}{}
	}
	return set
}

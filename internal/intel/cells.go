package intel

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// maxLocalTokens caps the utterance length the local pass will touch.
	// Move commands are short ("take the center"); anything longer is
	// conversational speech where near-homophones ("there" vs "three")
	// produce false positives, so it goes to the LLM classifier instead.
	maxLocalTokens = 4
)

// cellPhrase maps a spoken board-location phrase to its position.
type cellPhrase struct {
	phrase string
	pos    int
}

// cellLexicon covers digits, number words, and the common grid phrases.
// Multi-word phrases win ties against single-word ones so "middle left"
// resolves to 3, not to the bare "middle" center cell.
var cellLexicon = []cellPhrase{
	{"zero", 0}, {"top left", 0},
	{"one", 1}, {"top middle", 1}, {"top center", 1},
	{"two", 2}, {"top right", 2},
	{"three", 3}, {"middle left", 3},
	{"four", 4}, {"center", 4}, {"centre", 4}, {"middle", 4}, {"center square", 4},
	{"five", 5}, {"middle right", 5},
	{"six", 6}, {"bottom left", 6},
	{"seven", 7}, {"bottom middle", 7}, {"bottom center", 7},
	{"eight", 8}, {"bottom right", 8},
}

// stopwords are never matched as single-token windows; near-homophones like
// "on"/"one" and "the"/"three" would otherwise score above threshold.
var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "at": {}, "i": {}, "in": {}, "is": {},
	"it": {}, "me": {}, "my": {}, "of": {}, "on": {}, "or": {}, "the": {},
	"to": {},
}

// CellMatcher resolves board-location phrases in free speech to a position,
// tolerating transcription mangling ("sinter square", "for") via Double
// Metaphone code overlap ranked by Jaro-Winkler similarity.
//
// A CellMatcher is read-only after construction and safe for concurrent use.
type CellMatcher struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// NewCellMatcher returns a matcher with the default thresholds: 0.70 for
// phonetically-overlapping candidates, 0.85 for pure string similarity.
func NewCellMatcher() *CellMatcher {
	return &CellMatcher{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
}

// Match scans text for the best-matching cell phrase. It reports the matched
// position and true, or 0 and false when nothing in the text names a cell.
func (m *CellMatcher) Match(text string) (int, bool) {
	tokens := strings.Fields(strings.ToLower(strings.TrimSpace(text)))
	if len(tokens) == 0 || len(tokens) > maxLocalTokens {
		return 0, false
	}

	// Bare digits resolve directly.
	for _, tok := range tokens {
		tok = strings.Trim(tok, ".,!?")
		if len(tok) == 1 && tok[0] >= '0' && tok[0] <= '8' {
			return int(tok[0] - '0'), true
		}
	}

	type candidate struct {
		pos      int
		score    float64
		nTokens  int
		phonetic bool
	}
	var best candidate
	found := false

	for _, entry := range cellLexicon {
		phraseTokens := strings.Fields(entry.phrase)
		n := len(phraseTokens)
		if n > len(tokens) {
			continue
		}
		phraseCodes := codesForTokens(phraseTokens)

		// Slide a window of the phrase's length over the utterance.
		for i := 0; i+n <= len(tokens); i++ {
			window := tokens[i : i+n]
			if n == 1 {
				if _, skip := stopwords[strings.Trim(window[0], ".,!?")]; skip {
					continue
				}
			}
			windowCodes := codesForTokens(window)
			phonetic := codesOverlap(windowCodes, phraseCodes)
			score := bestJWScore(window, phraseTokens)

			threshold := m.fuzzyThreshold
			if phonetic {
				threshold = m.phoneticThreshold
			}
			if score < threshold {
				continue
			}

			c := candidate{pos: entry.pos, score: score, nTokens: n, phonetic: phonetic}
			if !found || c.score > best.score || (c.score == best.score && c.nTokens > best.nTokens) {
				best = c
				found = true
			}
		}
	}

	if !found {
		return 0, false
	}
	return best.pos, true
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		t = strings.Trim(t, ".,!?")
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the Jaro-Winkler similarity between the window and
// the phrase: full strings, space-stripped concatenation, and the mean of
// each phrase token's best pairwise score. The mean (not the max) keeps a
// single shared token from declaring a multi-word phrase matched.
func bestJWScore(window, phraseTokens []string) float64 {
	windowFull := strings.Join(window, " ")
	phraseFull := strings.Join(phraseTokens, " ")
	score := matchr.JaroWinkler(windowFull, phraseFull, false)

	if len(window) > 1 || len(phraseTokens) > 1 {
		if s := matchr.JaroWinkler(strings.Join(window, ""), strings.Join(phraseTokens, ""), false); s > score {
			score = s
		}
	}

	var sum float64
	for _, pt := range phraseTokens {
		var best float64
		for _, wt := range window {
			if s := matchr.JaroWinkler(wt, pt, false); s > best {
				best = s
			}
		}
		sum += best
	}
	if s := sum / float64(len(phraseTokens)); s > score {
		score = s
	}
	return score
}

package assess

import (
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/tandemly/voicerelay/internal/protocol"
)

// Issue labels attached to low-scoring words.
const (
	issueMissing       = "missing"
	issueMispronounced = "mispronounced"
)

const gapPenalty = -0.4

// fillers are disfluency tokens that depress the fluency score.
var fillers = map[string]bool{
	"um": true, "uh": true, "er": true, "ah": true, "hmm": true, "mhm": true,
}

// alignWords scores each expected word against the recognized utterance
// using global sequence alignment. Match strength blends string similarity
// with phonetic equality, so "their"/"there" scores high while
// "through"/"true" is flagged.
func alignWords(expected, recognized []string) []protocol.WordScore {
	if len(expected) == 0 {
		return nil
	}

	n, m := len(expected), len(recognized)

	// score[i][j] is the best alignment value of expected[:i] vs recognized[:j].
	score := make([][]float64, n+1)
	for i := range score {
		score[i] = make([]float64, m+1)
	}
	for i := 1; i <= n; i++ {
		score[i][0] = float64(i) * gapPenalty
	}
	for j := 1; j <= m; j++ {
		score[0][j] = float64(j) * gapPenalty
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			match := score[i-1][j-1] + wordSimilarity(expected[i-1], recognized[j-1])
			del := score[i-1][j] + gapPenalty
			ins := score[i][j-1] + gapPenalty
			score[i][j] = max3(match, del, ins)
		}
	}

	// Trace back, collecting the recognized word (or gap) paired with each
	// expected word.
	out := make([]protocol.WordScore, n)
	i, j := n, m
	for i > 0 {
		switch {
		case j > 0 && score[i][j] == score[i-1][j-1]+wordSimilarity(expected[i-1], recognized[j-1]):
			out[i-1] = scoreWord(expected[i-1], recognized[j-1])
			i--
			j--
		case score[i][j] == score[i-1][j]+gapPenalty:
			out[i-1] = protocol.WordScore{Word: expected[i-1], Score: 0, Issue: issueMissing}
			i--
		default:
			j--
		}
	}
	return out
}

// scoreWord rates one expected word against its aligned recognized word.
func scoreWord(expected, recognized string) protocol.WordScore {
	sim := wordSimilarity(expected, recognized)
	ws := protocol.WordScore{Word: expected, Score: sim}
	if sim < 0.8 && !soundsAlike(expected, recognized) {
		ws.Issue = issueMispronounced
	}
	return ws
}

// wordSimilarity blends Jaro-Winkler string distance with Double Metaphone
// phonetic equality. Homophones score at least 0.85.
func wordSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	sim := matchr.JaroWinkler(a, b, false)
	if soundsAlike(a, b) && sim < 0.85 {
		sim = 0.85
	}
	return sim
}

// soundsAlike reports whether two words share a Double Metaphone encoding.
func soundsAlike(a, b string) bool {
	ap, as := matchr.DoubleMetaphone(a)
	bp, bs := matchr.DoubleMetaphone(b)
	if ap == "" || bp == "" {
		return false
	}
	return ap == bp || (as != "" && as == bs)
}

// tokenize lower-cases text and strips everything but letters, digits and
// intra-word apostrophes.
func tokenize(text string) []string {
	var words []string
	for _, raw := range strings.Fields(strings.ToLower(text)) {
		w := strings.TrimFunc(raw, func(r rune) bool {
			return !isWordRune(r)
		})
		w = strings.Map(func(r rune) rune {
			if isWordRune(r) || r == '\'' {
				return r
			}
			return -1
		}, w)
		if w != "" {
			words = append(words, w)
		}
	}
	return words
}

func isWordRune(r rune) bool {
	return r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'' ||
		r >= 0x00C0 // keep accented letters intact
}

// fluency estimates speaking flow from coverage of the expected words and
// the disfluency rate in the recognized utterance.
func fluency(words []protocol.WordScore, recognized []string) float64 {
	if len(words) == 0 {
		return 0
	}
	matched := 0
	for _, w := range words {
		if w.Score > 0 {
			matched++
		}
	}
	coverage := float64(matched) / float64(len(words))

	fillerCount := 0
	for _, w := range recognized {
		if fillers[w] {
			fillerCount++
		}
	}
	fillerRate := 0.0
	if len(recognized) > 0 {
		fillerRate = float64(fillerCount) / float64(len(recognized))
	}

	f := coverage * (1 - fillerRate)
	if f < 0 {
		return 0
	}
	return f
}

// overall is the mean word score.
func overall(words []protocol.WordScore) float64 {
	if len(words) == 0 {
		return 0
	}
	var total float64
	for _, w := range words {
		total += w.Score
	}
	return total / float64(len(words))
}

func max3(a, b, c float64) float64 {
	m := a
	if b > m {
		m = b
	}
	if c > m {
		m = c
	}
	return m
}

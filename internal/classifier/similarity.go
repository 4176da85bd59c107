package classifier

import "strings"

// Similarity scores the word overlap of two texts after normalization, in
// [0, 1]. It is the larger of the Dice coefficient over the word sets and
// the share of a's words that also appear in b, so a recognizer that
// clips part of an echoed sentence still scores high.
func Similarity(a, b string) float64 {
	wa := wordSet(Normalize(a))
	wb := wordSet(Normalize(b))
	if len(wa) == 0 || len(wb) == 0 {
		return 0
	}

	shared := 0
	for w := range wa {
		if _, ok := wb[w]; ok {
			shared++
		}
	}

	dice := 2 * float64(shared) / float64(len(wa)+len(wb))
	containment := float64(shared) / float64(len(wa))
	if containment > dice {
		return containment
	}
	return dice
}

func wordSet(normalized string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(normalized) {
		set[w] = struct{}{}
	}
	return set
}

// isPrefixExtension reports whether one normalized text continues the other
// and returns the size of the difference.
func isPrefixExtension(prev, next string) (ok bool, deltaWords, deltaChars int) {
	p, n := Normalize(prev), Normalize(next)
	if p == "" || n == "" {
		return false, 0, 0
	}
	short, long := p, n
	if len(short) > len(long) {
		short, long = long, short
	}
	if long != short && !strings.HasPrefix(long, short+" ") {
		return false, 0, 0
	}
	rest := strings.TrimSpace(strings.TrimPrefix(long, short))
	return true, len(strings.Fields(rest)), CharCount(rest)
}

package admission

import (
	"strings"
	"unicode"
)

var stopWords = map[string]struct{}{
	"a": {}, "an": {}, "the": {}, "about": {}, "for": {}, "to": {}, "of": {}, "on": {}, "in": {},
	"at": {}, "and": {}, "or": {}, "with": {}, "your": {}, "my": {}, "me": {}, "is": {}, "are": {},
	"be": {}, "this": {}, "that": {}, "it": {}, "from": {}, "by": {}, "you": {},
}

var suffixes = []string{"ings", "ing", "ers", "er", "ed", "es", "s"}

// Normalize lowercases s, turns punctuation into spaces and collapses whitespace.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func stem(w string) string {
	for _, suf := range suffixes {
		if strings.HasSuffix(w, suf) && len(w)-len(suf) >= 4 {
			return w[:len(w)-len(suf)]
		}
	}
	return w
}

// Tokens returns the stemmed content words of s as a set.
// Stop-words are dropped and suffixes stemmed on purpose: without both,
// "Remind about dentist appointment" and "Reminder: dentist appointment tomorrow"
// stay at or below the 0.6 Jaccard threshold and the duplicate slips through.
func Tokens(s string) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.Fields(Normalize(s)) {
		if _, stop := stopWords[w]; stop {
			continue
		}
		out[stem(w)] = struct{}{}
	}
	return out
}

// Jaccard is |a∩b| / |a∪b|; two empty sets score 0.
func Jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if _, ok := b[w]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similar reports whether two titles describe the same action: equal or nested after
// normalization, or token Jaccard above threshold.
func Similar(a, b string, threshold float64) bool {
	na, nb := Normalize(a), Normalize(b)
	if na == "" || nb == "" {
		return false
	}
	if na == nb || strings.Contains(na, nb) || strings.Contains(nb, na) {
		return true
	}
	return Jaccard(Tokens(a), Tokens(b)) > threshold
}

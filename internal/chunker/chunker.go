// Package chunker splits synthesis text into bounded segments along
// sentence, clause and word boundaries.
package chunker

import (
	"strings"
	"unicode/utf8"
)

const (
	sentenceEnds = ".!?"
	clauseEnds   = ",;:-—"
	// closers may trail a terminator, as in `"Stop!"` or `(see above.)`
	closers = `"')]»”’`
)

// Split returns the ordered segments of text, none longer than maxChars
// runes unless a single word is longer. Segments are built from whole
// whitespace-delimited words, so joining them with single spaces yields the
// words of text in order. Text that already fits is returned unchanged as
// the only segment; blank text yields nil. A non-positive maxChars disables
// splitting.
func Split(text string, maxChars int) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	if maxChars <= 0 || runeLen(text) <= maxChars {
		return []string{text}
	}

	var units []string
	for _, sentence := range splitAt(strings.Fields(text), sentenceEnds) {
		joined := strings.Join(sentence, " ")
		if runeLen(joined) <= maxChars {
			units = append(units, joined)
			continue
		}
		for _, clause := range splitAt(sentence, clauseEnds) {
			joined := strings.Join(clause, " ")
			if runeLen(joined) <= maxChars {
				units = append(units, joined)
				continue
			}
			units = append(units, clause...)
		}
	}
	return pack(units, maxChars)
}

// splitAt groups words into runs, closing a run after any word whose last
// significant rune is in terminators.
func splitAt(words []string, terminators string) [][]string {
	var groups [][]string
	start := 0
	for i, w := range words {
		if endsWithAny(w, terminators) {
			groups = append(groups, words[start:i+1])
			start = i + 1
		}
	}
	if start < len(words) {
		groups = append(groups, words[start:])
	}
	return groups
}

// pack greedily joins consecutive units while the result stays within limit.
func pack(units []string, limit int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0
	for _, u := range units {
		l := runeLen(u)
		if curLen > 0 && curLen+1+l <= limit {
			cur.WriteByte(' ')
			cur.WriteString(u)
			curLen += 1 + l
			continue
		}
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
		cur.WriteString(u)
		curLen = l
	}
	if curLen > 0 {
		out = append(out, cur.String())
	}
	return out
}

func endsWithAny(word, set string) bool {
	trimmed := strings.TrimRight(word, closers)
	if trimmed == "" {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(trimmed)
	return strings.ContainsRune(set, r)
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }

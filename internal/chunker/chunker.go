// Package chunker splits story text into provider-sized pieces along
// sentence boundaries.
package chunker

import (
	"iter"
	"strings"
	"unicode"
	"unicode/utf8"
)

// DefaultMaxChars is the chunk budget used for voice-cloning providers.
const DefaultMaxChars = 250

// Chunks returns a lazy sequence of chunks of text, none longer than maxChars
// characters unless a single sentence alone exceeds the budget, in which case
// that sentence is yielded as its own chunk. A maxChars <= 0 disables the budget.
func Chunks(text string, maxChars int) iter.Seq[string] {
	return func(yield func(string) bool) {
		var current strings.Builder
		currentLen := 0

		for sentence := range sentences(text) {
			sentenceLen := utf8.RuneCountInString(sentence)
			// +1 for the joining space
			if maxChars > 0 && currentLen > 0 && currentLen+1+sentenceLen > maxChars {
				if !yield(strings.TrimSpace(current.String())) {
					return
				}
				current.Reset()
				current.WriteString(sentence)
				currentLen = sentenceLen
				continue
			}
			if currentLen > 0 {
				current.WriteByte(' ')
				currentLen++
			}
			current.WriteString(sentence)
			currentLen += sentenceLen
		}

		if last := strings.TrimSpace(current.String()); last != "" {
			yield(last)
		}
	}
}

// Split collects Chunks into a slice. It returns nil for blank input.
func Split(text string, maxChars int) []string {
	var out []string
	for c := range Chunks(text, maxChars) {
		out = append(out, c)
	}
	return out
}

// Normalize joins the sentences of text with single spaces. Joining the
// output of Split with single spaces yields Normalize(text).
func Normalize(text string) string {
	var parts []string
	for s := range sentences(text) {
		parts = append(parts, s)
	}
	return strings.TrimSpace(strings.Join(parts, " "))
}

// sentences yields the sentences of text. A sentence ends at '.', '!' or '?'
// followed by whitespace; the punctuation stays with the sentence and the
// whitespace run is dropped. Leading and trailing whitespace is ignored.
func sentences(text string) iter.Seq[string] {
	return func(yield func(string) bool) {
		text = strings.TrimSpace(text)
		start := 0
		for i := 0; i < len(text); {
			r, size := utf8.DecodeRuneInString(text[i:])
			if r != '.' && r != '!' && r != '?' {
				i += size
				continue
			}
			end := i + size
			j := end
			for j < len(text) {
				ws, wsSize := utf8.DecodeRuneInString(text[j:])
				if !unicode.IsSpace(ws) {
					break
				}
				j += wsSize
			}
			if j == end {
				i = end
				continue
			}
			if !yield(text[start:end]) {
				return
			}
			start = j
			i = j
		}
		if start < len(text) {
			yield(text[start:])
		}
	}
}

package progress

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const defaultClosingThreshold = 0.9

// DefaultClosingPhrases are the "anything else to add" prompts that the
// question service tends to mark as final while still expecting an answer.
var DefaultClosingPhrases = []string{
	"anything else you would like to add",
	"anything else you'd like to add",
	"anything else to add",
	"is there anything else",
	"anything we haven't covered",
	"anything else you would like to share",
}

// ClosingMatcher recognises open "anything else to add" prompts. A prompt
// matches when it contains one of the phrases after normalisation, or when a
// window of the prompt's words of the same length as a phrase reaches the
// Jaro-Winkler threshold.
//
// The matcher is read-only after construction and safe for concurrent use.
type ClosingMatcher struct {
	phrases   [][]string
	threshold float64
}

// NewClosingMatcher returns a matcher for phrases. Empty phrases fall back
// to [DefaultClosingPhrases]; a non-positive threshold uses 0.9.
func NewClosingMatcher(phrases []string, threshold float64) *ClosingMatcher {
	if len(phrases) == 0 {
		phrases = DefaultClosingPhrases
	}
	if threshold <= 0 {
		threshold = defaultClosingThreshold
	}
	m := &ClosingMatcher{threshold: threshold}
	for _, p := range phrases {
		if toks := tokenize(p); len(toks) > 0 {
			m.phrases = append(m.phrases, toks)
		}
	}
	return m
}

// Matches reports whether prompt reads like an open "anything else" question.
func (m *ClosingMatcher) Matches(prompt string) bool {
	toks := tokenize(prompt)
	if len(toks) == 0 {
		return false
	}
	full := " " + strings.Join(toks, " ") + " "
	for _, phrase := range m.phrases {
		joined := strings.Join(phrase, " ")
		if strings.Contains(full, " "+joined+" ") {
			return true
		}
		if len(phrase) > len(toks) {
			continue
		}
		for i := 0; i+len(phrase) <= len(toks); i++ {
			window := strings.Join(toks[i:i+len(phrase)], " ")
			if matchr.JaroWinkler(window, joined, false) >= m.threshold {
				return true
			}
		}
	}
	return false
}

// tokenize lower-cases s and splits it into words, keeping apostrophes so
// that contractions stay intact.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\'' && r != '’'
	})
}

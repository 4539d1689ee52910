package speaker

import (
	"strings"
	"time"
	"unicode"
)

// PauseAfter returns the silence inserted after a spoken chunk, scaled by
// its terminal punctuation.
func PauseAfter(chunk string) time.Duration {
	switch lastPunct(chunk) {
	case '?':
		return 260 * time.Millisecond
	case '!':
		return 220 * time.Millisecond
	case '.':
		return 180 * time.Millisecond
	case ';', ':':
		return 150 * time.Millisecond
	case ',':
		return 100 * time.Millisecond
	default:
		return 140 * time.Millisecond
	}
}

// SplitSentences splits text after sentence punctuation (. ! ? ; :) that is
// followed by whitespace. Sentences still longer than maxLen are split
// further at commas. Empty pieces are dropped.
func SplitSentences(text string, maxLen int) []string {
	var out []string
	for _, s := range splitAfter(text, ".!?;:") {
		if maxLen > 0 && len(s) > maxLen {
			out = append(out, splitAfter(s, ",")...)
			continue
		}
		out = append(out, s)
	}
	return out
}

// splitAfter cuts text after any run of the given punctuation that is
// followed by whitespace, trimming each piece.
func splitAfter(text, punct string) []string {
	var (
		out   []string
		start int
	)
	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		if !strings.ContainsRune(punct, runes[i]) {
			continue
		}
		j := i
		for j+1 < len(runes) && strings.ContainsRune(punct, runes[j+1]) {
			j++
		}
		if j+1 < len(runes) && !unicode.IsSpace(runes[j+1]) {
			i = j
			continue
		}
		if piece := strings.TrimSpace(string(runes[start : j+1])); piece != "" {
			out = append(out, piece)
		}
		start = j + 1
		i = j
	}
	if piece := strings.TrimSpace(string(runes[start:])); piece != "" {
		out = append(out, piece)
	}
	return out
}

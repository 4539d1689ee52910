package speaker

import (
	"strings"
	"unicode"

	"github.com/MrWong99/vouch/pkg/audio"
)

// Prosody bounds and jitter amplitudes.
const (
	minRate, maxRate     = 0.8, 1.35
	minPitch, maxPitch   = 0.75, 1.35
	minVolume, maxVolume = 0.5, 1.0

	rateJitter   = 0.06
	pitchJitter  = 0.08
	volumeJitter = 0.05

	shortUtterance = 6
	longUtterance  = 25
)

// Word prefixes that colour an utterance.
var (
	apologyCues  = []string{"sorry", "apolog", "unfortunat", "pardon", "excuse"}
	positiveCues = []string{"thank", "great", "glad", "wonderful", "excellent", "perfect", "appreciat", "welcome"}
)

// Shape derives the prosody of one utterance. Short utterances are slower
// and higher, long ones faster; questions rise and slow down slightly;
// exclamations rise; apologies are lower, slower and quieter; gratitude and
// positive words rise. rnd adds bounded jitter and must return values in
// [0, 1).
func Shape(text string, rnd func() float64) audio.Prosody {
	p := audio.Neutral
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})

	switch n := len(words); {
	case n <= shortUtterance:
		p.Rate *= 0.92
		p.Pitch *= 1.05
	case n >= longUtterance:
		p.Rate *= 1.08
	}

	switch lastPunct(text) {
	case '?':
		p.Pitch *= 1.1
		p.Rate *= 0.96
	case '!':
		p.Pitch *= 1.05
	}

	if hasCue(words, apologyCues) {
		p.Pitch *= 0.93
		p.Rate *= 0.94
		p.Volume *= 0.88
	}
	if hasCue(words, positiveCues) {
		p.Pitch *= 1.06
	}

	if rnd != nil {
		p.Rate *= 1 + jitter(rnd, rateJitter)
		p.Pitch *= 1 + jitter(rnd, pitchJitter)
		p.Volume *= 1 + jitter(rnd, volumeJitter)
	}

	p.Rate = clamp(p.Rate, minRate, maxRate)
	p.Pitch = clamp(p.Pitch, minPitch, maxPitch)
	p.Volume = clamp(p.Volume, minVolume, maxVolume)
	return p
}

// jitter maps rnd's [0, 1) onto [-amp, amp).
func jitter(rnd func() float64, amp float64) float64 {
	return (rnd()*2 - 1) * amp
}

func hasCue(words, cues []string) bool {
	for _, w := range words {
		for _, c := range cues {
			if strings.HasPrefix(w, c) {
				return true
			}
		}
	}
	return false
}

// lastPunct returns the final non-space, non-quote rune of text.
func lastPunct(text string) rune {
	text = strings.TrimRightFunc(text, func(r rune) bool {
		return unicode.IsSpace(r) || r == '"' || r == '\'' || r == ')' || r == '”' || r == '’'
	})
	if text == "" {
		return 0
	}
	r := []rune(text)
	return r[len(r)-1]
}

func clamp(v, lo, hi float64) float64 {
	return max(lo, min(hi, v))
}

package audio

import (
	"math"
	"time"
)

// RMS returns the root-mean-square level of 16-bit PCM normalised to full
// scale, so that 1.0 is a square wave at maximum amplitude and silence is 0.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(sampleAt(pcm, i)) / 32768
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// EnergyWindow tracks the RMS level over the most recent span of audio. It
// smooths out single quiet or loud frames so that end-of-speech detection
// reacts to sustained silence only.
//
// The zero value is not usable; create windows with [NewEnergyWindow].
type EnergyWindow struct {
	span   time.Duration
	frames []windowEntry
	total  time.Duration
}

type windowEntry struct {
	sumSquares float64
	samples    int
	dur        time.Duration
}

// NewEnergyWindow returns a window that averages energy over span.
func NewEnergyWindow(span time.Duration) *EnergyWindow {
	if span <= 0 {
		span = 250 * time.Millisecond
	}
	return &EnergyWindow{span: span}
}

// Add folds a mono or interleaved PCM frame into the window and returns the
// current windowed RMS level.
func (w *EnergyWindow) Add(frame AudioFrame) float64 {
	n := len(frame.Data) / 2
	var sum float64
	for i := range n {
		s := float64(sampleAt(frame.Data, i)) / 32768
		sum += s * s
	}
	d := frame.Duration()
	w.frames = append(w.frames, windowEntry{sumSquares: sum, samples: n, dur: d})
	w.total += d
	for len(w.frames) > 1 && w.total-w.frames[0].dur >= w.span {
		w.total -= w.frames[0].dur
		w.frames = w.frames[1:]
	}
	return w.Level()
}

// Level returns the RMS level of the audio currently in the window.
func (w *EnergyWindow) Level() float64 {
	var sum float64
	var n int
	for _, f := range w.frames {
		sum += f.sumSquares
		n += f.samples
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

// Reset empties the window.
func (w *EnergyWindow) Reset() {
	w.frames = w.frames[:0]
	w.total = 0
}

package listener

import (
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
)

// verdict is the end-of-utterance decision after one frame.
type verdict int

const (
	keepListening verdict = iota
	endOfSpeech
	noSpeech
	maxReached
)

// detector decides when an answer is over. Durations are measured in audio
// time so that decisions do not depend on how fast frames arrive.
type detector struct {
	win        *audio.EnergyWindow
	threshold  float64
	endSilence time.Duration
	noSpeech   time.Duration
	max        time.Duration

	heard   bool
	silent  time.Duration
	elapsed time.Duration
}

func (l *Listener) newDetector(endSilence time.Duration) *detector {
	return &detector{
		win:        audio.NewEnergyWindow(l.window),
		threshold:  l.threshold,
		endSilence: endSilence,
		noSpeech:   l.noSpeechTimeout,
		max:        l.maxDuration,
	}
}

// feed folds one speech-format frame into the detector.
func (d *detector) feed(f audio.AudioFrame) verdict {
	dur := f.Duration()
	d.elapsed += dur
	if d.win.Add(f) >= d.threshold {
		d.heard, d.silent = true, 0
	} else if d.heard {
		d.silent += dur
	}

	switch {
	case d.heard && d.silent >= d.endSilence:
		return endOfSpeech
	case d.max > 0 && d.elapsed >= d.max:
		return maxReached
	case !d.heard && d.noSpeech > 0 && d.elapsed >= d.noSpeech:
		return noSpeech
	}
	return keepListening
}

// wallClock guards a capture against devices that stall: noSpeech fires
// when nothing has been heard in time, limit when the answer runs too long.
// A non-positive duration leaves its channel nil so it never fires.
type wallClock struct {
	noSpeech <-chan time.Time
	limit    <-chan time.Time
	timers   []*time.Timer
}

func (l *Listener) newWallClock() *wallClock {
	w := &wallClock{}
	w.noSpeech = w.arm(l.noSpeechTimeout)
	w.limit = w.arm(l.maxDuration)
	return w
}

func (w *wallClock) arm(d time.Duration) <-chan time.Time {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	w.timers = append(w.timers, t)
	return t.C
}

func (w *wallClock) stop() {
	for _, t := range w.timers {
		t.Stop()
	}
}

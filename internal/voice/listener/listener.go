// Package listener captures one spoken answer and returns its text.
//
// Two strategies are available. [StrategyRecord] records from an
// [audio.Source], ends the utterance after a stretch of silence measured
// with a rolling RMS window, and submits the recording as WAV to an
// [stt.Transcriber]. [StrategyStream] pumps the same frames into a streaming
// [stt.Provider] session and joins its final transcripts, ending after a
// longer trailing silence or when the recognizer closes the stream.
//
// Both strategies treat silence, empty recognition and an interrupted
// capture as an empty answer. Only a missing capability ([ErrUnavailable])
// and language rejection ([stt.ErrLanguageRejected]) are reported as
// distinct errors.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// ErrUnavailable is returned when the capture device or the recognition
// backend cannot be used at all.
var ErrUnavailable = errors.New("listener: audio capture unavailable")

// Strategy selects how an answer is recognised.
type Strategy string

const (
	// StrategyRecord records the whole answer, then transcribes it.
	StrategyRecord Strategy = "record"

	// StrategyStream recognises the answer continuously while it is spoken.
	StrategyStream Strategy = "stream"
)

// Defaults for end-of-utterance detection.
const (
	DefaultThreshold       = 0.03
	DefaultSilence         = 2 * time.Second
	DefaultTrailingSilence = 3 * time.Second
	DefaultWindow          = 250 * time.Millisecond
	DefaultNoSpeechTimeout = 8 * time.Second
	DefaultMaxDuration     = 2 * time.Minute
)

// Option is a functional option for [Listener].
type Option func(*Listener)

// WithTranscriber selects [StrategyRecord] with t as the backend.
func WithTranscriber(t stt.Transcriber) Option {
	return func(l *Listener) {
		l.strategy = StrategyRecord
		l.transcriber = t
	}
}

// WithRecognizer selects [StrategyStream] with p as the backend.
func WithRecognizer(p stt.Provider) Option {
	return func(l *Listener) {
		l.strategy = StrategyStream
		l.recognizer = p
	}
}

// WithThreshold sets the normalised RMS level below which audio counts as
// silence. Default: 0.03.
func WithThreshold(level float64) Option {
	return func(l *Listener) {
		l.threshold = level
	}
}

// WithSilence sets how much silence after speech ends a recorded answer.
// Default: 2s.
func WithSilence(d time.Duration) Option {
	return func(l *Listener) {
		l.silence = d
	}
}

// WithTrailingSilence sets how much silence after speech ends a streamed
// answer. Default: 3s.
func WithTrailingSilence(d time.Duration) Option {
	return func(l *Listener) {
		l.trailingSilence = d
	}
}

// WithWindow sets the span of the rolling energy window. Default: 250ms.
func WithWindow(d time.Duration) Option {
	return func(l *Listener) {
		l.window = d
	}
}

// WithNoSpeechTimeout sets how long Listen waits for speech to start before
// returning an empty answer. Default: 8s. Zero or less waits until Stop.
func WithNoSpeechTimeout(d time.Duration) Option {
	return func(l *Listener) {
		l.noSpeechTimeout = d
	}
}

// WithMaxDuration caps the length of one answer. Default: 2m. Zero or less
// removes the cap.
func WithMaxDuration(d time.Duration) Option {
	return func(l *Listener) {
		l.maxDuration = d
	}
}

// WithLanguage sets the required answer language. Default: "en".
func WithLanguage(lang string) Option {
	return func(l *Listener) {
		l.language = lang
	}
}

// WithMetrics records transcription latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(l *Listener) {
		l.metrics = m
	}
}

// Listener captures spoken answers. Listen calls are expected to be
// sequential; Stop may be called from any goroutine.
type Listener struct {
	src             audio.Source
	strategy        Strategy
	transcriber     stt.Transcriber
	recognizer      stt.Provider
	threshold       float64
	silence         time.Duration
	trailingSilence time.Duration
	window          time.Duration
	noSpeechTimeout time.Duration
	maxDuration     time.Duration
	language        string
	metrics         *observe.Metrics
	log             *slog.Logger

	mu      sync.Mutex
	cancels map[*capture]struct{}
}

// capture is one in-flight Listen call.
type capture struct {
	cancel  context.CancelFunc
	stopped bool
}

// New returns a Listener reading from src. Exactly one of [WithTranscriber]
// or [WithRecognizer] selects the strategy; the last one given wins.
func New(src audio.Source, opts ...Option) (*Listener, error) {
	if src == nil {
		return nil, errors.New("listener: audio source is required")
	}
	l := &Listener{
		src:             src,
		threshold:       DefaultThreshold,
		silence:         DefaultSilence,
		trailingSilence: DefaultTrailingSilence,
		window:          DefaultWindow,
		noSpeechTimeout: DefaultNoSpeechTimeout,
		maxDuration:     DefaultMaxDuration,
		language:        "en",
		log:             slog.Default().With("component", "listener"),
		cancels:         make(map[*capture]struct{}),
	}
	for _, o := range opts {
		o(l)
	}
	switch l.strategy {
	case StrategyRecord:
		if l.transcriber == nil {
			return nil, errors.New("listener: record strategy needs a transcriber")
		}
	case StrategyStream:
		if l.recognizer == nil {
			return nil, errors.New("listener: stream strategy needs a recognizer")
		}
	default:
		return nil, errors.New("listener: a transcriber or recognizer is required")
	}
	if l.threshold <= 0 || l.threshold >= 1 {
		return nil, fmt.Errorf("listener: threshold %v must be in (0, 1)", l.threshold)
	}
	if l.metrics == nil {
		l.metrics = observe.DefaultMetrics()
	}
	return l, nil
}

// Strategy returns the configured recognition strategy.
func (l *Listener) Strategy() Strategy { return l.strategy }

// Listen captures one answer and returns its text, which is empty when
// nothing was said or the capture was stopped.
//
// It returns an error matching [ErrUnavailable] when the device or backend
// cannot be used, an error matching [stt.ErrLanguageRejected] when the
// answer was not in the required language, and ctx.Err() when ctx ends.
// All device resources are released before Listen returns.
func (l *Listener) Listen(ctx context.Context) (string, error) {
	cctx, cancel := context.WithCancel(ctx)
	c := &capture{cancel: cancel}
	l.mu.Lock()
	l.cancels[c] = struct{}{}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.cancels, c)
		l.mu.Unlock()
		cancel()
	}()

	var (
		text string
		err  error
	)
	switch l.strategy {
	case StrategyStream:
		text, err = l.stream(cctx)
	default:
		text, err = l.record(cctx)
	}

	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if l.wasStopped(c) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// Stop ends every in-flight Listen call, which then returns an empty
// answer.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for c := range l.cancels {
		c.stopped = true
		c.cancel()
	}
}

func (l *Listener) wasStopped(c *capture) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return c.stopped
}

// open starts a capture bound to its own context so that it can be ended
// as soon as the answer is complete.
func (l *Listener) open(ctx context.Context) (<-chan audio.AudioFrame, func(), error) {
	capCtx, cancel := context.WithCancel(ctx)
	frames, err := l.src.Capture(capCtx)
	if err != nil {
		cancel()
		if errors.Is(err, audio.ErrUnavailable) {
			return nil, nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return nil, nil, fmt.Errorf("listener: capture: %w", err)
	}
	closeFn := func() {
		cancel()
		audio.Drain(frames)
	}
	return frames, closeFn, nil
}

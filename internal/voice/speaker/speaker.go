// Package speaker turns interviewer prompts into audible speech.
//
// A [Speaker] picks a voice from the TTS provider's catalogue, shapes the
// prosody of every utterance from its length, punctuation and wording,
// splits long prompts into sentences with short natural pauses, and plays
// the result on an [audio.Sink]. [Speaker.Speak] returns once the last
// sample has been played.
package speaker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

var (
	// ErrUnavailable is returned when no voice can be selected or the output
	// device cannot be opened.
	ErrUnavailable = errors.New("speaker: audio output unavailable")

	// ErrCanceled is returned by Speak calls interrupted by [Speaker.Cancel].
	ErrCanceled = errors.New("speaker: playback canceled")
)

// DefaultPreferences ranks voice name keywords from most to least natural
// sounding.
var DefaultPreferences = []string{"neural", "natural", "premium", "enhanced", "studio", "wavenet"}

// DefaultVoiceWait bounds how long a lazily loaded catalogue is awaited.
const DefaultVoiceWait = 10 * time.Second

const (
	defaultChunkThreshold = 180
	initialVoicePoll      = 100 * time.Millisecond
	maxVoicePoll          = 2 * time.Second
)

// Option is a functional option for [Speaker].
type Option func(*Speaker)

// WithVoiceID pins the voice. Catalogue based selection is skipped.
func WithVoiceID(id string) Option {
	return func(s *Speaker) {
		s.voiceID = id
	}
}

// WithPreferences replaces [DefaultPreferences].
func WithPreferences(keywords []string) Option {
	return func(s *Speaker) {
		s.prefs = keywords
	}
}

// WithChunkThreshold sets the prompt length in characters above which the
// prompt is spoken sentence by sentence. Default: 180. Zero disables
// chunking.
func WithChunkThreshold(n int) Option {
	return func(s *Speaker) {
		s.chunkThreshold = n
	}
}

// WithVoiceWait bounds how long Speak waits for an empty voice catalogue to
// fill. Default: 10s.
func WithVoiceWait(d time.Duration) Option {
	return func(s *Speaker) {
		s.voiceWait = d
	}
}

// WithRand replaces the source of prosody jitter. rnd must return values in
// [0, 1).
func WithRand(rnd func() float64) Option {
	return func(s *Speaker) {
		s.rnd = rnd
	}
}

// WithMetrics records utterance durations on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Speaker) {
		s.metrics = m
	}
}

// Speaker speaks prompts through a TTS provider and an audio sink.
//
// Speak calls are expected to be sequential; Cancel may be called from any
// goroutine.
type Speaker struct {
	tts            tts.Provider
	sink           audio.Sink
	voiceID        string
	prefs          []string
	chunkThreshold int
	voiceWait      time.Duration
	rnd            func() float64
	metrics        *observe.Metrics
	log            *slog.Logger

	mu       sync.Mutex
	voice    *tts.Voice
	inflight map[*utterance]struct{}
}

// utterance is one in-flight Speak call.
type utterance struct {
	cancel context.CancelCauseFunc
}

// New returns a Speaker that synthesises with p and plays on sink.
func New(p tts.Provider, sink audio.Sink, opts ...Option) (*Speaker, error) {
	if p == nil {
		return nil, errors.New("speaker: tts provider is required")
	}
	if sink == nil {
		return nil, errors.New("speaker: audio sink is required")
	}
	s := &Speaker{
		tts:            p,
		sink:           sink,
		prefs:          DefaultPreferences,
		chunkThreshold: defaultChunkThreshold,
		voiceWait:      DefaultVoiceWait,
		rnd:            rand.Float64,
		log:            slog.Default().With("component", "speaker"),
		inflight:       make(map[*utterance]struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s, nil
}

// Speak renders text and blocks until it has been played in full.
//
// It returns [ErrCanceled] when [Speaker.Cancel] interrupts it, ctx.Err()
// when ctx ends, and an error matching [ErrUnavailable] when no voice or
// output device is available.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	ctx, cancel := context.WithCancelCause(ctx)
	u := &utterance{cancel: cancel}
	s.mu.Lock()
	s.inflight[u] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.inflight, u)
		s.mu.Unlock()
		cancel(nil)
	}()

	err := s.speak(ctx, text)
	if err != nil && errors.Is(context.Cause(ctx), ErrCanceled) {
		return ErrCanceled
	}
	return err
}

func (s *Speaker) speak(ctx context.Context, text string) error {
	voice, err := s.selectVoice(ctx)
	if err != nil {
		return err
	}

	chunks := []string{text}
	if s.chunkThreshold > 0 && len(text) > s.chunkThreshold {
		chunks = SplitSentences(text, s.chunkThreshold)
	}

	start := time.Now()
	for i, chunk := range chunks {
		if err := s.play(ctx, chunk, voice); err != nil {
			return err
		}
		if i == len(chunks)-1 {
			break
		}
		if err := sleep(ctx, PauseAfter(chunk)); err != nil {
			return err
		}
	}
	s.metrics.TTSDuration.Record(ctx, time.Since(start).Seconds())
	return nil
}

func (s *Speaker) play(ctx context.Context, text string, voice tts.Voice) error {
	speech, err := s.tts.Synthesize(ctx, text, voice)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.metrics.RecordProviderError(ctx, voice.Provider, "tts")
		return fmt.Errorf("speaker: synthesize: %w", err)
	}
	// Play may return before the provider is done; release it either way.
	defer audio.Drain(speech.Audio)

	if err := s.sink.Play(ctx, speech.Format, speech.Audio, Shape(text, s.rnd)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, audio.ErrUnavailable) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return fmt.Errorf("speaker: play: %w", err)
	}
	audio.Drain(speech.Audio)
	if err := speech.Err(); err != nil && ctx.Err() == nil {
		s.metrics.RecordProviderError(ctx, voice.Provider, "tts")
		return fmt.Errorf("speaker: synthesize: %w", err)
	}
	return ctx.Err()
}

// Cancel stops every in-flight Speak call immediately. Utterances that
// already finished are unaffected and later Speak calls work normally.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for u := range s.inflight {
		u.cancel(ErrCanceled)
	}
}

// Voice returns the selected voice, waiting for the catalogue if necessary.
func (s *Speaker) Voice(ctx context.Context) (tts.Voice, error) {
	return s.selectVoice(ctx)
}

func (s *Speaker) selectVoice(ctx context.Context) (tts.Voice, error) {
	s.mu.Lock()
	if s.voice != nil {
		v := *s.voice
		s.mu.Unlock()
		return v, nil
	}
	s.mu.Unlock()

	if s.voiceID != "" {
		v := tts.Voice{ID: s.voiceID}
		s.remember(v)
		return v, nil
	}

	voices, err := s.waitForVoices(ctx)
	if err != nil {
		return tts.Voice{}, err
	}
	v := PickVoice(voices, s.prefs)
	s.log.Info("voice selected", "voice_id", v.ID, "name", v.Name, "provider", v.Provider)
	s.remember(v)
	return v, nil
}

func (s *Speaker) remember(v tts.Voice) {
	s.mu.Lock()
	s.voice = &v
	s.mu.Unlock()
}

func (s *Speaker) waitForVoices(ctx context.Context) ([]tts.Voice, error) {
	return WaitForVoices(ctx, s.tts, s.voiceWait)
}

// WaitForVoices polls the catalogue of p with exponential backoff until it is
// non-empty or wait elapses. It returns an error matching [ErrUnavailable]
// when the catalogue stays empty.
func WaitForVoices(ctx context.Context, p tts.Provider, wait time.Duration) ([]tts.Voice, error) {
	deadline := time.Now().Add(wait)
	delay := initialVoicePoll
	var lastErr error
	for {
		voices, err := p.ListVoices(ctx)
		if err == nil && len(voices) > 0 {
			return voices, nil
		}
		if err != nil {
			lastErr = err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			if lastErr != nil {
				return nil, fmt.Errorf("%w: list voices: %w", ErrUnavailable, lastErr)
			}
			return nil, fmt.Errorf("%w: no voices after %s", ErrUnavailable, wait)
		}
		if err := sleep(ctx, min(delay, remaining)); err != nil {
			return nil, err
		}
		delay = min(delay*2, maxVoicePoll)
	}
}

// PickVoice chooses the most natural sounding voice: the first voice whose
// name contains the highest ranked preference keyword, else the first
// English voice, else the first voice. voices must not be empty.
func PickVoice(voices []tts.Voice, prefs []string) tts.Voice {
	for _, kw := range prefs {
		kw = strings.ToLower(kw)
		if kw == "" {
			continue
		}
		for _, v := range voices {
			if strings.Contains(strings.ToLower(v.Name), kw) {
				return v
			}
		}
	}
	for _, v := range voices {
		if v.IsEnglish() {
			return v
		}
	}
	return voices[0]
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

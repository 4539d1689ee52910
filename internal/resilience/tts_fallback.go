package resilience

import (
	"context"

	"github.com/MrWong99/vouch/pkg/provider/tts"
)

// ttsBackend is one TTS entry and the voice it speaks with when the caller's
// voice belongs to another backend.
type ttsBackend struct {
	name    string
	p       tts.Provider
	voiceID string
}

// TTSFallback implements [tts.Provider] with failover across several TTS
// backends.
//
// Voice ids are provider-specific. A voice whose Provider matches the entry
// name is passed through; any other entry synthesises with its own configured
// voice id, or its default voice when none is configured.
type TTSFallback struct {
	group *FallbackGroup[ttsBackend]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
// primaryName should match the Provider field of the voices primary lists.
func NewTTSFallback(primary tts.Provider, primaryName, voiceID string, cfg FallbackConfig) *TTSFallback {
	if cfg.Kind == "" {
		cfg.Kind = "tts"
	}
	b := ttsBackend{name: primaryName, p: primary, voiceID: voiceID}
	return &TTSFallback{group: NewFallbackGroup(b, primaryName, cfg)}
}

// AddFallback registers another backend with the voice id it should use.
func (f *TTSFallback) AddFallback(name string, p tts.Provider, voiceID string) {
	f.group.AddFallback(name, ttsBackend{name: name, p: p, voiceID: voiceID})
}

// Synthesize starts synthesis on the first healthy backend. Only starting the
// synthesis is covered; a stream that fails midway reports through
// Speech.Err as usual.
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Speech, error) {
	return ExecuteWithResult(ctx, f.group, func(b ttsBackend) (*tts.Speech, error) {
		return b.p.Synthesize(ctx, text, b.voiceFor(voice))
	})
}

// ListVoices returns the catalogue of the first healthy backend.
func (f *TTSFallback) ListVoices(ctx context.Context) ([]tts.Voice, error) {
	return ExecuteWithResult(ctx, f.group, func(b ttsBackend) ([]tts.Voice, error) {
		return b.p.ListVoices(ctx)
	})
}

func (b ttsBackend) voiceFor(v tts.Voice) tts.Voice {
	if v.Provider == b.name || (v.Provider == "" && v.ID == b.voiceID) {
		return v
	}
	return tts.Voice{ID: b.voiceID, Language: v.Language, Provider: b.name}
}

// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct voice and text are passed to the TTS backend.
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []tts.Voice{{ID: "v1", Name: "Alice"}},
//	}
//	speech, _ := p.Synthesize(ctx, "Hello.", voice)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	Ctx   context.Context
	Text  string
	Voice tts.Voice
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of PCM chunks emitted for every call.
	// When nil, a single 10 ms chunk of silence is emitted.
	SynthesizeChunks [][]byte

	// Format is reported as Speech.Format. Defaults to audio.SpeechFormat.
	Format audio.Format

	// SynthesizeErr, if non-nil, is returned from Synthesize.
	SynthesizeErr error

	// StreamErr, if non-nil, is reported by Speech.Err after the chunks.
	StreamErr error

	// Hold keeps the audio channel open after the chunks until the context
	// is cancelled.
	Hold bool

	// ListVoicesResult is returned by ListVoices once ListVoicesSequence is
	// exhausted.
	ListVoicesResult []tts.Voice

	// ListVoicesSequence, if set, is returned entry by entry on successive
	// ListVoices calls before falling back to ListVoicesResult. Use it to
	// simulate a catalogue that loads asynchronously.
	ListVoicesSequence [][]tts.Voice

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	SynthesizeCalls []SynthesizeCall
	ListVoicesCalls int
}

// Synthesize records the call and, unless SynthesizeErr is set, streams
// SynthesizeChunks.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Speech, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text, Voice: voice})
	if p.SynthesizeErr != nil {
		err := p.SynthesizeErr
		p.mu.Unlock()
		return nil, err
	}
	chunks := p.SynthesizeChunks
	if chunks == nil {
		chunks = [][]byte{make([]byte, 320)}
	}
	f := p.Format
	if f == (audio.Format{}) {
		f = audio.SpeechFormat
	}
	hold, streamErr := p.Hold, p.StreamErr
	p.mu.Unlock()

	return tts.Stream(ctx, f, func(ctx context.Context, emit func([]byte) bool) error {
		for _, c := range chunks {
			if !emit(c) {
				return nil
			}
		}
		if hold {
			<-ctx.Done()
		}
		return streamErr
	}), nil
}

// ListVoices records the call and returns the next scripted catalogue.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	if p.ListVoicesErr != nil {
		return nil, p.ListVoicesErr
	}
	if len(p.ListVoicesSequence) > 0 {
		next := p.ListVoicesSequence[0]
		p.ListVoicesSequence = p.ListVoicesSequence[1:]
		return next, nil
	}
	return p.ListVoicesResult, nil
}

// Texts returns the text of every Synthesize call in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.SynthesizeCalls))
	for i, c := range p.SynthesizeCalls {
		out[i] = c.Text
	}
	return out
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

var _ tts.Provider = (*Provider)(nil)

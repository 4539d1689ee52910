// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider wraps a speech synthesis service (ElevenLabs, a Coqui server,
// OpenAI) and presents a uniform interface: one call synthesises one utterance
// and streams raw PCM back as it becomes available, so that playback can start
// before the whole utterance has been rendered.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"
	"sync"

	"github.com/MrWong99/vouch/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice. The returned [Speech]
	// streams PCM chunks in Speech.Format; its Audio channel is closed when
	// synthesis finishes, fails, or ctx is cancelled. The caller must drain
	// Audio and may then inspect Speech.Err.
	//
	// Returns a non-nil error only if synthesis cannot be started.
	Synthesize(ctx context.Context, text string, voice Voice) (*Speech, error)

	// ListVoices returns the provider's current voice catalogue. Some backends
	// populate the catalogue lazily; an empty result with a nil error means
	// "not ready yet" rather than "no voices".
	ListVoices(ctx context.Context) ([]Voice, error)
}

// Speech is a single in-flight synthesis.
type Speech struct {
	// Format describes the PCM emitted on Audio.
	Format audio.Format

	// Audio emits PCM chunks and is closed when synthesis ends.
	Audio <-chan []byte

	mu  sync.Mutex
	err error
}

// Err returns the error that ended synthesis early, or nil. It is only
// meaningful after Audio has been closed.
func (s *Speech) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stream runs produce on a new goroutine and exposes its output as a
// [Speech]. produce calls emit for every PCM chunk; emit returns false once
// ctx is cancelled, after which produce should return. The error returned by
// produce is reported by Speech.Err.
func Stream(ctx context.Context, f audio.Format, produce func(ctx context.Context, emit func([]byte) bool) error) *Speech {
	ch := make(chan []byte, 64)
	s := &Speech{Format: f, Audio: ch}
	emit := func(pcm []byte) bool {
		if ctx.Err() != nil {
			return false
		}
		if len(pcm) == 0 {
			return true
		}
		select {
		case ch <- pcm:
			return true
		case <-ctx.Done():
			return false
		}
	}
	go func() {
		defer close(ch)
		err := produce(ctx, emit)
		if err == nil {
			err = ctx.Err()
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
	}()
	return s
}

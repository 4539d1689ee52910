// Package mock provides recording test doubles for [audio.Source] and
// [audio.Sink].
//
// Both mocks are safe for concurrent use. Set the exported fields before use
// to script behaviour; inspect the recorded calls afterwards.
//
//	src := &mock.Source{Captures: [][]audio.AudioFrame{speech}}
//	frames, err := src.Capture(ctx)
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vouch/pkg/audio"
)

// ─── Source ───────────────────────────────────────────────────────────────────

// Source is a mock implementation of [audio.Source]. Each call to Capture
// consumes the next entry of Captures; when Captures is exhausted the last
// entry is replayed.
type Source struct {
	mu sync.Mutex

	// Captures holds the frames delivered by successive Capture calls.
	Captures [][]audio.AudioFrame

	// HoldOpen keeps the frame channel open after the scripted frames have
	// been sent, until the capture context is cancelled. When false the
	// channel closes as soon as the frames are delivered.
	HoldOpen bool

	// CaptureErr is returned by Capture when non-nil.
	CaptureErr error

	// CallCount records how many times Capture was called.
	CallCount int

	active int
}

// Capture implements [audio.Source].
func (s *Source) Capture(ctx context.Context) (<-chan audio.AudioFrame, error) {
	s.mu.Lock()
	s.CallCount++
	if s.CaptureErr != nil {
		s.mu.Unlock()
		return nil, s.CaptureErr
	}
	var frames []audio.AudioFrame
	if n := len(s.Captures); n > 0 {
		idx := min(s.CallCount-1, n-1)
		frames = s.Captures[idx]
	}
	hold := s.HoldOpen
	s.active++
	s.mu.Unlock()

	ch := make(chan audio.AudioFrame)
	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			close(ch)
		}()
		for _, f := range frames {
			select {
			case ch <- f:
			case <-ctx.Done():
				return
			}
		}
		if hold {
			<-ctx.Done()
		}
	}()
	return ch, nil
}

// Active returns the number of captures whose goroutine has not yet exited.
func (s *Source) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// ─── Sink ─────────────────────────────────────────────────────────────────────

// PlayCall records the arguments of a single [Sink.Play] invocation.
type PlayCall struct {
	Format  audio.Format
	Audio   []byte
	Prosody audio.Prosody
}

// Sink is a mock implementation of [audio.Sink]. Play drains the PCM channel
// into Calls and returns PlayErr.
type Sink struct {
	mu sync.Mutex

	// PlayErr is returned by Play after the audio has been drained.
	PlayErr error

	// Block makes Play wait for ctx cancellation after draining, simulating
	// playback that never finishes on its own.
	Block bool

	// OnPlay, if set, is called after each call has been recorded.
	OnPlay func(PlayCall)

	// Calls records every Play invocation in order.
	Calls []PlayCall
}

// Play implements [audio.Sink].
func (s *Sink) Play(ctx context.Context, f audio.Format, pcm <-chan []byte, p audio.Prosody) error {
	var buf []byte
	for {
		select {
		case chunk, ok := <-pcm:
			if !ok {
				return s.finish(ctx, PlayCall{Format: f, Audio: buf, Prosody: p})
			}
			buf = append(buf, chunk...)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Sink) finish(ctx context.Context, call PlayCall) error {
	s.mu.Lock()
	s.Calls = append(s.Calls, call)
	hook, block, err := s.OnPlay, s.Block, s.PlayErr
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	return err
}

// PlayCalls returns a snapshot of the recorded calls.
func (s *Sink) PlayCalls() []PlayCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PlayCall, len(s.Calls))
	copy(out, s.Calls)
	return out
}

var (
	_ audio.Source = (*Source)(nil)
	_ audio.Sink   = (*Sink)(nil)
)

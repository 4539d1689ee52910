// Package mock provides scripted test doubles for the orchestrator's
// Speaker and Listener.
//
//	sp := &mock.Speaker{}
//	li := &mock.Listener{Answers: []mock.Answer{{Text: "Go and Rust."}}}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vouch/internal/interview/orchestrator"
)

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker records spoken text. Errors are consumed in order; nil entries and
// calls beyond the slice succeed.
type Speaker struct {
	mu sync.Mutex

	// Errs are returned by successive Speak calls.
	Errs []error

	// OnSpeak, if set, runs before Speak returns.
	OnSpeak func(text string)

	// Block makes Speak wait for Cancel or ctx before returning.
	Block bool

	texts   []string
	cancels int
	release chan struct{}
}

// Speak records text and returns the next scripted error.
func (s *Speaker) Speak(ctx context.Context, text string) error {
	s.mu.Lock()
	call := len(s.texts)
	s.texts = append(s.texts, text)
	hook := s.OnSpeak
	block := s.Block
	if s.release == nil {
		s.release = make(chan struct{})
	}
	release := s.release
	s.mu.Unlock()

	if hook != nil {
		hook(text)
	}
	if block {
		select {
		case <-release:
			return context.Canceled
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if call < len(s.Errs) {
		return s.Errs[call]
	}
	return nil
}

// Cancel records the call and releases blocked Speak calls.
func (s *Speaker) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels++
	if s.release != nil {
		close(s.release)
	}
	s.release = make(chan struct{})
}

// Texts returns everything spoken so far.
func (s *Speaker) Texts() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.texts...)
}

// Cancels returns the number of Cancel calls.
func (s *Speaker) Cancels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancels
}

// ─── Listener ────────────────────────────────────────────────────────────────

// Answer is one scripted Listen outcome.
type Answer struct {
	Text string
	Err  error
}

// Listener returns scripted answers in order. Once exhausted, Listen blocks
// until Stop or ctx ends and then returns an empty answer.
type Listener struct {
	mu sync.Mutex

	// Answers are returned by successive Listen calls.
	Answers []Answer

	// OnListen, if set, runs at the start of every Listen call.
	OnListen func(call int)

	calls   int
	stops   int
	release chan struct{}
}

// Listen returns the next scripted answer.
func (l *Listener) Listen(ctx context.Context) (string, error) {
	l.mu.Lock()
	call := l.calls
	l.calls++
	hook := l.OnListen
	if l.release == nil {
		l.release = make(chan struct{})
	}
	release := l.release
	l.mu.Unlock()

	if hook != nil {
		hook(call)
	}

	l.mu.Lock()
	if call < len(l.Answers) {
		a := l.Answers[call]
		l.mu.Unlock()
		return a.Text, a.Err
	}
	l.mu.Unlock()

	select {
	case <-release:
	case <-ctx.Done():
	}
	return "", nil
}

// Stop records the call and releases blocked Listen calls.
func (l *Listener) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.stops++
	if l.release != nil {
		close(l.release)
	}
	l.release = make(chan struct{})
}

// Calls returns the number of Listen calls.
func (l *Listener) Calls() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls
}

// Stops returns the number of Stop calls.
func (l *Listener) Stops() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stops
}

var (
	_ orchestrator.Speaker  = (*Speaker)(nil)
	_ orchestrator.Listener = (*Listener)(nil)
)

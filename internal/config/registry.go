package config

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/internal/resilience"
	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/stt"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AudioDevice is a capture and playback pair. Handler is non-nil for devices
// that are reached over HTTP and must be mounted on the server.
type AudioDevice struct {
	Source  audio.Source
	Sink    audio.Sink
	Handler http.Handler
}

// Registry maps provider names to their constructor functions for each
// provider type. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	tts         map[string]func(ProviderEntry) (tts.Provider, error)
	stt         map[string]func(ProviderEntry) (stt.Provider, error)
	transcriber map[string]func(ProviderEntry) (stt.Transcriber, error)
	audio       map[string]func(ProviderEntry) (AudioDevice, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		tts:         make(map[string]func(ProviderEntry) (tts.Provider, error)),
		stt:         make(map[string]func(ProviderEntry) (stt.Provider, error)),
		transcriber: make(map[string]func(ProviderEntry) (stt.Transcriber, error)),
		audio:       make(map[string]func(ProviderEntry) (AudioDevice, error)),
	}
}

// RegisterTTS registers a TTS provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterTTS(name string, factory func(ProviderEntry) (tts.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tts[name] = factory
}

// RegisterSTT registers a streaming recognizer factory under name.
func (r *Registry) RegisterSTT(name string, factory func(ProviderEntry) (stt.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stt[name] = factory
}

// RegisterTranscriber registers a batch transcriber factory under name.
func (r *Registry) RegisterTranscriber(name string, factory func(ProviderEntry) (stt.Transcriber, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcriber[name] = factory
}

// RegisterAudio registers an audio device factory under name.
func (r *Registry) RegisterAudio(name string, factory func(ProviderEntry) (AudioDevice, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio[name] = factory
}

// CreateTTS instantiates a TTS provider using the factory registered under entry.Name.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateTTS(entry ProviderEntry) (tts.Provider, error) {
	return create(r, r.tts, "tts", entry)
}

// CreateSTT instantiates a streaming recognizer using the factory registered under entry.Name.
func (r *Registry) CreateSTT(entry ProviderEntry) (stt.Provider, error) {
	return create(r, r.stt, "stt", entry)
}

// CreateTranscriber instantiates a batch transcriber using the factory registered under entry.Name.
func (r *Registry) CreateTranscriber(entry ProviderEntry) (stt.Transcriber, error) {
	return create(r, r.transcriber, "transcriber", entry)
}

// CreateAudio instantiates an audio device using the factory registered under entry.Name.
func (r *Registry) CreateAudio(entry ProviderEntry) (AudioDevice, error) {
	return create(r, r.audio, "audio", entry)
}

func create[T any](r *Registry, factories map[string]func(ProviderEntry) (T, error), kind string, entry ProviderEntry) (T, error) {
	r.mu.RLock()
	factory, ok := factories[entry.Name]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, kind, entry.Name)
	}
	return factory(entry)
}

// FallbackConfig derives the failover settings for a provider kind from b.
func (b BreakerConfig) FallbackConfig(kind string, m *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{
		Kind: kind,
		CircuitBreaker: resilience.CircuitBreakerConfig{
			MaxFailures:  b.MaxFailures,
			ResetTimeout: b.ResetTimeout,
			HalfOpenMax:  b.HalfOpenMax,
		},
		Metrics: m,
	}
}

// BuildTTS creates every backend in chain. A single backend is returned as
// is; several are wrapped in a [resilience.TTSFallback] in chain order.
func (r *Registry) BuildTTS(chain ProviderChain, fc resilience.FallbackConfig) (tts.Provider, error) {
	providers, err := buildAll(chain, r.CreateTTS)
	if err != nil || len(providers) == 1 {
		return first(providers), err
	}
	fb := resilience.NewTTSFallback(providers[0], chain[0].Name, chain[0].Voice, fc)
	for i, p := range providers[1:] {
		fb.AddFallback(chain[i+1].Name, p, chain[i+1].Voice)
	}
	return fb, nil
}

// BuildSTT creates every recognizer in chain, wrapping several in a
// [resilience.STTFallback].
func (r *Registry) BuildSTT(chain ProviderChain, fc resilience.FallbackConfig) (stt.Provider, error) {
	providers, err := buildAll(chain, r.CreateSTT)
	if err != nil || len(providers) == 1 {
		return first(providers), err
	}
	fb := resilience.NewSTTFallback(providers[0], chain[0].Name, fc)
	for i, p := range providers[1:] {
		fb.AddFallback(chain[i+1].Name, p)
	}
	return fb, nil
}

// BuildTranscriber creates every transcriber in chain, wrapping several in
// a [resilience.TranscriberFallback].
func (r *Registry) BuildTranscriber(chain ProviderChain, fc resilience.FallbackConfig) (stt.Transcriber, error) {
	transcribers, err := buildAll(chain, r.CreateTranscriber)
	if err != nil || len(transcribers) == 1 {
		return first(transcribers), err
	}
	fb := resilience.NewTranscriberFallback(transcribers[0], chain[0].Name, fc)
	for i, t := range transcribers[1:] {
		fb.AddFallback(chain[i+1].Name, t)
	}
	return fb, nil
}

func buildAll[T any](chain ProviderChain, create func(ProviderEntry) (T, error)) ([]T, error) {
	if len(chain) == 0 {
		return nil, errors.New("config: empty provider chain")
	}
	out := make([]T, 0, len(chain))
	for _, e := range chain {
		v, err := create(e)
		if err != nil {
			return nil, fmt.Errorf("config: create %q: %w", e.Name, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func first[T any](vs []T) T {
	var zero T
	if len(vs) == 0 {
		return zero
	}
	return vs[0]
}

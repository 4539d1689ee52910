// Package stt defines the interfaces for Speech-to-Text backends.
//
// Two shapes are supported:
//
//   - [Provider] opens a streaming session ([SessionHandle]) that accepts raw
//     PCM and emits low-latency partials and authoritative finals.
//   - [Transcriber] takes a complete recorded utterance (WAV) and returns a
//     single [Transcript].
//
// Either shape may reject an utterance that is not in the required language
// with an error matching [ErrLanguageRejected].
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrLanguageRejected is matched (via errors.Is) by every error reporting that
// an utterance was not in the required language. Use errors.As with
// *[LanguageError] to obtain the detected language.
var ErrLanguageRejected = errors.New("stt: utterance language rejected")

// LanguageError reports an utterance recognised in a language other than the
// required one.
type LanguageError struct {
	// Detected is the language the backend recognised, e.g. "de".
	Detected string

	// Required is the language the caller asked for, when known.
	Required string
}

func (e *LanguageError) Error() string {
	if e.Required == "" {
		return fmt.Sprintf("stt: utterance language %q rejected", e.Detected)
	}
	return fmt.Sprintf("stt: utterance language %q rejected, want %q", e.Detected, e.Required)
}

// Is makes every *LanguageError match [ErrLanguageRejected].
func (e *LanguageError) Is(target error) bool {
	return target == ErrLanguageRejected
}

// CheckLanguage returns a *[LanguageError] when detected is set and names a
// different base language than required. Region subtags are ignored, so
// "en-GB" satisfies "en". An empty required or detected value always passes.
func CheckLanguage(required, detected string) error {
	if required == "" || detected == "" {
		return nil
	}
	if baseLanguage(required) == baseLanguage(detected) {
		return nil
	}
	return &LanguageError{Detected: detected, Required: required}
}

// languageNames maps the full names some backends report to ISO 639-1 codes.
var languageNames = map[string]string{
	"english": "en", "german": "de", "french": "fr", "spanish": "es",
	"italian": "it", "dutch": "nl", "portuguese": "pt", "polish": "pl",
	"russian": "ru", "turkish": "tr", "chinese": "zh", "japanese": "ja",
}

func baseLanguage(tag string) string {
	tag = strings.ToLower(strings.TrimSpace(tag))
	if code, ok := languageNames[tag]; ok {
		return code
	}
	if i := strings.IndexAny(tag, "-_"); i > 0 {
		tag = tag[:i]
	}
	return tag
}

// StreamConfig describes the audio format and recognition hints for a new
// streaming session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz; 16000 for speech capture.
	SampleRate int

	// Channels is the number of audio channels, 1 for mono.
	Channels int

	// Language is the BCP-47 tag for recognition (e.g., "en-US"). An empty
	// string lets the provider auto-detect.
	Language string
}

// SessionHandle represents an open streaming session.
//
// Callers must call Close when the session is no longer needed. All methods
// must be safe for concurrent use.
type SessionHandle interface {
	// SendAudio delivers a chunk of raw PCM matching the StreamConfig.
	// Calling SendAudio after Close returns an error.
	SendAudio(chunk []byte) error

	// Partials emits interim transcripts. Closed when the session ends.
	Partials() <-chan Transcript

	// Finals emits authoritative transcripts. Closed when the session ends,
	// which includes the backend ending the stream on its own.
	Finals() <-chan Transcript

	// Close flushes pending audio, terminates the session, and releases all
	// resources. Calling Close more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a new streaming session ready to accept audio.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}

// Transcriber is the abstraction over any batch transcription backend.
type Transcriber interface {
	// Transcribe recognises a complete WAV-encoded utterance. Silence or
	// unintelligible audio yields an empty Text and a nil error.
	//
	// Returns an error matching [ErrLanguageRejected] when the utterance is
	// not in the required language.
	Transcribe(ctx context.Context, wav []byte) (Transcript, error)
}

package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// languageRejected keeps a rejected answer from failing over: another backend
// would hear the same language.
func languageRejected(err error) bool {
	return errors.Is(err, stt.ErrLanguageRejected)
}

// STTFallback implements [stt.Provider] with failover across several streaming
// recognizers.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	if cfg.Kind == "" {
		cfg.Kind = "stt"
	}
	if cfg.Final == nil {
		cfg.Final = languageRejected
	}
	return &STTFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional recognizer.
func (f *STTFallback) AddFallback(name string, p stt.Provider) {
	f.group.AddFallback(name, p)
}

// StartStream opens a session on the first healthy recognizer. Failures
// after the session is open are the caller's to handle.
func (f *STTFallback) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	return ExecuteWithResult(ctx, f.group, func(p stt.Provider) (stt.SessionHandle, error) {
		return p.StartStream(ctx, cfg)
	})
}

// TranscriberFallback implements [stt.Transcriber] with failover across
// several batch transcription backends.
type TranscriberFallback struct {
	group *FallbackGroup[stt.Transcriber]
}

var _ stt.Transcriber = (*TranscriberFallback)(nil)

// NewTranscriberFallback creates a [TranscriberFallback] with primary as the
// preferred backend.
func NewTranscriberFallback(primary stt.Transcriber, primaryName string, cfg FallbackConfig) *TranscriberFallback {
	if cfg.Kind == "" {
		cfg.Kind = "transcriber"
	}
	if cfg.Final == nil {
		cfg.Final = languageRejected
	}
	return &TranscriberFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional transcriber.
func (f *TranscriberFallback) AddFallback(name string, t stt.Transcriber) {
	f.group.AddFallback(name, t)
}

// Transcribe recognises wav on the first healthy backend. A language
// rejection is returned as is.
func (f *TranscriberFallback) Transcribe(ctx context.Context, wav []byte) (stt.Transcript, error) {
	return ExecuteWithResult(ctx, f.group, func(t stt.Transcriber) (stt.Transcript, error) {
		return t.Transcribe(ctx, wav)
	})
}

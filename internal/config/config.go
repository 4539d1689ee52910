// Package config provides the configuration schema, loader, and provider
// registry for the vouch interviewer.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/interview/progress"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// CaptureStrategy selects how an answer is recognised.
type CaptureStrategy string

const (
	// CaptureRecord records the whole answer, then sends it to a transcriber.
	CaptureRecord CaptureStrategy = "record"

	// CaptureStream feeds the answer to a streaming recognizer while it is
	// spoken.
	CaptureStream CaptureStrategy = "stream"
)

// IsValid reports whether s is a recognised strategy.
func (s CaptureStrategy) IsValid() bool {
	return s == CaptureRecord || s == CaptureStream
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Service   ServiceConfig   `yaml:"service"`
	Providers ProvidersConfig `yaml:"providers"`
	Voice     VoiceConfig     `yaml:"voice"`
	Capture   CaptureConfig   `yaml:"capture"`
	Interview InterviewConfig `yaml:"interview"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr serves the health endpoints and, with the browser audio
	// device, the audio WebSocket (e.g., ":8080"). Empty disables the
	// listener unless the browser device needs it.
	ListenAddr string `yaml:"listen_addr"`

	// MetricsAddr serves /metrics. Empty serves it on ListenAddr.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls verbosity. Default: info.
	LogLevel LogLevel `yaml:"log_level"`
}

// ServiceConfig describes the remote interview service.
type ServiceConfig struct {
	// BaseURL is the root of the service API, e.g. "https://cv.example.com/api/".
	BaseURL string `yaml:"base_url"`

	// Token is a pre-issued bearer token. Mutually exclusive with JWTSecret.
	Token string `yaml:"token"`

	// JWTSecret signs short-lived access tokens for UserID.
	JWTSecret string `yaml:"jwt_secret"`

	// UserID is the service user tokens are minted for.
	UserID string `yaml:"user_id"`

	// TokenTTL is the lifetime of minted tokens. Default: 15m.
	TokenTTL time.Duration `yaml:"token_ttl"`

	// Timeout bounds every request. Default: 60s.
	Timeout time.Duration `yaml:"timeout"`

	// RateLimit is the client-side request rate in requests per second.
	// Zero keeps the client default; a negative value disables limiting.
	RateLimit float64 `yaml:"rate_limit"`

	// Burst is the rate limiter burst size.
	Burst int `yaml:"burst"`
}

// ProvidersConfig declares which implementation serves each speech concern.
// The TTS, STT and Transcriber chains accept either one entry or a list; the
// first entry is primary and the rest are fallbacks in order.
type ProvidersConfig struct {
	TTS         ProviderChain `yaml:"tts"`
	STT         ProviderChain `yaml:"stt"`
	Transcriber ProviderChain `yaml:"transcriber"`
	Audio       ProviderEntry `yaml:"audio"`

	// Breaker tunes the circuit breaker placed in front of every chained
	// backend.
	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes per-backend circuit breakers. Zero values select the
// defaults.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
	HalfOpenMax  int           `yaml:"half_open_max"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. Name selects the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered implementation (e.g., "elevenlabs", "deepgram").
	Name string `yaml:"name"`

	// APIKey authenticates against the provider's API, if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint, or addresses a
	// self-hosted server.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Voice is the voice id a fallback TTS backend speaks with.
	Voice string `yaml:"voice"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// ProviderChain is an ordered list of provider entries.
type ProviderChain []ProviderEntry

// UnmarshalYAML accepts a single mapping as a one-entry chain.
func (c *ProviderChain) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.MappingNode:
		var e ProviderEntry
		if err := value.Decode(&e); err != nil {
			return err
		}
		*c = ProviderChain{e}
		return nil
	case yaml.SequenceNode:
		var entries []ProviderEntry
		if err := value.Decode(&entries); err != nil {
			return err
		}
		*c = entries
		return nil
	default:
		return fmt.Errorf("line %d: provider must be a mapping or a list of mappings", value.Line)
	}
}

// Primary returns the first entry, or the zero entry for an empty chain.
func (c ProviderChain) Primary() ProviderEntry {
	if len(c) == 0 {
		return ProviderEntry{}
	}
	return c[0]
}

// VoiceConfig selects and shapes the interviewer's voice.
type VoiceConfig struct {
	// ID pins a voice and skips catalogue selection.
	ID string `yaml:"id"`

	// Preferences are keywords matched against voice names when ID is empty.
	Preferences []string `yaml:"preferences"`

	// ChunkThreshold is the text length above which an utterance is split
	// into sentence chunks. Zero keeps the default of 180; a negative value
	// disables chunking.
	ChunkThreshold int `yaml:"chunk_threshold"`

	// CatalogueWait bounds how long to wait for a lazily loaded voice
	// catalogue. Default: 10s.
	CatalogueWait time.Duration `yaml:"catalogue_wait"`
}

// CaptureConfig tunes answer capture and end-of-utterance detection. Zero
// durations and thresholds select the listener defaults.
type CaptureConfig struct {
	// Strategy is "record" (default) or "stream".
	Strategy CaptureStrategy `yaml:"strategy"`

	// Language is the required answer language. Default: "en".
	Language string `yaml:"language"`

	// Threshold is the RMS level (0-1] above which a window counts as speech.
	Threshold float64 `yaml:"threshold"`

	// Silence ends a recorded answer after speech.
	Silence time.Duration `yaml:"silence"`

	// TrailingSilence ends a streamed answer after the last final.
	TrailingSilence time.Duration `yaml:"trailing_silence"`

	// Window is the energy averaging window.
	Window time.Duration `yaml:"window"`

	// NoSpeechTimeout ends a capture that never heard speech.
	NoSpeechTimeout time.Duration `yaml:"no_speech_timeout"`

	// MaxDuration caps a single answer.
	MaxDuration time.Duration `yaml:"max_duration"`
}

// InterviewConfig shapes the conversation.
type InterviewConfig struct {
	// Sections lists the interview sections in order. Empty selects
	// [interview.DefaultSections].
	Sections []SectionConfig `yaml:"sections"`

	// CompletedDelay is how long the completed status is held before the
	// interview finishes. Default: 5s.
	CompletedDelay *time.Duration `yaml:"completed_delay"`

	// FetchRetries is how often a failed question fetch is retried.
	// Default: 2.
	FetchRetries *int `yaml:"fetch_retries"`

	// FetchBackoff is the first retry delay; it doubles per attempt.
	// Default: 1s.
	FetchBackoff time.Duration `yaml:"fetch_backoff"`

	// CorrectionPrompt is spoken before repeating a question whose answer
	// was in the wrong language.
	CorrectionPrompt string `yaml:"correction_prompt"`

	// ClosingOverride enables the closing-phrase heuristic.
	ClosingOverride *ClosingOverrideConfig `yaml:"closing_override"`
}

// SectionConfig is one interview section.
type SectionConfig struct {
	Name           string `yaml:"name"`
	MaxQuestions   int    `yaml:"max_questions"`
	FallbackPrompt string `yaml:"fallback_prompt"`
}

// ClosingOverrideConfig configures the closing-phrase heuristic that keeps an
// interview going when the service says goodbye before every main section
// has been covered.
type ClosingOverrideConfig struct {
	// Phrases replaces the built-in closing phrases.
	Phrases []string `yaml:"phrases"`

	// Threshold is the minimum Jaro-Winkler similarity (0-1]. Default: 0.9.
	Threshold float64 `yaml:"threshold"`
}

// SectionBudgets returns the configured section order, or the defaults.
func (c InterviewConfig) SectionBudgets() []interview.SectionBudget {
	if len(c.Sections) == 0 {
		return interview.DefaultSections()
	}
	out := make([]interview.SectionBudget, len(c.Sections))
	for i, s := range c.Sections {
		out[i] = interview.SectionBudget{Section: interview.Section(s.Name), MaxQuestions: s.MaxQuestions}
	}
	return out
}

// FallbackPrompts returns the per-section fallback prompts that are set.
func (c InterviewConfig) FallbackPrompts() map[interview.Section]string {
	out := make(map[interview.Section]string)
	for _, s := range c.Sections {
		if s.FallbackPrompt != "" {
			out[interview.Section(s.Name)] = s.FallbackPrompt
		}
	}
	return out
}

// ClosingMatcher builds the configured closing-phrase matcher, or nil when
// the heuristic is disabled.
func (c InterviewConfig) ClosingMatcher() *progress.ClosingMatcher {
	if c.ClosingOverride == nil {
		return nil
	}
	return progress.NewClosingMatcher(c.ClosingOverride.Phrases, c.ClosingOverride.Threshold)
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"tts":         {"elevenlabs", "coqui", "openai"},
	"stt":         {"deepgram", "whisper"},
	"transcriber": {"whisper", "openai", "service"},
	"audio":       {"ffmpeg", "browser"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

func parse(data []byte) (*Config, error) {
	return LoadFromReader(bytes.NewReader(data))
}

// LoadFromReader decodes a YAML config from r, expands environment
// references in secrets and endpoints, and validates the result. An empty
// document yields an empty config, which fails validation.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ExpandEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExpandEnv replaces $VAR and ${VAR} references in the fields that usually
// carry secrets or deployment-specific endpoints. Prompts are left alone so
// that a literal "$" survives.
func ExpandEnv(cfg *Config) {
	s := &cfg.Service
	for _, f := range []*string{&s.BaseURL, &s.Token, &s.JWTSecret, &s.UserID} {
		*f = os.ExpandEnv(*f)
	}
	for _, chain := range []ProviderChain{cfg.Providers.TTS, cfg.Providers.STT, cfg.Providers.Transcriber} {
		for i := range chain {
			expandEntry(&chain[i])
		}
	}
	expandEntry(&cfg.Providers.Audio)
}

func expandEntry(e *ProviderEntry) {
	e.APIKey = os.ExpandEnv(e.APIKey)
	e.BaseURL = os.ExpandEnv(e.BaseURL)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Service
	svc := cfg.Service
	if svc.BaseURL == "" {
		errs = append(errs, errors.New("service.base_url is required"))
	} else if u, err := url.Parse(svc.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("service.base_url %q must be an http or https URL", svc.BaseURL))
	}
	switch {
	case svc.Token != "" && svc.JWTSecret != "":
		errs = append(errs, errors.New("service.token and service.jwt_secret are mutually exclusive"))
	case svc.Token == "" && svc.JWTSecret == "":
		errs = append(errs, errors.New("service.token or service.jwt_secret is required"))
	case svc.JWTSecret != "" && svc.UserID == "":
		errs = append(errs, errors.New("service.user_id is required with service.jwt_secret"))
	}
	if svc.TokenTTL < 0 || svc.Timeout < 0 {
		errs = append(errs, errors.New("service.token_ttl and service.timeout must not be negative"))
	}

	// Providers
	p := cfg.Providers
	if len(p.TTS) == 0 {
		errs = append(errs, errors.New("providers.tts is required"))
	}
	errs = append(errs, validateChain("tts", p.TTS)...)
	errs = append(errs, validateChain("stt", p.STT)...)
	errs = append(errs, validateChain("transcriber", p.Transcriber)...)
	if p.Audio.Name == "" {
		errs = append(errs, errors.New("providers.audio.name is required"))
	} else {
		validateProviderName("audio", p.Audio.Name)
	}
	if p.Breaker.MaxFailures < 0 || p.Breaker.HalfOpenMax < 0 || p.Breaker.ResetTimeout < 0 {
		errs = append(errs, errors.New("providers.breaker values must not be negative"))
	}

	// Capture
	c := cfg.Capture
	strategy := c.Strategy
	if strategy == "" {
		strategy = CaptureRecord
	}
	switch {
	case !strategy.IsValid():
		errs = append(errs, fmt.Errorf("capture.strategy %q is invalid; valid values: record, stream", c.Strategy))
	case strategy == CaptureRecord && len(p.Transcriber) == 0:
		errs = append(errs, errors.New("capture.strategy record requires providers.transcriber"))
	case strategy == CaptureStream && len(p.STT) == 0:
		errs = append(errs, errors.New("capture.strategy stream requires providers.stt"))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		errs = append(errs, fmt.Errorf("capture.threshold %.3f is out of range [0, 1]", c.Threshold))
	}
	for name, d := range map[string]int64{
		"silence":           int64(c.Silence),
		"trailing_silence":  int64(c.TrailingSilence),
		"window":            int64(c.Window),
		"no_speech_timeout": int64(c.NoSpeechTimeout),
		"max_duration":      int64(c.MaxDuration),
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("capture.%s must not be negative", name))
		}
	}

	// Voice
	if cfg.Voice.CatalogueWait < 0 {
		errs = append(errs, errors.New("voice.catalogue_wait must not be negative"))
	}

	// Interview
	errs = append(errs, validateInterview(cfg.Interview)...)

	return errors.Join(errs...)
}

func validateChain(kind string, chain ProviderChain) []error {
	var errs []error
	seen := make(map[string]int, len(chain))
	for i, e := range chain {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		if prev, ok := seen[e.Name]; ok {
			errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of providers.%s[%d]", prefix, e.Name, kind, prev))
		}
		seen[e.Name] = i
		validateProviderName(kind, e.Name)
	}
	return errs
}

func validateInterview(ic InterviewConfig) []error {
	var errs []error
	seen := make(map[string]int, len(ic.Sections))
	for i, s := range ic.Sections {
		prefix := fmt.Sprintf("interview.sections[%d]", i)
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := seen[s.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of interview.sections[%d]", prefix, s.Name, prev))
			}
			seen[s.Name] = i
		}
		if s.MaxQuestions < 1 {
			errs = append(errs, fmt.Errorf("%s.max_questions must be at least 1", prefix))
		}
	}
	if ic.CompletedDelay != nil && *ic.CompletedDelay < 0 {
		errs = append(errs, errors.New("interview.completed_delay must not be negative"))
	}
	if ic.FetchRetries != nil && *ic.FetchRetries < 0 {
		errs = append(errs, errors.New("interview.fetch_retries must not be negative"))
	}
	if ic.FetchBackoff < 0 {
		errs = append(errs, errors.New("interview.fetch_backoff must not be negative"))
	}
	if co := ic.ClosingOverride; co != nil && (co.Threshold < 0 || co.Threshold > 1) {
		errs = append(errs, fmt.Errorf("interview.closing_override.threshold %.2f is out of range [0, 1]", co.Threshold))
	}
	return errs
}

// validateProviderName logs a warning if name is not found in the
// [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or a third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

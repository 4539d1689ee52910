package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/vouch/internal/config"
	"github.com/MrWong99/vouch/internal/protocol"
	"github.com/MrWong99/vouch/pkg/audio/ffmpeg"
	"github.com/MrWong99/vouch/pkg/audio/wsbridge"
	"github.com/MrWong99/vouch/pkg/provider/stt"
	"github.com/MrWong99/vouch/pkg/provider/stt/deepgram"
	oaistt "github.com/MrWong99/vouch/pkg/provider/stt/openai"
	"github.com/MrWong99/vouch/pkg/provider/stt/whisper"
	"github.com/MrWong99/vouch/pkg/provider/tts"
	"github.com/MrWong99/vouch/pkg/provider/tts/coqui"
	"github.com/MrWong99/vouch/pkg/provider/tts/elevenlabs"
	oaitts "github.com/MrWong99/vouch/pkg/provider/tts/openai"
)

// registerBuiltinProviders wires every built-in factory into reg. lang is
// the required answer language; svc serves the "service" transcriber and may
// be nil when only voices are listed.
func registerBuiltinProviders(reg *config.Registry, lang string, svc *protocol.Client) {
	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		opts := []coqui.Option{coqui.WithLanguage(lang)}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	reg.RegisterTTS("openai", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []oaitts.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaitts.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaitts.WithTimeout(d))
		}
		return oaitts.New(entry.APIKey, entry.Model, opts...)
	})

	// ── Streaming STT ─────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		opts := []deepgram.Option{deepgram.WithLanguage(lang)}
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "endpointing"); d != 0 {
			opts = append(opts, deepgram.WithEndpointing(d))
		}
		if kw := optStrings(entry.Options, "keywords"); len(kw) > 0 {
			opts = append(opts, deepgram.WithKeywords(kw...))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	reg.RegisterSTT("whisper", func(entry config.ProviderEntry) (stt.Provider, error) {
		return newWhisper(entry, lang)
	})

	// ── Batch transcription ───────────────────────────────────────────────────

	reg.RegisterTranscriber("whisper", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		return newWhisper(entry, lang)
	})

	reg.RegisterTranscriber("openai", func(entry config.ProviderEntry) (stt.Transcriber, error) {
		opts := []oaistt.Option{oaistt.WithLanguage(lang)}
		if entry.BaseURL != "" {
			opts = append(opts, oaistt.WithBaseURL(entry.BaseURL))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, oaistt.WithTimeout(d))
		}
		return oaistt.New(entry.APIKey, entry.Model, opts...)
	})

	if svc != nil {
		reg.RegisterTranscriber("service", func(config.ProviderEntry) (stt.Transcriber, error) {
			return svc, nil
		})
	}

	// ── Audio devices ─────────────────────────────────────────────────────────

	reg.RegisterAudio("ffmpeg", func(entry config.ProviderEntry) (config.AudioDevice, error) {
		var srcOpts []ffmpeg.SourceOption
		if bin := optString(entry.Options, "ffmpeg"); bin != "" {
			srcOpts = append(srcOpts, ffmpeg.WithFFmpeg(bin))
		}
		if format, device := optString(entry.Options, "input_format"), optString(entry.Options, "input_device"); format != "" || device != "" {
			srcOpts = append(srcOpts, ffmpeg.WithInput(format, device))
		}
		if d := optDuration(entry.Options, "frame_duration"); d > 0 {
			srcOpts = append(srcOpts, ffmpeg.WithFrameDuration(d))
		}
		var sinkOpts []ffmpeg.SinkOption
		if bin := optString(entry.Options, "ffplay"); bin != "" {
			sinkOpts = append(sinkOpts, ffmpeg.WithFFplay(bin))
		}
		return config.AudioDevice{
			Source: ffmpeg.NewSource(srcOpts...),
			Sink:   ffmpeg.NewSink(sinkOpts...),
		}, nil
	})

	reg.RegisterAudio("browser", func(entry config.ProviderEntry) (config.AudioDevice, error) {
		var opts []wsbridge.Option
		if origins := optStrings(entry.Options, "origins"); len(origins) > 0 {
			opts = append(opts, wsbridge.WithOriginPatterns(origins...))
		}
		if d := optDuration(entry.Options, "play_grace"); d > 0 {
			opts = append(opts, wsbridge.WithPlayGrace(d))
		}
		b := wsbridge.New(opts...)
		return config.AudioDevice{Source: b, Sink: b, Handler: b}, nil
	})

	for kind, names := range config.ValidProviderNames {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// newWhisper builds a whisper server client that auto-detects the spoken
// language and rejects answers not in lang.
func newWhisper(entry config.ProviderEntry, lang string) (*whisper.Provider, error) {
	opts := []whisper.Option{whisper.WithLanguage(lang), whisper.WithLanguageDetection(true)}
	if entry.Model != "" {
		opts = append(opts, whisper.WithModel(entry.Model))
	}
	if d := optDuration(entry.Options, "timeout"); d > 0 {
		opts = append(opts, whisper.WithTimeout(d))
	}
	if d := optDuration(entry.Options, "silence"); d > 0 {
		opts = append(opts, whisper.WithSilence(d))
	}
	return whisper.New(entry.BaseURL, opts...)
}

// audioReady reports whether a device that waits for a remote client
// currently has one.
func audioReady(dev config.AudioDevice) func(context.Context) error {
	c, ok := dev.Source.(interface{ Connected() bool })
	if !ok {
		return func(context.Context) error { return nil }
	}
	return func(context.Context) error {
		if !c.Connected() {
			return errNoAudioClient
		}
		return nil
	}
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map.
// Returns "" if the map is nil, the key is absent, or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optDuration parses a duration string such as "250ms" from opts. Invalid or
// missing values yield zero.
func optDuration(opts map[string]any, key string) time.Duration {
	d, err := time.ParseDuration(optString(opts, key))
	if err != nil {
		return 0
	}
	return d
}

// optStrings extracts a list of strings, accepting a single string as a
// one-element list.
func optStrings(opts map[string]any, key string) []string {
	switch v := opts[key].(type) {
	case string:
		return []string{v}
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Package openai provides a TTS provider backed by the OpenAI speech API. It
// implements the tts.Provider interface.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

// DefaultModel is the default OpenAI speech model.
const DefaultModel = oai.SpeechModelTTS1

// pcmFormat is the layout of the API's "pcm" response format.
var pcmFormat = audio.Format{SampleRate: 24000, Channels: 1}

// builtinVoices is the fixed OpenAI voice catalogue; the API has no listing
// endpoint.
var builtinVoices = []string{"alloy", "ash", "ballad", "coral", "echo", "fable", "nova", "onyx", "sage", "shimmer"}

var _ tts.Provider = (*Provider)(nil)

// Provider implements tts.Provider using the OpenAI API.
type Provider struct {
	client oai.Client
	model  string
}

type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs an OpenAI TTS Provider. If model is empty, [DefaultModel]
// is used.
func New(apiKey, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai tts: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}))
	}
	return &Provider{client: oai.NewClient(reqOpts...), model: model}, nil
}

// Synthesize requests raw 24 kHz PCM for text and streams the response body
// as it arrives.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.Voice) (*tts.Speech, error) {
	id := voice.ID
	if id == "" {
		id = builtinVoices[0]
	}
	params := oai.AudioSpeechNewParams{
		Input:          text,
		Model:          p.model,
		Voice:          oai.AudioSpeechNewParamsVoice(id),
		ResponseFormat: oai.AudioSpeechNewParamsResponseFormatPCM,
	}
	if s, err := speedOf(voice); err == nil {
		params.Speed = param.NewOpt(s)
	}
	resp, err := p.client.Audio.Speech.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("openai tts: synthesize: %w", err)
	}

	return tts.Stream(ctx, pcmFormat, func(_ context.Context, emit func([]byte) bool) error {
		defer resp.Body.Close()
		buf := make([]byte, 4800)
		var carry []byte
		for {
			n, err := resp.Body.Read(buf)
			if n > 0 {
				chunk := append(carry, buf[:n]...)
				// Keep sample alignment across reads.
				even := len(chunk) &^ 1
				carry = append([]byte(nil), chunk[even:]...)
				if even > 0 && !emit(append([]byte(nil), chunk[:even]...)) {
					return nil
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("openai tts: read audio: %w", err)
			}
		}
	}), nil
}

// ListVoices returns the built-in OpenAI voices.
func (p *Provider) ListVoices(context.Context) ([]tts.Voice, error) {
	voices := make([]tts.Voice, 0, len(builtinVoices))
	for _, v := range builtinVoices {
		voices = append(voices, tts.Voice{
			ID:       v,
			Name:     v,
			Language: "en",
			Provider: "openai",
			Metadata: map[string]string{"model": p.model},
		})
	}
	return voices, nil
}

// speedOf reads an optional "speed" metadata override from the voice.
func speedOf(v tts.Voice) (float64, error) {
	s, ok := v.Metadata["speed"]
	if !ok {
		return 0, errors.New("no speed")
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil || f < 0.25 || f > 4 {
		return 0, fmt.Errorf("openai tts: invalid speed %q", s)
	}
	return f, nil
}

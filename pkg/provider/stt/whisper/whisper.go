// Package whisper provides STT backed by a whisper.cpp HTTP server
// (examples/server in the whisper.cpp repository).
//
// [Provider] implements both stt.Transcriber, posting one recorded utterance
// per request to /inference, and stt.Provider, where a session buffers
// streamed PCM and transcribes each utterance once a pause is detected.
//
// When language detection is enabled the server is asked to auto-detect the
// spoken language and utterances in any other language than the configured
// one are rejected with an error matching stt.ErrLanguageRejected.
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

const (
	defaultLanguage       = "en"
	defaultSampleRate     = 16000
	defaultSilence        = 500 * time.Millisecond
	defaultMaxBuffer      = 15 * time.Second
	defaultSpeechLevel    = 0.01
	flushTimeout          = 30 * time.Second
	inferenceEndpoint     = "/inference"
	verboseResponseFormat = "verbose_json"
)

var (
	_ stt.Provider    = (*Provider)(nil)
	_ stt.Transcriber = (*Provider)(nil)
)

// Option is a functional option for configuring a whisper Provider.
type Option func(*Provider)

// WithLanguage sets the required spoken language (ISO 639-1). Default "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithLanguageDetection makes the server auto-detect the spoken language and
// rejects utterances that do not match the configured language. Enabled by
// default.
func WithLanguageDetection(enabled bool) Option {
	return func(p *Provider) {
		p.detect = enabled
	}
}

// WithModel passes a model name to servers that host several models.
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithSilence sets the pause length that ends an utterance in streaming
// sessions. Default 500 ms.
func WithSilence(d time.Duration) Option {
	return func(p *Provider) {
		p.silence = d
	}
}

// WithMaxBuffer caps the audio buffered for one streaming utterance.
// Default 15 s.
func WithMaxBuffer(d time.Duration) Option {
	return func(p *Provider) {
		p.maxBuffer = d
	}
}

// WithTimeout sets the per-request HTTP timeout. Default 30 s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// Provider talks to a whisper.cpp server.
type Provider struct {
	serverURL  string
	model      string
	language   string
	detect     bool
	silence    time.Duration
	maxBuffer  time.Duration
	httpClient *http.Client
}

// New creates a Provider for the server at serverURL
// (e.g., "http://localhost:8080").
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	p := &Provider{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		detect:     true,
		silence:    defaultSilence,
		maxBuffer:  defaultMaxBuffer,
		httpClient: &http.Client{Timeout: flushTimeout},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// inferenceResponse covers both the plain and the verbose_json server
// responses. Older servers omit the language fields.
type inferenceResponse struct {
	Text             string  `json:"text"`
	Language         string  `json:"language"`
	DetectedLanguage string  `json:"detected_language"`
	Duration         float64 `json:"duration"`
}

// Transcribe implements stt.Transcriber.
func (p *Provider) Transcribe(ctx context.Context, wav []byte) (stt.Transcript, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: write wav data: %w", err)
	}
	lang := p.language
	if p.detect {
		lang = "auto"
	}
	fields := map[string]string{
		"language":        lang,
		"response_format": verboseResponseFormat,
		"model":           p.model,
	}
	for k, v := range fields {
		if v == "" {
			continue
		}
		if err := mw.WriteField(k, v); err != nil {
			return stt.Transcript{}, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+inferenceEndpoint, &body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: http request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return stt.Transcript{}, fmt.Errorf("whisper: server returned HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: read response body: %w", err)
	}
	var result inferenceResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return stt.Transcript{}, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	detected := result.DetectedLanguage
	if detected == "" {
		detected = result.Language
	}
	t := stt.Transcript{
		Text:     strings.TrimSpace(result.Text),
		IsFinal:  true,
		Language: detected,
		Duration: time.Duration(result.Duration * float64(time.Second)),
	}
	if t.Text == "" || isBlankMarker(t.Text) {
		return stt.Transcript{IsFinal: true, Language: detected}, nil
	}
	if p.detect {
		if err := stt.CheckLanguage(p.language, detected); err != nil {
			return t, err
		}
	}
	return t, nil
}

// isBlankMarker reports whisper's placeholder output for silent input,
// such as "[BLANK_AUDIO]" or "(silence)".
func isBlankMarker(s string) bool {
	if len(s) < 2 {
		return false
	}
	first, last := s[0], s[len(s)-1]
	return (first == '[' && last == ']') || (first == '(' && last == ')')
}

// StartStream implements stt.Provider. The session buffers audio and
// transcribes each utterance after a pause, the buffer limit, or Close.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("whisper: context already cancelled: %w", err)
	}
	f := audio.Format{SampleRate: cfg.SampleRate, Channels: cfg.Channels}
	if f.SampleRate <= 0 {
		f.SampleRate = defaultSampleRate
	}
	if f.Channels <= 0 {
		f.Channels = 1
	}
	s := &session{
		p:        p,
		format:   f,
		audioCh:  make(chan []byte, 256),
		partials: make(chan stt.Transcript, 8),
		finals:   make(chan stt.Transcript, 8),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.processLoop(ctx)
	return s, nil
}

// session implements stt.SessionHandle on top of Transcribe.
type session struct {
	p      *Provider
	format audio.Format

	audioCh  chan []byte
	partials chan stt.Transcript
	finals   chan stt.Transcript

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return errors.New("whisper: session is closed")
	default:
	}
	select {
	case s.audioCh <- chunk:
		return nil
	case <-s.done:
		return errors.New("whisper: session is closed")
	}
}

func (s *session) Partials() <-chan stt.Transcript { return s.partials }

func (s *session) Finals() <-chan stt.Transcript { return s.finals }

// Close transcribes any buffered speech and waits for the session to wind
// down.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.wg.Wait()
	})
	return nil
}

func (s *session) processLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.partials)
	defer close(s.finals)

	var (
		buffer    []byte
		hadSpeech bool
		silence   time.Duration
	)
	maxBytes := int(s.p.maxBuffer.Seconds() * float64(s.format.BytesPerSecond()))

	flush := func(fctx context.Context) {
		pcm, speech := buffer, hadSpeech
		buffer, hadSpeech, silence = nil, false, 0
		if len(pcm) == 0 || !speech {
			return
		}
		// Rejected utterances are still delivered; consumers see the
		// detected language on the transcript.
		t, err := s.p.Transcribe(fctx, audio.EncodeWAV(pcm, s.format))
		if (err != nil && !errors.Is(err, stt.ErrLanguageRejected)) || t.Text == "" {
			return
		}
		select {
		case s.finals <- t:
		case <-fctx.Done():
		}
	}
	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
		defer cancel()
		flush(fctx)
	}

	consume := func(chunk []byte) {
		quiet := audio.RMS(chunk) < defaultSpeechLevel
		if quiet && !hadSpeech {
			return
		}
		buffer = append(buffer, chunk...)
		if quiet {
			silence += s.format.Duration(len(chunk))
			if silence >= s.p.silence {
				flush(ctx)
			}
			return
		}
		hadSpeech, silence = true, 0
		if maxBytes > 0 && len(buffer) >= maxBytes {
			flush(ctx)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
		drain:
			for {
				select {
				case chunk := <-s.audioCh:
					consume(chunk)
				default:
					break drain
				}
			}
			final()
			return
		case chunk := <-s.audioCh:
			consume(chunk)
		}
	}
}

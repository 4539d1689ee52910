package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

// ---- test helpers ----

func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Parallel()

	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.apiMode != APIModeStandard {
			t.Errorf("apiMode = %q, want standard", p.apiMode)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://x", WithLanguage("de"), WithTimeout(time.Second), WithAPIMode(APIModeXTTS))
		if p.language != "de" || p.httpClient.Timeout != time.Second || p.apiMode != APIModeXTTS {
			t.Errorf("options not applied: %+v", p)
		}
	})

	t.Run("empty url", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		if _, err := New("http://x", WithAPIMode("nope")); err == nil {
			t.Error("expected error")
		}
	})
}

// ---- Synthesize ----

func TestSynthesize_Standard(t *testing.T) {
	t.Parallel()

	pcm := make([]byte, pcmChunkSize*2+10)
	for i := range pcm {
		pcm[i] = byte(i)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != apiTTSEndpoint {
			http.NotFound(w, r)
			return
		}
		q := r.URL.Query()
		if q.Get("text") != "Hello?" || q.Get("speaker_id") != "p225" || q.Get("language_id") != "en" {
			http.Error(w, "bad query "+r.URL.RawQuery, http.StatusBadRequest)
			return
		}
		_, _ = w.Write(audio.EncodeWAV(pcm, audio.Format{SampleRate: 22050, Channels: 1}))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	speech, err := p.Synthesize(context.Background(), "Hello?", tts.Voice{ID: "p225"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.Format.SampleRate != 22050 {
		t.Errorf("rate = %d, want 22050", speech.Format.SampleRate)
	}
	if got := drainAudio(speech.Audio); !bytes.Equal(got, pcm) {
		t.Errorf("audio mismatch: got %d bytes, want %d", len(got), len(pcm))
	}
	if err := speech.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}
}

func TestSynthesize_XTTSResamples(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req xttsRequest
		if r.Method != http.MethodPost || json.NewDecoder(r.Body).Decode(&req) != nil || req.SpeakerWav != "Ana" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write(audio.EncodeWAV(make([]byte, 2400*2), audio.Format{SampleRate: 24000, Channels: 1}))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS), WithOutputSampleRate(16000))
	speech, err := p.Synthesize(context.Background(), "Hi.", tts.Voice{ID: "Ana"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.Format != audio.SpeechFormat {
		t.Errorf("format = %v, want %v", speech.Format, audio.SpeechFormat)
	}
	if got := len(drainAudio(speech.Audio)); got != 1600*2 {
		t.Errorf("bytes = %d, want %d", got, 1600*2)
	}
}

func TestSynthesize_Errors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("text") == "garbage" {
			_, _ = w.Write([]byte("not a wav"))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.Synthesize(context.Background(), "boom", tts.Voice{}); err == nil {
		t.Error("expected error on 500")
	}
	if _, err := p.Synthesize(context.Background(), "garbage", tts.Voice{}); err == nil {
		t.Error("expected error on invalid WAV")
	}

	x := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS))
	if _, err := x.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Error("expected error for missing xtts speaker")
	}
}

// ---- ListVoices ----

func TestListVoices_Standard(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		body     string
		wantIDs  []string
		wantName string
	}{
		{
			name:     "multi speaker sorted",
			body:     `{"model_name":"vctk","language":"en","speakers":["p226","p225"]}`,
			wantIDs:  []string{"p225", "p226"},
			wantName: "p225",
		},
		{
			name:     "single speaker",
			body:     `{"model_name":"tts_models/en/ljspeech/vits"}`,
			wantIDs:  []string{""},
			wantName: "tts_models/en/ljspeech/vits",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != detailsEndpoint {
					http.NotFound(w, r)
					return
				}
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			voices, err := mustNew(t, srv.URL).ListVoices(context.Background())
			if err != nil {
				t.Fatalf("ListVoices: %v", err)
			}
			if len(voices) != len(tc.wantIDs) {
				t.Fatalf("got %d voices, want %d", len(voices), len(tc.wantIDs))
			}
			for i, id := range tc.wantIDs {
				if voices[i].ID != id {
					t.Errorf("voice[%d].ID = %q, want %q", i, voices[i].ID, id)
				}
				if !voices[i].IsEnglish() {
					t.Errorf("voice[%d] should be English", i)
				}
			}
			if voices[0].Name != tc.wantName {
				t.Errorf("Name = %q, want %q", voices[0].Name, tc.wantName)
			}
		})
	}
}

func TestListVoices_XTTS(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != studioSpeakersEndpoint {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"Claribel Dervla":{},"Ana Florence":{}}`))
	}))
	defer srv.Close()

	voices, err := mustNew(t, srv.URL, WithAPIMode(APIModeXTTS)).ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 || voices[0].Name != "Ana Florence" {
		t.Errorf("voices = %+v", voices)
	}
}

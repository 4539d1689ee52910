package elevenlabs

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/vouch/pkg/audio"
	"github.com/MrWong99/vouch/pkg/provider/tts"
	"github.com/coder/websocket"
)

// ---- Constructor ----

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

func TestNew_RejectsNonPCMFormat(t *testing.T) {
	t.Parallel()
	if _, err := New("key", WithOutputFormat("mp3_44100_128")); err == nil {
		t.Fatal("expected error for mp3 output format")
	}
}

// ---- URL construction ----

func TestStreamURL(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithBaseURL("https://api.example.com/"), WithModel("m1"), WithOutputFormat("pcm_24000"))
	if err != nil {
		t.Fatal(err)
	}
	got := p.streamURL("voice-1")
	want := "wss://api.example.com/v1/text-to-speech/voice-1/stream-input?model_id=m1&output_format=pcm_24000"
	if got != want {
		t.Errorf("streamURL = %q, want %q", got, want)
	}
}

// ---- Synthesize ----

func TestSynthesize_StreamsAudio(t *testing.T) {
	t.Parallel()

	pcm := audio.Int16ToBytes([]int16{1, 2, 3, 4})
	var (
		mu  sync.Mutex
		got []map[string]any
	)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "/v1/text-to-speech/v1/stream-input") {
			http.NotFound(w, r)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		for range 3 {
			_, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(msg, &m)
			mu.Lock()
			got = append(got, m)
			mu.Unlock()
		}
		b64 := base64.StdEncoding.EncodeToString(pcm)
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+b64+`"}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"audio":"`+b64+`","isFinal":false}`))
		_ = conn.Write(ctx, websocket.MessageText, []byte(`{"isFinal":true}`))
		_, _, _ = conn.Read(ctx)
	}))
	defer srv.Close()

	p, err := New("secret", WithBaseURL(srv.URL))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	speech, err := p.Synthesize(ctx, "Hello there?", tts.Voice{ID: "v1"})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if speech.Format != audio.SpeechFormat {
		t.Errorf("format = %v, want %v", speech.Format, audio.SpeechFormat)
	}
	var n int
	for chunk := range speech.Audio {
		n += len(chunk)
	}
	if n != 2*len(pcm) {
		t.Errorf("received %d bytes, want %d", n, 2*len(pcm))
	}
	if err := speech.Err(); err != nil {
		t.Errorf("Err = %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("server received %d messages, want 3", len(got))
	}
	if got[0]["xi_api_key"] != "secret" {
		t.Errorf("BOI xi_api_key = %v", got[0]["xi_api_key"])
	}
	if got[1]["text"] != "Hello there? " {
		t.Errorf("text message = %v", got[1]["text"])
	}
	if got[2]["text"] != "" {
		t.Errorf("flush message = %v, want empty text", got[2]["text"])
	}
}

func TestSynthesize_RequiresVoice(t *testing.T) {
	t.Parallel()
	p, _ := New("key")
	if _, err := p.Synthesize(context.Background(), "hi", tts.Voice{}); err == nil {
		t.Fatal("expected error for empty voice ID")
	}
}

// ---- ListVoices ----

func TestListVoices(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/voices" || r.Header.Get("xi-api-key") != "secret" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"voices":[
			{"voice_id":"a","name":"Rachel","category":"premade","labels":{"accent":"american","language":"en"}},
			{"voice_id":"b","name":"Hans","labels":{"accent":"german"}}
		]}`))
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	if voices[0].ID != "a" || voices[0].Name != "Rachel" || voices[0].Language != "en" {
		t.Errorf("voice[0] = %+v", voices[0])
	}
	if voices[0].Metadata["category"] != "premade" {
		t.Errorf("category = %q, want premade", voices[0].Metadata["category"])
	}
	if !voices[0].IsEnglish() || voices[1].IsEnglish() {
		t.Error("IsEnglish mismatch")
	}
}

func TestListVoices_HTTPError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	p, _ := New("secret", WithBaseURL(srv.URL))
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Fatal("expected error on 401")
	}
}

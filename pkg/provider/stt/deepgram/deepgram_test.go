package deepgram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/vouch/pkg/provider/stt"
	"github.com/coder/websocket"
)

// ─── URL ──────────────────────────────────────────────────────────────────────

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rawURL, err := p.buildURL(stt.StreamConfig{SampleRate: 16000, Channels: 1, Language: "en"})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "true", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
	assertEqual(t, "smart_format", "true", q.Get("smart_format"))
	if q.Has("endpointing") || q.Has("keywords") {
		t.Errorf("unexpected tuning params in %s", rawURL)
	}
}

func TestBuildURL_Tuning(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name        string
		opts        []Option
		endpointing string
		keywords    []string
	}{
		{"endpointing", []Option{WithEndpointing(800 * time.Millisecond)}, "800", nil},
		{"no endpointing", []Option{WithEndpointing(-1)}, "false", nil},
		{"cv keywords", []Option{WithKeywords("Kubernetes", "Go"), WithKeywords("Postgres")}, "", []string{"Kubernetes", "Go", "Postgres"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p, err := New("key", tt.opts...)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			rawURL, err := p.buildURL(stt.StreamConfig{})
			if err != nil {
				t.Fatalf("buildURL: %v", err)
			}
			u, _ := url.Parse(rawURL)
			q := u.Query()
			assertEqual(t, "endpointing", tt.endpointing, q.Get("endpointing"))
			if got := q["keywords"]; strings.Join(got, ",") != strings.Join(tt.keywords, ",") {
				t.Errorf("keywords = %v, want %v", got, tt.keywords)
			}
		})
	}
}

func TestBuildURL_ProviderDefaults(t *testing.T) {
	t.Parallel()
	p, err := New("key", WithModel("base"), WithLanguage("en-GB"), WithSampleRate(48000))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(stt.StreamConfig{})
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, _ := url.Parse(rawURL)
	q := u.Query()

	assertEqual(t, "model", "base", q.Get("model"))
	assertEqual(t, "language", "en-GB", q.Get("language"))
	assertEqual(t, "sample_rate", "48000", q.Get("sample_rate"))
	if q.Has("channels") {
		t.Error("channels should be omitted when unset")
	}
}

// ─── parsing ──────────────────────────────────────────────────────────────────

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		raw       string
		wantOK    bool
		wantText  string
		wantFinal bool
	}{
		{
			name:      "final",
			raw:       `{"type":"Results","is_final":true,"duration":1.5,"channel":{"alternatives":[{"transcript":"Hello world","confidence":0.95}]}}`,
			wantOK:    true,
			wantText:  "Hello world",
			wantFinal: true,
		},
		{
			name:     "partial",
			raw:      `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
			wantOK:   true,
			wantText: "Hello",
		},
		{name: "metadata", raw: `{"type":"Metadata","request_id":"abc"}`},
		{name: "no alternatives", raw: `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`},
		{name: "invalid json", raw: `{invalid`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			tr, ok := parseDeepgramResponse([]byte(tc.raw))
			if ok != tc.wantOK {
				t.Fatalf("ok = %v, want %v", ok, tc.wantOK)
			}
			if !ok {
				return
			}
			assertEqual(t, "text", tc.wantText, tr.Text)
			if tr.IsFinal != tc.wantFinal {
				t.Errorf("IsFinal = %v, want %v", tr.IsFinal, tc.wantFinal)
			}
		})
	}
}

func TestParseDeepgramResponse_Duration(t *testing.T) {
	t.Parallel()
	tr, _ := parseDeepgramResponse([]byte(`{"type":"Results","is_final":true,"duration":1.5,"channel":{"alternatives":[{"transcript":"x","languages":["en"]}]}}`))
	if tr.Duration != 1500*time.Millisecond {
		t.Errorf("Duration = %v, want 1.5s", tr.Duration)
	}
	assertEqual(t, "language", "en", tr.Language)
}

// ─── Session round trip ──────────────────────────────────────────────────────

func TestSession_RoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan int, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Token key" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()
		var n int
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageBinary {
				n += len(msg)
				continue
			}
			if strings.Contains(string(msg), "CloseStream") {
				received <- n
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"I led"}]}}`))
				_ = conn.Write(ctx, websocket.MessageText, []byte(`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"I led the team."}]}}`))
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}))
	defer srv.Close()

	p, _ := New("key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := p.StartStream(ctx, stt.StreamConfig{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	for range 4 {
		if err := sess.SendAudio(make([]byte, 320)); err != nil {
			t.Fatalf("SendAudio: %v", err)
		}
	}
	// Give the write loop a moment to flush before asking for CloseStream.
	time.Sleep(50 * time.Millisecond)

	var finals []string
	collected := make(chan struct{})
	go func() {
		defer close(collected)
		for tr := range sess.Finals() {
			finals = append(finals, tr.Text)
		}
	}()
	go audioDrain(sess.Partials())

	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	<-collected

	if n := <-received; n != 4*320 {
		t.Errorf("server received %d bytes, want %d", n, 4*320)
	}
	if len(finals) != 1 || finals[0] != "I led the team." {
		t.Errorf("finals = %v", finals)
	}
	if err := sess.SendAudio([]byte{0, 0}); err != ErrSessionClosed {
		t.Errorf("SendAudio after Close = %v, want ErrSessionClosed", err)
	}
	if err := sess.Close(); err != nil {
		t.Errorf("second Close = %v", err)
	}
}

// ─── Constructor tests ───────────────────────────────────────────────────────

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Error("expected error for empty API key")
	}
}

// ─── helpers ─────────────────────────────────────────────────────────────────

func audioDrain(ch <-chan stt.Transcript) {
	for range ch {
	}
}

func assertEqual(t *testing.T, label, want, got string) {
	t.Helper()
	if want != got {
		t.Errorf("%s: want %q, got %q", label, want, got)
	}
}

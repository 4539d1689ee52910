package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// recorded is one request seen by the fake service.
type recorded struct {
	Method string
	Path   string
	Auth   string
	Body   []byte
}

// fakeService serves canned responses per path and records every request.
type fakeService struct {
	mu       sync.Mutex
	requests []recorded
	routes   map[string]func(w http.ResponseWriter, r *http.Request)
}

func newFakeService(t *testing.T) (*fakeService, *httptest.Server) {
	t.Helper()
	fs := &fakeService{routes: make(map[string]func(http.ResponseWriter, *http.Request))}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		fs.mu.Lock()
		fs.requests = append(fs.requests, recorded{Method: r.Method, Path: r.URL.Path, Auth: r.Header.Get("Authorization"), Body: body})
		h := fs.routes[r.URL.Path]
		fs.mu.Unlock()
		if h == nil {
			http.NotFound(w, r)
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		h(w, r)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeService) handle(path string, h func(w http.ResponseWriter, r *http.Request)) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.routes[path] = h
}

func (fs *fakeService) last(t *testing.T) recorded {
	t.Helper()
	fs.mu.Lock()
	defer fs.mu.Unlock()
	if len(fs.requests) == 0 {
		t.Fatal("no request recorded")
	}
	return fs.requests[len(fs.requests)-1]
}

func (fs *fakeService) count() int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return len(fs.requests)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()
	opts = append([]Option{WithRateLimit(0, 0)}, opts...)
	c, err := New(srv.URL+"/api", StaticToken("secret-token"), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c
}

// ─── Construction ────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("ftp://example.com", StaticToken("x")); err == nil {
		t.Error("expected error for non-http scheme")
	}
	if _, err := New("https://example.com/api", nil); err == nil {
		t.Error("expected error for missing credentials")
	}
}

// ─── Session lifecycle ───────────────────────────────────────────────────────

func TestStartSession(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/interview/conversation-session/start/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"session_id": 42, "status": "in_progress"})
	})
	c := newTestClient(t, srv)

	s, err := c.StartSession(context.Background(), 7, 9)
	if err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if s.ID != 42 || s.Status != "in_progress" {
		t.Errorf("session = %+v", s)
	}

	req := fs.last(t)
	if req.Method != http.MethodPost {
		t.Errorf("method = %s, want POST", req.Method)
	}
	if req.Auth != "Bearer secret-token" {
		t.Errorf("Authorization = %q", req.Auth)
	}
	var body map[string]int64
	if err := json.Unmarshal(req.Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["cv_id"] != 7 || body["paper_id"] != 9 {
		t.Errorf("body = %v", body)
	}
}

func TestStartSession_InvalidIDsNeverSent(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	c := newTestClient(t, srv)
	if _, err := c.StartSession(context.Background(), 0, 9); err == nil {
		t.Fatal("expected validation error")
	}
	if n := fs.count(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestGeneratePaperAndEndSession(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/interview/conversation-session/42/generate-paper/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":         5,
			"content":    "Our Recommendation",
			"created_at": "2026-03-01T10:00:00.123456Z",
		})
	})
	fs.handle("/api/interview/conversation-session/42/end/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ended"})
	})
	c := newTestClient(t, srv)

	p, err := c.GeneratePaper(context.Background(), 42)
	if err != nil {
		t.Fatalf("GeneratePaper: %v", err)
	}
	if p.ID != 5 || p.Content != "Our Recommendation" || p.CreatedAt.Year() != 2026 {
		t.Errorf("paper = %+v", p)
	}
	if err := c.EndSession(context.Background(), 42); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
}

// ─── Questions and turns ─────────────────────────────────────────────────────

func TestNextQuestion(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/llm/recruiter-assistant/question/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"question":         "  Which frameworks has the candidate used?  ",
			"section":          "technical_competencies",
			"complete_section": true,
			"done":             false,
		})
	})
	c := newTestClient(t, srv)

	var h interview.History
	h.Ask("Hello?")
	h.Answer("Hi.")
	reply, err := c.NextQuestion(context.Background(), QuestionRequest{
		CVID: 1, PaperID: 2, History: h.Turns(), Section: interview.CoreSkills,
	})
	if err != nil {
		t.Fatalf("NextQuestion: %v", err)
	}
	want := Reply{Question: "Which frameworks has the candidate used?", Section: interview.TechnicalCompetencies, SectionComplete: true}
	if reply != want {
		t.Errorf("reply = %+v, want %+v", reply, want)
	}

	var body struct {
		History []interview.HistoryTurn `json:"history"`
		Section string                  `json:"section"`
	}
	if err := json.Unmarshal(fs.last(t).Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.History) != 2 || body.History[0].Role != "assistant" || body.History[1].Role != "recruiter" {
		t.Errorf("history = %+v", body.History)
	}
	if body.Section != "core_skills" {
		t.Errorf("section = %q", body.Section)
	}
}

func TestNextQuestion_EmptyHistoryIsArray(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/llm/recruiter-assistant/question/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"question": "Q?", "section": "core_skills"})
	})
	c := newTestClient(t, srv)
	if _, err := c.NextQuestion(context.Background(), QuestionRequest{CVID: 1, PaperID: 2, Section: interview.CoreSkills}); err != nil {
		t.Fatalf("NextQuestion: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(fs.last(t).Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if string(body["history"]) != "[]" {
		t.Errorf("history = %s, want []", body["history"])
	}
}

func TestNextQuestion_NotFoundIsNotSessionError(t *testing.T) {
	t.Parallel()

	_, srv := newFakeService(t)
	c := newTestClient(t, srv)
	_, err := c.NextQuestion(context.Background(), QuestionRequest{CVID: 1, PaperID: 2, Section: interview.CoreSkills})
	var se *StatusError
	if !errors.As(err, &se) || se.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404 StatusError", err)
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Error("question 404 must not match ErrSessionNotFound")
	}
}

func TestRecordTurn(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/interview/conversation-session/turn/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusCreated, map[string]any{
			"question_id":      11,
			"response_id":      12,
			"status":           "confirmed",
			"confidence_level": "high",
			"extracted_skills": []string{"Go", "Kubernetes"},
		})
	})
	c := newTestClient(t, srv)

	res, err := c.RecordTurn(context.Background(), TurnRecord{
		SessionID: 42,
		Section:   interview.AdditionalInfo,
		Phase:     interview.PhaseDiscovery,
		Question:  "Anything else?",
		Answer:    "She mentors juniors.",
	})
	if err != nil {
		t.Fatalf("RecordTurn: %v", err)
	}
	if res.QuestionID != 11 || res.ResponseID != 12 || len(res.ExtractedSkills) != 2 {
		t.Errorf("result = %+v", res)
	}

	var body map[string]any
	if err := json.Unmarshal(fs.last(t).Body, &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	for k, want := range map[string]any{
		"section":       "additional_info",
		"phase":         "discovery",
		"question_text": "Anything else?",
		"answer_text":   "She mentors juniors.",
		"session_id":    float64(42),
	} {
		if body[k] != want {
			t.Errorf("body[%q] = %v, want %v", k, body[k], want)
		}
	}
}

func TestRecordTurn_SessionNotFound(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/interview/conversation-session/turn/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Not found."})
	})
	c := newTestClient(t, srv)

	_, err := c.RecordTurn(context.Background(), TurnRecord{
		SessionID: 42, Section: interview.CoreSkills, Phase: interview.PhaseValidation,
		Question: "Q?", Answer: "A.",
	})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("err = %v, want ErrSessionNotFound", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.Detail != "Not found." {
		t.Errorf("StatusError = %+v", se)
	}
}

func TestRecordTurn_Validation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rec  TurnRecord
	}{
		{"missing session", TurnRecord{Section: "core_skills", Phase: "validation", Question: "Q", Answer: "A"}},
		{"missing answer", TurnRecord{SessionID: 1, Section: "core_skills", Phase: "validation", Question: "Q"}},
		{"bad phase", TurnRecord{SessionID: 1, Section: "core_skills", Phase: "closing", Question: "Q", Answer: "A"}},
	}
	fs, srv := newFakeService(t)
	c := newTestClient(t, srv)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.RecordTurn(context.Background(), tc.rec); err == nil {
				t.Error("expected validation error")
			}
		})
	}
	if n := fs.count(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

func TestStatusError_ServerError(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/interview/conversation-session/42/generate-paper/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream exploded", http.StatusBadGateway)
	})
	c := newTestClient(t, srv)

	_, err := c.GeneratePaper(context.Background(), 42)
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StatusError", err)
	}
	if se.Code != http.StatusBadGateway || se.Detail != "upstream exploded" || se.Op != "generate paper" {
		t.Errorf("StatusError = %+v", se)
	}
	if errors.Is(err, ErrSessionNotFound) {
		t.Error("502 must not match ErrSessionNotFound")
	}
}

// ─── Transcription ───────────────────────────────────────────────────────────

func TestTranscribe(t *testing.T) {
	t.Parallel()

	var gotAudio []byte
	var mu sync.Mutex
	fs, srv := newFakeService(t)
	fs.handle("/api/llm/transcribe-audio/", func(w http.ResponseWriter, r *http.Request) {
		f, _, err := r.FormFile("audio")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		mu.Lock()
		gotAudio = data
		mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]string{"text": " She led the migration. ", "language": "en"})
	})
	c := newTestClient(t, srv)

	tr, err := c.Transcribe(context.Background(), []byte("RIFFfake"))
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if tr.Text != "She led the migration." || tr.Language != "en" || !tr.IsFinal {
		t.Errorf("transcript = %+v", tr)
	}
	mu.Lock()
	defer mu.Unlock()
	if string(gotAudio) != "RIFFfake" {
		t.Errorf("uploaded audio = %q", gotAudio)
	}
}

func TestTranscribe_LanguageRejected(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	fs.handle("/api/llm/transcribe-audio/", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"code":              "language_rejected",
			"detected_language": "de",
			"detail":            "Please answer in English.",
		})
	})
	c := newTestClient(t, srv)

	_, err := c.Transcribe(context.Background(), []byte("RIFFfake"))
	if !errors.Is(err, stt.ErrLanguageRejected) {
		t.Fatalf("err = %v, want ErrLanguageRejected", err)
	}
	var le *stt.LanguageError
	if !errors.As(err, &le) || le.Detected != "de" {
		t.Errorf("LanguageError = %+v", le)
	}
}

func TestTranscribe_EmptyAudio(t *testing.T) {
	t.Parallel()

	fs, srv := newFakeService(t)
	c := newTestClient(t, srv)
	tr, err := c.Transcribe(context.Background(), nil)
	if err != nil || tr.Text != "" {
		t.Errorf("Transcribe(nil) = %+v, %v", tr, err)
	}
	if n := fs.count(); n != 0 {
		t.Errorf("requests = %d, want 0", n)
	}
}

// ─── Metrics ─────────────────────────────────────────────────────────────────

func TestClient_RecordsMetrics(t *testing.T) {
	t.Parallel()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	_, srv := newFakeService(t)
	c := newTestClient(t, srv, WithMetrics(m))
	_ = c.EndSession(context.Background(), 1) // 404

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "vouch.protocol.errors" {
				continue
			}
			sum := met.Data.(metricdata.Sum[int64])
			if len(sum.DataPoints) == 1 && sum.DataPoints[0].Value == 1 {
				found = true
			}
		}
	}
	if !found {
		t.Error("protocol error was not counted")
	}
}

// ─── Credentials ─────────────────────────────────────────────────────────────

func TestStaticToken_Empty(t *testing.T) {
	t.Parallel()

	if _, err := StaticToken("").Token(context.Background()); err == nil {
		t.Error("expected error for empty token")
	}
}

func TestJWTSigner(t *testing.T) {
	t.Parallel()

	secret := []byte("shared-secret")
	s, err := NewJWTSigner(secret, "17", time.Minute)
	if err != nil {
		t.Fatalf("NewJWTSigner: %v", err)
	}
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	first, err := s.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}

	claims := &accessClaims{}
	parser := jwt.NewParser(jwt.WithTimeFunc(func() time.Time { return now }), jwt.WithValidMethods([]string{"HS256"}))
	if _, err := parser.ParseWithClaims(first, claims, func(*jwt.Token) (any, error) { return secret, nil }); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.UserID != "17" || claims.TokenType != "access" || claims.Subject != "17" {
		t.Errorf("claims = %+v", claims)
	}

	now = now.Add(20 * time.Second)
	cached, _ := s.Token(context.Background())
	if cached != first {
		t.Error("token should be cached before the refresh margin")
	}

	now = now.Add(15 * time.Second) // within 30s of expiry
	fresh, _ := s.Token(context.Background())
	if fresh == first {
		t.Error("token should be refreshed close to expiry")
	}
}

func TestNewJWTSigner_Validation(t *testing.T) {
	t.Parallel()

	if _, err := NewJWTSigner(nil, "1", 0); err == nil {
		t.Error("expected error for empty secret")
	}
	if _, err := NewJWTSigner([]byte("s"), "", 0); err == nil {
		t.Error("expected error for empty user id")
	}
}

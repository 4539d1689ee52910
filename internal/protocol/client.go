package protocol

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// Service routes, relative to the API base URL.
const (
	routeStart    = "interview/conversation-session/start/"
	routeQuestion = "llm/recruiter-assistant/question/"
	routeTurn     = "interview/conversation-session/turn/"
	routeSession  = "interview/conversation-session/%d/%s/"
	routeTransc   = "llm/transcribe-audio/"
)

const (
	defaultTimeout   = 60 * time.Second
	defaultRateLimit = 10
	defaultBurst     = 5

	// maxErrorBody bounds how much of an error response is kept as detail.
	maxErrorBody = 4 << 10
)

// Option is a functional option for [Client].
type Option func(*Client)

// WithHTTPClient replaces the HTTP client. Its timeout takes precedence over
// [WithTimeout].
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) {
		cl.http = c
	}
}

// WithTimeout sets the per-request timeout. Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) {
		cl.http.Timeout = d
	}
}

// WithRateLimit sets the client-side request rate in requests per second
// with the given burst. A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(cl *Client) {
		if rps <= 0 {
			cl.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		cl.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics records request metrics on m instead of
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(cl *Client) {
		cl.metrics = m
	}
}

// Client talks to the interview service over HTTP+JSON.
type Client struct {
	base     *url.URL
	creds    CredentialSource
	http     *http.Client
	limiter  *rate.Limiter
	validate *validator.Validate
	metrics  *observe.Metrics
}

// New returns a Client for the API rooted at baseURL, e.g.
// "https://cv.example.com/api/".
func New(baseURL string, creds CredentialSource, opts ...Option) (*Client, error) {
	if creds == nil {
		return nil, errors.New("protocol: credential source is required")
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("protocol: parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("protocol: base url %q must be http or https", baseURL)
	}
	if !strings.HasSuffix(base.Path, "/") {
		base.Path += "/"
	}
	c := &Client{
		base:     base,
		creds:    creds,
		http:     &http.Client{Timeout: defaultTimeout},
		limiter:  rate.NewLimiter(rate.Limit(defaultRateLimit), defaultBurst),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// StartSession opens a conversation session for a CV and its competence
// paper. Calling it again yields a fresh session.
func (c *Client) StartSession(ctx context.Context, cvID, paperID int64) (Session, error) {
	req := struct {
		CVID    int64 `json:"cv_id" validate:"gt=0"`
		PaperID int64 `json:"paper_id" validate:"gt=0"`
	}{cvID, paperID}
	var s Session
	if err := c.postJSON(ctx, "start session", routeStart, req, &s, false); err != nil {
		return Session{}, err
	}
	if s.ID <= 0 {
		return Session{}, errors.New("protocol: start session: response has no session id")
	}
	return s, nil
}

// NextQuestion fetches the next question for the conversation so far.
func (c *Client) NextQuestion(ctx context.Context, req QuestionRequest) (Reply, error) {
	if req.History == nil {
		req.History = []interview.HistoryTurn{}
	}
	var r Reply
	if err := c.postJSON(ctx, "next question", routeQuestion, req, &r, false); err != nil {
		return Reply{}, err
	}
	r.Question = strings.TrimSpace(r.Question)
	return r, nil
}

// RecordTurn persists one answered question. A 404 matches
// [ErrSessionNotFound].
func (c *Client) RecordTurn(ctx context.Context, rec TurnRecord) (TurnResult, error) {
	var r TurnResult
	if err := c.postJSON(ctx, "record turn", routeTurn, rec, &r, true); err != nil {
		return TurnResult{}, err
	}
	return r, nil
}

// GeneratePaper asks the service to build the competence paper of a
// session. A 404 matches [ErrSessionNotFound].
func (c *Client) GeneratePaper(ctx context.Context, sessionID int64) (interview.Paper, error) {
	var p interview.Paper
	if err := c.postJSON(ctx, "generate paper", sessionRoute(sessionID, "generate-paper"), struct{}{}, &p, true); err != nil {
		return interview.Paper{}, err
	}
	return p, nil
}

// EndSession marks a session as ended without generating a paper.
func (c *Client) EndSession(ctx context.Context, sessionID int64) error {
	return c.postJSON(ctx, "end session", sessionRoute(sessionID, "end"), struct{}{}, nil, true)
}

func sessionRoute(id int64, action string) string {
	return fmt.Sprintf(routeSession, id, action)
}

func (c *Client) postJSON(ctx context.Context, op, route string, body, out any, sessionOp bool) error {
	if err := c.validate.Struct(body); err != nil {
		return fmt.Errorf("protocol: %s: invalid request: %w", op, err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("protocol: %s: encode request: %w", op, err)
	}
	return c.do(ctx, op, route, "application/json", payload, sessionOp, func(resp *http.Response) error {
		if out == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("protocol: %s: decode response: %w", op, err)
		}
		return nil
	})
}

// do sends one request and hands 2xx responses to handle. Non-2xx responses
// become *StatusError.
func (c *Client) do(ctx context.Context, op, route, contentType string, payload []byte, sessionOp bool, handle func(*http.Response) error) (err error) {
	ctx, span := observe.StartSpan(ctx, "protocol."+strings.ReplaceAll(op, " ", "_"),
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("protocol.route", route)),
	)
	start := time.Now()
	status := "ok"
	defer func() {
		attrs := metric.WithAttributes(attribute.String("op", op))
		c.metrics.ProtocolDuration.Record(ctx, time.Since(start).Seconds(), attrs)
		if err != nil {
			status = "error"
			c.metrics.ProtocolErrors.Add(ctx, 1, attrs)
			observe.Logger(ctx).Debug("service request failed", "op", op, "err", err)
		}
		c.metrics.RecordProtocolRequest(ctx, op, status)
		observe.EndSpan(span, err)
	}()

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("protocol: %s: %w", op, err)
	}
	token, err := c.creds.Token(ctx)
	if err != nil {
		return fmt.Errorf("protocol: %s: credentials: %w", op, err)
	}

	u := c.base.JoinPath(route)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("protocol: %s: build request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("protocol: %s: %w", op, err)
	}
	defer resp.Body.Close()
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp, sessionOp)
	}
	return handle(resp)
}

// errorBody is the service's JSON error shape.
type errorBody struct {
	Detail           string `json:"detail"`
	Error            string `json:"error"`
	Code             string `json:"code"`
	DetectedLanguage string `json:"detected_language"`
}

func readErrorBody(resp *http.Response) (errorBody, string) {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var eb errorBody
	_ = json.Unmarshal(raw, &eb)
	return eb, strings.TrimSpace(string(raw))
}

func statusError(op string, resp *http.Response, sessionOp bool) error {
	eb, raw := readErrorBody(resp)
	if resp.StatusCode == http.StatusUnprocessableEntity && eb.Code == codeLanguageRejected {
		return fmt.Errorf("protocol: %s: %w", op, &stt.LanguageError{Detected: eb.DetectedLanguage})
	}
	detail := eb.Detail
	if detail == "" {
		detail = eb.Error
	}
	if detail == "" {
		detail = raw
	}
	if ra := resp.Header.Get("Retry-After"); ra != "" && resp.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(ra); err == nil {
			detail = fmt.Sprintf("%s (retry after %ds)", detail, secs)
		}
	}
	return &StatusError{
		Op:       op,
		Code:     resp.StatusCode,
		Detail:   detail,
		notFound: sessionOp && resp.StatusCode == http.StatusNotFound,
	}
}

// Package orchestrator runs a spoken CV verification interview.
//
// An [Orchestrator] starts a session with the interview service, then loops:
// fetch the next question, speak it, listen for the answer, persist the
// turn and apply section progression. When the service signals the end and
// every main section has been covered, it generates the competence paper.
//
// The loop is strictly sequential: a question is never fetched while an
// answer is being captured or persisted, and speaking and listening never
// overlap. [Orchestrator.Close] may be called from any goroutine; it stops
// audio synchronously and no speaking, listening or generating status
// follows it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/interview/progress"
	"github.com/MrWong99/vouch/internal/observe"
	"github.com/MrWong99/vouch/internal/protocol"
)

var (
	// ErrClosed is returned by Run and RetryGeneration once Close was called.
	ErrClosed = errors.New("orchestrator: interview closed")

	// ErrRunning is returned by Run while another Run is in progress.
	ErrRunning = errors.New("orchestrator: interview already running")

	// ErrNoRetry is returned by RetryGeneration when no failed generation
	// is pending.
	ErrNoRetry = errors.New("orchestrator: no failed generation to retry")
)

// Defaults.
const (
	DefaultCompletedDelay   = 5 * time.Second
	DefaultFetchRetries     = 2
	DefaultFetchBackoff     = time.Second
	DefaultCorrectionPrompt = "Sorry, I can only accept answers in English. Let me ask the question again."

	endSessionTimeout = 5 * time.Second
)

// Speaker plays interviewer utterances. Cancel interrupts any in-flight
// Speak call.
type Speaker interface {
	Speak(ctx context.Context, text string) error
	Cancel()
}

// Listener captures one answer per call. Stop ends any in-flight Listen
// call, which then returns an empty answer.
type Listener interface {
	Listen(ctx context.Context) (string, error)
	Stop()
}

// Option configures an [Orchestrator].
type Option func(*Orchestrator)

// WithSections sets the section order and question budgets.
func WithSections(sections []interview.SectionBudget) Option {
	return func(o *Orchestrator) {
		o.sections = sections
	}
}

// WithFallbackPrompts sets per-section questions asked when the service
// returns no question before the interview is done.
func WithFallbackPrompts(prompts map[interview.Section]string) Option {
	return func(o *Orchestrator) {
		o.fallbacks = prompts
	}
}

// WithCorrectionPrompt sets the utterance spoken when an answer is rejected
// for its language.
func WithCorrectionPrompt(text string) Option {
	return func(o *Orchestrator) {
		o.correction = text
	}
}

// WithCompletedDelay sets how long the completed status is held before
// teardown.
func WithCompletedDelay(d time.Duration) Option {
	return func(o *Orchestrator) {
		o.completedDelay = d
	}
}

// WithFetchRetries sets how often a failed question fetch is retried and
// the initial backoff, which doubles per attempt.
func WithFetchRetries(n int, backoff time.Duration) Option {
	return func(o *Orchestrator) {
		o.fetchRetries = n
		o.fetchBackoff = backoff
	}
}

// WithClosingOverride enables the one-shot override of a premature "done"
// on an open "anything else to add" question.
func WithClosingOverride(m *progress.ClosingMatcher) Option {
	return func(o *Orchestrator) {
		o.closing = m
	}
}

// WithObserver registers a callback for interview events.
func WithObserver(fn Observer) Option {
	return func(o *Orchestrator) {
		o.observer = fn
	}
}

// WithMetrics sets the metrics instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// Orchestrator conducts one interview at a time for a single CV and paper.
// All exported methods are safe for concurrent use.
type Orchestrator struct {
	svc      protocol.Service
	speaker  Speaker
	listener Listener
	cvID     int64
	paperID  int64

	sections       []interview.SectionBudget
	fallbacks      map[interview.Section]string
	correction     string
	completedDelay time.Duration
	fetchRetries   int
	fetchBackoff   time.Duration
	closing        *progress.ClosingMatcher
	observer       Observer
	metrics        *observe.Metrics
	log            *slog.Logger

	// progress is only touched by the interview loop.
	progress *progress.Controller

	mu         sync.Mutex
	status     interview.Status
	section    interview.Section
	sessionID  int64
	runID      string
	history    interview.History
	running    bool
	closed     bool
	cancel     context.CancelFunc
	paper      *interview.Paper
	generating bool
	genFailed  bool
	ended      bool
}

// New returns an Orchestrator interviewing about cvID for paperID.
func New(svc protocol.Service, sp Speaker, li Listener, cvID, paperID int64, opts ...Option) (*Orchestrator, error) {
	o := &Orchestrator{
		svc:            svc,
		speaker:        sp,
		listener:       li,
		cvID:           cvID,
		paperID:        paperID,
		sections:       interview.DefaultSections(),
		correction:     DefaultCorrectionPrompt,
		completedDelay: DefaultCompletedDelay,
		fetchRetries:   DefaultFetchRetries,
		fetchBackoff:   DefaultFetchBackoff,
		status:         interview.StatusIdle,
	}
	for _, opt := range opts {
		opt(o)
	}

	var errs []error
	if svc == nil {
		errs = append(errs, errors.New("orchestrator: interview service is required"))
	}
	if sp == nil {
		errs = append(errs, errors.New("orchestrator: speaker is required"))
	}
	if li == nil {
		errs = append(errs, errors.New("orchestrator: listener is required"))
	}
	if cvID <= 0 || paperID <= 0 {
		errs = append(errs, fmt.Errorf("orchestrator: cv id %d and paper id %d must be positive", cvID, paperID))
	}
	if o.fetchRetries < 0 {
		errs = append(errs, errors.New("orchestrator: fetch retries must not be negative"))
	}
	if o.completedDelay < 0 {
		errs = append(errs, errors.New("orchestrator: completed delay must not be negative"))
	}
	var popts []progress.Option
	if o.closing != nil {
		popts = append(popts, progress.WithClosingOverride(o.closing))
	}
	ctrl, err := progress.New(o.sections, popts...)
	if err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	o.progress = ctrl
	o.section = ctrl.Current()
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	o.log = slog.Default().With("component", "orchestrator", "cv_id", cvID, "paper_id", paperID)
	return o, nil
}

// Run conducts an interview and blocks until it is over. History and section
// progress are reset and a new session is started on every call.
//
// Run returns nil when the interview finished, including after a completed
// paper generation. It returns [ErrClosed] when Close ended the interview,
// and the fatal error when the interview moved to the error status. After a
// generation failure the host may call [Orchestrator.RetryGeneration].
func (o *Orchestrator) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return ErrClosed
	case o.running:
		o.mu.Unlock()
		return ErrRunning
	}
	o.running = true
	o.cancel = cancel
	o.runID = uuid.NewString()
	o.sessionID = 0
	o.paper = nil
	o.genFailed = false
	o.ended = false
	o.history.Reset()
	o.progress.Reset()
	o.section = o.progress.Current()
	runID := o.runID
	o.mu.Unlock()

	o.metrics.ActiveInterviews.Add(ctx, 1)
	defer o.metrics.ActiveInterviews.Add(ctx, -1)
	o.log.Info("interview started", "run_id", runID)

	err := o.run(runCtx)

	o.mu.Lock()
	o.running = false
	o.cancel = nil
	closed := o.closed
	o.mu.Unlock()

	switch {
	case closed && err != nil:
		err = ErrClosed
	case err != nil && ctx.Err() != nil:
		o.listener.Stop()
		o.speaker.Cancel()
		o.transition(context.WithoutCancel(ctx), interview.StatusFinished, ReasonCanceled, ctx.Err())
		err = ctx.Err()
	}
	o.endAbandoned(ctx)
	o.log.Info("interview over", "run_id", runID, "status", o.Status(), "error", err)
	return err
}

// RetryGeneration retries a failed paper generation for the current
// session. At most one generation per session ever succeeds.
func (o *Orchestrator) RetryGeneration(ctx context.Context) (interview.Paper, error) {
	o.mu.Lock()
	switch {
	case o.closed:
		o.mu.Unlock()
		return interview.Paper{}, ErrClosed
	case o.running, o.generating, !o.genFailed, o.paper != nil:
		o.mu.Unlock()
		return interview.Paper{}, ErrNoRetry
	}
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.running = true
	o.cancel = cancel
	o.mu.Unlock()

	err := o.generate(genCtx)

	o.mu.Lock()
	o.running = false
	o.cancel = nil
	closed := o.closed
	o.mu.Unlock()
	o.endAbandoned(ctx)

	switch {
	case closed:
		return interview.Paper{}, ErrClosed
	case err != nil:
		return interview.Paper{}, err
	}
	p, _ := o.Paper()
	return p, nil
}

// Close ends the interview from any state: it stops capture, cancels
// playback and moves to finished. A session that ends without a paper is
// ended on the service. Close is idempotent.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	cancel := o.cancel
	running := o.running
	o.mu.Unlock()

	o.transition(context.Background(), interview.StatusFinished, ReasonClosed, nil)
	o.listener.Stop()
	o.speaker.Cancel()
	if cancel != nil {
		cancel()
	}

	// A running loop ends the session itself once it has unwound.
	if !running {
		o.endAbandoned(context.Background())
	}
	return nil
}

// Status returns the current status.
func (o *Orchestrator) Status() interview.Status {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Section returns the active section.
func (o *Orchestrator) Section() interview.Section {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.section
}

// SessionID returns the current session id, or 0 before a session exists.
func (o *Orchestrator) SessionID() int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.sessionID
}

// History returns a copy of the conversation so far.
func (o *Orchestrator) History() []interview.HistoryTurn {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.history.Turns()
}

// Paper returns the generated paper, if any.
func (o *Orchestrator) Paper() (interview.Paper, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.paper == nil {
		return interview.Paper{}, false
	}
	return *o.paper, true
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// transition moves to status and emits an event. Once closed only finished
// is accepted; it reports false for any other status.
func (o *Orchestrator) transition(ctx context.Context, status interview.Status, reason Reason, err error) bool {
	o.mu.Lock()
	if o.closed && status != interview.StatusFinished {
		o.mu.Unlock()
		return false
	}
	if o.closed && o.status == interview.StatusFinished && reason != ReasonClosed {
		o.mu.Unlock()
		return false
	}
	o.status = status
	ev := Event{Status: status, Reason: reason, Section: o.section, Err: err, At: time.Now()}
	sid, runID := o.sessionID, o.runID
	o.mu.Unlock()

	o.metrics.RecordTransition(ctx, string(status), string(reason))
	o.emit(ev, sid, runID)
	return true
}

// notice emits an event without changing the status. Nothing is emitted
// once closed.
func (o *Orchestrator) notice(reason Reason, err error) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	ev := Event{Status: o.status, Reason: reason, Section: o.section, Err: err, At: time.Now()}
	sid, runID := o.sessionID, o.runID
	o.mu.Unlock()
	o.emit(ev, sid, runID)
}

func (o *Orchestrator) emit(ev Event, sessionID int64, runID string) {
	attrs := []any{
		"run_id", runID,
		"session_id", sessionID,
		"status", ev.Status,
		"reason", ev.Reason,
		"section", ev.Section,
	}
	if ev.Err != nil {
		o.log.Warn("interview event", append(attrs, "error", ev.Err)...)
	} else {
		o.log.Debug("interview event", attrs...)
	}
	if o.observer != nil {
		o.observer(ev)
	}
}

// endAbandoned ends a session that is over without a paper. It runs at most
// once per session.
func (o *Orchestrator) endAbandoned(ctx context.Context) {
	o.mu.Lock()
	sid := o.sessionID
	// A failed generation keeps its session for a retry until closed.
	skip := sid == 0 || o.ended || o.paper != nil || o.running ||
		(o.status == interview.StatusError && !o.closed)
	if !skip {
		o.ended = true
	}
	o.mu.Unlock()
	if skip {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), endSessionTimeout)
	defer cancel()
	if err := o.svc.EndSession(ctx, sid); err != nil {
		o.log.Warn("failed to end session", "session_id", sid, "error", err)
	}
}

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/interview/progress"
	"github.com/MrWong99/vouch/internal/protocol"
	"github.com/MrWong99/vouch/internal/voice/listener"
	"github.com/MrWong99/vouch/internal/voice/speaker"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// run is the interview loop. Every suspension point is followed by a
// closed check before any state is touched.
func (o *Orchestrator) run(ctx context.Context) error {
	if !o.transition(ctx, interview.StatusThinking, ReasonStarting, nil) {
		return ErrClosed
	}
	sess, err := o.svc.StartSession(ctx, o.cvID, o.paperID)
	if o.isClosed() {
		return ErrClosed
	}
	if err != nil {
		return o.fail(ctx, ReasonStartFailed, fmt.Errorf("orchestrator: start session: %w", err))
	}
	o.setSession(sess.ID)
	o.notice(ReasonSessionStarted, nil)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		reply, err := o.fetch(ctx)
		if o.isClosed() {
			return ErrClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return o.fail(ctx, ReasonFetchFailed, err)
		}

		sig := o.progress.Observe(progress.Signal{
			Question:        reply.Question,
			Section:         reply.Section,
			SectionComplete: reply.SectionComplete,
			Done:            reply.Done,
		})
		o.setSection(sig.Section)

		question := strings.TrimSpace(sig.Question)
		if question == "" && !sig.Done {
			if fb := o.fallbacks[sig.Section]; fb != "" {
				question = fb
				o.notice(ReasonFallbackPrompt, nil)
			}
		}
		if question == "" || (sig.Done && !isQuestion(question)) {
			if question != "" {
				if err := o.say(ctx, ReasonClosingStatement, question); err != nil {
					return err
				}
			}
			return o.finish(ctx)
		}

		section, phase := sig.Section, o.progress.Phase()
		o.mu.Lock()
		o.history.Ask(question)
		o.mu.Unlock()

		answer, err := o.ask(ctx, question)
		if err != nil {
			return err
		}

		o.mu.Lock()
		o.history.Answer(answer)
		o.mu.Unlock()
		if !o.transition(ctx, interview.StatusThinking, ReasonRecordingTurn, nil) {
			return ErrClosed
		}
		o.recordTurn(ctx, protocol.TurnRecord{
			Section:  section,
			Phase:    phase,
			Question: question,
			Answer:   answer,
		})
		if o.isClosed() {
			return ErrClosed
		}

		t := o.progress.Answered()
		o.setSection(t.To)
		if t.Advanced() {
			o.log.Info("section advanced", "from", t.From, "to", t.To, "forced", t.Forced)
			o.notice(ReasonSectionAdvanced, nil)
		} else if t.Forced {
			o.log.Info("final section budget spent", "section", t.From)
		}
		if sig.Done || o.progress.Exhausted() {
			return o.finish(ctx)
		}
		if !o.transition(ctx, interview.StatusThinking, ReasonFetching, nil) {
			return ErrClosed
		}
	}
}

// ask speaks question and captures an answer, repeating the question until
// a non-empty answer in the required language arrives.
func (o *Orchestrator) ask(ctx context.Context, question string) (string, error) {
	utterances, reason := []string{question}, ReasonAsking
	for {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := o.say(ctx, reason, utterances...); err != nil {
			return "", err
		}
		if !o.transition(ctx, interview.StatusListening, ReasonAwaitingAnswer, nil) {
			return "", ErrClosed
		}
		answer, err := o.listener.Listen(ctx)
		if o.isClosed() {
			return "", ErrClosed
		}

		switch {
		case err == nil && answer != "":
			return answer, nil
		case err == nil:
			o.notice(ReasonEmptyAnswer, nil)
			utterances, reason = []string{question}, ReasonRepeating
		case errors.Is(err, stt.ErrLanguageRejected):
			o.notice(ReasonLanguageRejected, err)
			utterances, reason = []string{o.correction, question}, ReasonCorrecting
		case errors.Is(err, listener.ErrUnavailable):
			return "", o.fail(ctx, ReasonCaptureUnavailable, err)
		case ctx.Err() != nil:
			return "", ctx.Err()
		default:
			o.notice(ReasonCaptureFailed, err)
			utterances, reason = []string{question}, ReasonRepeating
		}
	}
}

// say moves to speaking and plays each utterance in turn.
func (o *Orchestrator) say(ctx context.Context, reason Reason, utterances ...string) error {
	if !o.transition(ctx, interview.StatusSpeaking, reason, nil) {
		return ErrClosed
	}
	for _, u := range utterances {
		err := o.speaker.Speak(ctx, u)
		if o.isClosed() {
			return ErrClosed
		}
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, speaker.ErrUnavailable):
			return o.fail(ctx, ReasonOutputUnavailable, err)
		default:
			return o.fail(ctx, ReasonSpeechFailed, fmt.Errorf("orchestrator: speak: %w", err))
		}
	}
	return nil
}

// fetch asks the service for the next question, retrying transient
// failures with a doubling backoff.
func (o *Orchestrator) fetch(ctx context.Context) (protocol.Reply, error) {
	o.mu.Lock()
	req := protocol.QuestionRequest{
		CVID:    o.cvID,
		PaperID: o.paperID,
		History: o.history.Turns(),
		Section: o.section,
	}
	o.mu.Unlock()

	backoff := o.fetchBackoff
	for attempt := 0; ; attempt++ {
		reply, err := o.svc.NextQuestion(ctx, req)
		if err == nil {
			return reply, nil
		}
		if attempt >= o.fetchRetries || !retryable(err) || ctx.Err() != nil {
			return protocol.Reply{}, fmt.Errorf("orchestrator: fetch question: %w", err)
		}
		o.log.Warn("fetching question failed, retrying", "attempt", attempt+1, "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return protocol.Reply{}, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

// retryable reports whether a failed request may succeed when repeated.
// Client errors other than rate limiting are final.
func retryable(err error) bool {
	var se *protocol.StatusError
	if errors.As(err, &se) && se.Code < http.StatusInternalServerError {
		return se.Code == http.StatusTooManyRequests || se.Code == http.StatusRequestTimeout
	}
	return true
}

// recordTurn persists a turn. A missing session is re-created once and the
// turn is recorded against the new one; any remaining failure is reported
// and the interview goes on.
func (o *Orchestrator) recordTurn(ctx context.Context, rec protocol.TurnRecord) {
	rec.SessionID = o.SessionID()
	_, err := o.svc.RecordTurn(ctx, rec)
	if err != nil && errors.Is(err, protocol.ErrSessionNotFound) && !o.isClosed() {
		o.log.Warn("session lost, starting a new one", "session_id", rec.SessionID)
		sess, serr := o.svc.StartSession(ctx, o.cvID, o.paperID)
		switch {
		case serr != nil:
			err = errors.Join(err, fmt.Errorf("restart session: %w", serr))
		case o.isClosed():
			// Adopted so that the unwinding loop ends it.
			o.setSession(sess.ID)
		default:
			o.setSession(sess.ID)
			o.notice(ReasonSessionRecreated, nil)
			rec.SessionID = sess.ID
			_, err = o.svc.RecordTurn(ctx, rec)
		}
	}
	if err != nil {
		o.metrics.RecordTurn(ctx, string(rec.Section), "failed")
		o.notice(ReasonTurnNotRecorded, fmt.Errorf("orchestrator: record turn: %w", err))
		return
	}
	o.metrics.RecordTurn(ctx, string(rec.Section), "recorded")
}

// finish ends the loop: a session that covered every main section gets its
// paper, any other ends as finished.
func (o *Orchestrator) finish(ctx context.Context) error {
	if !o.progress.AllMainComplete() {
		if !o.transition(ctx, interview.StatusFinished, ReasonInterviewOver, nil) {
			return ErrClosed
		}
		return nil
	}
	return o.generate(ctx)
}

// generate produces the competence paper once per session, then holds the
// completed status for the configured delay before finishing.
func (o *Orchestrator) generate(ctx context.Context) error {
	o.mu.Lock()
	if o.paper != nil || o.generating {
		o.mu.Unlock()
		return nil
	}
	o.generating = true
	sid := o.sessionID
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.generating = false
		o.mu.Unlock()
	}()

	if !o.transition(ctx, interview.StatusGenerating, ReasonGenerating, nil) {
		return ErrClosed
	}
	paper, err := o.svc.GeneratePaper(ctx, sid)
	if err != nil {
		if o.isClosed() {
			return ErrClosed
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.mu.Lock()
		o.genFailed = true
		o.mu.Unlock()
		return o.fail(ctx, ReasonGenerationFailed, fmt.Errorf("orchestrator: generate paper: %w", err))
	}

	o.mu.Lock()
	o.paper = &paper
	o.genFailed = false
	o.mu.Unlock()
	o.log.Info("competence paper generated", "session_id", sid, "paper_id", paper.ID)

	if !o.transition(ctx, interview.StatusCompleted, ReasonPaperGenerated, nil) {
		return nil
	}
	if o.completedDelay > 0 {
		timer := time.NewTimer(o.completedDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			if o.isClosed() {
				return nil
			}
			return ctx.Err()
		case <-timer.C:
		}
	}
	o.transition(ctx, interview.StatusFinished, ReasonTeardown, nil)
	return nil
}

// fail stops all audio, moves to the error status and returns err.
func (o *Orchestrator) fail(ctx context.Context, reason Reason, err error) error {
	o.listener.Stop()
	o.speaker.Cancel()
	if !o.transition(ctx, interview.StatusError, reason, err) {
		return ErrClosed
	}
	return err
}

func (o *Orchestrator) setSession(id int64) {
	o.mu.Lock()
	o.sessionID = id
	o.mu.Unlock()
}

func (o *Orchestrator) setSection(s interview.Section) {
	o.mu.Lock()
	o.section = s
	o.mu.Unlock()
}

// isQuestion reports whether text still asks something.
func isQuestion(text string) bool {
	return strings.Contains(text, "?")
}

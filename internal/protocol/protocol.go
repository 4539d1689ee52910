// Package protocol is the HTTP client for the interview service: it starts
// and ends conversation sessions, fetches the next question, persists each
// answered turn, triggers competence paper generation, and transcribes
// recorded answers.
//
// Every request carries a bearer token from a [CredentialSource], passes a
// client-side rate limiter, and is validated before it leaves the process.
// Non-2xx responses are returned as *[StatusError]; a 404 on a session
// operation additionally matches [ErrSessionNotFound].
//
// A [Client] is safe for concurrent use.
package protocol

import (
	"context"
	"errors"
	"fmt"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/pkg/provider/stt"
)

// ErrSessionNotFound is matched by errors from session operations when the
// service no longer knows the session. Starting a new session recovers.
var ErrSessionNotFound = errors.New("protocol: session not found")

// Session is a started conversation session.
type Session struct {
	ID     int64  `json:"session_id"`
	Status string `json:"status"`
}

// QuestionRequest asks the question service for the next question.
type QuestionRequest struct {
	CVID    int64                   `json:"cv_id" validate:"required,gt=0"`
	PaperID int64                   `json:"paper_id" validate:"required,gt=0"`
	History []interview.HistoryTurn `json:"history" validate:"dive"`
	Section interview.Section       `json:"section" validate:"required"`
}

// Reply is the question service's answer to a [QuestionRequest].
type Reply struct {
	Question        string            `json:"question"`
	Section         interview.Section `json:"section"`
	SectionComplete bool              `json:"complete_section"`
	Done            bool              `json:"done"`
}

// TurnRecord is one answered question persisted to a session.
type TurnRecord struct {
	SessionID int64             `json:"session_id" validate:"required,gt=0"`
	Section   interview.Section `json:"section" validate:"required"`
	Phase     interview.Phase   `json:"phase" validate:"required,oneof=validation discovery"`
	Question  string            `json:"question_text" validate:"required"`
	Answer    string            `json:"answer_text" validate:"required"`
}

// TurnResult is the service's classification of a persisted turn.
type TurnResult struct {
	QuestionID      int64    `json:"question_id"`
	ResponseID      int64    `json:"response_id"`
	Status          string   `json:"status"`
	ConfidenceLevel string   `json:"confidence_level"`
	ExtractedSkills []string `json:"extracted_skills"`
}

// Service is the set of interview service operations the orchestrator
// consumes. [Client] is the HTTP implementation.
type Service interface {
	StartSession(ctx context.Context, cvID, paperID int64) (Session, error)
	NextQuestion(ctx context.Context, req QuestionRequest) (Reply, error)
	RecordTurn(ctx context.Context, rec TurnRecord) (TurnResult, error)
	GeneratePaper(ctx context.Context, sessionID int64) (interview.Paper, error)
	EndSession(ctx context.Context, sessionID int64) error
}

var (
	_ Service         = (*Client)(nil)
	_ stt.Transcriber = (*Client)(nil)
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	// Op is the client operation, e.g. "record turn".
	Op string

	// Code is the HTTP status code.
	Code int

	// Detail is the service's "detail" message, or the raw body when the
	// response was not the usual JSON error shape.
	Detail string

	notFound bool
}

func (e *StatusError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("protocol: %s: status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("protocol: %s: status %d: %s", e.Op, e.Code, e.Detail)
}

// Is reports session-not-found errors as [ErrSessionNotFound].
func (e *StatusError) Is(target error) bool {
	return target == ErrSessionNotFound && e.notFound
}

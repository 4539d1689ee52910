// Package mock provides a scripted test double for protocol.Service.
//
// Replies, per-call errors and created sessions are consumed in order; every
// call is recorded for later inspection.
//
//	svc := &mock.Service{
//	    Replies: []protocol.Reply{
//	        {Question: "Which languages do you speak?", Section: "languages"},
//	    },
//	}
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/protocol"
)

// Service is a mock implementation of protocol.Service.
type Service struct {
	mu sync.Mutex

	// Sessions are returned by successive StartSession calls. Once exhausted,
	// sessions with ascending ids are made up.
	Sessions []protocol.Session

	// StartErr, if non-nil, is returned by every StartSession call.
	StartErr error

	// Replies are returned by successive NextQuestion calls. Once exhausted,
	// NextQuestion returns a reply with Done set and no question.
	Replies []protocol.Reply

	// QuestionErrs are returned by successive NextQuestion calls before any
	// reply is consumed. Nil entries fall through to Replies.
	QuestionErrs []error

	// RecordErrs are returned by successive RecordTurn calls. Nil entries
	// and calls beyond the slice succeed with TurnResult.
	RecordErrs []error

	// TurnResult is returned by successful RecordTurn calls.
	TurnResult protocol.TurnResult

	// Paper is returned by successful GeneratePaper calls.
	Paper interview.Paper

	// GenerateErrs are returned by successive GeneratePaper calls.
	GenerateErrs []error

	// EndErr, if non-nil, is returned by every EndSession call.
	EndErr error

	// OnNextQuestion, if set, runs at the start of every NextQuestion call.
	OnNextQuestion func(protocol.QuestionRequest)

	// OnStartSession, if set, runs before StartSession returns. call counts
	// from 1.
	OnStartSession func(call int)

	// OnGenerate, if set, runs at the start of every GeneratePaper call. A
	// non-nil result is returned as the call's error.
	OnGenerate func(ctx context.Context, call int) error

	// Recorded calls.
	StartCalls    int
	QuestionCalls []protocol.QuestionRequest
	RecordCalls   []protocol.TurnRecord
	GenerateCalls []int64
	EndCalls      []int64

	replyIdx int
}

var _ protocol.Service = (*Service)(nil)

// ─── StartSession ────────────────────────────────────────────────────────────

// StartSession records the call and returns the next scripted session.
func (s *Service) StartSession(_ context.Context, _, _ int64) (protocol.Session, error) {
	s.mu.Lock()
	s.StartCalls++
	call, hook := s.StartCalls, s.OnStartSession
	s.mu.Unlock()
	if hook != nil {
		hook(call)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StartErr != nil {
		return protocol.Session{}, s.StartErr
	}
	if call <= len(s.Sessions) {
		return s.Sessions[call-1], nil
	}
	return protocol.Session{ID: int64(100 + call), Status: "in_progress"}, nil
}

// ─── NextQuestion ────────────────────────────────────────────────────────────

// NextQuestion records the call and returns the next scripted reply.
func (s *Service) NextQuestion(_ context.Context, req protocol.QuestionRequest) (protocol.Reply, error) {
	s.mu.Lock()
	hook := s.OnNextQuestion
	call := len(s.QuestionCalls)
	s.QuestionCalls = append(s.QuestionCalls, req)
	s.mu.Unlock()

	if hook != nil {
		hook(req)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if call < len(s.QuestionErrs) && s.QuestionErrs[call] != nil {
		return protocol.Reply{}, s.QuestionErrs[call]
	}
	if s.replyIdx >= len(s.Replies) {
		return protocol.Reply{Done: true}, nil
	}
	r := s.Replies[s.replyIdx]
	s.replyIdx++
	return r, nil
}

// ─── RecordTurn ──────────────────────────────────────────────────────────────

// RecordTurn records the call and returns the next scripted error.
func (s *Service) RecordTurn(_ context.Context, rec protocol.TurnRecord) (protocol.TurnResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := len(s.RecordCalls)
	s.RecordCalls = append(s.RecordCalls, rec)
	if call < len(s.RecordErrs) && s.RecordErrs[call] != nil {
		return protocol.TurnResult{}, s.RecordErrs[call]
	}
	return s.TurnResult, nil
}

// ─── GeneratePaper ───────────────────────────────────────────────────────────

// GeneratePaper records the call and returns Paper or the next scripted error.
func (s *Service) GeneratePaper(ctx context.Context, sessionID int64) (interview.Paper, error) {
	s.mu.Lock()
	call := len(s.GenerateCalls)
	s.GenerateCalls = append(s.GenerateCalls, sessionID)
	hook := s.OnGenerate
	s.mu.Unlock()
	if hook != nil {
		if err := hook(ctx, call); err != nil {
			return interview.Paper{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if call < len(s.GenerateErrs) && s.GenerateErrs[call] != nil {
		return interview.Paper{}, s.GenerateErrs[call]
	}
	return s.Paper, nil
}

// ─── EndSession ──────────────────────────────────────────────────────────────

// EndSession records the call and returns EndErr.
func (s *Service) EndSession(_ context.Context, sessionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.EndCalls = append(s.EndCalls, sessionID)
	return s.EndErr
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Questions returns a copy of the recorded NextQuestion requests.
func (s *Service) Questions() []protocol.QuestionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.QuestionRequest(nil), s.QuestionCalls...)
}

// Records returns a copy of the recorded RecordTurn calls.
func (s *Service) Records() []protocol.TurnRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.TurnRecord(nil), s.RecordCalls...)
}

// Generated returns the session ids GeneratePaper was called with.
func (s *Service) Generated() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.GenerateCalls...)
}

// Ended returns the session ids EndSession was called with.
func (s *Service) Ended() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.EndCalls...)
}

// Starts returns the number of StartSession calls.
func (s *Service) Starts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StartCalls
}

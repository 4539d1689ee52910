package orchestrator

import (
	"time"

	"github.com/MrWong99/vouch/internal/interview"
)

// Reason is a machine-readable code explaining a status change or notice.
type Reason string

const (
	ReasonStarting           Reason = "starting"
	ReasonSessionStarted     Reason = "session_started"
	ReasonStartFailed        Reason = "start_failed"
	ReasonFetching           Reason = "fetching_question"
	ReasonFetchFailed        Reason = "fetch_failed"
	ReasonFallbackPrompt     Reason = "fallback_prompt"
	ReasonAsking             Reason = "asking"
	ReasonRepeating          Reason = "repeating_question"
	ReasonCorrecting         Reason = "correcting_language"
	ReasonAwaitingAnswer     Reason = "awaiting_answer"
	ReasonEmptyAnswer        Reason = "empty_answer"
	ReasonLanguageRejected   Reason = "language_rejected"
	ReasonCaptureFailed      Reason = "capture_failed"
	ReasonCaptureUnavailable Reason = "capture_unavailable"
	ReasonOutputUnavailable  Reason = "output_unavailable"
	ReasonSpeechFailed       Reason = "speech_failed"
	ReasonRecordingTurn      Reason = "recording_turn"
	ReasonSessionRecreated   Reason = "session_recreated"
	ReasonTurnNotRecorded    Reason = "turn_not_recorded"
	ReasonSectionAdvanced    Reason = "section_advanced"
	ReasonClosingStatement   Reason = "closing_statement"
	ReasonInterviewOver      Reason = "interview_over"
	ReasonGenerating         Reason = "generating_paper"
	ReasonGenerationFailed   Reason = "generation_failed"
	ReasonPaperGenerated     Reason = "paper_generated"
	ReasonTeardown           Reason = "teardown"
	ReasonClosed             Reason = "closed"
	ReasonCanceled           Reason = "canceled"
)

// Event is emitted on every status change and on notices that leave the
// status unchanged, such as an empty answer.
type Event struct {
	Status  interview.Status
	Reason  Reason
	Section interview.Section

	// Err is set for failures, including non-fatal ones.
	Err error

	At time.Time
}

// Observer receives events. It is called synchronously from the interview
// loop or from [Orchestrator.Close] and must not block.
type Observer func(Event)

// Package interview holds the domain model shared by the interview
// components: sections, phases, conversation history, and the externally
// observable status of a running interview.
package interview

import "time"

// Section names one topical phase of the interview. The set of sections and
// their order are configured; [DefaultSections] is used when nothing is
// configured.
type Section string

// Default sections, in interview order. AdditionalInfo is the trailing
// open-ended (discovery) section.
const (
	CoreSkills            Section = "core_skills"
	SoftSkills            Section = "soft_skills"
	Languages             Section = "languages"
	Education             Section = "education"
	Certifications        Section = "certifications"
	TechnicalCompetencies Section = "technical_competencies"
	ProjectExperience     Section = "project_experience"
	Recommendations       Section = "recommendations"
	AdditionalInfo        Section = "additional_info"
)

// SectionBudget pairs a section with the maximum number of questions the
// interviewer asks in it before moving on regardless of remote signals.
type SectionBudget struct {
	Section      Section
	MaxQuestions int
}

// DefaultSections returns the default section order and question budgets.
func DefaultSections() []SectionBudget {
	return []SectionBudget{
		{CoreSkills, 6},
		{SoftSkills, 2},
		{Languages, 3},
		{Education, 3},
		{Certifications, 3},
		{TechnicalCompetencies, 5},
		{ProjectExperience, 4},
		{Recommendations, 2},
		{AdditionalInfo, 3},
	}
}

// Phase tells the persistence service whether a turn confirms known
// information or elicits new information.
type Phase string

const (
	PhaseValidation Phase = "validation"
	PhaseDiscovery  Phase = "discovery"
)

// Role identifies the speaker of a history turn. The values are the wire
// names used by the question service.
type Role string

const (
	RoleInterviewer Role = "assistant"
	RoleRespondent  Role = "recruiter"
)

// HistoryTurn is one utterance of the conversation.
type HistoryTurn struct {
	Role    Role   `json:"role" validate:"required,oneof=assistant recruiter"`
	Content string `json:"content" validate:"required"`
}

// History is the ordered conversation of one session. It only ever grows
// until [History.Reset].
type History struct {
	turns []HistoryTurn
}

// Ask appends an interviewer question.
func (h *History) Ask(question string) {
	h.turns = append(h.turns, HistoryTurn{Role: RoleInterviewer, Content: question})
}

// Answer appends a respondent answer.
func (h *History) Answer(answer string) {
	h.turns = append(h.turns, HistoryTurn{Role: RoleRespondent, Content: answer})
}

// Turns returns a copy of the conversation so far.
func (h *History) Turns() []HistoryTurn {
	return append([]HistoryTurn(nil), h.turns...)
}

// Len returns the number of recorded turns.
func (h *History) Len() int { return len(h.turns) }

// Reset clears the conversation.
func (h *History) Reset() { h.turns = nil }

// Status is the externally observable state of an interview.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusThinking   Status = "thinking"
	StatusSpeaking   Status = "speaking"
	StatusListening  Status = "listening"
	StatusGenerating Status = "generating"
	StatusCompleted  Status = "completed"
	StatusFinished   Status = "finished"
	StatusError      Status = "error"
)

// Terminal reports whether no further transitions follow s without host
// action. StatusError is terminal except for a generation retry.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusError
}

// Active reports whether s uses the audio devices or the paper generator.
// A closed interview never enters an active status.
func (s Status) Active() bool {
	return s == StatusSpeaking || s == StatusListening || s == StatusGenerating
}

// Paper is the competence paper generated from a completed session.
type Paper struct {
	ID        int64     `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

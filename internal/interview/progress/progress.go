// Package progress tracks which interview section is active and enforces the
// per-section question budgets.
//
// The remote question service is the authority on section changes and
// completion, but it is not trusted to terminate: once a section's asked
// count reaches its budget the [Controller] completes the section on its
// own and moves on in the configured order.
//
// A Controller is owned by a single interview loop and is not safe for
// concurrent use.
package progress

import (
	"errors"
	"fmt"
	"strings"

	"github.com/MrWong99/vouch/internal/interview"
)

// Signal is the section/termination part of a question service reply.
type Signal struct {
	Question        string
	Section         interview.Section
	SectionComplete bool
	Done            bool
}

// Transition describes the effect of one answered question.
type Transition struct {
	From, To interview.Section

	// Completed is set when the question service completed From.
	Completed bool

	// Forced is set when From's budget ran out before the service completed it.
	Forced bool
}

// Advanced reports whether the active section changed.
func (t Transition) Advanced() bool { return t.From != t.To }

// Option configures a [Controller].
type Option func(*Controller)

// WithClosingOverride enables the one-shot override of a premature "done"
// paired with an open "anything else to add" question in the final section.
func WithClosingOverride(m *ClosingMatcher) Option {
	return func(c *Controller) {
		c.closing = m
	}
}

// Controller is the section progression state of one interview.
type Controller struct {
	order   []interview.SectionBudget
	index   map[interview.Section]int
	closing *ClosingMatcher

	cur             int
	asked           []int
	pendingComplete bool
	allMainComplete bool
	exhausted       bool
	overrideUsed    bool
}

// New returns a Controller over order, starting in its first section.
// Sections must be unique and every budget must be positive.
func New(order []interview.SectionBudget, opts ...Option) (*Controller, error) {
	if len(order) == 0 {
		return nil, errors.New("progress: at least one section is required")
	}
	c := &Controller{
		order: append([]interview.SectionBudget(nil), order...),
		index: make(map[interview.Section]int, len(order)),
	}
	var errs []error
	for i, sb := range order {
		if sb.Section == "" {
			errs = append(errs, fmt.Errorf("progress: section %d has no name", i))
			continue
		}
		if _, dup := c.index[sb.Section]; dup {
			errs = append(errs, fmt.Errorf("progress: duplicate section %q", sb.Section))
		}
		if sb.MaxQuestions <= 0 {
			errs = append(errs, fmt.Errorf("progress: section %q: max questions must be positive", sb.Section))
		}
		c.index[sb.Section] = i
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	for _, o := range opts {
		o(c)
	}
	c.Reset()
	return c, nil
}

// Reset returns the controller to the first section with all counts zeroed.
func (c *Controller) Reset() {
	c.cur = 0
	c.asked = make([]int, len(c.order))
	c.pendingComplete = false
	c.allMainComplete = len(c.order) == 1
	c.exhausted = false
	c.overrideUsed = false
}

// Current returns the active section.
func (c *Controller) Current() interview.Section { return c.order[c.cur].Section }

// Final returns the trailing open-ended section.
func (c *Controller) Final() interview.Section { return c.order[len(c.order)-1].Section }

// Phase returns discovery while the final section is active and validation
// otherwise.
func (c *Controller) Phase() interview.Phase {
	if c.cur == len(c.order)-1 {
		return interview.PhaseDiscovery
	}
	return interview.PhaseValidation
}

// Asked returns how many questions have been answered in s.
func (c *Controller) Asked(s interview.Section) int {
	if i, ok := c.index[s]; ok {
		return c.asked[i]
	}
	return 0
}

// AllMainComplete reports whether the final section has been reached, which
// makes the session eligible for paper generation.
func (c *Controller) AllMainComplete() bool { return c.allMainComplete }

// Exhausted reports whether the final section's budget has been used up.
// The interview must end once this is set.
func (c *Controller) Exhausted() bool { return c.exhausted }

// Observe applies a question service reply and returns the signal the
// interview should act on.
//
// A known section named by the service that differs from the active one is
// adopted, unless its budget is already spent. Completion is remembered for
// the next [Controller.Answered] only when the service completed the section
// it was asked about. The returned signal always carries the active section.
func (c *Controller) Observe(sig Signal) Signal {
	redirected := false
	if i, ok := c.index[sig.Section]; ok && i != c.cur && !c.spent(i) {
		c.enter(i)
		redirected = true
	}
	c.pendingComplete = sig.SectionComplete && !redirected

	if sig.Done && c.shouldOverrideClosing(sig.Question) {
		c.overrideUsed = true
		sig.Done = false
	}
	sig.Section = c.Current()
	return sig
}

func (c *Controller) shouldOverrideClosing(question string) bool {
	if c.closing == nil || c.overrideUsed || c.Phase() != interview.PhaseDiscovery {
		return false
	}
	return strings.Contains(question, "?") && c.closing.Matches(question)
}

// Answered records an answered question in the active section and advances
// when the service completed the section or its budget is spent. In the
// final section the controller stays put; spending its budget marks the
// controller exhausted.
func (c *Controller) Answered() Transition {
	from := c.cur
	c.asked[from]++
	t := Transition{From: c.order[from].Section, To: c.order[from].Section}

	switch {
	case c.pendingComplete:
		t.Completed = true
	case c.spent(from):
		t.Forced = true
	default:
		return t
	}
	c.pendingComplete = false

	if from == len(c.order)-1 {
		if t.Forced {
			c.exhausted = true
		}
		return t
	}
	// Sections already spent through an earlier redirect are skipped.
	next := from + 1
	for next < len(c.order)-1 && c.spent(next) {
		next++
	}
	c.enter(next)
	if c.spent(next) {
		c.exhausted = true
	}
	t.To = c.Current()
	return t
}

func (c *Controller) spent(i int) bool {
	return c.asked[i] >= c.order[i].MaxQuestions
}

func (c *Controller) enter(i int) {
	c.cur = i
	if i == len(c.order)-1 {
		c.allMainComplete = true
	}
}

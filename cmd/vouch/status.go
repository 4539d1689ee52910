package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/MrWong99/vouch/internal/interview"
	"github.com/MrWong99/vouch/internal/interview/orchestrator"
	"github.com/MrWong99/vouch/pkg/provider/tts"
)

var (
	colorMuted   = lipgloss.Color("#6C7086")
	colorPrimary = lipgloss.Color("#7C3AED")
	colorActive  = lipgloss.Color("#06B6D4")
	colorSuccess = lipgloss.Color("#A6E3A1")
	colorWarning = lipgloss.Color("#F9E2AF")
	colorError   = lipgloss.Color("#F38BA8")

	badgeStyle   = lipgloss.NewStyle().Bold(true).Width(12).Align(lipgloss.Center)
	sectionStyle = lipgloss.NewStyle().Foreground(colorPrimary)
	mutedStyle   = lipgloss.NewStyle().Foreground(colorMuted)
	errorStyle   = lipgloss.NewStyle().Foreground(colorError)
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
)

func statusColor(s interview.Status) lipgloss.Color {
	switch s {
	case interview.StatusSpeaking, interview.StatusListening:
		return colorActive
	case interview.StatusThinking, interview.StatusGenerating:
		return colorWarning
	case interview.StatusCompleted, interview.StatusFinished:
		return colorSuccess
	case interview.StatusError:
		return colorError
	default:
		return colorMuted
	}
}

// statusLine prints one styled line per interview event.
type statusLine struct {
	mu sync.Mutex
	w  io.Writer
}

func newStatusLine(w io.Writer) *statusLine {
	return &statusLine{w: w}
}

// Observe implements [orchestrator.Observer].
func (s *statusLine) Observe(ev orchestrator.Event) {
	line := renderEvent(ev)
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprintln(s.w, line)
}

func renderEvent(ev orchestrator.Event) string {
	badge := badgeStyle.Foreground(statusColor(ev.Status)).Render(strings.ToUpper(string(ev.Status)))
	parts := []string{
		mutedStyle.Render(ev.At.Format("15:04:05")),
		badge,
		sectionStyle.Render(string(ev.Section)),
		strings.ReplaceAll(string(ev.Reason), "_", " "),
	}
	if ev.Err != nil {
		parts = append(parts, errorStyle.Render(ev.Err.Error()))
	}
	return strings.Join(parts, "  ")
}

// renderVoices lays out a voice catalogue as aligned columns and marks the
// voice the interviewer would pick.
func renderVoices(voices []tts.Voice, picked string) string {
	idWidth, nameWidth := len("ID"), len("NAME")
	for _, v := range voices {
		idWidth = max(idWidth, lipgloss.Width(v.ID))
		nameWidth = max(nameWidth, lipgloss.Width(v.Name))
	}
	idCol := lipgloss.NewStyle().Width(idWidth + 2)
	nameCol := lipgloss.NewStyle().Width(nameWidth + 2)
	langCol := lipgloss.NewStyle().Width(10)

	var b strings.Builder
	b.WriteString(headerStyle.Render("  " + idCol.Render("ID") + nameCol.Render("NAME") + langCol.Render("LANGUAGE") + "PROVIDER"))
	b.WriteByte('\n')
	for _, v := range voices {
		mark, style := "  ", lipgloss.NewStyle()
		if v.ID == picked {
			mark, style = "* ", lipgloss.NewStyle().Foreground(colorSuccess)
		}
		row := mark + idCol.Render(v.ID) + nameCol.Render(v.Name) + langCol.Render(v.Language) + v.Provider
		b.WriteString(style.Render(row))
		b.WriteByte('\n')
	}
	return b.String()
}

package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pledgeline/internal/domain"
	"pledgeline/internal/report"
)

var (
	cPrimary = lipgloss.Color("63")  // blue
	cAccent  = lipgloss.Color("205") // magenta
	cGood    = lipgloss.Color("42")  // green
	cWarn    = lipgloss.Color("214") // orange
	cBad     = lipgloss.Color("196") // red
	cMuted   = lipgloss.Color("244") // gray
	cGold    = lipgloss.Color("220") // gold
)

var (
	Title = lipgloss.NewStyle().Bold(true).Foreground(cAccent)
	H2    = lipgloss.NewStyle().Bold(true).Foreground(cPrimary)
	Muted = lipgloss.NewStyle().Foreground(cMuted)
	Key   = lipgloss.NewStyle().Bold(true).Foreground(cPrimary)
	Good  = lipgloss.NewStyle().Bold(true).Foreground(cGood)
	Warn  = lipgloss.NewStyle().Bold(true).Foreground(cWarn)
	Bad   = lipgloss.NewStyle().Bold(true).Foreground(cBad)
	Gold  = lipgloss.NewStyle().Bold(true).Foreground(cGold)

	Panel = lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(cMuted).Padding(0, 1)
)

func LabelValue(label string, value any) string {
	return fmt.Sprintf("%s %v", Key.Render(label+":"), value)
}

func StatusText(status domain.Status) string {
	switch status {
	case domain.StatusActive:
		return Good.Render("active")
	case domain.StatusPaused:
		return H2.Render("paused")
	case domain.StatusAwaitingRecovery:
		return Bad.Render("awaiting recovery")
	case domain.StatusDraft:
		return Warn.Render("draft")
	default:
		return Muted.Render(string(status))
	}
}

func ResultText(r domain.Result, graceConsumed bool) string {
	switch {
	case r == domain.ResultSuccess:
		return Good.Render("success")
	case graceConsumed:
		return Warn.Render("miss (grace)")
	default:
		return Bad.Render("miss")
	}
}

// ProgressBar renders done out of target as a fixed-width bar. Overshoot
// fills the bar.
func ProgressBar(done, target, width int) string {
	if target <= 0 || width <= 0 {
		return ""
	}
	filled := done * width / target
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("%s %d/%d", Good.Render(bar), done, target)
}

// StatusCard renders the status view as a bordered panel.
func StatusCard(v report.StatusView) string {
	title := v.Title
	if title == "" {
		title = v.ID
	}
	lines := []string{
		Title.Render(title),
		LabelValue("Status", StatusText(v.Status)),
		LabelValue("Cadence", v.Cadence),
		LabelValue("Progress", ProgressBar(v.CurrentProgress, v.TargetCount, 20)),
		LabelValue("Window", fmt.Sprintf("%s → %s", v.WindowStart.Format("Mon Jan 2 15:04"), v.WindowEnd.Format("Mon Jan 2 15:04"))),
		LabelValue("Stake", Gold.Render(fmt.Sprintf("%d %s", v.StakeAmount, v.StakeType))),
		LabelValue("Escrowed", v.Escrowed),
		LabelValue("Grace days left", v.GraceDaysRemaining),
		LabelValue("Misses", v.MissCount),
	}
	if v.TotalBonus > 0 {
		lines = append(lines, LabelValue("Bonus earned", Gold.Render(fmt.Sprint(v.TotalBonus))))
	}
	if v.TotalForfeited > 0 {
		lines = append(lines, LabelValue("Forfeited", Bad.Render(fmt.Sprint(v.TotalForfeited))))
	}
	if v.CoolingOffRemaining > 0 {
		lines = append(lines, LabelValue("Free cancel for", v.CoolingOffRemaining.Round(time.Minute)))
	}
	if len(v.Actions) > 0 {
		actions := make([]string, 0, len(v.Actions))
		for _, a := range v.Actions {
			actions = append(actions, string(a))
		}
		lines = append(lines, Muted.Render("next: "+strings.Join(actions, ", ")))
	}
	return Panel.Render(strings.Join(lines, "\n"))
}

// SummaryLine describes a catch-up batch in one line, or "" if nothing closed.
func SummaryLine(s report.Summary) string {
	if s.Windows == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d window(s) closed", s.Windows)}
	if s.Successes > 0 {
		parts = append(parts, Good.Render(fmt.Sprintf("%d hit", s.Successes)))
	}
	if s.GraceConsumed > 0 {
		parts = append(parts, Warn.Render(fmt.Sprintf("%d grace used", s.GraceConsumed)))
	}
	if s.BonusAwarded > 0 {
		parts = append(parts, Gold.Render(fmt.Sprintf("+%d bonus", s.BonusAwarded)))
	}
	if s.StakeForfeited > 0 {
		parts = append(parts, Bad.Render(fmt.Sprintf("-%d forfeited", s.StakeForfeited)))
	}
	return strings.Join(parts, " · ")
}

package ui_test

import (
	"strings"
	"testing"
	"time"

	"pledgeline/internal/domain"
	"pledgeline/internal/report"
	"pledgeline/internal/ui"
)

func TestProgressBar(t *testing.T) {
	if got := ui.ProgressBar(1, 2, 10); !strings.Contains(got, "1/2") || strings.Count(got, "█") != 5 {
		t.Fatalf("half bar: %q", got)
	}
	if got := ui.ProgressBar(5, 2, 10); strings.Count(got, "█") != 10 || strings.Contains(got, "░") {
		t.Fatalf("overshoot should fill the bar: %q", got)
	}
	if ui.ProgressBar(1, 0, 10) != "" {
		t.Fatalf("zero target should render nothing")
	}
}

func TestStatusCardShowsCoolingOff(t *testing.T) {
	activated := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c := domain.Contract{
		ID: "c1", Title: "Stretch", Status: domain.StatusActive, Cadence: domain.CadenceDaily,
		TargetCount: 1, StakeAmount: 10, StakeType: domain.CurrencyGold, Escrowed: 10,
		CoolingOffHours: 24, ActivatedAt: &activated,
	}
	card := ui.StatusCard(report.Status(c, activated.Add(time.Hour)))
	for _, want := range []string{"Stretch", "Free cancel for", "10 gold", "progress"} {
		if !strings.Contains(card, want) {
			t.Fatalf("card missing %q:\n%s", want, card)
		}
	}
}

func TestSummaryLine(t *testing.T) {
	if ui.SummaryLine(report.Summary{}) != "" {
		t.Fatalf("empty summary should render nothing")
	}
	line := ui.SummaryLine(report.Summary{Windows: 2, Successes: 1, Misses: 1, StakeForfeited: 10})
	if !strings.Contains(line, "2 window(s) closed") || !strings.Contains(line, "-10 forfeited") {
		t.Fatalf("summary line: %q", line)
	}
}

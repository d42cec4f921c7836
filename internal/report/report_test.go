package report_test

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
	"pledgeline/internal/report"
)

func TestCoolingOffRemaining(t *testing.T) {
	activated := time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)
	c := domain.Contract{Status: domain.StatusActive, CoolingOffHours: 24, ActivatedAt: &activated}

	if got := report.CoolingOffRemaining(c, activated.Add(4*time.Hour)); got != 20*time.Hour {
		t.Fatalf("remaining=%v, want 20h", got)
	}
	if got := report.CoolingOffRemaining(c, activated.Add(30*time.Hour)); got != 0 {
		t.Fatalf("remaining after expiry=%v", got)
	}
	c.WindowsClosed = 1
	if got := report.CoolingOffRemaining(c, activated.Add(time.Hour)); got != 0 {
		t.Fatalf("remaining after a closed window=%v", got)
	}
	if got := report.CoolingOffRemaining(domain.Contract{Status: domain.StatusDraft, CoolingOffHours: 24}, activated); got != 0 {
		t.Fatalf("draft remaining=%v", got)
	}
}

func TestActions(t *testing.T) {
	cases := []struct {
		c    domain.Contract
		want []report.Action
	}{
		{domain.Contract{Status: domain.StatusDraft}, []report.Action{report.ActionActivate, report.ActionCancel}},
		{domain.Contract{Status: domain.StatusActive}, []report.Action{report.ActionProgress, report.ActionPause, report.ActionCancel}},
		{domain.Contract{Status: domain.StatusAwaitingRecovery, MissCount: 1}, []report.Action{report.ActionReset, report.ActionPause, report.ActionCancel}},
		{domain.Contract{Status: domain.StatusAwaitingRecovery, MissCount: 2}, []report.Action{report.ActionReset, report.ActionReduceStake, report.ActionPause, report.ActionCancel}},
		{domain.Contract{Status: domain.StatusAwaitingRecovery, MissCount: 3, ReduceStakeUsed: true}, []report.Action{report.ActionReset, report.ActionPause, report.ActionCancel}},
		{domain.Contract{Status: domain.StatusCancelled}, nil},
	}
	for _, tc := range cases {
		got := report.Actions(tc.c)
		if fmt.Sprint(got) != fmt.Sprint(tc.want) {
			t.Fatalf("%s (misses=%d): got %v, want %v", tc.c.Status, tc.c.MissCount, got, tc.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	s := report.Summarize([]domain.Evaluation{
		{Result: domain.ResultSuccess, BonusAwarded: 1},
		{Result: domain.ResultMiss, GraceConsumed: true},
		{Result: domain.ResultMiss, StakeForfeited: 10},
	})
	want := report.Summary{Windows: 3, Successes: 1, Misses: 2, GraceConsumed: 1, BonusAwarded: 1, StakeForfeited: 10}
	if s != want {
		t.Fatalf("summary=%+v, want %+v", s, want)
	}
}

func TestMessage(t *testing.T) {
	if !strings.Contains(report.Message(fmt.Errorf("%w: debit: timeout", engine.ErrLedgerUnavailable)), "try again") {
		t.Fatalf("ledger failures should ask the user to retry")
	}
	seen := map[string]bool{}
	for _, err := range []error{
		engine.ErrInvalidStake, engine.ErrInsufficientFunds, engine.ErrConflictingContract,
		engine.ErrStakeAlreadyReduced, engine.ErrInvalidOperation, engine.ErrLedgerUnavailable,
	} {
		msg := report.Message(err)
		if seen[msg] {
			t.Fatalf("duplicate message %q", msg)
		}
		seen[msg] = true
	}
	if report.Message(errors.New("boom")) == "" || report.Message(nil) != "" {
		t.Fatalf("unexpected fallback messages")
	}
}

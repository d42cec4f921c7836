// Package report turns engine state into what a user sees: a status view of
// a contract, a summary of the windows a catch-up closed, and plain messages
// for engine errors.
package report

import (
	"errors"
	"time"

	"pledgeline/internal/domain"
	"pledgeline/internal/engine"
)

// Action is an operation the status view offers for a contract.
type Action string

const (
	ActionActivate    Action = "activate"
	ActionProgress    Action = "progress"
	ActionReset       Action = "reset"
	ActionReduceStake Action = "reduce-stake"
	ActionPause       Action = "pause"
	ActionResume      Action = "resume"
	ActionCancel      Action = "cancel"
)

type StatusView struct {
	ID                  string          `json:"id"`
	Title               string          `json:"title"`
	Status              domain.Status   `json:"status"`
	Cadence             domain.Cadence  `json:"cadence"`
	CurrentProgress     int             `json:"current_progress"`
	TargetCount         int             `json:"target_count"`
	GraceDaysRemaining  int             `json:"grace_days_remaining"`
	MissCount           int             `json:"miss_count"`
	StakeType           domain.Currency `json:"stake_type"`
	StakeAmount         int64           `json:"stake_amount"`
	Escrowed            int64           `json:"escrowed"`
	TotalBonus          int64           `json:"total_bonus"`
	TotalForfeited      int64           `json:"total_forfeited"`
	WindowStart         time.Time       `json:"window_start"`
	WindowEnd           time.Time       `json:"window_end"`
	CoolingOffRemaining time.Duration   `json:"cooling_off_remaining_ns"`
	Actions             []Action        `json:"actions"`
}

// Status builds the status view of c as of now.
func Status(c domain.Contract, now time.Time) StatusView {
	return StatusView{
		ID:                  c.ID,
		Title:               c.Title,
		Status:              c.Status,
		Cadence:             c.Cadence,
		CurrentProgress:     c.CurrentProgress,
		TargetCount:         c.TargetCount,
		GraceDaysRemaining:  c.GraceDaysRemaining,
		MissCount:           c.MissCount,
		StakeType:           c.StakeType,
		StakeAmount:         c.StakeAmount,
		Escrowed:            c.Escrowed,
		TotalBonus:          c.TotalBonus,
		TotalForfeited:      c.TotalForfeited,
		WindowStart:         c.WindowStart,
		WindowEnd:           c.WindowEnd,
		CoolingOffRemaining: CoolingOffRemaining(c, now),
		Actions:             Actions(c),
	}
}

// CoolingOffRemaining is how long a cancellation would still be refunded.
// It is zero once any window has closed.
func CoolingOffRemaining(c domain.Contract, now time.Time) time.Duration {
	if c.ActivatedAt == nil || c.WindowsClosed > 0 || c.Status.Terminal() {
		return 0
	}
	left := c.ActivatedAt.Add(time.Duration(c.CoolingOffHours) * time.Hour).Sub(now)
	if left < 0 {
		return 0
	}
	return left
}

// Actions lists the operations the engine will accept for c in its current
// state.
func Actions(c domain.Contract) []Action {
	switch c.Status {
	case domain.StatusDraft:
		return []Action{ActionActivate, ActionCancel}
	case domain.StatusActive:
		return []Action{ActionProgress, ActionPause, ActionCancel}
	case domain.StatusPaused:
		return []Action{ActionResume, ActionCancel}
	case domain.StatusAwaitingRecovery:
		actions := []Action{ActionReset}
		if !c.ReduceStakeUsed && c.MissCount >= 2 {
			actions = append(actions, ActionReduceStake)
		}
		return append(actions, ActionPause, ActionCancel)
	default:
		return nil
	}
}

// Summary aggregates the evaluations of one catch-up.
type Summary struct {
	Windows        int   `json:"windows"`
	Successes      int   `json:"successes"`
	Misses         int   `json:"misses"`
	GraceConsumed  int   `json:"grace_consumed"`
	BonusAwarded   int64 `json:"bonus_awarded"`
	StakeForfeited int64 `json:"stake_forfeited"`
}

func Summarize(evals []domain.Evaluation) Summary {
	var s Summary
	for _, ev := range evals {
		s.Windows++
		switch ev.Result {
		case domain.ResultSuccess:
			s.Successes++
		case domain.ResultMiss:
			s.Misses++
		}
		if ev.GraceConsumed {
			s.GraceConsumed++
		}
		s.BonusAwarded += ev.BonusAwarded
		s.StakeForfeited += ev.StakeForfeited
	}
	return s
}

// Message returns the user-facing text for an engine error. Errors the engine
// did not classify fall back to a generic message.
func Message(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, engine.ErrInvalidStake):
		return "That stake isn't allowed. Stakes must be positive and no more than your cap."
	case errors.Is(err, engine.ErrInsufficientFunds):
		return "You don't have enough to cover this stake."
	case errors.Is(err, engine.ErrConflictingContract):
		return "You already have a contract running. Finish or cancel it first."
	case errors.Is(err, engine.ErrStakeAlreadyReduced):
		return "This contract has already used its one stake reduction."
	case errors.Is(err, engine.ErrInvalidOperation):
		return "That action isn't available for this contract right now."
	case errors.Is(err, engine.ErrLedgerUnavailable):
		return "We couldn't reach your wallet. Nothing was changed; please try again."
	default:
		return "Something went wrong."
	}
}

package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"pledgeline/internal/domain"
	"pledgeline/internal/events"
	"pledgeline/internal/ledger"
	"pledgeline/internal/repo"
	"pledgeline/internal/window"
)

// CreateOptions are the parameters collected by the creation wizard.
type CreateOptions struct {
	Title           string
	TargetType      domain.TargetType
	TargetID        string
	Cadence         domain.Cadence
	TargetCount     int
	StakeType       domain.Currency
	StakeAmount     int64
	GraceDays       *int
	CoolingOffHours *int
}

// Create validates opts and stores a draft contract. It reads the user's
// balance for the stake cap but moves no currency.
func (e Engine) Create(ctx context.Context, userID string, opts CreateOptions) (domain.Contract, error) {
	if strings.TrimSpace(userID) == "" {
		return domain.Contract{}, invalidOp("user is required")
	}
	if !opts.Cadence.Valid() {
		return domain.Contract{}, invalidOp("cadence must be daily or weekly, got %q", opts.Cadence)
	}
	if !opts.StakeType.Valid() {
		return domain.Contract{}, invalidStake("stake type must be gold or tokens, got %q", opts.StakeType)
	}
	if opts.TargetCount <= 0 {
		return domain.Contract{}, invalidStake("target count must be positive, got %d", opts.TargetCount)
	}
	if opts.StakeAmount <= 0 {
		return domain.Contract{}, invalidStake("stake amount must be positive, got %d", opts.StakeAmount)
	}
	if strings.TrimSpace(opts.TargetID) == "" {
		return domain.Contract{}, invalidOp("target is required")
	}
	graceDays := e.Config.Contracts.DefaultGraceDays
	if opts.GraceDays != nil {
		graceDays = *opts.GraceDays
	}
	if graceDays < 0 {
		return domain.Contract{}, invalidOp("grace days must not be negative")
	}
	coolingOff := e.Config.Contracts.DefaultCoolingOffHours
	if opts.CoolingOffHours != nil {
		coolingOff = *opts.CoolingOffHours
	}
	if coolingOff < 0 {
		return domain.Contract{}, invalidOp("cooling-off hours must not be negative")
	}
	if err := e.resolveTarget(ctx, userID, &opts); err != nil {
		return domain.Contract{}, err
	}

	balance, err := e.Ledger.CurrentBalance(ctx, userID, opts.StakeType)
	if err != nil {
		return domain.Contract{}, ledgerError("read balance", err)
	}
	limit := balance * int64(e.Config.Contracts.StakeCapPercent) / 100
	if opts.StakeAmount > limit {
		return domain.Contract{}, invalidStake("stake %d %s exceeds the cap of %d (%d%% of balance %d)",
			opts.StakeAmount, opts.StakeType, limit, e.Config.Contracts.StakeCapPercent, balance)
	}

	now := e.now()
	w, err := window.Current(opts.Cadence, now, e.location())
	if err != nil {
		return domain.Contract{}, invalidOp("%v", err)
	}
	c := domain.Contract{
		ID:                  uuid.NewString(),
		UserID:              userID,
		Title:               opts.Title,
		TargetType:          opts.TargetType,
		TargetID:            opts.TargetID,
		Cadence:             opts.Cadence,
		TargetCount:         opts.TargetCount,
		StakeType:           opts.StakeType,
		StakeAmount:         opts.StakeAmount,
		OriginalStakeAmount: opts.StakeAmount,
		GraceDays:           graceDays,
		CoolingOffHours:     coolingOff,
		Status:              domain.StatusDraft,
		WindowStart:         w.Start,
		WindowEnd:           w.End,
		GraceDaysRemaining:  graceDays,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.save(ctx, tx, c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.created", c, events.Payload{
			"title":        c.Title,
			"target_id":    c.TargetID,
			"cadence":      c.Cadence,
			"target_count": c.TargetCount,
			"stake_type":   c.StakeType,
			"stake_amount": c.StakeAmount,
		})
	})
	if err != nil {
		return domain.Contract{}, err
	}
	e.logger().Info("contract created", "user", userID, "contract", c.ID, "stake", c.StakeAmount, "currency", c.StakeType)
	return c, nil
}

// resolveTarget checks the target against the listing service and fills in
// the type and title it reports.
func (e Engine) resolveTarget(ctx context.Context, userID string, opts *CreateOptions) error {
	if e.Targets == nil {
		if !opts.TargetType.Valid() {
			return invalidOp("target type must be habit or goal, got %q", opts.TargetType)
		}
		return nil
	}
	targets, err := e.Targets.ListEligibleTargets(ctx, userID)
	if err != nil {
		return fmt.Errorf("list eligible targets: %w", err)
	}
	for _, t := range targets {
		if t.ID != opts.TargetID {
			continue
		}
		if opts.TargetType != "" && opts.TargetType != t.Type {
			return invalidOp("target %s is a %s, not a %s", t.ID, t.Type, opts.TargetType)
		}
		opts.TargetType = t.Type
		if strings.TrimSpace(opts.Title) == "" {
			opts.Title = t.Title
		}
		return nil
	}
	return invalidOp("target %s is not eligible", opts.TargetID)
}

// Activate escrows the stake and starts the first window.
func (e Engine) Activate(ctx context.Context, userID, contractID string) (Result, error) {
	unlock := e.lock(userID)
	defer unlock()
	var c domain.Contract
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		c, err = e.load(ctx, tx, userID, contractID)
		if err != nil {
			return err
		}
		if err := ensureTransition(c.Status, domain.StatusActive, "activate"); err != nil {
			return err
		}
		if c.Status != domain.StatusDraft {
			return invalidOp("contract %s is already %s", c.ID, c.Status)
		}
		open, err := e.Repo.LoadActive(ctx, tx, userID)
		if err == nil {
			return fmt.Errorf("%w: contract %s is %s; cancel or finish it first", ErrConflictingContract, open.ID, open.Status)
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return err
		}
		now := e.now()
		w, err := window.Current(c.Cadence, now, e.location())
		if err != nil {
			return err
		}
		c.Status = domain.StatusActive
		c.ActivatedAt = &now
		c.WindowStart, c.WindowEnd = w.Start, w.End
		c.CurrentProgress = 0
		c.Escrowed += c.StakeAmount
		c.TotalDebited += c.StakeAmount
		c.UpdatedAt = now
		if err := e.save(ctx, tx, c); err != nil {
			return err
		}
		if err := e.debit(ctx, tx, c, c.StakeAmount); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.activated", c, events.Payload{"stake_amount": c.StakeAmount, "stake_type": c.StakeType})
	})
	if err != nil {
		return Result{}, err
	}
	e.logger().Info("contract activated", "user", userID, "contract", c.ID, "escrowed", c.Escrowed)
	return Result{Contract: c}, nil
}

// RecordProgress counts one completion in the current window. The caller is
// responsible for not reporting the same completion twice. When catch-up
// leaves the contract unable to accept progress the error is returned along
// with the evaluations that were committed.
func (e Engine) RecordProgress(ctx context.Context, userID, contractID string) (Result, error) {
	return e.mutate(ctx, userID, contractID, func(tx *sql.Tx, c *domain.Contract) error {
		if c.Status != domain.StatusActive {
			return invalidOp("cannot record progress on a %s contract", c.Status)
		}
		c.CurrentProgress++
		c.UpdatedAt = e.now()
		if err := e.save(ctx, tx, *c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.progress", *c, events.Payload{"progress": c.CurrentProgress, "target_count": c.TargetCount})
	})
}

// Reset restakes the original amount after an unforgiven miss and starts over
// with the full grace allotment. The lifetime miss count is kept.
func (e Engine) Reset(ctx context.Context, userID, contractID string) (Result, error) {
	return e.restake(ctx, userID, contractID, "reset", func(c *domain.Contract) (int64, error) {
		c.StakeAmount = c.OriginalStakeAmount
		return c.OriginalStakeAmount, nil
	})
}

// ReduceStake restarts a contract that has missed at least twice with a
// smaller stake. It can be used once per contract.
func (e Engine) ReduceStake(ctx context.Context, userID, contractID string, newStake int64) (Result, error) {
	return e.restake(ctx, userID, contractID, "reduce-stake", func(c *domain.Contract) (int64, error) {
		if c.MissCount < 2 {
			return 0, invalidOp("stake reduction needs at least 2 misses, contract has %d", c.MissCount)
		}
		if newStake <= 0 || newStake >= c.StakeAmount {
			return 0, invalidStake("new stake must be between 1 and %d, got %d", c.StakeAmount-1, newStake)
		}
		c.StakeAmount = newStake
		c.ReduceStakeUsed = true
		return newStake, nil
	})
}

// restake implements the two restake paths out of awaiting recovery. prepare
// adjusts the stake and returns the amount to debit.
func (e Engine) restake(ctx context.Context, userID, contractID, op string, prepare func(c *domain.Contract) (int64, error)) (Result, error) {
	res, err := e.mutate(ctx, userID, contractID, func(tx *sql.Tx, c *domain.Contract) error {
		if op == "reduce-stake" && c.ReduceStakeUsed {
			return fmt.Errorf("%w: contract %s already used its stake reduction", ErrStakeAlreadyReduced, c.ID)
		}
		if c.Status != domain.StatusAwaitingRecovery {
			return invalidOp("cannot %s a %s contract", op, c.Status)
		}
		if err := ensureTransition(c.Status, domain.StatusActive, op); err != nil {
			return err
		}
		amount, err := prepare(c)
		if err != nil {
			return err
		}
		now := e.now()
		w, err := window.Current(c.Cadence, now, e.location())
		if err != nil {
			return err
		}
		c.Status = domain.StatusActive
		c.GraceDaysRemaining = c.GraceDays
		c.CurrentProgress = 0
		c.WindowStart, c.WindowEnd = w.Start, w.End
		c.Escrowed += amount
		c.TotalDebited += amount
		c.UpdatedAt = now
		if err := e.save(ctx, tx, *c); err != nil {
			return err
		}
		if err := e.debit(ctx, tx, *c, amount); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract."+strings.ReplaceAll(op, "-", "_"), *c, events.Payload{
			"stake_amount": c.StakeAmount,
			"miss_count":   c.MissCount,
		})
	})
	if err != nil {
		return res, err
	}
	e.logger().Info("contract recovered", "op", op, "user", userID, "contract", contractID, "stake", res.Contract.StakeAmount)
	return res, nil
}

// Pause suspends evaluation for days days, or the configured default when
// days is zero. The pushed start lands on the cadence grid, so a weekly
// contract always resumes on a Monday. No currency moves; any escrow stays
// held.
func (e Engine) Pause(ctx context.Context, userID, contractID string, days int) (Result, error) {
	if days < 0 {
		return Result{}, invalidOp("pause duration must not be negative")
	}
	if days == 0 {
		days = e.Config.Contracts.DefaultPauseDays
	}
	res, err := e.mutate(ctx, userID, contractID, func(tx *sql.Tx, c *domain.Contract) error {
		if err := ensureTransition(c.Status, domain.StatusPaused, "pause"); err != nil {
			return err
		}
		now := e.now()
		resume, err := e.pausedWindow(*c, now, days)
		if err != nil {
			return err
		}
		c.PausedFrom = c.Status
		c.Status = domain.StatusPaused
		c.CurrentProgress = 0
		c.WindowStart, c.WindowEnd = resume.Start, resume.End
		c.UpdatedAt = now
		if err := e.save(ctx, tx, *c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.paused", *c, events.Payload{"days": days, "resumes_at": c.WindowStart})
	})
	if err != nil {
		return res, err
	}
	e.logger().Info("contract paused", "user", userID, "contract", contractID, "days", days)
	return res, nil
}

// pausedWindow is the first cadence window starting on or after the current
// window start pushed by days.
func (e Engine) pausedWindow(c domain.Contract, now time.Time, days int) (window.Window, error) {
	loc := e.location()
	cur, err := window.Current(c.Cadence, now, loc)
	if err != nil {
		return window.Window{}, err
	}
	base := cur.Start
	if c.WindowStart.After(base) {
		base = c.WindowStart.In(loc)
	}
	return window.NextOnOrAfter(c.Cadence, base.AddDate(0, 0, days), loc)
}

// Resume ends a pause early. A contract paused while awaiting recovery goes
// back to awaiting recovery; otherwise a fresh window starts now.
func (e Engine) Resume(ctx context.Context, userID, contractID string) (Result, error) {
	res, err := e.mutate(ctx, userID, contractID, func(tx *sql.Tx, c *domain.Contract) error {
		if c.Status != domain.StatusPaused {
			return invalidOp("cannot resume a %s contract", c.Status)
		}
		now := e.now()
		c.Status = resumeStatus(*c)
		c.PausedFrom = ""
		w, err := window.Current(c.Cadence, now, e.location())
		if err != nil {
			return err
		}
		c.WindowStart, c.WindowEnd = w.Start, w.End
		c.CurrentProgress = 0
		c.UpdatedAt = now
		if err := e.save(ctx, tx, *c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.resumed", *c, events.Payload{"automatic": false})
	})
	if err != nil {
		return res, err
	}
	e.logger().Info("contract resumed", "user", userID, "contract", contractID, "status", res.Contract.Status)
	return res, nil
}

// Cancel ends a contract. Within the cooling-off period, and before any window
// has closed, the escrow is refunded; otherwise it is forfeited like a miss.
// Bonuses already paid are never clawed back.
func (e Engine) Cancel(ctx context.Context, userID, contractID string) (Result, error) {
	var refunded, forfeited int64
	res, err := e.mutate(ctx, userID, contractID, func(tx *sql.Tx, c *domain.Contract) error {
		refunded, forfeited = 0, 0
		if err := ensureTransition(c.Status, domain.StatusCancelled, "cancel"); err != nil {
			return err
		}
		now := e.now()
		if c.Escrowed > 0 {
			if e.inCoolingOff(*c, now) {
				refunded = c.Escrowed
				if err := e.credit(ctx, tx, *c, c.UserID, refunded, ledger.ReasonRefund); err != nil {
					return err
				}
				c.TotalRefunded += refunded
			} else {
				forfeited = c.Escrowed
				if err := e.forfeit(ctx, tx, *c, forfeited); err != nil {
					return err
				}
				c.TotalForfeited += forfeited
			}
			c.Escrowed = 0
		}
		c.Status = domain.StatusCancelled
		c.PausedFrom = ""
		c.EndedAt = &now
		c.UpdatedAt = now
		if err := e.save(ctx, tx, *c); err != nil {
			return err
		}
		return e.appendEvent(ctx, tx, "contract.cancelled", *c, events.Payload{"refunded": refunded, "forfeited": forfeited})
	})
	if err != nil {
		return res, err
	}
	e.logger().Info("contract cancelled", "user", userID, "contract", contractID, "refunded", refunded, "forfeited", forfeited)
	res.Refunded, res.Forfeited = refunded, forfeited
	return res, nil
}

func (e Engine) inCoolingOff(c domain.Contract, now time.Time) bool {
	if c.ActivatedAt == nil || c.WindowsClosed > 0 {
		return false
	}
	return now.Sub(*c.ActivatedAt) <= time.Duration(c.CoolingOffHours)*time.Hour
}

// Get returns a contract after catching it up.
func (e Engine) Get(ctx context.Context, userID, contractID string) (Result, error) {
	return e.Check(ctx, userID, contractID)
}

// Active returns the user's open contract after catching it up.
func (e Engine) Active(ctx context.Context, userID string) (Result, error) {
	c, err := e.Repo.LoadActive(ctx, nil, userID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Result{}, invalidOp("user %s has no open contract", userID)
		}
		return Result{}, err
	}
	return e.Check(ctx, userID, c.ID)
}

// List returns the user's contracts without evaluating them.
func (e Engine) List(ctx context.Context, userID string, status domain.Status) ([]domain.Contract, error) {
	return e.Repo.ListByUser(ctx, userID, status)
}

// ensureTransition enforces the contract state machine. Completed is a valid
// destination from active or paused but nothing drives a contract there yet.
func ensureTransition(from, to domain.Status, op string) error {
	switch from {
	case domain.StatusDraft:
		if to == domain.StatusActive || to == domain.StatusCancelled {
			return nil
		}
	case domain.StatusActive:
		switch to {
		case domain.StatusPaused, domain.StatusAwaitingRecovery, domain.StatusCancelled, domain.StatusCompleted:
			return nil
		}
	case domain.StatusPaused:
		switch to {
		case domain.StatusActive, domain.StatusAwaitingRecovery, domain.StatusCancelled, domain.StatusCompleted:
			return nil
		}
	case domain.StatusAwaitingRecovery:
		switch to {
		case domain.StatusActive, domain.StatusPaused, domain.StatusCancelled:
			return nil
		}
	}
	return invalidOp("cannot %s a %s contract", op, from)
}

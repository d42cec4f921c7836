package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pledgeline/internal/domain"
	"pledgeline/internal/events"
	"pledgeline/internal/ledger"
	"pledgeline/internal/repo"
	"pledgeline/internal/window"
)

// Check runs catch-up evaluation for one contract and reports the windows that
// closed. It is the explicit form of the evaluation every other operation
// performs lazily.
func (e Engine) Check(ctx context.Context, userID, contractID string) (Result, error) {
	return e.mutate(ctx, userID, contractID, nil)
}

// CheckAll catches up every open contract. It is meant for a periodic job;
// failures for one user do not stop the others.
func (e Engine) CheckAll(ctx context.Context) ([]Result, error) {
	open, err := e.Repo.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	var (
		results []Result
		errs    []error
	)
	for _, c := range open {
		res, err := e.Check(ctx, c.UserID, c.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("contract %s: %w", c.ID, err))
			continue
		}
		if len(res.Evaluations) > 0 {
			results = append(results, res)
		}
	}
	return results, errors.Join(errs...)
}

// mutate catches the contract up and then applies op to it, all in one
// transaction under the user's lock. op runs under a savepoint: when it fails
// with a business error its writes are undone but the catch-up still commits,
// and the error comes back with the caught-up contract. A ledger or storage
// failure rolls back everything. A nil op only catches up.
func (e Engine) mutate(ctx context.Context, userID, contractID string, op func(tx *sql.Tx, c *domain.Contract) error) (Result, error) {
	unlock := e.lock(userID)
	defer unlock()
	var (
		res   Result
		opErr error
	)
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		c, evals, err := e.catchUp(ctx, tx, userID, contractID)
		if err != nil {
			return err
		}
		res = Result{Contract: c, Evaluations: evals}
		if op == nil {
			return nil
		}
		working := c
		opErr = repo.Savepoint(ctx, tx, "operation", func() error {
			return op(tx, &working)
		})
		switch {
		case opErr == nil:
			res.Contract = working
			return nil
		case keepsCatchUp(opErr):
			return nil
		default:
			return opErr
		}
	})
	if err != nil {
		return Result{}, err
	}
	for _, ev := range res.Evaluations {
		e.logger().Info("window evaluated", "user", userID, "contract", contractID,
			"result", ev.Result, "actual", ev.ActualCount, "target", ev.TargetCount,
			"bonus", ev.BonusAwarded, "forfeited", ev.StakeForfeited, "grace", ev.GraceConsumed)
	}
	return res, opErr
}

// keepsCatchUp reports whether err is a refusal of the operation itself, as
// opposed to a failure of the ledger or the store.
func keepsCatchUp(err error) bool {
	kind := Kind(err)
	return kind != "" && kind != "ledger_unavailable"
}

// catchUp closes every window of the contract that has fully elapsed, in
// order, inside tx. It returns the contract as it stands afterwards.
func (e Engine) catchUp(ctx context.Context, tx *sql.Tx, userID, contractID string) (domain.Contract, []domain.Evaluation, error) {
	c, err := e.load(ctx, tx, userID, contractID)
	if err != nil {
		return domain.Contract{}, nil, err
	}
	if c.Status != domain.StatusActive && c.Status != domain.StatusPaused {
		return c, nil, nil
	}
	before := c.Status
	evals, err := e.evaluate(ctx, tx, &c, e.now())
	if err != nil {
		return domain.Contract{}, nil, err
	}
	if len(evals) == 0 && c.Status == before {
		return c, nil, nil
	}
	c.UpdatedAt = e.now()
	if err := e.save(ctx, tx, c); err != nil {
		return domain.Contract{}, nil, err
	}
	if before == domain.StatusPaused && c.Status != domain.StatusPaused {
		if err := e.appendEvent(ctx, tx, "contract.resumed", c, events.Payload{"automatic": true}); err != nil {
			return domain.Contract{}, nil, err
		}
	}
	for _, ev := range evals {
		if err := e.appendEvent(ctx, tx, "contract.evaluated", c, events.Payload{
			"window_start":    ev.WindowStart,
			"window_end":      ev.WindowEnd,
			"target_count":    ev.TargetCount,
			"actual_count":    ev.ActualCount,
			"result":          ev.Result,
			"bonus_awarded":   ev.BonusAwarded,
			"stake_forfeited": ev.StakeForfeited,
			"grace_consumed":  ev.GraceConsumed,
		}); err != nil {
			return domain.Contract{}, nil, err
		}
	}
	return c, evals, nil
}

// evaluate mutates c in place. A paused contract whose pushed window start has
// been reached resumes first. Only the first elapsed window can carry
// recorded progress; later ones elapsed entirely while nobody was looking and
// count as zero. Processing stops at the first miss that grace cannot absorb.
func (e Engine) evaluate(ctx context.Context, tx *sql.Tx, c *domain.Contract, now time.Time) ([]domain.Evaluation, error) {
	loc := e.location()
	if c.Status == domain.StatusPaused {
		if now.Before(c.WindowStart) {
			return nil, nil
		}
		c.Status = resumeStatus(*c)
		c.PausedFrom = ""
		if c.Status != domain.StatusActive {
			return nil, nil
		}
	}

	start := c.WindowStart.In(loc)
	n, err := window.Elapsed(c.Cadence, start, now)
	if err != nil {
		return nil, err
	}
	var evals []domain.Evaluation
	for i := 0; i < n; i++ {
		cur, err := window.Advance(c.Cadence, start, 0)
		if err != nil {
			return nil, err
		}
		actual := 0
		if i == 0 {
			actual = c.CurrentProgress
		}
		ev := domain.Evaluation{
			ContractID:  c.ID,
			WindowStart: cur.Start,
			WindowEnd:   cur.End,
			TargetCount: c.TargetCount,
			ActualCount: actual,
		}
		c.WindowsClosed++
		switch {
		case actual >= c.TargetCount:
			ev.Result = domain.ResultSuccess
			ev.BonusAwarded = c.StakeAmount * int64(e.Config.Contracts.BonusPercent) / 100
			if err := e.credit(ctx, tx, *c, c.UserID, ev.BonusAwarded, ledger.ReasonBonus); err != nil {
				return nil, err
			}
			c.TotalBonus += ev.BonusAwarded
		case c.GraceDaysRemaining > 0:
			ev.Result = domain.ResultMiss
			ev.GraceConsumed = true
			c.GraceDaysRemaining--
		default:
			ev.Result = domain.ResultMiss
			ev.StakeForfeited = c.Escrowed
			if err := e.forfeit(ctx, tx, *c, c.Escrowed); err != nil {
				return nil, err
			}
			c.MissCount++
			c.TotalForfeited += c.Escrowed
			c.Escrowed = 0
			c.Status = domain.StatusAwaitingRecovery
		}
		c.CurrentProgress = 0
		next, err := window.Advance(c.Cadence, start, 1)
		if err != nil {
			return nil, err
		}
		start = next.Start
		c.WindowStart, c.WindowEnd = next.Start, next.End
		evals = append(evals, ev)
		if c.Status == domain.StatusAwaitingRecovery {
			break
		}
	}
	return evals, nil
}

func resumeStatus(c domain.Contract) domain.Status {
	if c.PausedFrom == domain.StatusAwaitingRecovery {
		return domain.StatusAwaitingRecovery
	}
	return domain.StatusActive
}

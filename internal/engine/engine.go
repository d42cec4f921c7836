package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"pledgeline/internal/config"
	"pledgeline/internal/domain"
	"pledgeline/internal/events"
	"pledgeline/internal/ledger"
	"pledgeline/internal/repo"
)

// TargetLister is the external catalog of habits and goals a user may stake
// against. It is consulted only when a contract is created.
type TargetLister interface {
	ListEligibleTargets(ctx context.Context, userID string) ([]domain.Target, error)
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Ledger  ledger.Ledger
	Targets TargetLister
	Events  events.Writer
	Config  *config.Config
	Logger  *slog.Logger
	Now     func() time.Time

	locks *keyedMutex
}

// Result is what every contract operation hands back to the presentation
// layer: the contract as it stands afterwards plus any windows that closed
// while the operation caught the contract up.
type Result struct {
	Contract    domain.Contract     `json:"contract"`
	Evaluations []domain.Evaluation `json:"evaluations"`
	Refunded    int64               `json:"refunded,omitempty"`
	Forfeited   int64               `json:"forfeited,omitempty"`
}

func New(db *sql.DB, cfg *config.Config, logger *slog.Logger) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Ledger:  ledger.SQL{DB: db},
		Targets: r,
		Events:  events.Writer{},
		Config:  cfg,
		Logger:  logger,
		Now:     time.Now,
		locks:   newKeyedMutex(),
	}
}

// CurrentTime is the engine clock in the configured location.
func (e Engine) CurrentTime() time.Time {
	return e.now()
}

func (e Engine) now() time.Time {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return now().In(e.location())
}

func (e Engine) location() *time.Location {
	loc, err := e.Config.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// lock serializes all operations for one user. Contracts are single-user
// owned, so this also serializes every operation on a given contract and
// guards the one-open-contract rule.
func (e Engine) lock(userID string) func() {
	if e.locks == nil {
		return func() {}
	}
	return e.locks.Lock(userID)
}

// load fetches a contract owned by userID. Unknown ids and contracts owned by
// someone else are both reported as an invalid operation.
func (e Engine) load(ctx context.Context, tx *sql.Tx, userID, contractID string) (domain.Contract, error) {
	c, err := e.Repo.LoadByID(ctx, tx, contractID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return c, notFound(contractID)
		}
		return c, err
	}
	if c.UserID != userID {
		return domain.Contract{}, notFound(contractID)
	}
	return c, nil
}

func (e Engine) debit(ctx context.Context, tx *sql.Tx, c domain.Contract, amount int64) error {
	if err := e.Ledger.Debit(ctx, tx, c.UserID, c.StakeType, amount, ledger.Memo{Reason: ledger.ReasonStake, ContractID: c.ID}); err != nil {
		err = ledgerError("debit stake", err)
		e.logLedgerFailure(c, "debit", err)
		return err
	}
	return nil
}

func (e Engine) credit(ctx context.Context, tx *sql.Tx, c domain.Contract, account string, amount int64, reason ledger.Reason) error {
	if amount <= 0 {
		return nil
	}
	if err := e.Ledger.Credit(ctx, tx, account, c.StakeType, amount, ledger.Memo{Reason: reason, ContractID: c.ID}); err != nil {
		err = ledgerError("credit "+string(reason), err)
		e.logLedgerFailure(c, "credit", err)
		return err
	}
	return nil
}

// forfeit moves amount of escrow to the commitment pool, or burns it when no
// pool account is configured. Either way a forfeit entry is recorded.
func (e Engine) forfeit(ctx context.Context, tx *sql.Tx, c domain.Contract, amount int64) error {
	pool := e.Config.Contracts.PoolAccount
	if pool != "" {
		return e.credit(ctx, tx, c, pool, amount, ledger.ReasonForfeit)
	}
	if amount <= 0 {
		return nil
	}
	if err := e.Ledger.Burn(ctx, tx, c.StakeType, amount, ledger.Memo{Reason: ledger.ReasonForfeit, ContractID: c.ID}); err != nil {
		err = ledgerError("burn forfeit", err)
		e.logLedgerFailure(c, "burn", err)
		return err
	}
	return nil
}

func (e Engine) logLedgerFailure(c domain.Contract, op string, err error) {
	if errors.Is(err, ErrLedgerUnavailable) {
		e.logger().Warn("ledger call failed", "op", op, "user", c.UserID, "contract", c.ID, "err", err)
	}
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType string, c domain.Contract, payload events.Payload) error {
	if payload == nil {
		payload = events.Payload{}
	}
	payload["status"] = c.Status
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w.Append(ctx, tx, events.Event{
		Type:       evtType,
		UserID:     c.UserID,
		EntityKind: "contract",
		EntityID:   c.ID,
		Payload:    payload,
	})
}

// save persists c after checking the escrow conservation invariant.
func (e Engine) save(ctx context.Context, tx *sql.Tx, c domain.Contract) error {
	if !c.Balanced() {
		return fmt.Errorf("contract %s escrow out of balance: escrowed=%d refunded=%d forfeited=%d debited=%d",
			c.ID, c.Escrowed, c.TotalRefunded, c.TotalForfeited, c.TotalDebited)
	}
	if c.GraceDaysRemaining < 0 || c.GraceDaysRemaining > c.GraceDays {
		return fmt.Errorf("contract %s grace days out of range: %d of %d", c.ID, c.GraceDaysRemaining, c.GraceDays)
	}
	return e.Repo.Save(ctx, tx, c)
}

// keyedMutex hands out one mutex per key and drops it once nobody holds or
// waits on it.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

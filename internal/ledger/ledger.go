// Package ledger is the contract engine's view of the economy service: it
// moves gold and tokens in and out of user wallets and nothing else.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"pledgeline/internal/domain"
)

// ErrInsufficientFunds is the one business failure a debit can report. Any
// other error means the ledger could not be reached or could not record the
// movement.
var ErrInsufficientFunds = errors.New("insufficient funds")

type Reason string

// BurnAccount labels entries for currency destroyed rather than moved. No
// wallet exists for it.
const BurnAccount = "system:burn"

const (
	ReasonStake   Reason = "stake"
	ReasonRefund  Reason = "refund"
	ReasonBonus   Reason = "bonus"
	ReasonForfeit Reason = "forfeit"
	ReasonGrant   Reason = "grant"
)

// Memo tags a movement with why it happened.
type Memo struct {
	Reason     Reason
	ContractID string
}

// Ledger debits and credits user balances. Movements run inside the caller's
// transaction so they commit or roll back together with the contract state
// that motivated them.
type Ledger interface {
	Debit(ctx context.Context, tx *sql.Tx, userID string, currency domain.Currency, amount int64, memo Memo) error
	Credit(ctx context.Context, tx *sql.Tx, userID string, currency domain.Currency, amount int64, memo Memo) error
	// Burn records amount as destroyed. It credits no wallet.
	Burn(ctx context.Context, tx *sql.Tx, currency domain.Currency, amount int64, memo Memo) error
	CurrentBalance(ctx context.Context, userID string, currency domain.Currency) (int64, error)
}

// SQL keeps wallets and an append-only entry log in the workspace database.
type SQL struct {
	DB  *sql.DB
	Now func() time.Time
}

var _ Ledger = SQL{}

func (l SQL) now() string {
	if l.Now != nil {
		return l.Now().UTC().Format(time.RFC3339Nano)
	}
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func (l SQL) Debit(ctx context.Context, tx *sql.Tx, userID string, currency domain.Currency, amount int64, memo Memo) error {
	if amount <= 0 {
		return fmt.Errorf("debit amount must be positive, got %d", amount)
	}
	ts := l.now()
	res, err := tx.ExecContext(ctx, `UPDATE wallets SET balance=balance-?, updated_at=? WHERE user_id=? AND currency=? AND balance>=?`,
		amount, ts, userID, string(currency), amount)
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("debit wallet: %w", err)
	}
	if n == 0 {
		return ErrInsufficientFunds
	}
	return l.appendEntry(ctx, tx, ts, userID, currency, -amount, memo)
}

func (l SQL) Credit(ctx context.Context, tx *sql.Tx, userID string, currency domain.Currency, amount int64, memo Memo) error {
	if amount <= 0 {
		return fmt.Errorf("credit amount must be positive, got %d", amount)
	}
	ts := l.now()
	_, err := tx.ExecContext(ctx, `INSERT INTO wallets(user_id,currency,balance,updated_at) VALUES (?,?,?,?)
ON CONFLICT(user_id,currency) DO UPDATE SET balance=balance+excluded.balance, updated_at=excluded.updated_at`,
		userID, string(currency), amount, ts)
	if err != nil {
		return fmt.Errorf("credit wallet: %w", err)
	}
	return l.appendEntry(ctx, tx, ts, userID, currency, amount, memo)
}

func (l SQL) Burn(ctx context.Context, tx *sql.Tx, currency domain.Currency, amount int64, memo Memo) error {
	if amount <= 0 {
		return fmt.Errorf("burn amount must be positive, got %d", amount)
	}
	return l.appendEntry(ctx, tx, l.now(), BurnAccount, currency, amount, memo)
}

func (l SQL) appendEntry(ctx context.Context, tx *sql.Tx, ts, userID string, currency domain.Currency, delta int64, memo Memo) error {
	var contractID any
	if memo.ContractID != "" {
		contractID = memo.ContractID
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO ledger_entries(ts,user_id,currency,delta,reason,contract_id) VALUES (?,?,?,?,?,?)`,
		ts, userID, string(currency), delta, string(memo.Reason), contractID)
	if err != nil {
		return fmt.Errorf("append ledger entry: %w", err)
	}
	return nil
}

func (l SQL) CurrentBalance(ctx context.Context, userID string, currency domain.Currency) (int64, error) {
	var balance int64
	err := l.DB.QueryRowContext(ctx, `SELECT balance FROM wallets WHERE user_id=? AND currency=?`, userID, string(currency)).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return balance, nil
}

// Grant credits a wallet outside of any contract. It stands in for the earning
// mechanisms of the wider app.
func (l SQL) Grant(ctx context.Context, userID string, currency domain.Currency, amount int64) error {
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := l.Credit(ctx, tx, userID, currency, amount, Memo{Reason: ReasonGrant}); err != nil {
		return err
	}
	return tx.Commit()
}

// Balances lists every wallet a user holds; currencies never credited read as 0.
func (l SQL) Balances(ctx context.Context, userID string) ([]domain.Balance, error) {
	out := []domain.Balance{
		{UserID: userID, Currency: domain.CurrencyGold},
		{UserID: userID, Currency: domain.CurrencyTokens},
	}
	for i := range out {
		b, err := l.CurrentBalance(ctx, userID, out[i].Currency)
		if err != nil {
			return nil, err
		}
		out[i].Amount = b
	}
	return out, nil
}

// Entries returns the movements recorded against a contract, oldest first.
func (l SQL) Entries(ctx context.Context, contractID string) ([]domain.LedgerEntry, error) {
	rows, err := l.DB.QueryContext(ctx, `SELECT id,ts,user_id,currency,delta,reason,COALESCE(contract_id,'') FROM ledger_entries WHERE contract_id=? ORDER BY id`, contractID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var currency string
		if err := rows.Scan(&e.ID, &e.TS, &e.UserID, &currency, &e.Delta, &e.Reason, &e.ContractID); err != nil {
			return nil, err
		}
		e.Currency = domain.Currency(currency)
		res = append(res, e)
	}
	return res, rows.Err()
}

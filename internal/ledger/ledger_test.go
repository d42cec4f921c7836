package ledger

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"pledgeline/internal/db"
	"pledgeline/internal/domain"
	"pledgeline/internal/migrate"
)

func newTestLedger(t *testing.T) SQL {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return SQL{DB: conn}
}

func inTx(t *testing.T, l SQL, fn func(tx *sql.Tx) error) error {
	t.Helper()
	tx, err := l.DB.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func TestDebitNeverOverdraws(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Grant(ctx, "u1", domain.CurrencyGold, 30); err != nil {
		t.Fatalf("grant: %v", err)
	}

	err := inTx(t, l, func(tx *sql.Tx) error {
		return l.Debit(ctx, tx, "u1", domain.CurrencyGold, 31, Memo{Reason: ReasonStake, ContractID: "c1"})
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	err = inTx(t, l, func(tx *sql.Tx) error {
		return l.Debit(ctx, tx, "u1", domain.CurrencyTokens, 1, Memo{Reason: ReasonStake, ContractID: "c1"})
	})
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("expected insufficient funds on an empty wallet, got %v", err)
	}

	if err := inTx(t, l, func(tx *sql.Tx) error {
		return l.Debit(ctx, tx, "u1", domain.CurrencyGold, 30, Memo{Reason: ReasonStake, ContractID: "c1"})
	}); err != nil {
		t.Fatalf("debit full balance: %v", err)
	}
	if b, _ := l.CurrentBalance(ctx, "u1", domain.CurrencyGold); b != 0 {
		t.Fatalf("expected 0 balance, got %d", b)
	}
}

func TestRolledBackMovementLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Grant(ctx, "u1", domain.CurrencyGold, 50); err != nil {
		t.Fatalf("grant: %v", err)
	}
	boom := errors.New("boom")
	err := inTx(t, l, func(tx *sql.Tx) error {
		if err := l.Debit(ctx, tx, "u1", domain.CurrencyGold, 20, Memo{Reason: ReasonStake, ContractID: "c1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if b, _ := l.CurrentBalance(ctx, "u1", domain.CurrencyGold); b != 50 {
		t.Fatalf("rollback should restore balance, got %d", b)
	}
	entries, err := l.Entries(ctx, "c1")
	if err != nil || len(entries) != 0 {
		t.Fatalf("expected no entries, got %v %+v", err, entries)
	}
}

func TestCreditAndEntries(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Grant(ctx, "u1", domain.CurrencyTokens, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := inTx(t, l, func(tx *sql.Tx) error {
		if err := l.Debit(ctx, tx, "u1", domain.CurrencyTokens, 4, Memo{Reason: ReasonStake, ContractID: "c1"}); err != nil {
			return err
		}
		if err := l.Credit(ctx, tx, "system:commitment-pool", domain.CurrencyTokens, 4, Memo{Reason: ReasonForfeit, ContractID: "c1"}); err != nil {
			return err
		}
		return l.Credit(ctx, tx, "u1", domain.CurrencyTokens, 1, Memo{Reason: ReasonBonus, ContractID: "c1"})
	}); err != nil {
		t.Fatalf("movements: %v", err)
	}

	balances, err := l.Balances(ctx, "u1")
	if err != nil {
		t.Fatalf("balances: %v", err)
	}
	want := map[domain.Currency]int64{domain.CurrencyGold: 0, domain.CurrencyTokens: 7}
	for _, b := range balances {
		if want[b.Currency] != b.Amount {
			t.Fatalf("balance %s: want %d got %d", b.Currency, want[b.Currency], b.Amount)
		}
	}
	if pool, _ := l.CurrentBalance(ctx, "system:commitment-pool", domain.CurrencyTokens); pool != 4 {
		t.Fatalf("pool should hold forfeit, got %d", pool)
	}

	entries, err := l.Entries(ctx, "c1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 3 || entries[0].Delta != -4 || entries[0].Reason != string(ReasonStake) || entries[2].Reason != string(ReasonBonus) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestBurnRecordsEntryWithoutWallet(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	if err := l.Grant(ctx, "u1", domain.CurrencyGold, 10); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := inTx(t, l, func(tx *sql.Tx) error {
		if err := l.Debit(ctx, tx, "u1", domain.CurrencyGold, 6, Memo{Reason: ReasonStake, ContractID: "c1"}); err != nil {
			return err
		}
		return l.Burn(ctx, tx, domain.CurrencyGold, 6, Memo{Reason: ReasonForfeit, ContractID: "c1"})
	}); err != nil {
		t.Fatalf("movements: %v", err)
	}
	if b, _ := l.CurrentBalance(ctx, BurnAccount, domain.CurrencyGold); b != 0 {
		t.Fatalf("burn account should hold nothing, got %d", b)
	}
	entries, err := l.Entries(ctx, "c1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 2 || entries[1].UserID != BurnAccount || entries[1].Delta != 6 || entries[1].Reason != string(ReasonForfeit) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
	err = inTx(t, l, func(tx *sql.Tx) error {
		return l.Burn(ctx, tx, domain.CurrencyGold, 0, Memo{Reason: ReasonForfeit})
	})
	if err == nil {
		t.Fatal("zero burn should fail")
	}
}

func TestRejectsNonPositiveAmounts(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	err := inTx(t, l, func(tx *sql.Tx) error {
		return l.Credit(ctx, tx, "u1", domain.CurrencyGold, 0, Memo{Reason: ReasonGrant})
	})
	if err == nil || errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("zero credit should be a plain error, got %v", err)
	}
}

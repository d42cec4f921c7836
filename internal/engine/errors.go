package engine

import (
	"errors"
	"fmt"

	"pledgeline/internal/ledger"
	"pledgeline/internal/repo"
)

// Error kinds reported by the engine. Callers match them with errors.Is; the
// wrapped message carries the specifics.
var (
	ErrInvalidStake        = errors.New("invalid stake")
	ErrInsufficientFunds   = ledger.ErrInsufficientFunds
	ErrConflictingContract = errors.New("conflicting contract")
	ErrStakeAlreadyReduced = errors.New("stake already reduced")
	ErrInvalidOperation    = errors.New("invalid operation")
	ErrLedgerUnavailable   = errors.New("ledger unavailable")
)

// Kind names the error kind of err, or "" if it is not an engine error.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidStake):
		return "invalid_stake"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ErrConflictingContract):
		return "conflicting_contract"
	case errors.Is(err, ErrStakeAlreadyReduced):
		return "stake_already_reduced"
	case errors.Is(err, ErrInvalidOperation):
		return "invalid_operation"
	case errors.Is(err, ErrLedgerUnavailable):
		return "ledger_unavailable"
	default:
		return ""
	}
}

func invalidOp(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidOperation, fmt.Sprintf(format, args...))
}

// notFound is an invalid operation that also matches repo.ErrNotFound so the
// HTTP layer can answer 404.
func notFound(contractID string) error {
	return fmt.Errorf("%w: contract %s %w", ErrInvalidOperation, contractID, repo.ErrNotFound)
}

func invalidStake(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidStake, fmt.Sprintf(format, args...))
}

// ledgerError classifies an error returned by the ledger adapter. Anything that
// is not a reported shortfall is a communication failure.
func ledgerError(op string, err error) error {
	if errors.Is(err, ledger.ErrInsufficientFunds) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrLedgerUnavailable, op, err)
}

package bank

import (
	"errors"

	"bankist.org/internal/ledger"
	"bankist.org/internal/session"
)

// Outcome is the stable name of an operation result, shared by the HTTP and
// gRPC payloads, metrics and audit entries.
type Outcome string

const (
	OK                 Outcome = "ok"
	InvalidCredentials Outcome = "invalid_credentials"
	InvalidTarget      Outcome = "invalid_target"
	InvalidAmount      Outcome = "invalid_amount"
	InsufficientFunds  Outcome = "insufficient_funds"
	LoanNotEligible    Outcome = "loan_not_eligible"
	NotLoggedIn        Outcome = "not_logged_in"
	NotFound           Outcome = "not_found"
	Internal           Outcome = "internal"
)

var ErrNotLoggedIn = session.ErrNotLoggedIn

// OutcomeOf classifies err. A nil error is OK.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OK
	case errors.Is(err, ledger.ErrInvalidCredentials):
		return InvalidCredentials
	case errors.Is(err, ledger.ErrInvalidTarget):
		return InvalidTarget
	case errors.Is(err, ledger.ErrInvalidAmount):
		return InvalidAmount
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return InsufficientFunds
	case errors.Is(err, ledger.ErrLoanNotEligible):
		return LoanNotEligible
	case errors.Is(err, session.ErrNotLoggedIn):
		return NotLoggedIn
	case errors.Is(err, ledger.ErrNotFound):
		return NotFound
	default:
		return Internal
	}
}

// ErrorFor is the inverse of OutcomeOf for the known failure kinds. It
// returns nil for OK and for unknown outcomes.
func ErrorFor(o Outcome) error {
	switch o {
	case InvalidCredentials:
		return ledger.ErrInvalidCredentials
	case InvalidTarget:
		return ledger.ErrInvalidTarget
	case InvalidAmount:
		return ledger.ErrInvalidAmount
	case InsufficientFunds:
		return ledger.ErrInsufficientFunds
	case LoanNotEligible:
		return ledger.ErrLoanNotEligible
	case NotLoggedIn:
		return session.ErrNotLoggedIn
	case NotFound:
		return ledger.ErrNotFound
	default:
		return nil
	}
}

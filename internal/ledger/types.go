package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Movement is a single signed entry on an account: positive for deposits,
// negative for withdrawals. Movements are never edited once appended.
type Movement struct {
	ID     string          `json:"id"`
	Amount decimal.Decimal `json:"amount"`
	At     time.Time       `json:"date"`
}

// IsDeposit reports whether the movement credits the account.
func (m Movement) IsDeposit() bool { return m.Amount.IsPositive() }

// Account is a named ledger account. Balance and summary are always derived
// from Movements and never stored.
type Account struct {
	Owner        string          `json:"owner"`
	Username     string          `json:"username"`
	PIN          int             `json:"-"`
	InterestRate decimal.Decimal `json:"interest_rate"` // percent, 1.2 means 1.2%
	Currency     string          `json:"currency"`
	Locale       string          `json:"locale"`
	Movements    []Movement      `json:"movements"`
}

// FirstName is the first token of the owner's name, used for greetings.
func (a Account) FirstName() string {
	return firstToken(a.Owner)
}

// Summary aggregates an account's movements.
type Summary struct {
	Income   decimal.Decimal `json:"income"`
	Expense  decimal.Decimal `json:"expense"` // absolute value
	Interest decimal.Decimal `json:"interest"`
}

// PostingKind identifies what produced a posting.
type PostingKind string

const (
	PostingTransfer PostingKind = "transfer"
	PostingLoan     PostingKind = "loan"
)

// Posting is the journal record of one applied ledger event. A transfer
// posting covers both of its movements.
type Posting struct {
	ID       string          `json:"id"`
	Sequence uint64          `json:"sequence"`
	Kind     PostingKind     `json:"kind"`
	From     string          `json:"from,omitempty"`
	To       string          `json:"to"`
	Amount   decimal.Decimal `json:"amount"`
	At       time.Time       `json:"at"`
}

var (
	ErrNotFound           = errors.New("account not found")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidTarget      = errors.New("invalid transfer target")
	ErrInvalidAmount      = errors.New("invalid amount (must be > 0)")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrLoanNotEligible    = errors.New("loan not eligible")
	ErrDuplicateUsername  = errors.New("duplicate username")
	ErrInvalidOwner       = errors.New("owner name is required")
)

package bank

import (
	"context"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/ledger"
	"bankist.org/internal/sched"
)

// View is everything the display needs after an operation.
type View struct {
	Active           bool              `json:"active"`
	SessionID        string            `json:"session_id,omitempty"`
	Username         string            `json:"username,omitempty"`
	Owner            string            `json:"owner,omitempty"`
	FirstName        string            `json:"first_name,omitempty"`
	Currency         string            `json:"currency,omitempty"`
	Locale           string            `json:"locale,omitempty"`
	Balance          decimal.Decimal   `json:"balance"`
	Summary          ledger.Summary    `json:"summary"`
	Movements        []ledger.Movement `json:"movements"`
	Sorted           bool              `json:"sorted"`
	RemainingSeconds int               `json:"remaining_seconds"`
	Remaining        time.Duration     `json:"-"`
}

// PendingLoan is an approved loan waiting for its processing delay.
type PendingLoan struct {
	ID          string          `json:"id"`
	TaskID      sched.TaskID    `json:"task_id"`
	Username    string          `json:"username"`
	Amount      decimal.Decimal `json:"amount"`
	RequestedAt time.Time       `json:"requested_at"`
	Due         time.Time       `json:"due"`
}

func (b *Bank) viewLocked(ctx context.Context) View {
	s, ok := b.sessions.Current()
	if !ok {
		return View{Movements: []ledger.Movement{}}
	}
	acc, found := b.ledger.FindByUsername(ctx, s.Username)
	if !found {
		return View{Movements: []ledger.Movement{}}
	}
	remaining := b.sessions.Remaining()
	return View{
		Active:           true,
		SessionID:        s.ID,
		Username:         acc.Username,
		Owner:            acc.Owner,
		FirstName:        acc.FirstName(),
		Currency:         acc.Currency,
		Locale:           acc.Locale,
		Balance:          ledger.Balance(acc.Movements),
		Summary:          ledger.Summarize(acc),
		Movements:        ledger.SortedView(acc.Movements, s.Sorted),
		Sorted:           s.Sorted,
		Remaining:        remaining,
		RemainingSeconds: int(math.Ceil(remaining.Seconds())),
	}
}

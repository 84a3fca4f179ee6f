package ledger

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/ids"
)

// Service defines ledger operations over the set of active accounts.
type Service interface {
	Accounts(ctx context.Context) []Account
	FindByUsername(ctx context.Context, username string) (Account, bool)
	Authenticate(ctx context.Context, username string, pin int) (Account, error)
	Balance(ctx context.Context, username string) (decimal.Decimal, error)
	Summary(ctx context.Context, username string) (Summary, error)
	Movements(ctx context.Context, username string, sorted bool) ([]Movement, error)
	Transfer(ctx context.Context, fromUsername, toUsername string, amount decimal.Decimal) (Posting, error)
	CheckLoan(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error)
	CreditLoan(ctx context.Context, username string, amount decimal.Decimal) (Posting, error)
	Close(ctx context.Context, username, usernameInput string, pin int) error
	ListPostings(ctx context.Context, limit int, afterSeq uint64) ([]Posting, uint64, error)
}

// InMemory implements Service. Accounts keep their insertion order so lookups
// scan them the same way on every call.
type InMemory struct {
	mu       sync.RWMutex
	accts    []*Account
	seq      uint64
	postings []Posting
	now      func() time.Time
}

var _ Service = (*InMemory)(nil)

// Option configures InMemory.
type Option func(*InMemory)

// WithClock overrides the time source used to stamp movements.
func WithClock(now func() time.Time) Option {
	return func(s *InMemory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewInMemory creates an empty ledger.
func NewInMemory(opts ...Option) *InMemory {
	s := &InMemory{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// AddAccount registers an account, deriving its username from the owner.
func (s *InMemory) AddAccount(ctx context.Context, acc Account) (Account, error) {
	acc.Username = Username(acc.Owner)
	if acc.Username == "" {
		return Account{}, ErrInvalidOwner
	}
	acc.Currency = strings.ToUpper(strings.TrimSpace(acc.Currency))
	acc.Movements = slices.Clone(acc.Movements)

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, _ := s.find(acc.Username); existing != nil {
		return Account{}, ErrDuplicateUsername
	}
	stored := acc
	s.accts = append(s.accts, &stored)
	return cloneAccount(&stored), nil
}

func (s *InMemory) Accounts(ctx context.Context) []Account {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Account, 0, len(s.accts))
	for _, acc := range s.accts {
		out = append(out, cloneAccount(acc))
	}
	return out
}

func (s *InMemory) FindByUsername(ctx context.Context, username string) (Account, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil {
		return Account{}, false
	}
	return cloneAccount(acc), true
}

func (s *InMemory) Authenticate(ctx context.Context, username string, pin int) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil || acc.PIN != pin {
		return Account{}, ErrInvalidCredentials
	}
	return cloneAccount(acc), nil
}

func (s *InMemory) Balance(ctx context.Context, username string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil {
		return decimal.Zero, ErrNotFound
	}
	return Balance(acc.Movements), nil
}

func (s *InMemory) Summary(ctx context.Context, username string) (Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil {
		return Summary{}, ErrNotFound
	}
	return Summarize(*acc), nil
}

func (s *InMemory) Movements(ctx context.Context, username string, sorted bool) ([]Movement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil {
		return nil, ErrNotFound
	}
	return SortedView(acc.Movements, sorted), nil
}

// Transfer moves amount between two accounts. Checks run in a fixed order and
// the first failure wins; on success both movements share one timestamp.
func (s *InMemory) Transfer(ctx context.Context, fromUsername, toUsername string, amount decimal.Decimal) (Posting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	from, _ := s.find(fromUsername)
	if from == nil {
		return Posting{}, ErrNotFound
	}
	to, _ := s.find(toUsername)
	if to == nil || to == from {
		return Posting{}, ErrInvalidTarget
	}
	if err := CheckAmount(amount); err != nil {
		return Posting{}, err
	}
	if amount.GreaterThan(Balance(from.Movements)) {
		return Posting{}, ErrInsufficientFunds
	}

	at := s.now()
	from.Movements = append(from.Movements, Movement{ID: ids.Prefixed("mv", at), Amount: amount.Neg(), At: at})
	to.Movements = append(to.Movements, Movement{ID: ids.Prefixed("mv", at), Amount: amount, At: at})
	return s.record(PostingTransfer, from.Username, to.Username, amount, at), nil
}

// CheckLoan validates a loan request and returns the amount that will be
// credited. Requested amounts are floored to whole currency units.
func (s *InMemory) CheckLoan(ctx context.Context, username string, amount decimal.Decimal) (decimal.Decimal, error) {
	if !InRange(amount) {
		return decimal.Zero, ErrInvalidAmount
	}
	amount = amount.Floor()
	if !amount.IsPositive() {
		return decimal.Zero, ErrInvalidAmount
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, _ := s.find(username)
	if acc == nil {
		return decimal.Zero, ErrNotFound
	}
	if !LoanEligible(acc.Movements, amount) {
		return decimal.Zero, ErrLoanNotEligible
	}
	return amount, nil
}

// CreditLoan appends an approved loan deposit.
func (s *InMemory) CreditLoan(ctx context.Context, username string, amount decimal.Decimal) (Posting, error) {
	if err := CheckAmount(amount); err != nil {
		return Posting{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, _ := s.find(username)
	if acc == nil {
		return Posting{}, ErrNotFound
	}
	at := s.now()
	acc.Movements = append(acc.Movements, Movement{ID: ids.Prefixed("mv", at), Amount: amount, At: at})
	return s.record(PostingLoan, "", acc.Username, amount, at), nil
}

// Close removes the account when both confirmation inputs match it.
func (s *InMemory) Close(ctx context.Context, username, usernameInput string, pin int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, idx := s.find(username)
	if acc == nil {
		return ErrNotFound
	}
	if usernameInput != acc.Username || pin != acc.PIN {
		return ErrInvalidCredentials
	}
	s.accts = slices.Delete(s.accts, idx, idx+1)
	return nil
}

func (s *InMemory) ListPostings(ctx context.Context, limit int, afterSeq uint64) ([]Posting, uint64, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var res []Posting
	var last uint64
	for _, p := range s.postings {
		if p.Sequence <= afterSeq {
			continue
		}
		res = append(res, p)
		last = p.Sequence
		if len(res) >= limit {
			break
		}
	}
	return res, last, nil
}

func (s *InMemory) find(username string) (*Account, int) {
	for i, acc := range s.accts {
		if acc.Username == username {
			return acc, i
		}
	}
	return nil, -1
}

func (s *InMemory) record(kind PostingKind, from, to string, amount decimal.Decimal, at time.Time) Posting {
	s.seq++
	p := Posting{
		ID:       ids.Prefixed("pst", at),
		Sequence: s.seq,
		Kind:     kind,
		From:     from,
		To:       to,
		Amount:   amount,
		At:       at,
	}
	s.postings = append(s.postings, p)
	return p
}

func cloneAccount(acc *Account) Account {
	out := *acc
	out.Movements = slices.Clone(acc.Movements)
	return out
}

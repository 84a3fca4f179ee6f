// Package bank is the service object behind every transport. It owns the
// ledger, the single session and the task runner, and serialises all
// operations on them.
package bank

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/audit"
	"bankist.org/internal/events"
	"bankist.org/internal/ids"
	"bankist.org/internal/ledger"
	"bankist.org/internal/obs"
	"bankist.org/internal/sched"
	"bankist.org/internal/session"
)

// DefaultLoanDelay is the simulated loan processing time.
const DefaultLoanDelay = 2500 * time.Millisecond

// Operation names used for metrics and audit.
const (
	OpLogin      = "login"
	OpLogout     = "logout"
	OpTransfer   = "transfer"
	OpLoan       = "loan"
	OpLoanCredit = "loan_credit"
	OpClose      = "close"
	OpSort       = "sort"
	OpExpire     = "expire"
)

// Bank composes ledger, session and runner.
type Bank struct {
	mu        sync.Mutex
	ledger    ledger.Service
	runner    *sched.Runner
	sessions  *session.Manager
	loanDelay time.Duration
	timeout   time.Duration
	pending   map[string]PendingLoan
	sink      events.Sink
	trail     *audit.Trail
}

// Option configures a Bank.
type Option func(*Bank)

// WithSessionTimeout sets the inactivity countdown.
func WithSessionTimeout(d time.Duration) Option {
	return func(b *Bank) { b.timeout = d }
}

// WithLoanDelay sets how long an approved loan waits before it is credited.
func WithLoanDelay(d time.Duration) Option {
	return func(b *Bank) {
		if d >= 0 {
			b.loanDelay = d
		}
	}
}

// WithSink delivers events to s.
func WithSink(s events.Sink) Option {
	return func(b *Bank) { b.sink = s }
}

// WithTrail records audit entries on t.
func WithTrail(t *audit.Trail) Option {
	return func(b *Bank) { b.trail = t }
}

// New builds a bank over l. Deferred work (session expiry, loan credits)
// runs on runner.
func New(l ledger.Service, runner *sched.Runner, opts ...Option) *Bank {
	b := &Bank{
		ledger:    l,
		runner:    runner,
		loanDelay: DefaultLoanDelay,
		pending:   make(map[string]PendingLoan),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.sessions = session.NewManager(runner, b.timeout)
	b.sessions.OnExpire(b.expired)
	return b
}

// SessionTimeout returns the effective inactivity countdown.
func (b *Bank) SessionTimeout() time.Duration { return b.sessions.Timeout() }

// LoanDelay returns the loan processing delay.
func (b *Bank) LoanDelay() time.Duration { return b.loanDelay }

// Login authenticates and opens a session. A failed login leaves any current
// session untouched.
func (b *Bank) Login(ctx context.Context, username string, pin int) (View, error) {
	b.mu.Lock()
	acc, err := b.ledger.Authenticate(ctx, username, pin)
	if err != nil {
		v := b.viewLocked(ctx)
		b.mu.Unlock()
		b.finish(ctx, OpLogin, username, err, nil)
		return v, err
	}
	s, replaced := b.sessions.Start(acc.Username)
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	var evts []events.Event
	if replaced != nil {
		evts = append(evts, events.New(events.SessionEnded, replaced.Username, s.StartedAt,
			map[string]any{"session_id": replaced.ID, "reason": string(session.ReasonReplaced)}))
	}
	evts = append(evts, events.New(events.SessionStarted, s.Username, s.StartedAt,
		map[string]any{"session_id": s.ID, "deadline": s.Deadline}))
	obs.SetSessionActive(true)
	b.finish(ctx, OpLogin, s.Username, nil, map[string]any{"session_id": s.ID}, evts...)
	return v, nil
}

// Logout ends the current session.
func (b *Bank) Logout(ctx context.Context) (View, error) {
	b.mu.Lock()
	s, err := b.sessionLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		b.finish(ctx, OpLogout, "", err, nil)
		return View{Movements: []ledger.Movement{}}, err
	}
	b.sessions.End()
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	obs.SetSessionActive(false)
	b.finish(ctx, OpLogout, s.Username, nil, map[string]any{"session_id": s.ID},
		events.New(events.SessionEnded, s.Username, b.runner.Now(),
			map[string]any{"session_id": s.ID, "reason": string(session.ReasonLogout)}))
	return v, nil
}

// Transfer moves amount from the logged-in account to toUsername.
func (b *Bank) Transfer(ctx context.Context, toUsername string, amount decimal.Decimal) (View, error) {
	b.mu.Lock()
	s, err := b.touchLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		b.finish(ctx, OpTransfer, "", err, nil)
		return View{Movements: []ledger.Movement{}}, err
	}
	p, err := b.ledger.Transfer(ctx, s.Username, toUsername, amount)
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	fields := map[string]any{"to": toUsername, "amount": ledger.FormatAmount(amount)}
	if err != nil {
		b.finish(ctx, OpTransfer, s.Username, err, fields)
		return v, err
	}
	fields["posting_id"] = p.ID
	data := map[string]any{
		"posting_id": p.ID, "sequence": p.Sequence, "from": p.From, "to": p.To, "amount": p.Amount.String(),
	}
	// Each side of the transfer gets an event addressed to it.
	b.finish(ctx, OpTransfer, s.Username, nil, fields,
		events.New(events.TransferApplied, s.Username, p.At, data),
		events.New(events.TransferReceived, p.To, p.At, data))
	return v, nil
}

// RequestLoan validates a loan for the logged-in account and schedules its
// credit after the loan delay. The credit goes to the requesting account even
// if the session has moved on by then.
func (b *Bank) RequestLoan(ctx context.Context, amount decimal.Decimal) (View, PendingLoan, error) {
	b.mu.Lock()
	s, err := b.touchLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		b.finish(ctx, OpLoan, "", err, nil)
		return View{Movements: []ledger.Movement{}}, PendingLoan{}, err
	}
	approved, err := b.ledger.CheckLoan(ctx, s.Username, amount)
	if err != nil {
		v := b.viewLocked(ctx)
		b.mu.Unlock()
		b.finish(ctx, OpLoan, s.Username, err, map[string]any{"amount": ledger.FormatAmount(amount)})
		return v, PendingLoan{}, err
	}

	now := b.runner.Now()
	loan := PendingLoan{
		ID:          ids.Prefixed("loan", now),
		Username:    s.Username,
		Amount:      approved,
		RequestedAt: now,
		Due:         now.Add(b.loanDelay),
	}
	loanID := loan.ID
	loan.TaskID = b.runner.After(b.loanDelay, "loan.credit", func(time.Time) {
		b.creditLoan(loanID)
	})
	b.pending[loan.ID] = loan
	pendingCount := len(b.pending)
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	obs.SetLoansPending(pendingCount)
	b.finish(ctx, OpLoan, s.Username, nil, map[string]any{"loan_id": loan.ID, "amount": approved.String()},
		events.New(events.LoanRequested, s.Username, now, map[string]any{
			"loan_id": loan.ID, "amount": approved.String(), "due": loan.Due,
		}))
	return v, loan, nil
}

// CloseAccount removes the logged-in account when both confirmation inputs
// match it, and ends the session.
func (b *Bank) CloseAccount(ctx context.Context, usernameInput string, pin int) (View, error) {
	b.mu.Lock()
	s, err := b.touchLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		b.finish(ctx, OpClose, "", err, nil)
		return View{Movements: []ledger.Movement{}}, err
	}
	if err := b.ledger.Close(ctx, s.Username, usernameInput, pin); err != nil {
		v := b.viewLocked(ctx)
		b.mu.Unlock()
		b.finish(ctx, OpClose, s.Username, err, nil)
		return v, err
	}
	b.sessions.End()
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	now := b.runner.Now()
	obs.SetSessionActive(false)
	b.finish(ctx, OpClose, s.Username, nil, nil,
		events.New(events.AccountClosed, s.Username, now, nil),
		events.New(events.SessionEnded, s.Username, now,
			map[string]any{"session_id": s.ID, "reason": string(session.ReasonClosed)}))
	return v, nil
}

// ToggleSort flips between chronological and ascending-amount order. Only the
// view changes; stored movements keep their order.
func (b *Bank) ToggleSort(ctx context.Context) (View, error) {
	b.mu.Lock()
	s, err := b.touchLocked(ctx)
	if err != nil {
		b.mu.Unlock()
		b.finish(ctx, OpSort, "", err, nil)
		return View{Movements: []ledger.Movement{}}, err
	}
	sorted, err := b.sessions.ToggleSorted()
	v := b.viewLocked(ctx)
	b.mu.Unlock()

	b.finish(ctx, OpSort, s.Username, err, map[string]any{"sorted": sorted},
		events.New(events.SortToggled, s.Username, b.runner.Now(), map[string]any{"sorted": sorted}))
	return v, err
}

// View returns the current state without counting as activity. Without a
// session it returns an inactive view; a context pinned to a session that is
// no longer current gets ErrNotLoggedIn.
func (b *Bank) View(ctx context.Context) (View, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, pinned := session.IDFromContext(ctx); pinned {
		if _, err := b.sessionLocked(ctx); err != nil {
			return View{Movements: []ledger.Movement{}}, err
		}
	}
	return b.viewLocked(ctx), nil
}

// CurrentSession returns the active session, if any.
func (b *Bank) CurrentSession() (session.Session, bool) {
	return b.sessions.Current()
}

// PendingLoans lists loans not yet credited, soonest first.
func (b *Bank) PendingLoans(ctx context.Context) []PendingLoan {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingLoan, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p)
	}
	slices.SortFunc(out, func(a, c PendingLoan) int {
		if n := a.Due.Compare(c.Due); n != 0 {
			return n
		}
		return a.RequestedAt.Compare(c.RequestedAt)
	})
	return out
}

// Postings pages through the journal of applied transfers and loan credits.
func (b *Bank) Postings(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Posting, uint64, error) {
	return b.ledger.ListPostings(ctx, limit, afterSeq)
}

func (b *Bank) sessionLocked(ctx context.Context) (session.Session, error) {
	s, ok := b.sessions.Current()
	if !ok {
		return session.Session{}, ErrNotLoggedIn
	}
	if id, pinned := session.IDFromContext(ctx); pinned && id != s.ID {
		return session.Session{}, fmt.Errorf("%w: session %s is no longer active", ErrNotLoggedIn, id)
	}
	return s, nil
}

// touchLocked resolves the session and restarts its countdown. Activity counts
// even when the operation then fails validation.
func (b *Bank) touchLocked(ctx context.Context) (session.Session, error) {
	if _, err := b.sessionLocked(ctx); err != nil {
		return session.Session{}, err
	}
	return b.sessions.Touch()
}

func (b *Bank) creditLoan(loanID string) {
	ctx := context.Background()
	b.mu.Lock()
	loan, ok := b.pending[loanID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, loanID)
	pendingCount := len(b.pending)
	p, err := b.ledger.CreditLoan(ctx, loan.Username, loan.Amount)
	b.mu.Unlock()

	obs.SetLoansPending(pendingCount)
	fields := map[string]any{"loan_id": loan.ID, "amount": loan.Amount.String()}
	if err != nil {
		b.finish(ctx, OpLoanCredit, loan.Username, err, fields,
			events.New(events.LoanDropped, loan.Username, b.runner.Now(), map[string]any{
				"loan_id": loan.ID, "amount": loan.Amount.String(), "reason": string(OutcomeOf(err)),
			}))
		return
	}
	fields["posting_id"] = p.ID
	b.finish(ctx, OpLoanCredit, loan.Username, nil, fields,
		events.New(events.LoanCredited, loan.Username, p.At, map[string]any{
			"loan_id": loan.ID, "posting_id": p.ID, "sequence": p.Sequence, "amount": p.Amount.String(),
		}))
}

func (b *Bank) expired(s session.Session) {
	obs.SetSessionActive(false)
	obs.IncSessionExpirations()
	b.finish(context.Background(), OpExpire, s.Username, nil, map[string]any{"session_id": s.ID},
		events.New(events.SessionEnded, s.Username, b.runner.Now(),
			map[string]any{"session_id": s.ID, "reason": string(session.ReasonExpired)}))
}

// finish runs after the lock is released: metrics, audit, then events.
// Rejected operations also produce an operation.rejected event.
func (b *Bank) finish(ctx context.Context, op, username string, err error, fields map[string]any, evts ...events.Event) {
	outcome := OutcomeOf(err)
	obs.ObserveBankOp(op, string(outcome))

	if fields == nil {
		fields = map[string]any{}
	}
	if err != nil {
		fields["error"] = err.Error()
		evts = []events.Event{events.New(events.OperationFailed, username, b.runner.Now(), map[string]any{
			"op": op, "outcome": string(outcome),
		})}
	}
	if aerr := b.trail.Record(ctx, audit.Entry{
		Event:    "bank." + op,
		Username: username,
		Outcome:  string(outcome),
		At:       b.runner.Now(),
		Fields:   fields,
	}); aerr != nil {
		obs.Log("warn", "audit_record_failed", map[string]any{"op": op, "err": aerr})
	}

	if b.sink == nil {
		return
	}
	for _, evt := range evts {
		if perr := b.sink.Publish(ctx, evt); perr != nil {
			obs.Log("warn", "event_publish_failed", map[string]any{"type": string(evt.Type), "err": perr})
		}
	}
}

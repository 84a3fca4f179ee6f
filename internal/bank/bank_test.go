package bank

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bankist.org/internal/events"
	"bankist.org/internal/ledger"
	"bankist.org/internal/obs"
	"bankist.org/internal/sched"
	"bankist.org/internal/session"
)

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Publish(_ context.Context, e events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	bank   *Bank
	runner *sched.Runner
	ledger *ledger.InMemory
	events *recorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	l := obs.Logger()
	original := l.Writer()
	l.SetOutput(io.Discard)
	t.Cleanup(func() { l.SetOutput(original) })

	runner := sched.NewVirtual(epoch)
	led := ledger.NewSeeded(ledger.WithClock(runner.Now))
	rec := &recorder{}
	b := New(led, runner,
		WithSessionTimeout(30*time.Second),
		WithLoanDelay(2500*time.Millisecond),
		WithSink(rec),
	)
	return &harness{bank: b, runner: runner, ledger: led, events: rec}
}

func (h *harness) advance(t *testing.T, d time.Duration) {
	t.Helper()
	if _, err := h.runner.Advance(d); err != nil {
		t.Fatal(err)
	}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestLoginStartsCountdownAndExpires(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	v, err := h.bank.Login(ctx, "jd", 2222)
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !v.Active || v.Username != "jd" || v.FirstName != "Jessica" || v.Currency != "USD" {
		t.Fatalf("unexpected view %+v", v)
	}
	if v.RemainingSeconds != 30 {
		t.Fatalf("remaining = %d", v.RemainingSeconds)
	}
	if !v.Balance.Equal(dec("11720")) {
		t.Fatalf("balance = %s", v.Balance)
	}

	h.advance(t, 29*time.Second)
	if v, _ := h.bank.View(ctx); !v.Active || v.RemainingSeconds != 1 {
		t.Fatalf("session should still be active with 1s left: %+v", v)
	}

	h.advance(t, time.Second)
	if v, _ := h.bank.View(ctx); v.Active {
		t.Fatal("session did not expire")
	}
	ended := h.events.ofType(events.SessionEnded)
	if len(ended) != 1 || ended[0].Data["reason"] != string(session.ReasonExpired) {
		t.Fatalf("expected one expiry event, got %+v", ended)
	}
	if _, err := h.bank.Transfer(ctx, "js", dec("1")); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("transfer after expiry: %v", err)
	}
}

func TestFailedLoginKeepsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.bank.Login(ctx, "js", 1111); err != nil {
		t.Fatal(err)
	}
	v, err := h.bank.Login(ctx, "jd", 9999)
	if OutcomeOf(err) != InvalidCredentials {
		t.Fatalf("outcome = %s", OutcomeOf(err))
	}
	if !v.Active || v.Username != "js" {
		t.Fatalf("failed login changed the session: %+v", v)
	}
	if _, err := h.bank.Login(ctx, "nobody", 1111); OutcomeOf(err) != InvalidCredentials {
		t.Fatalf("unknown user outcome = %s", OutcomeOf(err))
	}
}

func TestLoginReplacesSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.bank.Login(ctx, "js", 1111)
	second, err := h.bank.Login(ctx, "jd", 2222)
	if err != nil {
		t.Fatal(err)
	}
	if second.SessionID == first.SessionID || second.Username != "jd" {
		t.Fatalf("unexpected second session %+v", second)
	}
	ended := h.events.ofType(events.SessionEnded)
	if len(ended) != 1 || ended[0].Data["reason"] != string(session.ReasonReplaced) {
		t.Fatalf("expected replaced event, got %+v", ended)
	}
}

func TestTransferMovesExactAmount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)

	v, err := h.bank.Transfer(ctx, "jd", dec("100"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !v.Balance.Equal(dec("27152.59")) {
		t.Fatalf("sender balance = %s", v.Balance)
	}
	jd, _ := h.ledger.Balance(ctx, "jd")
	if !jd.Equal(dec("11820")) {
		t.Fatalf("receiver balance = %s", jd)
	}
	last := v.Movements[len(v.Movements)-1]
	if !last.Amount.Equal(dec("-100")) || !last.At.Equal(epoch) {
		t.Fatalf("unexpected movement %+v", last)
	}
	cases := []struct {
		typ      events.Type
		username string
	}{
		{events.TransferApplied, "js"},
		{events.TransferReceived, "jd"},
	}
	for _, tc := range cases {
		got := h.events.ofType(tc.typ)
		if len(got) != 1 || got[0].Username != tc.username {
			t.Fatalf("%s events = %+v", tc.typ, got)
		}
		if got[0].Data["from"] != "js" || got[0].Data["to"] != "jd" || got[0].Data["amount"] != "100" {
			t.Fatalf("%s data = %+v", tc.typ, got[0].Data)
		}
	}
}

func TestTransferFailuresAreReported(t *testing.T) {
	cases := []struct {
		name   string
		to     string
		amount string
		want   Outcome
	}{
		{"unknown target", "zz", "10", InvalidTarget},
		{"self", "js", "10", InvalidTarget},
		{"zero", "jd", "0", InvalidAmount},
		{"negative", "jd", "-5", InvalidAmount},
		{"over balance", "jd", "27252.60", InsufficientFunds},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t)
			ctx := context.Background()
			_, _ = h.bank.Login(ctx, "js", 1111)
			before, _ := h.ledger.Movements(ctx, "jd", false)

			v, err := h.bank.Transfer(ctx, tc.to, dec(tc.amount))
			if got := OutcomeOf(err); got != tc.want {
				t.Fatalf("outcome = %s, want %s", got, tc.want)
			}
			if len(v.Movements) != 9 || !v.Balance.Equal(dec("27252.59")) {
				t.Fatalf("sender changed: %d movements, balance %s", len(v.Movements), v.Balance)
			}
			after, _ := h.ledger.Movements(ctx, "jd", false)
			if len(after) != len(before) {
				t.Fatal("receiver changed after failed transfer")
			}
			rejected := h.events.ofType(events.OperationFailed)
			if len(rejected) != 1 || rejected[0].Data["outcome"] != string(tc.want) {
				t.Fatalf("rejection events = %+v", rejected)
			}
		})
	}
}

func TestFailedActionStillRestartsCountdown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)
	h.advance(t, 20*time.Second)

	v, err := h.bank.Transfer(ctx, "js", dec("10"))
	if err == nil {
		t.Fatal("expected failure")
	}
	if v.RemainingSeconds != 30 {
		t.Fatalf("countdown not restarted: %d", v.RemainingSeconds)
	}
	h.advance(t, 20*time.Second)
	if v, _ := h.bank.View(ctx); !v.Active {
		t.Fatal("session expired on the old deadline")
	}
}

func TestLoanIsCreditedAfterDelay(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)

	v, loan, err := h.bank.RequestLoan(ctx, dec("1000.75"))
	if err != nil {
		t.Fatalf("RequestLoan: %v", err)
	}
	if !loan.Amount.Equal(dec("1000")) {
		t.Fatalf("loan amount not floored: %s", loan.Amount)
	}
	if !v.Balance.Equal(dec("27252.59")) {
		t.Fatal("loan credited synchronously")
	}
	if pending := h.bank.PendingLoans(ctx); len(pending) != 1 || pending[0].ID != loan.ID {
		t.Fatalf("pending = %+v", pending)
	}

	h.advance(t, 2*time.Second)
	if v, _ := h.bank.View(ctx); !v.Balance.Equal(dec("27252.59")) {
		t.Fatal("loan credited before its delay")
	}
	h.advance(t, 500*time.Millisecond)
	v, _ = h.bank.View(ctx)
	if !v.Balance.Equal(dec("28252.59")) {
		t.Fatalf("balance after credit = %s", v.Balance)
	}
	if len(h.bank.PendingLoans(ctx)) != 0 {
		t.Fatal("loan still pending after credit")
	}
	credited := h.events.ofType(events.LoanCredited)
	if len(credited) != 1 || credited[0].Data["loan_id"] != loan.ID {
		t.Fatalf("credit events = %+v", credited)
	}
	postings, _, _ := h.bank.Postings(ctx, 10, 0)
	if len(postings) != 1 || postings[0].Kind != ledger.PostingLoan {
		t.Fatalf("postings = %+v", postings)
	}
}

func TestLoanFollowsRequestingAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)
	if _, _, err := h.bank.RequestLoan(ctx, dec("500")); err != nil {
		t.Fatal(err)
	}
	_, _ = h.bank.Login(ctx, "jd", 2222)
	h.advance(t, 3*time.Second)

	js, _ := h.ledger.Balance(ctx, "js")
	jd, _ := h.ledger.Balance(ctx, "jd")
	if !js.Equal(dec("27752.59")) || !jd.Equal(dec("11720")) {
		t.Fatalf("loan credited to the wrong account: js=%s jd=%s", js, jd)
	}
}

func TestLoanDroppedWhenAccountClosed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "jd", 2222)
	if _, _, err := h.bank.RequestLoan(ctx, dec("500")); err != nil {
		t.Fatal(err)
	}
	if _, err := h.bank.CloseAccount(ctx, "jd", 2222); err != nil {
		t.Fatal(err)
	}
	h.advance(t, 3*time.Second)

	dropped := h.events.ofType(events.LoanDropped)
	if len(dropped) != 1 || dropped[0].Data["reason"] != string(NotFound) {
		t.Fatalf("dropped events = %+v", dropped)
	}
	if len(h.events.ofType(events.LoanCredited)) != 0 {
		t.Fatal("loan credited to a closed account")
	}
}

func TestLoanRejections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "jd", 2222)

	if _, _, err := h.bank.RequestLoan(ctx, dec("85000")); err != nil {
		t.Fatalf("85000 should be covered by the 8500 deposit: %v", err)
	}
	if _, _, err := h.bank.RequestLoan(ctx, dec("85010")); OutcomeOf(err) != LoanNotEligible {
		t.Fatalf("outcome = %s", OutcomeOf(err))
	}
	if _, _, err := h.bank.RequestLoan(ctx, dec("0.5")); OutcomeOf(err) != InvalidAmount {
		t.Fatalf("outcome = %s", OutcomeOf(err))
	}
	if n := len(h.bank.PendingLoans(ctx)); n != 1 {
		t.Fatalf("pending loans = %d", n)
	}
}

func TestCloseAccount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)

	v, err := h.bank.CloseAccount(ctx, "js", 2222)
	if OutcomeOf(err) != InvalidCredentials || !v.Active {
		t.Fatalf("wrong pin: outcome=%s active=%v", OutcomeOf(err), v.Active)
	}
	if _, err := h.bank.CloseAccount(ctx, "jd", 1111); OutcomeOf(err) != InvalidCredentials {
		t.Fatalf("wrong username: %v", err)
	}

	v, err = h.bank.CloseAccount(ctx, "js", 1111)
	if err != nil {
		t.Fatal(err)
	}
	if v.Active {
		t.Fatal("session survived account closure")
	}
	if _, ok := h.ledger.FindByUsername(ctx, "js"); ok {
		t.Fatal("account still present")
	}
	if _, err := h.bank.Login(ctx, "js", 1111); OutcomeOf(err) != InvalidCredentials {
		t.Fatalf("login to closed account: %v", err)
	}
	if len(h.events.ofType(events.AccountClosed)) != 1 {
		t.Fatal("missing account.closed event")
	}
}

func TestToggleSortTwiceRestoresOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	orig, _ := h.bank.Login(ctx, "js", 1111)

	sorted, err := h.bank.ToggleSort(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !sorted.Sorted || !sorted.Movements[0].Amount.Equal(dec("-642.21")) {
		t.Fatalf("first sorted movement = %s", sorted.Movements[0].Amount)
	}
	stored, _ := h.ledger.Movements(ctx, "js", false)
	if !stored[0].Amount.Equal(dec("200")) {
		t.Fatal("sorting mutated stored order")
	}

	back, _ := h.bank.ToggleSort(ctx)
	if back.Sorted {
		t.Fatal("second toggle left sort on")
	}
	for i := range orig.Movements {
		if orig.Movements[i].ID != back.Movements[i].ID {
			t.Fatalf("order differs at %d", i)
		}
	}
}

func TestSortStaysAppliedAfterTransfer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)
	_, _ = h.bank.ToggleSort(ctx)
	v, err := h.bank.Transfer(ctx, "jd", dec("1000"))
	if err != nil {
		t.Fatal(err)
	}
	if !v.Sorted || !v.Movements[0].Amount.Equal(dec("-1000")) {
		t.Fatalf("view not sorted after transfer: %s", v.Movements[0].Amount)
	}
}

func TestPinnedSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first, _ := h.bank.Login(ctx, "js", 1111)
	_, _ = h.bank.Login(ctx, "jd", 2222)

	stale := session.ContextWithID(ctx, first.SessionID)
	if _, err := h.bank.Transfer(stale, "js", dec("1")); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("stale token transfer: %v", err)
	}
	if _, err := h.bank.View(stale); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("stale token view: %v", err)
	}
	if _, err := h.bank.Logout(stale); !errors.Is(err, ErrNotLoggedIn) {
		t.Fatalf("stale token logout: %v", err)
	}
	if cur, ok := h.bank.CurrentSession(); !ok || cur.Username != "jd" {
		t.Fatal("stale token affected the current session")
	}
}

func TestOperationsRequireSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.bank.Transfer(ctx, "jd", dec("1")); OutcomeOf(err) != NotLoggedIn {
		t.Fatalf("transfer: %v", err)
	}
	if _, _, err := h.bank.RequestLoan(ctx, dec("1")); OutcomeOf(err) != NotLoggedIn {
		t.Fatalf("loan: %v", err)
	}
	if _, err := h.bank.CloseAccount(ctx, "js", 1111); OutcomeOf(err) != NotLoggedIn {
		t.Fatalf("close: %v", err)
	}
	if _, err := h.bank.ToggleSort(ctx); OutcomeOf(err) != NotLoggedIn {
		t.Fatalf("sort: %v", err)
	}
	if _, err := h.bank.Logout(ctx); OutcomeOf(err) != NotLoggedIn {
		t.Fatalf("logout: %v", err)
	}
	v, err := h.bank.View(ctx)
	if err != nil || v.Active || v.Movements == nil {
		t.Fatalf("logged-out view = %+v, %v", v, err)
	}
}

func TestLogoutCancelsExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, _ = h.bank.Login(ctx, "js", 1111)
	v, err := h.bank.Logout(ctx)
	if err != nil || v.Active {
		t.Fatalf("logout = %+v, %v", v, err)
	}
	h.advance(t, time.Minute)
	ended := h.events.ofType(events.SessionEnded)
	if len(ended) != 1 || ended[0].Data["reason"] != string(session.ReasonLogout) {
		t.Fatalf("session.ended events = %+v", ended)
	}
}

func TestOutcomeRoundTrip(t *testing.T) {
	for _, o := range []Outcome{InvalidCredentials, InvalidTarget, InvalidAmount, InsufficientFunds, LoanNotEligible, NotLoggedIn, NotFound} {
		if got := OutcomeOf(ErrorFor(o)); got != o {
			t.Fatalf("OutcomeOf(ErrorFor(%s)) = %s", o, got)
		}
	}
	if OutcomeOf(nil) != OK || ErrorFor(OK) != nil {
		t.Fatal("OK mapping broken")
	}
	if OutcomeOf(errors.New("boom")) != Internal {
		t.Fatal("unknown errors must be internal")
	}
}

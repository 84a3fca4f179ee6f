package remote

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bankist.org/internal/bank"
	"bankist.org/internal/bank/bankrpc"
	"bankist.org/internal/ledger"
	"bankist.org/internal/session"
)

// Client talks to a bankist gRPC server. It keeps the token from the last
// successful Login and sends it with every later call.
type Client struct {
	conn *grpc.ClientConn

	mu    sync.Mutex
	token string
}

// Info is the server metadata returned by GetInfo.
type Info struct {
	Name                  string    `json:"name"`
	Version               string    `json:"version"`
	Time                  time.Time `json:"time"`
	SessionTimeoutSeconds float64   `json:"session_timeout_seconds"`
	LoanDelaySeconds      float64   `json:"loan_delay_seconds"`
}

type operation struct {
	Outcome   bank.Outcome      `json:"outcome"`
	View      bank.View         `json:"view"`
	Token     string            `json:"token"`
	ExpiresAt *time.Time        `json:"expires_at"`
	Loan      *bank.PendingLoan `json:"loan"`
}

// Dial creates a new client with sensible defaults (insecure transport).
func Dial(ctx context.Context, target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.DialContext(ctx, target, opts...)
	if err != nil {
		return nil, err
	}
	return NewClient(conn), nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client { return &Client{conn: conn} }

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Token returns the bearer token from the last login.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken overrides the bearer token, e.g. one issued over HTTP.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Client) Info(ctx context.Context) (Info, error) {
	var out Info
	err := c.invoke(ctx, bankrpc.MethodGetInfo, nil, &out)
	return out, err
}

func (c *Client) Login(ctx context.Context, username string, pin int) (bank.View, error) {
	var out operation
	if err := c.invoke(ctx, bankrpc.MethodLogin, map[string]any{"username": username, "pin": pin}, &out); err != nil {
		return fixView(out.View), err
	}
	if out.Token != "" {
		c.SetToken(out.Token)
	}
	return fixView(out.View), nil
}

func (c *Client) Logout(ctx context.Context) (bank.View, error) {
	return c.viewCall(ctx, bankrpc.MethodLogout, nil)
}

func (c *Client) View(ctx context.Context) (bank.View, error) {
	return c.viewCall(ctx, bankrpc.MethodGetView, nil)
}

func (c *Client) Transfer(ctx context.Context, to string, amount decimal.Decimal) (bank.View, error) {
	if !ledger.InRange(amount) {
		return fixView(bank.View{}), ledger.ErrInvalidAmount
	}
	return c.viewCall(ctx, bankrpc.MethodTransfer, map[string]any{"to": to, "amount": amount.String()})
}

func (c *Client) RequestLoan(ctx context.Context, amount decimal.Decimal) (bank.View, bank.PendingLoan, error) {
	if !ledger.InRange(amount) {
		return fixView(bank.View{}), bank.PendingLoan{}, ledger.ErrInvalidAmount
	}
	var out operation
	if err := c.invoke(ctx, bankrpc.MethodRequestLoan, map[string]any{"amount": amount.String()}, &out); err != nil {
		return fixView(out.View), bank.PendingLoan{}, err
	}
	var loan bank.PendingLoan
	if out.Loan != nil {
		loan = *out.Loan
	}
	return fixView(out.View), loan, nil
}

func (c *Client) CloseAccount(ctx context.Context, username string, pin int) (bank.View, error) {
	return c.viewCall(ctx, bankrpc.MethodCloseAccount, map[string]any{"username": username, "pin": pin})
}

func (c *Client) ToggleSort(ctx context.Context) (bank.View, error) {
	return c.viewCall(ctx, bankrpc.MethodToggleSort, nil)
}

func (c *Client) PendingLoans(ctx context.Context) ([]bank.PendingLoan, error) {
	var out struct {
		Items []bank.PendingLoan `json:"items"`
	}
	if err := c.invoke(ctx, bankrpc.MethodListPendingLoans, nil, &out); err != nil {
		return nil, err
	}
	return out.Items, nil
}

func (c *Client) Postings(ctx context.Context, limit int, afterSeq uint64) ([]ledger.Posting, uint64, error) {
	if limit <= 0 {
		limit = 100
	}
	var out struct {
		Items     []ledger.Posting `json:"items"`
		NextAfter uint64           `json:"next_after"`
	}
	if err := c.invoke(ctx, bankrpc.MethodListPostings, map[string]any{"limit": limit, "after": afterSeq}, &out); err != nil {
		return nil, 0, err
	}
	return out.Items, out.NextAfter, nil
}

// Helpers -----------------------------------------------------------------

// viewCall returns the server's view even when the operation fails; it is
// empty only if the failure carried none.
func (c *Client) viewCall(ctx context.Context, method string, req map[string]any) (bank.View, error) {
	var out operation
	err := c.invoke(ctx, method, req, &out)
	return fixView(out.View), err
}

func (c *Client) invoke(ctx context.Context, method string, req map[string]any, dst any) error {
	if req == nil {
		req = map[string]any{}
	}
	in, err := structpb.NewStruct(req)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", method, err)
	}
	out := &structpb.Struct{}
	if err := c.conn.Invoke(c.outgoing(ctx), bankrpc.FullMethod(method), in, out); err != nil {
		if op, ok := dst.(*operation); ok {
			decodeFailure(err, op)
		}
		return mapBankError(err)
	}
	return bankrpc.Decode(out, dst)
}

func (c *Client) outgoing(ctx context.Context) context.Context {
	token := c.Token()
	if token == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

// fixView restores the duration that is not carried on the wire.
func fixView(v bank.View) bank.View {
	v.Remaining = time.Duration(v.RemainingSeconds) * time.Second
	if v.Movements == nil {
		v.Movements = []ledger.Movement{}
	}
	return v
}

// decodeFailure fills op from the structpb detail of a failure status.
func decodeFailure(err error, op *operation) {
	st, ok := status.FromError(err)
	if !ok {
		return
	}
	for _, d := range st.Details() {
		if detail, ok := d.(*structpb.Struct); ok {
			_ = bankrpc.Decode(detail, op)
			return
		}
	}
}

var statusSentinels = map[codes.Code][]error{
	codes.Unauthenticated:    {ledger.ErrInvalidCredentials, session.ErrNotLoggedIn},
	codes.InvalidArgument:    {ledger.ErrInvalidTarget, ledger.ErrInvalidAmount},
	codes.FailedPrecondition: {ledger.ErrInsufficientFunds, ledger.ErrLoanNotEligible},
	codes.NotFound:           {ledger.ErrNotFound},
}

// mapBankError turns a status error back into the sentinel the server
// classified it as, keeping any detail the server appended.
func mapBankError(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	msg := st.Message()
	for _, sentinel := range statusSentinels[st.Code()] {
		text := sentinel.Error()
		if msg == text {
			return sentinel
		}
		if strings.HasPrefix(msg, text) {
			return fmt.Errorf("%w%s", sentinel, msg[len(text):])
		}
	}
	if st.Code() == codes.NotFound {
		return ledger.ErrNotFound
	}
	return err
}

// WithTimeout returns a context with default timeout useful for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}

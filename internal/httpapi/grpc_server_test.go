package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"bankist.org/internal/auth"
	"bankist.org/internal/bank"
	"bankist.org/internal/bank/bankrpc"
	"bankist.org/internal/ledger"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) *grpc.ClientConn {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := grpc.NewServer(grpc.UnaryInterceptor(srv.UnaryAuthInterceptor()))
	srv.Register(server)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	t.Cleanup(func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	})
	return conn
}

func newTestGRPC(t *testing.T, r readinessChecker) (*grpc.ClientConn, *GRPCServer) {
	t.Helper()
	quietLogs(t)
	b, _ := newTestBank(t)
	issuer, err := auth.NewIssuer("test-secret")
	if err != nil {
		t.Fatal(err)
	}
	srv := NewGRPCServer(b, issuer, r, "1.2.3")
	return startBufGRPC(t, srv), srv
}

func invoke(ctx context.Context, t *testing.T, conn *grpc.ClientConn, method string, req map[string]any) (map[string]any, error) {
	t.Helper()
	in, err := structpb.NewStruct(req)
	if err != nil {
		t.Fatal(err)
	}
	out := &structpb.Struct{}
	if err := conn.Invoke(ctx, bankrpc.FullMethod(method), in, out); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}

func TestGRPCServer_InfoAndHealth(t *testing.T) {
	conn, _ := newTestGRPC(t, ReadyProbe{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := invoke(ctx, t, conn, bankrpc.MethodGetInfo, nil)
	if err != nil {
		t.Fatalf("GetInfo error: %v", err)
	}
	if info["name"] != serviceName || info["version"] != "1.2.3" {
		t.Fatalf("unexpected info response: %+v", info)
	}
	if _, err := time.Parse(time.RFC3339, info["time"].(string)); err != nil {
		t.Fatalf("invalid time format: %v", err)
	}

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: bankrpc.ServiceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCServer_HealthFailure(t *testing.T) {
	conn, _ := newTestGRPC(t, failingReadiness{})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err == nil {
		t.Fatal("expected health check error")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		t.Fatalf("unexpected status: %v", err)
	}
}

func TestGRPCServer_RequiresToken(t *testing.T) {
	conn, _ := newTestGRPC(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := invoke(ctx, t, conn, bankrpc.MethodGetView, nil)
	if status.Code(err) != codes.Unauthenticated {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestGRPCServer_LoginAndTransfer(t *testing.T) {
	conn, _ := newTestGRPC(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := invoke(ctx, t, conn, bankrpc.MethodLogin, map[string]any{"username": "js", "pin": 9999})
	st, _ := status.FromError(err)
	if st.Code() != codes.Unauthenticated || st.Message() != "invalid credentials" {
		t.Fatalf("bad pin: %v", err)
	}

	_, err = invoke(ctx, t, conn, bankrpc.MethodLogin, map[string]any{"username": "js"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("missing pin: %v", err)
	}

	login, err := invoke(ctx, t, conn, bankrpc.MethodLogin, map[string]any{"username": "js", "pin": 1111})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	token, _ := login["token"].(string)
	if token == "" {
		t.Fatalf("login returned no token: %v", login)
	}
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	resp, err := invoke(authed, t, conn, bankrpc.MethodTransfer, map[string]any{"to": "jd", "amount": "100"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	view := resp["view"].(map[string]any)
	if view["balance"] != "27152.59" || resp["outcome"] != "ok" {
		t.Fatalf("unexpected transfer response: %v", resp)
	}

	_, err = invoke(authed, t, conn, bankrpc.MethodTransfer, map[string]any{"to": "jd", "amount": "1000000"})
	st, _ = status.FromError(err)
	if st.Code() != codes.FailedPrecondition || st.Message() != "insufficient funds" {
		t.Fatalf("overdraft: %v", err)
	}

	_, err = invoke(authed, t, conn, bankrpc.MethodTransfer, map[string]any{"to": "js", "amount": "1"})
	if status.Code(err) != codes.InvalidArgument {
		t.Fatalf("self transfer: %v", err)
	}

	postings, err := invoke(authed, t, conn, bankrpc.MethodListPostings, map[string]any{"limit": 10})
	if err != nil {
		t.Fatalf("postings: %v", err)
	}
	if items := postings["items"].([]any); len(items) != 1 {
		t.Fatalf("postings = %v", postings)
	}
}

func failureDetail(t *testing.T, err error) map[string]any {
	t.Helper()
	st, _ := status.FromError(err)
	for _, d := range st.Details() {
		if detail, ok := d.(*structpb.Struct); ok {
			return detail.AsMap()
		}
	}
	t.Fatalf("status %v carries no view detail", err)
	return nil
}

func TestGRPCFailuresCarryView(t *testing.T) {
	conn, _ := newTestGRPC(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	login, err := invoke(ctx, t, conn, bankrpc.MethodLogin, map[string]any{"username": "js", "pin": 1111})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	token, _ := login["token"].(string)
	authed := metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)

	cases := []struct {
		name    string
		method  string
		req     map[string]any
		code    codes.Code
		outcome bank.Outcome
	}{
		{"overdraft", bankrpc.MethodTransfer, map[string]any{"to": "jd", "amount": "1000000"}, codes.FailedPrecondition, bank.InsufficientFunds},
		{"self transfer", bankrpc.MethodTransfer, map[string]any{"to": "js", "amount": "1"}, codes.InvalidArgument, bank.InvalidTarget},
		{"out of range amount", bankrpc.MethodTransfer, map[string]any{"to": "jd", "amount": "1e300000000"}, codes.InvalidArgument, bank.InvalidAmount},
		{"loan too large", bankrpc.MethodRequestLoan, map[string]any{"amount": "100000000"}, codes.FailedPrecondition, bank.LoanNotEligible},
		{"wrong close pin", bankrpc.MethodCloseAccount, map[string]any{"username": "js", "pin": 2222}, codes.Unauthenticated, bank.InvalidCredentials},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := invoke(authed, t, conn, tc.method, tc.req)
			if status.Code(err) != tc.code {
				t.Fatalf("code = %s, want %s", status.Code(err), tc.code)
			}
			detail := failureDetail(t, err)
			if detail["outcome"] != string(tc.outcome) {
				t.Fatalf("outcome = %v, want %s", detail["outcome"], tc.outcome)
			}
			view, _ := detail["view"].(map[string]any)
			if view["balance"] != "27252.59" || view["active"] != true || view["username"] != "js" {
				t.Fatalf("failure view = %v", view)
			}
		})
	}
}

func TestGRPCErrorMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code codes.Code
	}{
		{"credentials", ledger.ErrInvalidCredentials, codes.Unauthenticated},
		{"session", fmt.Errorf("%w: session x is no longer active", bank.ErrNotLoggedIn), codes.Unauthenticated},
		{"target", ledger.ErrInvalidTarget, codes.InvalidArgument},
		{"amount", ledger.ErrInvalidAmount, codes.InvalidArgument},
		{"funds", ledger.ErrInsufficientFunds, codes.FailedPrecondition},
		{"loan", ledger.ErrLoanNotEligible, codes.FailedPrecondition},
		{"missing", ledger.ErrNotFound, codes.NotFound},
		{"other", errors.New("boom"), codes.Internal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, _ := status.FromError(grpcError(tc.err))
			if st.Code() != tc.code {
				t.Fatalf("code = %s, want %s", st.Code(), tc.code)
			}
			if tc.code != codes.Internal && st.Message() != tc.err.Error() {
				t.Fatalf("message = %q, want %q", st.Message(), tc.err.Error())
			}
		})
	}
}

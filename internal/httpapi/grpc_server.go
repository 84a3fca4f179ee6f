package httpapi

import (
	"context"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"bankist.org/internal/auth"
	"bankist.org/internal/bank"
	"bankist.org/internal/bank/bankrpc"
	"bankist.org/internal/ledger"
	"bankist.org/internal/obs"
	"bankist.org/internal/session"
)

// GRPCServer implements bankist.v1.BankService and the standard health
// service over the same bank the HTTP API uses.
type GRPCServer struct {
	bank      *bank.Bank
	issuer    *auth.Issuer
	readiness readinessChecker
	version   string
	health    *health.Server
}

var _ bankrpc.BankServer = (*GRPCServer)(nil)

// NewGRPCServer creates the gRPC service wrapper. A nil issuer disables
// token checks.
func NewGRPCServer(b *bank.Bank, issuer *auth.Issuer, r readinessChecker, version string) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	hs := health.NewServer()
	hs.SetServingStatus(bankrpc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	return &GRPCServer{
		bank:      b,
		issuer:    issuer,
		readiness: r,
		version:   version,
		health:    hs,
	}
}

// Register attaches the bank and health services to srv.
func (s *GRPCServer) Register(srv *grpc.Server) {
	bankrpc.RegisterBankServer(srv, s)
	healthpb.RegisterHealthServer(srv, readyHealth{Server: s.health, readiness: s.readiness})
}

// Shutdown flips every health status to NOT_SERVING.
func (s *GRPCServer) Shutdown() { s.health.Shutdown() }

type readyHealth struct {
	*health.Server
	readiness readinessChecker
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (h readyHealth) Check(ctx context.Context, req *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := h.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return h.Server.Check(ctx, req)
}

var publicMethods = map[string]struct{}{
	bankrpc.FullMethod(bankrpc.MethodGetInfo): {},
	bankrpc.FullMethod(bankrpc.MethodLogin):   {},
}

// UnaryAuthInterceptor validates the bearer token in the "authorization"
// metadata for BankService calls, mirroring the HTTP withAuth middleware.
func (s *GRPCServer) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if s.issuer == nil || !strings.HasPrefix(info.FullMethod, "/"+bankrpc.ServiceName+"/") {
			return handler(ctx, req)
		}
		if _, ok := publicMethods[info.FullMethod]; ok {
			return handler(ctx, req)
		}
		md, _ := metadata.FromIncomingContext(ctx)
		var raw string
		if vals := md.Get("authorization"); len(vals) > 0 {
			raw = vals[0]
		}
		token, err := extractBearerToken(raw)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, err.Error())
		}
		claims, err := s.issuer.ParseAndValidate(token)
		if err != nil {
			return nil, status.Error(codes.Unauthenticated, "invalid token")
		}
		ctx = auth.ContextWithClaims(ctx, claims)
		ctx = auth.ContextWithToken(ctx, token)
		ctx = session.ContextWithID(ctx, claims.SessionID)
		return handler(ctx, req)
	}
}

// GetInfo returns service metadata.
func (s *GRPCServer) GetInfo(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return encodeResponse(map[string]any{
		"name":                    serviceName,
		"version":                 s.version,
		"time":                    time.Now().UTC().Format(time.RFC3339),
		"session_timeout_seconds": s.bank.SessionTimeout().Seconds(),
		"loan_delay_seconds":      s.bank.LoanDelay().Seconds(),
	})
}

func (s *GRPCServer) Login(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req loginRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	v, err := s.bank.Login(ctx, strings.TrimSpace(req.Username), *req.PIN)
	if err != nil {
		return nil, viewError(v, err)
	}
	resp := operationResponse{Outcome: bank.OK, View: v}
	if s.issuer != nil {
		token, exp, err := s.issuer.GenerateToken(v.Username, v.SessionID)
		if err != nil {
			return nil, status.Error(codes.Internal, "token issue failed")
		}
		resp.Token = token
		resp.ExpiresAt = &exp
	}
	return encodeResponse(resp)
}

func (s *GRPCServer) Logout(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return viewResponse(s.bank.Logout(ctx))
}

func (s *GRPCServer) GetView(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return viewResponse(s.bank.View(ctx))
}

func (s *GRPCServer) Transfer(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req transferRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return viewResponse(s.bank.Transfer(ctx, strings.TrimSpace(req.To), req.Amount))
}

func (s *GRPCServer) RequestLoan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req loanRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	v, loan, err := s.bank.RequestLoan(ctx, req.Amount)
	if err != nil {
		return nil, viewError(v, err)
	}
	return encodeResponse(operationResponse{Outcome: bank.OK, View: v, Loan: &loan})
}

func (s *GRPCServer) CloseAccount(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req closeRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	return viewResponse(s.bank.CloseAccount(ctx, strings.TrimSpace(req.Username), *req.PIN))
}

func (s *GRPCServer) ToggleSort(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	return viewResponse(s.bank.ToggleSort(ctx))
}

func (s *GRPCServer) ListPendingLoans(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	var username string
	if claims, ok := auth.ClaimsFromContext(ctx); ok {
		username = claims.Username()
	}
	items := []bank.PendingLoan{}
	for _, p := range s.bank.PendingLoans(ctx) {
		if username == "" || p.Username == username {
			items = append(items, p)
		}
	}
	return encodeResponse(map[string]any{"items": items})
}

type listPostingsRequest struct {
	Limit int    `json:"limit" validate:"gte=0,lte=1000"`
	After uint64 `json:"after"`
}

func (s *GRPCServer) ListPostings(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req listPostingsRequest
	if err := decodeRequest(in, &req); err != nil {
		return nil, err
	}
	if req.Limit == 0 {
		req.Limit = 100
	}
	items, next, err := s.bank.Postings(ctx, req.Limit, req.After)
	if err != nil {
		return nil, grpcError(err)
	}
	if items == nil {
		items = []ledger.Posting{}
	}
	return encodeResponse(listPostingsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

func decodeRequest(in *structpb.Struct, dst any) error {
	if err := bankrpc.Decode(in, dst); err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	if details := validateRequest(dst); len(details) > 0 {
		return status.Errorf(codes.InvalidArgument, "invalid request data: %s %s", details[0].Field, strings.ToLower(details[0].Message))
	}
	return nil
}

func viewResponse(v bank.View, err error) (*structpb.Struct, error) {
	if err != nil {
		return nil, viewError(v, err)
	}
	return encodeResponse(operationResponse{Outcome: bank.OK, View: v})
}

func encodeResponse(v any) (*structpb.Struct, error) {
	out, err := bankrpc.Encode(v)
	if err != nil {
		return nil, status.Error(codes.Internal, "internal error")
	}
	return out, nil
}

// grpcError maps a bank failure onto a status whose message is the error
// text, so clients can recover the sentinel.
func grpcError(err error) error {
	var code codes.Code
	switch bank.OutcomeOf(err) {
	case bank.InvalidCredentials, bank.NotLoggedIn:
		code = codes.Unauthenticated
	case bank.InvalidTarget, bank.InvalidAmount:
		code = codes.InvalidArgument
	case bank.InsufficientFunds, bank.LoanNotEligible:
		code = codes.FailedPrecondition
	case bank.NotFound:
		code = codes.NotFound
	default:
		return status.Error(codes.Internal, "internal error")
	}
	return status.Error(code, err.Error())
}

// viewError is grpcError with the caller's view after the failed operation
// attached as a structpb detail, matching the HTTP failure body.
func viewError(v bank.View, err error) error {
	st := status.Convert(grpcError(err))
	if st.Code() == codes.Internal {
		return st.Err()
	}
	detail, encErr := bankrpc.Encode(operationResponse{Outcome: bank.OutcomeOf(err), Error: err.Error(), View: v})
	if encErr != nil {
		return st.Err()
	}
	withView, detailErr := st.WithDetails(detail)
	if detailErr != nil {
		return st.Err()
	}
	return withView.Err()
}

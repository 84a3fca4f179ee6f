// Package bankrpc describes the bankist.v1.BankService gRPC service. Messages
// are google.protobuf.Struct values carrying the same JSON documents the HTTP
// API returns, so no generated code is needed on either side.
package bankrpc

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

const ServiceName = "bankist.v1.BankService"

const (
	MethodGetInfo          = "GetInfo"
	MethodLogin            = "Login"
	MethodLogout           = "Logout"
	MethodGetView          = "GetView"
	MethodTransfer         = "Transfer"
	MethodRequestLoan      = "RequestLoan"
	MethodCloseAccount     = "CloseAccount"
	MethodToggleSort       = "ToggleSort"
	MethodListPendingLoans = "ListPendingLoans"
	MethodListPostings     = "ListPostings"
)

// FullMethod returns the wire name of method, e.g. /bankist.v1.BankService/Login.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// BankServer is the server API for BankService.
type BankServer interface {
	GetInfo(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Login(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Logout(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetView(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Transfer(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RequestLoan(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CloseAccount(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ToggleSort(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPendingLoans(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListPostings(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type call func(BankServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unary(method string, fn call) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return fn(srv.(BankServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(method)}
			handler := func(ctx context.Context, req any) (any, error) {
				return fn(srv.(BankServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

// ServiceDesc is the grpc.ServiceDesc for BankService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*BankServer)(nil),
	Methods: []grpc.MethodDesc{
		unary(MethodGetInfo, BankServer.GetInfo),
		unary(MethodLogin, BankServer.Login),
		unary(MethodLogout, BankServer.Logout),
		unary(MethodGetView, BankServer.GetView),
		unary(MethodTransfer, BankServer.Transfer),
		unary(MethodRequestLoan, BankServer.RequestLoan),
		unary(MethodCloseAccount, BankServer.CloseAccount),
		unary(MethodToggleSort, BankServer.ToggleSort),
		unary(MethodListPendingLoans, BankServer.ListPendingLoans),
		unary(MethodListPostings, BankServer.ListPostings),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bankist/v1/bank.proto",
}

// RegisterBankServer attaches srv to s.
func RegisterBankServer(s grpc.ServiceRegistrar, srv BankServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Encode converts any JSON-marshalable value into a Struct.
func Encode(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	return out, nil
}

// Decode fills dst from a Struct using dst's JSON tags.
func Decode(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	return nil
}

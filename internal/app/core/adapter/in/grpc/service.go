package grpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// 服務與方法名稱
// 訊息一律使用 google.protobuf.Struct，欄位名稱與 HTTP JSON 相同
const (
	ServiceName            = "ledger.v1.LedgerService"
	LedgerServiceApply     = "/" + ServiceName + "/Apply"
	LedgerServiceStatement = "/" + ServiceName + "/Statement"
)

// LedgerServiceServer 服務端介面
//
//	Apply 請求:     {account_id, valor, tipo, descricao}
//	Apply 回應:     {limite, saldo}
//	Statement 請求: {account_id}
//	Statement 回應: {saldo: {total, data_extrato, limite}, ultimas_transacoes: [...]}
type LedgerServiceServer interface {
	Apply(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Statement(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// UnimplementedLedgerServiceServer 嵌入後未實作的方法回傳 Unimplemented
type UnimplementedLedgerServiceServer struct{}

func (UnimplementedLedgerServiceServer) Apply(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Apply not implemented")
}

func (UnimplementedLedgerServiceServer) Statement(context.Context, *structpb.Struct) (*structpb.Struct, error) {
	return nil, status.Error(codes.Unimplemented, "method Statement not implemented")
}

// RegisterLedgerServiceServer 將實作註冊到 grpc.Server
func RegisterLedgerServiceServer(s grpc.ServiceRegistrar, srv LedgerServiceServer) {
	s.RegisterService(&LedgerServiceDesc, srv)
}

func applyHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).Apply(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LedgerServiceApply}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).Apply(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func statementHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(LedgerServiceServer).Statement(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: LedgerServiceStatement}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(LedgerServiceServer).Statement(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// LedgerServiceDesc 服務描述
var LedgerServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*LedgerServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Apply", Handler: applyHandler},
		{MethodName: "Statement", Handler: statementHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/ledger.proto",
}

// LedgerServiceClient 客戶端介面
type LedgerServiceClient interface {
	Apply(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
	Statement(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type ledgerServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewLedgerServiceClient(cc grpc.ClientConnInterface) LedgerServiceClient {
	return &ledgerServiceClient{cc: cc}
}

func (c *ledgerServiceClient) Apply(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LedgerServiceApply, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *ledgerServiceClient) Statement(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, LedgerServiceStatement, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

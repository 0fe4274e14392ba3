package grpc

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
)

type GrpcServer struct {
	UnimplementedLedgerServiceServer
	core *usecase.CoreUseCase
}

func NewGrpcServer(core *usecase.CoreUseCase) *GrpcServer {
	return &GrpcServer{
		core: core,
	}
}

// NewServer 建立 grpc.Server 並註冊 LedgerService
func NewServer(core *usecase.CoreUseCase, logger *zap.Logger, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ChainUnaryInterceptor(LoggingInterceptor(logger))}, opts...)
	s := grpc.NewServer(opts...)
	RegisterLedgerServiceServer(s, NewGrpcServer(core))
	return s
}

func (s *GrpcServer) Apply(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	// 1. 帳戶 ID 不是正整數視同找不到帳戶
	id, ok := accountID(req)
	if !ok {
		return nil, status.Error(codes.NotFound, domain.ErrAccountNotFound.Error())
	}

	// 2. 其餘欄位原樣交給驗證器
	fields := req.GetFields()
	raw := domain.RawTransaction{
		Amount:      asAny(fields["valor"]),
		Kind:        asAny(fields["tipo"]),
		Description: asAny(fields["descricao"]),
	}

	receipt, err := s.core.Apply(ctx, id, raw)
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(map[string]any{
		"limite": receipt.Limit,
		"saldo":  receipt.Balance,
	})
}

func (s *GrpcServer) Statement(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	id, ok := accountID(req)
	if !ok {
		return nil, status.Error(codes.NotFound, domain.ErrAccountNotFound.Error())
	}
	stmt, err := s.core.Statement(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}

	txs := make([]any, 0, len(stmt.Transactions))
	for _, e := range stmt.Transactions {
		txs = append(txs, map[string]any{
			"valor":        e.Amount,
			"tipo":         e.Kind.String(),
			"descricao":    e.Description,
			"realizada_em": e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	return structpb.NewStruct(map[string]any{
		"saldo": map[string]any{
			"total":        stmt.Balance,
			"data_extrato": stmt.TakenAt.UTC().Format(time.RFC3339Nano),
			"limite":       stmt.Limit,
		},
		"ultimas_transacoes": txs,
	})
}

// accountID 取出 account_id，必須是正整數
func accountID(req *structpb.Struct) (int64, bool) {
	v, ok := req.GetFields()["account_id"]
	if !ok {
		return 0, false
	}
	n, ok := v.GetKind().(*structpb.Value_NumberValue)
	if !ok {
		return 0, false
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f <= 0 || f > float64(domain.MaxAmount) {
		return 0, false
	}
	return int64(f), true
}

func asAny(v *structpb.Value) any {
	if v == nil {
		return nil
	}
	return v.AsInterface()
}

// toStatus 將業務錯誤轉為 gRPC 狀態碼
func toStatus(err error) error {
	switch domain.ReasonOf(err) {
	case domain.ReasonNotFound:
		return status.Error(codes.NotFound, err.Error())
	case domain.ReasonMalformed:
		return status.Error(codes.InvalidArgument, err.Error())
	case domain.ReasonLimitExceeded:
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

// LoggingInterceptor 記錄每個請求的方法、狀態碼與耗時
func LoggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			// panic 轉成 Internal
			if r := recover(); r != nil {
				logger.Error("grpc handler panic", zap.String("method", info.FullMethod), zap.Any("panic", r))
				err = status.Error(codes.Internal, fmt.Sprint(r))
			}
			code := status.Code(err)
			fields := []zap.Field{
				zap.String("method", info.FullMethod),
				zap.String("code", code.String()),
				zap.Duration("latency", time.Since(start)),
			}
			if code == codes.Unavailable || code == codes.Internal {
				logger.Error("grpc request", fields...)
				return
			}
			logger.Debug("grpc request", fields...)
		}()
		return handler(ctx, req)
	}
}

package usecase

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
)

// CoreUseCase 是核心業務邏輯層
// 順序: 帳戶是否存在 -> 驗證交易 (不需要鎖) -> 帳務引擎
type CoreUseCase struct {
	ledger   Ledger
	registry *domain.Registry
	logger   *zap.Logger
}

func NewCoreUseCase(ledger Ledger, registry *domain.Registry, logger *zap.Logger) *CoreUseCase {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CoreUseCase{
		ledger:   ledger,
		registry: registry,
		logger:   logger,
	}
}

// Apply 處理交易
//
// 參數:
//
//	ctx: 上下文
//	accountID: 帳戶 ID
//	raw: 未驗證的交易請求
//
// 回傳:
//
//	domain.Receipt: 交易後餘額與額度
//	error: 以 domain.ReasonOf 分類
func (c *CoreUseCase) Apply(ctx context.Context, accountID int64, raw domain.RawTransaction) (domain.Receipt, error) {
	if !c.registry.Contains(accountID) {
		return domain.Receipt{}, fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}

	tran, err := domain.Validate(raw)
	if err != nil {
		c.logger.Debug("transaction rejected", zap.Int64("account_id", accountID), zap.Error(err))
		return domain.Receipt{}, err
	}

	receipt, err := c.ledger.Apply(ctx, accountID, tran)
	if err != nil {
		c.logResult("apply", accountID, err)
		return domain.Receipt{}, err
	}
	return receipt, nil
}

// Statement 取得帳戶對帳單
func (c *CoreUseCase) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	if !c.registry.Contains(accountID) {
		return domain.Statement{}, fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}
	stmt, err := c.ledger.Statement(ctx, accountID)
	if err != nil {
		c.logResult("statement", accountID, err)
		return domain.Statement{}, err
	}
	return stmt, nil
}

func (c *CoreUseCase) logResult(op string, accountID int64, err error) {
	reason := domain.ReasonOf(err)
	fields := []zap.Field{
		zap.String("op", op),
		zap.Int64("account_id", accountID),
		zap.Stringer("reason", reason),
		zap.Error(err),
	}
	if reason == domain.ReasonInternal {
		c.logger.Error("ledger failure", fields...)
		return
	}
	c.logger.Debug("ledger rejected", fields...)
}

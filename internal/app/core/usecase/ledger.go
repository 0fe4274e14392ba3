package usecase

import (
	"context"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
)

// Ledger 是帳務引擎的介面
// 實作必須保證同一帳戶的 Apply / Statement 互斥，不同帳戶互不阻塞
type Ledger interface {
	// Apply 套用已驗證的交易，成功回傳交易後的餘額與額度
	Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error)
	// Statement 取得帳戶對帳單快照
	Statement(ctx context.Context, accountID int64) (domain.Statement, error)
}

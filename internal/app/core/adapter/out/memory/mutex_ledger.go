package memory

import (
	"context"
	"fmt"
	"time"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-credit-ledger/pkg/wal"
)

// MutexLedger 是一個使用「每個帳戶一把鎖」實現的帳本
// 不同帳戶的交易完全平行，同一帳戶的交易依取得鎖的順序排隊
//
// 結構:
//
//	registry: 帳戶表 (啟動後不變，讀取不需要鎖)
//	wal: Write-Ahead Log 實例 (可為 nil，代表純記憶體)
//	now: 時間來源
type MutexLedger struct {
	registry *domain.Registry
	wal      *wal.WAL
	now      func() time.Time
}

// NewMutexLedger 建立一個新的 MutexLedger 實例
//
// 參數:
//
//	registry: 帳戶表
//	wal: Write-Ahead Log 實例，nil 代表不做持久化
//
// 回傳:
//
//	*MutexLedger: MutexLedger 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewMutexLedger(registry *domain.Registry, wal *wal.WAL) (*MutexLedger, error) {
	ledger := &MutexLedger{
		registry: registry,
		wal:      wal,
		now:      time.Now,
	}
	if _, err := recoverFromWAL(wal, registry); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Apply 處理交易請求
//
// 參數:
//
//	ctx: 上下文，在取得帳戶鎖之前取消則不會執行
//	accountID: 帳戶 ID
//	tran: 已驗證的交易
//
// 回傳:
//
//	domain.Receipt: 交易後餘額與額度
//	error: ErrAccountNotFound / ErrLimitExceeded / ErrInternal
func (m *MutexLedger) Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error) {
	account, err := m.registry.Lookup(accountID)
	if err != nil {
		return domain.Receipt{}, err
	}
	if err := account.Lock(ctx); err != nil {
		return domain.Receipt{}, err
	}
	defer account.Unlock()

	// 1. 檢查額度 (不改變狀態)
	entry, err := account.Prepare(tran, m.now())
	if err != nil {
		return domain.Receipt{}, err
	}

	// 2. 寫入 WAL (Critical Path)，失敗時帳戶狀態不變
	if m.wal != nil {
		if err := m.wal.Append(entry); err != nil {
			return domain.Receipt{}, fmt.Errorf("%w: %w", domain.ErrWALWriteFailed, err)
		}
	}

	// 3. 更新記憶體
	account.Commit(entry)
	return account.Receipt(), nil
}

// Statement 取得帳戶對帳單
// 與 Apply 使用同一把鎖，讀到的餘額與歷史一定一致
func (m *MutexLedger) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	account, err := m.registry.Lookup(accountID)
	if err != nil {
		return domain.Statement{}, err
	}
	if err := account.Lock(ctx); err != nil {
		return domain.Statement{}, err
	}
	defer account.Unlock()
	return account.Statement(m.now()), nil
}

var _ usecase.Ledger = (*MutexLedger)(nil)

package memory

import (
	"encoding/json"
	"fmt"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/pkg/wal"
)

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 只在建構時呼叫，此時還沒有其他 goroutine 存取帳戶，無需 Lock
//
// 回傳:
//
//	int: 套用的筆數
//	error: 恢復過程錯誤
func recoverFromWAL(w *wal.WAL, registry *domain.Registry) (int, error) {
	if w == nil {
		return 0, nil
	}
	applied := 0
	err := w.ReadAll(func(jsonRaw []byte) error {
		var entry domain.Entry
		if err := json.Unmarshal(jsonRaw, &entry); err != nil {
			return fmt.Errorf("recover: decode entry: %w", err)
		}
		account, err := registry.Lookup(entry.AccountID)
		if err != nil {
			// 帳戶設定被移除時不能默默略過，否則餘額會不一致
			return fmt.Errorf("recover: entry seq %d: %w", entry.Sequence, err)
		}
		if entry.Sequence > account.Sequence()+1 {
			return fmt.Errorf("recover: account %d: gap between seq %d and %d", entry.AccountID, account.Sequence(), entry.Sequence)
		}
		if account.Commit(entry) {
			applied++
		}
		return nil
	})
	return applied, err
}

package domain

import (
	"fmt"
	"math"
	"time"
)

// TransactionKind 交易類型
// 為了節省記憶體，使用 uint8
type TransactionKind uint8

const (
	// 入帳 (wire: "c")
	TransactionKindCredit TransactionKind = 1
	// 扣帳 (wire: "d")
	TransactionKindDebit TransactionKind = 2
)

// String 回傳對外使用的代碼 ("c" / "d")
func (k TransactionKind) String() string {
	switch k {
	case TransactionKindCredit:
		return "c"
	case TransactionKindDebit:
		return "d"
	default:
		return fmt.Sprintf("TransactionKind(%d)", uint8(k))
	}
}

// ParseTransactionKind 將 "c" / "d" 轉為 TransactionKind
func ParseTransactionKind(s string) (TransactionKind, bool) {
	switch s {
	case "c":
		return TransactionKindCredit, true
	case "d":
		return TransactionKindDebit, true
	}
	return 0, false
}

// Transaction 已通過驗證的交易請求
type Transaction struct {
	Amount      int64
	Description string
	Kind        TransactionKind
}

// Entry 帳戶歷史紀錄中的一筆交易，一旦寫入即不可變
// 注意欄位排序以避免 Padding
type Entry struct {
	// Sequence: 帳戶內的順序號 (由核心引擎分配，1, 2, 3...)
	// 用於 WAL 重放確保順序一致
	Sequence     uint64    `json:"seq"`
	AccountID    int64     `json:"account_id"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	CreatedAt    time.Time `json:"created_at"`
	Description  string    `json:"description"`
	// Kind: 放到最後面，利用 Padding 空間
	Kind TransactionKind `json:"kind"`
}

// Receipt 交易成功後回傳的餘額與額度
type Receipt struct {
	Balance int64
	Limit   int64
}

// Statement 帳戶對帳單快照
// Transactions 為複本，由新到舊排列，之後的交易不會影響它
type Statement struct {
	Balance      int64
	Limit        int64
	TakenAt      time.Time
	Transactions []Entry
}

// NextBalance 計算交易後的餘額
//
// 參數:
//
//	balance: 目前餘額
//	limit: 信用額度 (餘額最低可到 -limit)
//	tran: 交易
//
// 回傳:
//
//	int64: 交易後餘額
//	error: ErrLimitExceeded (低於 -limit 或 int64 溢位)
func NextBalance(balance, limit int64, tran Transaction) (int64, error) {
	var candidate int64
	switch tran.Kind {
	case TransactionKindCredit:
		if balance > math.MaxInt64-tran.Amount {
			return 0, fmt.Errorf("%w: balance overflow", ErrLimitExceeded)
		}
		candidate = balance + tran.Amount
	case TransactionKindDebit:
		if balance < math.MinInt64+tran.Amount {
			return 0, fmt.Errorf("%w: balance underflow", ErrLimitExceeded)
		}
		candidate = balance - tran.Amount
	default:
		return 0, fmt.Errorf("%w: unknown kind %d", ErrMalformedTransaction, tran.Kind)
	}
	if candidate < -limit {
		return 0, ErrLimitExceeded
	}
	return candidate, nil
}

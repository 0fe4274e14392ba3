package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"unicode/utf8"
)

const (
	// MaxDescriptionLen 描述最多 10 個字元
	MaxDescriptionLen = 10
	// MaxAmount 單筆金額上限，確保經過 float64 傳輸 (structpb) 仍然精確
	MaxAmount int64 = 1<<53 - 1
)

// RawTransaction 尚未驗證的交易請求
// 欄位型別刻意使用 any：JSON 以 UseNumber 解碼或 structpb.Struct.AsMap 後直接放入
type RawTransaction struct {
	Amount      any `json:"valor"`
	Kind        any `json:"tipo"`
	Description any `json:"descricao"`
}

// Validate 檢查交易請求並轉成 Transaction
// 純函式，沒有共享狀態，可並發呼叫
// 所有錯誤都包裝 ErrMalformedTransaction
func Validate(raw RawTransaction) (Transaction, error) {
	amount, err := parseAmount(raw.Amount)
	if err != nil {
		return Transaction{}, err
	}

	kindStr, ok := raw.Kind.(string)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: kind must be a string", ErrMalformedTransaction)
	}
	kind, ok := ParseTransactionKind(kindStr)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: kind must be \"c\" or \"d\"", ErrMalformedTransaction)
	}

	desc, ok := raw.Description.(string)
	if !ok {
		return Transaction{}, fmt.Errorf("%w: description must be a string", ErrMalformedTransaction)
	}
	if n := utf8.RuneCountInString(desc); n == 0 || n > MaxDescriptionLen {
		return Transaction{}, fmt.Errorf("%w: description length %d not in [1, %d]", ErrMalformedTransaction, n, MaxDescriptionLen)
	}

	return Transaction{
		Amount:      amount,
		Description: desc,
		Kind:        kind,
	}, nil
}

func parseAmount(v any) (int64, error) {
	var amount int64
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, fmt.Errorf("%w: amount %q is not an integer", ErrMalformedTransaction, n.String())
		}
		amount = i
	case float64:
		// structpb 只有 float64，只接受整數值
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > float64(MaxAmount) || n < -float64(MaxAmount) {
			return 0, fmt.Errorf("%w: amount %v is not an integer", ErrMalformedTransaction, n)
		}
		amount = int64(n)
	case int:
		amount = int64(n)
	case int8:
		amount = int64(n)
	case int16:
		amount = int64(n)
	case int32:
		amount = int64(n)
	case int64:
		amount = n
	case uint8:
		amount = int64(n)
	case uint16:
		amount = int64(n)
	case uint32:
		amount = int64(n)
	case uint:
		return parseUnsigned(uint64(n))
	case uint64:
		return parseUnsigned(n)
	case nil:
		return 0, fmt.Errorf("%w: amount is required", ErrMalformedTransaction)
	default:
		return 0, fmt.Errorf("%w: amount has type %T", ErrMalformedTransaction, v)
	}

	if amount <= 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrMalformedTransaction)
	}
	if amount > MaxAmount {
		return 0, fmt.Errorf("%w: amount exceeds %d", ErrMalformedTransaction, MaxAmount)
	}
	return amount, nil
}

// parseUnsigned 先比上限再轉型，避免超過 int64 的值溢位成負數
func parseUnsigned(n uint64) (int64, error) {
	if n > uint64(MaxAmount) {
		return 0, fmt.Errorf("%w: amount exceeds %d", ErrMalformedTransaction, MaxAmount)
	}
	if n == 0 {
		return 0, fmt.Errorf("%w: amount must be positive", ErrMalformedTransaction)
	}
	return int64(n), nil
}

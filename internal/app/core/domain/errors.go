package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound 找不到帳戶 (不在設定的帳戶清單內)
	ErrAccountNotFound = errors.New("account not found")

	// ErrMalformedTransaction 交易欄位格式錯誤
	ErrMalformedTransaction = errors.New("malformed transaction")

	// ErrLimitExceeded 交易後餘額會低於 -limit
	ErrLimitExceeded = errors.New("credit limit exceeded")

	// ErrInternal 引擎內部錯誤，呼叫端可重試
	ErrInternal = errors.New("internal ledger failure")

	// ErrWALWriteFailed 寫入 WAL 失敗
	ErrWALWriteFailed = fmt.Errorf("%w: wal write failed", ErrInternal)

	// ErrLedgerStopped 引擎已停止
	ErrLedgerStopped = fmt.Errorf("%w: ledger stopped", ErrInternal)
)

// Reason 交易結果的分類，傳輸層依此決定回應碼
type Reason uint8

const (
	ReasonOK Reason = iota
	ReasonNotFound
	ReasonMalformed
	ReasonLimitExceeded
	ReasonInternal
)

func (r Reason) String() string {
	switch r {
	case ReasonOK:
		return "OK"
	case ReasonNotFound:
		return "NOT_FOUND"
	case ReasonMalformed:
		return "MALFORMED"
	case ReasonLimitExceeded:
		return "LIMIT_EXCEEDED"
	default:
		return "INTERNAL"
	}
}

// ReasonOf 將 error 分類
// 無法辨識的錯誤一律視為 ReasonInternal
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonOK
	case errors.Is(err, ErrAccountNotFound):
		return ReasonNotFound
	case errors.Is(err, ErrMalformedTransaction):
		return ReasonMalformed
	case errors.Is(err, ErrLimitExceeded):
		return ReasonLimitExceeded
	default:
		return ReasonInternal
	}
}

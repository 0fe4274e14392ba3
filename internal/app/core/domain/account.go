package domain

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/semaphore"
)

// Account 帳戶狀態，是互斥的最小單位
//
// 結構:
//
//	ID, Limit: 建立後不再變動
//	sem: 容量 1 的 semaphore，作為帳戶鎖 (可被 context 取消，FIFO)
//	balance, sequence, lastAt, history: 只在持有鎖時讀寫
type Account struct {
	ID    int64
	Limit int64

	sem      *semaphore.Weighted
	balance  int64
	sequence uint64
	lastAt   time.Time
	history  *History
}

// NewAccount 建立帳戶
func NewAccount(id, limit, balance int64, historyCap int) *Account {
	return &Account{
		ID:      id,
		Limit:   limit,
		sem:     semaphore.NewWeighted(1),
		balance: balance,
		history: NewHistory(historyCap),
	}
}

// Lock 取得帳戶的獨占權
// ctx 在取得之前結束則回傳錯誤，不會留下排隊狀態
func (a *Account) Lock(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: account %d: %w", ErrInternal, a.ID, err)
	}
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: account %d: %w", ErrInternal, a.ID, err)
	}
	return nil
}

// Unlock 釋放帳戶的獨占權
func (a *Account) Unlock() {
	a.sem.Release(1)
}

// Prepare 計算交易結果但不修改狀態 (需持有鎖)
// 回傳的 Entry 交給 Commit 才會生效，中間可以先寫 WAL
func (a *Account) Prepare(tran Transaction, now time.Time) (Entry, error) {
	candidate, err := NextBalance(a.balance, a.Limit, tran)
	if err != nil {
		return Entry{}, err
	}
	// 時間只會往前，確保同一帳戶內 CreatedAt 不遞減
	if now.Before(a.lastAt) {
		now = a.lastAt
	}
	return Entry{
		Sequence:     a.sequence + 1,
		AccountID:    a.ID,
		Amount:       tran.Amount,
		BalanceAfter: candidate,
		CreatedAt:    now,
		Description:  tran.Description,
		Kind:         tran.Kind,
	}, nil
}

// Commit 套用 Prepare 產生的 Entry (需持有鎖)
// WAL 重放時也走這裡，已套用過的 Sequence 會被略過
func (a *Account) Commit(e Entry) bool {
	if e.Sequence <= a.sequence {
		return false
	}
	a.balance = e.BalanceAfter
	a.sequence = e.Sequence
	a.lastAt = e.CreatedAt
	a.history.Push(e)
	return true
}

// Receipt 目前餘額與額度 (需持有鎖)
func (a *Account) Receipt() Receipt {
	return Receipt{Balance: a.balance, Limit: a.Limit}
}

// Statement 對帳單快照 (需持有鎖)
func (a *Account) Statement(now time.Time) Statement {
	return Statement{
		Balance:      a.balance,
		Limit:        a.Limit,
		TakenAt:      now,
		Transactions: a.history.Recent(),
	}
}

// Sequence 已套用的交易數 (需持有鎖)
func (a *Account) Sequence() uint64 {
	return a.sequence
}

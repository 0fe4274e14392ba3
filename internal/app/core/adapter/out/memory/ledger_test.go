package memory

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-credit-ledger/pkg/wal"
)

type ledgerFactory func(t *testing.T, registry *domain.Registry, w *wal.WAL) usecase.Ledger

var factories = map[string]ledgerFactory{
	"mutex": func(t *testing.T, registry *domain.Registry, w *wal.WAL) usecase.Ledger {
		t.Helper()
		ledger, err := NewMutexLedger(registry, w)
		require.NoError(t, err)
		return ledger
	},
	"lmax": func(t *testing.T, registry *domain.Registry, w *wal.WAL) usecase.Ledger {
		t.Helper()
		ledger, err := NewLMAXLedger(registry, w)
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		ledger.Start(ctx)
		t.Cleanup(func() {
			cancel()
			ledger.Wait()
		})
		return ledger
	},
}

func newRegistry(t *testing.T, specs ...domain.AccountSpec) *domain.Registry {
	t.Helper()
	registry, err := domain.NewRegistry(specs, domain.DefaultHistoryCap)
	require.NoError(t, err)
	return registry
}

func credit(amount int64, desc string) domain.Transaction {
	return domain.Transaction{Amount: amount, Kind: domain.TransactionKindCredit, Description: desc}
}

func debit(amount int64, desc string) domain.Transaction {
	return domain.Transaction{Amount: amount, Kind: domain.TransactionKindDebit, Description: desc}
}

func forEachLedger(t *testing.T, fn func(t *testing.T, newLedger func(registry *domain.Registry, w *wal.WAL) usecase.Ledger)) {
	for name, factory := range factories {
		t.Run(name, func(t *testing.T) {
			fn(t, func(registry *domain.Registry, w *wal.WAL) usecase.Ledger {
				return factory(t, registry, w)
			})
		})
	}
}

func TestDebitUpToLimit(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: 1000}), nil)

		receipt, err := ledger.Apply(ctx, 1, debit(1000, "x"))
		require.NoError(t, err)
		assert.Equal(t, domain.Receipt{Balance: -1000, Limit: 1000}, receipt)

		_, err = ledger.Apply(ctx, 1, debit(1, "y"))
		require.ErrorIs(t, err, domain.ErrLimitExceeded)

		stmt, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(-1000), stmt.Balance)
		require.Len(t, stmt.Transactions, 1)
		assert.Equal(t, "x", stmt.Transactions[0].Description)
	})
}

func TestRejectedDebitLeavesStateUnchanged(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: 100}), nil)

		_, err := ledger.Apply(ctx, 1, credit(50, "in"))
		require.NoError(t, err)
		before, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)

		_, err = ledger.Apply(ctx, 1, debit(200, "out"))
		require.ErrorIs(t, err, domain.ErrLimitExceeded)

		after, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(50), after.Balance)
		assert.Equal(t, before.Limit, after.Limit)
		assert.Equal(t, before.Transactions, after.Transactions)
		require.Len(t, after.Transactions, 1)
		assert.Equal(t, domain.TransactionKindCredit, after.Transactions[0].Kind)
		assert.Equal(t, int64(50), after.Transactions[0].BalanceAfter)
	})
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: 0}), nil)

		for i := 1; i <= 11; i++ {
			_, err := ledger.Apply(ctx, 1, credit(int64(i), "c"))
			require.NoError(t, err)
		}

		stmt, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(66), stmt.Balance)
		require.Len(t, stmt.Transactions, domain.DefaultHistoryCap)
		// 由新到舊，第一筆 (amount 1) 已被淘汰
		for i, e := range stmt.Transactions {
			assert.Equal(t, int64(11-i), e.Amount)
			assert.Equal(t, uint64(11-i), e.Sequence)
		}
		for i := 1; i < len(stmt.Transactions); i++ {
			assert.False(t, stmt.Transactions[i-1].CreatedAt.Before(stmt.Transactions[i].CreatedAt))
		}
	})
}

func TestStatementIsACopy(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: 0}), nil)

		_, err := ledger.Apply(ctx, 1, credit(10, "a"))
		require.NoError(t, err)
		stmt, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)

		stmt.Transactions[0].Amount = 999
		_, err = ledger.Apply(ctx, 1, credit(20, "b"))
		require.NoError(t, err)

		require.Len(t, stmt.Transactions, 1)
		again, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, int64(10), again.Transactions[1].Amount)
	})
}

func TestUnknownAccount(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1}), nil)

		_, err := ledger.Statement(ctx, 99)
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
		_, err = ledger.Apply(ctx, 0, credit(1, "a"))
		require.ErrorIs(t, err, domain.ErrAccountNotFound)
	})
}

// 在額度邊界同時送出大量扣款，成功筆數必須等於序列執行時的筆數
func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		const (
			limit   = 1000
			amount  = 7
			workers = 500
		)
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: limit}), nil)

		var ok, rejected atomic.Int64
		var wg sync.WaitGroup
		wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer wg.Done()
				_, err := ledger.Apply(ctx, 1, debit(amount, "d"))
				switch {
				case err == nil:
					ok.Add(1)
				case domain.ReasonOf(err) == domain.ReasonLimitExceeded:
					rejected.Add(1)
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(limit/amount), ok.Load())
		assert.Equal(t, int64(workers-limit/amount), rejected.Load())

		stmt, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, -int64(limit/amount*amount), stmt.Balance)
		assert.GreaterOrEqual(t, stmt.Balance, -stmt.Limit)
	})
}

func TestConcurrentMixedKeepsInvariant(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		ledger := newLedger(newRegistry(t, domain.AccountSpec{ID: 1, Limit: 100}), nil)

		var credited atomic.Int64
		var debited atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 200; i++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				if _, err := ledger.Apply(ctx, 1, credit(3, "c")); err == nil {
					credited.Add(3)
				}
			}()
			go func() {
				defer wg.Done()
				if _, err := ledger.Apply(ctx, 1, debit(5, "d")); err == nil {
					debited.Add(5)
				}
				stmt, err := ledger.Statement(ctx, 1)
				if err == nil && stmt.Balance < -stmt.Limit {
					t.Errorf("invariant broken: balance %d limit %d", stmt.Balance, stmt.Limit)
				}
			}()
		}
		wg.Wait()

		stmt, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, credited.Load()-debited.Load(), stmt.Balance)
		assert.GreaterOrEqual(t, stmt.Balance, int64(-100))
	})
}

func TestAccountsDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t,
		domain.AccountSpec{ID: 1, Limit: 0},
		domain.AccountSpec{ID: 2, Limit: 0},
	)
	ledger, err := NewMutexLedger(registry, nil)
	require.NoError(t, err)

	// 帳戶 1 被佔住時，帳戶 2 仍可正常交易
	account1, err := registry.Lookup(1)
	require.NoError(t, err)
	require.NoError(t, account1.Lock(ctx))
	defer account1.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := ledger.Apply(ctx, 2, credit(5, "b"))
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("apply on account 2 blocked by account 1")
	}
}

func TestLMAXLanesDoNotBlockEachOther(t *testing.T) {
	ctx := context.Background()
	registry := newRegistry(t,
		domain.AccountSpec{ID: 1, Limit: 0},
		domain.AccountSpec{ID: 2, Limit: 0},
	)
	ledger, err := NewLMAXLedger(registry, nil)
	require.NoError(t, err)

	// 第一筆被處理的請求卡在取時間，直到 release 關閉
	entered := make(chan struct{})
	release := make(chan struct{})
	var first atomic.Bool
	ledger.now = func() time.Time {
		if first.CompareAndSwap(false, true) {
			close(entered)
			<-release
		}
		return time.Now()
	}

	runCtx, cancel := context.WithCancel(context.Background())
	ledger.Start(runCtx)
	defer func() {
		cancel()
		ledger.Wait()
	}()

	slow := make(chan error, 1)
	go func() {
		_, err := ledger.Apply(ctx, 1, credit(5, "a"))
		slow <- err
	}()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("account 1 request never reached its lane")
	}

	done := make(chan error, 1)
	go func() {
		_, err := ledger.Apply(ctx, 2, credit(5, "b"))
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("apply on account 2 blocked by account 1")
	}

	stmt, err := ledger.Statement(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stmt.Balance)

	close(release)
	require.NoError(t, <-slow)
	stmt, err = ledger.Statement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(5), stmt.Balance)
}

func TestCancelledWaitDoesNotApply(t *testing.T) {
	registry := newRegistry(t, domain.AccountSpec{ID: 1, Limit: 0})
	ledger, err := NewMutexLedger(registry, nil)
	require.NoError(t, err)

	account, err := registry.Lookup(1)
	require.NoError(t, err)
	require.NoError(t, account.Lock(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ledger.Apply(ctx, 1, credit(5, "late"))
	require.ErrorIs(t, err, domain.ErrInternal)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	account.Unlock()

	stmt, err := ledger.Statement(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stmt.Balance)
	assert.Empty(t, stmt.Transactions)
}

func TestLMAXCancelledBeforeProcessing(t *testing.T) {
	registry := newRegistry(t, domain.AccountSpec{ID: 1, Limit: 0})
	ledger, err := NewLMAXLedger(registry, nil)
	require.NoError(t, err)

	// 尚未 Start，請求會停在輸送帶上；取消後再啟動，這筆不可被執行
	ctx, cancel := context.WithCancel(context.Background())
	result := make(chan error, 1)
	go func() {
		_, err := ledger.Apply(ctx, 1, credit(5, "late"))
		result <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	runCtx, stop := context.WithCancel(context.Background())
	ledger.Start(runCtx)

	err = <-result
	require.ErrorIs(t, err, domain.ErrInternal)
	require.ErrorIs(t, err, context.Canceled)

	stmt, err := ledger.Statement(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stmt.Balance)

	stop()
	ledger.Wait()
	_, err = ledger.Apply(context.Background(), 1, credit(1, "x"))
	require.ErrorIs(t, err, domain.ErrLedgerStopped)
}

func TestRecoverFromWAL(t *testing.T) {
	forEachLedger(t, func(t *testing.T, newLedger func(*domain.Registry, *wal.WAL) usecase.Ledger) {
		ctx := context.Background()
		path := filepath.Join(t.TempDir(), "wal.log")
		specs := []domain.AccountSpec{{ID: 1, Limit: 100}, {ID: 2, Limit: 0}}

		w, err := wal.NewWAL(path)
		require.NoError(t, err)
		defer w.Close()
		ledger := newLedger(newRegistry(t, specs...), w)
		for i := 0; i < 12; i++ {
			_, err := ledger.Apply(ctx, 1, credit(10, "c"))
			require.NoError(t, err)
		}
		_, err = ledger.Apply(ctx, 1, debit(500, "big"))
		require.ErrorIs(t, err, domain.ErrLimitExceeded)
		_, err = ledger.Apply(ctx, 2, credit(7, "other"))
		require.NoError(t, err)
		want1, err := ledger.Statement(ctx, 1)
		require.NoError(t, err)

		// 模擬重啟: 新的帳戶表 + 同一個 WAL 檔
		w2, err := wal.NewWAL(path)
		require.NoError(t, err)
		defer w2.Close()
		restarted := newLedger(newRegistry(t, specs...), w2)

		got1, err := restarted.Statement(ctx, 1)
		require.NoError(t, err)
		assert.Equal(t, want1.Balance, got1.Balance)
		assert.Len(t, got1.Transactions, domain.DefaultHistoryCap)
		for i := range want1.Transactions {
			assert.Equal(t, want1.Transactions[i].Sequence, got1.Transactions[i].Sequence)
			assert.Equal(t, want1.Transactions[i].BalanceAfter, got1.Transactions[i].BalanceAfter)
			assert.True(t, want1.Transactions[i].CreatedAt.Equal(got1.Transactions[i].CreatedAt))
		}

		got2, err := restarted.Statement(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, int64(7), got2.Balance)

		// 重啟後序號接續
		_, err = restarted.Apply(ctx, 2, credit(1, "next"))
		require.NoError(t, err)
		got2, err = restarted.Statement(ctx, 2)
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got2.Transactions[0].Sequence)
	})
}

func TestRecoverRejectsUnknownAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := wal.NewWAL(path)
	require.NoError(t, err)
	ledger, err := NewMutexLedger(newRegistry(t, domain.AccountSpec{ID: 3}), w)
	require.NoError(t, err)
	_, err = ledger.Apply(context.Background(), 3, credit(1, "a"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := wal.NewWAL(path)
	require.NoError(t, err)
	defer w2.Close()
	_, err = NewMutexLedger(newRegistry(t, domain.AccountSpec{ID: 1}), w2)
	require.ErrorIs(t, err, domain.ErrAccountNotFound)
}

func TestWALFailureLeavesStateUnchanged(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "wal.log")
	w, err := wal.NewWAL(path)
	require.NoError(t, err)
	ledger, err := NewMutexLedger(newRegistry(t, domain.AccountSpec{ID: 1}), w)
	require.NoError(t, err)

	require.NoError(t, w.Close())
	_, err = ledger.Apply(ctx, 1, credit(1, "a"))
	require.ErrorIs(t, err, domain.ErrWALWriteFailed)
	assert.Equal(t, domain.ReasonInternal, domain.ReasonOf(err))

	stmt, err := ledger.Statement(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), stmt.Balance)
	assert.Empty(t, stmt.Transactions)
}

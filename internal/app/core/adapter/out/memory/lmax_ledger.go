package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-credit-ledger/pkg/wal"
)

// laneBuffer 每個帳戶輸送帶的緩衝大小
const laneBuffer = 1024

// requestKind 輸送帶上的請求種類
type requestKind uint8

const (
	requestApply requestKind = iota
	requestStatement
)

// ledgerRequest 交易請求包裝，讓 Apply / Statement 可以等待結果
type ledgerRequest struct {
	ctx       context.Context
	kind      requestKind
	tran      domain.Transaction
	receipt   domain.Receipt
	statement domain.Statement
	err       error
	done      chan struct{} // 讓呼叫端等這個 channel
}

// lane 單一帳戶的輸送帶，只有一個 goroutine 會修改該帳戶
type lane struct {
	account *domain.Account
	in      chan *ledgerRequest
}

// LMAXLedger 每個帳戶一條輸送帶 (single writer)
// 帳戶狀態只由該帳戶的 run loop 存取，不需要鎖；不同帳戶的 loop 互不影響
//
// Apply(等待) -> 帳戶 Channel -> Run Loop -> WAL -> 帳戶更新 -> done -> Apply(收到結果)
type LMAXLedger struct {
	registry *domain.Registry
	lanes    map[int64]*lane
	// Write-Ahead Logging
	wal *wal.WAL
	now func() time.Time
	// Pool 減少 GC 壓力
	requestPool sync.Pool

	startOnce sync.Once
	stopped   chan struct{}
	wg        sync.WaitGroup
}

// NewLMAXLedger 建立一個新的 LMAXLedger 實例，需呼叫 Start 後才會處理請求
//
// 參數:
//
//	registry: 帳戶表
//	wal: Write-Ahead Log 實例，nil 代表不做持久化
//
// 回傳:
//
//	*LMAXLedger: LMAXLedger 實例
//	error: 初始化錯誤
func NewLMAXLedger(registry *domain.Registry, wal *wal.WAL) (*LMAXLedger, error) {
	ledger := &LMAXLedger{
		registry: registry,
		lanes:    make(map[int64]*lane),
		wal:      wal,
		now:      time.Now,
		stopped:  make(chan struct{}),
		requestPool: sync.Pool{
			New: func() interface{} {
				return &ledgerRequest{done: make(chan struct{}, 1)}
			},
		},
	}
	for _, id := range registry.IDs() {
		account, _ := registry.Lookup(id)
		ledger.lanes[id] = &lane{
			account: account,
			in:      make(chan *ledgerRequest, laneBuffer),
		}
	}

	// 在啟動前先恢復資料
	if _, err := recoverFromWAL(wal, registry); err != nil {
		return nil, err
	}
	return ledger, nil
}

// Start 啟動每個帳戶的 run loop (非同步)
// ctx 結束後，loop 會把已排隊的請求處理完才離開
func (l *LMAXLedger) Start(ctx context.Context) {
	l.startOnce.Do(func() {
		for _, ln := range l.lanes {
			l.wg.Add(1)
			go l.run(ctx, ln)
		}
		go func() {
			l.wg.Wait()
			close(l.stopped)
		}()
	})
}

// Wait 等待所有 run loop 結束
func (l *LMAXLedger) Wait() {
	<-l.stopped
}

// Apply 將交易放上帳戶的輸送帶並等待結果
func (l *LMAXLedger) Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error) {
	req, err := l.submit(ctx, accountID, requestApply, tran)
	if err != nil {
		return domain.Receipt{}, err
	}
	receipt, err := req.receipt, req.err
	l.release(req)
	return receipt, err
}

// Statement 將查詢放上帳戶的輸送帶並等待結果
func (l *LMAXLedger) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	req, err := l.submit(ctx, accountID, requestStatement, domain.Transaction{})
	if err != nil {
		return domain.Statement{}, err
	}
	stmt, err := req.statement, req.err
	l.release(req)
	return stmt, err
}

func (l *LMAXLedger) submit(ctx context.Context, accountID int64, kind requestKind, tran domain.Transaction) (*ledgerRequest, error) {
	ln, ok := l.lanes[accountID]
	if !ok {
		return nil, fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
	}

	// 1. 放入輸送帶 (使用 sync.Pool 減少 GC)
	req := l.requestPool.Get().(*ledgerRequest)
	req.ctx = ctx
	req.kind = kind
	req.tran = tran

	select {
	case ln.in <- req:
	case <-ctx.Done():
		l.release(req)
		return nil, fmt.Errorf("%w: account %d: %w", domain.ErrInternal, accountID, ctx.Err())
	case <-l.stopped:
		l.release(req)
		return nil, domain.ErrLedgerStopped
	}

	// 2. 已經排入就一定等結果，避免呼叫端離開後交易其實已經成功
	select {
	case <-req.done:
	case <-l.stopped:
		// 所有 loop 都已離開；若這筆在離開前處理完，done 一定已經有值
		select {
		case <-req.done:
		default:
			return nil, domain.ErrLedgerStopped
		}
	}
	return req, nil
}

func (l *LMAXLedger) release(req *ledgerRequest) {
	*req = ledgerRequest{done: req.done}
	l.requestPool.Put(req)
}

func (l *LMAXLedger) run(ctx context.Context, ln *lane) {
	defer l.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// 收到關閉信號，把剩下的請求處理完
			l.drain(ln)
			return
		case req := <-ln.in:
			l.process(ln.account, req)
		}
	}
}

func (l *LMAXLedger) drain(ln *lane) {
	for {
		select {
		case req := <-ln.in:
			l.process(ln.account, req)
		default:
			return
		}
	}
}

// process 處理單筆請求並回傳結果
func (l *LMAXLedger) process(account *domain.Account, req *ledgerRequest) {
	defer func() { req.done <- struct{}{} }()

	// 0. 排隊期間呼叫端已放棄，不執行
	if err := req.ctx.Err(); err != nil {
		req.err = fmt.Errorf("%w: account %d: %w", domain.ErrInternal, account.ID, err)
		return
	}

	if req.kind == requestStatement {
		req.statement = account.Statement(l.now())
		return
	}

	// 1. 檢查額度
	entry, err := account.Prepare(req.tran, l.now())
	if err != nil {
		req.err = err
		return
	}

	// 2. 寫入 WAL (Critical Path)
	if l.wal != nil {
		if err := l.wal.Append(entry); err != nil {
			req.err = fmt.Errorf("%w: %w", domain.ErrWALWriteFailed, err)
			return
		}
	}

	// 3. 更新帳戶
	account.Commit(entry)
	req.receipt = account.Receipt()
}

var _ usecase.Ledger = (*LMAXLedger)(nil)

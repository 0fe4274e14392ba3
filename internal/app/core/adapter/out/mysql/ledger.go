package mysql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-credit-ledger/pkg/mysql"
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID          int64 `gorm:"primaryKey;autoIncrement:false"`
	CreditLimit int64 `gorm:"not null"`
	Balance     int64 `gorm:"not null"`
	Sequence    uint64
	UpdatedAt   int64 `gorm:"autoUpdateTime:milli"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlEntry 對應資料庫的 ledger_entries 表
type sqlEntry struct {
	ID           int64  `gorm:"primaryKey;autoIncrement"`
	AccountID    int64  `gorm:"uniqueIndex:idx_account_seq,priority:1"`
	Sequence     uint64 `gorm:"uniqueIndex:idx_account_seq,priority:2"`
	Amount       int64
	Kind         uint8
	Description  string `gorm:"size:64"`
	BalanceAfter int64
	CreatedAt    time.Time `gorm:"precision:6"`
}

func (*sqlEntry) TableName() string {
	return "ledger_entries"
}

// MySQLLedger 以資料庫列鎖 (SELECT ... FOR UPDATE) 作為帳戶鎖的帳本
type MySQLLedger struct {
	client     *mysql.Client
	historyCap int
}

func NewMySQLLedger(client *mysql.Client, historyCap int) *MySQLLedger {
	if historyCap <= 0 {
		historyCap = domain.DefaultHistoryCap
	}
	return &MySQLLedger{
		client:     client,
		historyCap: historyCap,
	}
}

// Migrate 建立資料表
func (ledger *MySQLLedger) Migrate(ctx context.Context) error {
	if err := ledger.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlEntry{}); err != nil {
		return fmt.Errorf("mysql: migrate: %w", err)
	}
	return nil
}

// SeedAccounts 寫入設定的帳戶，已存在的帳戶保持原狀
func (ledger *MySQLLedger) SeedAccounts(ctx context.Context, specs []domain.AccountSpec) error {
	if len(specs) == 0 {
		return nil
	}
	rows := make([]sqlAccount, 0, len(specs))
	for _, s := range specs {
		rows = append(rows, sqlAccount{ID: s.ID, CreditLimit: s.Limit, Balance: s.Balance})
	}
	err := ledger.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
	if err != nil {
		return fmt.Errorf("mysql: seed accounts: %w", err)
	}
	return nil
}

// Apply 在同一個資料庫交易中鎖定帳戶列、檢查額度、更新餘額、寫入紀錄
func (ledger *MySQLLedger) Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error) {
	var receipt domain.Receipt
	err := ledger.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// 取得鎖定帳號 悲觀鎖
		var account sqlAccount
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("id = ?", accountID).
			First(&account).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
			}
			return err
		}

		candidate, err := domain.NextBalance(account.Balance, account.CreditLimit, tran)
		if err != nil {
			return err
		}

		account.Sequence++
		if err := tx.Model(&account).Updates(map[string]any{
			"balance":  candidate,
			"sequence": account.Sequence,
		}).Error; err != nil {
			return err
		}
		entry := sqlEntry{
			AccountID:    accountID,
			Sequence:     account.Sequence,
			Amount:       tran.Amount,
			Kind:         uint8(tran.Kind),
			Description:  tran.Description,
			BalanceAfter: candidate,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}
		receipt = domain.Receipt{Balance: candidate, Limit: account.CreditLimit}
		return nil
	})
	if err != nil {
		return domain.Receipt{}, classify(err)
	}
	return receipt, nil
}

// Statement 以共享鎖讀取帳戶與最近的紀錄，確保兩者一致
func (ledger *MySQLLedger) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	var stmt domain.Statement
	err := ledger.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var account sqlAccount
		err := tx.Clauses(clause.Locking{Strength: "SHARE"}).
			Where("id = ?", accountID).
			First(&account).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("account %d: %w", accountID, domain.ErrAccountNotFound)
			}
			return err
		}

		var rows []sqlEntry
		if err := tx.Where("account_id = ?", accountID).
			Order("sequence DESC").
			Limit(ledger.historyCap).
			Find(&rows).Error; err != nil {
			return err
		}

		stmt = domain.Statement{
			Balance:      account.Balance,
			Limit:        account.CreditLimit,
			TakenAt:      time.Now(),
			Transactions: toEntries(rows),
		}
		return nil
	})
	if err != nil {
		return domain.Statement{}, classify(err)
	}
	return stmt, nil
}

func toEntries(rows []sqlEntry) []domain.Entry {
	out := make([]domain.Entry, len(rows))
	for i, r := range rows {
		out[i] = domain.Entry{
			Sequence:     r.Sequence,
			AccountID:    r.AccountID,
			Amount:       r.Amount,
			BalanceAfter: r.BalanceAfter,
			CreatedAt:    r.CreatedAt,
			Description:  r.Description,
			Kind:         domain.TransactionKind(r.Kind),
		}
	}
	return out
}

// classify 業務錯誤原樣回傳，其餘 (連線、死鎖、逾時) 包成 ErrInternal
func classify(err error) error {
	if domain.ReasonOf(err) != domain.ReasonInternal || errors.Is(err, domain.ErrInternal) {
		return err
	}
	return fmt.Errorf("%w: mysql: %w", domain.ErrInternal, err)
}

var _ usecase.Ledger = (*MySQLLedger)(nil)

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
)

// PostgresLedger 以 SELECT ... FOR UPDATE 鎖住帳戶列的帳本
type PostgresLedger struct {
	db         *sql.DB
	historyCap int
	now        func() time.Time
}

func NewPostgresLedger(db *sql.DB, historyCap int) *PostgresLedger {
	if historyCap <= 0 {
		historyCap = domain.DefaultHistoryCap
	}
	return &PostgresLedger{
		db:         db,
		historyCap: historyCap,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SeedAccounts 寫入設定的帳戶，已存在的帳戶保持原狀
func (l *PostgresLedger) SeedAccounts(ctx context.Context, specs []domain.AccountSpec) error {
	for _, s := range specs {
		_, err := l.db.ExecContext(ctx,
			`INSERT INTO accounts (id, credit_limit, balance) VALUES ($1, $2, $3)
			ON CONFLICT (id) DO NOTHING`,
			s.ID, s.Limit, s.Balance,
		)
		if err != nil {
			return fmt.Errorf("SeedAccounts: account %d: %w", s.ID, err)
		}
	}
	return nil
}

// Apply 在同一個資料庫交易中鎖定帳戶列、檢查額度、更新餘額、寫入紀錄
func (l *PostgresLedger) Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error) {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Receipt{}, internal("Apply: begin", err)
	}
	defer tx.Rollback()

	var limit, balance int64
	var seq uint64
	err = tx.QueryRowContext(ctx,
		`SELECT credit_limit, balance, sequence FROM accounts WHERE id = $1 FOR UPDATE`, accountID,
	).Scan(&limit, &balance, &seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Receipt{}, fmt.Errorf("Apply: account %d: %w", accountID, domain.ErrAccountNotFound)
		}
		return domain.Receipt{}, internal("Apply: lock account", err)
	}

	candidate, err := domain.NextBalance(balance, limit, tran)
	if err != nil {
		return domain.Receipt{}, err
	}
	seq++
	now := l.now()

	if _, err := tx.ExecContext(ctx,
		`UPDATE accounts SET balance = $1, sequence = $2, updated_at = $3 WHERE id = $4`,
		candidate, seq, now, accountID,
	); err != nil {
		return domain.Receipt{}, internal("Apply: update account", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_entries (account_id, sequence, amount, kind, description, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		accountID, seq, tran.Amount, tran.Kind.String(), tran.Description, candidate, now,
	); err != nil {
		return domain.Receipt{}, internal("Apply: insert entry", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Receipt{}, internal("Apply: commit", err)
	}
	return domain.Receipt{Balance: candidate, Limit: limit}, nil
}

// Statement 在 REPEATABLE READ 快照中讀取帳戶與最近的紀錄
func (l *PostgresLedger) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	tx, err := l.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return domain.Statement{}, internal("Statement: begin", err)
	}
	defer tx.Rollback()

	stmt := domain.Statement{TakenAt: l.now()}
	err = tx.QueryRowContext(ctx,
		`SELECT credit_limit, balance FROM accounts WHERE id = $1`, accountID,
	).Scan(&stmt.Limit, &stmt.Balance)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Statement{}, fmt.Errorf("Statement: account %d: %w", accountID, domain.ErrAccountNotFound)
		}
		return domain.Statement{}, internal("Statement: read account", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT sequence, amount, kind, description, balance_after, created_at
		FROM ledger_entries WHERE account_id = $1 ORDER BY sequence DESC LIMIT $2`,
		accountID, l.historyCap,
	)
	if err != nil {
		return domain.Statement{}, internal("Statement: query entries", err)
	}
	defer rows.Close()

	stmt.Transactions = make([]domain.Entry, 0, l.historyCap)
	for rows.Next() {
		e := domain.Entry{AccountID: accountID}
		var kind string
		if err := rows.Scan(&e.Sequence, &e.Amount, &kind, &e.Description, &e.BalanceAfter, &e.CreatedAt); err != nil {
			return domain.Statement{}, internal("Statement: scan", err)
		}
		k, ok := domain.ParseTransactionKind(kind)
		if !ok {
			return domain.Statement{}, internal("Statement: scan", fmt.Errorf("unknown kind %q", kind))
		}
		e.Kind = k
		stmt.Transactions = append(stmt.Transactions, e)
	}
	if err := rows.Err(); err != nil {
		return domain.Statement{}, internal("Statement: rows", err)
	}
	return stmt, nil
}

func internal(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrInternal, op, err)
}

var _ usecase.Ledger = (*PostgresLedger)(nil)

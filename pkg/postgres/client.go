package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"go.uber.org/zap"
)

// Open 建立 PostgreSQL 連線池，連不上時依設定重試
//
// 參數:
//
//	ctx: 上下文，取消時停止重試
//	cfg: Config - 連線配置
//	log: 重試過程的 logger
//
// 回傳值:
//
//	*sql.DB: 已通過 Ping 的連線池
//	error: 重試次數用盡或 ctx 取消
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*sql.DB, error) {
	cfg.SetDefaults()
	if log == nil {
		log = zap.NewNop()
	}

	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	for i := 0; i < cfg.ConnectRetries; i++ {
		if err = db.PingContext(ctx); err == nil {
			return db, nil
		}
		if i == cfg.ConnectRetries-1 {
			break
		}
		log.Info("waiting for postgres",
			zap.Int("attempt", i+1),
			zap.Int("max_attempts", cfg.ConnectRetries),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, fmt.Errorf("postgres: connect: %w", ctx.Err())
		case <-time.After(cfg.RetryInterval):
		}
	}
	db.Close()
	return nil, fmt.Errorf("postgres: gave up after %d attempts: %w", cfg.ConnectRetries, err)
}

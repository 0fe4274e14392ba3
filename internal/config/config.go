package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	env "github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/out/breaker"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/pkg/logger"
	"github.com/JoeShih716/go-credit-ledger/pkg/mysql"
	"github.com/JoeShih716/go-credit-ledger/pkg/postgres"
)

// Engine 帳本實作
type Engine string

const (
	EngineMutex    Engine = "mutex"    // 記憶體，每個帳戶一把鎖
	EngineLMAX     Engine = "lmax"     // 記憶體，每個帳戶一條輸送帶
	EngineMySQL    Engine = "mysql"    // MySQL 列鎖
	EnginePostgres Engine = "postgres" // PostgreSQL 列鎖
)

type Config struct {
	Server   ServerConfig    `yaml:"server"`
	Ledger   LedgerConfig    `yaml:"ledger"`
	MySQL    mysql.Config    `yaml:"mysql"`
	Postgres postgres.Config `yaml:"postgres"`
	Breaker  breaker.Config  `yaml:"breaker"`
	Log      logger.Config   `yaml:"log"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr        string        `yaml:"grpc_addr" env:"GRPC_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// Reflection 開啟 gRPC reflection，方便 grpcurl 測試
	Reflection bool `yaml:"reflection" env:"GRPC_REFLECTION"`
}

type LedgerConfig struct {
	Engine     Engine `yaml:"engine" env:"LEDGER_ENGINE"`
	HistoryCap int    `yaml:"history_cap" env:"LEDGER_HISTORY_CAP"`
	// WALPath 空字串代表不寫 WAL (只對記憶體引擎有效)
	WALPath string `yaml:"wal_path" env:"LEDGER_WAL_PATH"`
	// WALNoSync 每筆寫入後不做 fsync
	WALNoSync     bool                 `yaml:"wal_no_sync" env:"LEDGER_WAL_NO_SYNC"`
	MigrationsDir string               `yaml:"migrations_dir" env:"LEDGER_MIGRATIONS_DIR"`
	Accounts      []domain.AccountSpec `yaml:"accounts"`
}

// DefaultAccounts 沒有設定帳戶時使用
var DefaultAccounts = []domain.AccountSpec{
	{ID: 1, Limit: 100000},
	{ID: 2, Limit: 80000},
	{ID: 3, Limit: 1000000},
	{ID: 4, Limit: 10000000},
	{ID: 5, Limit: 500000},
}

// Load 讀取設定
// 順序: YAML 檔 -> 環境變數覆寫 -> 預設值 -> 檢查
//
// 參數:
//
//	path: YAML 檔路徑，空字串代表只用環境變數與預設值
//
// 回傳:
//
//	*Config: 設定
//	error: 讀檔、解析或檢查失敗
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
		}
	}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config.Load: env: %w", err)
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return cfg, nil
}

// SetDefaults 補全未設定的欄位
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = ":8080"
	}
	if c.Server.GRPCAddr == "" {
		c.Server.GRPCAddr = ":50051"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Ledger.Engine == "" {
		c.Ledger.Engine = EngineMutex
	}
	if c.Ledger.HistoryCap == 0 {
		c.Ledger.HistoryCap = domain.DefaultHistoryCap
	}
	if c.Ledger.MigrationsDir == "" {
		c.Ledger.MigrationsDir = "migrations/postgres"
	}
	if len(c.Ledger.Accounts) == 0 {
		c.Ledger.Accounts = append([]domain.AccountSpec(nil), DefaultAccounts...)
	}
	c.MySQL.SetDefaults()
	c.Postgres.SetDefaults()
	c.Breaker.SetDefaults()
	c.Log.SetDefaults()
}

// Validate 檢查設定
func (c *Config) Validate() error {
	var errs []error
	switch c.Ledger.Engine {
	case EngineMutex, EngineLMAX, EngineMySQL, EnginePostgres:
	default:
		errs = append(errs, fmt.Errorf("ledger.engine %q is not one of mutex, lmax, mysql, postgres", c.Ledger.Engine))
	}
	if c.Ledger.HistoryCap < 0 {
		errs = append(errs, fmt.Errorf("ledger.history_cap %d must not be negative", c.Ledger.HistoryCap))
	}
	if c.Ledger.Engine == EngineMySQL && c.MySQL.Host == "" {
		errs = append(errs, errors.New("mysql.host is required for the mysql engine"))
	}
	if c.Ledger.Engine == EnginePostgres && c.Postgres.URL == "" && c.Postgres.Host == "" {
		errs = append(errs, errors.New("postgres.url or postgres.host is required for the postgres engine"))
	}
	return errors.Join(errs...)
}

// UsesStore 是否為資料庫引擎
func (c *Config) UsesStore() bool {
	return c.Ledger.Engine == EngineMySQL || c.Ledger.Engine == EnginePostgres
}

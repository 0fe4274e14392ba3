package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	grpc_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/in/grpc"
	http_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/in/http"
	breaker_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/out/breaker"
	memory_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/out/memory"
	mysql_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/out/mysql"
	postgres_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/out/postgres"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-credit-ledger/internal/config"
	"github.com/JoeShih716/go-credit-ledger/pkg/logger"
	"github.com/JoeShih716/go-credit-ledger/pkg/mysql"
	"github.com/JoeShih716/go-credit-ledger/pkg/postgres"
	"github.com/JoeShih716/go-credit-ledger/pkg/wal"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the YAML config file (empty: env and defaults only)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "credit-ledger: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. 載入設定
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log, syncLog, err := logger.New(cfg.Log)
	if err != nil {
		return err
	}
	defer syncLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 帳戶表 (啟動後固定)
	registry, err := domain.NewRegistry(cfg.Ledger.Accounts, cfg.Ledger.HistoryCap)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	log.Info("accounts loaded", zap.Int64s("ids", registry.IDs()), zap.String("engine", string(cfg.Ledger.Engine)))

	// 3. 選擇帳本實作
	ledger, cleanup, err := buildLedger(ctx, cfg, registry, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. 初始化 UseCase
	core := usecase.NewCoreUseCase(ledger, registry, log)

	// 5. 初始化 Driving Adapters
	app := http_adapter.NewApp(core, log)
	grpcServer := grpc_adapter.NewServer(core, log)
	if cfg.Server.Reflection {
		reflection.Register(grpcServer) // 方便 grpcurl 測試
	}

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.Server.GRPCAddr, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting http server", zap.String("addr", cfg.Server.HTTPAddr))
		return app.Listen(cfg.Server.HTTPAddr)
	})
	g.Go(func() error {
		log.Info("starting grpc server", zap.String("addr", cfg.Server.GRPCAddr))
		if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return err
		}
		return nil
	})

	// Graceful Shutdown: 收到訊號或任一 server 失敗
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down servers")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		stopped := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stopped)
		}()
		httpErr := app.ShutdownWithContext(shutdownCtx)
		select {
		case <-stopped:
		case <-shutdownCtx.Done():
			grpcServer.Stop()
		}
		return httpErr
	})

	if err := g.Wait(); err != nil {
		log.Error("server exited with error", zap.Error(err))
		return err
	}
	log.Info("server exited")
	return nil
}

// buildLedger 依設定建立帳本，回傳的 cleanup 負責釋放資源
func buildLedger(ctx context.Context, cfg *config.Config, registry *domain.Registry, log *zap.Logger) (usecase.Ledger, func(), error) {
	cleanups := []func(){}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (usecase.Ledger, func(), error) {
		cleanup()
		return nil, nil, err
	}

	var ledger usecase.Ledger
	switch cfg.Ledger.Engine {
	case config.EngineMutex, config.EngineLMAX:
		// 初始化 WAL
		var w *wal.WAL
		if cfg.Ledger.WALPath != "" {
			var err error
			w, err = wal.NewWAL(cfg.Ledger.WALPath, wal.WithSync(!cfg.Ledger.WALNoSync))
			if err != nil {
				return fail(fmt.Errorf("init wal: %w", err))
			}
			cleanups = append(cleanups, func() {
				if err := w.Close(); err != nil {
					log.Error("close wal", zap.Error(err))
				}
			})
		}

		if cfg.Ledger.Engine == config.EngineMutex {
			mutexLedger, err := memory_adapter.NewMutexLedger(registry, w)
			if err != nil {
				return fail(fmt.Errorf("init mutex ledger: %w", err))
			}
			ledger = mutexLedger
			break
		}

		lmaxLedger, err := memory_adapter.NewLMAXLedger(registry, w)
		if err != nil {
			return fail(fmt.Errorf("init lmax ledger: %w", err))
		}
		// 輸送帶在 server 關閉後才停止，確保已排隊的請求都有回應
		lmaxCtx, cancel := context.WithCancel(context.Background())
		lmaxLedger.Start(lmaxCtx)
		cleanups = append(cleanups, func() {
			cancel()
			lmaxLedger.Wait()
		})
		ledger = lmaxLedger

	case config.EngineMySQL:
		client, err := mysql.NewClient(ctx, cfg.MySQL, log)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = client.Close() })
		log.Info("connected to mysql")

		mysqlLedger := mysql_adapter.NewMySQLLedger(client, cfg.Ledger.HistoryCap)
		if err := mysqlLedger.Migrate(ctx); err != nil {
			return fail(err)
		}
		if err := mysqlLedger.SeedAccounts(ctx, cfg.Ledger.Accounts); err != nil {
			return fail(err)
		}
		ledger = mysqlLedger

	case config.EnginePostgres:
		db, err := postgres.Open(ctx, cfg.Postgres, log)
		if err != nil {
			return fail(err)
		}
		cleanups = append(cleanups, func() { _ = db.Close() })
		log.Info("connected to postgres")

		if err := postgres.Migrate(ctx, db, cfg.Ledger.MigrationsDir); err != nil {
			return fail(err)
		}
		pgLedger := postgres_adapter.NewPostgresLedger(db, cfg.Ledger.HistoryCap)
		if err := pgLedger.SeedAccounts(ctx, cfg.Ledger.Accounts); err != nil {
			return fail(err)
		}
		ledger = pgLedger

	default:
		return fail(fmt.Errorf("invalid ledger engine %q", cfg.Ledger.Engine))
	}

	// 資料庫引擎外面包一層斷路器
	if cfg.UsesStore() && cfg.Breaker.Enabled {
		ledger = breaker_adapter.NewLedger(string(cfg.Ledger.Engine), ledger, cfg.Breaker, log)
	}
	return ledger, cleanup, nil
}

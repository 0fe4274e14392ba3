package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	grpc_adapter "github.com/JoeShih716/go-credit-ledger/internal/app/core/adapter/in/grpc"
	"github.com/JoeShih716/go-credit-ledger/pkg/grpc"
	"github.com/JoeShih716/go-credit-ledger/pkg/logger"
)

// 壓力測試: 對同一組帳戶並發送出 Apply，統計 TPS 與各種結果的次數
func main() {
	target := flag.String("target", "localhost:50051", "grpc server address")
	total := flag.Int("n", 100000, "total requests")
	concurrency := flag.Int("c", 1000, "concurrent requests")
	accounts := flag.Int("accounts", 5, "spread requests over account ids 1..accounts")
	amount := flag.Int64("amount", 100, "amount per transaction")
	timeout := flag.Duration("timeout", 120*time.Second, "overall timeout")
	logLevel := flag.String("log-level", "error", "client log level")
	flag.Parse()

	log, syncLog, err := logger.New(logger.Config{Level: *logLevel, Format: "console"})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer syncLog()

	pool := grpc.NewPool(grpc.WithInterceptor(grpc.LoggingInterceptor(log)))
	defer pool.Close()
	conn, err := pool.GetConnection(*target)
	if err != nil {
		log.Fatal("did not connect", zap.Error(err))
	}
	c := grpc_adapter.NewLedgerServiceClient(conn)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results = make(map[codes.Code]int)
		done    atomic.Int64
	)
	sem := make(chan struct{}, *concurrency)
	startTime := time.Now()

	for i := 0; i < *total; i++ {
		sem <- struct{}{}
		wg.Add(1)

		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			// 奇數扣帳、偶數入帳，描述取 UUID 前 10 碼
			kind := "c"
			if idx%2 == 1 {
				kind = "d"
			}
			req, err := structpb.NewStruct(map[string]any{
				"account_id": idx%*accounts + 1,
				"valor":      *amount,
				"tipo":       kind,
				"descricao":  uuid.New().String()[:10],
			})
			if err != nil {
				log.Fatal("build request", zap.Error(err))
			}

			_, err = c.Apply(ctx, req)
			code := status.Code(err)
			mu.Lock()
			results[code]++
			mu.Unlock()

			if n := done.Add(1); n%10000 == 0 {
				log.Info("progress", zap.Int64("done", n))
			}
		}(i)
	}
	wg.Wait()

	elapsed := time.Since(startTime)
	fmt.Printf("Completed %d requests in %v\n", *total, elapsed)
	fmt.Printf("TPS: %.2f\n", float64(*total)/elapsed.Seconds())

	codesSeen := make([]codes.Code, 0, len(results))
	for code := range results {
		codesSeen = append(codesSeen, code)
	}
	sort.Slice(codesSeen, func(i, j int) bool { return codesSeen[i] < codesSeen[j] })
	for _, code := range codesSeen {
		fmt.Printf("  %-20s %d\n", code, results[code])
	}
}

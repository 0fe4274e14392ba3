package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-credit-ledger/internal/app/core/usecase"
)

// Config 斷路器設定
type Config struct {
	Enabled             bool          `yaml:"enabled" env:"BREAKER_ENABLED"`
	MaxRequests         uint32        `yaml:"max_requests" env:"BREAKER_MAX_REQUESTS"`                 // half-open 允許的探測數
	Interval            time.Duration `yaml:"interval" env:"BREAKER_INTERVAL"`                         // closed 狀態清空計數的週期
	Timeout             time.Duration `yaml:"timeout" env:"BREAKER_TIMEOUT"`                           // open 多久後轉 half-open
	ConsecutiveFailures uint32        `yaml:"consecutive_failures" env:"BREAKER_CONSECUTIVE_FAILURES"` // 連續失敗幾次就跳脫
}

// SetDefaults 補全未設定的欄位
func (c *Config) SetDefaults() {
	if c.MaxRequests == 0 {
		c.MaxRequests = 1
	}
	if c.Interval == 0 {
		c.Interval = time.Minute
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	if c.ConsecutiveFailures == 0 {
		c.ConsecutiveFailures = 5
	}
}

// Ledger 以斷路器包裝另一個 usecase.Ledger
// 只有 ErrInternal 類的錯誤會被計為失敗，額度不足等業務拒絕不影響斷路器
type Ledger struct {
	next usecase.Ledger
	cb   *gobreaker.CircuitBreaker
}

func NewLedger(name string, next usecase.Ledger, cfg Config, logger *zap.Logger) *Ledger {
	cfg.SetDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return domain.ReasonOf(err) != domain.ReasonInternal
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	}
	return &Ledger{
		next: next,
		cb:   gobreaker.NewCircuitBreaker(settings),
	}
}

func (l *Ledger) Apply(ctx context.Context, accountID int64, tran domain.Transaction) (domain.Receipt, error) {
	res, err := l.cb.Execute(func() (any, error) {
		return l.next.Apply(ctx, accountID, tran)
	})
	if err != nil {
		return domain.Receipt{}, translate(err)
	}
	return res.(domain.Receipt), nil
}

func (l *Ledger) Statement(ctx context.Context, accountID int64) (domain.Statement, error) {
	res, err := l.cb.Execute(func() (any, error) {
		return l.next.Statement(ctx, accountID)
	})
	if err != nil {
		return domain.Statement{}, translate(err)
	}
	return res.(domain.Statement), nil
}

// State 回傳目前斷路器狀態 (closed / half-open / open)
func (l *Ledger) State() string {
	return l.cb.State().String()
}

// translate 斷路器本身的拒絕視為暫時性內部錯誤
func translate(err error) error {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %w", domain.ErrInternal, err)
	}
	return err
}

var _ usecase.Ledger = (*Ledger)(nil)

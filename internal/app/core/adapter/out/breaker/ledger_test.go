package breaker

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JoeShih716/go-credit-ledger/internal/app/core/domain"
)

type fakeLedger struct {
	calls int
	err   error
}

func (f *fakeLedger) Apply(_ context.Context, _ int64, tran domain.Transaction) (domain.Receipt, error) {
	f.calls++
	if f.err != nil {
		return domain.Receipt{}, f.err
	}
	return domain.Receipt{Balance: tran.Amount, Limit: 100}, nil
}

func (f *fakeLedger) Statement(_ context.Context, _ int64) (domain.Statement, error) {
	f.calls++
	if f.err != nil {
		return domain.Statement{}, f.err
	}
	return domain.Statement{Balance: 1, Limit: 100}, nil
}

var credit = domain.Transaction{Amount: 5, Kind: domain.TransactionKindCredit, Description: "x"}

func TestPassThrough(t *testing.T) {
	next := &fakeLedger{}
	l := NewLedger("test", next, Config{}, nil)

	r, err := l.Apply(context.Background(), 1, credit)
	require.NoError(t, err)
	assert.Equal(t, domain.Receipt{Balance: 5, Limit: 100}, r)

	s, err := l.Statement(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), s.Balance)
	assert.Equal(t, 2, next.calls)
}

func TestBusinessRejectionsDoNotTrip(t *testing.T) {
	next := &fakeLedger{err: domain.ErrLimitExceeded}
	l := NewLedger("test", next, Config{ConsecutiveFailures: 2}, nil)

	for range 10 {
		_, err := l.Apply(context.Background(), 1, credit)
		assert.ErrorIs(t, err, domain.ErrLimitExceeded)
	}
	assert.Equal(t, 10, next.calls)
	assert.Equal(t, gobreaker.StateClosed.String(), l.State())
}

func TestInternalFailuresTrip(t *testing.T) {
	next := &fakeLedger{err: fmt.Errorf("%w: connection refused", domain.ErrInternal)}
	l := NewLedger("test", next, Config{ConsecutiveFailures: 3, Timeout: time.Hour}, nil)

	for range 3 {
		_, err := l.Apply(context.Background(), 1, credit)
		assert.Equal(t, domain.ReasonInternal, domain.ReasonOf(err))
	}
	assert.Equal(t, gobreaker.StateOpen.String(), l.State())

	// open 狀態下直接拒絕，不再呼叫下游
	_, err := l.Statement(context.Background(), 1)
	assert.ErrorIs(t, err, domain.ErrInternal)
	assert.True(t, errors.Is(err, gobreaker.ErrOpenState))
	assert.Equal(t, 3, next.calls)
}

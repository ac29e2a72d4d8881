package chain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"milestone-escrow/internal/application/ledger"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerLedger guards a ledger with a circuit breaker. A rejected call never
// reached the ledger, so it is reported as a definite TransferError.
type BreakerLedger struct {
	next ledger.Ledger
	cb   *gobreaker.CircuitBreaker
}

func NewBreakerLedger(next ledger.Ledger, name string, failures uint32, cooldown time.Duration) *BreakerLedger {
	if failures == 0 {
		failures = 5
	}
	st := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		// Business rejections mean the gateway is healthy.
		IsSuccessful: func(err error) bool {
			return err == nil || ledger.IsRejection(err) || errors.Is(err, ledger.ErrUnknownTransfer)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("ledger circuit breaker state change")
		},
	}
	return &BreakerLedger{next: next, cb: gobreaker.NewCircuitBreaker(st)}
}

func (b *BreakerLedger) State() gobreaker.State {
	return b.cb.State()
}

func (b *BreakerLedger) execute(fn func() (interface{}, error)) (interface{}, error) {
	out, err := b.cb.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, &ledger.TransferError{Code: "unavailable", Message: fmt.Sprintf("ledger %s: %v", b.cb.Name(), err)}
	}
	return out, err
}

func (b *BreakerLedger) Fund(ctx context.Context, req ledger.FundRequest) (ledger.Receipt, error) {
	out, err := b.execute(func() (interface{}, error) { return b.next.Fund(ctx, req) })
	rec, _ := out.(ledger.Receipt)
	return rec, err
}

func (b *BreakerLedger) ReadBalances(ctx context.Context, projectID uuid.UUID) (ledger.Balances, error) {
	out, err := b.execute(func() (interface{}, error) { return b.next.ReadBalances(ctx, projectID) })
	bal, _ := out.(ledger.Balances)
	return bal, err
}

func (b *BreakerLedger) Transfer(ctx context.Context, req ledger.TransferRequest) (ledger.Receipt, error) {
	out, err := b.execute(func() (interface{}, error) { return b.next.Transfer(ctx, req) })
	rec, _ := out.(ledger.Receipt)
	return rec, err
}

func (b *BreakerLedger) TransferStatus(ctx context.Context, key string) (ledger.Receipt, error) {
	out, err := b.execute(func() (interface{}, error) { return b.next.TransferStatus(ctx, key) })
	rec, _ := out.(ledger.Receipt)
	return rec, err
}

func (b *BreakerLedger) Now() time.Time {
	return b.next.Now()
}

// Ping forwards to the wrapped ledger when it can be pinged.
func (b *BreakerLedger) Ping(ctx context.Context) error {
	p, ok := b.next.(interface{ Ping(context.Context) error })
	if !ok {
		return nil
	}
	_, err := b.execute(func() (interface{}, error) { return nil, p.Ping(ctx) })
	return err
}

// Package broker presents a uniform, mode-aware interface over
// heterogeneous spot/margin/futures venues, modeled on CCXT semantics
// (spec.md §4.1). Concrete adapters wrap the teacher's exchange SDKs;
// callers never branch on exchange type.
package broker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// OrderType distinguishes market from limit orders.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// PlaceOrderRequest carries every field place_order accepts per spec.md
// §4.1. SL/TP/Leverage/ReduceOnly are optional.
type PlaceOrderRequest struct {
	Symbol     string
	Side       domain.Side
	Type       OrderType
	Quantity   decimal.Decimal
	Price      *decimal.Decimal
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	Leverage   *decimal.Decimal
	ReduceOnly bool
}

// Order is the venue's acknowledgement of a submitted order.
type Order struct {
	ID         string
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	ReduceOnly bool
	// SLTPOnExchange reports whether the venue accepted SL/TP as
	// exchange-side conditional orders; when false, the caller (the
	// Position Monitor) must enforce them itself.
	SLTPOnExchange bool
}

// ExchangePosition is the venue's view of an open position, used during
// reconciliation (spec.md §4.8).
type ExchangePosition struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	Leverage   decimal.Decimal
}

// Balance is a minimal account snapshot: total equity and margin used,
// sufficient for sizing and liquidation checks.
type Balance struct {
	Equity    decimal.Decimal
	Available decimal.Decimal
	UsedMargin decimal.Decimal
}

var (
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrMarginTooLow      = errors.New("margin too low")
	ErrRateLimited       = errors.New("rate limited")
	ErrUnsupported       = errors.New("unsupported operation")
)

// Broker is the capability set every venue adapter implements. Spot
// adapters silently coerce leverage to 1.0 and drop reduce_only rather
// than returning ErrUnsupported, per spec.md §4.1.
type Broker interface {
	PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error)
	ClosePosition(ctx context.Context, symbol string) (Order, error)
	PartialClose(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error)
	GetPositions(ctx context.Context) ([]ExchangePosition, error)
	GetBalance(ctx context.Context) (Balance, error)
	GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	SetLeverage(ctx context.Context, symbol string, n decimal.Decimal) error
	CancelOrder(ctx context.Context, id string) error
	Mode() domain.TradingMode
}

// dustThreshold is the minimum residual quantity a partial close may
// leave before it is escalated to a full close (spec.md §4.1 "rejects if
// qty would leave residual below a per-market dust threshold").
var dustThreshold = decimal.NewFromFloat(0.0001)

// withRetry runs fn up to maxAttempts times with jittered exponential
// backoff, retrying only on ErrRateLimited and context.DeadlineExceeded.
// Grounded on Inkedup1114-bitunixbot's manual backoff-doubling reconnect
// loop and its resty SetRetryCount(3) configuration.
func withRetry(ctx context.Context, log zerolog.Logger, op string, maxAttempts int, fn func() error) error {
	backoff := 250 * time.Millisecond
	const maxBackoff = 4 * time.Second
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err
		if !errors.Is(err, ErrRateLimited) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		wait := backoff + jitter
		log.Warn().Str("op", op).Int("attempt", attempt).Dur("wait", wait).Msg("retrying after transient broker error")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return fmt.Errorf("broker op %s failed after %d attempts: %w", op, maxAttempts, lastErr)
}

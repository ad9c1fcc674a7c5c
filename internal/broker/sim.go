package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// SimBroker is an in-memory venue used by tests and by the sim trading
// mode. It honors the same mode rules as the real adapters (spot forces
// leverage 1.0 and drops reduce_only) without any network calls.
type SimBroker struct {
	mu        sync.Mutex
	mode      domain.TradingMode
	prices    map[string]decimal.Decimal
	positions map[string]ExchangePosition // keyed by symbol
	balance   Balance
	orderSeq  int
}

func NewSimBroker(mode domain.TradingMode, startingBalance decimal.Decimal) *SimBroker {
	return &SimBroker{
		mode:      mode,
		prices:    make(map[string]decimal.Decimal),
		positions: make(map[string]ExchangePosition),
		balance: Balance{
			Equity:     startingBalance,
			Available:  startingBalance,
			UsedMargin: decimal.Zero,
		},
	}
}

func (b *SimBroker) Mode() domain.TradingMode { return b.mode }

// SetPrice is a test helper to move the simulated market.
func (b *SimBroker) SetPrice(symbol string, price decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prices[symbol] = price
}

func (b *SimBroker) SetBalance(bal Balance) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance = bal
}

func (b *SimBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	leverage := decimal.NewFromInt(1)
	reduceOnly := req.ReduceOnly
	slTPOnExchange := false

	if b.mode == domain.ModeSpot {
		reduceOnly = false
	} else {
		if req.Leverage != nil {
			leverage = *req.Leverage
		}
		slTPOnExchange = req.StopLoss != nil || req.TakeProfit != nil
	}

	price, ok := b.prices[req.Symbol]
	if !ok {
		return Order{}, fmt.Errorf("no simulated price for %s", req.Symbol)
	}
	if req.Price != nil {
		price = *req.Price
	}

	notional := req.Quantity.Mul(price)
	if notional.GreaterThan(b.balance.Available) {
		return Order{}, ErrInsufficientFunds
	}

	b.orderSeq++
	b.positions[req.Symbol] = ExchangePosition{
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		EntryPrice: price,
		Leverage:   leverage,
	}
	b.balance.Available = b.balance.Available.Sub(notional)

	return Order{
		ID:             fmt.Sprintf("sim-%d", b.orderSeq),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Quantity:       req.Quantity,
		Price:          price,
		ReduceOnly:     reduceOnly,
		SLTPOnExchange: slTPOnExchange,
	}, nil
}

func (b *SimBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	pos, ok := b.positions[symbol]
	if !ok {
		return Order{}, fmt.Errorf("no open simulated position for %s", symbol)
	}
	price := b.prices[symbol]
	delete(b.positions, symbol)
	b.balance.Available = b.balance.Available.Add(pos.Quantity.Mul(price))

	b.orderSeq++
	return Order{
		ID:         fmt.Sprintf("sim-%d", b.orderSeq),
		Symbol:     symbol,
		Side:       oppositeSide(pos.Side),
		Quantity:   pos.Quantity,
		Price:      price,
		ReduceOnly: b.mode != domain.ModeSpot,
	}, nil
}

func (b *SimBroker) PartialClose(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
	b.mu.Lock()
	pos, ok := b.positions[symbol]
	if !ok {
		b.mu.Unlock()
		return Order{}, fmt.Errorf("no open simulated position for %s", symbol)
	}
	residual := pos.Quantity.Sub(qty)
	if residual.LessThan(dustThreshold) {
		b.mu.Unlock()
		return b.ClosePosition(ctx, symbol)
	}
	price := b.prices[symbol]
	pos.Quantity = residual
	b.positions[symbol] = pos
	b.balance.Available = b.balance.Available.Add(qty.Mul(price))
	b.orderSeq++
	order := Order{
		ID:         fmt.Sprintf("sim-%d", b.orderSeq),
		Symbol:     symbol,
		Side:       oppositeSide(pos.Side),
		Quantity:   qty,
		Price:      price,
		ReduceOnly: b.mode != domain.ModeSpot,
	}
	b.mu.Unlock()
	return order, nil
}

func (b *SimBroker) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]ExchangePosition, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, p)
	}
	return out, nil
}

func (b *SimBroker) GetBalance(ctx context.Context) (Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, nil
}

func (b *SimBroker) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	price, ok := b.prices[symbol]
	if !ok {
		return decimal.Zero, fmt.Errorf("no simulated price for %s", symbol)
	}
	return price, nil
}

func (b *SimBroker) SetLeverage(ctx context.Context, symbol string, n decimal.Decimal) error {
	return nil
}

func (b *SimBroker) CancelOrder(ctx context.Context, id string) error {
	return nil
}

func oppositeSide(s domain.Side) domain.Side {
	if s == domain.SideLong {
		return domain.SideShort
	}
	return domain.SideLong
}

package broker

import (
	"context"
	"fmt"

	hl "github.com/sonirico/go-hyperliquid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// HyperliquidBroker wraps the teacher's sonirico/go-hyperliquid dependency.
// Hyperliquid only exposes perpetual futures, so this adapter is never
// constructed for a spot user (cmd/engine's brokerFor returns an error for
// a spot user configured for hyperliquid).
type HyperliquidBroker struct {
	client *hl.Client
	log    zerolog.Logger
}

func NewHyperliquidBroker(walletAddress, privateKey string, log zerolog.Logger) *HyperliquidBroker {
	client := hl.NewClient(hl.MainnetAPIURL, privateKey)
	return &HyperliquidBroker{client: client, log: log}
}

func (b *HyperliquidBroker) Mode() domain.TradingMode { return domain.ModeFutures }

func (b *HyperliquidBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	isBuy := req.Side == domain.SideLong
	var result Order
	err := withRetry(ctx, b.log, "hyperliquid.place_order", 3, func() error {
		qty, _ := req.Quantity.Float64()
		var limitPx float64
		orderType := hl.OrderTypeMarket
		if req.Type == OrderLimit && req.Price != nil {
			limitPx, _ = req.Price.Float64()
			orderType = hl.OrderTypeLimit
		}
		resp, err := b.client.PlaceOrder(hl.OrderRequest{
			Coin:       baseCoin(req.Symbol),
			IsBuy:      isBuy,
			Size:       qty,
			LimitPrice: limitPx,
			OrderType:  orderType,
			ReduceOnly: req.ReduceOnly,
		})
		if err != nil {
			return classifyHyperliquidErr(err)
		}
		price := req.Quantity
		if req.Price != nil {
			price = *req.Price
		}
		result = Order{ID: resp.OrderID, Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Price: price, ReduceOnly: req.ReduceOnly}
		return nil
	})
	return result, err
}

func (b *HyperliquidBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return Order{}, err
	}
	for _, p := range positions {
		if p.Symbol == symbol {
			return b.PlaceOrder(ctx, PlaceOrderRequest{
				Symbol:     symbol,
				Side:       oppositeSide(p.Side),
				Type:       OrderMarket,
				Quantity:   p.Quantity,
				ReduceOnly: true,
			})
		}
	}
	return Order{}, fmt.Errorf("no open position for %s", symbol)
}

func (b *HyperliquidBroker) PartialClose(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return Order{}, err
	}
	for _, p := range positions {
		if p.Symbol != symbol {
			continue
		}
		if p.Quantity.Sub(qty).LessThan(dustThreshold) {
			return b.ClosePosition(ctx, symbol)
		}
		return b.PlaceOrder(ctx, PlaceOrderRequest{
			Symbol:     symbol,
			Side:       oppositeSide(p.Side),
			Type:       OrderMarket,
			Quantity:   qty,
			ReduceOnly: true,
		})
	}
	return Order{}, fmt.Errorf("no open position for %s", symbol)
}

func (b *HyperliquidBroker) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	state, err := b.client.UserState()
	if err != nil {
		return nil, classifyHyperliquidErr(err)
	}
	var out []ExchangePosition
	for _, p := range state.AssetPositions {
		size := decimal.NewFromFloat(p.Position.Szi)
		if size.IsZero() {
			continue
		}
		side := domain.SideLong
		if size.IsNegative() {
			side = domain.SideShort
			size = size.Abs()
		}
		out = append(out, ExchangePosition{
			Symbol:     p.Position.Coin + "/USD",
			Side:       side,
			Quantity:   size,
			EntryPrice: decimal.NewFromFloat(p.Position.EntryPx),
			Leverage:   decimal.NewFromFloat(p.Position.Leverage.Value),
		})
	}
	return out, nil
}

func (b *HyperliquidBroker) GetBalance(ctx context.Context) (Balance, error) {
	state, err := b.client.UserState()
	if err != nil {
		return Balance{}, classifyHyperliquidErr(err)
	}
	equity := decimal.NewFromFloat(state.MarginSummary.AccountValue)
	used := decimal.NewFromFloat(state.MarginSummary.TotalMarginUsed)
	return Balance{Equity: equity, Available: equity.Sub(used), UsedMargin: used}, nil
}

func (b *HyperliquidBroker) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	mids, err := b.client.AllMids()
	if err != nil {
		return decimal.Zero, classifyHyperliquidErr(err)
	}
	px, ok := mids[baseCoin(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("no mid price for %s", symbol)
	}
	return decimal.NewFromFloat(px), nil
}

func (b *HyperliquidBroker) SetLeverage(ctx context.Context, symbol string, n decimal.Decimal) error {
	lev, _ := n.Float64()
	return classifyHyperliquidErr(b.client.UpdateLeverage(baseCoin(symbol), int(lev), false))
}

func (b *HyperliquidBroker) CancelOrder(ctx context.Context, id string) error {
	return classifyHyperliquidErr(b.client.CancelOrder(id))
}

func baseCoin(symbol string) string {
	for i := 0; i < len(symbol); i++ {
		if symbol[i] == '/' {
			return symbol[:i]
		}
	}
	return symbol
}

func classifyHyperliquidErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "insufficient"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case contains(msg, "margin"):
		return fmt.Errorf("%w: %s", ErrMarginTooLow, msg)
	case contains(msg, "rate limit"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return err
	}
}

package broker

import (
	"context"
	"fmt"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// BybitBroker wraps the teacher's bybit.go.api dependency. Bybit's unified
// v5 API uses a single "linear" category for both margin and futures, so
// mode only changes whether reduce_only/leverage are applied.
type BybitBroker struct {
	mode   domain.TradingMode
	client *bybit.Client
	log    zerolog.Logger
}

func NewBybitBroker(apiKey, apiSecret string, mode domain.TradingMode, log zerolog.Logger) *BybitBroker {
	client := bybit.NewBybitHttpClient(apiKey, apiSecret, bybit.WithBaseURL(bybit.MAINNET))
	return &BybitBroker{mode: mode, client: client, log: log}
}

func (b *BybitBroker) Mode() domain.TradingMode { return b.mode }

func (b *BybitBroker) category() string {
	if b.mode == domain.ModeSpot {
		return "spot"
	}
	return "linear"
}

func sideToBybit(s domain.Side) string {
	if s == domain.SideShort {
		return "Sell"
	}
	return "Buy"
}

func (b *BybitBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	reduceOnly := req.ReduceOnly && b.mode != domain.ModeSpot
	orderType := "Market"
	params := map[string]interface{}{
		"category":   b.category(),
		"symbol":     normalizeBybitSymbol(req.Symbol),
		"side":       sideToBybit(req.Side),
		"orderType":  orderType,
		"qty":        req.Quantity.String(),
		"reduceOnly": reduceOnly,
	}
	if req.Type == OrderLimit && req.Price != nil {
		params["orderType"] = "Limit"
		params["price"] = req.Price.String()
		params["timeInForce"] = "GTC"
	}
	if b.mode != domain.ModeSpot {
		if req.StopLoss != nil {
			params["stopLoss"] = req.StopLoss.String()
		}
		if req.TakeProfit != nil {
			params["takeProfit"] = req.TakeProfit.String()
		}
	}

	var result Order
	err := withRetry(ctx, b.log, "bybit.place_order", 3, func() error {
		resp, err := bybit.NewPostRequest(b.client, "/v5/order/create", params).Do(ctx)
		if err != nil {
			return classifyBybitErr(err)
		}
		orderID, _ := bybit.JmespathGet(resp, "result.orderId")
		price := req.Quantity
		if req.Price != nil {
			price = *req.Price
		}
		result = Order{
			ID:             fmt.Sprintf("%v", orderID),
			Symbol:         req.Symbol,
			Side:           req.Side,
			Quantity:       req.Quantity,
			Price:          price,
			ReduceOnly:     reduceOnly,
			SLTPOnExchange: b.mode != domain.ModeSpot && (req.StopLoss != nil || req.TakeProfit != nil),
		}
		return nil
	})
	return result, err
}

func (b *BybitBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
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
				ReduceOnly: b.mode != domain.ModeSpot,
			})
		}
	}
	return Order{}, fmt.Errorf("no open position for %s", symbol)
}

func (b *BybitBroker) PartialClose(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
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
			ReduceOnly: b.mode != domain.ModeSpot,
		})
	}
	return Order{}, fmt.Errorf("no open position for %s", symbol)
}

func (b *BybitBroker) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	resp, err := bybit.NewGetRequest(b.client, "/v5/position/list", map[string]interface{}{"category": b.category(), "settleCoin": "USDT"}).Do(ctx)
	if err != nil {
		return nil, classifyBybitErr(err)
	}
	rows, _ := bybit.JmespathGetList(resp, "result.list")
	var out []ExchangePosition
	for _, row := range rows {
		m, ok := row.(map[string]interface{})
		if !ok {
			continue
		}
		qty, _ := decimal.NewFromString(fmt.Sprintf("%v", m["size"]))
		if qty.IsZero() {
			continue
		}
		side := domain.SideLong
		if fmt.Sprintf("%v", m["side"]) == "Sell" {
			side = domain.SideShort
		}
		entry, _ := decimal.NewFromString(fmt.Sprintf("%v", m["avgPrice"]))
		lev, _ := decimal.NewFromString(fmt.Sprintf("%v", m["leverage"]))
		out = append(out, ExchangePosition{Symbol: fmt.Sprintf("%v", m["symbol"]), Side: side, Quantity: qty, EntryPrice: entry, Leverage: lev})
	}
	return out, nil
}

func (b *BybitBroker) GetBalance(ctx context.Context) (Balance, error) {
	resp, err := bybit.NewGetRequest(b.client, "/v5/account/wallet-balance", map[string]interface{}{"accountType": "UNIFIED"}).Do(ctx)
	if err != nil {
		return Balance{}, classifyBybitErr(err)
	}
	equityRaw, _ := bybit.JmespathGet(resp, "result.list[0].totalEquity")
	availRaw, _ := bybit.JmespathGet(resp, "result.list[0].totalAvailableBalance")
	equity, _ := decimal.NewFromString(fmt.Sprintf("%v", equityRaw))
	avail, _ := decimal.NewFromString(fmt.Sprintf("%v", availRaw))
	return Balance{Equity: equity, Available: avail, UsedMargin: equity.Sub(avail)}, nil
}

func (b *BybitBroker) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	resp, err := bybit.NewGetRequest(b.client, "/v5/market/tickers", map[string]interface{}{"category": b.category(), "symbol": normalizeBybitSymbol(symbol)}).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBybitErr(err)
	}
	raw, _ := bybit.JmespathGet(resp, "result.list[0].lastPrice")
	return decimal.NewFromString(fmt.Sprintf("%v", raw))
}

func (b *BybitBroker) SetLeverage(ctx context.Context, symbol string, n decimal.Decimal) error {
	if b.mode == domain.ModeSpot {
		return nil
	}
	_, err := bybit.NewPostRequest(b.client, "/v5/position/set-leverage", map[string]interface{}{
		"category":     b.category(),
		"symbol":       normalizeBybitSymbol(symbol),
		"buyLeverage":  n.String(),
		"sellLeverage": n.String(),
	}).Do(ctx)
	return classifyBybitErr(err)
}

func (b *BybitBroker) CancelOrder(ctx context.Context, id string) error {
	_, err := bybit.NewPostRequest(b.client, "/v5/order/cancel", map[string]interface{}{"category": b.category(), "orderId": id}).Do(ctx)
	return classifyBybitErr(err)
}

func normalizeBybitSymbol(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] != '/' {
			out = append(out, symbol[i])
		}
	}
	return string(out)
}

func classifyBybitErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "insufficient") || contains(msg, "110007"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case contains(msg, "margin"):
		return fmt.Errorf("%w: %s", ErrMarginTooLow, msg)
	case contains(msg, "rate limit") || contains(msg, "10006"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return err
	}
}

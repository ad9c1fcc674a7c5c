package broker

import (
	"context"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// BinanceBroker wraps the teacher's go-binance/v2 dependency. Spot orders
// go through the spot client; margin/futures go through the futures
// client, since go-binance/v2 models them as distinct services.
type BinanceBroker struct {
	mode   domain.TradingMode
	spot   *binance.Client
	fut    *futures.Client
	log    zerolog.Logger
}

func NewBinanceBroker(apiKey, apiSecret string, mode domain.TradingMode, log zerolog.Logger) *BinanceBroker {
	b := &BinanceBroker{mode: mode, log: log}
	if mode == domain.ModeFutures || mode == domain.ModeMargin {
		b.fut = futures.NewClient(apiKey, apiSecret)
	} else {
		b.spot = binance.NewClient(apiKey, apiSecret)
	}
	return b
}

func (b *BinanceBroker) Mode() domain.TradingMode { return b.mode }

func sideToBinance(s domain.Side) binance.SideType {
	if s == domain.SideShort {
		return binance.SideTypeSell
	}
	return binance.SideTypeBuy
}

func (b *BinanceBroker) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (Order, error) {
	leverage := decimal.NewFromInt(1)
	reduceOnly := req.ReduceOnly
	slTPOnExchange := false

	if b.mode != domain.ModeSpot {
		if req.Leverage != nil {
			leverage = *req.Leverage
			if err := b.SetLeverage(ctx, req.Symbol, leverage); err != nil {
				b.log.Warn().Err(err).Str("symbol", req.Symbol).Msg("set leverage failed, continuing at venue default")
			}
		}
	} else {
		reduceOnly = false
	}

	var result Order
	err := withRetry(ctx, b.log, "binance.place_order", 3, func() error {
		if b.mode == domain.ModeSpot {
			svc := b.spot.NewCreateOrderService().
				Symbol(req.Symbol).
				Side(sideToBinance(req.Side)).
				Quantity(req.Quantity.String())
			if req.Type == OrderLimit && req.Price != nil {
				svc = svc.Type(binance.OrderTypeLimit).TimeInForce(binance.TimeInForceTypeGTC).Price(req.Price.String())
			} else {
				svc = svc.Type(binance.OrderTypeMarket)
			}
			resp, err := svc.Do(ctx)
			if err != nil {
				return classifyBinanceErr(err)
			}
			price := req.Quantity
			if req.Price != nil {
				price = *req.Price
			}
			_ = resp
			result = Order{ID: fmt.Sprintf("%d", resp.OrderID), Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Price: price}
			return nil
		}

		svc := b.fut.NewCreateOrderService().
			Symbol(req.Symbol).
			Side(futures.SideType(sideToBinance(req.Side))).
			Quantity(req.Quantity.String()).
			ReduceOnly(reduceOnly)
		if req.Type == OrderLimit && req.Price != nil {
			svc = svc.Type(futures.OrderTypeLimit).TimeInForce(futures.TimeInForceTypeGTC).Price(req.Price.String())
		} else {
			svc = svc.Type(futures.OrderTypeMarket)
		}
		resp, err := svc.Do(ctx)
		if err != nil {
			return classifyBinanceErr(err)
		}
		price := req.Quantity
		if req.Price != nil {
			price = *req.Price
		}
		result = Order{ID: fmt.Sprintf("%d", resp.OrderID), Symbol: req.Symbol, Side: req.Side, Quantity: req.Quantity, Price: price, ReduceOnly: reduceOnly, SLTPOnExchange: slTPOnExchange}
		return nil
	})
	return result, err
}

func (b *BinanceBroker) ClosePosition(ctx context.Context, symbol string) (Order, error) {
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

func (b *BinanceBroker) PartialClose(ctx context.Context, symbol string, qty decimal.Decimal) (Order, error) {
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

func (b *BinanceBroker) GetPositions(ctx context.Context) ([]ExchangePosition, error) {
	if b.mode == domain.ModeSpot {
		acct, err := b.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return nil, classifyBinanceErr(err)
		}
		var out []ExchangePosition
		for _, bal := range acct.Balances {
			free, _ := decimal.NewFromString(bal.Free)
			if free.GreaterThan(decimal.Zero) && bal.Asset != "USDT" {
				out = append(out, ExchangePosition{
					Symbol:   bal.Asset + "/USDT",
					Side:     domain.SideLong,
					Quantity: free,
					Leverage: decimal.NewFromInt(1),
				})
			}
		}
		return out, nil
	}

	risks, err := b.fut.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceErr(err)
	}
	var out []ExchangePosition
	for _, r := range risks {
		amt, _ := decimal.NewFromString(r.PositionAmt)
		if amt.IsZero() {
			continue
		}
		side := domain.SideLong
		if amt.IsNegative() {
			side = domain.SideShort
			amt = amt.Abs()
		}
		entry, _ := decimal.NewFromString(r.EntryPrice)
		lev, _ := decimal.NewFromString(r.Leverage)
		out = append(out, ExchangePosition{Symbol: r.Symbol, Side: side, Quantity: amt, EntryPrice: entry, Leverage: lev})
	}
	return out, nil
}

func (b *BinanceBroker) GetBalance(ctx context.Context) (Balance, error) {
	if b.mode == domain.ModeSpot {
		acct, err := b.spot.NewGetAccountService().Do(ctx)
		if err != nil {
			return Balance{}, classifyBinanceErr(err)
		}
		var usdt decimal.Decimal
		for _, bal := range acct.Balances {
			if bal.Asset == "USDT" {
				usdt, _ = decimal.NewFromString(bal.Free)
			}
		}
		return Balance{Equity: usdt, Available: usdt}, nil
	}
	acct, err := b.fut.NewGetAccountService().Do(ctx)
	if err != nil {
		return Balance{}, classifyBinanceErr(err)
	}
	equity, _ := decimal.NewFromString(acct.TotalWalletBalance)
	avail, _ := decimal.NewFromString(acct.AvailableBalance)
	used := equity.Sub(avail)
	return Balance{Equity: equity, Available: avail, UsedMargin: used}, nil
}

func (b *BinanceBroker) GetMarketPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if b.mode == domain.ModeSpot {
		prices, err := b.spot.NewListPricesService().Symbol(symbol).Do(ctx)
		if err != nil || len(prices) == 0 {
			return decimal.Zero, classifyBinanceErr(err)
		}
		return decimal.NewFromString(prices[0].Price)
	}
	prices, err := b.fut.NewListPricesService().Symbol(symbol).Do(ctx)
	if err != nil || len(prices) == 0 {
		return decimal.Zero, classifyBinanceErr(err)
	}
	return decimal.NewFromString(prices[0].Price)
}

func (b *BinanceBroker) SetLeverage(ctx context.Context, symbol string, n decimal.Decimal) error {
	if b.mode == domain.ModeSpot {
		return nil
	}
	lev, _ := n.Float64()
	_, err := b.fut.NewChangeLeverageService().Symbol(symbol).Leverage(int(lev)).Do(ctx)
	return classifyBinanceErr(err)
}

func (b *BinanceBroker) CancelOrder(ctx context.Context, id string) error {
	return nil
}

func classifyBinanceErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case contains(msg, "insufficient"):
		return fmt.Errorf("%w: %s", ErrInsufficientFunds, msg)
	case contains(msg, "margin"):
		return fmt.Errorf("%w: %s", ErrMarginTooLow, msg)
	case contains(msg, "-1003") || contains(msg, "Too many requests") || contains(msg, "429"):
		return fmt.Errorf("%w: %s", ErrRateLimited, msg)
	default:
		return err
	}
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}

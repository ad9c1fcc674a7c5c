// Package marketdata supplies the hourly candle history the Risk Manager
// and the Position Monitor's reconciliation path need. It is grounded on
// the teacher's market/historical.go bar-fetching shape (paginated REST
// history mapped into a local bar type), adapted from Alpaca's equities
// bars endpoint to go-binance/v2's klines service since this engine trades
// crypto, not equities.
package marketdata

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"

	"github.com/poorman/tradecore/internal/risk"
)

// BinanceCandles fetches hourly OHLCV history from Binance's public klines
// endpoint. It needs no API credentials; kline data is public market data.
type BinanceCandles struct {
	client *binance.Client
}

func NewBinanceCandles() *BinanceCandles {
	return &BinanceCandles{client: binance.NewClient("", "")}
}

// HourlyCandles returns the most recent `lookback` one-hour bars for
// symbol, oldest first, the shape every risk.Candle consumer expects.
func (c *BinanceCandles) HourlyCandles(ctx context.Context, symbol string, lookback int) ([]risk.Candle, error) {
	klines, err := c.client.NewKlinesService().
		Symbol(toBinanceSymbol(symbol)).
		Interval("1h").
		Limit(lookback).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch klines for %s: %w", symbol, err)
	}

	out := make([]risk.Candle, 0, len(klines))
	for _, k := range klines {
		bar, err := toCandle(k)
		if err != nil {
			return nil, fmt.Errorf("parse kline for %s: %w", symbol, err)
		}
		out = append(out, bar)
	}
	return out, nil
}

func toCandle(k *binance.Kline) (risk.Candle, error) {
	open, err := parseFloat(k.Open)
	if err != nil {
		return risk.Candle{}, err
	}
	high, err := parseFloat(k.High)
	if err != nil {
		return risk.Candle{}, err
	}
	low, err := parseFloat(k.Low)
	if err != nil {
		return risk.Candle{}, err
	}
	close, err := parseFloat(k.Close)
	if err != nil {
		return risk.Candle{}, err
	}
	volume, err := parseFloat(k.Volume)
	if err != nil {
		return risk.Candle{}, err
	}
	return risk.Candle{
		OpenTime: millisToTime(k.OpenTime),
		Open:     open, High: high, Low: low, Close: close, Volume: volume,
	}, nil
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

// toBinanceSymbol strips the "/" the rest of the engine uses for
// human-readable pairs ("BTC/USDT") into Binance's concatenated form
// ("BTCUSDT").
func toBinanceSymbol(symbol string) string {
	out := make([]byte, 0, len(symbol))
	for i := 0; i < len(symbol); i++ {
		if symbol[i] != '/' {
			out = append(out, symbol[i])
		}
	}
	return string(out)
}

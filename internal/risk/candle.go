// Package risk implements the Risk Manager (spec.md §4.4): Kelly-based
// position sizing, ATR-based dynamic SL/TP, and market regime detection.
// The indicator math (ATR, RSI, EMA, MACD, Wilder smoothing) is grounded
// on the teacher's market/data.go calculations, generalized from
// float64-keyed candle slices to the same shape here.
package risk

import "time"

// Candle is one OHLCV bar, the same shape the teacher's market.Kline
// represents.
type Candle struct {
	OpenTime time.Time
	Open     float64
	High     float64
	Low      float64
	Close    float64
	Volume   float64
}

// closes extracts the close series, the input most indicator functions
// need.
func closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

package risk

import "github.com/poorman/tradecore/internal/domain"

// ManagerInput bundles everything a single validated signal needs to
// become a sized order with SL/TP attached (spec.md §4.4 end to end).
type ManagerInput struct {
	Side             domain.Side
	Entry            float64
	HourlyCandles    []Candle // most recent bars, oldest first; ATR/ADX/regime all read the tail
	Balance          float64
	RiskPerTradePct  float64
	MaxSLPct         float64
	MaxPositionUSD   float64
	Confidence       float64
	Historical       HistoricalStats
	HaveHistoricalUS bool
}

// Plan is the Risk Manager's output: a regime classification plus sized
// notional and price levels ready to hand to the broker.
type Plan struct {
	Regime  Regime
	ATR     float64
	Sizing  SizingResult
	StopLoss   float64
	TakeProfit float64
}

// Manager composes regime detection, Kelly-adjusted sizing and dynamic
// SL/TP into the single call the Auto-Trader makes per accepted signal.
type Manager struct{}

func NewManager() *Manager {
	return &Manager{}
}

// Evaluate runs spec.md §4.4's full pipeline for one candidate entry.
func (m *Manager) Evaluate(in ManagerInput) Plan {
	regime := DetectRegime(in.HourlyCandles)
	atr := ATR(in.HourlyCandles, AdxPeriod)
	const sizingVolPeriods = 20
	volCandles := in.HourlyCandles
	if len(volCandles) > sizingVolPeriods {
		volCandles = volCandles[len(volCandles)-sizingVolPeriods:]
	}
	vol := StdevOverMean(volCandles)

	stopLossPct := 0.0
	if in.Entry > 0 && atr > 0 {
		mult := multipliersFor(regime)
		slDistance := mult.sl * atr
		if in.MaxSLPct > 0 && slDistance > in.Entry*in.MaxSLPct {
			slDistance = in.Entry * in.MaxSLPct
		}
		stopLossPct = slDistance / in.Entry
	}

	sizing := Size(SizingInput{
		Balance:          in.Balance,
		RiskPerTradePct:  in.RiskPerTradePct,
		StopLossPct:      stopLossPct,
		MaxPositionUSD:   in.MaxPositionUSD,
		Confidence:       in.Confidence,
		Volatility20:     vol,
		Historical:       in.Historical,
		HaveHistoricalUS: in.HaveHistoricalUS,
	})

	sl, tp := DynamicSLTP(in.Side, in.Entry, atr, regime, in.MaxSLPct)

	return Plan{
		Regime:     regime,
		ATR:        atr,
		Sizing:     sizing,
		StopLoss:   sl,
		TakeProfit: tp,
	}
}

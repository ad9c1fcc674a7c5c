package risk

import (
	"testing"
	"time"

	"github.com/poorman/tradecore/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trendingCandles(n int, start, step float64) []Candle {
	out := make([]Candle, n)
	price := start
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		high := price + step
		low := price - step/4
		out[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     high,
			Low:      low,
			Close:    price + step/2,
			Volume:   100,
		}
		price += step
	}
	return out
}

func flatCandles(n int, price float64) []Candle {
	out := make([]Candle, n)
	base := time.Now().Add(-time.Duration(n) * time.Hour)
	for i := 0; i < n; i++ {
		out[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price + 0.1,
			Low:      price - 0.1,
			Close:    price,
			Volume:   100,
		}
	}
	return out
}

func TestDetectRegime_TrendingBull(t *testing.T) {
	candles := trendingCandles(60, 100, 1.5)
	regime := DetectRegime(candles)
	assert.Equal(t, RegimeTrendingBull, regime)
}

func TestDetectRegime_Sideways(t *testing.T) {
	candles := flatCandles(60, 100)
	regime := DetectRegime(candles)
	assert.Equal(t, RegimeSideways, regime)
}

func TestDetectRegime_Volatile(t *testing.T) {
	candles := make([]Candle, 40)
	base := time.Now().Add(-40 * time.Hour)
	price := 100.0
	for i := range candles {
		if i%2 == 0 {
			price = 100
		} else {
			price = 130
		}
		candles[i] = Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price,
			High:     price + 1,
			Low:      price - 1,
			Close:    price,
			Volume:   100,
		}
	}
	assert.Equal(t, RegimeVolatile, DetectRegime(candles))
}

func TestDetectRegime_EmptyIsSideways(t *testing.T) {
	assert.Equal(t, RegimeSideways, DetectRegime(nil))
}

func TestHalfKellyFraction_ClampsToMax(t *testing.T) {
	h := HistoricalStats{TotalTrades: 50, Wins: 45, WinRate: 0.9, AvgWin: 100, AvgLoss: 10}
	f := HalfKellyFraction(h)
	assert.LessOrEqual(t, f, kellyMax)
	assert.Greater(t, f, 0.0)
}

func TestHalfKellyFraction_ClampsToMinOnLosingEdge(t *testing.T) {
	h := HistoricalStats{TotalTrades: 50, Wins: 5, WinRate: 0.1, AvgWin: 10, AvgLoss: 100}
	f := HalfKellyFraction(h)
	assert.Equal(t, 0.0, f)
}

func TestHalfKellyFraction_ZeroAvgWin(t *testing.T) {
	h := HistoricalStats{TotalTrades: 50, WinRate: 0.5, AvgWin: 0, AvgLoss: 10}
	assert.Equal(t, 0.0, HalfKellyFraction(h))
}

func TestVolatilityMultiplier(t *testing.T) {
	assert.Equal(t, 1.2, VolatilityMultiplier(0.01))
	assert.Equal(t, 1.0, VolatilityMultiplier(0.03))
	assert.Equal(t, 0.7, VolatilityMultiplier(0.08))
}

func TestSize_NoHistoryFallsBackToSizedFromSL(t *testing.T) {
	result := Size(SizingInput{
		Balance:          10000,
		RiskPerTradePct:  0.02,
		StopLossPct:      0.02,
		Confidence:       1.0,
		Volatility20:     0.03,
		HaveHistoricalUS: false,
	})
	require.False(t, result.UsedKelly)
	// sizedFromSL = (10000*0.02)/0.02 = 10000, capped at 25% of balance = 2500
	assert.InDelta(t, 2500, result.FinalUSD, 0.01)
}

func TestSize_UsesKellyWhenSufficientHistory(t *testing.T) {
	result := Size(SizingInput{
		Balance:         10000,
		RiskPerTradePct: 0.02,
		StopLossPct:     0.02,
		Confidence:      1.0,
		Volatility20:    0.03,
		Historical: HistoricalStats{
			TotalTrades: 30, Wins: 18, WinRate: 0.6, AvgWin: 50, AvgLoss: 30,
		},
		HaveHistoricalUS: true,
	})
	assert.True(t, result.UsedKelly)
	assert.Greater(t, result.KellySize, 0.0)
}

func TestSize_RespectsMaxPositionUSD(t *testing.T) {
	result := Size(SizingInput{
		Balance:          100000,
		RiskPerTradePct:  0.05,
		StopLossPct:      0.01,
		MaxPositionUSD:   500,
		Confidence:       1.0,
		Volatility20:     0.01,
		HaveHistoricalUS: false,
	})
	assert.LessOrEqual(t, result.FinalUSD, 500.0)
}

func TestSize_NeverNegative(t *testing.T) {
	result := Size(SizingInput{
		Balance:         1000,
		RiskPerTradePct: 0.02,
		StopLossPct:     0,
		Confidence:      0.5,
		Volatility20:    0.03,
	})
	assert.GreaterOrEqual(t, result.FinalUSD, 0.0)
}

func TestDynamicSLTP_TrendingLong(t *testing.T) {
	sl, tp := DynamicSLTP(domain.SideLong, 100, 2.0, RegimeTrendingBull, 0.05)
	// sl distance = min(1.5*2=3, 100*0.05=5) = 3 -> sl=97
	assert.InDelta(t, 97, sl, 0.001)
	// tp distance = 3.0*2=6 -> rr = 6/3 = 2 >= 1.5, no widening -> tp=106
	assert.InDelta(t, 106, tp, 0.001)
}

func TestDynamicSLTP_ShortSideInvertsSigns(t *testing.T) {
	sl, tp := DynamicSLTP(domain.SideShort, 100, 2.0, RegimeTrendingBull, 0.05)
	assert.InDelta(t, 103, sl, 0.001)
	assert.InDelta(t, 94, tp, 0.001)
}

func TestDynamicSLTP_WidensToMeetMinRiskReward(t *testing.T) {
	// sideways: sl mult=2.0, tp mult=2.0 -> rr would be 1.0, below 1.5, so TP widens.
	sl, tp := DynamicSLTP(domain.SideLong, 100, 1.0, RegimeSideways, 0.05)
	slDistance := 100 - sl
	tpDistance := tp - 100
	assert.InDelta(t, slDistance*minRiskReward, tpDistance, 0.001)
}

func TestDynamicSLTP_TPHardCap(t *testing.T) {
	// Large ATR forces TP widening past the 10% hard cap.
	sl, tp := DynamicSLTP(domain.SideLong, 100, 10.0, RegimeSideways, 0.5)
	tpDistance := tp - 100
	assert.LessOrEqual(t, tpDistance, 100*tpHardCapPct+0.001)
	_ = sl
}

func TestDynamicSLTP_MaxSLPctCapsDistance(t *testing.T) {
	sl, _ := DynamicSLTP(domain.SideLong, 100, 10.0, RegimeTrendingBull, 0.02)
	assert.InDelta(t, 98, sl, 0.001)
}

func TestManagerEvaluate_ProducesPlan(t *testing.T) {
	candles := trendingCandles(60, 100, 1.0)
	mgr := NewManager()
	plan := mgr.Evaluate(ManagerInput{
		Side:            domain.SideLong,
		Entry:           candles[len(candles)-1].Close,
		HourlyCandles:   candles,
		Balance:         10000,
		RiskPerTradePct: 0.02,
		MaxSLPct:        0.05,
		Confidence:      0.8,
	})
	assert.Equal(t, RegimeTrendingBull, plan.Regime)
	assert.Greater(t, plan.ATR, 0.0)
	assert.Greater(t, plan.StopLoss, 0.0)
	assert.Greater(t, plan.TakeProfit, plan.StopLoss)
	assert.GreaterOrEqual(t, plan.Sizing.FinalUSD, 0.0)
}

func TestADX_InsufficientHistoryReturnsZero(t *testing.T) {
	assert.Equal(t, 0.0, ADX(flatCandles(10, 100), AdxPeriod))
}

func TestRealizedVolatility24h_Empty(t *testing.T) {
	assert.Equal(t, 0.0, RealizedVolatility24h(nil))
}

package risk

import "math"

// EMA computes the exponential moving average over the full candle series
// for the given period, seeding with a simple-moving-average of the first
// `period` closes exactly as the teacher's calculateEMA does.
func EMA(candles []Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
	}
	return ema
}

// MACD is EMA12 - EMA26, ported directly from calculateMACD.
func MACD(candles []Candle) float64 {
	if len(candles) < 26 {
		return 0
	}
	return EMA(candles, 12) - EMA(candles, 26)
}

// RSI uses Wilder smoothing after an initial plain average, exactly as
// calculateRSI does.
func RSI(candles []Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}
	gains, losses := 0.0, 0.0
	for i := 1; i <= period; i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses += -change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)

	for i := period + 1; i < len(candles); i++ {
		change := candles[i].Close - candles[i-1].Close
		if change > 0 {
			avgGain = (avgGain*float64(period-1) + change) / float64(period)
			avgLoss = (avgLoss * float64(period-1)) / float64(period)
		} else {
			avgGain = (avgGain * float64(period-1)) / float64(period)
			avgLoss = (avgLoss*float64(period-1) + (-change)) / float64(period)
		}
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// ATR is the Wilder-smoothed average true range, ported from
// calculateATR.
func ATR(candles []Candle, period int) float64 {
	if len(candles) <= period {
		return 0
	}
	trs := make([]float64, len(candles))
	for i := 1; i < len(candles); i++ {
		high := candles[i].High
		low := candles[i].Low
		prevClose := candles[i-1].Close
		tr1 := high - low
		tr2 := math.Abs(high - prevClose)
		tr3 := math.Abs(low - prevClose)
		trs[i] = math.Max(tr1, math.Max(tr2, tr3))
	}

	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += trs[i]
	}
	atr := sum / float64(period)

	for i := period + 1; i < len(candles); i++ {
		atr = (atr*float64(period-1) + trs[i]) / float64(period)
	}
	return atr
}

// directionalMovement computes the raw +DM/-DM/TR series used by ADX.
func directionalMovement(candles []Candle) (plusDM, minusDM, tr []float64) {
	n := len(candles)
	plusDM = make([]float64, n)
	minusDM = make([]float64, n)
	tr = make([]float64, n)
	for i := 1; i < n; i++ {
		upMove := candles[i].High - candles[i-1].High
		downMove := candles[i-1].Low - candles[i].Low
		if upMove > downMove && upMove > 0 {
			plusDM[i] = upMove
		}
		if downMove > upMove && downMove > 0 {
			minusDM[i] = downMove
		}
		tr1 := candles[i].High - candles[i].Low
		tr2 := math.Abs(candles[i].High - candles[i-1].Close)
		tr3 := math.Abs(candles[i].Low - candles[i-1].Close)
		tr[i] = math.Max(tr1, math.Max(tr2, tr3))
	}
	return
}

// wilderSmooth applies the same recursive smoothing ATR uses, generalized
// to any raw series (+DM, -DM, TR all share it in the classical ADX
// derivation).
func wilderSmooth(raw []float64, period int) []float64 {
	n := len(raw)
	smoothed := make([]float64, n)
	if n <= period {
		return smoothed
	}
	sum := 0.0
	for i := 1; i <= period; i++ {
		sum += raw[i]
	}
	smoothed[period] = sum
	for i := period + 1; i < n; i++ {
		smoothed[i] = smoothed[i-1] - smoothed[i-1]/float64(period) + raw[i]
	}
	return smoothed
}

// ADX is the Wilder Average Directional Index over the given period
// (spec.md §4.4 uses 14). Returns 0 if there is not enough history.
func ADX(candles []Candle, period int) float64 {
	if len(candles) <= period*2 {
		return 0
	}
	plusDM, minusDM, tr := directionalMovement(candles)
	smoothPlusDM := wilderSmooth(plusDM, period)
	smoothMinusDM := wilderSmooth(minusDM, period)
	smoothTR := wilderSmooth(tr, period)

	n := len(candles)
	dx := make([]float64, n)
	for i := period; i < n; i++ {
		if smoothTR[i] == 0 {
			continue
		}
		plusDI := 100 * smoothPlusDM[i] / smoothTR[i]
		minusDI := 100 * smoothMinusDM[i] / smoothTR[i]
		sum := plusDI + minusDI
		if sum == 0 {
			continue
		}
		dx[i] = 100 * math.Abs(plusDI-minusDI) / sum
	}

	start := period * 2
	if start >= n {
		start = n - 1
	}
	sum := 0.0
	count := 0
	for i := period; i <= start; i++ {
		sum += dx[i]
		count++
	}
	if count == 0 {
		return 0
	}
	adx := sum / float64(count)
	for i := start + 1; i < n; i++ {
		adx = (adx*float64(period-1) + dx[i]) / float64(period)
	}
	return adx
}

// LinearRegressionSlope fits y = a + b*x over the closes (x = index) and
// returns b, used by regime detection to classify trend direction.
func LinearRegressionSlope(candles []Candle) float64 {
	n := len(candles)
	if n < 2 {
		return 0
	}
	var sumX, sumY, sumXY, sumXX float64
	for i, c := range candles {
		x := float64(i)
		y := c.Close
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	nf := float64(n)
	denom := nf*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (nf*sumXY - sumX*sumY) / denom
}

// StdevOverMean is σ/μ of the closes, the realized-volatility figure used
// both by the validator's base gate and by the regime detector.
func StdevOverMean(candles []Candle) float64 {
	vals := closes(candles)
	n := len(vals)
	if n == 0 {
		return 0
	}
	mean := 0.0
	for _, v := range vals {
		mean += v
	}
	mean /= float64(n)
	if mean == 0 {
		return 0
	}
	var variance float64
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(n)
	return math.Sqrt(variance) / mean
}

// RealizedVolatility24h is the stdev/mean ratio over the most recent 24
// one-hour candles, used by the Signal Validator's base gate (spec.md
// §4.3 step 1).
func RealizedVolatility24h(hourlyCandles []Candle) float64 {
	n := len(hourlyCandles)
	if n == 0 {
		return 0
	}
	start := 0
	if n > 24 {
		start = n - 24
	}
	return StdevOverMean(hourlyCandles[start:])
}

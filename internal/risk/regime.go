package risk

// Regime is the market-regime classification spec.md §4.4 defines.
type Regime string

const (
	RegimeTrendingBull Regime = "bull"
	RegimeTrendingBear Regime = "bear"
	RegimeSideways     Regime = "sideways"
	RegimeVolatile     Regime = "volatile"
)

// DefaultRegimeLookback is N in spec.md §4.4.
const DefaultRegimeLookback = 20

// AdxTrendThreshold and VolatileStdevThreshold are the named constants
// spec.md §4.4's regime rule compares against.
const (
	AdxTrendThreshold      = 25.0
	VolatileStdevThreshold = 0.05
	AdxPeriod              = 14
)

// DetectRegime implements spec.md §4.4's regime-detection rule: volatile
// first (it overrides trend), then bull/bear by ADX+slope sign, else
// sideways. σ/μ and the regression slope are taken over the trailing
// DefaultRegimeLookback bars; ADX reads the whole series, so it is 0 (and
// no trend is reported) unless more than 2*AdxPeriod bars are passed.
func DetectRegime(candles []Candle) Regime {
	if len(candles) == 0 {
		return RegimeSideways
	}
	window := candles
	if len(window) > DefaultRegimeLookback {
		window = window[len(window)-DefaultRegimeLookback:]
	}
	sigma := StdevOverMean(window)
	if sigma > VolatileStdevThreshold {
		return RegimeVolatile
	}
	adx := ADX(candles, AdxPeriod)
	slope := LinearRegressionSlope(window)
	if adx > AdxTrendThreshold && slope > 0 {
		return RegimeTrendingBull
	}
	if adx > AdxTrendThreshold && slope < 0 {
		return RegimeTrendingBear
	}
	return RegimeSideways
}

// IsTrending reports whether a regime counts as "trending" for the
// dynamic SL/TP table (spec.md §4.4 treats bull/bear identically there).
func IsTrending(r Regime) bool {
	return r == RegimeTrendingBull || r == RegimeTrendingBear
}

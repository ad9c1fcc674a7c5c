package risk

import "math"

// HistoricalStats is the empirical trade record the Kelly calculation and
// the validator's historical-accuracy step need, pre-aggregated by the
// caller from the trades table.
type HistoricalStats struct {
	TotalTrades int
	Wins        int
	WinRate     float64 // p
	AvgWin      float64 // W, USD or pct, caller's choice as long as sizing is consistent
	AvgLoss     float64 // L, always positive
}

// SufficientForKelly reports whether there is enough history (≥20 trades,
// spec.md §4.4) and a usable AvgLoss to run the half-Kelly step.
func (h HistoricalStats) SufficientForKelly() bool {
	return h.TotalTrades >= 20 && h.AvgLoss > 0
}

// kellyMin and kellyMax are the clamp bounds spec.md §4.4 step 3 names.
const (
	kellyMin = 0.0
	kellyMax = 0.25
)

// HalfKellyFraction clamps f* to [0, 0.25] and returns half of it (so at
// most 0.125), spec.md §4.4 step 3. Callers must check SufficientForKelly
// first.
func HalfKellyFraction(h HistoricalStats) float64 {
	if h.AvgWin == 0 {
		return 0
	}
	p := h.WinRate
	fStar := (p*h.AvgWin - (1-p)*h.AvgLoss) / h.AvgWin
	if fStar < kellyMin {
		fStar = kellyMin
	}
	if fStar > kellyMax {
		fStar = kellyMax
	}
	return fStar / 2
}

// VolatilityMultiplier is spec.md §4.4 step 4: boosted in calm markets,
// dampened in turbulent ones.
func VolatilityMultiplier(sigma float64) float64 {
	switch {
	case sigma < 0.02:
		return 1.2
	case sigma > 0.05:
		return 0.7
	default:
		return 1.0
	}
}

// SizingInput bundles every input spec.md §4.4's sizing algorithm needs.
type SizingInput struct {
	Balance          float64
	RiskPerTradePct  float64
	StopLossPct      float64
	MaxPositionUSD   float64 // 0 means "no explicit cap"
	Confidence       float64
	Volatility20     float64 // σ over 20 periods
	Historical       HistoricalStats
	HaveHistoricalUS bool // true iff ≥20 trades exist for (user, symbol), independent of Kelly's own avgLoss check
}

// SizingResult is the USD notional to request from the broker, plus the
// intermediate figures for observability/testing.
type SizingResult struct {
	SizedFromSL   float64
	KellySize     float64
	UsedKelly     bool
	VolMultiplier float64
	FinalUSD      float64
}

// Size implements spec.md §4.4's full position-sizing algorithm: base →
// sized_from_sl → optional half-Kelly → volatility multiplier →
// confidence scaling → caps.
func Size(in SizingInput) SizingResult {
	base := in.Balance * in.RiskPerTradePct
	var sizedFromSL float64
	if in.StopLossPct > 0 {
		sizedFromSL = base / in.StopLossPct
	}

	result := SizingResult{SizedFromSL: sizedFromSL}

	useKelly := in.HaveHistoricalUS && in.Historical.SufficientForKelly()
	var kellySize float64
	if useKelly {
		f := HalfKellyFraction(in.Historical)
		kellySize = in.Balance * f
		result.KellySize = kellySize
		result.UsedKelly = true
	}

	volMult := VolatilityMultiplier(in.Volatility20)
	result.VolMultiplier = volMult

	// "min(sized_from_sl, kelly_size?)" — if Kelly was skipped, fall back
	// to sized_from_sl alone (spec.md §4.4 ties/edge cases).
	riskBasis := sizedFromSL
	if useKelly {
		riskBasis = math.Min(sizedFromSL, kellySize)
	}

	sizeAfterMults := riskBasis * volMult * in.Confidence

	capBalance := 0.25 * in.Balance
	cap := capBalance
	if in.MaxPositionUSD > 0 && in.MaxPositionUSD < cap {
		cap = in.MaxPositionUSD
	}
	if sizeAfterMults < cap {
		cap = sizeAfterMults
	}
	if cap < 0 {
		cap = 0
	}
	result.FinalUSD = cap
	return result
}

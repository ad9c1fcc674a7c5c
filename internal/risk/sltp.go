package risk

import "github.com/poorman/tradecore/internal/domain"

// atrMultipliers is the per-regime SL/TP table from spec.md §4.4.
type atrMultipliers struct {
	sl, tp float64
}

func multipliersFor(regime Regime) atrMultipliers {
	switch regime {
	case RegimeTrendingBull, RegimeTrendingBear:
		return atrMultipliers{sl: 1.5, tp: 3.0}
	case RegimeVolatile:
		return atrMultipliers{sl: 2.5, tp: 2.5}
	default: // sideways
		return atrMultipliers{sl: 2.0, tp: 2.0}
	}
}

// minRiskReward and tpHardCapPct are the named constants spec.md §4.4's
// dynamic SL/TP rule enforces.
const (
	minRiskReward = 1.5
	tpHardCapPct  = 0.10
)

// DynamicSLTP computes stop-loss and take-profit prices for a new
// position, following spec.md §4.4: ATR distances by regime, capped by
// the user's configured maximum SL distance, then widened (up to a 10%
// hard cap) until the risk:reward ratio is at least 1:1.5.
func DynamicSLTP(side domain.Side, entry, atr float64, regime Regime, maxSLPct float64) (sl, tp float64) {
	m := multipliersFor(regime)
	sign := float64(domain.SideSign(side))

	slDistance := m.sl * atr
	maxSLDistance := entry * maxSLPct
	if maxSLPct > 0 && slDistance > maxSLDistance {
		slDistance = maxSLDistance
	}
	sl = entry - sign*slDistance

	tpDistance := m.tp * atr
	tp = entry + sign*tpDistance

	// Enforce minimum 1:1.5 risk:reward by widening TP, capped at 10%.
	if slDistance > 0 {
		rr := tpDistance / slDistance
		if rr < minRiskReward {
			tpDistance = slDistance * minRiskReward
			maxTPDistance := entry * tpHardCapPct
			if tpDistance > maxTPDistance {
				tpDistance = maxTPDistance
			}
			tp = entry + sign*tpDistance
		}
	}
	return sl, tp
}

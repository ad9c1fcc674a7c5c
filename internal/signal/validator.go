package signal

import (
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/risk"
)

// baseMinThreshold and highVolCap are spec.md §4.3 step 1's named
// constants.
const (
	baseMinThreshold  = 0.35
	highVolCap        = 0.65
	highVolPctTrigger = 0.05

	historicalMinTrades  = 20
	historicalAccuracyLo = 0.4
	historicalPenalty    = 0.8

	consensusMinOthers  = 2
	consensusMultiplier = 1.2

	regimeOpposingAdj = 0.1
	regimeVolatileAdj = 0.05
)

// HistoricalAccuracy is the pre-aggregated accuracy figure the caller
// computes from the trades table; the Auto-Trader aggregates it per
// (user, symbol), without regard to signal source.
type HistoricalAccuracy struct {
	TotalTrades int
	Wins        int
}

func (h HistoricalAccuracy) sufficient() bool {
	return h.TotalTrades >= historicalMinTrades
}

func (h HistoricalAccuracy) rate() float64 {
	if h.TotalTrades == 0 {
		return 0
	}
	return float64(h.Wins) / float64(h.TotalTrades)
}

// ValidationContext bundles the collaborators the five-step algorithm
// needs beyond the signal itself, assembled by the Auto-Trader so the
// validator stays a pure function with no store dependency.
type ValidationContext struct {
	RealizedVolatility24h float64
	Historical            HistoricalAccuracy
	OtherUnexpiredSameDir int // count of other unexpired signals on (symbol, action)
	Regime                risk.Regime
}

// Verdict is the validator's output: spec.md §4.3's (accept, score, reasons)
// triple.
type Verdict struct {
	Accept    bool
	Score     float64
	Threshold float64
	Reasons   []string
}

// Validate runs spec.md §4.3's five-step algorithm against one
// deduplicated signal.
func Validate(sig domain.Signal, ctx ValidationContext) Verdict {
	reasons := make([]string, 0, 5)
	threshold := baseMinThreshold
	if ctx.RealizedVolatility24h > highVolPctTrigger {
		threshold = highVolCap
		reasons = append(reasons, "high_volatility_threshold_cap")
	}

	// Step 1: base gate.
	if sig.Confidence < threshold {
		reasons = append(reasons, "base_confidence_below_threshold")
		return Verdict{Accept: false, Score: sig.Confidence, Threshold: threshold, Reasons: reasons}
	}

	score := sig.Confidence

	// Step 2: historical accuracy.
	if ctx.Historical.sufficient() {
		accuracy := ctx.Historical.rate()
		if accuracy < historicalAccuracyLo {
			score *= historicalPenalty
			reasons = append(reasons, "historical_accuracy_penalty")
		}
	}

	// Step 3: consensus.
	if ctx.OtherUnexpiredSameDir >= consensusMinOthers {
		score *= consensusMultiplier
		if score > 1.0 {
			score = 1.0
		}
		reasons = append(reasons, "consensus_boost")
	}

	// Step 4: regime adjustment.
	opposing := (ctx.Regime == risk.RegimeTrendingBear && sig.Action == domain.ActionBuy) ||
		(ctx.Regime == risk.RegimeTrendingBull && sig.Action == domain.ActionSell)
	if opposing {
		threshold += regimeOpposingAdj
		reasons = append(reasons, "regime_opposing_trend")
	}
	if ctx.Regime == risk.RegimeVolatile {
		threshold += regimeVolatileAdj
		reasons = append(reasons, "regime_volatile_adjustment")
	}

	// Step 5: final decision.
	accept := score >= threshold
	if accept {
		reasons = append(reasons, "accepted")
	} else {
		reasons = append(reasons, "score_below_adjusted_threshold")
	}
	return Verdict{Accept: accept, Score: score, Threshold: threshold, Reasons: reasons}
}

// Package portfolio implements the Portfolio Manager (spec.md §4.5): a
// pure function over a proposed order and the current book that either
// rejects it outright or returns a down-scaling multiplier. It never
// calls the broker, grounded on other_examples' risk-gate.go CanEnter
// size-down/reject ladder.
package portfolio

import (
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

const (
	singlePositionCap    = 0.25
	stablecoinReserveMin = 0.10
	stablecoinShortfallMultiplier = 0.5
	hhiConcentrationLimit = 0.7
	hhiExcessMultiplier   = 0.8
)

// OpenExposure is one existing open position's notional, pre-aggregated
// by the caller from the live position book.
type OpenExposure struct {
	Symbol         string
	NotionalUSD    decimal.Decimal
}

// Request is a proposed new order awaiting a portfolio-level check.
type Request struct {
	Symbol         string
	Side           domain.Side
	ProposedUSD    decimal.Decimal
	EquityUSD      decimal.Decimal
	StablecoinUSD  decimal.Decimal
	OpenPositions  []OpenExposure
}

// Decision is the Portfolio Manager's verdict: execute or not, and a
// multiplier in [0,1] to apply to the proposed size.
type Decision struct {
	Execute        bool
	SizeMultiplier float64
	Reasons        []string
}

// Evaluate runs spec.md §4.5's hard-limit and down-scale ladder. Every
// rule that fires appends a reason. The single-position and category caps
// each propose a scale factor and the smaller one wins; the stablecoin
// and concentration rules then multiply that result. Only a zero
// resulting multiplier rejects the order outright.
func Evaluate(req Request) Decision {
	reasons := make([]string, 0, 4)
	multiplier := 1.0

	if req.EquityUSD.IsZero() || req.EquityUSD.IsNegative() {
		return Decision{Execute: false, SizeMultiplier: 0, Reasons: []string{"zero_or_negative_equity"}}
	}
	equity, _ := req.EquityUSD.Float64()
	proposed, _ := req.ProposedUSD.Float64()

	// Single position ≤ 25% of equity.
	maxSingle := singlePositionCap * equity
	if proposed > maxSingle && proposed > 0 {
		scaled := maxSingle / proposed
		if scaled < multiplier {
			multiplier = scaled
		}
		reasons = append(reasons, "single_position_cap_scaledown")
	}

	// Category exposure cap, including the proposed order's own category.
	category := domain.ClassifySymbol(req.Symbol)
	cap := domain.CategoryCap(category)
	categoryNotional := proposed
	for _, p := range req.OpenPositions {
		if domain.ClassifySymbol(p.Symbol) == category {
			v, _ := p.NotionalUSD.Float64()
			categoryNotional += v
		}
	}
	maxCategory := cap * equity
	if categoryNotional > maxCategory && categoryNotional > 0 {
		// Scale the proposed order down by the fraction of the cap it
		// would consume beyond what existing positions already occupy.
		existingCategory := categoryNotional - proposed
		remaining := maxCategory - existingCategory
		if remaining < 0 {
			remaining = 0
		}
		var scaled float64
		if proposed > 0 {
			scaled = remaining / proposed
		}
		if scaled < 0 {
			scaled = 0
		}
		if scaled < multiplier {
			multiplier = scaled
		}
		reasons = append(reasons, "category_exposure_cap_scaledown")
	}

	// Stablecoin reserve ≥ 10% of equity.
	stable, _ := req.StablecoinUSD.Float64()
	if stable < stablecoinReserveMin*equity {
		multiplier *= stablecoinShortfallMultiplier
		reasons = append(reasons, "stablecoin_reserve_shortfall")
	}

	// HHI concentration index of the existing book: an already-concentrated
	// portfolio dampens any further addition, regardless of its symbol.
	hhi := herfindahl(req.OpenPositions)
	if hhi > hhiConcentrationLimit {
		multiplier *= hhiExcessMultiplier
		reasons = append(reasons, "concentration_index_exceeded")
	}

	if multiplier < 0 {
		multiplier = 0
	}
	if multiplier > 1 {
		multiplier = 1
	}

	execute := multiplier > 0
	if !execute {
		reasons = append(reasons, "size_multiplier_zero")
	}
	return Decision{Execute: execute, SizeMultiplier: multiplier, Reasons: reasons}
}

// herfindahl computes the HHI of the existing open-position notionals.
func herfindahl(open []OpenExposure) float64 {
	totals := make(map[string]float64, len(open))
	var sum float64
	for _, p := range open {
		v, _ := p.NotionalUSD.Float64()
		totals[p.Symbol] += v
		sum += v
	}
	if sum <= 0 {
		return 0
	}
	var hhi float64
	for _, v := range totals {
		share := v / sum
		hhi += share * share
	}
	return hhi
}

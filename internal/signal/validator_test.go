package signal

import (
	"testing"

	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/risk"
	"github.com/stretchr/testify/assert"
)

func TestValidate_RejectsBelowBaseThreshold(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.2}
	v := Validate(sig, ValidationContext{})
	assert.False(t, v.Accept)
	assert.Contains(t, v.Reasons, "base_confidence_below_threshold")
}

func TestValidate_HighVolatilityRaisesThresholdTo65(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.5}
	v := Validate(sig, ValidationContext{RealizedVolatility24h: 0.08})
	assert.False(t, v.Accept)
	assert.Equal(t, highVolCap, v.Threshold)
}

func TestValidate_AcceptsAboveBaseThreshold(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.5}
	v := Validate(sig, ValidationContext{})
	assert.True(t, v.Accept)
	assert.InDelta(t, 0.5, v.Score, 0.0001)
}

func TestValidate_PoorHistoricalAccuracyPenalizesScore(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.5}
	v := Validate(sig, ValidationContext{
		Historical: HistoricalAccuracy{TotalTrades: 25, Wins: 5}, // 20% accuracy
	})
	assert.InDelta(t, 0.4, v.Score, 0.0001)
	assert.Contains(t, v.Reasons, "historical_accuracy_penalty")
	assert.True(t, v.Accept) // 0.4 >= 0.35
}

func TestValidate_InsufficientHistoricalTradesSkipsPenalty(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.5}
	v := Validate(sig, ValidationContext{
		Historical: HistoricalAccuracy{TotalTrades: 5, Wins: 0},
	})
	assert.NotContains(t, v.Reasons, "historical_accuracy_penalty")
	assert.InDelta(t, 0.5, v.Score, 0.0001)
}

func TestValidate_ConsensusBoostClampedToOne(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.9}
	v := Validate(sig, ValidationContext{OtherUnexpiredSameDir: 3})
	assert.LessOrEqual(t, v.Score, 1.0)
	assert.Contains(t, v.Reasons, "consensus_boost")
}

func TestValidate_BearRegimeRaisesThresholdForBuy(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.4}
	v := Validate(sig, ValidationContext{Regime: risk.RegimeTrendingBear})
	assert.Contains(t, v.Reasons, "regime_opposing_trend")
	assert.InDelta(t, 0.45, v.Threshold, 0.0001)
	assert.False(t, v.Accept)
}

func TestValidate_BullRegimeDoesNotPenalizeBuy(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.4}
	v := Validate(sig, ValidationContext{Regime: risk.RegimeTrendingBull})
	assert.NotContains(t, v.Reasons, "regime_opposing_trend")
	assert.True(t, v.Accept)
}

func TestValidate_VolatileRegimeAddsSmallerAdjustment(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionBuy, Confidence: 0.38}
	v := Validate(sig, ValidationContext{Regime: risk.RegimeVolatile})
	assert.InDelta(t, 0.40, v.Threshold, 0.0001)
	assert.Contains(t, v.Reasons, "regime_volatile_adjustment")
}

func TestValidate_SellActionOpposingBullRegime(t *testing.T) {
	sig := domain.Signal{Action: domain.ActionSell, Confidence: 0.4}
	v := Validate(sig, ValidationContext{Regime: risk.RegimeTrendingBull})
	assert.Contains(t, v.Reasons, "regime_opposing_trend")
	assert.False(t, v.Accept)
}

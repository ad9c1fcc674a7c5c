package monitor

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/alert"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/telemetry"
)

// liquidationState is computed once per tick and shared by every position's
// evaluation, since margin level is an account-wide figure, not a
// per-position one.
type liquidationState struct {
	emergencyClose bool
	marginLevelPct float64
}

// evaluatePosition runs the fixed order spec.md §4.7 mandates for one
// position: stop loss, take profit, trailing stop, partial take-profit,
// time exit, liquidation, persist. The first check that closes the
// position short-circuits the rest.
func (m *Monitor) evaluatePosition(ctx context.Context, p *domain.Position, liq liquidationState) {
	price, ok := m.priceFor(ctx, p.Symbol)
	if !ok {
		return
	}

	if m.checkStopLoss(ctx, p, price) {
		m.persist(p)
		return
	}
	if m.checkTakeProfit(ctx, p, price) {
		m.persist(p)
		return
	}

	m.updateTrailing(p, price)
	if m.checkTrailingStop(ctx, p, price) {
		m.persist(p)
		return
	}

	if m.checkPartialTP(ctx, p, price) {
		m.persist(p)
		return
	}

	if m.checkTimeExit(ctx, p, price, time.Now()) {
		m.persist(p)
		return
	}

	if liq.emergencyClose {
		// computeLiquidationState already emitted the single account-level
		// critical alert for this breach; do not alert again per position.
		m.closePosition(ctx, p, price, domain.CloseLiquidation)
	}

	m.persist(p)
}

func slHit(side domain.Side, price, sl decimal.Decimal) bool {
	if side == domain.SideLong {
		return price.LessThanOrEqual(sl)
	}
	return price.GreaterThanOrEqual(sl)
}

func tpHit(side domain.Side, price, tp decimal.Decimal) bool {
	if side == domain.SideLong {
		return price.GreaterThanOrEqual(tp)
	}
	return price.LessThanOrEqual(tp)
}

func (m *Monitor) checkStopLoss(ctx context.Context, p *domain.Position, price decimal.Decimal) bool {
	if p.StopLoss.IsZero() || !slHit(p.Side, price, p.StopLoss) {
		return false
	}
	m.closePosition(ctx, p, price, domain.CloseStopLoss)
	return true
}

func (m *Monitor) checkTakeProfit(ctx context.Context, p *domain.Position, price decimal.Decimal) bool {
	if p.TakeProfit.IsZero() || !tpHit(p.Side, price, p.TakeProfit) {
		return false
	}
	m.closePosition(ctx, p, price, domain.CloseTakeProfit)
	return true
}

// updateTrailing implements the one-way ratchet: activate once profit
// crosses TrailingActivation, then only ever tighten as the peak improves.
// Grounded on koshedutech's TrailingStopManager high/low-water-mark logic,
// generalized from float64 to decimal.
func (m *Monitor) updateTrailing(p *domain.Position, price decimal.Decimal) {
	if !m.deps.Settings.TrailingEnabled {
		return
	}
	sign := domain.SideSign(p.Side)

	if p.PeakPrice == nil {
		peak := p.EntryPrice
		p.PeakPrice = &peak
	}
	improved := false
	if sign == 1 && price.GreaterThan(*p.PeakPrice) {
		p.PeakPrice = decimalPtr(price)
		improved = true
	} else if sign == -1 && price.LessThan(*p.PeakPrice) {
		p.PeakPrice = decimalPtr(price)
		improved = true
	}

	if !p.TrailingActivated {
		profitPct := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(int64(sign)))
		if profitPct.GreaterThanOrEqual(decimal.NewFromFloat(m.deps.Config.TrailingActivation)) {
			p.TrailingActivated = true
			p.MarkDirty()
		}
	}

	if !p.TrailingActivated || !improved {
		return
	}

	distance := p.PeakPrice.Mul(decimal.NewFromFloat(m.deps.Config.TrailingDistance))
	var candidate decimal.Decimal
	if sign == 1 {
		candidate = p.PeakPrice.Sub(distance)
	} else {
		candidate = p.PeakPrice.Add(distance)
	}

	current := p.TrailingSL
	if current == nil {
		current = &p.StopLoss
	}
	better := (sign == 1 && candidate.GreaterThan(*current)) || (sign == -1 && candidate.LessThan(*current))
	if !better {
		return
	}
	old := *current
	p.TrailingSL = decimalPtr(candidate)
	m.recordReEval(p, "trailing_stop", old, candidate, p.TakeProfit, p.TakeProfit, "peak price improved")
	p.MarkDirty()
}

func (m *Monitor) checkTrailingStop(ctx context.Context, p *domain.Position, price decimal.Decimal) bool {
	if p.TrailingSL == nil {
		return false
	}
	if !slHit(p.Side, price, *p.TrailingSL) {
		return false
	}
	m.closePosition(ctx, p, price, domain.CloseTrailingStop)
	return true
}

// checkPartialTP walks the three-rung ladder against the position's
// original quantity, taking each rung at most once, moving the stop to
// break-even on every fill, and never trimming below the residual floor.
// It reports true if a rung escalated into a full close, so the caller
// stops evaluating this position any further this tick.
func (m *Monitor) checkPartialTP(ctx context.Context, p *domain.Position, price decimal.Decimal) bool {
	if !m.deps.Settings.PartialTPEnabled {
		return false
	}
	sign := domain.SideSign(p.Side)
	profitPct := price.Sub(p.EntryPrice).Div(p.EntryPrice).Mul(decimal.NewFromInt(int64(sign)))

	for level, rung := range m.deps.Config.PartialTPLevels {
		if p.PartialTPTaken[level] {
			continue
		}
		if profitPct.LessThan(decimal.NewFromFloat(rung.TargetPct)) {
			continue
		}

		floor := p.OriginalQuantity.Mul(decimal.NewFromFloat(m.deps.Config.PartialTPResidualFloor))
		targetRemaining := p.OriginalQuantity.Mul(decimal.NewFromFloat(1 - rung.Fraction))
		if targetRemaining.LessThan(floor) {
			// The rung's trim would leave less than the residual floor
			// behind; escalate to a full close instead of partially
			// filling below the floor.
			m.deps.Log.Info().Str("symbol", p.Symbol).Int("level", level).
				Msg("partial tp rung would breach residual floor, closing in full")
			m.closePosition(ctx, p, price, domain.CloseTakeProfit)
			return true
		}
		closeQty := p.Quantity.Sub(targetRemaining)
		if closeQty.LessThanOrEqual(decimal.Zero) {
			p.PartialTPTaken[level] = true
			continue
		}

		order, err := m.deps.Broker.PartialClose(ctx, p.Symbol, closeQty)
		if err != nil {
			m.deps.Log.Warn().Err(err).Str("symbol", p.Symbol).Int("level", level).Msg("partial close failed")
			continue
		}

		realized := order.Price.Sub(p.EntryPrice).Mul(closeQty).Mul(decimal.NewFromInt(int64(sign)))
		pnlPct := decimal.Zero
		if !p.EntryPrice.IsZero() {
			pnlPct = realized.Div(p.EntryPrice.Mul(closeQty)).Mul(decimal.NewFromInt(100))
		}
		trade := domain.Trade{
			ID: uuid.New(), PositionID: p.ID, UserID: p.UserID, Symbol: p.Symbol, Side: p.Side,
			Quantity: closeQty, EntryPrice: p.EntryPrice, ExitPrice: order.Price,
			RealizedPnL: realized, PnLPct: pnlPct, CloseReason: domain.ClosePartialTP,
			OpenedAt: p.OpenedAt, ClosedAt: time.Now(),
		}
		if err := m.deps.Store.InsertTrade(trade); err != nil {
			m.deps.Log.Warn().Err(err).Msg("partial tp trade insert failed")
		}
		telemetry.RealizedPnL.WithLabelValues(p.UserID.String()).Add(mustFloat(realized))

		p.Quantity = p.Quantity.Sub(closeQty)
		p.PartialTPTaken[level] = true
		m.moveToBreakeven(p)
		p.MarkDirty()

		m.deps.Log.Info().Str("symbol", p.Symbol).Int("level", level).
			Str("qty_closed", closeQty.String()).Msg("partial take-profit filled")
	}
	return false
}

// moveToBreakeven ratchets the plain stop loss, and the trailing stop if
// one is set, to entry price offset by 0.1% in the position's favour
// (above entry for longs, below for shorts), never loosening either.
func (m *Monitor) moveToBreakeven(p *domain.Position) {
	sign := domain.SideSign(p.Side)
	const breakevenOffsetPct = 0.001
	be := p.EntryPrice.Mul(decimal.NewFromFloat(1 + breakevenOffsetPct*float64(sign)))

	if sign == 1 {
		if p.StopLoss.LessThan(be) {
			old := p.StopLoss
			p.StopLoss = be
			m.recordReEval(p, "breakeven_stop", old, be, p.TakeProfit, p.TakeProfit, "partial tp fill")
		}
		if p.TrailingSL != nil && p.TrailingSL.LessThan(be) {
			p.TrailingSL = decimalPtr(be)
		}
	} else {
		if p.StopLoss.GreaterThan(be) {
			old := p.StopLoss
			p.StopLoss = be
			m.recordReEval(p, "breakeven_stop", old, be, p.TakeProfit, p.TakeProfit, "partial tp fill")
		}
		if p.TrailingSL != nil && p.TrailingSL.GreaterThan(be) {
			p.TrailingSL = decimalPtr(be)
		}
	}
}

func (m *Monitor) checkTimeExit(ctx context.Context, p *domain.Position, price decimal.Decimal, now time.Time) bool {
	maxHold := m.deps.Settings.MaxHoldHours
	if maxHold <= 0 {
		return false
	}
	if now.Sub(p.OpenedAt) < time.Duration(maxHold)*time.Hour {
		return false
	}
	m.closePosition(ctx, p, price, domain.CloseTimeExit)
	return true
}

// closePosition fully closes a position at the broker, records the trade
// and marks it CLOSED for the next persist step.
func (m *Monitor) closePosition(ctx context.Context, p *domain.Position, lastPrice decimal.Decimal, reason domain.CloseReason) {
	order, err := m.deps.Broker.ClosePosition(ctx, p.Symbol)
	exitPrice := lastPrice
	if err == nil {
		exitPrice = order.Price
	} else {
		m.deps.Log.Warn().Err(err).Str("symbol", p.Symbol).Msg("broker close failed, recording against last known price")
	}

	sign := domain.SideSign(p.Side)
	realized := exitPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(decimal.NewFromInt(int64(sign)))
	pnlPct := decimal.Zero
	if !p.EntryPrice.IsZero() && !p.Quantity.IsZero() {
		pnlPct = realized.Div(p.EntryPrice.Mul(p.Quantity)).Mul(decimal.NewFromInt(100))
	}

	trade := domain.Trade{
		ID: uuid.New(), PositionID: p.ID, UserID: p.UserID, Symbol: p.Symbol, Side: p.Side,
		Quantity: p.Quantity, EntryPrice: p.EntryPrice, ExitPrice: exitPrice,
		RealizedPnL: realized, PnLPct: pnlPct, CloseReason: reason,
		OpenedAt: p.OpenedAt, ClosedAt: time.Now(),
	}
	if err := m.deps.Store.InsertTrade(trade); err != nil {
		m.deps.Log.Warn().Err(err).Msg("close trade insert failed")
	}

	now := time.Now()
	p.Status = domain.StatusClosed
	p.ClosedAt = &now
	p.MarkDirty()

	telemetry.PositionClosed.WithLabelValues(p.UserID.String(), string(reason)).Inc()
	telemetry.RealizedPnL.WithLabelValues(p.UserID.String()).Add(mustFloat(realized))

	m.deps.Log.Info().Str("symbol", p.Symbol).Str("reason", string(reason)).
		Str("pnl", realized.String()).Msg("position closed")
}

func (m *Monitor) computeLiquidationState(ctx context.Context) liquidationState {
	if m.deps.Settings.Leverage.LessThanOrEqual(decimal.NewFromInt(1)) {
		// Spot-equivalent accounts have no margin to liquidate.
		m.setSizingMultiplier(1.0)
		return liquidationState{}
	}

	bal, err := m.deps.Broker.GetBalance(ctx)
	if err != nil {
		m.deps.Log.Warn().Err(err).Msg("balance fetch failed, skipping liquidation check this tick")
		return liquidationState{}
	}
	if bal.UsedMargin.IsZero() {
		m.setSizingMultiplier(1.0)
		return liquidationState{}
	}

	marginLevel := bal.Equity.Div(bal.UsedMargin).Mul(decimal.NewFromInt(100))
	lvl := mustFloat(marginLevel)

	switch {
	case lvl <= m.deps.Config.LiquidationClosePct:
		m.deps.Alert.Emit(alert.SeverityCritical, "margin level breached liquidation threshold", map[string]any{
			"user_id": m.deps.UserID.String(), "margin_level_pct": lvl,
		})
		return liquidationState{emergencyClose: true, marginLevelPct: lvl}
	case lvl <= m.deps.Config.LiquidationWarnPct:
		m.setSizingMultiplier(0.5)
		m.deps.Alert.Emit(alert.SeverityWarning, "margin level low, sizing multiplier set to 0.5", map[string]any{
			"user_id": m.deps.UserID.String(), "margin_level_pct": lvl,
		})
		return liquidationState{marginLevelPct: lvl}
	default:
		m.setSizingMultiplier(1.0)
		return liquidationState{marginLevelPct: lvl}
	}
}

func decimalPtr(d decimal.Decimal) *decimal.Decimal { return &d }

func mustFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

// Package trader implements the Auto-Trader cycle driver (spec.md §4.6):
// one instance per user, ticking on a configurable interval, grounded on
// the teacher's trader/auto_trader.go Run/Stop/runCycle structure
// (ticker + stop channel + WaitGroup, immediate first-cycle execution).
package trader

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/alert"
	"github.com/poorman/tradecore/internal/broker"
	"github.com/poorman/tradecore/internal/config"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/portfolio"
	"github.com/poorman/tradecore/internal/risk"
	"github.com/poorman/tradecore/internal/signal"
	"github.com/poorman/tradecore/internal/telemetry"
)

// PositionStore is the subset of the durable store the Auto-Trader
// needs, kept narrow so this package never depends on the concrete
// sqlite type.
type PositionStore interface {
	LoadOpenPositions(userID uuid.UUID) ([]*domain.Position, error)
	UpsertPosition(p *domain.Position) error
	HistoricalStats(userID uuid.UUID, symbol string) (total, wins int, avgWin, avgLoss float64, err error)
	CountUnexpiredSameDirection(excludeID uuid.UUID, symbol string, action domain.Action, now time.Time) (int, error)
}

// CandleSource fetches the 1h candle history the Risk Manager and Signal
// Validator both read; implementations typically wrap a broker's kline
// endpoint or a dedicated market-data client.
type CandleSource interface {
	HourlyCandles(ctx context.Context, symbol string, lookback int) ([]risk.Candle, error)
}

// EconomicCalendar is the pre-flight macro-event gate spec.md §4.6 names.
type EconomicCalendar interface {
	HighImpactEventNear(now time.Time, before, after time.Duration) bool
}

// NoCalendar is the default collaborator when no economic-calendar feed
// is configured: it never blocks a cycle.
type NoCalendar struct{}

func (NoCalendar) HighImpactEventNear(time.Time, time.Duration, time.Duration) bool { return false }

// PositionNotifier is how the Auto-Trader tells the Position Monitor
// about a newly opened position without either package importing the
// other's concrete type.
type PositionNotifier interface {
	NotifyOpened(p *domain.Position)
}

// Deps bundles every collaborator one user's Trader needs.
type Deps struct {
	UserID     uuid.UUID
	Broker     broker.Broker
	Store      PositionStore
	Signals    *signal.Reader
	Candles    CandleSource
	Calendar   EconomicCalendar
	Limiter    *RateLimiter
	Notifier   PositionNotifier
	Settings   domain.TradingSettings
	Config     config.Settings
	Log        zerolog.Logger
	Alert      alert.Sink
	Hedging    bool
}

// Trader runs one user's periodic cycle.
type Trader struct {
	deps    Deps
	risk    *risk.Manager
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(deps Deps) *Trader {
	if deps.Calendar == nil {
		deps.Calendar = NoCalendar{}
	}
	return &Trader{deps: deps, risk: risk.NewManager()}
}

// Run ticks every CycleInterval until Stop is called, executing one
// cycle immediately on start (teacher's Run idiom).
func (t *Trader) Run() {
	t.running = true
	t.stopCh = make(chan struct{})
	t.wg.Add(1)
	defer t.wg.Done()

	if err := t.RunCycle(context.Background()); err != nil {
		t.deps.Log.Error().Err(err).Msg("initial trading cycle failed")
	}

	ticker := time.NewTicker(t.deps.Config.CycleInterval())
	defer ticker.Stop()

	for t.running {
		select {
		case <-ticker.C:
			if err := t.RunCycle(context.Background()); err != nil {
				t.deps.Log.Error().Err(err).Msg("trading cycle failed")
			}
		case <-t.stopCh:
			return
		}
	}
}

// Stop interrupts the sleep between cycles and waits for any in-flight
// cycle to return before returning itself.
func (t *Trader) Stop() {
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	t.wg.Wait()
}

// RunCycle executes spec.md §4.6 steps 1-4 for one user. Step 5 (sleep)
// is the caller's responsibility (Run's ticker, or a test calling this
// directly).
func (t *Trader) RunCycle(ctx context.Context) error {
	start := time.Now()
	userID := t.deps.UserID
	timer := telemetry.CycleDuration.WithLabelValues(userID.String())
	defer func() { timer.Observe(time.Since(start).Seconds()) }()

	t.deps.Limiter.ResetCycle(userID)
	now := time.Now()

	// Step 1: pre-flight gates.
	if t.deps.Calendar.HighImpactEventNear(now,
		time.Duration(t.deps.Config.CalendarGuardBeforeMin)*time.Minute,
		time.Duration(t.deps.Config.CalendarGuardAfterMin)*time.Minute) {
		t.deps.Log.Info().Msg("skipping cycle: high-impact macro event in guard window")
		return nil
	}

	// Step 2: fetch and dedupe signals.
	candidates, err := t.deps.Signals.Fetch(userID, now)
	if err != nil {
		return fmt.Errorf("fetch signals: %w", err)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	// Step 3: reconcile open positions with the broker is handled by the
	// monitor at startup (spec.md §4.8); the cycle driver only needs the
	// current open book to evaluate concurrency and hedging constraints.
	open, err := t.deps.Store.LoadOpenPositions(userID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}

	balance, err := t.deps.Broker.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("get balance: %w", err)
	}

	for _, sig := range candidates {
		if !t.deps.Limiter.Allow(userID, now, t.deps.Config.MaxTradesPerCycle, t.deps.Config.MaxTradesPerHour, t.deps.Config.MaxTradesPerDay) {
			t.deps.Log.Info().Msg("rate limit reached, stopping cycle evaluation")
			break
		}
		if err := t.evaluateSignal(ctx, sig, open, balance); err != nil {
			t.deps.Log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal evaluation failed")
			telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "error").Inc()
			continue
		}
	}
	return nil
}

func (t *Trader) evaluateSignal(ctx context.Context, sig domain.Signal, open []*domain.Position, balance broker.Balance) error {
	userID := t.deps.UserID

	// Step 4a: concurrency cap.
	openCount := 0
	for _, p := range open {
		if p.Status == domain.StatusOpen {
			openCount++
		}
	}
	if openCount >= t.deps.Settings.MaxConcurrentPositions {
		telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "rejected_max_concurrent").Inc()
		return nil
	}

	side := actionToSide(sig.Action)

	// Spot accounts can never hold a short position. Refuse before the
	// broker ever sees the order.
	if t.deps.Broker.Mode() == domain.ModeSpot && side == domain.SideShort {
		t.deps.Log.Error().Str("symbol", sig.Symbol).Msg("refusing short position for spot account")
		telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "rejected_spot_short").Inc()
		return nil
	}

	// Step 4b: opposite-side hedging check.
	if !t.deps.Hedging {
		for _, p := range open {
			if p.Status == domain.StatusOpen && p.Symbol == sig.Symbol && p.Side != side {
				telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "rejected_opposite_side").Inc()
				return nil
			}
		}
	}

	candles, err := t.deps.Candles.HourlyCandles(ctx, sig.Symbol, risk.DefaultRegimeLookback*2)
	if err != nil {
		return fmt.Errorf("fetch candles: %w", err)
	}

	regime := risk.DetectRegime(candles)
	vol := risk.RealizedVolatility24h(candles)

	total, wins, avgWin, avgLoss, err := t.deps.Store.HistoricalStats(userID, sig.Symbol)
	if err != nil {
		return fmt.Errorf("historical stats: %w", err)
	}
	winRate := 0.0
	if total > 0 {
		winRate = float64(wins) / float64(total)
	}
	consensus, err := t.deps.Store.CountUnexpiredSameDirection(sig.ID, sig.Symbol, sig.Action, time.Now())
	if err != nil {
		return fmt.Errorf("consensus lookup: %w", err)
	}

	// Step 4c: validate.
	verdict := signal.Validate(sig, signal.ValidationContext{
		RealizedVolatility24h: vol,
		Historical:            signal.HistoricalAccuracy{TotalTrades: total, Wins: wins},
		OtherUnexpiredSameDir: consensus,
		Regime:                regime,
	})
	if !verdict.Accept {
		telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "rejected_validator").Inc()
		return nil
	}

	price, err := t.deps.Broker.GetMarketPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("get market price: %w", err)
	}
	entry, _ := price.Float64()
	bal, _ := balance.Equity.Float64()

	maxSL, _ := t.deps.Settings.StopLossPct.Float64()
	maxPos, _ := t.deps.Settings.MaxPositionUSD.Float64()
	riskPct, _ := t.deps.Settings.RiskPerTradePct.Float64()

	plan := t.risk.Evaluate(risk.ManagerInput{
		Side:             side,
		Entry:            entry,
		HourlyCandles:    candles,
		Balance:          bal,
		RiskPerTradePct:  riskPct,
		MaxSLPct:         maxSL,
		MaxPositionUSD:   maxPos,
		Confidence:       verdict.Score,
		Historical:       risk.HistoricalStats{TotalTrades: total, Wins: wins, WinRate: winRate, AvgWin: avgWin, AvgLoss: avgLoss},
		HaveHistoricalUS: total >= 20,
	})

	// Step 4d: portfolio check.
	exposures := make([]portfolio.OpenExposure, 0, len(open))
	var stableUSD decimal.Decimal
	for _, p := range open {
		if p.Status != domain.StatusOpen {
			continue
		}
		notional := p.Quantity.Mul(p.EntryPrice)
		exposures = append(exposures, portfolio.OpenExposure{Symbol: p.Symbol, NotionalUSD: notional})
		if domain.ClassifySymbol(p.Symbol) == domain.CategoryStablecoin {
			stableUSD = stableUSD.Add(notional)
		}
	}
	decision := portfolio.Evaluate(portfolio.Request{
		Symbol:        sig.Symbol,
		Side:          side,
		ProposedUSD:   decimal.NewFromFloat(plan.Sizing.FinalUSD),
		EquityUSD:     balance.Equity,
		StablecoinUSD: stableUSD,
		OpenPositions: exposures,
	})
	if !decision.Execute {
		telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "rejected_portfolio").Inc()
		return nil
	}
	finalUSD := plan.Sizing.FinalUSD * decision.SizeMultiplier
	if finalUSD <= 0 {
		return nil
	}
	quantity := finalUSD / entry

	// Step 4e: SL/TP, tightened by the signal's own levels if present.
	sl := plan.StopLoss
	tp := plan.TakeProfit
	if sig.StopLoss != nil {
		sigSL, _ := sig.StopLoss.Float64()
		if tighterStop(side, sigSL, sl, entry) {
			sl = sigSL
		}
	}
	if sig.TakeProfit != nil {
		sigTP, _ := sig.TakeProfit.Float64()
		if tighterTarget(side, sigTP, tp, entry) {
			tp = sigTP
		}
	}

	// Step 4f: place the order.
	leverage := t.deps.Settings.Leverage
	order, err := t.deps.Broker.PlaceOrder(ctx, broker.PlaceOrderRequest{
		Symbol:   sig.Symbol,
		Side:     side,
		Quantity: decimal.NewFromFloat(quantity),
		Type:     broker.OrderMarket,
		Leverage: &leverage,
	})
	if err != nil {
		telemetry.OrdersPlaced.WithLabelValues(userID.String(), sig.Symbol, "failed").Inc()
		return fmt.Errorf("place order: %w", err)
	}
	telemetry.OrdersPlaced.WithLabelValues(userID.String(), sig.Symbol, "filled").Inc()
	telemetry.SignalsEvaluated.WithLabelValues(userID.String(), "accepted").Inc()
	t.deps.Limiter.RecordTrade(userID, time.Now())

	// Step 4g: persist and notify the monitor.
	position := &domain.Position{
		ID:               uuid.New(),
		UserID:           userID,
		Symbol:           sig.Symbol,
		Side:             side,
		Quantity:         order.Quantity,
		OriginalQuantity: order.Quantity,
		EntryPrice:       order.Price,
		StopLoss:         decimal.NewFromFloat(sl),
		TakeProfit:       decimal.NewFromFloat(tp),
		PartialTPTaken:   make(map[int]bool),
		Leverage:         t.deps.Settings.Leverage,
		TradingMode:      t.deps.Broker.Mode(),
		Status:           domain.StatusOpen,
		OpenedAt:         time.Now(),
	}
	if err := t.deps.Store.UpsertPosition(position); err != nil {
		return fmt.Errorf("persist new position: %w", err)
	}
	if t.deps.Notifier != nil {
		t.deps.Notifier.NotifyOpened(position)
	}
	return nil
}

func actionToSide(a domain.Action) domain.Side {
	if a == domain.ActionSell {
		return domain.SideShort
	}
	return domain.SideLong
}

// tighterStop reports whether candidateSL is a tighter (closer to entry,
// hence more conservative) stop-loss than currentSL for the given side.
func tighterStop(side domain.Side, candidateSL, currentSL, entry float64) bool {
	if side == domain.SideLong {
		return candidateSL > currentSL && candidateSL < entry
	}
	return candidateSL < currentSL && candidateSL > entry
}

// tighterTarget reports whether candidateTP is a tighter (closer to
// entry) take-profit than currentTP for the given side.
func tighterTarget(side domain.Side, candidateTP, currentTP, entry float64) bool {
	if side == domain.SideLong {
		return candidateTP < currentTP && candidateTP > entry
	}
	return candidateTP > currentTP && candidateTP < entry
}

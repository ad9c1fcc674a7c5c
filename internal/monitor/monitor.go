// Package monitor implements the Position Monitor (spec.md §4.7): a 5s
// tick that walks every open position through a fixed evaluation order —
// stop loss, take profit, trailing stop, partial take-profit, time exit,
// liquidation protection — and flushes whatever changed to the durable
// mirror. Each position is guarded by its own lock so a slow broker call
// on one symbol never blocks the tick for the rest of the book.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/alert"
	"github.com/poorman/tradecore/internal/broker"
	"github.com/poorman/tradecore/internal/config"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/risk"
	"github.com/poorman/tradecore/internal/store"
	"github.com/poorman/tradecore/internal/telemetry"
)

// PositionStore is the persistence surface the monitor needs; store.SQLiteStore
// satisfies it directly.
type PositionStore interface {
	UpsertPosition(p *domain.Position) error
	InsertTrade(t domain.Trade) error
	InsertReEvaluation(r domain.ReEvaluation) error
}

// PriceCache is the TTL price cache surface; store.PriceCache satisfies it.
type PriceCache interface {
	Get(symbol string) (decimal.Decimal, bool)
	Set(symbol string, price decimal.Decimal)
}

// CandleSource supplies the hourly bars reconciliation needs to compute
// SL/TP for a freshly ingested, broker-side-only position.
type CandleSource interface {
	HourlyCandles(ctx context.Context, symbol string, lookback int) ([]risk.Candle, error)
}

const checkpointInterval = 60 * time.Second

type Deps struct {
	UserID   uuid.UUID
	Broker   broker.Broker
	Store    PositionStore
	Prices   PriceCache
	Candles  CandleSource
	Alert    alert.Sink
	Settings domain.TradingSettings
	Config   config.Settings
	Log      zerolog.Logger
}

// Monitor owns the live in-memory book for one user and drives its tick
// loop. NotifyOpened satisfies trader.PositionNotifier structurally so the
// Auto-Trader can hand off freshly opened positions without either package
// importing the other.
type Monitor struct {
	deps Deps

	positions sync.Map // uuid.UUID -> *domain.Position
	locks     sync.Map // uuid.UUID -> *sync.Mutex

	sizingMu         sync.RWMutex
	sizingMultiplier float64

	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

func New(deps Deps) *Monitor {
	return &Monitor{deps: deps, sizingMultiplier: 1.0}
}

// NotifyOpened adds a freshly placed position to the book. Called by the
// Auto-Trader right after a successful order placement.
func (m *Monitor) NotifyOpened(p *domain.Position) {
	m.positions.Store(p.ID, p)
}

// SizingMultiplier reports 0.5 while the account sits in the liquidation
// warning band and 1.0 otherwise. The Auto-Trader does not read it
// (trader.Deps has no field for it), so order sizing is not reduced in
// the warning band.
func (m *Monitor) SizingMultiplier() float64 {
	m.sizingMu.RLock()
	defer m.sizingMu.RUnlock()
	if m.sizingMultiplier == 0 {
		return 1.0
	}
	return m.sizingMultiplier
}

func (m *Monitor) setSizingMultiplier(v float64) {
	m.sizingMu.Lock()
	m.sizingMultiplier = v
	m.sizingMu.Unlock()
}

// Seed loads a snapshot of already-open positions into the book, used at
// startup after Bootstrap has reconciled against the broker.
func (m *Monitor) Seed(positions []*domain.Position) {
	for _, p := range positions {
		if p.Status == domain.StatusOpen {
			m.positions.Store(p.ID, p)
		}
	}
}

// Bootstrap runs startup reconciliation (spec.md §4.8) against the given
// in-memory snapshot (normally freshly loaded from the durable mirror) and
// seeds the live book with the result: ghosts are closed and recorded,
// broker-only positions are ingested with freshly computed SL/TP, matched
// positions are kept as-is.
func (m *Monitor) Bootstrap(ctx context.Context, inMemory []*domain.Position) error {
	exchangePositions, err := m.deps.Broker.GetPositions(ctx)
	if err != nil {
		return err
	}
	brokerPositions := make([]store.BrokerPosition, len(exchangePositions))
	for i, e := range exchangePositions {
		brokerPositions[i] = store.BrokerPosition{
			Symbol: e.Symbol, Side: e.Side, Quantity: e.Quantity, EntryPrice: e.EntryPrice,
		}
	}

	now := time.Now()
	result := store.Reconcile(m.deps.UserID, inMemory, brokerPositions, now)

	ghostKeys := make(map[uuid.UUID]bool, len(result.Ghosts))
	for _, g := range result.Ghosts {
		ghostKeys[g.ID] = true
		price, ok := m.priceFor(ctx, g.Symbol)
		if !ok {
			price = g.EntryPrice
		}
		trade := store.GhostTrade(g, price, now)
		if err := m.deps.Store.InsertTrade(trade); err != nil {
			m.deps.Log.Warn().Err(err).Str("position_id", g.ID.String()).Msg("ghost trade insert failed")
		}
		g.Status = domain.StatusClosed
		g.ClosedAt = &now
		if err := m.deps.Store.UpsertPosition(g); err != nil {
			m.deps.Log.Warn().Err(err).Str("position_id", g.ID.String()).Msg("ghost position flush failed")
		}
		telemetry.ReconciliationGhosts.WithLabelValues(m.deps.UserID.String()).Inc()
		m.deps.Log.Warn().Str("symbol", g.Symbol).Str("position_id", g.ID.String()).Msg("closed ghost position on reconciliation")
	}

	for _, ing := range result.Ingested {
		m.autoProtect(ctx, ing)
		if err := m.deps.Store.UpsertPosition(ing); err != nil {
			m.deps.Log.Warn().Err(err).Str("symbol", ing.Symbol).Msg("ingested position flush failed")
		}
		m.positions.Store(ing.ID, ing)
		m.deps.Log.Info().Str("symbol", ing.Symbol).Str("position_id", ing.ID.String()).Msg("ingested broker-only position on reconciliation")
	}

	for _, p := range inMemory {
		if ghostKeys[p.ID] || p.Status != domain.StatusOpen {
			continue
		}
		m.positions.Store(p.ID, p)
	}
	return nil
}

// autoProtect computes and attaches SL/TP for a position that reconciliation
// discovered on the broker with no local risk parameters of its own.
func (m *Monitor) autoProtect(ctx context.Context, p *domain.Position) {
	entry, _ := p.EntryPrice.Float64()
	if entry <= 0 || m.deps.Candles == nil {
		return
	}
	candles, err := m.deps.Candles.HourlyCandles(ctx, p.Symbol, risk.DefaultRegimeLookback*2)
	if err != nil || len(candles) == 0 {
		m.deps.Log.Warn().Err(err).Str("symbol", p.Symbol).Msg("no candles available to auto-protect ingested position")
		return
	}
	regime := risk.DetectRegime(candles)
	atr := risk.ATR(candles, risk.AdxPeriod)
	maxSLPct, _ := m.deps.Settings.StopLossPct.Float64()
	sl, tp := risk.DynamicSLTP(p.Side, entry, atr, regime, maxSLPct)
	p.StopLoss = decimal.NewFromFloat(sl)
	p.TakeProfit = decimal.NewFromFloat(tp)
}

// Run starts the tick loop in a background goroutine. Stop blocks until it
// has exited cleanly.
func (m *Monitor) Run() {
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.deps.Config.MonitorInterval())
		defer ticker.Stop()
		checkpoint := time.NewTicker(checkpointInterval)
		defer checkpoint.Stop()

		m.Tick(context.Background())
		for {
			select {
			case <-ticker.C:
				m.Tick(context.Background())
			case <-checkpoint.C:
				m.Checkpoint()
			case <-m.stopCh:
				return
			}
		}
	}()
}

func (m *Monitor) Stop() {
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	m.wg.Wait()
}

// Tick evaluates every open position once, in the fixed order spec.md §4.7
// mandates: stop loss, take profit, trailing stop, partial take-profit,
// time exit, liquidation, then persist. Positions already mid-evaluation
// from a slow previous tick are skipped, never double-evaluated.
func (m *Monitor) Tick(ctx context.Context) {
	start := time.Now()
	defer func() { telemetry.MonitorTickDuration.Observe(time.Since(start).Seconds()) }()

	liq := m.computeLiquidationState(ctx)

	var ids []uuid.UUID
	m.positions.Range(func(k, _ any) bool {
		ids = append(ids, k.(uuid.UUID))
		return true
	})

	var wg sync.WaitGroup
	for _, id := range ids {
		v, ok := m.positions.Load(id)
		if !ok {
			continue
		}
		p := v.(*domain.Position)
		if p.Status != domain.StatusOpen {
			continue
		}
		lock := m.lockFor(id)
		if !lock.TryLock() {
			m.deps.Log.Debug().Str("position_id", id.String()).Msg("skipping tick, previous evaluation still in flight")
			continue
		}
		wg.Add(1)
		go func(p *domain.Position, lock *sync.Mutex) {
			defer wg.Done()
			defer lock.Unlock()
			m.evaluatePosition(ctx, p, liq)
		}(p, lock)
	}
	wg.Wait()

	telemetry.OpenPositions.WithLabelValues(m.deps.UserID.String()).Set(float64(m.countOpen()))
}

// Checkpoint flushes every dirty position regardless of whether this tick's
// evaluation touched it, a safety net against a crash between a mutation
// and its mirror write.
func (m *Monitor) Checkpoint() {
	m.positions.Range(func(_, v any) bool {
		p := v.(*domain.Position)
		m.persist(p)
		return true
	})
}

func (m *Monitor) countOpen() int {
	n := 0
	m.positions.Range(func(_, v any) bool {
		if v.(*domain.Position).Status == domain.StatusOpen {
			n++
		}
		return true
	})
	return n
}

func (m *Monitor) lockFor(id uuid.UUID) *sync.Mutex {
	v, _ := m.locks.LoadOrStore(id, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (m *Monitor) persist(p *domain.Position) {
	if !p.Dirty() {
		return
	}
	if err := m.deps.Store.UpsertPosition(p); err != nil {
		m.deps.Log.Warn().Err(err).Str("position_id", p.ID.String()).Msg("position flush failed")
		return
	}
	p.ClearDirty()
}

func (m *Monitor) priceFor(ctx context.Context, symbol string) (decimal.Decimal, bool) {
	if price, ok := m.deps.Prices.Get(symbol); ok {
		return price, true
	}
	price, err := m.deps.Broker.GetMarketPrice(ctx, symbol)
	if err != nil {
		m.deps.Log.Warn().Err(err).Str("symbol", symbol).Msg("market price fetch failed")
		return decimal.Zero, false
	}
	m.deps.Prices.Set(symbol, price)
	return price, true
}

func (m *Monitor) recordReEval(p *domain.Position, kind string, oldSL, newSL, oldTP, newTP decimal.Decimal, reason string) {
	r := domain.ReEvaluation{
		ID: uuid.New(), PositionID: p.ID, Type: kind,
		OldSL: oldSL, NewSL: newSL, OldTP: oldTP, NewTP: newTP,
		Reason: reason, ActionTaken: kind, Timestamp: time.Now(),
	}
	if err := m.deps.Store.InsertReEvaluation(r); err != nil {
		m.deps.Log.Warn().Err(err).Str("position_id", p.ID.String()).Msg("reevaluation audit insert failed")
	}
}

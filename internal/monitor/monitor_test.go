package monitor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/tradecore/internal/alert"
	"github.com/poorman/tradecore/internal/broker"
	"github.com/poorman/tradecore/internal/config"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/risk"
	"github.com/poorman/tradecore/internal/store"
)

type fakeStore struct {
	mu      sync.Mutex
	upserts []*domain.Position
	trades  []domain.Trade
	reevals []domain.ReEvaluation
}

func (f *fakeStore) UpsertPosition(p *domain.Position) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts = append(f.upserts, p.Clone())
	return nil
}

func (f *fakeStore) InsertTrade(t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trades = append(f.trades, t)
	return nil
}

func (f *fakeStore) InsertReEvaluation(r domain.ReEvaluation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reevals = append(f.reevals, r)
	return nil
}

type fakeAlertSink struct {
	mu       sync.Mutex
	severity []alert.Severity
}

func (f *fakeAlertSink) Emit(sev alert.Severity, _ string, _ map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.severity = append(f.severity, sev)
}

type fakeCandles struct{}

func (fakeCandles) HourlyCandles(ctx context.Context, symbol string, lookback int) ([]risk.Candle, error) {
	out := make([]risk.Candle, lookback)
	price := 100.0
	base := time.Now().Add(-time.Duration(lookback) * time.Hour)
	for i := range out {
		out[i] = risk.Candle{
			OpenTime: base.Add(time.Duration(i) * time.Hour),
			Open:     price, High: price + 1, Low: price - 0.5, Close: price + 0.5, Volume: 10,
		}
		price += 0.8
	}
	return out, nil
}

func testDeps(b broker.Broker, s *fakeStore, cache *store.PriceCache, alertSink alert.Sink, settings domain.TradingSettings) Deps {
	return Deps{
		UserID:   uuid.New(),
		Broker:   b,
		Store:    s,
		Prices:   cache,
		Candles:  fakeCandles{},
		Alert:    alertSink,
		Settings: settings,
		Config:   config.Default(),
		Log:      zerolog.Nop(),
	}
}

func openPosition(t *testing.T, b *broker.SimBroker, cache *store.PriceCache, symbol string, side domain.Side, entry float64) *domain.Position {
	t.Helper()
	b.SetPrice(symbol, decimal.NewFromFloat(entry))
	order, err := b.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Symbol: symbol, Side: side, Type: broker.OrderMarket, Quantity: decimal.NewFromFloat(1),
	})
	require.NoError(t, err)
	cache.Set(symbol, order.Price)
	return &domain.Position{
		ID: uuid.New(), UserID: uuid.New(), Symbol: symbol, Side: side,
		Quantity: order.Quantity, OriginalQuantity: order.Quantity, EntryPrice: order.Price,
		PartialTPTaken: map[int]bool{}, Leverage: decimal.NewFromInt(10),
		TradingMode: domain.ModeFutures, Status: domain.StatusOpen, OpenedAt: time.Now(),
	}
}

func setPrice(b *broker.SimBroker, cache *store.PriceCache, symbol string, price float64) {
	b.SetPrice(symbol, decimal.NewFromFloat(price))
	cache.Set(symbol, decimal.NewFromFloat(price))
}

func TestTick_StopLossClosesPosition(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(95)
	p.TakeProfit = decimal.NewFromFloat(110)

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	m := New(testDeps(b, fs, cache, &fakeAlertSink{}, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 94)
	m.Tick(context.Background())

	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseStopLoss, fs.trades[0].CloseReason)
}

func TestTick_TakeProfitClosesPosition(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(90)
	p.TakeProfit = decimal.NewFromFloat(110)

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	m := New(testDeps(b, fs, cache, &fakeAlertSink{}, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 111)
	m.Tick(context.Background())

	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseTakeProfit, fs.trades[0].CloseReason)
}

func TestTick_TrailingStopRatchetsThenTriggers(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(80)   // far away, never hit directly
	p.TakeProfit = decimal.NewFromFloat(500) // unreachable in this test

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.PartialTPEnabled = false
	m := New(testDeps(b, fs, cache, &fakeAlertSink{}, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 102) // 2% profit, activates trailing (0.5% threshold)
	m.Tick(context.Background())
	require.NotNil(t, p.TrailingSL)
	firstStop := *p.TrailingSL
	assert.True(t, firstStop.GreaterThan(p.StopLoss))

	setPrice(b, cache, "BTC/USDT", 105) // peak improves, trailing tightens
	m.Tick(context.Background())
	require.NotNil(t, p.TrailingSL)
	assert.True(t, p.TrailingSL.GreaterThan(firstStop))
	assert.Equal(t, domain.StatusOpen, p.Status)

	setPrice(b, cache, "BTC/USDT", 103) // below the ratcheted trailing stop (105*0.99=103.95)
	m.Tick(context.Background())
	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseTrailingStop, fs.trades[0].CloseReason)
}

func TestTick_PartialTPFillsRungAndMovesStopToBreakeven(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(90)
	p.TakeProfit = decimal.NewFromFloat(500)

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.TrailingEnabled = false
	m := New(testDeps(b, fs, cache, &fakeAlertSink{}, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 101) // 1% profit hits the first rung (1%, 25%)
	m.Tick(context.Background())

	assert.True(t, p.PartialTPTaken[0])
	assert.False(t, p.PartialTPTaken[1])
	assert.True(t, p.Quantity.Equal(decimal.NewFromFloat(0.75)))
	assert.True(t, p.StopLoss.Equal(decimal.NewFromFloat(100.1)))
	assert.Equal(t, domain.StatusOpen, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.ClosePartialTP, fs.trades[0].CloseReason)
}

func TestTick_PartialTPEscalatesToFullCloseBelowResidualFloor(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(90)
	p.TakeProfit = decimal.NewFromFloat(500)

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.TrailingEnabled = false
	deps := testDeps(b, fs, cache, &fakeAlertSink{}, settings)
	// A 95% rung would leave only 5% of the original quantity behind,
	// below the 10% residual floor, so it must escalate to a full close.
	deps.Config.PartialTPLevels = []config.PartialTPLevel{{TargetPct: 0.01, Fraction: 0.95}}
	m := New(deps)
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 101) // 1% profit hits the only configured rung
	m.Tick(context.Background())

	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseTakeProfit, fs.trades[0].CloseReason)
}

func TestTick_TimeExitClosesPastMaxHold(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(50)
	p.TakeProfit = decimal.NewFromFloat(500)
	p.OpenedAt = time.Now().Add(-13 * time.Hour)

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.TrailingEnabled = false
	settings.PartialTPEnabled = false
	settings.MaxHoldHours = 12
	m := New(testDeps(b, fs, cache, &fakeAlertSink{}, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 100)
	m.Tick(context.Background())

	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseTimeExit, fs.trades[0].CloseReason)
}

func TestTick_LiquidationBreachClosesAllPositions(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	p := openPosition(t, b, cache, "BTC/USDT", domain.SideLong, 100)
	p.StopLoss = decimal.NewFromFloat(50)
	p.TakeProfit = decimal.NewFromFloat(500)

	b.SetBalance(broker.Balance{
		Equity: decimal.NewFromFloat(35), Available: decimal.NewFromFloat(35),
		UsedMargin: decimal.NewFromFloat(1000),
	})

	fs := &fakeStore{}
	alertSink := &fakeAlertSink{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.TrailingEnabled = false
	settings.PartialTPEnabled = false
	m := New(testDeps(b, fs, cache, alertSink, settings))
	m.NotifyOpened(p)

	setPrice(b, cache, "BTC/USDT", 100)
	m.Tick(context.Background())

	assert.Equal(t, domain.StatusClosed, p.Status)
	require.Len(t, fs.trades, 1)
	assert.Equal(t, domain.CloseLiquidation, fs.trades[0].CloseReason)
	require.NotEmpty(t, alertSink.severity)
	assert.Equal(t, alert.SeverityCritical, alertSink.severity[len(alertSink.severity)-1])
}

func TestBootstrap_GhostCleanupAndBrokerOnlyIngestion(t *testing.T) {
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(100000))
	cache := store.NewPriceCache(time.Minute)
	userID := uuid.New()

	// Broker reports ETH/USDT, which is not in the in-memory book.
	b.SetPrice("ETH/USDT", decimal.NewFromFloat(3000))
	_, err := b.PlaceOrder(context.Background(), broker.PlaceOrderRequest{
		Symbol: "ETH/USDT", Side: domain.SideShort, Type: broker.OrderMarket, Quantity: decimal.NewFromFloat(2),
	})
	require.NoError(t, err)
	cache.Set("ETH/USDT", decimal.NewFromFloat(3000))

	// In-memory book has a stale BTC/USDT position the broker no longer reports.
	stale := &domain.Position{
		ID: uuid.New(), UserID: userID, Symbol: "BTC/USDT", Side: domain.SideLong,
		Quantity: decimal.NewFromFloat(0.1), OriginalQuantity: decimal.NewFromFloat(0.1),
		EntryPrice: decimal.NewFromFloat(60000), PartialTPTaken: map[int]bool{},
		Status: domain.StatusOpen, OpenedAt: time.Now().Add(-10 * time.Minute),
	}
	cache.Set("BTC/USDT", decimal.NewFromFloat(61000))
	b.SetPrice("BTC/USDT", decimal.NewFromFloat(61000))

	fs := &fakeStore{}
	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	deps := testDeps(b, fs, cache, &fakeAlertSink{}, settings)
	deps.UserID = userID
	m := New(deps)

	require.NoError(t, m.Bootstrap(context.Background(), []*domain.Position{stale}))

	assert.Equal(t, domain.StatusClosed, stale.Status)
	foundGhostTrade := false
	for _, tr := range fs.trades {
		if tr.CloseReason == domain.CloseGhostCleanup {
			foundGhostTrade = true
		}
	}
	assert.True(t, foundGhostTrade)

	var ingested *domain.Position
	m.positions.Range(func(_, v any) bool {
		pos := v.(*domain.Position)
		if pos.Symbol == "ETH/USDT" {
			ingested = pos
		}
		return true
	})
	require.NotNil(t, ingested)
	assert.Equal(t, domain.SideShort, ingested.Side)
	assert.False(t, ingested.StopLoss.IsZero())
	assert.False(t, ingested.TakeProfit.IsZero())
}

package trader

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/broker"
	"github.com/poorman/tradecore/internal/config"
	"github.com/poorman/tradecore/internal/domain"
	"github.com/poorman/tradecore/internal/risk"
	"github.com/poorman/tradecore/internal/signal"
)

type fakeStore struct {
	open []*domain.Position
}

func (f *fakeStore) LoadOpenPositions(uuid.UUID) ([]*domain.Position, error) { return f.open, nil }
func (f *fakeStore) UpsertPosition(p *domain.Position) error {
	f.open = append(f.open, p)
	return nil
}
func (f *fakeStore) HistoricalStats(uuid.UUID, string) (int, int, float64, float64, error) {
	return 0, 0, 0, 0, nil
}
func (f *fakeStore) CountUnexpiredSameDirection(uuid.UUID, string, domain.Action, time.Time) (int, error) {
	return 0, nil
}

type fakeSignalStore struct {
	rows []domain.Signal
}

func (f *fakeSignalStore) FetchCandidateSignals(uuid.UUID, []string, time.Time) ([]domain.Signal, error) {
	return f.rows, nil
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

type fakeNotifier struct {
	opened []*domain.Position
}

func (f *fakeNotifier) NotifyOpened(p *domain.Position) { f.opened = append(f.opened, p) }

func TestRunCycle_AcceptsValidSignalAndOpensPosition(t *testing.T) {
	userID := uuid.New()
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(10000))
	b.SetPrice("BTC/USDT", decimal.NewFromFloat(100.5))

	now := time.Now()
	store := &fakeStore{}
	sigStore := &fakeSignalStore{rows: []domain.Signal{
		{ID: uuid.New(), Symbol: "BTC/USDT", Action: domain.ActionBuy, Confidence: 0.8, Source: "titan_v3", CreatedAt: now},
	}}
	notifier := &fakeNotifier{}

	reader := signal.NewReader(sigStore, []string{"titan_v3"}, 6*time.Hour)

	tr := New(Deps{
		UserID:   userID,
		Broker:   b,
		Store:    store,
		Signals:  reader,
		Candles:  fakeCandles{},
		Limiter:  NewRateLimiter(),
		Notifier: notifier,
		Settings: domain.DefaultTradingSettings(domain.ModeFutures),
		Config:   config.Default(),
		Log:      zerolog.Nop(),
	})

	err := tr.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.open, 1)
	assert.Len(t, notifier.opened, 1)
	assert.Equal(t, "BTC/USDT", store.open[0].Symbol)
}

func TestRunCycle_SkipsOnCalendarBlackout(t *testing.T) {
	userID := uuid.New()
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(10000))
	store := &fakeStore{}
	sigStore := &fakeSignalStore{}
	reader := signal.NewReader(sigStore, []string{"titan_v3"}, 6*time.Hour)

	tr := New(Deps{
		UserID:   userID,
		Broker:   b,
		Store:    store,
		Signals:  reader,
		Candles:  fakeCandles{},
		Calendar: alwaysBlackout{},
		Limiter:  NewRateLimiter(),
		Settings: domain.DefaultTradingSettings(domain.ModeFutures),
		Config:   config.Default(),
		Log:      zerolog.Nop(),
	})

	err := tr.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.open)
}

func TestRunCycle_RejectsWhenAlreadyAtMaxConcurrent(t *testing.T) {
	userID := uuid.New()
	b := broker.NewSimBroker(domain.ModeFutures, decimal.NewFromFloat(10000))
	b.SetPrice("BTC/USDT", decimal.NewFromFloat(100.5))

	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	settings.MaxConcurrentPositions = 1
	store := &fakeStore{open: []*domain.Position{{Status: domain.StatusOpen, Symbol: "ETH/USDT"}}}
	sigStore := &fakeSignalStore{rows: []domain.Signal{
		{ID: uuid.New(), Symbol: "BTC/USDT", Action: domain.ActionBuy, Confidence: 0.8, Source: "titan_v3", CreatedAt: time.Now()},
	}}
	reader := signal.NewReader(sigStore, []string{"titan_v3"}, 6*time.Hour)

	tr := New(Deps{
		UserID: userID, Broker: b, Store: store, Signals: reader, Candles: fakeCandles{},
		Limiter: NewRateLimiter(), Settings: settings, Config: config.Default(), Log: zerolog.Nop(),
	})

	err := tr.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Len(t, store.open, 1) // unchanged, new signal rejected
}

func TestRunCycle_RejectsShortSignalForSpotAccount(t *testing.T) {
	userID := uuid.New()
	b := broker.NewSimBroker(domain.ModeSpot, decimal.NewFromFloat(10000))
	b.SetPrice("BTC/USDT", decimal.NewFromFloat(100.5))

	store := &fakeStore{}
	sigStore := &fakeSignalStore{rows: []domain.Signal{
		{ID: uuid.New(), Symbol: "BTC/USDT", Action: domain.ActionSell, Confidence: 0.8, Source: "titan_v3", CreatedAt: time.Now()},
	}}
	reader := signal.NewReader(sigStore, []string{"titan_v3"}, 6*time.Hour)

	tr := New(Deps{
		UserID:   userID,
		Broker:   b,
		Store:    store,
		Signals:  reader,
		Candles:  fakeCandles{},
		Limiter:  NewRateLimiter(),
		Settings: domain.DefaultTradingSettings(domain.ModeSpot),
		Config:   config.Default(),
		Log:      zerolog.Nop(),
	})

	err := tr.RunCycle(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.open, "a short signal must never open a position on a spot account")
}

type alwaysBlackout struct{}

func (alwaysBlackout) HighImpactEventNear(time.Time, time.Duration, time.Duration) bool { return true }

package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/tradecore/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func samplePosition(userID uuid.UUID) *domain.Position {
	return &domain.Position{
		ID:               uuid.New(),
		UserID:           userID,
		Symbol:           "BTC/USDT",
		Side:             domain.SideLong,
		Quantity:         decimal.NewFromFloat(0.1),
		OriginalQuantity: decimal.NewFromFloat(0.1),
		EntryPrice:       decimal.NewFromFloat(60000),
		StopLoss:         decimal.NewFromFloat(58000),
		TakeProfit:       decimal.NewFromFloat(64000),
		PartialTPTaken:   map[int]bool{},
		Leverage:         decimal.NewFromInt(1),
		TradingMode:      domain.ModeSpot,
		Status:           domain.StatusOpen,
		OpenedAt:         time.Now(),
	}
}

func TestUpsertAndLoadOpenPositions(t *testing.T) {
	s := newTestStore(t)
	userID := uuid.New()
	p := samplePosition(userID)

	require.NoError(t, s.UpsertPosition(p))

	loaded, err := s.LoadOpenPositions(userID)
	require.NoError(t, err)
	require.Len(t, loaded, 1)
	assert.Equal(t, p.ID, loaded[0].ID)
	assert.True(t, loaded[0].EntryPrice.Equal(p.EntryPrice))
}

func TestUpsertPosition_UpdatesOnConflict(t *testing.T) {
	s := newTestStore(t)
	userID := uuid.New()
	p := samplePosition(userID)
	require.NoError(t, s.UpsertPosition(p))

	p.StopLoss = decimal.NewFromFloat(59000)
	p.Status = domain.StatusClosed
	require.NoError(t, s.UpsertPosition(p))

	loaded, err := s.LoadOpenPositions(userID)
	require.NoError(t, err)
	assert.Empty(t, loaded) // now closed, no longer open
}

func TestInsertTradeAndHistoricalStats(t *testing.T) {
	s := newTestStore(t)
	userID := uuid.New()

	trades := []struct {
		pnl float64
	}{
		{100}, {-50}, {200}, {-30}, {150},
	}
	for _, tc := range trades {
		require.NoError(t, s.InsertTrade(domain.Trade{
			ID: uuid.New(), PositionID: uuid.New(), UserID: userID, Symbol: "BTC/USDT",
			Side: domain.SideLong, Quantity: decimal.NewFromFloat(0.1),
			EntryPrice: decimal.NewFromFloat(60000), ExitPrice: decimal.NewFromFloat(60000),
			RealizedPnL: decimal.NewFromFloat(tc.pnl), PnLPct: decimal.Zero,
			CloseReason: domain.CloseTakeProfit, OpenedAt: time.Now(), ClosedAt: time.Now(),
		}))
	}

	total, wins, avgWin, avgLoss, err := s.HistoricalStats(userID, "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, 3, wins)
	assert.InDelta(t, 150, avgWin, 0.01)
	assert.InDelta(t, 40, avgLoss, 0.01)
}

func TestFetchCandidateSignals_FiltersByUserAndWhitelist(t *testing.T) {
	s := newTestStore(t)
	userID := uuid.New()
	other := uuid.New()
	now := time.Now()

	require.NoError(t, s.InsertSignal(domain.Signal{
		ID: uuid.New(), Symbol: "BTC/USDT", Action: domain.ActionBuy, Confidence: 0.7,
		Source: "titan_v3", CreatedAt: now,
	}))
	require.NoError(t, s.InsertSignal(domain.Signal{
		ID: uuid.New(), Symbol: "ETH/USDT", Action: domain.ActionBuy, Confidence: 0.6,
		Source: "untrusted_source", CreatedAt: now,
	}))
	require.NoError(t, s.InsertSignal(domain.Signal{
		ID: uuid.New(), Symbol: "SOL/USDT", Action: domain.ActionBuy, Confidence: 0.9,
		Source: "titan_v3", UserID: &other, CreatedAt: now,
	}))

	rows, err := s.FetchCandidateSignals(userID, []string{"titan_v3", "COUNCIL_V2.0_FALLBACK"}, now.Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BTC/USDT", rows[0].Symbol)
}

func TestSaveAndLoadSettings(t *testing.T) {
	s := newTestStore(t)
	userID := uuid.New()

	_, ok, err := s.LoadSettings(userID)
	require.NoError(t, err)
	assert.False(t, ok)

	settings := domain.DefaultTradingSettings(domain.ModeFutures)
	require.NoError(t, s.SaveSettings(userID, settings))

	loaded, ok, err := s.LoadSettings(userID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, loaded.Leverage.Equal(settings.Leverage))
	assert.Equal(t, settings.MaxConcurrentPositions, loaded.MaxConcurrentPositions)
}

func TestPriceCache_TTLExpiry(t *testing.T) {
	c := NewPriceCache(10 * time.Millisecond)
	c.Set("BTC/USDT", decimal.NewFromFloat(60000))

	v, ok := c.Get("BTC/USDT")
	require.True(t, ok)
	assert.True(t, v.Equal(decimal.NewFromFloat(60000)))

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("BTC/USDT")
	assert.False(t, ok)
}

func TestReconcile_GhostDetectedAfterGracePeriod(t *testing.T) {
	userID := uuid.New()
	old := &domain.Position{
		ID: uuid.New(), UserID: userID, Symbol: "BTC/USDT", Side: domain.SideLong,
		OpenedAt: time.Now().Add(-10 * time.Minute),
	}
	now := time.Now()
	result := Reconcile(userID, []*domain.Position{old}, nil, now)
	require.Len(t, result.Ghosts, 1)
	assert.Equal(t, old.ID, result.Ghosts[0].ID)
}

func TestReconcile_WithinGracePeriodIsNotAGhostYet(t *testing.T) {
	userID := uuid.New()
	fresh := &domain.Position{
		ID: uuid.New(), UserID: userID, Symbol: "BTC/USDT", Side: domain.SideLong,
		OpenedAt: time.Now().Add(-30 * time.Second),
	}
	result := Reconcile(userID, []*domain.Position{fresh}, nil, time.Now())
	assert.Empty(t, result.Ghosts)
}

func TestReconcile_BrokerOnlyPositionIsIngested(t *testing.T) {
	userID := uuid.New()
	broker := []BrokerPosition{
		{Symbol: "ETH/USDT", Side: domain.SideShort, Quantity: decimal.NewFromFloat(1), EntryPrice: decimal.NewFromFloat(3000)},
	}
	result := Reconcile(userID, nil, broker, time.Now())
	require.Len(t, result.Ingested, 1)
	assert.Equal(t, "ETH/USDT", result.Ingested[0].Symbol)
	assert.Equal(t, domain.SideShort, result.Ingested[0].Side)
}

func TestReconcile_MatchedPositionIsNeitherGhostNorIngested(t *testing.T) {
	userID := uuid.New()
	p := &domain.Position{
		ID: uuid.New(), UserID: userID, Symbol: "BTC/USDT", Side: domain.SideLong,
		OpenedAt: time.Now().Add(-10 * time.Minute),
	}
	broker := []BrokerPosition{{Symbol: "BTC/USDT", Side: domain.SideLong, Quantity: decimal.NewFromFloat(0.1)}}
	result := Reconcile(userID, []*domain.Position{p}, broker, time.Now())
	assert.Empty(t, result.Ghosts)
	assert.Empty(t, result.Ingested)
}

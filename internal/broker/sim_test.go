package broker

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poorman/tradecore/internal/domain"
)

func TestSimBroker_PlaceOrder_SpotDropsLeverageAndReduceOnly(t *testing.T) {
	b := NewSimBroker(domain.ModeSpot, decimal.NewFromInt(10000))
	b.SetPrice("BTC/USDT", decimal.NewFromInt(50000))

	lev := decimal.NewFromInt(5)
	order, err := b.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:     "BTC/USDT",
		Side:       domain.SideLong,
		Type:       OrderMarket,
		Quantity:   decimal.NewFromFloat(0.1),
		Leverage:   &lev,
		ReduceOnly: true,
	})
	require.NoError(t, err)
	assert.False(t, order.ReduceOnly, "spot orders must never carry reduce_only")
	assert.False(t, order.SLTPOnExchange, "spot SL/TP must be monitor-side, never exchange-side")
}

func TestSimBroker_PlaceOrder_InsufficientFunds(t *testing.T) {
	b := NewSimBroker(domain.ModeFutures, decimal.NewFromInt(100))
	b.SetPrice("BTC/USDT", decimal.NewFromInt(50000))

	_, err := b.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:   "BTC/USDT",
		Side:     domain.SideLong,
		Type:     OrderMarket,
		Quantity: decimal.NewFromFloat(1),
	})
	assert.ErrorIs(t, err, ErrInsufficientFunds)
}

func TestSimBroker_PartialClose_DustEscalatesToFullClose(t *testing.T) {
	b := NewSimBroker(domain.ModeFutures, decimal.NewFromInt(100000))
	b.SetPrice("ETH/USDT", decimal.NewFromInt(3000))

	lev := decimal.NewFromInt(2)
	_, err := b.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:   "ETH/USDT",
		Side:     domain.SideLong,
		Type:     OrderMarket,
		Quantity: decimal.NewFromFloat(1),
		Leverage: &lev,
	})
	require.NoError(t, err)

	// Closing all but a dust-sized residual should fully close instead.
	order, err := b.PartialClose(context.Background(), "ETH/USDT", decimal.NewFromFloat(0.99995))
	require.NoError(t, err)
	assert.Equal(t, decimal.NewFromFloat(1), order.Quantity)

	_, err = b.GetMarketPrice(context.Background(), "ETH/USDT")
	require.NoError(t, err)
	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestSimBroker_ClosePosition_RoundTrip(t *testing.T) {
	b := NewSimBroker(domain.ModeFutures, decimal.NewFromInt(100000))
	b.SetPrice("BTC/USDT", decimal.NewFromInt(50000))

	lev := decimal.NewFromInt(3)
	_, err := b.PlaceOrder(context.Background(), PlaceOrderRequest{
		Symbol:   "BTC/USDT",
		Side:     domain.SideShort,
		Type:     OrderMarket,
		Quantity: decimal.NewFromFloat(0.5),
		Leverage: &lev,
	})
	require.NoError(t, err)

	order, err := b.ClosePosition(context.Background(), "BTC/USDT")
	require.NoError(t, err)
	assert.Equal(t, domain.SideLong, order.Side, "closing a short must buy back")

	positions, err := b.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

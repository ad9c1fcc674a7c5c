package store

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// GhostGracePeriod is how long an in-memory-only position survives a
// missing broker report before reconciliation treats it as a ghost
// (spec.md §4.8).
const GhostGracePeriod = 2 * time.Minute

// BrokerPosition is the minimal shape reconciliation needs from a live
// exchange report; the monitor builds one from each
// internal/broker.ExchangePosition (MarkPrice is left zero there).
type BrokerPosition struct {
	Symbol     string
	Side       domain.Side
	Quantity   decimal.Decimal
	EntryPrice decimal.Decimal
	MarkPrice  decimal.Decimal
}

// ReconcileResult separates ghosts that must be closed from broker-side
// positions that must be ingested as new, unmonitored Positions.
type ReconcileResult struct {
	Ghosts   []*domain.Position
	Ingested []*domain.Position
}

type positionKeyTriple struct {
	userID uuid.UUID
	symbol string
	side   domain.Side
}

// Reconcile matches the in-memory map rebuilt from the durable mirror
// against a broker's live position report for one user and returns what
// to close and what to ingest. It does not mutate anything itself; the
// monitor applies the result and persists.
func Reconcile(userID uuid.UUID, inMemory []*domain.Position, broker []BrokerPosition, now time.Time) ReconcileResult {
	brokerByKey := make(map[positionKeyTriple]BrokerPosition, len(broker))
	for _, bp := range broker {
		brokerByKey[positionKeyTriple{userID: userID, symbol: bp.Symbol, side: bp.Side}] = bp
	}

	memoryByKey := make(map[positionKeyTriple]*domain.Position, len(inMemory))
	for _, p := range inMemory {
		memoryByKey[positionKeyTriple{userID: p.UserID, symbol: p.Symbol, side: p.Side}] = p
	}

	var result ReconcileResult
	for key, p := range memoryByKey {
		if _, ok := brokerByKey[key]; ok {
			continue
		}
		if now.Sub(p.OpenedAt) < GhostGracePeriod {
			continue
		}
		result.Ghosts = append(result.Ghosts, p)
	}

	for key, bp := range brokerByKey {
		if _, ok := memoryByKey[key]; ok {
			continue
		}
		result.Ingested = append(result.Ingested, &domain.Position{
			ID:               uuid.New(),
			UserID:           key.userID,
			Symbol:           bp.Symbol,
			Side:             bp.Side,
			Quantity:         bp.Quantity,
			OriginalQuantity: bp.Quantity,
			EntryPrice:       bp.EntryPrice,
			PartialTPTaken:   make(map[int]bool),
			Status:           domain.StatusOpen,
			OpenedAt:         now,
		})
	}
	return result
}

// GhostTrade builds the audit Trade for a ghost-cleanup close at
// exitPrice, which the caller supplies (Monitor.Bootstrap passes the
// current market price, or the entry price when none is available).
func GhostTrade(p *domain.Position, exitPrice decimal.Decimal, now time.Time) domain.Trade {
	pnl := exitPrice.Sub(p.EntryPrice).Mul(p.Quantity).Mul(decimal.NewFromInt(int64(domain.SideSign(p.Side))))
	var pnlPct decimal.Decimal
	if !p.EntryPrice.IsZero() {
		pnlPct = pnl.Div(p.EntryPrice.Mul(p.Quantity)).Mul(decimal.NewFromInt(100))
	}
	return domain.Trade{
		ID:          uuid.New(),
		PositionID:  p.ID,
		UserID:      p.UserID,
		Symbol:      p.Symbol,
		Side:        p.Side,
		Quantity:    p.Quantity,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   exitPrice,
		RealizedPnL: pnl,
		PnLPct:      pnlPct,
		CloseReason: domain.CloseGhostCleanup,
		OpenedAt:    p.OpenedAt,
		ClosedAt:    now,
	}
}

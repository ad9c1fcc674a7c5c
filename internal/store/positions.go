package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/poorman/tradecore/internal/domain"
)

// UpsertPosition writes the full current state of a position, used both
// on initial insert and on every dirty-flush from the monitor.
func (s *SQLiteStore) UpsertPosition(p *domain.Position) error {
	taken, err := json.Marshal(p.PartialTPTaken)
	if err != nil {
		return fmt.Errorf("marshal partial_tp_taken: %w", err)
	}

	var trailingSL, peakPrice sql.NullString
	if p.TrailingSL != nil {
		trailingSL = sql.NullString{String: p.TrailingSL.String(), Valid: true}
	}
	if p.PeakPrice != nil {
		peakPrice = sql.NullString{String: p.PeakPrice.String(), Valid: true}
	}
	var closedAt sql.NullTime
	if p.ClosedAt != nil {
		closedAt = sql.NullTime{Time: *p.ClosedAt, Valid: true}
	}

	_, err = s.db.Exec(`
		INSERT INTO positions (
			id, user_id, symbol, side, quantity, original_quantity, entry_price,
			stop_loss, take_profit, trailing_sl, peak_price, trailing_activated,
			partial_tp_taken, leverage, trading_mode, status, opened_at, closed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			quantity = excluded.quantity,
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			trailing_sl = excluded.trailing_sl,
			peak_price = excluded.peak_price,
			trailing_activated = excluded.trailing_activated,
			partial_tp_taken = excluded.partial_tp_taken,
			status = excluded.status,
			closed_at = excluded.closed_at
	`,
		p.ID.String(), p.UserID.String(), p.Symbol, string(p.Side),
		p.Quantity.String(), p.OriginalQuantity.String(), p.EntryPrice.String(),
		p.StopLoss.String(), p.TakeProfit.String(), trailingSL, peakPrice,
		p.TrailingActivated, string(taken), p.Leverage.String(), string(p.TradingMode),
		string(p.Status), p.OpenedAt, closedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert position: %w", err)
	}
	return nil
}

// LoadOpenPositions returns every OPEN position for a user, the snapshot
// the in-memory layer seeds itself from at startup.
func (s *SQLiteStore) LoadOpenPositions(userID uuid.UUID) ([]*domain.Position, error) {
	rows, err := s.db.Query(`
		SELECT id, user_id, symbol, side, quantity, original_quantity, entry_price,
			stop_loss, take_profit, trailing_sl, peak_price, trailing_activated,
			partial_tp_taken, leverage, trading_mode, status, opened_at, closed_at
		FROM positions WHERE user_id = ? AND status = ?
	`, userID.String(), string(domain.StatusOpen))
	if err != nil {
		return nil, fmt.Errorf("query open positions: %w", err)
	}
	defer rows.Close()

	var out []*domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (*domain.Position, error) {
	var (
		id, userID, symbol, side, quantity, originalQty, entryPrice string
		stopLoss, takeProfit, leverage, tradingMode, status         string
		trailingSL, peakPrice                                       sql.NullString
		trailingActivated                                           bool
		partialTPTaken                                              string
		openedAt                                                    time.Time
		closedAt                                                    sql.NullTime
	)
	if err := row.Scan(
		&id, &userID, &symbol, &side, &quantity, &originalQty, &entryPrice,
		&stopLoss, &takeProfit, &trailingSL, &peakPrice, &trailingActivated,
		&partialTPTaken, &leverage, &tradingMode, &status, &openedAt, &closedAt,
	); err != nil {
		return nil, fmt.Errorf("scan position: %w", err)
	}

	p := &domain.Position{
		ID:                uuid.MustParse(id),
		UserID:            uuid.MustParse(userID),
		Symbol:            symbol,
		Side:              domain.Side(side),
		Quantity:          mustDecimal(quantity),
		OriginalQuantity:  mustDecimal(originalQty),
		EntryPrice:        mustDecimal(entryPrice),
		StopLoss:          mustDecimal(stopLoss),
		TakeProfit:        mustDecimal(takeProfit),
		TrailingActivated: trailingActivated,
		Leverage:          mustDecimal(leverage),
		TradingMode:       domain.TradingMode(tradingMode),
		Status:            domain.PositionStatus(status),
		OpenedAt:          openedAt,
	}
	if trailingSL.Valid {
		v := mustDecimal(trailingSL.String)
		p.TrailingSL = &v
	}
	if peakPrice.Valid {
		v := mustDecimal(peakPrice.String)
		p.PeakPrice = &v
	}
	if closedAt.Valid {
		v := closedAt.Time
		p.ClosedAt = &v
	}
	p.PartialTPTaken = make(map[int]bool)
	_ = json.Unmarshal([]byte(partialTPTaken), &p.PartialTPTaken)
	return p, nil
}

func mustDecimal(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// DeletePosition removes a position row outright. Neither ghost cleanup
// nor normal closes call it; both keep the CLOSED row for the audit
// trail.
func (s *SQLiteStore) DeletePosition(id uuid.UUID) error {
	_, err := s.db.Exec(`DELETE FROM positions WHERE id = ?`, id.String())
	if err != nil {
		return fmt.Errorf("delete position: %w", err)
	}
	return nil
}

// InsertTrade records a fully or partially closed position slice.
func (s *SQLiteStore) InsertTrade(t domain.Trade) error {
	_, err := s.db.Exec(`
		INSERT INTO trades (id, position_id, user_id, symbol, side, quantity,
			entry_price, exit_price, realized_pnl, pnl_pct, close_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID.String(), t.PositionID.String(), t.UserID.String(), t.Symbol, string(t.Side),
		t.Quantity.String(), t.EntryPrice.String(), t.ExitPrice.String(),
		t.RealizedPnL.String(), t.PnLPct.String(), string(t.CloseReason), t.OpenedAt, t.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

// InsertReEvaluation appends an audit record for a position mutation.
func (s *SQLiteStore) InsertReEvaluation(r domain.ReEvaluation) error {
	_, err := s.db.Exec(`
		INSERT INTO position_reevaluations (id, position_id, type, old_sl, new_sl,
			old_tp, new_tp, reason, action_taken, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		r.ID.String(), r.PositionID.String(), r.Type, r.OldSL.String(), r.NewSL.String(),
		r.OldTP.String(), r.NewTP.String(), r.Reason, r.ActionTaken, r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert reevaluation: %w", err)
	}
	return nil
}

// HistoricalStats aggregates closed trades for (user, symbol) into the
// win-rate figures the Risk Manager and Signal Validator need. Trades are
// not filtered by the source of the signal that opened them.
func (s *SQLiteStore) HistoricalStats(userID uuid.UUID, symbol string) (total, wins int, avgWin, avgLoss float64, err error) {
	rows, err := s.db.Query(`
		SELECT realized_pnl FROM trades WHERE user_id = ? AND symbol = ?
	`, userID.String(), symbol)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("query historical trades: %w", err)
	}
	defer rows.Close()

	var sumWin, sumLoss float64
	var countLoss int
	for rows.Next() {
		var pnlStr string
		if err := rows.Scan(&pnlStr); err != nil {
			return 0, 0, 0, 0, fmt.Errorf("scan trade pnl: %w", err)
		}
		pnl, _ := decimal.NewFromString(pnlStr)
		v, _ := pnl.Float64()
		total++
		if v > 0 {
			wins++
			sumWin += v
		} else if v < 0 {
			countLoss++
			sumLoss += -v
		}
	}
	if wins > 0 {
		avgWin = sumWin / float64(wins)
	}
	if countLoss > 0 {
		avgLoss = sumLoss / float64(countLoss)
	}
	return total, wins, avgWin, avgLoss, rows.Err()
}

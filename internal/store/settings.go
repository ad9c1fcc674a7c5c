package store

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/poorman/tradecore/internal/domain"
)

// LoadSettings returns a user's trading settings, or ok=false if none
// have been saved yet (callers fall back to domain.DefaultTradingSettings).
func (s *SQLiteStore) LoadSettings(userID uuid.UUID) (domain.TradingSettings, bool, error) {
	row := s.db.QueryRow(`
		SELECT risk_per_trade_pct, max_position_usd, max_concurrent_positions,
			daily_trade_limit, hourly_trade_limit, stop_loss_pct, take_profit_pct,
			leverage, trailing_enabled, partial_tp_enabled, max_hold_hours
		FROM trading_settings WHERE user_id = ?
	`, userID.String())

	var (
		riskPct, maxUSD, slPct, tpPct, leverage string
		maxConcurrent, dailyLimit, hourlyLimit  int
		trailingEnabled, partialEnabled         bool
		maxHoldHours                            int
	)
	err := row.Scan(&riskPct, &maxUSD, &maxConcurrent, &dailyLimit, &hourlyLimit,
		&slPct, &tpPct, &leverage, &trailingEnabled, &partialEnabled, &maxHoldHours)
	if err == sql.ErrNoRows {
		return domain.TradingSettings{}, false, nil
	}
	if err != nil {
		return domain.TradingSettings{}, false, fmt.Errorf("load settings: %w", err)
	}

	return domain.TradingSettings{
		RiskPerTradePct:        mustDecimal(riskPct),
		MaxPositionUSD:         mustDecimal(maxUSD),
		MaxConcurrentPositions: maxConcurrent,
		DailyTradeLimit:        dailyLimit,
		HourlyTradeLimit:       hourlyLimit,
		StopLossPct:            mustDecimal(slPct),
		TakeProfitPct:          mustDecimal(tpPct),
		Leverage:               mustDecimal(leverage),
		TrailingEnabled:        trailingEnabled,
		PartialTPEnabled:       partialEnabled,
		MaxHoldHours:           maxHoldHours,
	}, true, nil
}

// SaveSettings upserts a user's trading settings.
func (s *SQLiteStore) SaveSettings(userID uuid.UUID, settings domain.TradingSettings) error {
	_, err := s.db.Exec(`
		INSERT INTO trading_settings (user_id, risk_per_trade_pct, max_position_usd,
			max_concurrent_positions, daily_trade_limit, hourly_trade_limit,
			stop_loss_pct, take_profit_pct, leverage, trailing_enabled,
			partial_tp_enabled, max_hold_hours)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			risk_per_trade_pct = excluded.risk_per_trade_pct,
			max_position_usd = excluded.max_position_usd,
			max_concurrent_positions = excluded.max_concurrent_positions,
			daily_trade_limit = excluded.daily_trade_limit,
			hourly_trade_limit = excluded.hourly_trade_limit,
			stop_loss_pct = excluded.stop_loss_pct,
			take_profit_pct = excluded.take_profit_pct,
			leverage = excluded.leverage,
			trailing_enabled = excluded.trailing_enabled,
			partial_tp_enabled = excluded.partial_tp_enabled,
			max_hold_hours = excluded.max_hold_hours
	`,
		userID.String(), settings.RiskPerTradePct.String(), settings.MaxPositionUSD.String(),
		settings.MaxConcurrentPositions, settings.DailyTradeLimit, settings.HourlyTradeLimit,
		settings.StopLossPct.String(), settings.TakeProfitPct.String(), settings.Leverage.String(),
		settings.TrailingEnabled, settings.PartialTPEnabled, settings.MaxHoldHours,
	)
	if err != nil {
		return fmt.Errorf("save settings: %w", err)
	}
	return nil
}

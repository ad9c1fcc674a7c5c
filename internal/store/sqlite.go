// Package store implements the durable mirror and hybrid persistence
// layer (spec.md §4.8): a sqlite-backed table set grounded on the
// teacher's store/strategy.go migration idiom (CREATE TABLE IF NOT
// EXISTS, an ALTER TABLE guard for additive migrations, and an
// updated_at trigger), plus a process-wide TTL price cache and an
// optional Redis fast mirror grounded on koshedutech's
// redis_position_state.go.
package store

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore owns the durable tables backing positions, trades,
// re-evaluations, trading settings and the signal feed.
type SQLiteStore struct {
	db *sql.DB
}

// Open creates (or attaches to) the sqlite database at path and runs the
// schema migration.
func Open(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	s := &SQLiteStore{db: db}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initTables() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS positions (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			original_quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			stop_loss TEXT NOT NULL,
			take_profit TEXT NOT NULL,
			trailing_sl TEXT,
			peak_price TEXT,
			trailing_activated BOOLEAN NOT NULL DEFAULT 0,
			partial_tp_taken TEXT NOT NULL DEFAULT '{}',
			leverage TEXT NOT NULL,
			trading_mode TEXT NOT NULL,
			status TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_user_status ON positions(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_symbol ON positions(symbol)`,
		`CREATE TRIGGER IF NOT EXISTS update_positions_updated_at
			AFTER UPDATE ON positions
			BEGIN
				UPDATE positions SET updated_at = CURRENT_TIMESTAMP WHERE id = NEW.id;
			END`,

		`CREATE TABLE IF NOT EXISTS monitored_positions (
			position_id TEXT PRIMARY KEY REFERENCES positions(id),
			unmonitored BOOLEAN NOT NULL DEFAULT 0,
			ghost_since DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS trades (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			quantity TEXT NOT NULL,
			entry_price TEXT NOT NULL,
			exit_price TEXT NOT NULL,
			realized_pnl TEXT NOT NULL,
			pnl_pct TEXT NOT NULL,
			close_reason TEXT NOT NULL,
			opened_at DATETIME NOT NULL,
			closed_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_user_symbol ON trades(user_id, symbol)`,

		`CREATE TABLE IF NOT EXISTS position_reevaluations (
			id TEXT PRIMARY KEY,
			position_id TEXT NOT NULL,
			type TEXT NOT NULL,
			old_sl TEXT NOT NULL,
			new_sl TEXT NOT NULL,
			old_tp TEXT NOT NULL,
			new_tp TEXT NOT NULL,
			reason TEXT NOT NULL,
			action_taken TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_reeval_position ON position_reevaluations(position_id)`,

		`CREATE TABLE IF NOT EXISTS trading_settings (
			user_id TEXT PRIMARY KEY,
			risk_per_trade_pct TEXT NOT NULL,
			max_position_usd TEXT NOT NULL,
			max_concurrent_positions INTEGER NOT NULL,
			daily_trade_limit INTEGER NOT NULL,
			hourly_trade_limit INTEGER NOT NULL,
			stop_loss_pct TEXT NOT NULL,
			take_profit_pct TEXT NOT NULL,
			leverage TEXT NOT NULL,
			trailing_enabled BOOLEAN NOT NULL,
			partial_tp_enabled BOOLEAN NOT NULL,
			max_hold_hours INTEGER NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TRIGGER IF NOT EXISTS update_trading_settings_updated_at
			AFTER UPDATE ON trading_settings
			BEGIN
				UPDATE trading_settings SET updated_at = CURRENT_TIMESTAMP WHERE user_id = NEW.user_id;
			END`,

		`CREATE TABLE IF NOT EXISTS trading_signals (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			confidence REAL NOT NULL,
			source TEXT NOT NULL,
			reasoning TEXT NOT NULL DEFAULT '',
			user_id TEXT,
			stop_loss TEXT,
			take_profit TEXT,
			expires_at DATETIME,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol_created ON trading_signals(symbol, created_at)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w", err)
		}
	}

	// Additive migration guard: older databases created before the
	// validator_score column existed get it added (no reasons column is
	// created, and existing rows are left NULL).
	if !s.columnExists("trading_signals", "validator_score") {
		if _, err := s.db.Exec(`ALTER TABLE trading_signals ADD COLUMN validator_score REAL`); err != nil {
			return fmt.Errorf("migrate trading_signals.validator_score: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) columnExists(table, column string) bool {
	rows, err := s.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return false
		}
		if name == column {
			return true
		}
	}
	return false
}

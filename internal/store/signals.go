package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/poorman/tradecore/internal/domain"
)

// FetchCandidateSignals implements signal.Store: rows addressed to this
// user (or global, UserID NULL), from a whitelisted source, created on
// or after since.
func (s *SQLiteStore) FetchCandidateSignals(userID uuid.UUID, whitelist []string, since time.Time) ([]domain.Signal, error) {
	if len(whitelist) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(whitelist))
	args := make([]any, 0, len(whitelist)+2)
	args = append(args, userID.String(), since)
	for i, src := range whitelist {
		placeholders[i] = "?"
		args = append(args, src)
	}

	query := fmt.Sprintf(`
		SELECT id, symbol, action, confidence, source, reasoning, user_id,
			stop_loss, take_profit, expires_at, created_at
		FROM trading_signals
		WHERE (user_id = ? OR user_id IS NULL)
			AND created_at >= ?
			AND source IN (%s)
		ORDER BY confidence DESC
	`, strings.Join(placeholders, ","))

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query candidate signals: %w", err)
	}
	defer rows.Close()

	var out []domain.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, rows.Err()
}

func scanSignal(row rowScanner) (domain.Signal, error) {
	var (
		id, symbol, action, source, reasoning string
		confidence                            float64
		userID                                sql.NullString
		stopLoss, takeProfit                  sql.NullString
		expiresAt                             sql.NullTime
		createdAt                             time.Time
	)
	if err := row.Scan(&id, &symbol, &action, &confidence, &source, &reasoning,
		&userID, &stopLoss, &takeProfit, &expiresAt, &createdAt); err != nil {
		return domain.Signal{}, fmt.Errorf("scan signal: %w", err)
	}

	sig := domain.Signal{
		ID:         uuid.MustParse(id),
		Symbol:     symbol,
		Action:     domain.Action(action),
		Confidence: confidence,
		Source:     source,
		Reasoning:  reasoning,
		CreatedAt:  createdAt,
	}
	if userID.Valid {
		u := uuid.MustParse(userID.String)
		sig.UserID = &u
	}
	if stopLoss.Valid {
		v := mustDecimal(stopLoss.String)
		sig.StopLoss = &v
	}
	if takeProfit.Valid {
		v := mustDecimal(takeProfit.String)
		sig.TakeProfit = &v
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		sig.ExpiresAt = &t
	}
	return sig, nil
}

// InsertSignal is used by tests and by whatever external ingestion path
// feeds the signal table; the engine itself only ever reads this table.
func (s *SQLiteStore) InsertSignal(sig domain.Signal) error {
	var userID sql.NullString
	if sig.UserID != nil {
		userID = sql.NullString{String: sig.UserID.String(), Valid: true}
	}
	var stopLoss, takeProfit sql.NullString
	if sig.StopLoss != nil {
		stopLoss = sql.NullString{String: sig.StopLoss.String(), Valid: true}
	}
	if sig.TakeProfit != nil {
		takeProfit = sql.NullString{String: sig.TakeProfit.String(), Valid: true}
	}
	var expiresAt sql.NullTime
	if sig.ExpiresAt != nil {
		expiresAt = sql.NullTime{Time: *sig.ExpiresAt, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO trading_signals (id, symbol, action, confidence, source,
			reasoning, user_id, stop_loss, take_profit, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, sig.ID.String(), sig.Symbol, string(sig.Action), sig.Confidence, sig.Source,
		sig.Reasoning, userID, stopLoss, takeProfit, expiresAt, sig.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	return nil
}

// CountUnexpiredSameDirection counts other signals on (symbol, action)
// that have not yet expired, the input to the validator's consensus step.
func (s *SQLiteStore) CountUnexpiredSameDirection(excludeID uuid.UUID, symbol string, action domain.Action, now time.Time) (int, error) {
	var count int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM trading_signals
		WHERE symbol = ? AND action = ? AND id != ?
			AND (expires_at IS NULL OR expires_at > ?)
	`, symbol, string(action), excludeID.String(), now).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count consensus signals: %w", err)
	}
	return count, nil
}

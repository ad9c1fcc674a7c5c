// Package signal implements the Signal Store Reader and Signal Validator
// (spec.md §4.2, §4.3): pure functions over an already-fetched snapshot of
// candidate signals.
package signal

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/poorman/tradecore/internal/domain"
)

// Store is the durable collaborator the reader queries. Implementations
// live in internal/store; the reader itself never mutates anything.
type Store interface {
	FetchCandidateSignals(userID uuid.UUID, whitelist []string, since time.Time) ([]domain.Signal, error)
}

// Reader pulls and deduplicates fresh signals for a user's Auto-Trader
// cycle.
type Reader struct {
	store     Store
	whitelist []string
	freshness time.Duration
}

func NewReader(store Store, whitelist []string, freshness time.Duration) *Reader {
	return &Reader{store: store, whitelist: whitelist, freshness: freshness}
}

// Fetch returns deduplicated, newest-first candidate signals for a user.
func (r *Reader) Fetch(userID uuid.UUID, now time.Time) ([]domain.Signal, error) {
	since := now.Add(-r.freshness)
	rows, err := r.store.FetchCandidateSignals(userID, r.whitelist, since)
	if err != nil {
		return nil, err
	}
	filtered := make([]domain.Signal, 0, len(rows))
	for _, s := range rows {
		if s.Action == domain.ActionHold {
			continue
		}
		if s.CreatedAt.Before(since) {
			continue
		}
		filtered = append(filtered, s)
	}
	return Dedupe(filtered), nil
}

// Dedupe keeps only the newest signal per (symbol, action). Fetch has
// already scoped the query to one user (that user's signals plus global
// ones), so every input resolves to the same user and the key has no
// user component.
func Dedupe(signals []domain.Signal) []domain.Signal {
	sorted := make([]domain.Signal, len(signals))
	copy(sorted, signals)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].CreatedAt.After(sorted[j].CreatedAt)
	})

	type key struct {
		symbol string
		action domain.Action
	}
	seen := make(map[key]bool, len(sorted))
	out := make([]domain.Signal, 0, len(sorted))
	for _, s := range sorted {
		k := key{symbol: s.Symbol, action: s.Action}
		if seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, s)
	}
	return out
}

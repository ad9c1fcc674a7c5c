package trader

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// RateLimiter enforces the per-cycle/per-hour/per-day trade caps spec.md
// §4.6's pre-flight step names. Hourly and daily windows are sliding
// (old timestamps are trimmed on each check); the cycle counter is reset
// explicitly once per Auto-Trader tick.
type RateLimiter struct {
	mu         sync.Mutex
	hourly     map[uuid.UUID][]time.Time
	daily      map[uuid.UUID][]time.Time
	cycleCount map[uuid.UUID]int
}

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		hourly:     make(map[uuid.UUID][]time.Time),
		daily:      make(map[uuid.UUID][]time.Time),
		cycleCount: make(map[uuid.UUID]int),
	}
}

// ResetCycle clears the per-cycle counter at the start of a new tick.
func (r *RateLimiter) ResetCycle(userID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycleCount[userID] = 0
}

// Allow reports whether one more trade may be placed this cycle without
// exceeding any of the three caps, evaluated at now.
func (r *RateLimiter) Allow(userID uuid.UUID, now time.Time, maxCycle, maxHour, maxDay int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.hourly[userID] = trim(r.hourly[userID], now.Add(-time.Hour))
	r.daily[userID] = trim(r.daily[userID], now.Add(-24*time.Hour))

	if r.cycleCount[userID] >= maxCycle {
		return false
	}
	if len(r.hourly[userID]) >= maxHour {
		return false
	}
	if len(r.daily[userID]) >= maxDay {
		return false
	}
	return true
}

// RecordTrade registers a placed trade against all three windows.
func (r *RateLimiter) RecordTrade(userID uuid.UUID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cycleCount[userID]++
	r.hourly[userID] = append(r.hourly[userID], now)
	r.daily[userID] = append(r.daily[userID], now)
}

func trim(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}

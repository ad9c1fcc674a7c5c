package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/poorman/tradecore/internal/domain"
)

const (
	positionKeyPrefix     = "tradecore:position"
	positionListKeyPrefix = "tradecore:positions"
	positionMirrorTTL     = 48 * time.Hour
)

// mirrorRecord is the JSON-on-the-wire shape of a position, independent
// of the sqlite column layout.
type mirrorRecord struct {
	ID                uuid.UUID         `json:"id"`
	UserID            uuid.UUID         `json:"user_id"`
	Symbol            string            `json:"symbol"`
	Side              domain.Side       `json:"side"`
	Quantity          string            `json:"quantity"`
	OriginalQuantity  string            `json:"original_quantity"`
	EntryPrice        string            `json:"entry_price"`
	StopLoss          string            `json:"stop_loss"`
	TakeProfit        string            `json:"take_profit"`
	TrailingSL        *string           `json:"trailing_sl,omitempty"`
	PeakPrice         *string           `json:"peak_price,omitempty"`
	TrailingActivated bool              `json:"trailing_activated"`
	PartialTPTaken    map[int]bool      `json:"partial_tp_taken"`
	Leverage          string            `json:"leverage"`
	TradingMode       domain.TradingMode `json:"trading_mode"`
	Status            domain.PositionStatus `json:"status"`
	OpenedAt          time.Time         `json:"opened_at"`
	ClosedAt          *time.Time        `json:"closed_at,omitempty"`
}

func toMirrorRecord(p *domain.Position) mirrorRecord {
	r := mirrorRecord{
		ID: p.ID, UserID: p.UserID, Symbol: p.Symbol, Side: p.Side,
		Quantity: p.Quantity.String(), OriginalQuantity: p.OriginalQuantity.String(),
		EntryPrice: p.EntryPrice.String(), StopLoss: p.StopLoss.String(),
		TakeProfit: p.TakeProfit.String(), TrailingActivated: p.TrailingActivated,
		PartialTPTaken: p.PartialTPTaken, Leverage: p.Leverage.String(),
		TradingMode: p.TradingMode, Status: p.Status, OpenedAt: p.OpenedAt, ClosedAt: p.ClosedAt,
	}
	if p.TrailingSL != nil {
		v := p.TrailingSL.String()
		r.TrailingSL = &v
	}
	if p.PeakPrice != nil {
		v := p.PeakPrice.String()
		r.PeakPrice = &v
	}
	return r
}

func fromMirrorRecord(r mirrorRecord) *domain.Position {
	p := &domain.Position{
		ID: r.ID, UserID: r.UserID, Symbol: r.Symbol, Side: r.Side,
		Quantity: mustDecimal(r.Quantity), OriginalQuantity: mustDecimal(r.OriginalQuantity),
		EntryPrice: mustDecimal(r.EntryPrice), StopLoss: mustDecimal(r.StopLoss),
		TakeProfit: mustDecimal(r.TakeProfit), TrailingActivated: r.TrailingActivated,
		PartialTPTaken: r.PartialTPTaken, Leverage: mustDecimal(r.Leverage),
		TradingMode: r.TradingMode, Status: r.Status, OpenedAt: r.OpenedAt, ClosedAt: r.ClosedAt,
	}
	if r.TrailingSL != nil {
		v := mustDecimal(*r.TrailingSL)
		p.TrailingSL = &v
	}
	if r.PeakPrice != nil {
		v := mustDecimal(*r.PeakPrice)
		p.PeakPrice = &v
	}
	if p.PartialTPTaken == nil {
		p.PartialTPTaken = make(map[int]bool)
	}
	return p
}

// RedisMirror is the optional fast mirror of open-position state,
// grounded on koshedutech's RedisPositionStateRepository: it always
// writes an in-memory copy first, then best-effort mirrors to Redis,
// falling back to memory-only whenever Redis errors.
type RedisMirror struct {
	client    *redis.Client
	available atomic.Bool
	cacheMu   sync.RWMutex
	cache     map[string]*domain.Position // "userID:symbol" -> position
	log       zerolog.Logger
}

// NewRedisMirror wires an optional Redis client. A nil client runs the
// mirror in memory-only mode, which is a legitimate deployment choice,
// not a degraded one.
func NewRedisMirror(client *redis.Client, log zerolog.Logger) *RedisMirror {
	m := &RedisMirror{client: client, cache: make(map[string]*domain.Position), log: log}
	if client == nil {
		m.available.Store(false)
		return m
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		m.log.Warn().Err(err).Msg("redis mirror unavailable at startup, using in-memory cache")
		m.available.Store(false)
	} else {
		m.available.Store(true)
	}
	return m
}

func cacheKey(userID uuid.UUID, symbol string) string {
	return fmt.Sprintf("%s:%s", userID, symbol)
}

func positionKey(userID uuid.UUID, symbol string) string {
	return fmt.Sprintf("%s:%s:%s", positionKeyPrefix, userID, symbol)
}

func positionListKey(userID uuid.UUID) string {
	return fmt.Sprintf("%s:%s:list", positionListKeyPrefix, userID)
}

// Save mirrors a position's current state.
func (m *RedisMirror) Save(ctx context.Context, p *domain.Position) error {
	record := toMirrorRecord(p)
	key := cacheKey(p.UserID, p.Symbol)

	m.cacheMu.Lock()
	m.cache[key] = fromMirrorRecord(record)
	m.cacheMu.Unlock()

	if m.client == nil || !m.available.Load() {
		return nil
	}
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal position mirror: %w", err)
	}
	pipe := m.client.TxPipeline()
	pipe.Set(ctx, positionKey(p.UserID, p.Symbol), data, positionMirrorTTL)
	pipe.SAdd(ctx, positionListKey(p.UserID), p.Symbol)
	pipe.Expire(ctx, positionListKey(p.UserID), positionMirrorTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn().Err(err).Msg("redis mirror write failed, falling back to in-memory cache")
		m.available.Store(false)
	}
	return nil
}

// Delete removes a position from the mirror once it is fully closed.
func (m *RedisMirror) Delete(ctx context.Context, userID uuid.UUID, symbol string) error {
	m.cacheMu.Lock()
	delete(m.cache, cacheKey(userID, symbol))
	m.cacheMu.Unlock()

	if m.client == nil || !m.available.Load() {
		return nil
	}
	pipe := m.client.TxPipeline()
	pipe.Del(ctx, positionKey(userID, symbol))
	pipe.SRem(ctx, positionListKey(userID), symbol)
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.Warn().Err(err).Msg("redis mirror delete failed")
		m.available.Store(false)
	}
	return nil
}

// LoadAll returns every mirrored position for a user.
func (m *RedisMirror) LoadAll(ctx context.Context, userID uuid.UUID) (map[string]*domain.Position, error) {
	if m.client != nil && m.available.Load() {
		symbols, err := m.client.SMembers(ctx, positionListKey(userID)).Result()
		if err == nil {
			out := make(map[string]*domain.Position, len(symbols))
			for _, sym := range symbols {
				data, err := m.client.Get(ctx, positionKey(userID, sym)).Result()
				if err != nil {
					continue
				}
				var record mirrorRecord
				if err := json.Unmarshal([]byte(data), &record); err != nil {
					continue
				}
				out[sym] = fromMirrorRecord(record)
			}
			return out, nil
		}
		m.log.Warn().Err(err).Msg("redis mirror read failed, using in-memory cache")
		m.available.Store(false)
	}
	return m.loadAllFromCache(userID), nil
}

func (m *RedisMirror) loadAllFromCache(userID uuid.UUID) map[string]*domain.Position {
	m.cacheMu.RLock()
	defer m.cacheMu.RUnlock()
	prefix := userID.String() + ":"
	out := make(map[string]*domain.Position)
	for key, p := range m.cache {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			out[key[len(prefix):]] = p
		}
	}
	return out
}

// Available reports whether Redis is currently reachable.
func (m *RedisMirror) Available() bool { return m.available.Load() }

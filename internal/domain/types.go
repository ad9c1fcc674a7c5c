// Package domain holds the storage-agnostic entities shared by every
// component of the trading engine: users, signals, positions, trades and
// the re-evaluation audit trail.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// TradingMode selects the venue semantics a user trades under.
type TradingMode string

const (
	ModeSpot    TradingMode = "spot"
	ModeMargin  TradingMode = "margin"
	ModeFutures TradingMode = "futures"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Action is what a signal recommends.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// PositionStatus tracks the lifecycle of a Position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "OPEN"
	StatusClosed PositionStatus = "CLOSED"
)

// CloseReason records why a position or trade slice was closed.
type CloseReason string

const (
	CloseStopLoss     CloseReason = "stop_loss"
	CloseTakeProfit   CloseReason = "take_profit"
	CloseTrailingStop CloseReason = "trailing_stop"
	ClosePartialTP    CloseReason = "partial_tp"
	CloseTimeExit     CloseReason = "time_exit"
	CloseLiquidation  CloseReason = "liquidation_close"
	CloseManual       CloseReason = "manual"
	CloseGhostCleanup CloseReason = "ghost_cleanup"
)

// User owns an exchange selection, a trading mode and trading settings.
// Credential storage itself is an external concern; User only carries an
// opaque reference used to select the right broker client.
type User struct {
	ID                 uuid.UUID
	Exchange           string
	Mode               TradingMode
	APICredentialsRef  string
	Settings           TradingSettings
	HedgingEnabled     bool
}

// TradingSettings are the per-user knobs spec.md §3 names. Zero values are
// never used directly; DefaultTradingSettings fills in the documented
// defaults.
type TradingSettings struct {
	RiskPerTradePct        decimal.Decimal
	MaxPositionUSD         decimal.Decimal
	MaxConcurrentPositions int
	DailyTradeLimit        int
	HourlyTradeLimit       int
	StopLossPct            decimal.Decimal
	TakeProfitPct          decimal.Decimal
	Leverage               decimal.Decimal
	TrailingEnabled        bool
	PartialTPEnabled       bool
	MaxHoldHours           int
}

// DefaultTradingSettings returns the spec-mandated defaults, forcing
// leverage to 1.0 for spot users per the core invariant.
func DefaultTradingSettings(mode TradingMode) TradingSettings {
	leverage := decimal.NewFromInt(10)
	if mode == ModeSpot {
		leverage = decimal.NewFromInt(1)
	}
	return TradingSettings{
		RiskPerTradePct:        decimal.NewFromFloat(0.02),
		MaxPositionUSD:         decimal.NewFromInt(0), // 0 means "no explicit cap"
		MaxConcurrentPositions: 5,
		DailyTradeLimit:        15,
		HourlyTradeLimit:       5,
		StopLossPct:            decimal.NewFromFloat(0.02),
		TakeProfitPct:          decimal.NewFromFloat(0.04),
		Leverage:               leverage,
		TrailingEnabled:        true,
		PartialTPEnabled:       true,
		MaxHoldHours:           12,
	}
}

// Signal is an externally produced trading recommendation; the engine only
// ever reads rows of this shape.
type Signal struct {
	ID         uuid.UUID
	Symbol     string
	Action     Action
	Confidence float64
	Source     string
	Reasoning  string
	UserID     *uuid.UUID // nil means global (applies to every user)
	StopLoss   *decimal.Decimal
	TakeProfit *decimal.Decimal
	ExpiresAt  *time.Time
	CreatedAt  time.Time
}

// Position is a live or closed exchange position tracked by the engine.
type Position struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	Symbol            string
	Side              Side
	Quantity          decimal.Decimal
	OriginalQuantity  decimal.Decimal
	EntryPrice        decimal.Decimal
	StopLoss          decimal.Decimal
	TakeProfit        decimal.Decimal
	TrailingSL        *decimal.Decimal
	PeakPrice         *decimal.Decimal
	TrailingActivated bool
	PartialTPTaken    map[int]bool
	Leverage          decimal.Decimal
	TradingMode       TradingMode
	Status            PositionStatus
	OpenedAt          time.Time
	ClosedAt          *time.Time

	// dirty is set whenever a mutation happens and cleared once the
	// durable mirror has persisted it. Not part of the entity's semantic
	// identity, only of the hybrid-persistence bookkeeping.
	dirty bool
}

// MarkDirty flags the position as needing a mirror flush.
func (p *Position) MarkDirty() { p.dirty = true }

// Dirty reports whether the position has unflushed mutations.
func (p *Position) Dirty() bool { return p.dirty }

// ClearDirty resets the dirty flag after a successful flush.
func (p *Position) ClearDirty() { p.dirty = false }

// Clone returns a deep-enough copy safe to hand to external readers
// without exposing the monitor's internal map to mutation.
func (p *Position) Clone() *Position {
	cp := *p
	cp.PartialTPTaken = make(map[int]bool, len(p.PartialTPTaken))
	for k, v := range p.PartialTPTaken {
		cp.PartialTPTaken[k] = v
	}
	if p.TrailingSL != nil {
		v := *p.TrailingSL
		cp.TrailingSL = &v
	}
	if p.PeakPrice != nil {
		v := *p.PeakPrice
		cp.PeakPrice = &v
	}
	if p.ClosedAt != nil {
		v := *p.ClosedAt
		cp.ClosedAt = &v
	}
	return &cp
}

// Trade is the immutable record of a fully or partially closed position
// slice.
type Trade struct {
	ID           uuid.UUID
	PositionID   uuid.UUID
	UserID       uuid.UUID
	Symbol       string
	Side         Side
	Quantity     decimal.Decimal
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	RealizedPnL  decimal.Decimal
	PnLPct       decimal.Decimal
	CloseReason  CloseReason
	OpenedAt     time.Time
	ClosedAt     time.Time
}

// ReEvaluation is an append-only audit record of a position mutation.
type ReEvaluation struct {
	ID         uuid.UUID
	PositionID uuid.UUID
	Type       string
	OldSL      decimal.Decimal
	NewSL      decimal.Decimal
	OldTP      decimal.Decimal
	NewTP      decimal.Decimal
	Reason     string
	ActionTaken string
	Timestamp  time.Time
}

// SideSign returns +1 for long, -1 for short. Several formulas in the risk
// and monitor packages are symmetric under this sign.
func SideSign(s Side) int {
	if s == SideShort {
		return -1
	}
	return 1
}

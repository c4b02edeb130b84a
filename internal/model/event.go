package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EventType names a domain event kind.
type EventType string

const (
	EventPositionOpened      EventType = "PositionOpened"
	EventPositionClosed      EventType = "PositionClosed"
	EventPositionLiquidated  EventType = "PositionLiquidated"
	EventXPAwarded           EventType = "XPAwarded"
	EventLevelUp             EventType = "LevelUp"
	EventAchievementUnlocked EventType = "AchievementUnlocked"
)

// Event is an append-only record of a state change. Seq is assigned by the
// store when the bundle commits and is strictly increasing. Each event carries
// the resulting values so consumers never need to query the engine back.
type Event struct {
	Seq          uint64    `json:"seq"`
	ID           string    `json:"id"`
	Type         EventType `json:"type"`
	UserID       string    `json:"user_id"`
	PositionID   int64     `json:"position_id,omitempty"`
	InstrumentID string    `json:"instrument_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`

	// Position fields.
	Direction        Direction        `json:"direction,omitempty"`
	Leverage         int64            `json:"leverage,omitempty"`
	Collateral       *decimal.Decimal `json:"collateral,omitempty"`
	EntryPrice       *decimal.Decimal `json:"entry_price,omitempty"`
	LiquidationPrice *decimal.Decimal `json:"liquidation_price,omitempty"`
	ExitPrice        *decimal.Decimal `json:"exit_price,omitempty"`
	PnL              *decimal.Decimal `json:"pnl,omitempty"` // magnitude
	IsProfit         bool             `json:"is_profit,omitempty"`
	Fee              *decimal.Decimal `json:"fee,omitempty"`
	Balance          *decimal.Decimal `json:"balance,omitempty"`
	Liquidator       string           `json:"liquidator,omitempty"`
	Reward           *decimal.Decimal `json:"reward,omitempty"`

	// Progression fields.
	Activity    Activity `json:"activity,omitempty"`
	XP          uint64   `json:"xp,omitempty"`
	TotalXP     uint64   `json:"total_xp,omitempty"`
	Streak      uint64   `json:"streak,omitempty"`
	Level       uint64   `json:"level,omitempty"`
	MaxLeverage int64    `json:"max_leverage,omitempty"`
	Achievement string   `json:"achievement,omitempty"`
}

// Dec returns a pointer to a copy of v, for the optional decimal event fields.
func Dec(v decimal.Decimal) *decimal.Decimal { return &v }

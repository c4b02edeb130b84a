// Package model defines the core domain types shared across the position engine.
// All monetary values use shopspring/decimal, never float64 for money. Amounts
// are whole numbers in the instrument's smallest unit.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of a leveraged position.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// IsLong reports whether d is the long side.
func (d Direction) IsLong() bool { return d == Long }

// DirectionOf maps the is_long flag used by the position API to a Direction.
func DirectionOf(isLong bool) Direction {
	if isLong {
		return Long
	}
	return Short
}

// PositionStatus is the lifecycle state of a position. Open is the only
// non-terminal state; closed and liquidated positions are historical records.
type PositionStatus string

const (
	StatusOpen       PositionStatus = "open"
	StatusClosed     PositionStatus = "closed"
	StatusLiquidated PositionStatus = "liquidated"
)

// User is a trader's account and progression state. Created on registration,
// mutated only by the ledger and the progression engine, never deleted.
type User struct {
	ID                 string          `json:"id" db:"id"`
	TotalXP            uint64          `json:"total_xp" db:"total_xp"`
	Level              uint64          `json:"level" db:"level"`
	StreakDays         uint64          `json:"streak_days" db:"streak_days"`
	LastActivity       time.Time       `json:"last_activity" db:"last_activity"`
	Achievements       AchievementSet  `json:"achievement_mask" db:"achievement_mask"`
	Balance            decimal.Decimal `json:"balance" db:"balance"`
	TotalTrades        uint64          `json:"total_trades" db:"total_trades"`
	ProfitableTrades   uint64          `json:"profitable_trades" db:"profitable_trades"`
	MaxLeverageAllowed int64           `json:"max_leverage_allowed" db:"max_leverage_allowed"`
	Version            int64           `json:"version" db:"version"`
	CreatedAt          time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at" db:"updated_at"`
}

// Instrument is a tradable market. The current price is owned by the external
// price collaborator; daily volume is accounted by the ledger.
type Instrument struct {
	ID                   string          `json:"id" db:"id"`
	Name                 string          `json:"name" db:"name"`
	CurrentPrice         decimal.Decimal `json:"current_price" db:"current_price"`
	MaxLeverage          int64           `json:"max_leverage" db:"max_leverage"`
	MaintenanceMarginBps int64           `json:"maintenance_margin_bps" db:"maintenance_margin_bps"`
	Active               bool            `json:"active" db:"active"`
	DailyVolume          decimal.Decimal `json:"daily_volume" db:"daily_volume"`
	VolumeDay            time.Time       `json:"volume_day" db:"volume_day"`
	UpdatedAt            time.Time       `json:"updated_at" db:"updated_at"`
}

// Position is a collateralized leveraged exposure to one instrument.
// Everything except the terminal-transition fields is immutable after open.
type Position struct {
	ID               int64           `json:"id" db:"id"`
	UserID           string          `json:"user_id" db:"user_id"`
	InstrumentID     string          `json:"instrument_id" db:"instrument_id"`
	Direction        Direction       `json:"direction" db:"direction"`
	Leverage         int64           `json:"leverage" db:"leverage"`
	Collateral       decimal.Decimal `json:"collateral" db:"collateral"`
	EntryPrice       decimal.Decimal `json:"entry_price" db:"entry_price"`
	LiquidationPrice decimal.Decimal `json:"liquidation_price" db:"liquidation_price"`
	Status           PositionStatus  `json:"status" db:"status"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`

	// Set once, on close or liquidation.
	ExitPrice   decimal.Decimal `json:"exit_price" db:"exit_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"` // signed, after fee
	ClosedBy    string          `json:"closed_by,omitempty" db:"closed_by"`
}

// Active reports whether the position is still open.
func (p *Position) Active() bool { return p.Status == StatusOpen }

// Size is the notional exposure, collateral × leverage.
func (p *Position) Size() decimal.Decimal {
	return p.Collateral.Mul(decimal.NewFromInt(p.Leverage))
}

// Package risk implements the leverage, liquidation and PnL arithmetic for
// leveraged positions.
//
// Every function is pure: inputs are passed explicitly and nothing is stored.
// Amounts are checked fixed-point whole numbers (see checked.go); a multiply
// is always range-checked before the divide that follows it.
package risk

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/position-engine/internal/model"
)

const (
	// SystemMaxLeverage caps leverage regardless of user level or instrument.
	SystemMaxLeverage int64 = 100

	// FeeRateBps is the close fee charged on collateral (0.3%).
	FeeRateBps int64 = 30

	// LiquidationRewardBps is the share of collateral paid to the liquidator (5%).
	LiquidationRewardBps int64 = 500

	// BaseMaxLeverage is the leverage limit of a level-1 user; each level adds
	// LeveragePerLevel.
	BaseMaxLeverage  int64 = 10
	LeveragePerLevel int64 = 5

	// BpsDenominator is 100% in basis points.
	BpsDenominator int64 = 10_000

	// Precision is the fixed-point scale of the liquidation leverage factor.
	Precision int64 = 1_000_000
)

var (
	bps       = decimal.NewFromInt(BpsDenominator)
	precision = decimal.NewFromInt(Precision)
)

// ErrDegenerateLiquidation is returned when the liquidation price would be
// non-positive or indistinguishable from the entry price.
var ErrDegenerateLiquidation = fmt.Errorf("%w: liquidation price out of range", model.ErrValidation)

// ValidateLeverage fails with ErrInvalidLeverage unless
// 1 <= requested <= min(userMax, instrumentMax, systemMax).
func ValidateLeverage(userMax, instrumentMax, systemMax, requested int64) error {
	limit := min(userMax, instrumentMax, systemMax)
	if requested < 1 || requested > limit {
		return fmt.Errorf("%w: requested %d, allowed 1..%d", model.ErrInvalidLeverage, requested, limit)
	}
	return nil
}

// LiquidationPrice computes the price at which a position's margin is
// exhausted:
//
//	margin_factor   = (10000 - maintenance_margin_bps) * 100
//	leverage_factor = margin_factor / leverage
//	reduction       = entry * leverage_factor / 1_000_000
//
// long: entry - reduction, short: entry + reduction. The result is always a
// positive price strictly on the losing side of entry.
func LiquidationPrice(entry decimal.Decimal, isLong bool, leverage, maintenanceMarginBps int64) (decimal.Decimal, error) {
	if err := ValidateAmount(entry); err != nil {
		return decimal.Zero, err
	}
	if leverage < 1 || leverage > SystemMaxLeverage {
		return decimal.Zero, fmt.Errorf("%w: %d outside 1..%d", model.ErrInvalidLeverage, leverage, SystemMaxLeverage)
	}
	if maintenanceMarginBps < 0 || maintenanceMarginBps > BpsDenominator {
		return decimal.Zero, fmt.Errorf("%w: maintenance margin %d bps outside 0..%d",
			model.ErrValidation, maintenanceMarginBps, BpsDenominator)
	}

	marginFactor := (BpsDenominator - maintenanceMarginBps) * 100
	leverageFactor := decimal.NewFromInt(marginFactor / leverage)

	reduction, err := MulDiv(entry, leverageFactor, precision)
	if err != nil {
		return decimal.Zero, err
	}
	if reduction.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: entry %s too small for leverage %d", ErrDegenerateLiquidation, entry, leverage)
	}

	if isLong {
		if !reduction.LessThan(entry) {
			return decimal.Zero, fmt.Errorf("%w: long at %s with leverage %d has no margin",
				ErrDegenerateLiquidation, entry, leverage)
		}
		return Sub(entry, reduction)
	}
	return Add(entry, reduction)
}

// PnL returns the unrealized profit or loss magnitude of p at currentPrice:
// size * |current - entry| / entry, with size = collateral * leverage.
// Equal prices report a zero loss.
func PnL(p *model.Position, currentPrice decimal.Decimal) (magnitude decimal.Decimal, isProfit bool, err error) {
	size, err := Mul(p.Collateral, decimal.NewFromInt(p.Leverage))
	if err != nil {
		return decimal.Zero, false, err
	}

	entry := p.EntryPrice
	if p.Direction.IsLong() {
		isProfit = currentPrice.GreaterThan(entry)
	} else {
		isProfit = currentPrice.LessThan(entry)
	}
	diff := currentPrice.Sub(entry).Abs()

	magnitude, err = MulDiv(size, diff, entry)
	if err != nil {
		return decimal.Zero, false, err
	}
	return magnitude, isProfit, nil
}

// IsLiquidatable reports whether currentPrice has crossed p's liquidation price.
func IsLiquidatable(p *model.Position, currentPrice decimal.Decimal) bool {
	if p.Direction.IsLong() {
		return currentPrice.LessThanOrEqual(p.LiquidationPrice)
	}
	return currentPrice.GreaterThanOrEqual(p.LiquidationPrice)
}

// BpsOf returns amount * rateBps / 10000, truncated.
func BpsOf(amount decimal.Decimal, rateBps int64) (decimal.Decimal, error) {
	return MulDiv(amount, decimal.NewFromInt(rateBps), bps)
}

// Settlement is the outcome of closing a position at a given price.
type Settlement struct {
	GrossPnL    decimal.Decimal // magnitude before fee
	GrossProfit bool
	Fee         decimal.Decimal // nominal fee on collateral
	FeeCharged  decimal.Decimal // fee actually taken; less than Fee only when the loss ate the margin
	NetPnL      decimal.Decimal // signed, payout - collateral
	Payout      decimal.Decimal // credited back to the user, never negative
}

// IsProfit reports whether the trade made money after the fee.
func (s Settlement) IsProfit() bool { return s.NetPnL.IsPositive() }

// NetMagnitude is |NetPnL|.
func (s Settlement) NetMagnitude() decimal.Decimal { return s.NetPnL.Abs() }

// Settle prices a close of p at exitPrice. The fee is charged on every close,
// winning or losing, and losses are capped at the posted collateral.
func Settle(p *model.Position, exitPrice decimal.Decimal, feeBps int64) (Settlement, error) {
	gross, grossProfit, err := PnL(p, exitPrice)
	if err != nil {
		return Settlement{}, err
	}
	fee, err := BpsOf(p.Collateral, feeBps)
	if err != nil {
		return Settlement{}, err
	}

	payout := p.Collateral
	if grossProfit {
		if payout, err = Add(payout, gross); err != nil {
			return Settlement{}, err
		}
	} else {
		payout = payout.Sub(gross)
	}
	charged := fee
	if payout.LessThan(fee) {
		charged = decimal.Max(payout, decimal.Zero)
	}
	payout = decimal.Max(payout.Sub(charged), decimal.Zero)

	return Settlement{
		GrossPnL:    gross,
		GrossProfit: grossProfit,
		Fee:         fee,
		FeeCharged:  charged,
		NetPnL:      payout.Sub(p.Collateral),
		Payout:      payout,
	}, nil
}

// MaxLeverageForLevel is min(10 + (level-1)*5, systemMax).
func MaxLeverageForLevel(level uint64, systemMax int64) int64 {
	if level <= 1 || systemMax <= BaseMaxLeverage {
		return min(BaseMaxLeverage, systemMax)
	}
	steps := level - 1
	if steps > uint64((systemMax-BaseMaxLeverage)/LeveragePerLevel)+1 {
		return systemMax
	}
	return min(BaseMaxLeverage+int64(steps)*LeveragePerLevel, systemMax)
}

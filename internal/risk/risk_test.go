package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/model"
)

func n(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func position(dir model.Direction, collateral, leverage, entry int64) *model.Position {
	return &model.Position{
		Direction:  dir,
		Collateral: n(collateral),
		Leverage:   leverage,
		EntryPrice: n(entry),
		Status:     model.StatusOpen,
	}
}

func TestValidateLeverage(t *testing.T) {
	tests := []struct {
		name                                 string
		user, instrument, system, requested int64
		ok                                   bool
	}{
		{"within all limits", 10, 50, 100, 10, true},
		{"minimum", 10, 50, 100, 1, true},
		{"above user limit", 10, 50, 100, 20, false},
		{"above instrument limit", 100, 5, 100, 6, false},
		{"above system limit", 150, 150, 100, 101, false},
		{"zero", 10, 50, 100, 0, false},
		{"negative", 10, 50, 100, -3, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLeverage(tt.user, tt.instrument, tt.system, tt.requested)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, model.ErrInvalidLeverage)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestLiquidationPrice_Scenario(t *testing.T) {
	long, err := LiquidationPrice(n(45000), true, 10, 500)
	require.NoError(t, err)
	assert.True(t, long.Equal(n(40725)), "long liquidation price = %s", long)

	short, err := LiquidationPrice(n(45000), false, 10, 500)
	require.NoError(t, err)
	assert.True(t, short.Equal(n(49275)), "short liquidation price = %s", short)
}

func TestLiquidationPrice_AlwaysOnLosingSide(t *testing.T) {
	entries := []int64{10_000, 45_000, 1_000_000, 123_456_789}
	margins := []int64{0, 500, 5000, 9900}
	leverages := []int64{1, 2, 10, 50, 100}

	for _, entry := range entries {
		for _, mm := range margins {
			for _, lev := range leverages {
				if mm == 0 && lev == 1 {
					continue // no margin at all: rejected, see below
				}
				long, err := LiquidationPrice(n(entry), true, lev, mm)
				require.NoError(t, err, "entry=%d mm=%d lev=%d", entry, mm, lev)
				assert.True(t, long.IsPositive(), "long must be > 0")
				assert.True(t, long.LessThan(n(entry)), "long %s must be < entry %d", long, entry)

				short, err := LiquidationPrice(n(entry), false, lev, mm)
				require.NoError(t, err)
				assert.True(t, short.GreaterThan(n(entry)), "short %s must be > entry %d", short, entry)
			}
		}
	}
}

func TestLiquidationPrice_Degenerate(t *testing.T) {
	// Fully unlevered long with no maintenance margin would liquidate at 0.
	_, err := LiquidationPrice(n(45000), true, 1, 0)
	assert.ErrorIs(t, err, ErrDegenerateLiquidation)

	// The short side of the same parameters is well defined.
	short, err := LiquidationPrice(n(45000), false, 1, 0)
	require.NoError(t, err)
	assert.True(t, short.Equal(n(90000)))

	// Price so small the reduction truncates to zero.
	_, err = LiquidationPrice(n(1), true, 10, 500)
	assert.ErrorIs(t, err, model.ErrValidation)

	// 100% maintenance margin leaves nothing to lose.
	_, err = LiquidationPrice(n(45000), false, 10, 10000)
	assert.ErrorIs(t, err, ErrDegenerateLiquidation)
}

func TestLiquidationPrice_InvalidInputs(t *testing.T) {
	_, err := LiquidationPrice(decimal.Zero, true, 10, 500)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)

	_, err = LiquidationPrice(n(45000), true, 0, 500)
	assert.ErrorIs(t, err, model.ErrInvalidLeverage)

	_, err = LiquidationPrice(n(45000), true, SystemMaxLeverage+1, 500)
	assert.ErrorIs(t, err, model.ErrInvalidLeverage)

	_, err = LiquidationPrice(n(45000), true, 10, 10001)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = LiquidationPrice(n(45000), true, 10, -1)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestLiquidationPrice_OverflowBoundary(t *testing.T) {
	// leverage 10, margin 500 bps: leverage_factor = 95000.
	factor := n(95000)
	largest, err := Quo(MaxAmount, factor)
	require.NoError(t, err)

	_, err = LiquidationPrice(largest, true, 10, 500)
	assert.NoError(t, err, "entry*factor == MaxAmount rounded down must not overflow")

	_, err = LiquidationPrice(largest.Add(n(1)), true, 10, 500)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = LiquidationPrice(MaxAmount, false, 10, 500)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = LiquidationPrice(MaxAmount.Add(n(1)), true, 10, 500)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}

func TestPnL_Scenario(t *testing.T) {
	p := position(model.Long, 1000, 10, 45000)

	pnl, profit, err := PnL(p, n(46000))
	require.NoError(t, err)
	assert.True(t, profit)
	assert.True(t, pnl.Equal(n(222)), "pnl = %s", pnl)
}

func TestPnL_Symmetric(t *testing.T) {
	for _, d := range []int64{1, 100, 999, 20000} {
		long := position(model.Long, 1000, 10, 45000)
		short := position(model.Short, 1000, 10, 45000)

		lm, lp, err := PnL(long, n(45000+d))
		require.NoError(t, err)
		sm, sp, err := PnL(short, n(45000-d))
		require.NoError(t, err)

		assert.True(t, lm.Equal(sm), "d=%d long=%s short=%s", d, lm, sm)
		assert.True(t, lp)
		assert.True(t, sp)

		// And the mirrored losses.
		lm, lp, _ = PnL(long, n(45000-d))
		sm, sp, _ = PnL(short, n(45000+d))
		assert.True(t, lm.Equal(sm))
		assert.False(t, lp)
		assert.False(t, sp)
	}
}

func TestPnL_FlatPriceIsNotProfit(t *testing.T) {
	for _, dir := range []model.Direction{model.Long, model.Short} {
		pnl, profit, err := PnL(position(dir, 1000, 10, 45000), n(45000))
		require.NoError(t, err)
		assert.False(t, profit)
		assert.True(t, pnl.IsZero())
	}
}

func TestPnL_Overflow(t *testing.T) {
	p := &model.Position{
		Direction:  model.Long,
		Collateral: MaxAmount,
		Leverage:   2,
		EntryPrice: n(45000),
	}
	_, _, err := PnL(p, n(46000))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)
}

func TestIsLiquidatable(t *testing.T) {
	long := position(model.Long, 1000, 10, 45000)
	long.LiquidationPrice = n(40725)
	assert.True(t, IsLiquidatable(long, n(40725)))
	assert.True(t, IsLiquidatable(long, n(30000)))
	assert.False(t, IsLiquidatable(long, n(40726)))

	short := position(model.Short, 1000, 10, 45000)
	short.LiquidationPrice = n(49275)
	assert.True(t, IsLiquidatable(short, n(49275)))
	assert.True(t, IsLiquidatable(short, n(60000)))
	assert.False(t, IsLiquidatable(short, n(49274)))
}

func TestSettle(t *testing.T) {
	t.Run("profit after fee", func(t *testing.T) {
		s, err := Settle(position(model.Long, 1000, 10, 45000), n(46000), FeeRateBps)
		require.NoError(t, err)
		assert.True(t, s.GrossPnL.Equal(n(222)))
		assert.True(t, s.Fee.Equal(n(3)))
		assert.True(t, s.FeeCharged.Equal(n(3)))
		assert.True(t, s.NetPnL.Equal(n(219)))
		assert.True(t, s.Payout.Equal(n(1219)))
		assert.True(t, s.IsProfit())
	})

	t.Run("flat close costs the fee", func(t *testing.T) {
		s, err := Settle(position(model.Short, 1000, 10, 45000), n(45000), FeeRateBps)
		require.NoError(t, err)
		assert.False(t, s.IsProfit())
		assert.True(t, s.NetMagnitude().Equal(s.Fee))
		assert.True(t, s.Payout.Equal(n(997)))
	})

	t.Run("fee charged on losses too", func(t *testing.T) {
		s, err := Settle(position(model.Long, 1000, 10, 45000), n(44000), FeeRateBps)
		require.NoError(t, err)
		assert.True(t, s.GrossPnL.Equal(n(222)))
		assert.True(t, s.NetPnL.Equal(n(-225)))
		assert.True(t, s.Payout.Equal(n(775)))
	})

	t.Run("loss capped at collateral", func(t *testing.T) {
		s, err := Settle(position(model.Long, 1000, 10, 45000), n(30000), FeeRateBps)
		require.NoError(t, err)
		assert.True(t, s.Payout.IsZero())
		assert.True(t, s.NetPnL.Equal(n(-1000)))
		assert.True(t, s.FeeCharged.IsZero())
	})

	t.Run("fee limited to what is left", func(t *testing.T) {
		// gross loss 998 leaves 2 of the 1000 collateral
		s, err := Settle(position(model.Long, 1000, 10, 45000), n(40505), FeeRateBps)
		require.NoError(t, err)
		assert.True(t, s.GrossPnL.Equal(n(998)))
		assert.True(t, s.Fee.Equal(n(3)))
		assert.True(t, s.FeeCharged.Equal(n(2)))
		assert.True(t, s.Payout.IsZero())
	})
}

func TestBpsOf(t *testing.T) {
	fee, err := BpsOf(n(1000), FeeRateBps)
	require.NoError(t, err)
	assert.True(t, fee.Equal(n(3)))

	reward, err := BpsOf(n(1000), LiquidationRewardBps)
	require.NoError(t, err)
	assert.True(t, reward.Equal(n(50)))

	// Truncation toward zero.
	fee, err = BpsOf(n(333), FeeRateBps)
	require.NoError(t, err)
	assert.True(t, fee.Equal(n(0)))
}

func TestMaxLeverageForLevel(t *testing.T) {
	tests := []struct {
		level  uint64
		system int64
		want   int64
	}{
		{1, 100, 10},
		{2, 100, 15},
		{3, 100, 20},
		{19, 100, 100},
		{20, 100, 100},
		{1_000_000, 100, 100},
		{9, 50, 50},
		{10, 50, 50},
		{1, 5, 5},
		{4, 5, 5},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MaxLeverageForLevel(tt.level, tt.system), "level %d system %d", tt.level, tt.system)
	}
}

func TestCheckedArithmetic(t *testing.T) {
	_, err := Add(MaxAmount, n(1))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = Sub(n(1), n(2))
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	_, err = Quo(n(1), decimal.Zero)
	assert.ErrorIs(t, err, model.ErrArithmeticOverflow)

	q, err := Quo(n(10000*1000), n(45000))
	require.NoError(t, err)
	assert.True(t, q.Equal(n(222)))

	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("1.5")), model.ErrInvalidAmount)
	assert.ErrorIs(t, ValidateAmount(n(-1)), model.ErrInvalidAmount)
	assert.NoError(t, ValidateAmount(MaxAmount))
}

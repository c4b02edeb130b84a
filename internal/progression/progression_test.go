package progression

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/risk"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newUser() *model.User {
	return &model.User{ID: "alice", Level: 1, MaxLeverageAllowed: 10}
}

func TestAward_FirstTrade(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	u.TotalTrades = 1

	a := e.Award(u, model.ActivityOpen, t0)

	assert.Equal(t, uint64(50), a.BaseXP)
	assert.Equal(t, uint64(1), a.Streak)
	assert.Equal(t, uint64(10), a.StreakBonus)
	assert.Equal(t, uint64(60), a.XP)
	require.Len(t, a.Unlocked, 1)
	assert.Equal(t, model.FirstTrade, a.Unlocked[0].Achievement)
	assert.Equal(t, uint64(100), a.Unlocked[0].Reward)
	assert.Equal(t, uint64(160), u.TotalXP)
	assert.Equal(t, a.TotalXP, u.TotalXP)
	assert.True(t, u.Achievements.Has(model.FirstTrade))
	assert.Equal(t, t0, u.LastActivity)

	// Level was computed from 60 XP, before the achievement reward.
	assert.Equal(t, uint64(1), u.Level)
	assert.False(t, a.LeveledUp())
}

func TestAward_AchievementXPCountsOnNextAward(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	u.TotalTrades = 1
	e.Award(u, model.ActivityOpen, t0)

	a := e.Award(u, model.ActivityClose, t0.Add(time.Hour))

	assert.Equal(t, uint64(35), a.XP) // 25 + streak 1 * 10
	assert.Equal(t, uint64(195), u.TotalXP)
	assert.True(t, a.LeveledUp())
	assert.Equal(t, uint64(2), u.Level)
	assert.Equal(t, int64(15), u.MaxLeverageAllowed)
	assert.Equal(t, int64(15), a.MaxLeverage)
}

func TestAward_BaseXPTable(t *testing.T) {
	tests := map[model.Activity]uint64{
		model.ActivityOpen:   50,
		model.ActivityLive:   100,
		model.ActivityProfit: 75,
		model.ActivityClose:  25,
		model.Activity("X"):  0,
	}
	for activity, want := range tests {
		assert.Equal(t, want, BaseXP(activity), "activity %s", activity)
	}
}

func TestAward_Streak(t *testing.T) {
	tests := []struct {
		name   string
		gap    time.Duration
		before uint64
		want   uint64
	}{
		{"same day unchanged", 10 * time.Hour, 3, 3},
		{"exactly one day extends", 24 * time.Hour, 3, 4},
		{"thirty hours extends", 30 * time.Hour, 3, 4},
		{"exactly two days extends", 48 * time.Hour, 3, 4},
		{"just over two days resets", 48*time.Hour + time.Second, 3, 1},
		{"a week away resets", 7 * 24 * time.Hour, 6, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEngine(risk.SystemMaxLeverage)
			u := newUser()
			u.StreakDays = tt.before
			u.LastActivity = t0
			u.Achievements = u.Achievements.With(model.FirstTrade)

			a := e.Award(u, model.ActivityLive, t0.Add(tt.gap))

			assert.Equal(t, tt.want, a.Streak)
			assert.Equal(t, tt.want, u.StreakDays)
			assert.Equal(t, 100+tt.want*10, a.XP)
		})
	}
}

func TestAward_AchievementGrantedOnce(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	u.TotalTrades = 1

	first := e.Award(u, model.ActivityOpen, t0)
	xpAfterFirst := u.TotalXP
	second := e.Award(u, model.ActivityOpen, t0.Add(time.Minute))

	assert.Len(t, first.Unlocked, 1)
	assert.Empty(t, second.Unlocked)
	assert.Equal(t, xpAfterFirst+second.XP, u.TotalXP)
}

func TestAward_TradeCountAchievements(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	u.TotalTrades = 100
	u.LastActivity = t0

	a := e.Award(u, model.ActivityOpen, t0.Add(time.Hour))

	var got []model.Achievement
	for _, un := range a.Unlocked {
		got = append(got, un.Achievement)
	}
	// FIRST_TRADE needs exactly one trade, so it is skipped here.
	assert.Equal(t, []model.Achievement{model.TraderNovice, model.TraderExpert}, got)
	assert.Equal(t, uint64(750), a.AchievementXP())
}

func TestAward_WeekWarrior(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	u.StreakDays = 6
	u.LastActivity = t0

	a := e.Award(u, model.ActivityLive, t0.Add(25*time.Hour))

	require.Len(t, a.Unlocked, 1)
	assert.Equal(t, model.WeekWarrior, a.Unlocked[0].Achievement)
	assert.Equal(t, uint64(300), a.Unlocked[0].Reward)
}

func TestAward_ProfitMaster(t *testing.T) {
	tests := []struct {
		total, profitable uint64
		granted           bool
	}{
		{10, 7, true},
		{10, 6, false},
		{20, 14, true},
		{9, 9, false},
	}
	for _, tt := range tests {
		e := NewEngine(risk.SystemMaxLeverage)
		u := newUser()
		u.TotalTrades = tt.total
		u.ProfitableTrades = tt.profitable
		u.Achievements = u.Achievements.With(model.TraderNovice)

		e.Award(u, model.ActivityProfit, t0)
		assert.Equal(t, tt.granted, u.Achievements.Has(model.ProfitMaster),
			"total=%d profitable=%d", tt.total, tt.profitable)
	}
}

func TestAward_TotalXPNeverDecreases(t *testing.T) {
	e := NewEngine(risk.SystemMaxLeverage)
	u := newUser()
	activities := []model.Activity{
		model.ActivityOpen, model.ActivityClose, model.ActivityProfit, model.ActivityLive,
	}
	gaps := []time.Duration{time.Minute, 30 * time.Hour, 100 * time.Hour, 0}

	now := t0
	prevXP, prevLevel, prevLev := u.TotalXP, u.Level, u.MaxLeverageAllowed
	for i := 0; i < 200; i++ {
		u.TotalTrades++
		now = now.Add(gaps[i%len(gaps)])
		e.Award(u, activities[i%len(activities)], now)

		require.GreaterOrEqual(t, u.TotalXP, prevXP)
		require.GreaterOrEqual(t, u.Level, prevLevel)
		require.GreaterOrEqual(t, u.MaxLeverageAllowed, prevLev)
		require.LessOrEqual(t, u.MaxLeverageAllowed, risk.SystemMaxLeverage)
		prevXP, prevLevel, prevLev = u.TotalXP, u.Level, u.MaxLeverageAllowed
	}
}

func TestLevelFor(t *testing.T) {
	tests := map[uint64]uint64{
		0:      1,
		99:     1,
		100:    2,
		399:    2,
		400:    3,
		900:    4,
		10_000: 11,
		10_099: 11,
	}
	for xp, want := range tests {
		assert.Equal(t, want, LevelFor(xp), "xp %d", xp)
	}
}

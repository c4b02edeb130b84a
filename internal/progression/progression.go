// Package progression implements the experience, level, streak and
// achievement state machine that rewards trading activity.
//
// Award is total over any valid user: it never fails, it only computes and
// mutates the user record it is handed. Persisting the record is the
// caller's job, so the ledger can commit it together with the trade.
package progression

import (
	"math"
	"time"

	"github.com/atmx/position-engine/internal/model"
	"github.com/atmx/position-engine/internal/risk"
)

const (
	// StreakWindowMin and StreakWindowMax bound the gap between activities
	// that extends a streak. Shorter gaps leave it unchanged; longer gaps
	// restart it at 1.
	StreakWindowMin = 24 * time.Hour
	StreakWindowMax = 48 * time.Hour

	// StreakBonusPerDay is the XP added per streak day on every award.
	StreakBonusPerDay uint64 = 10

	// XPPerLevelUnit scales total XP before the square root in LevelFor.
	XPPerLevelUnit uint64 = 100
)

var baseXP = map[model.Activity]uint64{
	model.ActivityOpen:   50,
	model.ActivityLive:   100,
	model.ActivityProfit: 75,
	model.ActivityClose:  25,
}

// BaseXP returns the fixed reward for an activity; unknown activities earn 0.
func BaseXP(a model.Activity) uint64 { return baseXP[a] }

type rule struct {
	id       model.Achievement
	reward   uint64
	unlocked func(u *model.User) bool
}

// rules are evaluated in this order on every award.
var rules = []rule{
	{model.FirstTrade, 100, func(u *model.User) bool { return u.TotalTrades == 1 }},
	{model.TraderNovice, 250, func(u *model.User) bool { return u.TotalTrades >= 10 }},
	{model.TraderExpert, 500, func(u *model.User) bool { return u.TotalTrades >= 100 }},
	{model.WeekWarrior, 300, func(u *model.User) bool { return u.StreakDays >= 7 }},
	{model.ProfitMaster, 750, func(u *model.User) bool {
		// profitable/total >= 0.70 without division
		return u.TotalTrades >= 10 && u.ProfitableTrades*100 >= u.TotalTrades*70
	}},
}

// AchievementReward returns the XP granted by an achievement.
func AchievementReward(a model.Achievement) uint64 {
	for _, r := range rules {
		if r.id == a {
			return r.reward
		}
	}
	return 0
}

// Unlock is an achievement granted during an award.
type Unlock struct {
	Achievement model.Achievement
	Reward      uint64
}

// Award describes everything one call to Engine.Award changed.
type Award struct {
	Activity      model.Activity
	BaseXP        uint64
	StreakBonus   uint64
	XP            uint64 // BaseXP + StreakBonus
	Streak        uint64
	PreviousLevel uint64
	Level         uint64
	MaxLeverage   int64
	TotalXP       uint64 // after achievement rewards
	Unlocked      []Unlock
}

// LeveledUp reports whether the award raised the user's level.
func (a Award) LeveledUp() bool { return a.Level > a.PreviousLevel }

// AchievementXP is the XP granted by achievements during the award.
func (a Award) AchievementXP() uint64 {
	var sum uint64
	for _, u := range a.Unlocked {
		sum += u.Reward
	}
	return sum
}

// Engine applies awards. It holds configuration only.
type Engine struct {
	systemMaxLeverage int64
}

// NewEngine creates an engine whose leverage unlocks are capped at
// systemMaxLeverage.
func NewEngine(systemMaxLeverage int64) *Engine {
	if systemMaxLeverage < 1 {
		systemMaxLeverage = risk.SystemMaxLeverage
	}
	return &Engine{systemMaxLeverage: systemMaxLeverage}
}

// Award grants XP for one activity performed at now and mutates u in place:
// streak, total XP, level and leverage limit, achievements, last activity.
//
// The level is recomputed from the activity XP before achievements are
// evaluated, so XP from an achievement counts toward the level on the next
// award.
func (e *Engine) Award(u *model.User, activity model.Activity, now time.Time) Award {
	a := Award{
		Activity:      activity,
		BaseXP:        BaseXP(activity),
		PreviousLevel: u.Level,
	}

	u.StreakDays = nextStreak(u.StreakDays, u.LastActivity, now)
	a.Streak = u.StreakDays
	a.StreakBonus = saturatingMul(u.StreakDays, StreakBonusPerDay)
	a.XP = saturatingAdd(a.BaseXP, a.StreakBonus)
	u.TotalXP = saturatingAdd(u.TotalXP, a.XP)

	if level := LevelFor(u.TotalXP); level > u.Level {
		u.Level = level
		u.MaxLeverageAllowed = max(u.MaxLeverageAllowed, risk.MaxLeverageForLevel(level, e.systemMaxLeverage))
	}

	for _, r := range rules {
		if u.Achievements.Has(r.id) || !r.unlocked(u) {
			continue
		}
		u.Achievements = u.Achievements.With(r.id)
		u.TotalXP = saturatingAdd(u.TotalXP, r.reward)
		a.Unlocked = append(a.Unlocked, Unlock{Achievement: r.id, Reward: r.reward})
	}

	u.LastActivity = now
	a.Level = u.Level
	a.MaxLeverage = u.MaxLeverageAllowed
	a.TotalXP = u.TotalXP
	return a
}

// LevelFor is floor(sqrt(totalXP / 100)) + 1.
func LevelFor(totalXP uint64) uint64 {
	return isqrt(totalXP/XPPerLevelUnit) + 1
}

func nextStreak(streak uint64, last, now time.Time) uint64 {
	if last.IsZero() {
		return 1
	}
	gap := now.Sub(last)
	switch {
	case gap < StreakWindowMin:
		return streak
	case gap <= StreakWindowMax:
		return streak + 1
	default:
		return 1
	}
}

func isqrt(n uint64) uint64 {
	r := uint64(math.Sqrt(float64(n)))
	for r > 0 && r*r > n {
		r--
	}
	for (r+1)*(r+1) <= n {
		r++
	}
	return r
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingMul(a, b uint64) uint64 {
	if a != 0 && b > math.MaxUint64/a {
		return math.MaxUint64
	}
	return a * b
}

package model

import "strings"

// Activity is a kind of user action that earns experience.
type Activity string

const (
	ActivityOpen   Activity = "OPEN"
	ActivityLive   Activity = "LIVE"
	ActivityProfit Activity = "PROFIT"
	ActivityClose  Activity = "CLOSE"
)

// ParseActivity accepts an activity name in any case.
func ParseActivity(s string) (Activity, bool) {
	switch a := Activity(strings.ToUpper(s)); a {
	case ActivityOpen, ActivityLive, ActivityProfit, ActivityClose:
		return a, true
	}
	return "", false
}

// Achievement identifies a one-time milestone. The value is its bit index in
// an AchievementSet.
type Achievement uint8

const (
	FirstTrade Achievement = iota
	TraderNovice
	TraderExpert
	WeekWarrior
	ProfitMaster
)

// Achievements lists every achievement in evaluation order.
var Achievements = []Achievement{FirstTrade, TraderNovice, TraderExpert, WeekWarrior, ProfitMaster}

var achievementNames = map[Achievement]string{
	FirstTrade:   "FIRST_TRADE",
	TraderNovice: "TRADER_NOVICE",
	TraderExpert: "TRADER_EXPERT",
	WeekWarrior:  "WEEK_WARRIOR",
	ProfitMaster: "PROFIT_MASTER",
}

func (a Achievement) String() string {
	if name, ok := achievementNames[a]; ok {
		return name
	}
	return "UNKNOWN"
}

// AchievementSet is the achievement mask: bit n set means achievement n has
// been granted. Bits are only ever added.
type AchievementSet uint32

// Has reports whether a is in the set.
func (s AchievementSet) Has(a Achievement) bool {
	return s&(1<<a) != 0
}

// With returns the set with a added.
func (s AchievementSet) With(a Achievement) AchievementSet {
	return s | 1<<a
}

// Names returns the granted achievements in evaluation order.
func (s AchievementSet) Names() []string {
	names := []string{}
	for _, a := range Achievements {
		if s.Has(a) {
			names = append(names, a.String())
		}
	}
	return names
}

// Package group defines the group record owned by the group service.
package group

import "time"

// Defaults applied at creation.
const (
	DefaultDailyStepsGoal  = 5000
	DefaultWeeklyStepsGoal = 35000
)

// Group is the canonical group record. Members is the group-side half of the
// membership relation. The step totals are derived values: at every quiescent
// point they equal the sum of the members' tallies.
type Group struct {
	ID       string `json:"id"`
	Nickname string `json:"nickname"`
	Name     string `json:"name"`

	Members []string `json:"members"`

	DailyStepsTotal  int `json:"daily_steps_total"`
	WeeklyStepsTotal int `json:"weekly_steps_total"`
	DailyStepsGoal   int `json:"daily_steps_goal"`
	WeeklyStepsGoal  int `json:"weekly_steps_goal"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"-"`
}

// HasMember reports whether the user is in the member list.
func (g *Group) HasMember(userID string) bool {
	for _, id := range g.Members {
		if id == userID {
			return true
		}
	}
	return false
}

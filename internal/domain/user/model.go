// Package user defines the user record owned by the user service.
package user

import "time"

// Defaults applied at registration.
const (
	DefaultDailyStepsGoal  = 5000
	DefaultWeeklyStepsGoal = 35000
)

// User is the canonical user record. GroupRef is the user-side half of a
// group membership; it must agree with the group's member list at every
// quiescent point. Version backs optimistic concurrency at the storage
// boundary.
type User struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`
	Nickname   string `json:"nickname"`
	Email      string `json:"email"`
	Picture    string `json:"picture"`
	AppTheme   string `json:"app_theme"`

	GroupRef string `json:"group_ref,omitempty"`

	DailySteps      int `json:"daily_steps"`
	WeeklySteps     int `json:"weekly_steps"`
	DailyStepsGoal  int `json:"daily_steps_goal"`
	WeeklyStepsGoal int `json:"weekly_steps_goal"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"-"`
}

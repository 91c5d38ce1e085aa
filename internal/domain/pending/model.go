// Package pending defines the pending-operation log entry. A pending op is a
// locally committed mutation whose paired remote mutation has not yet been
// confirmed; the reconciliation sweeper replays it with its original
// idempotency key until it succeeds or the failure ceiling is hit.
package pending

import "time"

// Kind identifies the remote half to replay.
type Kind string

const (
	// KindSetGroupRef sets user.group_ref = GroupID on the user service.
	KindSetGroupRef Kind = "set_group_ref"

	// KindClearGroupRef clears user.group_ref on the user service.
	KindClearGroupRef Kind = "clear_group_ref"

	// KindGroupAggregate applies DailyDelta/WeeklyDelta to the group's
	// step totals on the group service.
	KindGroupAggregate Kind = "group_aggregate"
)

// Status of a pending op.
type Status string

const (
	// StatusPending: awaiting replay.
	StatusPending Status = "pending"

	// StatusInconsistent: the failure ceiling was hit. The op stays in the
	// store as an alert-worthy inconsistency until resolved out of band.
	StatusInconsistent Status = "inconsistent"
)

// Op is one pending remote mutation.
type Op struct {
	ID      string `json:"id"`
	Kind    Kind   `json:"kind"`
	UserID  string `json:"user_id"`
	GroupID string `json:"group_id"`

	DailyDelta  int `json:"daily_delta,omitempty"`
	WeeklyDelta int `json:"weekly_delta,omitempty"`

	// IdempotencyKey is the key of the original attempt; replays carry it
	// unchanged so the remote effect is applied at most once.
	IdempotencyKey string `json:"idempotency_key"`

	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	NextAttempt time.Time `json:"next_attempt"`
	LastError   string    `json:"last_error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

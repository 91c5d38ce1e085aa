package svcclient

import (
	"context"
	"fmt"

	"github.com/stridehq/stride/internal/domain/user"
)

// Wire types for the internal endpoints. The server handlers decode into the
// same structs so both sides stay in lockstep.

// GroupRefRequest sets or clears a user's group reference. GroupID empty
// means clear; PreviousGroupID guards a clear so a replayed op cannot undo a
// newer membership.
type GroupRefRequest struct {
	GroupID         string `json:"group_id"`
	PreviousGroupID string `json:"previous_group_id,omitempty"`
}

// StepDeltaRequest applies a non-negative tally increment to a user.
type StepDeltaRequest struct {
	DailyDelta  int `json:"daily_delta"`
	WeeklyDelta int `json:"weekly_delta"`
}

// StepDeltaResult reports the tallies after the increment, along with the
// user's group reference so the caller can propagate the delta.
type StepDeltaResult struct {
	UserID      string `json:"user_id"`
	GroupRef    string `json:"group_ref,omitempty"`
	DailySteps  int    `json:"daily_steps"`
	WeeklySteps int    `json:"weekly_steps"`
}

// AggregateRequest applies a signed delta to a group's step totals.
type AggregateRequest struct {
	DailyDelta  int `json:"daily_delta"`
	WeeklyDelta int `json:"weekly_delta"`
}

// ResetRequest zeroes tallies. Scope is "daily" or "weekly".
type ResetRequest struct {
	Scope string `json:"scope"`
}

// UserAPI is the typed view of the user service's internal endpoints.
type UserAPI struct {
	client *Client
}

// NewUserAPI wraps the client.
func NewUserAPI(client *Client) *UserAPI {
	return &UserAPI{client: client}
}

// GetUser reads the full user record.
func (a *UserAPI) GetUser(ctx context.Context, userID string) (user.User, error) {
	var u user.User
	if err := a.client.Get(ctx, "/internal/users/"+userID, &u); err != nil {
		return user.User{}, err
	}
	return u, nil
}

// SetGroupRef points the user at the group. The user service refuses with a
// conflict when the reference is already set to a different group.
func (a *UserAPI) SetGroupRef(ctx context.Context, userID, groupID, idempotencyKey string) error {
	body := GroupRefRequest{GroupID: groupID}
	return a.client.Put(ctx, "/internal/users/"+userID+"/group-ref", body, idempotencyKey, nil)
}

// ClearGroupRef clears the reference, guarded by the group it should still
// point at.
func (a *UserAPI) ClearGroupRef(ctx context.Context, userID, previousGroupID, idempotencyKey string) error {
	body := GroupRefRequest{PreviousGroupID: previousGroupID}
	return a.client.Put(ctx, "/internal/users/"+userID+"/group-ref", body, idempotencyKey, nil)
}

// ApplyStepDelta increments the user's tallies and returns the result,
// including the group reference for propagation.
func (a *UserAPI) ApplyStepDelta(ctx context.Context, userID string, daily, weekly int, idempotencyKey string) (StepDeltaResult, error) {
	body := StepDeltaRequest{DailyDelta: daily, WeeklyDelta: weekly}
	var result StepDeltaResult
	if err := a.client.Put(ctx, "/internal/users/"+userID+"/steps", body, idempotencyKey, &result); err != nil {
		return StepDeltaResult{}, err
	}
	return result, nil
}

// ResetSteps zeroes all users' tallies for the scope.
func (a *UserAPI) ResetSteps(ctx context.Context, scope, idempotencyKey string) error {
	return a.client.Post(ctx, "/internal/users/reset", ResetRequest{Scope: scope}, idempotencyKey, nil)
}

// GroupAPI is the typed view of the group service's internal endpoints.
type GroupAPI struct {
	client *Client
}

// NewGroupAPI wraps the client.
func NewGroupAPI(client *Client) *GroupAPI {
	return &GroupAPI{client: client}
}

// ApplyAggregate applies a signed delta to the group's totals.
func (a *GroupAPI) ApplyAggregate(ctx context.Context, groupID string, daily, weekly int, idempotencyKey string) error {
	body := AggregateRequest{DailyDelta: daily, WeeklyDelta: weekly}
	return a.client.Put(ctx, fmt.Sprintf("/internal/groups/%s/aggregate", groupID), body, idempotencyKey, nil)
}

// ResetSteps zeroes all groups' totals for the scope.
func (a *GroupAPI) ResetSteps(ctx context.Context, scope, idempotencyKey string) error {
	return a.client.Post(ctx, "/internal/groups/reset", ResetRequest{Scope: scope}, idempotencyKey, nil)
}

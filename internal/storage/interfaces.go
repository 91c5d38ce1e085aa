// Package storage declares the persistence interfaces the services depend
// on. Implementations must be safe for concurrent use and must enforce
// optimistic concurrency: updates carry the Version read and fail with a
// conflict when the stored version has moved on.
package storage

import (
	"context"

	"github.com/stridehq/stride/internal/domain/group"
	"github.com/stridehq/stride/internal/domain/pending"
	"github.com/stridehq/stride/internal/domain/user"
)

// UserStore persists user records.
type UserStore interface {
	CreateUser(ctx context.Context, u user.User) (user.User, error)
	GetUser(ctx context.Context, id string) (user.User, error)
	ListUsers(ctx context.Context) ([]user.User, error)
	UpdateUser(ctx context.Context, u user.User) (user.User, error)
	DeleteUser(ctx context.Context, id string) error

	// ResetDailySteps / ResetWeeklySteps zero the respective tallies for
	// all users. These are the only operations permitted to lower them.
	ResetDailySteps(ctx context.Context) error
	ResetWeeklySteps(ctx context.Context) error
}

// GroupStore persists group records.
type GroupStore interface {
	CreateGroup(ctx context.Context, g group.Group) (group.Group, error)
	GetGroup(ctx context.Context, id string) (group.Group, error)
	ListGroups(ctx context.Context) ([]group.Group, error)
	UpdateGroup(ctx context.Context, g group.Group) (group.Group, error)
	DeleteGroup(ctx context.Context, id string) error

	ResetDailySteps(ctx context.Context) error
	ResetWeeklySteps(ctx context.Context) error
}

// PendingStore persists the pending-operation log.
type PendingStore interface {
	CreatePendingOp(ctx context.Context, op pending.Op) (pending.Op, error)
	UpdatePendingOp(ctx context.Context, op pending.Op) (pending.Op, error)
	GetPendingOp(ctx context.Context, id string) (pending.Op, error)
	DeletePendingOp(ctx context.Context, id string) error

	// ListPendingOps returns ops still awaiting replay, oldest first.
	ListPendingOps(ctx context.Context) ([]pending.Op, error)

	// ListInconsistentOps returns ops past the failure ceiling.
	ListInconsistentOps(ctx context.Context) ([]pending.Op, error)
}

// Package users implements the user service core: profile CRUD plus the
// internal, idempotency-keyed mutations the group and steps services call.
// Mutations to one user serialize on the user ID; the storage layer enforces
// a version compare-and-swap underneath.
package users

import (
	"context"
	"strings"

	"github.com/stridehq/stride/internal/domain/user"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/keylock"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/svcclient"
)

// Service is the user service core.
type Service struct {
	store storage.UserStore
	idem  idempotency.Store
	locks *keylock.KeyLock
	log   *logging.Logger
}

// New creates the service.
func New(store storage.UserStore, idem idempotency.Store, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("users")
	}
	return &Service{
		store: store,
		idem:  idem,
		locks: keylock.New(),
		log:   log,
	}
}

// Register creates a user with default goals and zero tallies.
func (s *Service) Register(ctx context.Context, u user.User) (user.User, error) {
	if strings.TrimSpace(u.ID) == "" {
		return user.User{}, serrors.InvalidArgument("user id is required")
	}
	if strings.TrimSpace(u.Nickname) == "" {
		return user.User{}, serrors.InvalidArgument("nickname is required")
	}
	u.GroupRef = ""
	u.DailySteps = 0
	u.WeeklySteps = 0
	if u.DailyStepsGoal <= 0 {
		u.DailyStepsGoal = user.DefaultDailyStepsGoal
	}
	if u.WeeklyStepsGoal <= 0 {
		u.WeeklyStepsGoal = user.DefaultWeeklyStepsGoal
	}
	created, err := s.store.CreateUser(ctx, u)
	if err != nil {
		return user.User{}, err
	}
	s.log.WithContext(ctx).WithField("user_id", created.ID).Info("user registered")
	return created, nil
}

// Get returns a user by ID.
func (s *Service) Get(ctx context.Context, id string) (user.User, error) {
	return s.store.GetUser(ctx, id)
}

// List returns users, optionally filtered by nickname. With loose matching
// the filter matches substrings; nameAlso extends the match to the name.
func (s *Service) List(ctx context.Context, nicknameFilter string, nameAlso, loose bool) ([]user.User, error) {
	all, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if nicknameFilter == "" {
		return all, nil
	}

	var out []user.User
	for _, u := range all {
		if matches(u.Nickname, nicknameFilter, loose) || (nameAlso && matches(u.Name, nicknameFilter, loose)) {
			out = append(out, u)
		}
	}
	return out, nil
}

func matches(value, filter string, loose bool) bool {
	if loose {
		return strings.Contains(value, filter)
	}
	return value == filter
}

// UpdateProfile updates the profile and goal fields. Tallies and the group
// reference are owned by the internal endpoints and are preserved.
func (s *Service) UpdateProfile(ctx context.Context, u user.User) (user.User, error) {
	s.locks.Lock(u.ID)
	defer s.locks.Unlock(u.ID)

	current, err := s.store.GetUser(ctx, u.ID)
	if err != nil {
		return user.User{}, err
	}

	current.Name = u.Name
	current.GivenName = u.GivenName
	current.FamilyName = u.FamilyName
	current.Nickname = u.Nickname
	current.Email = u.Email
	current.Picture = u.Picture
	current.AppTheme = u.AppTheme
	if u.DailyStepsGoal > 0 {
		current.DailyStepsGoal = u.DailyStepsGoal
	}
	if u.WeeklyStepsGoal > 0 {
		current.WeeklyStepsGoal = u.WeeklyStepsGoal
	}
	return s.store.UpdateUser(ctx, current)
}

// Delete removes a user. A user with a group membership is never silently
// deleted; the membership must be removed first.
func (s *Service) Delete(ctx context.Context, id string) error {
	s.locks.Lock(id)
	defer s.locks.Unlock(id)

	current, err := s.store.GetUser(ctx, id)
	if err != nil {
		return err
	}
	if current.GroupRef != "" {
		return serrors.Conflict("user still belongs to a group").
			WithDetails("user_id", id).
			WithDetails("group_id", current.GroupRef)
	}
	return s.store.DeleteUser(ctx, id)
}

// GroupRefOf returns the user's group reference ("" when none).
func (s *Service) GroupRefOf(ctx context.Context, id string) (string, error) {
	u, err := s.store.GetUser(ctx, id)
	if err != nil {
		return "", err
	}
	return u.GroupRef, nil
}

// SetGroupRef is the user-side half of a membership change, called by the
// group service. Idempotent per key. Setting an already-set reference to the
// same group succeeds; to a different group it is a conflict. A clear is
// guarded by the group it should still point at, so a replayed clear cannot
// undo a newer membership.
func (s *Service) SetGroupRef(ctx context.Context, userID string, req svcclient.GroupRefRequest, idempotencyKey string) error {
	if idempotencyKey == "" {
		return serrors.InvalidArgument("idempotency key is required")
	}

	_, err := idempotency.Execute(ctx, s.idem, idempotencyKey, nil, func(ctx context.Context) (interface{}, error) {
		s.locks.Lock(userID)
		defer s.locks.Unlock(userID)

		current, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}

		if req.GroupID != "" {
			switch current.GroupRef {
			case req.GroupID:
				return map[string]string{"status": "unchanged"}, nil
			case "":
				current.GroupRef = req.GroupID
			default:
				return nil, serrors.Conflict("user already belongs to a group").
					WithDetails("user_id", userID).
					WithDetails("group_id", current.GroupRef)
			}
		} else {
			if current.GroupRef == "" || current.GroupRef != req.PreviousGroupID {
				// Already cleared, or re-pointed by a newer membership.
				return map[string]string{"status": "unchanged"}, nil
			}
			current.GroupRef = ""
		}

		if _, err := s.store.UpdateUser(ctx, current); err != nil {
			return nil, err
		}
		return map[string]string{"status": "applied"}, nil
	})
	return err
}

// ApplyStepDelta increments the user's tallies. Idempotent per key; zero is
// a no-op but is still deduplicated. Negative deltas are rejected before the
// idempotency check so a bad key is never burned.
func (s *Service) ApplyStepDelta(ctx context.Context, userID string, daily, weekly int, idempotencyKey string) (svcclient.StepDeltaResult, error) {
	if daily < 0 || weekly < 0 {
		return svcclient.StepDeltaResult{}, serrors.InvalidArgument("step delta must be non-negative")
	}
	if idempotencyKey == "" {
		return svcclient.StepDeltaResult{}, serrors.InvalidArgument("idempotency key is required")
	}

	var result svcclient.StepDeltaResult
	replayed, err := idempotency.Execute(ctx, s.idem, idempotencyKey, &result, func(ctx context.Context) (interface{}, error) {
		s.locks.Lock(userID)
		defer s.locks.Unlock(userID)

		current, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return nil, err
		}
		current.DailySteps += daily
		current.WeeklySteps += weekly

		updated, err := s.store.UpdateUser(ctx, current)
		if err != nil {
			return nil, err
		}
		return svcclient.StepDeltaResult{
			UserID:      updated.ID,
			GroupRef:    updated.GroupRef,
			DailySteps:  updated.DailySteps,
			WeeklySteps: updated.WeeklySteps,
		}, nil
	})
	if err != nil {
		return svcclient.StepDeltaResult{}, err
	}
	if replayed {
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": userID,
			"key":     idempotencyKey,
		}).Debug("step delta replay ignored")
	}
	return result, nil
}

// ResetSteps zeroes all tallies for the scope. The only path that lowers
// counters.
func (s *Service) ResetSteps(ctx context.Context, scope string) error {
	switch scope {
	case "daily":
		return s.store.ResetDailySteps(ctx)
	case "weekly":
		return s.store.ResetWeeklySteps(ctx)
	default:
		return serrors.InvalidArgument("scope must be daily or weekly").WithDetails("scope", scope)
	}
}

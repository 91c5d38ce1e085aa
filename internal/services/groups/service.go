// Package groups implements the group service core: group CRUD, the
// membership coordinator, and the internal aggregate endpoint.
//
// Membership spans two stores: the group's member list here and the user's
// group reference on the user service. There is no distributed transaction;
// the coordinator commits locally first, then issues the idempotent remote
// half. A transient remote failure leaves the membership in a pending-remote
// state recorded in the pending-op log for the reconciliation sweeper, and
// the operation still reports success.
package groups

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stridehq/stride/internal/domain/group"
	"github.com/stridehq/stride/internal/domain/pending"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/keylock"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/svcclient"
)

// casRetries bounds the optimistic update loop. Per-key locks keep real
// contention rare; the loop only absorbs version bumps from resets.
const casRetries = 5

// Service is the group service core.
type Service struct {
	store      storage.GroupStore
	pendings   storage.PendingStore
	idem       idempotency.Store
	users      *svcclient.UserAPI
	userLocks  *keylock.KeyLock
	groupLocks *keylock.KeyLock
	maxMembers int
	log        *logging.Logger
}

// New creates the service. maxMembers of 0 means unlimited.
func New(store storage.GroupStore, pendings storage.PendingStore, idem idempotency.Store, users *svcclient.UserAPI, maxMembers int, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("groups")
	}
	return &Service{
		store:      store,
		pendings:   pendings,
		idem:       idem,
		users:      users,
		userLocks:  keylock.New(),
		groupLocks: keylock.New(),
		maxMembers: maxMembers,
		log:        log,
	}
}

// Create adds a group and joins the creator to it. The original group is
// removed again when the creator cannot be joined, so a failed create leaves
// nothing behind.
func (s *Service) Create(ctx context.Context, creatorID, nickname, name string) (group.Group, error) {
	if strings.TrimSpace(nickname) == "" {
		return group.Group{}, serrors.InvalidArgument("nickname is required")
	}

	g := group.Group{
		Nickname:        nickname,
		Name:            name,
		DailyStepsGoal:  group.DefaultDailyStepsGoal,
		WeeklyStepsGoal: group.DefaultWeeklyStepsGoal,
	}
	created, err := s.store.CreateGroup(ctx, g)
	if err != nil {
		return group.Group{}, err
	}

	if err := s.AddMember(ctx, created.ID, creatorID); err != nil {
		if delErr := s.store.DeleteGroup(ctx, created.ID); delErr != nil {
			s.log.WithContext(ctx).WithError(delErr).Warnf("orphaned group %s after failed create", created.ID)
		}
		return group.Group{}, err
	}
	return s.store.GetGroup(ctx, created.ID)
}

// Get returns a group by ID.
func (s *Service) Get(ctx context.Context, id string) (group.Group, error) {
	return s.store.GetGroup(ctx, id)
}

// List returns groups, optionally filtered by nickname (and name when
// nameAlso is set; substring match when loose).
func (s *Service) List(ctx context.Context, nicknameFilter string, nameAlso, loose bool) ([]group.Group, error) {
	all, err := s.store.ListGroups(ctx)
	if err != nil {
		return nil, err
	}
	if nicknameFilter == "" {
		return all, nil
	}

	var out []group.Group
	for _, g := range all {
		if matches(g.Nickname, nicknameFilter, loose) || (nameAlso && matches(g.Name, nicknameFilter, loose)) {
			out = append(out, g)
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

// UpdateProfile updates a group's profile and goal fields. Member list and
// totals are owned by the coordinator and aggregate paths.
func (s *Service) UpdateProfile(ctx context.Context, g group.Group) (group.Group, error) {
	return s.updateGroup(ctx, g.ID, func(current *group.Group) error {
		current.Nickname = g.Nickname
		current.Name = g.Name
		if g.DailyStepsGoal > 0 {
			current.DailyStepsGoal = g.DailyStepsGoal
		}
		if g.WeeklyStepsGoal > 0 {
			current.WeeklyStepsGoal = g.WeeklyStepsGoal
		}
		return nil
	})
}

// Delete removes a group. Only an empty group can be deleted directly;
// members must leave first so their group references are cleared.
func (s *Service) Delete(ctx context.Context, id string) error {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return err
	}
	if len(g.Members) > 0 {
		return serrors.Conflict("group still has members").
			WithDetails("group_id", id).
			WithDetails("members", len(g.Members))
	}
	return s.store.DeleteGroup(ctx, id)
}

// Members returns the member IDs of a group.
func (s *Service) Members(ctx context.Context, id string) ([]string, error) {
	g, err := s.store.GetGroup(ctx, id)
	if err != nil {
		return nil, err
	}
	return g.Members, nil
}

// AddMember joins a user to a group.
//
// The whole operation serializes on the user ID, and the user's group
// reference is re-validated immediately before the local insert, so two
// concurrent adds for the same user cannot both pass validation here; the
// user service's conflict check is the cross-instance backstop, and a remote
// conflict rolls the local insert back. A transient remote failure leaves
// the membership pending-remote and still reports success.
func (s *Service) AddMember(ctx context.Context, groupID, userID string) error {
	s.userLocks.Lock(userID)
	defer s.userLocks.Unlock(userID)

	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if g.HasMember(userID) {
		return nil
	}
	if s.maxMembers > 0 && len(g.Members) >= s.maxMembers {
		return serrors.Rejected("group is full").
			WithDetails("group_id", groupID).
			WithDetails("max_members", s.maxMembers)
	}

	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	switch u.GroupRef {
	case "":
	case groupID:
		// User side already points here; repair the member list.
	default:
		return serrors.Conflict("user already belongs to a group").
			WithDetails("user_id", userID).
			WithDetails("group_id", u.GroupRef)
	}

	// Local half: insert the member and carry their current tallies into
	// the group totals.
	if _, err := s.updateGroup(ctx, groupID, func(current *group.Group) error {
		if current.HasMember(userID) {
			return nil
		}
		if s.maxMembers > 0 && len(current.Members) >= s.maxMembers {
			return serrors.Rejected("group is full").WithDetails("group_id", groupID)
		}
		current.Members = append(current.Members, userID)
		current.DailyStepsTotal += u.DailySteps
		current.WeeklyStepsTotal += u.WeeklySteps
		return nil
	}); err != nil {
		return err
	}

	if u.GroupRef == groupID {
		return nil
	}

	// Remote half. The local insert is committed, so the operation is no
	// longer cancellable: a caller disconnect must not abort the call or
	// the pending-op bookkeeping behind it.
	ctx = context.WithoutCancel(ctx)
	key := uuid.NewString()
	err = s.users.SetGroupRef(ctx, userID, groupID, key)
	switch {
	case err == nil:
		return nil
	case serrors.IsTransient(err):
		s.recordPending(ctx, pending.Op{
			Kind:           pending.KindSetGroupRef,
			UserID:         userID,
			GroupID:        groupID,
			IdempotencyKey: key,
			LastError:      err.Error(),
		})
		s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"user_id":  userID,
			"group_id": groupID,
		}).Warn("membership pending-remote: group-ref update unconfirmed")
		return nil
	default:
		// The user service refused: the user won a membership elsewhere
		// in the meantime. Undo the local insert.
		if _, undoErr := s.updateGroup(ctx, groupID, func(current *group.Group) error {
			removeMember(current, userID, u.DailySteps, u.WeeklySteps)
			return nil
		}); undoErr != nil {
			s.log.WithContext(ctx).WithError(undoErr).Errorf("undo local insert for user %s failed", userID)
		}
		return err
	}
}

// RemoveMember removes a user from a group. The local removal commits first;
// the remote clear of the user's group reference is idempotent and guarded,
// so a replay cannot undo a newer membership. A group left empty is deleted.
func (s *Service) RemoveMember(ctx context.Context, groupID, userID string) error {
	s.userLocks.Lock(userID)
	defer s.userLocks.Unlock(userID)

	g, err := s.store.GetGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if !g.HasMember(userID) {
		return serrors.NotFound("user is not a member of the group").
			WithDetails("user_id", userID).
			WithDetails("group_id", groupID)
	}

	// Read the tallies to carry out before committing anything; a failure
	// here fails the whole operation since nothing is committed yet.
	u, err := s.users.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	updated, err := s.updateGroup(ctx, groupID, func(current *group.Group) error {
		if !current.HasMember(userID) {
			return serrors.NotFound("user is not a member of the group").WithDetails("user_id", userID)
		}
		removeMember(current, userID, u.DailySteps, u.WeeklySteps)
		return nil
	})
	if err != nil {
		return err
	}

	// Committed locally; detach from caller cancellation for the rest.
	ctx = context.WithoutCancel(ctx)

	if len(updated.Members) == 0 {
		if err := s.store.DeleteGroup(ctx, groupID); err != nil {
			s.log.WithContext(ctx).WithError(err).Warnf("delete empty group %s failed", groupID)
		}
	}

	key := uuid.NewString()
	err = s.users.ClearGroupRef(ctx, userID, groupID, key)
	switch {
	case err == nil:
		return nil
	case serrors.IsTransient(err):
		s.recordPending(ctx, pending.Op{
			Kind:           pending.KindClearGroupRef,
			UserID:         userID,
			GroupID:        groupID,
			IdempotencyKey: key,
			LastError:      err.Error(),
		})
		s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"user_id":  userID,
			"group_id": groupID,
		}).Warn("membership pending-remote: group-ref clear unconfirmed")
		return nil
	default:
		return err
	}
}

// ApplyAggregate applies a signed delta to the group totals. Idempotent per
// key; the steps pipeline and the reconciliation sweeper both land here.
func (s *Service) ApplyAggregate(ctx context.Context, groupID string, daily, weekly int, idempotencyKey string) error {
	if idempotencyKey == "" {
		return serrors.InvalidArgument("idempotency key is required")
	}

	_, err := idempotency.Execute(ctx, s.idem, idempotencyKey, nil, func(ctx context.Context) (interface{}, error) {
		updated, err := s.updateGroup(ctx, groupID, func(current *group.Group) error {
			current.DailyStepsTotal += daily
			current.WeeklyStepsTotal += weekly
			return nil
		})
		if err != nil {
			return nil, err
		}
		return map[string]int{
			"daily_steps_total":  updated.DailyStepsTotal,
			"weekly_steps_total": updated.WeeklyStepsTotal,
		}, nil
	})
	return err
}

// ResetSteps zeroes all group totals for the scope.
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

// updateGroup runs a read-mutate-write cycle with a bounded retry on version
// conflicts, serialized per group.
func (s *Service) updateGroup(ctx context.Context, groupID string, mutate func(*group.Group) error) (group.Group, error) {
	s.groupLocks.Lock(groupID)
	defer s.groupLocks.Unlock(groupID)

	var lastErr error
	for i := 0; i < casRetries; i++ {
		current, err := s.store.GetGroup(ctx, groupID)
		if err != nil {
			return group.Group{}, err
		}
		if err := mutate(&current); err != nil {
			return group.Group{}, err
		}
		updated, err := s.store.UpdateGroup(ctx, current)
		if err == nil {
			return updated, nil
		}
		if !serrors.Is(err, serrors.CodeConflict) {
			return group.Group{}, err
		}
		lastErr = err
	}
	return group.Group{}, lastErr
}

func (s *Service) recordPending(ctx context.Context, op pending.Op) {
	op.Status = pending.StatusPending
	op.NextAttempt = time.Now()
	if _, err := s.pendings.CreatePendingOp(ctx, op); err != nil {
		// Losing the pending record means losing the repair; log loudly.
		s.log.WithContext(ctx).WithError(err).Error("record pending op failed")
	}
}

func removeMember(g *group.Group, userID string, daily, weekly int) {
	members := g.Members[:0]
	removed := false
	for _, id := range g.Members {
		if id == userID {
			removed = true
			continue
		}
		members = append(members, id)
	}
	g.Members = members
	if removed {
		g.DailyStepsTotal -= daily
		g.WeeklyStepsTotal -= weekly
		if g.DailyStepsTotal < 0 {
			g.DailyStepsTotal = 0
		}
		if g.WeeklyStepsTotal < 0 {
			g.WeeklyStepsTotal = 0
		}
	}
}

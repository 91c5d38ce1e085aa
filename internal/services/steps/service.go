// Package steps implements the aggregation pipeline: a step increment lands
// on the user's tallies first (the authoritative half, via the user service),
// then propagates to the group's totals. A transient failure of the
// propagation is absorbed into the pending-op log instead of failing the
// caller; the user-local fact has already been committed and reported.
package steps

import (
	"context"
	"time"

	"github.com/stridehq/stride/internal/domain/pending"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/svcclient"
)

// Result is what a step increment reports back.
type Result struct {
	UserID      string `json:"user_id"`
	DailySteps  int    `json:"daily_steps"`
	WeeklySteps int    `json:"weekly_steps"`
	GroupRef    string `json:"group_ref,omitempty"`

	// GroupPending is set when the group propagation could not be
	// confirmed and was queued for reconciliation.
	GroupPending bool `json:"group_pending,omitempty"`
}

// Service is the steps service core.
type Service struct {
	users    *svcclient.UserAPI
	groups   *svcclient.GroupAPI
	pendings storage.PendingStore
	idem     idempotency.Store
	log      *logging.Logger
}

// New creates the service.
func New(users *svcclient.UserAPI, groups *svcclient.GroupAPI, pendings storage.PendingStore, idem idempotency.Store, log *logging.Logger) *Service {
	if log == nil {
		log = logging.NewDefault("steps")
	}
	return &Service{
		users:    users,
		groups:   groups,
		pendings: pendings,
		idem:     idem,
		log:      log,
	}
}

// AddSteps applies a step increment for the user.
//
// The delta must be non-negative; zero is a no-op but is still deduplicated.
// A replayed key returns the original result unchanged. The group
// propagation uses a key derived from the caller's, so a replay on the user
// half can never double-apply the group half either.
func (s *Service) AddSteps(ctx context.Context, userID string, delta int, idempotencyKey string) (Result, error) {
	if delta < 0 {
		return Result{}, serrors.InvalidArgument("step delta must be non-negative").WithDetails("delta", delta)
	}
	if idempotencyKey == "" {
		return Result{}, serrors.InvalidArgument("idempotency key is required")
	}

	var result Result
	replayed, err := idempotency.Execute(ctx, s.idem, userKey(userID, idempotencyKey), &result, func(ctx context.Context) (interface{}, error) {
		// Authoritative half: the user's own tallies. A failure here
		// fails the whole operation; nothing has been committed.
		applied, err := s.users.ApplyStepDelta(ctx, userID, delta, delta, userKey(userID, idempotencyKey))
		if err != nil {
			return nil, err
		}

		res := Result{
			UserID:      applied.UserID,
			DailySteps:  applied.DailySteps,
			WeeklySteps: applied.WeeklySteps,
			GroupRef:    applied.GroupRef,
		}

		// A user with no group is not summed anywhere; done.
		if applied.GroupRef == "" || delta == 0 {
			return res, nil
		}

		// The user half is committed: the propagation and its pending-op
		// bookkeeping must survive a caller disconnect.
		ctx = context.WithoutCancel(ctx)

		groupKey := userKey(userID, idempotencyKey) + "/group"
		err = s.groups.ApplyAggregate(ctx, applied.GroupRef, delta, delta, groupKey)
		switch {
		case err == nil:
		case serrors.IsTransient(err):
			// The user's tally is now ahead of the group's total.
			// Queue the delta for reconciliation; the caller still
			// gets success for the committed half.
			s.recordPending(ctx, pending.Op{
				Kind:           pending.KindGroupAggregate,
				UserID:         userID,
				GroupID:        applied.GroupRef,
				DailyDelta:     delta,
				WeeklyDelta:    delta,
				IdempotencyKey: groupKey,
				LastError:      err.Error(),
			})
			res.GroupPending = true
			s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"user_id":  userID,
				"group_id": applied.GroupRef,
				"delta":    delta,
			}).Warn("group aggregate pending-remote")
		default:
			// Terminal refusal (e.g. the group vanished between the
			// membership change and now). Still queue it: the sweeper
			// replays once, hits the same refusal, and escalates the op
			// to inconsistent where the operator can see it.
			s.recordPending(ctx, pending.Op{
				Kind:           pending.KindGroupAggregate,
				UserID:         userID,
				GroupID:        applied.GroupRef,
				DailyDelta:     delta,
				WeeklyDelta:    delta,
				IdempotencyKey: groupKey,
				LastError:      err.Error(),
			})
			res.GroupPending = true
			s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
				"user_id":  userID,
				"group_id": applied.GroupRef,
			}).Warn("group aggregate refused")
		}
		return res, nil
	})
	if err != nil {
		return Result{}, err
	}
	if replayed {
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"user_id": userID,
			"key":     idempotencyKey,
		}).Debug("step increment replay ignored")
	}
	return result, nil
}

// userKey namespaces the caller's idempotency key by user so two users can
// reuse the same key without colliding, per the retention contract.
func userKey(userID, key string) string {
	return userID + "/" + key
}

func (s *Service) recordPending(ctx context.Context, op pending.Op) {
	op.Status = pending.StatusPending
	op.NextAttempt = time.Now()
	if _, err := s.pendings.CreatePendingOp(ctx, op); err != nil {
		s.log.WithContext(ctx).WithError(err).Error("record pending op failed")
	}
}

package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/svcclient"
	"github.com/stridehq/stride/internal/system"
)

// ResetScheduler zeroes the daily and weekly tallies on a cron schedule.
// Resets are the only operations allowed to lower the counters; everything
// else in the pipeline only increments.
type ResetScheduler struct {
	users  *svcclient.UserAPI
	groups *svcclient.GroupAPI
	daily  string
	weekly string
	tz     string
	log    *logging.Logger

	cron *cron.Cron
}

var _ system.Service = (*ResetScheduler)(nil)

// NewResetScheduler creates the scheduler. Empty specs fall back to midnight
// daily and Monday midnight weekly, in UTC.
func NewResetScheduler(users *svcclient.UserAPI, groups *svcclient.GroupAPI, dailySpec, weeklySpec, timezone string, log *logging.Logger) *ResetScheduler {
	if dailySpec == "" {
		dailySpec = "0 0 * * *"
	}
	if weeklySpec == "" {
		weeklySpec = "0 0 * * MON"
	}
	if timezone == "" {
		timezone = "UTC"
	}
	if log == nil {
		log = logging.NewDefault("steps-resets")
	}
	return &ResetScheduler{
		users:  users,
		groups: groups,
		daily:  dailySpec,
		weekly: weeklySpec,
		tz:     timezone,
		log:    log,
	}
}

func (r *ResetScheduler) Name() string { return "steps-resets" }

func (r *ResetScheduler) Start(_ context.Context) error {
	loc, err := time.LoadLocation(r.tz)
	if err != nil {
		return fmt.Errorf("load reset timezone %q: %w", r.tz, err)
	}

	c := cron.New(cron.WithLocation(loc))
	if _, err := c.AddFunc(r.daily, func() { r.reset("daily") }); err != nil {
		return fmt.Errorf("schedule daily reset %q: %w", r.daily, err)
	}
	if _, err := c.AddFunc(r.weekly, func() { r.reset("weekly") }); err != nil {
		return fmt.Errorf("schedule weekly reset %q: %w", r.weekly, err)
	}
	c.Start()
	r.cron = c

	r.log.WithFields(map[string]interface{}{
		"daily":    r.daily,
		"weekly":   r.weekly,
		"timezone": r.tz,
	}).Info("reset scheduler started")
	return nil
}

func (r *ResetScheduler) Stop(ctx context.Context) error {
	if r.cron == nil {
		return nil
	}
	stopped := r.cron.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// reset fans the reset out to both owning services. Each leg carries its own
// key; the services apply a reset at most once per key should a leg be
// retried out of band.
func (r *ResetScheduler) reset(scope string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if err := r.users.ResetSteps(ctx, scope, uuid.NewString()); err != nil {
		r.log.WithError(err).Errorf("%s user tally reset failed", scope)
	}
	if err := r.groups.ResetSteps(ctx, scope, uuid.NewString()); err != nil {
		r.log.WithError(err).Errorf("%s group tally reset failed", scope)
	}
	r.log.Infof("%s tallies reset", scope)
}

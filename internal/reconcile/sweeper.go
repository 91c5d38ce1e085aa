// Package reconcile repairs partial failures. The coordinator and the steps
// pipeline commit locally first and queue the unconfirmed remote half as a
// pending op; the sweeper replays each op with its original idempotency key
// until the remote confirms it, or escalates it as an alert-worthy
// inconsistency once the failure ceiling is hit. The sweep is idempotent and
// safe to run concurrently with live traffic.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/stridehq/stride/internal/domain/pending"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/logging"
	"github.com/stridehq/stride/internal/metrics"
	"github.com/stridehq/stride/internal/storage"
	"github.com/stridehq/stride/internal/svcclient"
	"github.com/stridehq/stride/internal/system"
)

// Replay outcomes, as counted in metrics.
const (
	outcomeRepaired  = "repaired"
	outcomeRetried   = "retried"
	outcomeEscalated = "escalated"
)

// Config tunes the sweeper.
type Config struct {
	Interval       time.Duration
	FailureCeiling int
	BackoffBase    time.Duration
	BackoffCap     time.Duration
}

// Sweeper drains the pending-op log.
type Sweeper struct {
	store    storage.PendingStore
	users    *svcclient.UserAPI
	groups   *svcclient.GroupAPI
	interval time.Duration
	ceiling  int
	base     time.Duration
	cap      time.Duration
	metrics  *metrics.Metrics
	log      *logging.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

var _ system.Service = (*Sweeper)(nil)

// New creates a sweeper. Zero config values default to a 15s interval, a
// ceiling of 10 attempts, and 5s..5m backoff.
func New(store storage.PendingStore, users *svcclient.UserAPI, groups *svcclient.GroupAPI, cfg Config, m *metrics.Metrics, log *logging.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.FailureCeiling <= 0 {
		cfg.FailureCeiling = 10
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 5 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 5 * time.Minute
	}
	if log == nil {
		log = logging.NewDefault("reconcile")
	}
	return &Sweeper{
		store:    store,
		users:    users,
		groups:   groups,
		interval: cfg.Interval,
		ceiling:  cfg.FailureCeiling,
		base:     cfg.BackoffBase,
		cap:      cfg.BackoffCap,
		metrics:  m,
		log:      log,
	}
}

func (s *Sweeper) Name() string { return "reconcile-sweeper" }

func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.running = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Sweep(runCtx)
			}
		}
	}()

	s.log.Info("reconciliation sweeper started")
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	cancel := s.cancel
	s.running = false
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep runs one pass over the pending log. Callable directly; the
// background loop calls it on every tick.
func (s *Sweeper) Sweep(ctx context.Context) {
	ops, err := s.store.ListPendingOps(ctx)
	if err != nil {
		s.log.WithContext(ctx).WithError(err).Warn("list pending ops failed")
		return
	}
	s.publishGauges(ctx, len(ops))

	now := time.Now()
	for _, op := range ops {
		if op.NextAttempt.After(now) {
			continue
		}
		s.replay(ctx, op)
	}
}

func (s *Sweeper) replay(ctx context.Context, op pending.Op) {
	err := s.issue(ctx, op)
	if err == nil {
		if delErr := s.store.DeletePendingOp(ctx, op.ID); delErr != nil {
			s.log.WithContext(ctx).WithError(delErr).Warnf("clear pending op %s failed", op.ID)
			return
		}
		s.record(outcomeRepaired)
		s.log.WithContext(ctx).WithFields(map[string]interface{}{
			"op_id": op.ID,
			"kind":  op.Kind,
		}).Info("pending op repaired")
		return
	}

	op.Attempts++
	op.LastError = err.Error()

	// A terminal refusal will not change on replay; a transient failure
	// past the ceiling has run out of retries. Both become inconsistencies
	// that stay visible until resolved out of band.
	if !serrors.IsTransient(err) || op.Attempts >= s.ceiling {
		op.Status = pending.StatusInconsistent
		if _, updErr := s.store.UpdatePendingOp(ctx, op); updErr != nil {
			s.log.WithContext(ctx).WithError(updErr).Warnf("escalate pending op %s failed", op.ID)
			return
		}
		s.record(outcomeEscalated)
		s.log.WithContext(ctx).WithError(err).WithFields(map[string]interface{}{
			"op_id":    op.ID,
			"kind":     op.Kind,
			"user_id":  op.UserID,
			"group_id": op.GroupID,
			"attempts": op.Attempts,
		}).Error("pending op escalated: stores are inconsistent until resolved")
		return
	}

	op.NextAttempt = time.Now().Add(s.backoff(op.Attempts))
	if _, updErr := s.store.UpdatePendingOp(ctx, op); updErr != nil {
		s.log.WithContext(ctx).WithError(updErr).Warnf("reschedule pending op %s failed", op.ID)
		return
	}
	s.record(outcomeRetried)
}

// issue re-sends the remote half with the op's original idempotency key.
func (s *Sweeper) issue(ctx context.Context, op pending.Op) error {
	switch op.Kind {
	case pending.KindSetGroupRef:
		return s.users.SetGroupRef(ctx, op.UserID, op.GroupID, op.IdempotencyKey)
	case pending.KindClearGroupRef:
		return s.users.ClearGroupRef(ctx, op.UserID, op.GroupID, op.IdempotencyKey)
	case pending.KindGroupAggregate:
		return s.groups.ApplyAggregate(ctx, op.GroupID, op.DailyDelta, op.WeeklyDelta, op.IdempotencyKey)
	default:
		return serrors.Internal("unknown pending op kind").WithDetails("kind", string(op.Kind))
	}
}

func (s *Sweeper) backoff(attempts int) time.Duration {
	delay := s.base << uint(attempts-1)
	if delay > s.cap || delay <= 0 {
		delay = s.cap
	}
	return delay
}

func (s *Sweeper) record(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordReconcile(outcome)
	}
}

func (s *Sweeper) publishGauges(ctx context.Context, pendingCount int) {
	if s.metrics == nil {
		return
	}
	s.metrics.SetPendingOps(string(pending.StatusPending), pendingCount)
	if inconsistent, err := s.store.ListInconsistentOps(ctx); err == nil {
		s.metrics.SetPendingOps(string(pending.StatusInconsistent), len(inconsistent))
	}
}

package steps

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stridehq/stride/internal/domain/pending"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/idempotency"
	"github.com/stridehq/stride/internal/storage/memory"
	"github.com/stridehq/stride/internal/svcclient"
)

// upstream fakes the user and group internal endpoints behind one server.
type upstream struct {
	mu sync.Mutex

	groupRef    string // returned on the user's step delta result
	daily       int    // accumulated user tally
	weekly      int
	userCalls   int
	groupCalls  int
	groupStatus int // 0 = 200
	userStatus  int
	groupKeys   []string
	onAggregate func() // invoked when an aggregate request arrives
}

func (u *upstream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	u.mu.Lock()
	defer u.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	switch {
	case strings.HasSuffix(r.URL.Path, "/steps"):
		u.userCalls++
		if u.userStatus != 0 {
			w.WriteHeader(u.userStatus)
			return
		}
		var req svcclient.StepDeltaRequest
		json.NewDecoder(r.Body).Decode(&req)
		u.daily += req.DailyDelta
		u.weekly += req.WeeklyDelta
		json.NewEncoder(w).Encode(svcclient.StepDeltaResult{
			UserID:      "u1",
			GroupRef:    u.groupRef,
			DailySteps:  u.daily,
			WeeklySteps: u.weekly,
		})
	case strings.HasSuffix(r.URL.Path, "/aggregate"):
		u.groupCalls++
		u.groupKeys = append(u.groupKeys, r.Header.Get("Idempotency-Key"))
		if u.onAggregate != nil {
			u.onAggregate()
		}
		if u.groupStatus != 0 {
			w.WriteHeader(u.groupStatus)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (u *upstream) stats() (userCalls, groupCalls int, groupKeys []string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.userCalls, u.groupCalls, append([]string(nil), u.groupKeys...)
}

func newTestService(t *testing.T, up *upstream) (*Service, *memory.Store) {
	t.Helper()

	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	cfg := svcclient.Config{
		BaseURL:      srv.URL,
		ServiceToken: "tok",
		Timeout:      time.Second,
		MaxAttempts:  1,
		BackoffBase:  time.Millisecond,
		BackoffCap:   time.Millisecond,
	}
	userAPI := svcclient.NewUserAPI(svcclient.New(cfg, nil))
	groupAPI := svcclient.NewGroupAPI(svcclient.New(cfg, nil))

	store := memory.New()
	return New(userAPI, groupAPI, store, idempotency.NewMemoryStore(time.Hour), nil), store
}

func TestAddStepsPropagatesToGroup(t *testing.T) {
	up := &upstream{groupRef: "g1"}
	svc, _ := newTestService(t, up)

	result, err := svc.AddSteps(context.Background(), "u1", 500, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.DailySteps != 500 || result.WeeklySteps != 500 {
		t.Fatalf("tallies = %d/%d, want 500/500", result.DailySteps, result.WeeklySteps)
	}
	if result.GroupRef != "g1" {
		t.Fatalf("group ref = %q", result.GroupRef)
	}
	if result.GroupPending {
		t.Fatal("group pending on a healthy propagation")
	}
	if _, groupCalls, _ := up.stats(); groupCalls != 1 {
		t.Fatalf("group aggregate calls = %d, want 1", groupCalls)
	}
}

func TestAddStepsDedup(t *testing.T) {
	up := &upstream{groupRef: "g1"}
	svc, _ := newTestService(t, up)
	ctx := context.Background()

	first, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	replay, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatal(err)
	}

	if replay != first {
		t.Fatalf("replay result %+v differs from original %+v", replay, first)
	}
	if userCalls, groupCalls, _ := up.stats(); userCalls != 1 || groupCalls != 1 {
		t.Fatalf("upstream calls = %d/%d, want 1/1 (replay applies nothing)", userCalls, groupCalls)
	}

	// A fresh key goes through.
	second, _ := svc.AddSteps(ctx, "u1", 500, "key-2")
	if second.DailySteps != 1000 {
		t.Fatalf("second tally = %d, want 1000", second.DailySteps)
	}
}

func TestAddStepsKeysScopedPerUser(t *testing.T) {
	up := &upstream{}
	svc, _ := newTestService(t, up)
	ctx := context.Background()

	// Two users reusing the same key must not collide.
	if _, err := svc.AddSteps(ctx, "u1", 100, "shared"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.AddSteps(ctx, "u2", 100, "shared"); err != nil {
		t.Fatal(err)
	}
	if userCalls, _, _ := up.stats(); userCalls != 2 {
		t.Fatalf("user calls = %d, want 2", userCalls)
	}
}

func TestAddStepsNoGroup(t *testing.T) {
	up := &upstream{groupRef: ""}
	svc, _ := newTestService(t, up)

	result, err := svc.AddSteps(context.Background(), "u1", 500, "key-1")
	if err != nil {
		t.Fatal(err)
	}
	if result.GroupRef != "" || result.GroupPending {
		t.Fatalf("result = %+v", result)
	}
	if _, groupCalls, _ := up.stats(); groupCalls != 0 {
		t.Fatalf("group called %d times for a groupless user, want 0", groupCalls)
	}
}

func TestAddStepsZeroDeltaSkipsGroup(t *testing.T) {
	up := &upstream{groupRef: "g1"}
	svc, _ := newTestService(t, up)

	if _, err := svc.AddSteps(context.Background(), "u1", 0, "key-1"); err != nil {
		t.Fatal(err)
	}
	if _, groupCalls, _ := up.stats(); groupCalls != 0 {
		t.Fatalf("group called %d times for a zero delta, want 0", groupCalls)
	}
}

func TestAddStepsValidation(t *testing.T) {
	up := &upstream{}
	svc, _ := newTestService(t, up)
	ctx := context.Background()

	if _, err := svc.AddSteps(ctx, "u1", -5, "k"); !serrors.Is(err, serrors.CodeInvalidArgument) {
		t.Fatalf("negative delta = %v", err)
	}
	if _, err := svc.AddSteps(ctx, "u1", 5, ""); !serrors.Is(err, serrors.CodeInvalidArgument) {
		t.Fatalf("missing key = %v", err)
	}
	if userCalls, _, _ := up.stats(); userCalls != 0 {
		t.Fatalf("upstream called %d times for invalid input, want 0", userCalls)
	}
}

func TestAddStepsGroupTransientQueuesPending(t *testing.T) {
	up := &upstream{groupRef: "g1", groupStatus: http.StatusServiceUnavailable}
	svc, store := newTestService(t, up)
	ctx := context.Background()

	result, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatalf("add with unreachable group = %v, want success", err)
	}
	if !result.GroupPending {
		t.Fatal("group pending flag not set")
	}
	if result.DailySteps != 500 {
		t.Fatalf("user half not committed: %+v", result)
	}

	ops, _ := store.ListPendingOps(ctx)
	if len(ops) != 1 {
		t.Fatalf("pending ops = %d, want 1", len(ops))
	}
	op := ops[0]
	if op.Kind != pending.KindGroupAggregate || op.GroupID != "g1" || op.DailyDelta != 500 {
		t.Fatalf("pending op = %+v", op)
	}
	// The queued key is the derived group key of the original attempt, so a
	// sweeper replay dedups against any racing live retry.
	if !strings.HasSuffix(op.IdempotencyKey, "/group") {
		t.Fatalf("pending key = %q", op.IdempotencyKey)
	}
	if _, _, groupKeys := up.stats(); len(groupKeys) == 0 || groupKeys[0] != op.IdempotencyKey {
		t.Fatalf("queued key %q differs from attempted key %v", op.IdempotencyKey, groupKeys)
	}
}

func TestAddStepsGroupTerminalQueuesForEscalation(t *testing.T) {
	up := &upstream{groupRef: "g1", groupStatus: http.StatusNotFound}
	svc, store := newTestService(t, up)
	ctx := context.Background()

	result, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatalf("add = %v, want success (user half committed)", err)
	}
	if !result.GroupPending {
		t.Fatal("refused propagation not marked pending")
	}

	// The op is queued rather than dropped; the sweeper's replay will hit
	// the same refusal and escalate it to inconsistent.
	ops, _ := store.ListPendingOps(ctx)
	if len(ops) != 1 {
		t.Fatalf("pending ops = %d, want 1", len(ops))
	}
	if ops[0].Kind != pending.KindGroupAggregate || ops[0].LastError == "" {
		t.Fatalf("pending op = %+v", ops[0])
	}
}

// strictPendingStore refuses writes on a done context, matching the
// database-backed store's behavior.
type strictPendingStore struct {
	*memory.Store
}

func (s *strictPendingStore) CreatePendingOp(ctx context.Context, op pending.Op) (pending.Op, error) {
	if err := ctx.Err(); err != nil {
		return pending.Op{}, err
	}
	return s.Store.CreatePendingOp(ctx, op)
}

func TestAddStepsSurvivesCallerDisconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The caller drops as soon as the group half goes out, which also fails
	// transiently. The user half is committed by then, so the pending record
	// must still land even in a store that honours the context.
	up := &upstream{groupRef: "g1", groupStatus: http.StatusServiceUnavailable, onAggregate: cancel}
	srv := httptest.NewServer(up)
	t.Cleanup(srv.Close)

	cfg := svcclient.Config{
		BaseURL:      srv.URL,
		ServiceToken: "tok",
		Timeout:      time.Second,
		MaxAttempts:  1,
		BackoffBase:  time.Millisecond,
		BackoffCap:   time.Millisecond,
	}
	userAPI := svcclient.NewUserAPI(svcclient.New(cfg, nil))
	groupAPI := svcclient.NewGroupAPI(svcclient.New(cfg, nil))

	store := &strictPendingStore{Store: memory.New()}
	svc := New(userAPI, groupAPI, store, idempotency.NewMemoryStore(time.Hour), nil)

	result, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatalf("add with disconnecting caller = %v, want success", err)
	}
	if !result.GroupPending {
		t.Fatal("group pending flag not set")
	}

	ops, _ := store.ListPendingOps(context.Background())
	if len(ops) != 1 {
		t.Fatalf("pending ops = %d, want 1 (delta would be lost)", len(ops))
	}
	if ops[0].Kind != pending.KindGroupAggregate || ops[0].DailyDelta != 500 {
		t.Fatalf("pending op = %+v", ops[0])
	}
}

func TestAddStepsUserFailureFailsAll(t *testing.T) {
	up := &upstream{groupRef: "g1", userStatus: http.StatusServiceUnavailable}
	svc, store := newTestService(t, up)
	ctx := context.Background()

	_, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if !serrors.Is(err, serrors.CodeUnreachable) {
		t.Fatalf("add with unreachable user service = %v, want unreachable", err)
	}
	if _, groupCalls, _ := up.stats(); groupCalls != 0 {
		t.Fatal("group called although the authoritative half failed")
	}
	if ops, _ := store.ListPendingOps(ctx); len(ops) != 0 {
		t.Fatalf("pending ops = %d, want 0 (nothing was committed)", len(ops))
	}

	// The key was not burned; the client may retry it once the user
	// service heals.
	up.mu.Lock()
	up.userStatus = 0
	up.mu.Unlock()
	result, err := svc.AddSteps(ctx, "u1", 500, "key-1")
	if err != nil {
		t.Fatalf("retry after heal: %v", err)
	}
	if result.DailySteps != 500 {
		t.Fatalf("retry tally = %d, want 500", result.DailySteps)
	}
}

// Package memory is an in-memory implementation of the storage interfaces.
// It is safe for concurrent use and is primarily intended for tests and local
// development. Updates are compare-and-swap on the record version, mirroring
// the guard the postgres store enforces in SQL.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stridehq/stride/internal/domain/group"
	"github.com/stridehq/stride/internal/domain/pending"
	"github.com/stridehq/stride/internal/domain/user"
	serrors "github.com/stridehq/stride/internal/errors"
	"github.com/stridehq/stride/internal/storage"
)

// Store holds all records behind one RWMutex.
type Store struct {
	mu       sync.RWMutex
	users    map[string]user.User
	groups   map[string]group.Group
	pendings map[string]pending.Op
}

var _ storage.UserStore = (*Store)(nil)
var _ storage.GroupStore = (*Store)(nil)
var _ storage.PendingStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		users:    make(map[string]user.User),
		groups:   make(map[string]group.Group),
		pendings: make(map[string]pending.Op),
	}
}

// UserStore ------------------------------------------------------------------

func (s *Store) CreateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u.ID == "" {
		u.ID = uuid.NewString()
	} else if _, exists := s.users[u.ID]; exists {
		return user.User{}, serrors.Conflict("user already exists").WithDetails("user_id", u.ID)
	}

	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Version = 1

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) GetUser(_ context.Context, id string) (user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return user.User{}, serrors.NotFound("user not found").WithDetails("user_id", id)
	}
	return u, nil
}

func (s *Store) ListUsers(_ context.Context) ([]user.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]user.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateUser(_ context.Context, u user.User) (user.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.users[u.ID]
	if !ok {
		return user.User{}, serrors.NotFound("user not found").WithDetails("user_id", u.ID)
	}
	if current.Version != u.Version {
		return user.User{}, serrors.Conflict("user version conflict").WithDetails("user_id", u.ID)
	}

	u.CreatedAt = current.CreatedAt
	u.UpdatedAt = time.Now().UTC()
	u.Version = current.Version + 1

	s.users[u.ID] = u
	return u, nil
}

func (s *Store) DeleteUser(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return serrors.NotFound("user not found").WithDetails("user_id", id)
	}
	delete(s.users, id)
	return nil
}

func (s *Store) ResetDailySteps(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, u := range s.users {
		u.DailySteps = 0
		u.UpdatedAt = now
		u.Version++
		s.users[id] = u
	}
	for id, g := range s.groups {
		g.DailyStepsTotal = 0
		g.UpdatedAt = now
		g.Version++
		s.groups[id] = g
	}
	return nil
}

func (s *Store) ResetWeeklySteps(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for id, u := range s.users {
		u.WeeklySteps = 0
		u.UpdatedAt = now
		u.Version++
		s.users[id] = u
	}
	for id, g := range s.groups {
		g.WeeklyStepsTotal = 0
		g.UpdatedAt = now
		g.Version++
		s.groups[id] = g
	}
	return nil
}

// GroupStore -----------------------------------------------------------------

func (s *Store) CreateGroup(_ context.Context, g group.Group) (group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if g.ID == "" {
		g.ID = uuid.NewString()
	} else if _, exists := s.groups[g.ID]; exists {
		return group.Group{}, serrors.Conflict("group already exists").WithDetails("group_id", g.ID)
	}

	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Version = 1
	g.Members = append([]string(nil), g.Members...)

	s.groups[g.ID] = g
	return cloneGroup(g), nil
}

func (s *Store) GetGroup(_ context.Context, id string) (group.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	g, ok := s.groups[id]
	if !ok {
		return group.Group{}, serrors.NotFound("group not found").WithDetails("group_id", id)
	}
	return cloneGroup(g), nil
}

func (s *Store) ListGroups(_ context.Context) ([]group.Group, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]group.Group, 0, len(s.groups))
	for _, g := range s.groups {
		out = append(out, cloneGroup(g))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateGroup(_ context.Context, g group.Group) (group.Group, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.groups[g.ID]
	if !ok {
		return group.Group{}, serrors.NotFound("group not found").WithDetails("group_id", g.ID)
	}
	if current.Version != g.Version {
		return group.Group{}, serrors.Conflict("group version conflict").WithDetails("group_id", g.ID)
	}

	g.CreatedAt = current.CreatedAt
	g.UpdatedAt = time.Now().UTC()
	g.Version = current.Version + 1
	g.Members = append([]string(nil), g.Members...)

	s.groups[g.ID] = g
	return cloneGroup(g), nil
}

func (s *Store) DeleteGroup(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.groups[id]; !ok {
		return serrors.NotFound("group not found").WithDetails("group_id", id)
	}
	delete(s.groups, id)
	return nil
}

// PendingStore ---------------------------------------------------------------

func (s *Store) CreatePendingOp(_ context.Context, op pending.Op) (pending.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if op.ID == "" {
		op.ID = uuid.NewString()
	} else if _, exists := s.pendings[op.ID]; exists {
		return pending.Op{}, serrors.Conflict("pending op already exists").WithDetails("op_id", op.ID)
	}
	if op.Status == "" {
		op.Status = pending.StatusPending
	}
	op.CreatedAt = time.Now().UTC()

	s.pendings[op.ID] = op
	return op, nil
}

func (s *Store) UpdatePendingOp(_ context.Context, op pending.Op) (pending.Op, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.pendings[op.ID]
	if !ok {
		return pending.Op{}, serrors.NotFound("pending op not found").WithDetails("op_id", op.ID)
	}
	op.CreatedAt = current.CreatedAt
	s.pendings[op.ID] = op
	return op, nil
}

func (s *Store) GetPendingOp(_ context.Context, id string) (pending.Op, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	op, ok := s.pendings[id]
	if !ok {
		return pending.Op{}, serrors.NotFound("pending op not found").WithDetails("op_id", id)
	}
	return op, nil
}

func (s *Store) DeletePendingOp(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pendings[id]; !ok {
		return serrors.NotFound("pending op not found").WithDetails("op_id", id)
	}
	delete(s.pendings, id)
	return nil
}

func (s *Store) ListPendingOps(_ context.Context) ([]pending.Op, error) {
	return s.listByStatus(pending.StatusPending), nil
}

func (s *Store) ListInconsistentOps(_ context.Context) ([]pending.Op, error) {
	return s.listByStatus(pending.StatusInconsistent), nil
}

func (s *Store) listByStatus(status pending.Status) []pending.Op {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []pending.Op
	for _, op := range s.pendings {
		if op.Status == status {
			out = append(out, op)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func cloneGroup(g group.Group) group.Group {
	g.Members = append([]string(nil), g.Members...)
	return g
}

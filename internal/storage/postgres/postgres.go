// Package postgres implements the storage interfaces on PostgreSQL. Optimistic
// concurrency is enforced in SQL: every update is guarded by
// "WHERE version = $n" and reports a conflict when no row matched.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/stridehq/stride/internal/domain/group"
	"github.com/stridehq/stride/internal/domain/pending"
	"github.com/stridehq/stride/internal/domain/user"
	serrors "github.com/stridehq/stride/internal/errors"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store implements storage.UserStore, storage.GroupStore and
// storage.PendingStore on a shared connection pool.
type Store struct {
	db *sqlx.DB
}

// Open connects to the database and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sqlx.Open("postgres", dsn)
	if err != nil {
		return nil, serrors.Internal("open database").WithCause(err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, serrors.Unreachable("database unreachable").WithCause(err)
	}
	return &Store{db: db}, nil
}

// NewFromDB wraps an existing connection, used by tests.
func NewFromDB(db *sqlx.DB) *Store { return &Store{db: db} }

// Migrate applies the embedded schema migrations.
func (s *Store) Migrate() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return serrors.Internal("load migrations").WithCause(err)
	}
	driver, err := postgres.WithInstance(s.db.DB, &postgres.Config{})
	if err != nil {
		return serrors.Internal("migration driver").WithCause(err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return serrors.Internal("migration setup").WithCause(err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return serrors.Internal("apply migrations").WithCause(err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

type userRow struct {
	ID              string    `db:"id"`
	Name            string    `db:"name"`
	GivenName       string    `db:"given_name"`
	FamilyName      string    `db:"family_name"`
	Nickname        string    `db:"nickname"`
	Email           string    `db:"email"`
	Picture         string    `db:"picture"`
	AppTheme        string    `db:"app_theme"`
	GroupRef        string    `db:"group_ref"`
	DailySteps      int       `db:"daily_steps"`
	WeeklySteps     int       `db:"weekly_steps"`
	DailyStepsGoal  int       `db:"daily_steps_goal"`
	WeeklyStepsGoal int       `db:"weekly_steps_goal"`
	CreatedAt       time.Time `db:"created_at"`
	UpdatedAt       time.Time `db:"updated_at"`
	Version         int64     `db:"version"`
}

func (r userRow) toUser() user.User {
	return user.User{
		ID:              r.ID,
		Name:            r.Name,
		GivenName:       r.GivenName,
		FamilyName:      r.FamilyName,
		Nickname:        r.Nickname,
		Email:           r.Email,
		Picture:         r.Picture,
		AppTheme:        r.AppTheme,
		GroupRef:        r.GroupRef,
		DailySteps:      r.DailySteps,
		WeeklySteps:     r.WeeklySteps,
		DailyStepsGoal:  r.DailyStepsGoal,
		WeeklyStepsGoal: r.WeeklyStepsGoal,
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
		Version:         r.Version,
	}
}

// UserStore -----------------------------------------------------------------

func (s *Store) CreateUser(ctx context.Context, u user.User) (user.User, error) {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	u.CreatedAt = now
	u.UpdatedAt = now
	u.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, given_name, family_name, nickname, email,
			picture, app_theme, group_ref, daily_steps, weekly_steps,
			daily_steps_goal, weekly_steps_goal, created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		u.ID, u.Name, u.GivenName, u.FamilyName, u.Nickname, u.Email,
		u.Picture, u.AppTheme, u.GroupRef, u.DailySteps, u.WeeklySteps,
		u.DailyStepsGoal, u.WeeklyStepsGoal, u.CreatedAt, u.UpdatedAt, u.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return user.User{}, serrors.Conflict("user already exists").WithDetails("user_id", u.ID)
		}
		return user.User{}, serrors.Internal("create user").WithCause(err)
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (user.User, error) {
	var row userRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM users WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return user.User{}, serrors.NotFound("user not found").WithDetails("user_id", id)
	}
	if err != nil {
		return user.User{}, serrors.Internal("get user").WithCause(err)
	}
	return row.toUser(), nil
}

func (s *Store) ListUsers(ctx context.Context) ([]user.User, error) {
	var rows []userRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM users ORDER BY id`); err != nil {
		return nil, serrors.Internal("list users").WithCause(err)
	}
	users := make([]user.User, 0, len(rows))
	for _, r := range rows {
		users = append(users, r.toUser())
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, u user.User) (user.User, error) {
	u.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET name=$1, given_name=$2, family_name=$3, nickname=$4,
			email=$5, picture=$6, app_theme=$7, group_ref=$8, daily_steps=$9,
			weekly_steps=$10, daily_steps_goal=$11, weekly_steps_goal=$12,
			updated_at=$13, version=version+1
		WHERE id=$14 AND version=$15`,
		u.Name, u.GivenName, u.FamilyName, u.Nickname, u.Email, u.Picture,
		u.AppTheme, u.GroupRef, u.DailySteps, u.WeeklySteps, u.DailyStepsGoal,
		u.WeeklyStepsGoal, u.UpdatedAt, u.ID, u.Version)
	if err != nil {
		return user.User{}, serrors.Internal("update user").WithCause(err)
	}
	if err := requireOneRow(ctx, res, s.existsUser, u.ID, "user"); err != nil {
		return user.User{}, err
	}
	u.Version++
	return u, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return serrors.Internal("delete user").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return serrors.NotFound("user not found").WithDetails("user_id", id)
	}
	return nil
}

func (s *Store) ResetDailySteps(ctx context.Context) error {
	return s.resetSteps(ctx, "daily_steps")
}

func (s *Store) ResetWeeklySteps(ctx context.Context) error {
	return s.resetSteps(ctx, "weekly_steps")
}

func (s *Store) resetSteps(ctx context.Context, column string) error {
	now := time.Now().UTC()
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return serrors.Internal("reset steps").WithCause(err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE users SET `+column+` = 0, updated_at = $1, version = version + 1`, now); err != nil {
		return serrors.Internal("reset user steps").WithCause(err)
	}
	total := column + "_total"
	if _, err := tx.ExecContext(ctx,
		`UPDATE groups SET `+total+` = 0, updated_at = $1, version = version + 1`, now); err != nil {
		return serrors.Internal("reset group steps").WithCause(err)
	}
	if err := tx.Commit(); err != nil {
		return serrors.Internal("reset steps").WithCause(err)
	}
	return nil
}

// GroupStore ----------------------------------------------------------------

type groupRow struct {
	ID               string         `db:"id"`
	Nickname         string         `db:"nickname"`
	Name             string         `db:"name"`
	Members          pq.StringArray `db:"members"`
	DailyStepsTotal  int            `db:"daily_steps_total"`
	WeeklyStepsTotal int            `db:"weekly_steps_total"`
	DailyStepsGoal   int            `db:"daily_steps_goal"`
	WeeklyStepsGoal  int            `db:"weekly_steps_goal"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
	Version          int64          `db:"version"`
}

func (r groupRow) toGroup() group.Group {
	return group.Group{
		ID:               r.ID,
		Nickname:         r.Nickname,
		Name:             r.Name,
		Members:          []string(r.Members),
		DailyStepsTotal:  r.DailyStepsTotal,
		WeeklyStepsTotal: r.WeeklyStepsTotal,
		DailyStepsGoal:   r.DailyStepsGoal,
		WeeklyStepsGoal:  r.WeeklyStepsGoal,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
		Version:          r.Version,
	}
}

func (s *Store) CreateGroup(ctx context.Context, g group.Group) (group.Group, error) {
	if g.ID == "" {
		g.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	g.CreatedAt = now
	g.UpdatedAt = now
	g.Version = 1
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (id, nickname, name, members, daily_steps_total,
			weekly_steps_total, daily_steps_goal, weekly_steps_goal,
			created_at, updated_at, version)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		g.ID, g.Nickname, g.Name, pq.StringArray(g.Members), g.DailyStepsTotal,
		g.WeeklyStepsTotal, g.DailyStepsGoal, g.WeeklyStepsGoal,
		g.CreatedAt, g.UpdatedAt, g.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return group.Group{}, serrors.Conflict("group already exists").WithDetails("group_id", g.ID)
		}
		return group.Group{}, serrors.Internal("create group").WithCause(err)
	}
	return g, nil
}

func (s *Store) GetGroup(ctx context.Context, id string) (group.Group, error) {
	var row groupRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM groups WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return group.Group{}, serrors.NotFound("group not found").WithDetails("group_id", id)
	}
	if err != nil {
		return group.Group{}, serrors.Internal("get group").WithCause(err)
	}
	return row.toGroup(), nil
}

func (s *Store) ListGroups(ctx context.Context) ([]group.Group, error) {
	var rows []groupRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM groups ORDER BY id`); err != nil {
		return nil, serrors.Internal("list groups").WithCause(err)
	}
	groups := make([]group.Group, 0, len(rows))
	for _, r := range rows {
		groups = append(groups, r.toGroup())
	}
	return groups, nil
}

func (s *Store) UpdateGroup(ctx context.Context, g group.Group) (group.Group, error) {
	g.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE groups SET nickname=$1, name=$2, members=$3,
			daily_steps_total=$4, weekly_steps_total=$5,
			daily_steps_goal=$6, weekly_steps_goal=$7,
			updated_at=$8, version=version+1
		WHERE id=$9 AND version=$10`,
		g.Nickname, g.Name, pq.StringArray(g.Members), g.DailyStepsTotal,
		g.WeeklyStepsTotal, g.DailyStepsGoal, g.WeeklyStepsGoal,
		g.UpdatedAt, g.ID, g.Version)
	if err != nil {
		return group.Group{}, serrors.Internal("update group").WithCause(err)
	}
	if err := requireOneRow(ctx, res, s.existsGroup, g.ID, "group"); err != nil {
		return group.Group{}, err
	}
	g.Version++
	return g, nil
}

func (s *Store) DeleteGroup(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM groups WHERE id = $1`, id)
	if err != nil {
		return serrors.Internal("delete group").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return serrors.NotFound("group not found").WithDetails("group_id", id)
	}
	return nil
}

// PendingStore --------------------------------------------------------------

type pendingRow struct {
	ID             string    `db:"id"`
	Kind           string    `db:"kind"`
	UserID         string    `db:"user_id"`
	GroupID        string    `db:"group_id"`
	DailyDelta     int       `db:"daily_delta"`
	WeeklyDelta    int       `db:"weekly_delta"`
	IdempotencyKey string    `db:"idempotency_key"`
	Status         string    `db:"status"`
	Attempts       int       `db:"attempts"`
	NextAttempt    time.Time `db:"next_attempt"`
	LastError      string    `db:"last_error"`
	CreatedAt      time.Time `db:"created_at"`
}

func (r pendingRow) toOp() pending.Op {
	return pending.Op{
		ID:             r.ID,
		Kind:           pending.Kind(r.Kind),
		UserID:         r.UserID,
		GroupID:        r.GroupID,
		DailyDelta:     r.DailyDelta,
		WeeklyDelta:    r.WeeklyDelta,
		IdempotencyKey: r.IdempotencyKey,
		Status:         pending.Status(r.Status),
		Attempts:       r.Attempts,
		NextAttempt:    r.NextAttempt,
		LastError:      r.LastError,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *Store) CreatePendingOp(ctx context.Context, op pending.Op) (pending.Op, error) {
	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	if op.Status == "" {
		op.Status = pending.StatusPending
	}
	if op.CreatedAt.IsZero() {
		op.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_ops (id, kind, user_id, group_id, daily_delta,
			weekly_delta, idempotency_key, status, attempts, next_attempt,
			last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		op.ID, string(op.Kind), op.UserID, op.GroupID, op.DailyDelta,
		op.WeeklyDelta, op.IdempotencyKey, string(op.Status), op.Attempts,
		op.NextAttempt, op.LastError, op.CreatedAt)
	if err != nil {
		return pending.Op{}, serrors.Internal("create pending op").WithCause(err)
	}
	return op, nil
}

func (s *Store) UpdatePendingOp(ctx context.Context, op pending.Op) (pending.Op, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_ops SET status=$1, attempts=$2, next_attempt=$3, last_error=$4
		WHERE id=$5`,
		string(op.Status), op.Attempts, op.NextAttempt, op.LastError, op.ID)
	if err != nil {
		return pending.Op{}, serrors.Internal("update pending op").WithCause(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pending.Op{}, serrors.NotFound("pending op not found").WithDetails("op_id", op.ID)
	}
	return op, nil
}

func (s *Store) GetPendingOp(ctx context.Context, id string) (pending.Op, error) {
	var row pendingRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM pending_ops WHERE id = $1`, id)
	if err == sql.ErrNoRows {
		return pending.Op{}, serrors.NotFound("pending op not found").WithDetails("op_id", id)
	}
	if err != nil {
		return pending.Op{}, serrors.Internal("get pending op").WithCause(err)
	}
	return row.toOp(), nil
}

func (s *Store) DeletePendingOp(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_ops WHERE id = $1`, id); err != nil {
		return serrors.Internal("delete pending op").WithCause(err)
	}
	return nil
}

func (s *Store) ListPendingOps(ctx context.Context) ([]pending.Op, error) {
	return s.listOps(ctx, string(pending.StatusPending))
}

func (s *Store) ListInconsistentOps(ctx context.Context) ([]pending.Op, error) {
	return s.listOps(ctx, string(pending.StatusInconsistent))
}

func (s *Store) listOps(ctx context.Context, status string) ([]pending.Op, error) {
	var rows []pendingRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM pending_ops WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, serrors.Internal("list pending ops").WithCause(err)
	}
	ops := make([]pending.Op, 0, len(rows))
	for _, r := range rows {
		ops = append(ops, r.toOp())
	}
	return ops, nil
}

// Helpers -------------------------------------------------------------------

// requireOneRow distinguishes a version conflict from a missing row after a
// guarded update matched nothing.
func requireOneRow(ctx context.Context, res sql.Result, exists func(context.Context, string) (bool, error), id, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return serrors.Internal("rows affected").WithCause(err)
	}
	if n == 1 {
		return nil
	}
	ok, err := exists(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return serrors.NotFound(entity + " not found").WithDetails(entity+"_id", id)
	}
	return serrors.Conflict(entity + " was modified concurrently").WithDetails(entity+"_id", id)
}

func (s *Store) existsUser(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM users WHERE id = $1`, id); err != nil {
		return false, serrors.Internal("check user").WithCause(err)
	}
	return n > 0, nil
}

func (s *Store) existsGroup(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT COUNT(1) FROM groups WHERE id = $1`, id); err != nil {
		return false, serrors.Internal("check group").WithCause(err)
	}
	return n > 0, nil
}

func isUniqueViolation(err error) bool {
	if pqErr, ok := err.(*pq.Error); ok {
		return pqErr.Code == "23505"
	}
	return false
}

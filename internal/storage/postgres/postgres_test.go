package postgres

import (
	"context"
	"database/sql/driver"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stridehq/stride/internal/domain/group"
	"github.com/stridehq/stride/internal/domain/user"
	serrors "github.com/stridehq/stride/internal/errors"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewFromDB(sqlx.NewDb(db, "sqlmock")), mock
}

var userColumns = []string{
	"id", "name", "given_name", "family_name", "nickname", "email",
	"picture", "app_theme", "group_ref", "daily_steps", "weekly_steps",
	"daily_steps_goal", "weekly_steps_goal", "created_at", "updated_at", "version",
}

func userRowValues(id string, version int64) []driverValue {
	now := time.Now().UTC()
	return []driverValue{
		id, "", "", "", "ann", "", "", "", "", 100, 200, 5000, 35000, now, now, version,
	}
}

type driverValue = driver.Value

func TestGetUserMapsRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows(userColumns).AddRow(userRowValues("u1", 3)...))

	u, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "ann", u.Nickname)
	assert.Equal(t, 100, u.DailySteps)
	assert.Equal(t, int64(3), u.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM users WHERE id = $1`)).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(userColumns))

	_, err := store.GetUser(context.Background(), "missing")
	assert.True(t, serrors.Is(err, serrors.CodeNotFound), "err = %v", err)
}

func TestCreateUserUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO users`)).
		WillReturnError(&pq.Error{Code: "23505"})

	_, err := store.CreateUser(context.Background(), user.User{ID: "u1", Nickname: "ann"})
	assert.True(t, serrors.Is(err, serrors.CodeConflict), "err = %v", err)
}

func TestUpdateUserGuardedByVersion(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	u := user.User{ID: "u1", Nickname: "ann", Version: 3}
	updated, err := store.UpdateUser(context.Background(), u)
	require.NoError(t, err)
	assert.Equal(t, int64(4), updated.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateUserVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows matched: the row exists but the version moved on.
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM users WHERE id = $1`)).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := store.UpdateUser(context.Background(), user.User{ID: "u1", Version: 2})
	assert.True(t, serrors.Is(err, serrors.CodeConflict), "err = %v", err)
}

func TestUpdateUserGone(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM users WHERE id = $1`)).
		WithArgs("gone").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	_, err := store.UpdateUser(context.Background(), user.User{ID: "gone", Version: 1})
	assert.True(t, serrors.Is(err, serrors.CodeNotFound), "err = %v", err)
}

func TestDeleteUserNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM users WHERE id = $1`)).
		WithArgs("missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.DeleteUser(context.Background(), "missing")
	assert.True(t, serrors.Is(err, serrors.CodeNotFound), "err = %v", err)
}

func TestUpdateGroupVersionConflict(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE groups SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(1) FROM groups WHERE id = $1`)).
		WithArgs("g1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	_, err := store.UpdateGroup(context.Background(), group.Group{ID: "g1", Version: 1})
	assert.True(t, serrors.Is(err, serrors.CodeConflict), "err = %v", err)
}

func TestResetDailyStepsTransactional(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE users SET daily_steps = 0`)).
		WillReturnResult(sqlmock.NewResult(0, 10))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE groups SET daily_steps_total = 0`)).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectCommit()

	require.NoError(t, store.ResetDailySteps(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPendingOpsFiltersByStatus(t *testing.T) {
	store, mock := newMockStore(t)

	columns := []string{
		"id", "kind", "user_id", "group_id", "daily_delta", "weekly_delta",
		"idempotency_key", "status", "attempts", "next_attempt", "last_error", "created_at",
	}
	now := time.Now().UTC()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM pending_ops WHERE status = $1 ORDER BY created_at`)).
		WithArgs("pending").
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("op1", "set_group_ref", "u1", "g1", 0, 0, "k1", "pending", 2, now, "timeout", now))

	ops, err := store.ListPendingOps(context.Background())
	require.NoError(t, err)
	require.Len(t, ops, 1)
	assert.Equal(t, "op1", ops[0].ID)
	assert.Equal(t, 2, ops[0].Attempts)
}

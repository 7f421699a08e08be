package storage

import (
	"context"
	"database/sql/driver"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dbtasks/pkg/logx"
)

var columns = []string{
	"id", "task_type", "args", "kwargs", "backend", "queue", "priority", "status",
	"enqueued_at", "run_after", "started_at", "finished_at", "periodic", "worker_ids",
	"return_value", "error_class", "error_message",
}

func newMockStore(t *testing.T) (*sqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return newSQLStore(db, postgresDialect{}, logx.Nop()), mock
}

func anyArgs(n int) []driver.Value {
	out := make([]driver.Value, n)
	for i := range out {
		out[i] = sqlmock.AnyArg()
	}
	return out
}

func TestRebindDollar(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "a = $1 AND b IN ($2,$3)", rebindDollar("a = ? AND b IN (?,?)"))
	assert.Equal(t, "no params", rebindDollar("no params"))
}

func TestPostgresClaimSkipsLockedRows(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery(`(?s)SELECT id, task_type.*FROM dbtasks_task.*` +
		regexp.QuoteMeta(`WHERE status = $1 AND backend = $2 AND queue IN ($3,$4)`) + `.*` +
		regexp.QuoteMeta(`run_after <= $5`) + `.*` +
		regexp.QuoteMeta(`ORDER BY priority DESC, enqueued_at ASC`) + `.*` +
		regexp.QuoteMeta(`LIMIT $6 FOR UPDATE SKIP LOCKED`)).
		WithArgs("READY", "default", "default", "emails", now.UnixMicro(), 2).
		WillReturnRows(sqlmock.NewRows(columns).
			AddRow("t1", "app.send_mail", `["a@example.com"]`, `{}`, "default", "emails", 5, "READY",
				now.Add(-time.Minute).UnixMicro(), nil, nil, nil, false, `[]`, nil, "", ""))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dbtasks_task SET status = $1, started_at = $2, worker_ids = $3 WHERE id = $4`)).
		WithArgs("RUNNING", now.UnixMicro(), `["w1"]`, "t1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	got, err := st.Claim(context.Background(), ClaimRequest{Max: 2, Queues: []string{"default", "emails"}, WorkerID: "w1", Now: now})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, StatusRunning, got[0].Status)
	assert.Equal(t, []any{"a@example.com"}, got[0].Args)
	assert.Equal(t, []string{"w1"}, got[0].WorkerIDs)
	assert.Equal(t, 5, got[0].Priority)
	assert.True(t, got[0].StartedAt.Equal(now))
}

func TestPostgresClaimRollsBackOnError(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := st.Claim(context.Background(), ClaimRequest{Max: 1, WorkerID: "w1"})
	assert.ErrorContains(t, err, "connection reset")
}

func TestPostgresResetPeriodicTakesAdvisoryLock(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("dbtasks:default").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dbtasks_task WHERE status = $1 AND periodic = $2 AND backend = $3`)).
		WithArgs("READY", true, "default").
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO dbtasks_task`)).
		WithArgs(anyArgs(11)...).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	out, err := st.ResetPeriodic(context.Background(), "", []NewTask{{TaskType: "hourly", RunAfter: time.Now().Add(time.Hour)}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out[0].Periodic)
	assert.Equal(t, "default", out[0].Backend)
}

func TestPostgresFinishNotFound(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE dbtasks_task SET status = $1, finished_at = $2, return_value = $3, error_class = $4, error_message = $5 WHERE id = $6`)).
		WithArgs("FAILED", sqlmock.AnyArg(), nil, "panic", "boom", "missing").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := st.Finish(context.Background(), "missing", Outcome{Status: StatusFailed, ErrorClass: "panic", ErrorMessage: "boom"})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresPurgeExcludes(t *testing.T) {
	t.Parallel()
	st, mock := newMockStore(t)
	cutoff := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM dbtasks_task WHERE status IN ($1, $2) AND finished_at < $3 AND task_type NOT IN ($4,$5)`)).
		WithArgs("SUCCESSFUL", "FAILED", cutoff.UnixMicro(), "a", "b").
		WillReturnResult(sqlmock.NewResult(0, 7))

	n, err := st.DeleteTerminalOlderThan(context.Background(), cutoff, PurgeFilter{Exclude: []string{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

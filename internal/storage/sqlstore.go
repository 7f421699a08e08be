package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"dbtasks/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const taskColumns = `id, task_type, args, kwargs, backend, queue, priority, status,
	enqueued_at, run_after, started_at, finished_at, periodic, worker_ids,
	return_value, error_class, error_message`

// dialect captures what differs between the SQL drivers.
type dialect interface {
	name() string
	// rebind rewrites '?' placeholders into the driver's form.
	rebind(q string) string
	// claimLock is appended to the claim SELECT.
	claimLock() string
	// lockBackend serializes periodic resets of one backend inside tx.
	lockBackend(ctx context.Context, tx *sql.Tx, backend string) error
}

// sqlStore implements Store on database/sql. Times are stored as Unix
// microseconds; args, kwargs, worker ids and return values as JSON text.
type sqlStore struct {
	db  *sql.DB
	d   dialect
	log logx.Logger
}

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	files, err := fs.Glob(migrationsFS, "migrations/*.sql")
	if err != nil {
		return err
	}
	slices.Sort(files)
	for _, f := range files {
		b, err := migrationsFS.ReadFile(f)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("%s migrate %s: %w", s.d.name(), f, err)
		}
		s.log.Debug("migration applied", logx.String("file", f))
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) Insert(ctx context.Context, n NewTask) (Task, error) {
	if s == nil || s.db == nil {
		return Task{}, ErrDisabled
	}
	var out Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		out, err = s.insert(ctx, tx, n, time.Now())
		return err
	})
	return out, err
}

func (s *sqlStore) insert(ctx context.Context, tx *sql.Tx, n NewTask, now time.Time) (Task, error) {
	n, err := n.normalize(now)
	if err != nil {
		return Task{}, err
	}
	a, k, err := encodeArgs(n.Args, n.Kwargs)
	if err != nil {
		return Task{}, fmt.Errorf("encode args: %w", err)
	}
	id := uuid.NewString()
	_, err = tx.ExecContext(ctx, s.d.rebind(
		`INSERT INTO dbtasks_task(id, task_type, args, kwargs, backend, queue, priority, status, enqueued_at, run_after, periodic)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`),
		id, n.TaskType, a, k, n.Backend, n.Queue, n.Priority, string(StatusReady),
		n.EnqueuedAt.UnixMicro(), nullTime(n.RunAfter), n.Periodic,
	)
	if err != nil {
		return Task{}, err
	}
	args, kwargs, _ := decodeArgs(a, k)
	return Task{
		ID:         id,
		TaskType:   n.TaskType,
		Args:       args,
		Kwargs:     kwargs,
		Backend:    n.Backend,
		Queue:      n.Queue,
		Priority:   n.Priority,
		Status:     StatusReady,
		EnqueuedAt: time.UnixMicro(n.EnqueuedAt.UnixMicro()),
		RunAfter:   fromMicro(nullTime(n.RunAfter)),
		Periodic:   n.Periodic,
		WorkerIDs:  []string{},
	}, nil
}

func (s *sqlStore) Claim(ctx context.Context, req ClaimRequest) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if req.Max <= 0 {
		return nil, nil
	}
	req = req.normalize()
	now := req.Now.UnixMicro()

	var out []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		args := []any{string(StatusReady), req.Backend}
		for _, q := range req.Queues {
			args = append(args, q)
		}
		args = append(args, now, req.Max)
		q := `SELECT ` + taskColumns + ` FROM dbtasks_task
			WHERE status = ? AND backend = ? AND queue IN (` + placeholders(len(req.Queues)) + `)
			  AND (run_after IS NULL OR run_after <= ?)
			ORDER BY priority DESC, enqueued_at ASC
			LIMIT ?` + s.d.claimLock()
		tasks, err := s.query(ctx, tx, s.d.rebind(q), args...)
		if err != nil {
			return err
		}
		for i := range tasks {
			t := &tasks[i]
			t.Status = StatusRunning
			t.StartedAt = time.UnixMicro(now)
			t.WorkerIDs = append(t.WorkerIDs, req.WorkerID)
			ids, _ := json.Marshal(t.WorkerIDs)
			_, err := tx.ExecContext(ctx, s.d.rebind(
				`UPDATE dbtasks_task SET status = ?, started_at = ?, worker_ids = ? WHERE id = ?`),
				string(StatusRunning), now, string(ids), t.ID,
			)
			if err != nil {
				return err
			}
		}
		out = tasks
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) ResetPeriodic(ctx context.Context, backend string, tasks []NewTask) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	if backend == "" {
		backend = DefaultBackend
	}
	now := time.Now()
	var out []Task
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.d.lockBackend(ctx, tx, backend); err != nil {
			return err
		}
		if _, err := s.deletePending(ctx, tx, backend, ""); err != nil {
			return err
		}
		out = make([]Task, 0, len(tasks))
		for _, n := range tasks {
			n.Backend = backend
			n.Periodic = true
			t, err := s.insert(ctx, tx, n, now)
			if err != nil {
				return err
			}
			out = append(out, t)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *sqlStore) DeletePendingPeriodic(ctx context.Context, backend, taskType string) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	if backend == "" {
		backend = DefaultBackend
	}
	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		n, err = s.deletePending(ctx, tx, backend, taskType)
		return err
	})
	return n, err
}

func (s *sqlStore) deletePending(ctx context.Context, tx *sql.Tx, backend, taskType string) (int64, error) {
	q := `DELETE FROM dbtasks_task WHERE status = ? AND periodic = ? AND backend = ?`
	args := []any{string(StatusReady), true, backend}
	if taskType != "" {
		q += ` AND task_type = ?`
		args = append(args, taskType)
	}
	res, err := tx.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time, f PurgeFilter) (int64, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	q := `DELETE FROM dbtasks_task WHERE status IN (?, ?) AND finished_at < ?`
	args := []any{string(StatusSuccessful), string(StatusFailed), cutoff.UnixMicro()}
	switch {
	case f.TaskType != "":
		q += ` AND task_type = ?`
		args = append(args, f.TaskType)
	case len(f.Exclude) > 0:
		q += ` AND task_type NOT IN (` + placeholders(len(f.Exclude)) + `)`
		for _, e := range f.Exclude {
			args = append(args, e)
		}
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(q), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *sqlStore) Finish(ctx context.Context, id string, o Outcome) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if o.FinishedAt.IsZero() {
		o.FinishedAt = time.Now()
	}
	var rv any
	if len(o.ReturnValue) > 0 && json.Valid(o.ReturnValue) {
		rv = string(o.ReturnValue)
	}
	res, err := s.db.ExecContext(ctx, s.d.rebind(
		`UPDATE dbtasks_task SET status = ?, finished_at = ?, return_value = ?, error_class = ?, error_message = ? WHERE id = ?`),
		string(o.Status), o.FinishedAt.UnixMicro(), rv, o.ErrorClass, o.ErrorMessage, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *sqlStore) Get(ctx context.Context, id string) (Task, error) {
	if s == nil || s.db == nil {
		return Task{}, ErrDisabled
	}
	tasks, err := s.query(ctx, s.db, s.d.rebind(`SELECT `+taskColumns+` FROM dbtasks_task WHERE id = ?`), id)
	if err != nil {
		return Task{}, err
	}
	if len(tasks) == 0 {
		return Task{}, ErrNotFound
	}
	return tasks[0], nil
}

func (s *sqlStore) List(ctx context.Context, f ListFilter) ([]Task, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	var where []string
	var args []any
	if f.Backend != "" {
		where = append(where, "backend = ?")
		args = append(args, f.Backend)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	if f.Periodic != nil {
		where = append(where, "periodic = ?")
		args = append(args, *f.Periodic)
	}
	q := `SELECT ` + taskColumns + ` FROM dbtasks_task`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY enqueued_at ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	return s.query(ctx, s.db, s.d.rebind(q), args...)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *sqlStore) query(ctx context.Context, q queryer, query string, args ...any) ([]Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var (
			t                           Task
			status, a, k, workers       string
			enqueued                    int64
			runAfter, started, finished sql.NullInt64
			returnValue                 sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.TaskType, &a, &k, &t.Backend, &t.Queue, &t.Priority, &status,
			&enqueued, &runAfter, &started, &finished, &t.Periodic, &workers,
			&returnValue, &t.ErrorClass, &t.ErrorMessage); err != nil {
			return nil, err
		}
		t.Status = Status(status)
		t.EnqueuedAt = time.UnixMicro(enqueued)
		t.RunAfter = fromMicro(runAfter)
		t.StartedAt = fromMicro(started)
		t.FinishedAt = fromMicro(finished)
		if t.Args, t.Kwargs, err = decodeArgs(a, k); err != nil {
			return nil, fmt.Errorf("task %s: decode args: %w", t.ID, err)
		}
		t.WorkerIDs = []string{}
		if workers != "" {
			if err := json.Unmarshal([]byte(workers), &t.WorkerIDs); err != nil {
				return nil, fmt.Errorf("task %s: decode worker ids: %w", t.ID, err)
			}
		}
		if returnValue.Valid {
			t.ReturnValue = json.RawMessage(returnValue.String)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// rebindDollar turns '?' into '$1', '$2', ...
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMicro(), Valid: true}
}

func fromMicro(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.UnixMicro(v.Int64)
}

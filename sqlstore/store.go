// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package sqlstore implements persistent pipequeue storage on
// relational databases. It serves the Postgres, MySQL, and embedded
// SQLite backend types; importing the package registers all three.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	mysqldriver "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/olivere/pipequeue"
	"github.com/olivere/pipequeue/sqlstore/internal"
)

func init() {
	builder := func(conn *pipequeue.Connection, logger pipequeue.Logger) (pipequeue.Store, error) {
		return NewStore(conn, SetLogger(logger))
	}
	pipequeue.RegisterBackend(pipequeue.Postgres, builder)
	pipequeue.RegisterBackend(pipequeue.MySQL, builder)
	pipequeue.RegisterBackend(pipequeue.SQLite, builder)
}

const (
	jobsTable      = "pipequeue_jobs"
	schedulesTable = "pipequeue_schedules"

	// mysqlSchema declares its indexes inline; MySQL has no
	// CREATE INDEX IF NOT EXISTS.
	mysqlJobsSchema = `CREATE TABLE IF NOT EXISTS pipequeue_jobs (
id varchar(36) primary key,
pipeline varchar(255) not null,
queue varchar(255) not null,
status varchar(30) not null,
args text,
kwargs text,
policy text,
attempts integer not null default 0,
not_before bigint not null default 0,
enqueued bigint not null default 0,
started bigint not null default 0,
finished bigint not null default 0,
result text,
error text,
index ix_jobs_status (status),
index ix_jobs_queue (queue),
index ix_jobs_pipeline (pipeline),
index ix_jobs_status_not_before (status, not_before),
index ix_jobs_enqueued (enqueued));`

	mysqlSchedulesSchema = `CREATE TABLE IF NOT EXISTS pipequeue_schedules (
id varchar(255) primary key,
pipeline varchar(255) not null,
trigger_spec text not null,
queue varchar(255),
args text,
kwargs text,
policy text,
created bigint not null default 0,
index ix_schedules_pipeline (pipeline));`

	genericJobsSchema = `CREATE TABLE IF NOT EXISTS pipequeue_jobs (
id varchar(36) primary key,
pipeline varchar(255) not null,
queue varchar(255) not null,
status varchar(30) not null,
args text,
kwargs text,
policy text,
attempts integer not null default 0,
not_before bigint not null default 0,
enqueued bigint not null default 0,
started bigint not null default 0,
finished bigint not null default 0,
result text,
error text);`

	genericSchedulesSchema = `CREATE TABLE IF NOT EXISTS pipequeue_schedules (
id varchar(255) primary key,
pipeline varchar(255) not null,
trigger_spec text not null,
queue varchar(255),
args text,
kwargs text,
policy text,
created bigint not null default 0);`
)

var genericIndexes = []string{
	`CREATE INDEX IF NOT EXISTS ix_jobs_status ON pipequeue_jobs (status);`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_queue ON pipequeue_jobs (queue);`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_pipeline ON pipequeue_jobs (pipeline);`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_status_not_before ON pipequeue_jobs (status, not_before);`,
	`CREATE INDEX IF NOT EXISTS ix_jobs_enqueued ON pipequeue_jobs (enqueued);`,
	`CREATE INDEX IF NOT EXISTS ix_schedules_pipeline ON pipequeue_schedules (pipeline);`,
}

// Store is a persistent storage implementation on a relational
// database. It implements the pipequeue.Store interface.
type Store struct {
	db      *sql.DB
	sb      sq.StatementBuilderType
	backend pipequeue.BackendType
	logger  pipequeue.Logger
}

// StoreOption is an options provider for Store.
type StoreOption func(*Store)

// SetLogger specifies the logger the store reports to.
func SetLogger(logger pipequeue.Logger) StoreOption {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewStore opens the database described by the connection and ensures
// the schema exists. The SQL dialect follows the connection's backend
// type: Postgres (via lib/pq), MySQL (via go-sql-driver/mysql), or
// embedded SQLite (via modernc.org/sqlite).
func NewStore(conn *pipequeue.Connection, options ...StoreOption) (*Store, error) {
	st := &Store{backend: conn.Type, logger: nopLogger{}}
	for _, opt := range options {
		opt(st)
	}

	driver, dsn, err := driverAndDSN(conn)
	if err != nil {
		return nil, err
	}
	st.db, err = sql.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	var ph sq.PlaceholderFormat = sq.Question
	if conn.Type == pipequeue.Postgres {
		ph = sq.Dollar
	}
	st.sb = sq.StatementBuilder.PlaceholderFormat(ph)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := st.db.PingContext(ctx); err != nil {
		_ = st.db.Close()
		return nil, err
	}
	if err := st.createSchema(ctx); err != nil {
		_ = st.db.Close()
		return nil, err
	}
	return st, nil
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// driverAndDSN maps the normalized connection onto a database/sql
// driver name and its DSN. Postgres accepts the canonical URI as-is;
// MySQL DSNs are composed with the driver's own Config type.
func driverAndDSN(conn *pipequeue.Connection) (driver, dsn string, err error) {
	switch conn.Type {
	case pipequeue.Postgres:
		return "postgres", conn.URI, nil
	case pipequeue.MySQL:
		cfg := mysqldriver.NewConfig()
		cfg.User = conn.Username
		cfg.Passwd = conn.Password
		cfg.Net = "tcp"
		cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, conn.Port)
		cfg.DBName = conn.Database
		if conn.SSL {
			if conn.VerifySSL {
				cfg.TLSConfig = "true"
			} else {
				cfg.TLSConfig = "skip-verify"
			}
		}
		return "mysql", cfg.FormatDSN(), nil
	case pipequeue.SQLite:
		if conn.Database == "" {
			// Ephemeral instance
			return "sqlite", ":memory:", nil
		}
		return "sqlite", conn.Database, nil
	}
	return "", "", fmt.Errorf("sqlstore: backend type %q is not SQL-based", conn.Type)
}

func (s *Store) createSchema(ctx context.Context) error {
	var stmts []string
	if s.backend == pipequeue.MySQL {
		stmts = []string{mysqlJobsSchema, mysqlSchedulesSchema}
	} else {
		stmts = append([]string{genericJobsSchema, genericSchedulesSchema}, genericIndexes...)
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) runWithRetry(ctx context.Context, fn func(context.Context) error) error {
	return internal.RunWithRetry(ctx, s.db, fn, internal.IsRetryable)
}

// -- Row mapping --

type jobRow struct {
	ID        string
	Pipeline  string
	Queue     string
	Status    string
	Args      string
	Kwargs    string
	Policy    string
	Attempts  int
	NotBefore int64
	Enqueued  int64
	Started   int64
	Finished  int64
	Result    string
	Error     string
}

var jobColumns = []string{
	"id", "pipeline", "queue", "status", "args", "kwargs", "policy",
	"attempts", "not_before", "enqueued", "started", "finished",
	"result", "error",
}

func newJobRow(job *pipequeue.Job) (*jobRow, error) {
	r := &jobRow{
		ID:        job.ID,
		Pipeline:  job.Pipeline,
		Queue:     job.Queue,
		Status:    string(job.Status),
		Attempts:  job.Attempts,
		NotBefore: nanos(job.NotBefore),
		Enqueued:  nanos(job.EnqueuedAt),
		Started:   nanos(job.StartedAt),
		Finished:  nanos(job.FinishedAt),
		Error:     job.Error,
	}
	var err error
	if r.Args, err = encode(job.Args); err != nil {
		return nil, err
	}
	if r.Kwargs, err = encode(job.Kwargs); err != nil {
		return nil, err
	}
	if r.Policy, err = encode(job.Policy); err != nil {
		return nil, err
	}
	if r.Result, err = encode(job.Result); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *jobRow) toJob() (*pipequeue.Job, error) {
	job := &pipequeue.Job{
		ID:         r.ID,
		Pipeline:   r.Pipeline,
		Queue:      r.Queue,
		Status:     pipequeue.Status(r.Status),
		Attempts:   r.Attempts,
		NotBefore:  fromNanos(r.NotBefore),
		EnqueuedAt: fromNanos(r.Enqueued),
		StartedAt:  fromNanos(r.Started),
		FinishedAt: fromNanos(r.Finished),
		Error:      r.Error,
	}
	if err := decode(r.Args, &job.Args); err != nil {
		return nil, err
	}
	if err := decode(r.Kwargs, &job.Kwargs); err != nil {
		return nil, err
	}
	if err := decode(r.Policy, &job.Policy); err != nil {
		return nil, err
	}
	if err := decode(r.Result, &job.Result); err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRow) values() []interface{} {
	return []interface{}{
		r.ID, r.Pipeline, r.Queue, r.Status, r.Args, r.Kwargs, r.Policy,
		r.Attempts, r.NotBefore, r.Enqueued, r.Started, r.Finished,
		r.Result, r.Error,
	}
}

func scanJobRow(scan func(...interface{}) error) (*jobRow, error) {
	r := &jobRow{}
	err := scan(
		&r.ID, &r.Pipeline, &r.Queue, &r.Status, &r.Args, &r.Kwargs, &r.Policy,
		&r.Attempts, &r.NotBefore, &r.Enqueued, &r.Started, &r.Finished,
		&r.Result, &r.Error,
	)
	if err != nil {
		return nil, err
	}
	return r, nil
}

func encode(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func decode(data string, v interface{}) error {
	if data == "" || data == "null" {
		return nil
	}
	return json.Unmarshal([]byte(data), v)
}

func nanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}

// -- pipequeue.Store --

// Start is called when the engine starts up. We ensure that stale jobs
// are marked as failed so that we have place for new jobs.
func (s *Store) Start(ctx context.Context) error {
	query, args, err := s.sb.Update(jobsTable).
		Set("status", string(pipequeue.Failed)).
		Set("finished", time.Now().UnixNano()).
		Set("error", "crashed before completion").
		Where(sq.Eq{"status": string(pipequeue.Running)}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateJob adds a new job to the store.
func (s *Store) CreateJob(ctx context.Context, job *pipequeue.Job) error {
	r, err := newJobRow(job)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Insert(jobsTable).
		Columns(jobColumns...).
		Values(r.values()...).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		_, err := s.db.ExecContext(ctx, query, args...)
		return err
	})
}

// UpdateJob updates the job in the store.
func (s *Store) UpdateJob(ctx context.Context, job *pipequeue.Job) error {
	r, err := newJobRow(job)
	if err != nil {
		return err
	}
	query, args, err := s.sb.Update(jobsTable).
		Set("queue", r.Queue).
		Set("status", r.Status).
		Set("args", r.Args).
		Set("kwargs", r.Kwargs).
		Set("policy", r.Policy).
		Set("attempts", r.Attempts).
		Set("not_before", r.NotBefore).
		Set("started", r.Started).
		Set("finished", r.Finished).
		Set("result", r.Result).
		Set("error", r.Error).
		Where(sq.Eq{"id": r.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return pipequeue.ErrNotFound
		}
		return nil
	})
}

// LookupJob retrieves a single job in the store by its identifier.
func (s *Store) LookupJob(ctx context.Context, id string) (*pipequeue.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanJobRow(s.db.QueryRowContext(ctx, query, args...).Scan)
	if internal.IsNotFound(err) {
		return nil, pipequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toJob()
}

// NextJob picks the oldest queued job that is ready to run.
func (s *Store) NextJob(ctx context.Context) (*pipequeue.Job, error) {
	query, args, err := s.sb.Select(jobColumns...).
		From(jobsTable).
		Where(sq.Eq{"status": string(pipequeue.Queued)}).
		Where(sq.LtOrEq{"not_before": time.Now().UnixNano()}).
		OrderBy("enqueued asc").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, err
	}
	r, err := scanJobRow(s.db.QueryRowContext(ctx, query, args...).Scan)
	if internal.IsNotFound(err) {
		return nil, pipequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toJob()
}

// ListJobs returns jobs matching the filter, most recently enqueued
// first.
func (s *Store) ListJobs(ctx context.Context, f *pipequeue.JobFilter) ([]*pipequeue.Job, error) {
	qry := s.sb.Select(jobColumns...).
		From(jobsTable).
		OrderBy("enqueued desc")
	if f.Status != "" {
		qry = qry.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Queue != "" {
		qry = qry.Where(sq.Eq{"queue": f.Queue})
	}
	if f.Pipeline != "" {
		qry = qry.Where(sq.Eq{"pipeline": f.Pipeline})
	}
	if f.Limit > 0 {
		qry = qry.Limit(uint64(f.Limit))
	}
	if f.Offset > 0 {
		qry = qry.Offset(uint64(f.Offset))
	}
	query, args, err := qry.ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []*pipequeue.Job
	for rows.Next() {
		r, err := scanJobRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		job, err := r.toJob()
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ListQueues returns all queues with their pending counts, recomputed
// on every call.
func (s *Store) ListQueues(ctx context.Context) ([]*pipequeue.QueueInfo, error) {
	query, args, err := s.sb.Select(
		"queue",
		fmt.Sprintf("sum(case when status = '%s' then 1 else 0 end)", pipequeue.Queued),
	).
		From(jobsTable).
		GroupBy("queue").
		OrderBy("queue asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var queues []*pipequeue.QueueInfo
	for rows.Next() {
		q := &pipequeue.QueueInfo{Backend: string(s.backend)}
		if err := rows.Scan(&q.Name, &q.Pending); err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

// -- Schedules --

type scheduleRow struct {
	ID       string
	Pipeline string
	Trigger  string
	Queue    string
	Args     string
	Kwargs   string
	Policy   string
	Created  int64
}

var scheduleColumns = []string{
	"id", "pipeline", "trigger_spec", "queue", "args", "kwargs", "policy", "created",
}

func newScheduleRow(sched *pipequeue.Schedule) (*scheduleRow, error) {
	r := &scheduleRow{
		ID:       sched.ID,
		Pipeline: sched.Pipeline,
		Queue:    sched.Queue,
		Created:  nanos(sched.CreatedAt),
	}
	var err error
	if r.Trigger, err = encode(sched.Trigger); err != nil {
		return nil, err
	}
	if r.Args, err = encode(sched.Args); err != nil {
		return nil, err
	}
	if r.Kwargs, err = encode(sched.Kwargs); err != nil {
		return nil, err
	}
	if r.Policy, err = encode(sched.Policy); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *scheduleRow) toSchedule() (*pipequeue.Schedule, error) {
	sched := &pipequeue.Schedule{
		ID:        r.ID,
		Pipeline:  r.Pipeline,
		Queue:     r.Queue,
		CreatedAt: fromNanos(r.Created),
	}
	if err := decode(r.Trigger, &sched.Trigger); err != nil {
		return nil, err
	}
	if err := decode(r.Args, &sched.Args); err != nil {
		return nil, err
	}
	if err := decode(r.Kwargs, &sched.Kwargs); err != nil {
		return nil, err
	}
	if err := decode(r.Policy, &sched.Policy); err != nil {
		return nil, err
	}
	return sched, nil
}

// CreateSchedule adds a schedule. An existing schedule with the same
// identifier is only replaced when overwrite is set; otherwise
// ErrScheduleExists is returned.
func (s *Store) CreateSchedule(ctx context.Context, sched *pipequeue.Schedule, overwrite bool) error {
	r, err := newScheduleRow(sched)
	if err != nil {
		return err
	}
	insert, insertArgs, err := s.sb.Insert(schedulesTable).
		Columns(scheduleColumns...).
		Values(r.ID, r.Pipeline, r.Trigger, r.Queue, r.Args, r.Kwargs, r.Policy, r.Created).
		ToSql()
	if err != nil {
		return err
	}
	if !overwrite {
		err := s.runWithRetry(ctx, func(ctx context.Context) error {
			_, err := s.db.ExecContext(ctx, insert, insertArgs...)
			return err
		})
		if internal.IsDup(err) {
			return pipequeue.ErrScheduleExists
		}
		return err
	}
	// Replace explicitly: delete and insert in one transaction.
	del, delArgs, err := s.sb.Delete(schedulesTable).
		Where(sq.Eq{"id": r.ID}).
		ToSql()
	if err != nil {
		return err
	}
	return internal.RunInTxWithRetry(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, insert, insertArgs...)
		return err
	}, internal.IsRetryable)
}

// LookupSchedule returns the schedule with the given identifier.
func (s *Store) LookupSchedule(ctx context.Context, id string) (*pipequeue.Schedule, error) {
	query, args, err := s.sb.Select(scheduleColumns...).
		From(schedulesTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}
	r := &scheduleRow{}
	err = s.db.QueryRowContext(ctx, query, args...).
		Scan(&r.ID, &r.Pipeline, &r.Trigger, &r.Queue, &r.Args, &r.Kwargs, &r.Policy, &r.Created)
	if internal.IsNotFound(err) {
		return nil, pipequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toSchedule()
}

// ListSchedules returns all schedules, ordered by identifier.
func (s *Store) ListSchedules(ctx context.Context) ([]*pipequeue.Schedule, error) {
	query, args, err := s.sb.Select(scheduleColumns...).
		From(schedulesTable).
		OrderBy("id asc").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var schedules []*pipequeue.Schedule
	for rows.Next() {
		r := &scheduleRow{}
		if err := rows.Scan(&r.ID, &r.Pipeline, &r.Trigger, &r.Queue, &r.Args, &r.Kwargs, &r.Policy, &r.Created); err != nil {
			return nil, err
		}
		sched, err := r.toSchedule()
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes the schedule with the given identifier.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	query, args, err := s.sb.Delete(schedulesTable).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return err
	}
	return s.runWithRetry(ctx, func(ctx context.Context) error {
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return pipequeue.ErrNotFound
		}
		return nil
	})
}

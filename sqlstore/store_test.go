// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package sqlstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olivere/pipequeue"
)

// newTestStore opens a store on an embedded SQLite database in a
// temporary directory. A file-based database is used so that all pool
// connections see the same data.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	conn, err := pipequeue.NewConnection(pipequeue.Connection{
		Type:     pipequeue.SQLite,
		Database: filepath.Join(t.TempDir(), "pipequeue.db"),
	})
	require.NoError(t, err)
	st, err := NewStore(conn)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestDriverAndDSN(t *testing.T) {
	tests := []struct {
		Conn   pipequeue.Connection
		Driver string
		DSN    string
	}{
		{
			Conn:   pipequeue.Connection{Type: pipequeue.Postgres},
			Driver: "postgres",
			DSN:    "postgresql://postgres@localhost:5432/postgres",
		},
		{
			Conn:   pipequeue.Connection{Type: pipequeue.MySQL, Password: "secret", Database: "jobs"},
			Driver: "mysql",
			DSN:    "root:secret@tcp(localhost:3306)/jobs",
		},
		{
			Conn:   pipequeue.Connection{Type: pipequeue.SQLite, Database: "/var/lib/jobs.db"},
			Driver: "sqlite",
			DSN:    "/var/lib/jobs.db",
		},
		{
			Conn:   pipequeue.Connection{Type: pipequeue.SQLite},
			Driver: "sqlite",
			DSN:    ":memory:",
		},
	}
	for _, tt := range tests {
		conn, err := pipequeue.NewConnection(tt.Conn)
		require.NoError(t, err)
		driver, dsn, err := driverAndDSN(conn)
		require.NoError(t, err)
		assert.Equal(t, tt.Driver, driver)
		assert.Equal(t, tt.DSN, dsn)
	}

	conn, err := pipequeue.NewConnection(pipequeue.Connection{Type: pipequeue.Redis})
	require.NoError(t, err)
	_, _, err = driverAndDSN(conn)
	assert.Error(t, err)
}

func TestStoreJobs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	job := &pipequeue.Job{
		ID:       "1",
		Pipeline: "etl",
		Queue:    "default",
		Status:   pipequeue.Queued,
		Args:     []interface{}{"2026-08-30"},
		Kwargs:   map[string]interface{}{"full": true},
		Policy: &pipequeue.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
			Retryable:   []pipequeue.FailureClass{pipequeue.TimeoutFailure},
		},
		EnqueuedAt: time.Now(),
	}
	require.NoError(t, st.CreateJob(ctx, job))

	got, err := st.LookupJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, "etl", got.Pipeline)
	assert.Equal(t, pipequeue.Queued, got.Status)
	require.Len(t, got.Args, 1)
	assert.Equal(t, "2026-08-30", got.Args[0])
	assert.Equal(t, true, got.Kwargs["full"])
	require.NotNil(t, got.Policy)
	assert.Equal(t, 3, got.Policy.MaxAttempts)
	require.Len(t, got.Policy.Retryable, 1)
	assert.Equal(t, "timeout", got.Policy.Retryable[0].Name())

	job.Status = pipequeue.Succeeded
	job.Result = map[string]interface{}{"rows": float64(42)}
	job.FinishedAt = time.Now()
	require.NoError(t, st.UpdateJob(ctx, job))
	got, err = st.LookupJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, pipequeue.Succeeded, got.Status)
	assert.Equal(t, map[string]interface{}{"rows": float64(42)}, got.Result)

	_, err = st.LookupJob(ctx, "no-such-job")
	assert.Equal(t, pipequeue.ErrNotFound, err)
	err = st.UpdateJob(ctx, &pipequeue.Job{ID: "no-such-job"})
	assert.Equal(t, pipequeue.ErrNotFound, err)
}

func TestStoreNextJob(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := st.NextJob(ctx)
	assert.Equal(t, pipequeue.ErrNotFound, err)

	now := time.Now()
	jobs := []*pipequeue.Job{
		{ID: "1", Pipeline: "etl", Queue: "default", Status: pipequeue.Queued, NotBefore: now.Add(time.Hour), EnqueuedAt: now.Add(-3 * time.Minute)},
		{ID: "2", Pipeline: "etl", Queue: "default", Status: pipequeue.Queued, EnqueuedAt: now.Add(-2 * time.Minute)},
		{ID: "3", Pipeline: "etl", Queue: "default", Status: pipequeue.Queued, EnqueuedAt: now.Add(-1 * time.Minute)},
	}
	for _, job := range jobs {
		require.NoError(t, st.CreateJob(ctx, job))
	}

	// Job 1 is not due yet; job 2 is the oldest ready one.
	job, err := st.NextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2", job.ID)

	job.Status = pipequeue.Running
	require.NoError(t, st.UpdateJob(ctx, job))
	job, err = st.NextJob(ctx)
	require.NoError(t, err)
	assert.Equal(t, "3", job.ID)
}

func TestStoreListJobs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	now := time.Now()
	jobs := []*pipequeue.Job{
		{ID: "1", Pipeline: "etl", Queue: "default", Status: pipequeue.Succeeded, EnqueuedAt: now.Add(-4 * time.Minute)},
		{ID: "2", Pipeline: "etl", Queue: "reports", Status: pipequeue.Queued, EnqueuedAt: now.Add(-3 * time.Minute)},
		{ID: "3", Pipeline: "cleanup", Queue: "default", Status: pipequeue.Queued, EnqueuedAt: now.Add(-2 * time.Minute)},
		{ID: "4", Pipeline: "etl", Queue: "default", Status: pipequeue.Failed, EnqueuedAt: now.Add(-1 * time.Minute)},
	}
	for _, job := range jobs {
		require.NoError(t, st.CreateJob(ctx, job))
	}

	all, err := st.ListJobs(ctx, &pipequeue.JobFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "4", all[0].ID) // most recently enqueued first

	queued, err := st.ListJobs(ctx, &pipequeue.JobFilter{Status: pipequeue.Queued})
	require.NoError(t, err)
	assert.Len(t, queued, 2)

	etl, err := st.ListJobs(ctx, &pipequeue.JobFilter{Pipeline: "etl", Queue: "default"})
	require.NoError(t, err)
	assert.Len(t, etl, 2)

	page, err := st.ListJobs(ctx, &pipequeue.JobFilter{Offset: 1, Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "3", page[0].ID)
}

func TestStoreListQueues(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	jobs := []*pipequeue.Job{
		{ID: "1", Pipeline: "etl", Queue: "default", Status: pipequeue.Queued},
		{ID: "2", Pipeline: "etl", Queue: "default", Status: pipequeue.Succeeded},
		{ID: "3", Pipeline: "etl", Queue: "reports", Status: pipequeue.Queued},
		{ID: "4", Pipeline: "etl", Queue: "reports", Status: pipequeue.Queued},
	}
	for _, job := range jobs {
		require.NoError(t, st.CreateJob(ctx, job))
	}
	queues, err := st.ListQueues(ctx)
	require.NoError(t, err)
	require.Len(t, queues, 2)
	assert.Equal(t, "default", queues[0].Name)
	assert.Equal(t, 1, queues[0].Pending)
	assert.Equal(t, "reports", queues[1].Name)
	assert.Equal(t, 2, queues[1].Pending)
	assert.Equal(t, "sqlite", queues[0].Backend)
}

// TestStoreStartFailsCrashedJobs checks that jobs still marked Running
// from a previous process are failed on startup.
func TestStoreStartFailsCrashedJobs(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	jobs := []*pipequeue.Job{
		{ID: "1", Pipeline: "etl", Queue: "default", Status: pipequeue.Running},
		{ID: "2", Pipeline: "etl", Queue: "default", Status: pipequeue.Queued},
	}
	for _, job := range jobs {
		require.NoError(t, st.CreateJob(ctx, job))
	}
	require.NoError(t, st.Start(ctx))

	got, err := st.LookupJob(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, pipequeue.Failed, got.Status)
	assert.Equal(t, "crashed before completion", got.Error)

	got, err = st.LookupJob(ctx, "2")
	require.NoError(t, err)
	assert.Equal(t, pipequeue.Queued, got.Status)
}

func TestStoreSchedules(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	sched := &pipequeue.Schedule{
		ID:        "etl-1",
		Pipeline:  "etl",
		Trigger:   pipequeue.CronTrigger("0 3 * * *"),
		Queue:     "default",
		Kwargs:    map[string]interface{}{"full": true},
		CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateSchedule(ctx, sched, false))

	// Duplicate identifiers are rejected unless overwrite is set.
	err := st.CreateSchedule(ctx, sched, false)
	assert.Equal(t, pipequeue.ErrScheduleExists, err)

	sched.Trigger = pipequeue.CronTrigger("@daily")
	require.NoError(t, st.CreateSchedule(ctx, sched, true))

	got, err := st.LookupSchedule(ctx, "etl-1")
	require.NoError(t, err)
	assert.Equal(t, "etl", got.Pipeline)
	assert.Equal(t, "@daily", got.Trigger.Cron)
	assert.Equal(t, true, got.Kwargs["full"])

	require.NoError(t, st.CreateSchedule(ctx, &pipequeue.Schedule{
		ID:       "cleanup-1",
		Pipeline: "cleanup",
		Trigger:  pipequeue.IntervalTrigger(time.Hour),
	}, false))
	schedules, err := st.ListSchedules(ctx)
	require.NoError(t, err)
	require.Len(t, schedules, 2)
	assert.Equal(t, "cleanup-1", schedules[0].ID)
	assert.Equal(t, time.Hour, schedules[1].Trigger.Every)

	require.NoError(t, st.DeleteSchedule(ctx, "etl-1"))
	_, err = st.LookupSchedule(ctx, "etl-1")
	assert.Equal(t, pipequeue.ErrNotFound, err)
	err = st.DeleteSchedule(ctx, "etl-1")
	assert.Equal(t, pipequeue.ErrNotFound, err)
}

// TestStoreWithEngine runs a job end to end against the SQLite store.
func TestStoreWithEngine(t *testing.T) {
	st := newTestStore(t)
	jobDone := make(chan struct{}, 1)

	e := pipequeue.New(pipequeue.SetStore(st))
	err := e.Register("etl", func(ctx context.Context, args []interface{}, kwargs map[string]interface{}) (interface{}, error) {
		jobDone <- struct{}{}
		return "done", nil
	})
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))

	id, err := e.EnqueueJob(context.Background(), &pipequeue.Job{Pipeline: "etl"})
	require.NoError(t, err)
	select {
	case <-jobDone:
	case <-time.After(5 * time.Second):
		t.Fatal("job timed out")
	}

	// The body has returned; wait for the engine to record the result.
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := st.LookupJob(context.Background(), id)
		require.NoError(t, err)
		if got.Status == pipequeue.Succeeded {
			assert.Equal(t, "done", got.Result)
			break
		}
		require.False(t, time.Now().After(deadline), "job never recorded as succeeded")
		time.Sleep(10 * time.Millisecond)
	}
	require.NoError(t, e.Close())
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryStoreJobs(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	job := &Job{ID: "1", Pipeline: "etl", Queue: "default", Status: Queued}
	if err := st.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob failed with %v", err)
	}
	got, err := st.LookupJob(ctx, "1")
	if err != nil {
		t.Fatalf("LookupJob failed with %v", err)
	}
	if have, want := got.Pipeline, "etl"; have != want {
		t.Fatalf("Pipeline = %q, want %q", have, want)
	}

	// Lookups return copies, not shared pointers.
	got.Status = Failed
	again, err := st.LookupJob(ctx, "1")
	if err != nil {
		t.Fatalf("LookupJob failed with %v", err)
	}
	if have, want := again.Status, Queued; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}

	job.Status = Succeeded
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed with %v", err)
	}
	got, err = st.LookupJob(ctx, "1")
	if err != nil {
		t.Fatalf("LookupJob failed with %v", err)
	}
	if have, want := got.Status, Succeeded; have != want {
		t.Fatalf("Status = %q, want %q", have, want)
	}

	if _, err := st.LookupJob(ctx, "no-such-job"); err != ErrNotFound {
		t.Fatalf("LookupJob = %v, want ErrNotFound", err)
	}
	if err := st.UpdateJob(ctx, &Job{ID: "no-such-job"}); err != ErrNotFound {
		t.Fatalf("UpdateJob = %v, want ErrNotFound", err)
	}
}

func TestInMemoryStoreNextJob(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	if _, err := st.NextJob(ctx); err != ErrNotFound {
		t.Fatalf("NextJob = %v, want ErrNotFound", err)
	}

	// Jobs come back in enqueue order, skipping those not yet due.
	if err := st.CreateJob(ctx, &Job{ID: "1", Status: Queued, NotBefore: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("CreateJob failed with %v", err)
	}
	if err := st.CreateJob(ctx, &Job{ID: "2", Status: Queued}); err != nil {
		t.Fatalf("CreateJob failed with %v", err)
	}
	if err := st.CreateJob(ctx, &Job{ID: "3", Status: Queued}); err != nil {
		t.Fatalf("CreateJob failed with %v", err)
	}
	job, err := st.NextJob(ctx)
	if err != nil {
		t.Fatalf("NextJob failed with %v", err)
	}
	if have, want := job.ID, "2"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
	job.Status = Running
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed with %v", err)
	}
	job, err = st.NextJob(ctx)
	if err != nil {
		t.Fatalf("NextJob failed with %v", err)
	}
	if have, want := job.ID, "3"; have != want {
		t.Fatalf("ID = %q, want %q", have, want)
	}
}

func TestInMemoryStoreListJobs(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	jobs := []*Job{
		{ID: "1", Pipeline: "etl", Queue: "default", Status: Succeeded},
		{ID: "2", Pipeline: "etl", Queue: "reports", Status: Queued},
		{ID: "3", Pipeline: "cleanup", Queue: "default", Status: Queued},
		{ID: "4", Pipeline: "etl", Queue: "default", Status: Failed},
	}
	for _, job := range jobs {
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed with %v", err)
		}
	}

	// Most recently enqueued first
	all, err := st.ListJobs(ctx, &JobFilter{})
	if err != nil {
		t.Fatalf("ListJobs failed with %v", err)
	}
	if have, want := len(all), 4; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
	if have, want := all[0].ID, "4"; have != want {
		t.Fatalf("jobs[0].ID = %q, want %q", have, want)
	}

	queued, err := st.ListJobs(ctx, &JobFilter{Status: Queued})
	if err != nil {
		t.Fatalf("ListJobs failed with %v", err)
	}
	if have, want := len(queued), 2; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}

	etl, err := st.ListJobs(ctx, &JobFilter{Pipeline: "etl", Queue: "default"})
	if err != nil {
		t.Fatalf("ListJobs failed with %v", err)
	}
	if have, want := len(etl), 2; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}

	page, err := st.ListJobs(ctx, &JobFilter{Offset: 1, Limit: 2})
	if err != nil {
		t.Fatalf("ListJobs failed with %v", err)
	}
	if have, want := len(page), 2; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
	if have, want := page[0].ID, "3"; have != want {
		t.Fatalf("jobs[0].ID = %q, want %q", have, want)
	}

	empty, err := st.ListJobs(ctx, &JobFilter{Offset: 10})
	if err != nil {
		t.Fatalf("ListJobs failed with %v", err)
	}
	if have, want := len(empty), 0; have != want {
		t.Fatalf("len(jobs) = %d, want %d", have, want)
	}
}

func TestInMemoryStoreQueues(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()
	jobs := []*Job{
		{ID: "1", Queue: "default", Status: Queued},
		{ID: "2", Queue: "default", Status: Succeeded},
		{ID: "3", Queue: "reports", Status: Queued},
		{ID: "4", Queue: "reports", Status: Queued},
	}
	for _, job := range jobs {
		if err := st.CreateJob(ctx, job); err != nil {
			t.Fatalf("CreateJob failed with %v", err)
		}
	}
	queues, err := st.ListQueues(ctx)
	if err != nil {
		t.Fatalf("ListQueues failed with %v", err)
	}
	if have, want := len(queues), 2; have != want {
		t.Fatalf("len(queues) = %d, want %d", have, want)
	}
	if have, want := queues[0].Name, "default"; have != want {
		t.Fatalf("queues[0].Name = %q, want %q", have, want)
	}
	if have, want := queues[0].Pending, 1; have != want {
		t.Fatalf("queues[0].Pending = %d, want %d", have, want)
	}
	if have, want := queues[1].Pending, 2; have != want {
		t.Fatalf("queues[1].Pending = %d, want %d", have, want)
	}
}

func TestInMemoryStoreSchedules(t *testing.T) {
	ctx := context.Background()
	st := NewInMemoryStore()

	s := &Schedule{ID: "etl-1", Pipeline: "etl", Trigger: CronTrigger("0 3 * * *")}
	if err := st.CreateSchedule(ctx, s, false); err != nil {
		t.Fatalf("CreateSchedule failed with %v", err)
	}
	if err := st.CreateSchedule(ctx, s, false); err != ErrScheduleExists {
		t.Fatalf("CreateSchedule = %v, want ErrScheduleExists", err)
	}
	if err := st.CreateSchedule(ctx, s, true); err != nil {
		t.Fatalf("CreateSchedule with overwrite failed with %v", err)
	}

	if err := st.CreateSchedule(ctx, &Schedule{ID: "cleanup-1", Pipeline: "cleanup", Trigger: IntervalTrigger(time.Hour)}, false); err != nil {
		t.Fatalf("CreateSchedule failed with %v", err)
	}
	schedules, err := st.ListSchedules(ctx)
	if err != nil {
		t.Fatalf("ListSchedules failed with %v", err)
	}
	if have, want := len(schedules), 2; have != want {
		t.Fatalf("len(schedules) = %d, want %d", have, want)
	}
	if have, want := schedules[0].ID, "cleanup-1"; have != want {
		t.Fatalf("schedules[0].ID = %q, want %q", have, want)
	}

	got, err := st.LookupSchedule(ctx, "etl-1")
	if err != nil {
		t.Fatalf("LookupSchedule failed with %v", err)
	}
	if have, want := got.Pipeline, "etl"; have != want {
		t.Fatalf("Pipeline = %q, want %q", have, want)
	}

	if err := st.DeleteSchedule(ctx, "etl-1"); err != nil {
		t.Fatalf("DeleteSchedule failed with %v", err)
	}
	if _, err := st.LookupSchedule(ctx, "etl-1"); err != ErrNotFound {
		t.Fatalf("LookupSchedule = %v, want ErrNotFound", err)
	}
	if err := st.DeleteSchedule(ctx, "etl-1"); err != ErrNotFound {
		t.Fatalf("DeleteSchedule = %v, want ErrNotFound", err)
	}
}

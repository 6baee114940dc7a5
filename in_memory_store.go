// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// InMemoryStore is a simple in-memory store implementation. It backs
// the Memory backend type. All state is lost when the process exits.
type InMemoryStore struct {
	mu        sync.Mutex
	jobs      map[string]*Job
	order     []string // job ids in enqueue order
	schedules map[string]*Schedule
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		jobs:      make(map[string]*Job),
		schedules: make(map[string]*Schedule),
	}
}

// Start the store.
func (st *InMemoryStore) Start(ctx context.Context) error {
	return nil
}

// Close the store.
func (st *InMemoryStore) Close() error {
	return nil
}

// CreateJob adds a new job.
func (st *InMemoryStore) CreateJob(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	cp := *job
	st.jobs[job.ID] = &cp
	st.order = append(st.order, job.ID)
	return nil
}

// UpdateJob updates the job.
func (st *InMemoryStore) UpdateJob(ctx context.Context, job *Job) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.jobs[job.ID]; !found {
		return ErrNotFound
	}
	cp := *job
	st.jobs[job.ID] = &cp
	return nil
}

// LookupJob returns the job with the specified identifier (or
// ErrNotFound).
func (st *InMemoryStore) LookupJob(ctx context.Context, id string) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	job, found := st.jobs[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// NextJob picks the oldest queued job whose NotBefore time has passed.
func (st *InMemoryStore) NextJob(ctx context.Context) (*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	now := time.Now()
	for _, id := range st.order {
		job := st.jobs[id]
		if job.Status != Queued {
			continue
		}
		if !job.NotBefore.IsZero() && job.NotBefore.After(now) {
			continue
		}
		cp := *job
		return &cp, nil
	}
	return nil, ErrNotFound
}

// ListJobs finds matching jobs, most recently enqueued first.
func (st *InMemoryStore) ListJobs(ctx context.Context, f *JobFilter) ([]*Job, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	var jobs []*Job
	for i := len(st.order) - 1; i >= 0; i-- {
		job := st.jobs[st.order[i]]
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Queue != "" && job.Queue != f.Queue {
			continue
		}
		if f.Pipeline != "" && job.Pipeline != f.Pipeline {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	if f.Offset > 0 {
		if f.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[f.Offset:]
	}
	if f.Limit > 0 && len(jobs) > f.Limit {
		jobs = jobs[:f.Limit]
	}
	return jobs, nil
}

// ListQueues returns all queues seen so far with their pending counts.
func (st *InMemoryStore) ListQueues(ctx context.Context) ([]*QueueInfo, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	pending := make(map[string]int)
	for _, job := range st.jobs {
		if _, seen := pending[job.Queue]; !seen {
			pending[job.Queue] = 0
		}
		if job.Status == Queued {
			pending[job.Queue]++
		}
	}
	queues := make([]*QueueInfo, 0, len(pending))
	for name, n := range pending {
		queues = append(queues, &QueueInfo{Name: name, Pending: n, Backend: string(Memory)})
	}
	sort.Slice(queues, func(i, j int) bool { return queues[i].Name < queues[j].Name })
	return queues, nil
}

// CreateSchedule adds a schedule, replacing an existing one only when
// overwrite is set.
func (st *InMemoryStore) CreateSchedule(ctx context.Context, s *Schedule, overwrite bool) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.schedules[s.ID]; found && !overwrite {
		return ErrScheduleExists
	}
	cp := *s
	st.schedules[s.ID] = &cp
	return nil
}

// LookupSchedule returns the schedule with the specified identifier
// (or ErrNotFound).
func (st *InMemoryStore) LookupSchedule(ctx context.Context, id string) (*Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	s, found := st.schedules[id]
	if !found {
		return nil, ErrNotFound
	}
	cp := *s
	return &cp, nil
}

// ListSchedules returns all schedules, ordered by identifier.
func (st *InMemoryStore) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	schedules := make([]*Schedule, 0, len(st.schedules))
	for _, s := range st.schedules {
		cp := *s
		schedules = append(schedules, &cp)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

// DeleteSchedule removes the schedule with the specified identifier.
func (st *InMemoryStore) DeleteSchedule(ctx context.Context, id string) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if _, found := st.schedules[id]; !found {
		return ErrNotFound
	}
	delete(st.schedules, id)
	return nil
}

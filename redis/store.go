// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package redis implements pipequeue storage on a Redis server. It
// serves the Redis backend type; importing the package registers it.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	redigo "github.com/gomodule/redigo/redis"

	"github.com/olivere/pipequeue"
)

func init() {
	pipequeue.RegisterBackend(pipequeue.Redis, func(conn *pipequeue.Connection, logger pipequeue.Logger) (pipequeue.Store, error) {
		return NewStore(conn, SetLogger(logger))
	})
}

const defaultNamespace = "pipequeue"

// Store is a Redis-backed storage implementation. It implements the
// pipequeue.Store interface. Queued jobs live on per-queue lists;
// delayed retries wait in a sorted set until their ready time.
type Store struct {
	pool      *redigo.Pool
	namespace string
	logger    pipequeue.Logger
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

// SetNamespace sets the key namespace, "pipequeue" by default.
func SetNamespace(namespace string) StoreOption {
	return func(s *Store) {
		if namespace != "" {
			s.namespace = namespace
		}
	}
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...interface{}) {}

// NewStore connects to the Redis server described by the connection
// and verifies it is reachable.
func NewStore(conn *pipequeue.Connection, options ...StoreOption) (*Store, error) {
	if conn.Type != pipequeue.Redis {
		return nil, fmt.Errorf("redis: backend type %q is not Redis", conn.Type)
	}
	st := &Store{namespace: defaultNamespace, logger: nopLogger{}}
	for _, opt := range options {
		opt(st)
	}

	db := 0
	if conn.Database != "" {
		n, err := strconv.Atoi(conn.Database)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid database %q: %v", conn.Database, err)
		}
		db = n
	}
	address := fmt.Sprintf("%s:%d", conn.Host, conn.Port)
	dialOptions := []redigo.DialOption{
		redigo.DialDatabase(db),
		redigo.DialConnectTimeout(5 * time.Second),
	}
	if conn.Password != "" {
		dialOptions = append(dialOptions, redigo.DialPassword(conn.Password))
	}
	if conn.SSL {
		dialOptions = append(dialOptions,
			redigo.DialUseTLS(true),
			redigo.DialTLSSkipVerify(!conn.VerifySSL),
		)
	}
	st.pool = &redigo.Pool{
		MaxIdle:     5,
		MaxActive:   20,
		Wait:        true,
		IdleTimeout: 240 * time.Second,
		Dial: func() (redigo.Conn, error) {
			return redigo.Dial("tcp", address, dialOptions...)
		},
	}

	c := st.pool.Get()
	defer c.Close()
	if _, err := c.Do("PING"); err != nil {
		_ = st.pool.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) getJob(c redigo.Conn, id string) (*pipequeue.Job, error) {
	data, err := redigo.Bytes(c.Do("GET", keyJob(s.namespace, id)))
	if err == redigo.ErrNil {
		return nil, pipequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	job := &pipequeue.Job{}
	if err := json.Unmarshal(data, job); err != nil {
		return nil, err
	}
	return job, nil
}

func (s *Store) putJob(c redigo.Conn, job *pipequeue.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	_, err = c.Do("SET", keyJob(s.namespace, job.ID), data)
	return err
}

// enqueue puts a queued job where NextJob will find it: the scheduled
// zset when its ready time is in the future, its queue list otherwise.
func (s *Store) enqueue(c redigo.Conn, job *pipequeue.Job) error {
	if !job.NotBefore.IsZero() && job.NotBefore.After(time.Now()) {
		_, err := c.Do("ZADD", keyScheduled(s.namespace), job.NotBefore.UnixNano(), job.ID)
		return err
	}
	_, err := c.Do("LPUSH", keyQueue(s.namespace, job.Queue), job.ID)
	return err
}

// -- pipequeue.Store --

// Start moves jobs that were still running when a previous engine
// crashed into the Failed state.
func (s *Store) Start(ctx context.Context) error {
	c := s.pool.Get()
	defer c.Close()
	ids, err := redigo.Strings(c.Do("SMEMBERS", keyJobs(s.namespace)))
	if err != nil {
		return err
	}
	for _, id := range ids {
		job, err := s.getJob(c, id)
		if err == pipequeue.ErrNotFound {
			continue
		}
		if err != nil {
			return err
		}
		if job.Status != pipequeue.Running {
			continue
		}
		job.Status = pipequeue.Failed
		job.Error = "crashed before completion"
		job.FinishedAt = time.Now()
		if err := s.putJob(c, job); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

// CreateJob adds a new job.
func (s *Store) CreateJob(ctx context.Context, job *pipequeue.Job) error {
	c := s.pool.Get()
	defer c.Close()
	if err := s.putJob(c, job); err != nil {
		return err
	}
	if _, err := c.Do("SADD", keyJobs(s.namespace), job.ID); err != nil {
		return err
	}
	if _, err := c.Do("SADD", keyQueues(s.namespace), job.Queue); err != nil {
		return err
	}
	return s.enqueue(c, job)
}

// UpdateJob updates the job. A job that went back to Queued, e.g. for
// a retry, is re-enqueued.
func (s *Store) UpdateJob(ctx context.Context, job *pipequeue.Job) error {
	c := s.pool.Get()
	defer c.Close()
	old, err := s.getJob(c, job.ID)
	if err != nil {
		return err
	}
	if err := s.putJob(c, job); err != nil {
		return err
	}
	if job.Status == pipequeue.Queued && old.Status != pipequeue.Queued {
		return s.enqueue(c, job)
	}
	return nil
}

// LookupJob returns the job with the given identifier (or ErrNotFound).
func (s *Store) LookupJob(ctx context.Context, id string) (*pipequeue.Job, error) {
	c := s.pool.Get()
	defer c.Close()
	return s.getJob(c, id)
}

// NextJob picks the next queued job that is ready to run. Due delayed
// jobs are promoted from the scheduled zset onto their queue lists
// first; cancelled jobs found on a list are dropped lazily.
func (s *Store) NextJob(ctx context.Context) (*pipequeue.Job, error) {
	c := s.pool.Get()
	defer c.Close()

	// Promote due delayed jobs
	due, err := redigo.Strings(c.Do("ZRANGEBYSCORE", keyScheduled(s.namespace), "-inf", time.Now().UnixNano()))
	if err != nil {
		return nil, err
	}
	for _, id := range due {
		if _, err := c.Do("ZREM", keyScheduled(s.namespace), id); err != nil {
			return nil, err
		}
		job, err := s.getJob(c, id)
		if err == pipequeue.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if _, err := c.Do("LPUSH", keyQueue(s.namespace, job.Queue), id); err != nil {
			return nil, err
		}
	}

	queues, err := redigo.Strings(c.Do("SMEMBERS", keyQueues(s.namespace)))
	if err != nil {
		return nil, err
	}
	sort.Strings(queues)
	for _, queue := range queues {
		for {
			id, err := redigo.String(c.Do("RPOP", keyQueue(s.namespace, queue)))
			if err == redigo.ErrNil {
				break
			}
			if err != nil {
				return nil, err
			}
			job, err := s.getJob(c, id)
			if err == pipequeue.ErrNotFound {
				continue
			}
			if err != nil {
				return nil, err
			}
			if job.Status != pipequeue.Queued {
				// e.g. cancelled while waiting
				continue
			}
			if !job.NotBefore.IsZero() && job.NotBefore.After(time.Now()) {
				if _, err := c.Do("ZADD", keyScheduled(s.namespace), job.NotBefore.UnixNano(), id); err != nil {
					return nil, err
				}
				continue
			}
			return job, nil
		}
	}
	return nil, pipequeue.ErrNotFound
}

// ListJobs returns jobs matching the filter, most recently enqueued
// first.
func (s *Store) ListJobs(ctx context.Context, f *pipequeue.JobFilter) ([]*pipequeue.Job, error) {
	c := s.pool.Get()
	defer c.Close()
	ids, err := redigo.Strings(c.Do("SMEMBERS", keyJobs(s.namespace)))
	if err != nil {
		return nil, err
	}
	var jobs []*pipequeue.Job
	for _, id := range ids {
		job, err := s.getJob(c, id)
		if err == pipequeue.ErrNotFound {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Queue != "" && job.Queue != f.Queue {
			continue
		}
		if f.Pipeline != "" && job.Pipeline != f.Pipeline {
			continue
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].EnqueuedAt.After(jobs[j].EnqueuedAt) })
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
func (s *Store) ListQueues(ctx context.Context) ([]*pipequeue.QueueInfo, error) {
	c := s.pool.Get()
	defer c.Close()
	names, err := redigo.Strings(c.Do("SMEMBERS", keyQueues(s.namespace)))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	queues := make([]*pipequeue.QueueInfo, 0, len(names))
	for _, name := range names {
		pending, err := redigo.Int(c.Do("LLEN", keyQueue(s.namespace, name)))
		if err != nil {
			return nil, err
		}
		queues = append(queues, &pipequeue.QueueInfo{
			Name:    name,
			Pending: pending,
			Backend: string(pipequeue.Redis),
		})
	}
	return queues, nil
}

// -- Schedules --

// CreateSchedule adds a schedule, replacing an existing one only when
// overwrite is set.
func (s *Store) CreateSchedule(ctx context.Context, sched *pipequeue.Schedule, overwrite bool) error {
	c := s.pool.Get()
	defer c.Close()
	data, err := json.Marshal(sched)
	if err != nil {
		return err
	}
	if overwrite {
		_, err := c.Do("HSET", keySchedules(s.namespace), sched.ID, data)
		return err
	}
	created, err := redigo.Int(c.Do("HSETNX", keySchedules(s.namespace), sched.ID, data))
	if err != nil {
		return err
	}
	if created == 0 {
		return pipequeue.ErrScheduleExists
	}
	return nil
}

// LookupSchedule returns the schedule with the given identifier (or
// ErrNotFound).
func (s *Store) LookupSchedule(ctx context.Context, id string) (*pipequeue.Schedule, error) {
	c := s.pool.Get()
	defer c.Close()
	data, err := redigo.Bytes(c.Do("HGET", keySchedules(s.namespace), id))
	if err == redigo.ErrNil {
		return nil, pipequeue.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sched := &pipequeue.Schedule{}
	if err := json.Unmarshal(data, sched); err != nil {
		return nil, err
	}
	return sched, nil
}

// ListSchedules returns all schedules, ordered by identifier.
func (s *Store) ListSchedules(ctx context.Context) ([]*pipequeue.Schedule, error) {
	c := s.pool.Get()
	defer c.Close()
	values, err := redigo.StringMap(c.Do("HGETALL", keySchedules(s.namespace)))
	if err != nil {
		return nil, err
	}
	schedules := make([]*pipequeue.Schedule, 0, len(values))
	for _, data := range values {
		sched := &pipequeue.Schedule{}
		if err := json.Unmarshal([]byte(data), sched); err != nil {
			return nil, err
		}
		schedules = append(schedules, sched)
	}
	sort.Slice(schedules, func(i, j int) bool { return schedules[i].ID < schedules[j].ID })
	return schedules, nil
}

// DeleteSchedule removes the schedule with the given identifier.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	c := s.pool.Get()
	defer c.Close()
	removed, err := redigo.Int(c.Do("HDEL", keySchedules(s.namespace), id))
	if err != nil {
		return err
	}
	if removed == 0 {
		return pipequeue.ErrNotFound
	}
	return nil
}

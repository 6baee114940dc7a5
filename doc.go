// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

// Package pipequeue manages running and scheduling pipelines on
// pluggable backends.
//
// Applications first describe their backend with Settings, then obtain
// a Manager via Open. The backend type decides where jobs and
// schedules live: in process memory, in a relational database
// (Postgres, MySQL, or embedded SQLite via the sqlstore package), or
// in Redis (via the redis package). Store packages register themselves
// on import; a backend whose store package was not imported yields a
// BackendUnavailableError instead of an engine, so applications can
// degrade gracefully.
//
// Pipelines are registered by name together with a body function.
// Jobs reference pipelines by name only; the body itself is never
// inspected or serialized.
//
// A Scheduler sits on top of the manager contract. It enqueues
// pipeline runs, executes them synchronously, and registers recurring
// or deferred schedules with a cron, interval, or date trigger.
// Schedule identifiers follow the "{pipeline}-{n}" convention unless
// an explicit identifier is supplied.
//
// A job is always in one of five states: Queued (waiting to be
// executed), Running, Succeeded, Failed (failed to complete even after
// retrying), and Cancelled. Failed jobs are retried per their
// RetryPolicy: the policy decides how many attempts are made, which
// failure classes are eligible, and how retries are delayed.
//
// If the engine crashes and gets restarted, the Store gets started via
// its Start method. This gives the store implementation a chance to do
// cleanup. E.g. the SQL-based store implementation moves all jobs
// still marked as Running into the Failed state. Notice that you are
// responsible to prevent that two concurrent engines try to access the
// same database. The same applies to schedule identifier derivation:
// concurrent callers deriving an identifier for the same pipeline name
// race, and must be serialized by the caller.
package pipequeue

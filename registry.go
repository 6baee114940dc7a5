// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"fmt"
	"sync"
)

// StoreBuilder constructs the store of a backend type from a
// normalized connection.
type StoreBuilder func(conn *Connection, logger Logger) (Store, error)

var (
	buildersMu sync.RWMutex
	builders   = make(map[BackendType]StoreBuilder)
)

// RegisterBackend makes a store builder available for a backend type.
// Store packages call it from their init function, so selecting a
// backend is a matter of importing its package. Registering the same
// type twice panics, as does a nil builder.
func RegisterBackend(t BackendType, builder StoreBuilder) {
	buildersMu.Lock()
	defer buildersMu.Unlock()
	if builder == nil {
		panic("pipequeue: RegisterBackend with nil builder")
	}
	if _, dup := builders[t]; dup {
		panic(fmt.Sprintf("pipequeue: RegisterBackend called twice for %q", t))
	}
	builders[t] = builder
}

func init() {
	// The in-memory backend ships with the core and is always
	// available.
	RegisterBackend(Memory, func(conn *Connection, logger Logger) (Store, error) {
		return NewInMemoryStore(), nil
	})
}

// Open is the manager factory: it derives the backend connection from
// the settings, builds the backend's store, and returns an engine
// wired to it. The engine exclusively owns its store; it is set here,
// once, and never recreated.
//
// When the backend type has no registered store builder, or the store
// cannot be constructed, Open returns a BackendUnavailableError rather
// than panicking, so that callers can degrade gracefully.
func Open(settings *Settings, options ...ManagerOption) (Manager, error) {
	if settings == nil {
		settings = DefaultSettings()
	}
	conn, err := settings.Connection()
	if err != nil {
		return nil, err
	}

	// Settings-derived options come first so that explicit caller
	// options win. The store is wired in below, once it exists; the
	// engine is already configured by then, so the store builder logs
	// to the right place.
	opts := make([]ManagerOption, 0, len(options)+2)
	if settings.DefaultQueue != "" {
		opts = append(opts, SetDefaultQueue(settings.DefaultQueue))
	}
	if settings.Concurrency > 0 {
		opts = append(opts, SetConcurrency(settings.Concurrency))
	}
	opts = append(opts, options...)
	e := New(opts...)

	buildersMu.RLock()
	builder, ok := builders[conn.Type]
	buildersMu.RUnlock()
	if !ok {
		unavailable := &BackendUnavailableError{
			Backend: conn.Type,
			Hint:    fmt.Sprintf("import the store package for %q, e.g. via a blank import", conn.Type),
		}
		e.logger.Printf("pipequeue: warning: %v", unavailable)
		return nil, unavailable
	}
	store, err := builder(conn, e.logger)
	if err != nil {
		unavailable := &BackendUnavailableError{
			Backend: conn.Type,
			Hint:    "check that the backend is reachable and the connection settings are correct",
			Cause:   err,
		}
		e.logger.Printf("pipequeue: warning: %v", unavailable)
		return nil, unavailable
	}
	SetStore(store)(e)
	return e, nil
}

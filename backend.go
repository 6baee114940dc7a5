// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"sort"
	"strings"
)

// BackendType identifies one of the supported backend kinds.
type BackendType string

const (
	// Postgres is a PostgreSQL-backed job store.
	Postgres BackendType = "postgres"
	// MySQL is a MySQL-backed job store.
	MySQL BackendType = "mysql"
	// SQLite is an embedded, file-based job store.
	SQLite BackendType = "sqlite"
	// Redis is a Redis-backed job store.
	Redis BackendType = "redis"
	// NATS is a NATS-backed job store.
	NATS BackendType = "nats"
	// Memory is a non-persistent, in-process job store.
	Memory BackendType = "memory"
)

// backendKind is the capability of a backend type. Every type has
// exactly one kind.
type backendKind int

const (
	kindSQL backendKind = iota
	kindEmbeddedFile
	kindKeyValue
	kindPubSub
	kindMemory
)

// backendSpec carries the per-type connection defaults used to derive
// a canonical URI from discrete fields.
type backendSpec struct {
	kind            backendKind
	prefix          string // static URI scheme, including "://"
	securePrefix    string // scheme used when SSL is requested, if the scheme itself signals encryption
	defaultHost     string
	defaultPort     int
	defaultUsername string
	defaultPassword string
	defaultDatabase string
}

var backendSpecs = map[BackendType]backendSpec{
	Postgres: {
		kind:            kindSQL,
		prefix:          "postgresql://",
		defaultHost:     "localhost",
		defaultPort:     5432,
		defaultUsername: "postgres",
		defaultDatabase: "postgres",
	},
	MySQL: {
		kind:            kindSQL,
		prefix:          "mysql://",
		defaultHost:     "localhost",
		defaultPort:     3306,
		defaultUsername: "root",
		defaultDatabase: "mysql",
	},
	SQLite: {
		kind:   kindEmbeddedFile,
		prefix: "sqlite://",
	},
	Redis: {
		kind:            kindKeyValue,
		prefix:          "redis://",
		securePrefix:    "rediss://",
		defaultHost:     "localhost",
		defaultPort:     6379,
		defaultDatabase: "0",
	},
	NATS: {
		kind:         kindPubSub,
		prefix:       "nats://",
		securePrefix: "tls://",
		defaultHost:  "localhost",
		defaultPort:  4222,
	},
	Memory: {
		kind:   kindMemory,
		prefix: "memory://",
	},
}

// ParseBackendType returns the backend type matching the given string.
// Unknown values yield a ConfigError listing the valid types.
func ParseBackendType(s string) (BackendType, error) {
	t := BackendType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := backendSpecs[t]; !ok {
		return "", newConfigError("unknown backend type %q, valid types are %s", s, strings.Join(ValidBackendTypes(), ", "))
	}
	return t, nil
}

// ValidBackendTypes returns the names of all supported backend types,
// in lexicographic order.
func ValidBackendTypes() []string {
	names := make([]string, 0, len(backendSpecs))
	for t := range backendSpecs {
		names = append(names, string(t))
	}
	sort.Strings(names)
	return names
}

func (t BackendType) spec() backendSpec {
	return backendSpecs[t]
}

// Valid reports whether t is a supported backend type.
func (t BackendType) Valid() bool {
	_, ok := backendSpecs[t]
	return ok
}

// IsSQLStyle reports whether t is backed by a relational database.
func (t BackendType) IsSQLStyle() bool { return t.spec().kind == kindSQL }

// IsEmbeddedFileStyle reports whether t is backed by an embedded,
// file-based database.
func (t BackendType) IsEmbeddedFileStyle() bool { return t.spec().kind == kindEmbeddedFile }

// IsKeyValueStyle reports whether t is backed by a key-value store.
func (t BackendType) IsKeyValueStyle() bool { return t.spec().kind == kindKeyValue }

// IsPubSubStyle reports whether t is backed by a pub/sub broker.
func (t BackendType) IsPubSubStyle() bool { return t.spec().kind == kindPubSub }

// IsMemoryStyle reports whether t keeps all state in process memory.
func (t BackendType) IsMemoryStyle() bool { return t.spec().kind == kindMemory }

// URIPrefix returns the static URI scheme of t, e.g. "redis://".
func (t BackendType) URIPrefix() string { return t.spec().prefix }

// DefaultHost returns the host used when none is configured.
func (t BackendType) DefaultHost() string { return t.spec().defaultHost }

// DefaultPort returns the port used when none is configured.
func (t BackendType) DefaultPort() int { return t.spec().defaultPort }

// DefaultUsername returns the username used when none is configured.
func (t BackendType) DefaultUsername() string { return t.spec().defaultUsername }

// DefaultPassword returns the password used when none is configured.
func (t BackendType) DefaultPassword() string { return t.spec().defaultPassword }

// DefaultDatabase returns the database used when none is configured.
func (t BackendType) DefaultDatabase() string { return t.spec().defaultDatabase }

// scheme returns the URI scheme to use given the SSL setting. Only
// types whose scheme itself signals encryption switch to a secure
// variant; SQL-style types keep their scheme and request encryption
// via query parameters instead.
func (t BackendType) scheme(ssl bool) string {
	sp := t.spec()
	if ssl && sp.securePrefix != "" {
		return sp.securePrefix
	}
	return sp.prefix
}

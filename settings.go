// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Settings are the project-scoped configuration of a manager: the
// backend to connect to, the default queue, and execution defaults.
type Settings struct {
	Backend      BackendType
	URI          string // explicit connection URI; derived when empty
	Host         string
	Port         int
	Username     string
	Password     string
	Database     string
	SSL          bool
	CAFile       string
	CertFile     string
	KeyFile      string
	VerifySSL    bool
	DefaultQueue string
	Concurrency  int

	// Deprecated: MaxRetry and RetryDelay are the flat retry fields of
	// older configurations. Prefer Retry.
	MaxRetry   int
	RetryDelay time.Duration

	// Retry is the structured default retry policy for jobs that
	// specify none.
	Retry *RetryPolicy

	// RetryableNames are failure category names resolved into the
	// default retry policy at load time.
	RetryableNames []string
}

// DefaultSettings returns settings for the in-memory backend.
func DefaultSettings() *Settings {
	return &Settings{
		Backend:      Memory,
		DefaultQueue: DefaultQueue,
		Concurrency:  defaultConcurrency,
	}
}

// Connection derives the backend connection from the settings. The
// resulting Connection is immutable; call Connection again after
// changing settings to obtain a new one.
func (s *Settings) Connection() (*Connection, error) {
	return NewConnection(Connection{
		Type:      s.Backend,
		URI:       s.URI,
		Host:      s.Host,
		Port:      s.Port,
		Username:  s.Username,
		Password:  s.Password,
		Database:  s.Database,
		SSL:       s.SSL,
		CAFile:    s.CAFile,
		CertFile:  s.CertFile,
		KeyFile:   s.KeyFile,
		VerifySSL: s.VerifySSL,
	})
}

// RetryPolicyFor resolves the effective retry policy for a job,
// combining the job-level policy with the settings' defaults.
func (s *Settings) RetryPolicyFor(policy *RetryPolicy, logger Logger) *RetryPolicy {
	in := RetryInput{Policy: policy, RetryableNames: nil}
	if policy == nil {
		in.Policy = s.Retry
		in.RetryableNames = s.RetryableNames
		if s.MaxRetry > 0 || s.RetryDelay > 0 {
			in.Legacy = &LegacyRetry{MaxRetry: s.MaxRetry, RetryDelay: s.RetryDelay}
		}
	}
	return ResolveRetryPolicy(in, logger)
}

// SettingsFromEnv loads settings from the environment. An optional
// .env file next to the process is honored when present; explicit
// environment variables win. All variables are prefixed with
// PIPEQUEUE_, e.g. PIPEQUEUE_BACKEND=redis.
func SettingsFromEnv() (*Settings, error) {
	// A missing .env file is fine; the environment alone decides.
	_ = godotenv.Load()

	s := DefaultSettings()
	if v := os.Getenv("PIPEQUEUE_BACKEND"); v != "" {
		t, err := ParseBackendType(v)
		if err != nil {
			return nil, err
		}
		s.Backend = t
	}
	s.URI = os.Getenv("PIPEQUEUE_URI")
	s.Host = os.Getenv("PIPEQUEUE_HOST")
	if v := os.Getenv("PIPEQUEUE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, newConfigError("invalid PIPEQUEUE_PORT %q: %v", v, err)
		}
		s.Port = port
	}
	s.Username = os.Getenv("PIPEQUEUE_USERNAME")
	s.Password = os.Getenv("PIPEQUEUE_PASSWORD")
	s.Database = os.Getenv("PIPEQUEUE_DATABASE")
	s.SSL = envBool("PIPEQUEUE_SSL")
	s.CAFile = os.Getenv("PIPEQUEUE_SSL_CA")
	s.CertFile = os.Getenv("PIPEQUEUE_SSL_CERT")
	s.KeyFile = os.Getenv("PIPEQUEUE_SSL_KEY")
	s.VerifySSL = envBool("PIPEQUEUE_SSL_VERIFY")
	if v := os.Getenv("PIPEQUEUE_DEFAULT_QUEUE"); v != "" {
		s.DefaultQueue = v
	}
	if v := os.Getenv("PIPEQUEUE_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return nil, newConfigError("invalid PIPEQUEUE_CONCURRENCY %q", v)
		}
		s.Concurrency = n
	}
	return s, nil
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "True", "yes", "on":
		return true
	}
	return false
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"os"
	"testing"
	"time"
)

func setenv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	if err := os.Setenv(key, value); err != nil {
		t.Fatalf("Setenv failed with %v", err)
	}
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	if have, want := s.Backend, Memory; have != want {
		t.Fatalf("Backend = %q, want %q", have, want)
	}
	if have, want := s.DefaultQueue, DefaultQueue; have != want {
		t.Fatalf("DefaultQueue = %q, want %q", have, want)
	}
	if have, want := s.Concurrency, defaultConcurrency; have != want {
		t.Fatalf("Concurrency = %d, want %d", have, want)
	}
	conn, err := s.Connection()
	if err != nil {
		t.Fatalf("Connection failed with %v", err)
	}
	if have, want := conn.URI, "memory://"; have != want {
		t.Fatalf("URI = %q, want %q", have, want)
	}
}

func TestSettingsFromEnv(t *testing.T) {
	setenv(t, "PIPEQUEUE_BACKEND", "redis")
	setenv(t, "PIPEQUEUE_HOST", "cache.internal")
	setenv(t, "PIPEQUEUE_PORT", "6380")
	setenv(t, "PIPEQUEUE_PASSWORD", "secret")
	setenv(t, "PIPEQUEUE_DATABASE", "2")
	setenv(t, "PIPEQUEUE_SSL", "true")
	setenv(t, "PIPEQUEUE_SSL_VERIFY", "1")
	setenv(t, "PIPEQUEUE_SSL_CA", "/etc/ca.pem")
	setenv(t, "PIPEQUEUE_DEFAULT_QUEUE", "reports")
	setenv(t, "PIPEQUEUE_CONCURRENCY", "8")

	s, err := SettingsFromEnv()
	if err != nil {
		t.Fatalf("SettingsFromEnv failed with %v", err)
	}
	if have, want := s.Backend, Redis; have != want {
		t.Fatalf("Backend = %q, want %q", have, want)
	}
	if have, want := s.DefaultQueue, "reports"; have != want {
		t.Fatalf("DefaultQueue = %q, want %q", have, want)
	}
	if have, want := s.Concurrency, 8; have != want {
		t.Fatalf("Concurrency = %d, want %d", have, want)
	}
	conn, err := s.Connection()
	if err != nil {
		t.Fatalf("Connection failed with %v", err)
	}
	want := "rediss://:secret@cache.internal:6380/2?ssl_ca_certs=%2Fetc%2Fca.pem&ssl_cert_reqs=required"
	if have := conn.URI; have != want {
		t.Fatalf("URI = %q, want %q", have, want)
	}
}

func TestSettingsFromEnvInvalid(t *testing.T) {
	setenv(t, "PIPEQUEUE_BACKEND", "mssql")
	if _, err := SettingsFromEnv(); err == nil {
		t.Fatal("expected SettingsFromEnv to fail on unknown backend")
	}

	setenv(t, "PIPEQUEUE_BACKEND", "memory")
	setenv(t, "PIPEQUEUE_PORT", "not-a-port")
	if _, err := SettingsFromEnv(); err == nil {
		t.Fatal("expected SettingsFromEnv to fail on invalid port")
	}

	setenv(t, "PIPEQUEUE_PORT", "")
	setenv(t, "PIPEQUEUE_CONCURRENCY", "0")
	if _, err := SettingsFromEnv(); err == nil {
		t.Fatal("expected SettingsFromEnv to fail on invalid concurrency")
	}
}

// TestSettingsRetryPolicyFor checks that settings-level retry defaults
// only apply when a job specifies no policy of its own.
func TestSettingsRetryPolicyFor(t *testing.T) {
	l := &stringLogger{}
	s := DefaultSettings()
	s.Retry = &RetryPolicy{MaxAttempts: 5, BaseDelay: 2 * time.Second}

	p := s.RetryPolicyFor(nil, l)
	if have, want := p.MaxAttempts, 5; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}

	p = s.RetryPolicyFor(&RetryPolicy{MaxAttempts: 2}, l)
	if have, want := p.MaxAttempts, 2; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}
}

// TestSettingsRetryPolicyForLegacy checks the deprecation path for the
// flat retry fields.
func TestSettingsRetryPolicyForLegacy(t *testing.T) {
	l := &stringLogger{}
	s := DefaultSettings()
	s.MaxRetry = 3
	s.RetryDelay = 5 * time.Second

	p := s.RetryPolicyFor(nil, l)
	if have, want := p.MaxAttempts, 4; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}
	if have, want := p.BaseDelay, 5*time.Second; have != want {
		t.Fatalf("BaseDelay = %v, want %v", have, want)
	}
	if have, want := l.Warnings(), 1; have != want {
		t.Fatalf("warnings = %d, want %d", have, want)
	}

	// A job-level policy bypasses the legacy fields entirely.
	l = &stringLogger{}
	p = s.RetryPolicyFor(&RetryPolicy{MaxAttempts: 2}, l)
	if have, want := p.MaxAttempts, 2; have != want {
		t.Fatalf("MaxAttempts = %d, want %d", have, want)
	}
	if have, want := l.Warnings(), 0; have != want {
		t.Fatalf("warnings = %d, want %d", have, want)
	}
}

func TestSettingsRetryableNames(t *testing.T) {
	l := &stringLogger{}
	s := DefaultSettings()
	s.RetryableNames = []string{"timeout", "ConnectionError"}

	p := s.RetryPolicyFor(nil, l)
	if have, want := len(p.Retryable), 2; have != want {
		t.Fatalf("len(Retryable) = %d, want %d", have, want)
	}
	if have, want := l.Warnings(), 0; have != want {
		t.Fatalf("warnings = %d, want %d", have, want)
	}
}

// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"time"
)

// FailureClass is a closed category of failures a retry policy may
// declare as retryable. Categories are resolved from their names when
// a policy is loaded; unknown names degrade to AnyFailure with a
// warning rather than failing the load.
type FailureClass struct {
	name    string
	matches func(error) bool
}

// Name returns the canonical name of the class.
func (c FailureClass) Name() string { return c.name }

// Matches reports whether err belongs to the class.
func (c FailureClass) Matches(err error) bool {
	if err == nil {
		return false
	}
	return c.matches(err)
}

// MarshalJSON encodes the class as its canonical name.
func (c FailureClass) MarshalJSON() ([]byte, error) {
	return json.Marshal(c.name)
}

// UnmarshalJSON decodes a class from its canonical name. Names that
// cannot be resolved degrade to AnyFailure; the warning is emitted by
// the policy resolver, not here.
func (c *FailureClass) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	*c = resolveFailureClass(name, discardLogger{})
	return nil
}

type discardLogger struct{}

func (discardLogger) Printf(string, ...interface{}) {}

type timeoutError interface {
	Timeout() bool
}

type temporaryError interface {
	Temporary() bool
}

var (
	// TimeoutFailure matches timeouts: deadline exceeded errors and
	// errors reporting Timeout() == true.
	TimeoutFailure = FailureClass{
		name: "timeout",
		matches: func(err error) bool {
			if errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			var te timeoutError
			return errors.As(err, &te) && te.Timeout()
		},
	}

	// TransientFailure matches failures that are likely to resolve on
	// their own: temporary network conditions and cancelled contexts
	// are the common cases.
	TransientFailure = FailureClass{
		name: "transient",
		matches: func(err error) bool {
			if errors.Is(err, context.Canceled) {
				return true
			}
			var ne net.Error
			if errors.As(err, &ne) {
				return true
			}
			var te temporaryError
			return errors.As(err, &te) && te.Temporary()
		},
	}

	// PermanentFailure matches failures that are neither timeouts nor
	// transient. Declaring it retryable is unusual but permitted.
	PermanentFailure = FailureClass{
		name: "permanent",
		matches: func(err error) bool {
			return !TimeoutFailure.Matches(err) && !TransientFailure.Matches(err)
		},
	}

	// ConflictFailure matches optimistic-concurrency conflicts raised
	// by stores.
	ConflictFailure = FailureClass{
		name: "conflict",
		matches: func(err error) bool {
			return errors.Is(err, ErrConflict)
		},
	}

	// AnyFailure is the catch-all class. It matches every failure and
	// is the fallback for names that cannot be resolved.
	AnyFailure = FailureClass{
		name:    "any",
		matches: func(err error) bool { return true },
	}
)

// ErrConflict is reported by stores when an update lost an
// optimistic-concurrency race.
var ErrConflict = errors.New("pipequeue: conflicting update")

// CustomFailure returns a caller-defined failure class.
func CustomFailure(name string, matches func(error) bool) FailureClass {
	return FailureClass{name: name, matches: matches}
}

// builtinFailureClasses maps common category names, including a few
// aliases seen in legacy configurations, to their classes.
var builtinFailureClasses = map[string]FailureClass{
	"timeout":          TimeoutFailure,
	"timeouterror":     TimeoutFailure,
	"deadlineexceeded": TimeoutFailure,
	"transient":        TransientFailure,
	"temporary":        TransientFailure,
	"connectionerror":  TransientFailure,
	"unavailable":      TransientFailure,
	"permanent":        PermanentFailure,
	"conflict":         ConflictFailure,
	"any":              AnyFailure,
	"all":              AnyFailure,
	"catchall":         AnyFailure,
}

// libraryFailureNames is a fixed, ordered list of well-known library
// error names, probed when a requested name matches no built-in
// category. The first namespace containing the name wins.
var libraryFailureNames = []struct {
	namespace string
	names     map[string]FailureClass
}{
	{"sql", map[string]FailureClass{
		"ErrConnDone": TransientFailure,
		"ErrTxDone":   TransientFailure,
	}},
	{"mysql", map[string]FailureClass{
		"ErrInvalidConn": TransientFailure,
		"ErrBusyBuffer":  TransientFailure,
	}},
	{"pq", map[string]FailureClass{
		"ErrSSLNotSupported": PermanentFailure,
	}},
	{"redis", map[string]FailureClass{
		"ErrPoolExhausted": TransientFailure,
		"ErrNil":           PermanentFailure,
	}},
}

// resolveFailureClass resolves a single category name. Resolution
// order: built-in table, then qualified names against their library
// namespace, then the ordered library probe list, then the catch-all
// fallback. Fallbacks are accompanied by exactly one warning.
func resolveFailureClass(name string, logger Logger) FailureClass {
	key := strings.ToLower(strings.TrimSpace(name))
	if c, ok := builtinFailureClasses[key]; ok {
		return c
	}
	if i := strings.LastIndexAny(name, "./"); i >= 0 {
		// Qualified name: only the known library namespaces can be
		// resolved in a statically compiled binary.
		ns, attr := name[:i], name[i+1:]
		for _, lib := range libraryFailureNames {
			if lib.namespace != ns {
				continue
			}
			if c, ok := lib.names[attr]; ok {
				return c
			}
		}
		logger.Printf("pipequeue: warning: cannot resolve qualified failure class %q, using catch-all", name)
		return AnyFailure
	}
	for _, lib := range libraryFailureNames {
		if c, ok := lib.names[name]; ok {
			return c
		}
	}
	logger.Printf("pipequeue: warning: unknown failure class %q, using catch-all", name)
	return AnyFailure
}

// RetryPolicy is the canonical description of how failed jobs are
// retried. Retryable always contains at least one class; an empty
// input resolves to the catch-all class.
type RetryPolicy struct {
	MaxAttempts  int            `json:"max_attempts"`  // total attempts, including the first
	BaseDelay    time.Duration  `json:"base_delay"`    // delay before the first retry
	JitterFactor float64        `json:"jitter_factor"` // randomization applied to delays, 0 disables jitter
	Retryable    []FailureClass `json:"retryable"`     // failure classes eligible for retry
}

// DefaultRetryPolicy returns the policy applied when a job specifies
// none: a single attempt, no retries.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts: 1,
		BaseDelay:   time.Second,
		Retryable:   []FailureClass{AnyFailure},
	}
}

// RetryableError reports whether err matches one of the policy's
// retryable classes.
func (p *RetryPolicy) RetryableError(err error) bool {
	for _, c := range p.Retryable {
		if c.Matches(err) {
			return true
		}
	}
	return false
}

// LegacyRetry carries the flat retry fields of older configurations.
// They fill gaps a structured policy leaves open; using them emits a
// deprecation warning.
type LegacyRetry struct {
	MaxRetry   int           // number of retries after the first attempt
	RetryDelay time.Duration // fixed delay between retries
}

// RetryInput is the heterogeneous input of the policy resolver: a
// structured policy, legacy flat fields, or a loose name-to-value
// mapping, in any combination.
type RetryInput struct {
	Policy         *RetryPolicy
	Legacy         *LegacyRetry
	RetryableNames []string // category names to resolve into classes
}

// ResolveRetryPolicy normalizes heterogeneous retry inputs into one
// canonical policy. Explicitly set fields of a structured policy win
// per-field; legacy flat fields fill any remaining gap.
func ResolveRetryPolicy(in RetryInput, logger Logger) *RetryPolicy {
	if logger == nil {
		logger = stdLogger{}
	}
	out := DefaultRetryPolicy()

	if in.Legacy != nil {
		logger.Printf("pipequeue: warning: flat retry fields are deprecated, use a retry policy instead")
		if in.Legacy.MaxRetry > 0 {
			out.MaxAttempts = in.Legacy.MaxRetry + 1
		}
		if in.Legacy.RetryDelay > 0 {
			out.BaseDelay = in.Legacy.RetryDelay
		}
	}
	if p := in.Policy; p != nil {
		if p.MaxAttempts > 0 {
			out.MaxAttempts = p.MaxAttempts
		}
		if p.BaseDelay > 0 {
			out.BaseDelay = p.BaseDelay
		}
		if p.JitterFactor > 0 {
			out.JitterFactor = p.JitterFactor
		}
		if len(p.Retryable) > 0 {
			out.Retryable = append([]FailureClass(nil), p.Retryable...)
		}
	}
	if len(in.RetryableNames) > 0 {
		classes := make([]FailureClass, 0, len(in.RetryableNames))
		for _, name := range in.RetryableNames {
			classes = append(classes, resolveFailureClass(name, logger))
		}
		out.Retryable = classes
	}
	if len(out.Retryable) == 0 {
		out.Retryable = []FailureClass{AnyFailure}
	}
	return out
}

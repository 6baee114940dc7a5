// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser validates standard 5-field cron expressions, with support
// for the usual descriptors such as "@hourly".
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Trigger is the temporal specification of a schedule. Exactly one of
// Cron, Every, or At must be set.
type Trigger struct {
	Cron  string        `json:"cron,omitempty"`  // standard 5-field cron expression
	Every time.Duration `json:"every,omitempty"` // fixed interval between runs
	At    time.Time     `json:"at"`              // one-shot future execution
}

// MarshalJSON serializes the trigger, leaving out an unset At. The
// omitempty tag cannot do that for a time.Time, so zero values are
// dropped here instead.
func (t Trigger) MarshalJSON() ([]byte, error) {
	type trigger struct {
		Cron  string        `json:"cron,omitempty"`
		Every time.Duration `json:"every,omitempty"`
		At    *time.Time    `json:"at,omitempty"`
	}
	out := trigger{Cron: t.Cron, Every: t.Every}
	if !t.At.IsZero() {
		out.At = &t.At
	}
	return json.Marshal(out)
}

// CronTrigger returns a trigger firing per the given standard 5-field
// cron expression.
func CronTrigger(spec string) Trigger {
	return Trigger{Cron: spec}
}

// CronFields is a structured cron specification. Empty fields default
// to "*".
type CronFields struct {
	Minute     string
	Hour       string
	DayOfMonth string
	Month      string
	DayOfWeek  string
}

// Spec returns the 5-field cron expression for f.
func (f CronFields) Spec() string {
	star := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return strings.Join([]string{
		star(f.Minute), star(f.Hour), star(f.DayOfMonth), star(f.Month), star(f.DayOfWeek),
	}, " ")
}

// CronFieldsTrigger returns a trigger firing per the given structured
// cron specification.
func CronFieldsTrigger(f CronFields) Trigger {
	return Trigger{Cron: f.Spec()}
}

// IntervalTrigger returns a trigger firing every d.
func IntervalTrigger(d time.Duration) Trigger {
	return Trigger{Every: d}
}

// IntervalFields is a structured interval specification,
// e.g. {Hours: 6}.
type IntervalFields struct {
	Weeks   int
	Days    int
	Hours   int
	Minutes int
	Seconds int
}

// Duration returns the total duration of f.
func (f IntervalFields) Duration() time.Duration {
	return time.Duration(f.Weeks)*7*24*time.Hour +
		time.Duration(f.Days)*24*time.Hour +
		time.Duration(f.Hours)*time.Hour +
		time.Duration(f.Minutes)*time.Minute +
		time.Duration(f.Seconds)*time.Second
}

// IntervalFieldsTrigger returns a trigger firing per the given
// structured interval specification.
func IntervalFieldsTrigger(f IntervalFields) Trigger {
	return Trigger{Every: f.Duration()}
}

// DateTrigger returns a trigger firing once at t.
func DateTrigger(t time.Time) Trigger {
	return Trigger{At: t}
}

// ParseDateTrigger returns a trigger firing once at the given ISO-8601
// timestamp.
func ParseDateTrigger(iso string) (Trigger, error) {
	t, err := time.Parse(time.RFC3339, iso)
	if err != nil {
		return Trigger{}, newConfigError("invalid date trigger %q: %v", iso, err)
	}
	return Trigger{At: t}, nil
}

// Validate checks that exactly one trigger kind is set and that the
// set kind is well-formed. It is called before any trigger reaches a
// backend.
func (t Trigger) Validate() error {
	var kinds int
	if t.Cron != "" {
		kinds++
	}
	if t.Every != 0 {
		kinds++
	}
	if !t.At.IsZero() {
		kinds++
	}
	switch {
	case kinds == 0:
		return newConfigError("trigger requires one of cron, interval, or date")
	case kinds > 1:
		return newConfigError("trigger accepts only one of cron, interval, or date")
	}
	if t.Cron != "" {
		if _, err := cronParser.Parse(t.Cron); err != nil {
			return newConfigError("invalid cron expression %q: %v", t.Cron, err)
		}
	}
	if t.Every < 0 {
		return newConfigError("interval trigger must be positive, got %v", t.Every)
	}
	return nil
}

// String returns a human-readable description of the trigger.
func (t Trigger) String() string {
	switch {
	case t.Cron != "":
		return fmt.Sprintf("cron(%s)", t.Cron)
	case t.Every != 0:
		return fmt.Sprintf("every(%s)", t.Every)
	case !t.At.IsZero():
		return fmt.Sprintf("at(%s)", t.At.Format(time.RFC3339))
	}
	return "none"
}

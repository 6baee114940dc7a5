// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Schedule is a recurring or deferred execution registration for a
// named pipeline. Its identifier is stable for its lifetime; replacing
// it is always explicit, never implicit.
type Schedule struct {
	ID        string                 `json:"id"`
	Pipeline  string                 `json:"pipeline"`
	Trigger   Trigger                `json:"trigger"`
	Queue     string                 `json:"queue"`
	Args      []interface{}          `json:"args,omitempty"`
	Kwargs    map[string]interface{} `json:"kwargs,omitempty"`
	Policy    *RetryPolicy           `json:"policy,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// allocateScheduleID returns the schedule identifier to use for the
// given pipeline name. An explicit identifier wins unconditionally.
// With overwrite set and no explicit identifier, "{name}-1" is
// returned regardless of what exists. Otherwise identifiers of the
// form "{name}-{n}" are scanned and "{name}-{max+1}" is returned;
// malformed suffixes are skipped with a warning.
//
// Allocation is not synchronized across manager instances sharing a
// backend: concurrent callers deriving an identifier for the same
// pipeline name race, and serializing those calls is the caller's
// responsibility.
func allocateScheduleID(pipeline, explicit string, overwrite bool, existing []string, logger Logger) string {
	if explicit != "" {
		return explicit
	}
	first := pipeline + "-1"
	if overwrite {
		return first
	}
	prefix := pipeline + "-"
	max := 0
	for _, id := range existing {
		if !strings.HasPrefix(id, prefix) {
			continue
		}
		n, err := strconv.Atoi(id[len(prefix):])
		if err != nil || n <= 0 {
			logger.Printf("pipequeue: warning: skipping malformed schedule id %q for pipeline %q", id, pipeline)
			continue
		}
		if n > max {
			max = n
		}
	}
	if max == 0 {
		return first
	}
	return fmt.Sprintf("%s-%d", pipeline, max+1)
}

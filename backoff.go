// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package pipequeue

import (
	"time"

	"github.com/cenkalti/backoff"
)

// BackoffFunc is a callback that returns the time span to wait before
// the given retry attempt. Attempts are counted from 1, i.e. the first
// retry of a failed job passes attempt 1.
type BackoffFunc func(attempt int) time.Duration

// policyBackoff returns the backoff function for a retry policy:
// exponential growth from the policy's base delay, randomized by its
// jitter factor.
func policyBackoff(p *RetryPolicy) BackoffFunc {
	return func(attempt int) time.Duration {
		if attempt <= 0 {
			return 0
		}
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = p.BaseDelay
		b.RandomizationFactor = p.JitterFactor
		b.MaxElapsedTime = 0 // the policy's MaxAttempts bounds retries, not elapsed time
		b.Reset()
		var d time.Duration
		for i := 0; i < attempt; i++ {
			d = b.NextBackOff()
		}
		return d
	}
}

// Package backoffutil centralizes the two retry/backoff policies ATM
// needs: the inbox lock-acquisition retry (spec §4.1) and the lifecycle
// manager's crash-restart policy (§4.10).
package backoffutil

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// InboxLock returns the exponential backoff used while retrying an
// inbox (or team config) file-lock acquisition: starts at 10ms,
// doubles up to a 2s cap, with jitter, giving up once the cumulative
// wait exceeds ~51s (§4.1).
func InboxLock() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 51 * time.Second
	b.Reset()
	return b
}

// LifecycleRestart returns the exponential backoff the lifecycle
// manager uses between restart attempts of a crashed agent process
// (§4.10): 1s -> 60s, multiplier 2x, ±20% jitter. Callers are
// responsible for capping the attempt count; this only shapes the
// delay between attempts.
func LifecycleRestart() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.Multiplier = 2.0
	b.RandomizationFactor = 0.2
	b.Reset()
	return b
}

// Package fslock implements the exclusive file lock and the
// lock/read/modify/atomic-swap envelope shared by the inbox store
// (spec §4.1) and the roster service (§4.6). It does not know about
// PID-liveness reclamation — that's the identity lock's job (§4.3),
// a different lock with different reclaim rules.
package fslock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atm-dev/atm/internal/backoffutil"
)

// ErrExhausted is returned when lock acquisition exceeds its retry budget.
var ErrExhausted = errors.New("fslock: lock retries exhausted")

// Handle is a held exclusive lock on a sibling ".lock" file.
type Handle struct {
	path string
}

// Acquire creates path exclusively (O_CREAT|O_EXCL), retrying with
// jittered exponential backoff until it succeeds, ctx is canceled, or
// the retry budget (§4.1: ~51s cumulative) is exhausted.
func Acquire(ctx context.Context, path string) (*Handle, error) {
	bo := backoffutil.InboxLock()
	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			_ = f.Close()
			return &Handle{path: path}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("fslock: create %s: %w", path, err)
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			return nil, ErrExhausted
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Release deletes the lock file. Safe to call more than once.
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}
	if err := os.Remove(h.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("fslock: release %s: %w", h.path, err)
	}
	return nil
}

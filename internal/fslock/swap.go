package fslock

import (
	"crypto/sha256"
	"fmt"
	"os"
)

// readOrEmpty reads path, treating a missing file as an empty byte slice
// (spec §3.2: an absent inbox file is semantically the empty sequence).
func readOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("fslock: read %s: %w", path, err)
	}
	return data, nil
}

func hashOf(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// SwapResult reports the outcome of one Swap attempt.
type SwapResult struct {
	// Wrote holds the bytes that were actually committed to path, set
	// only when Conflict is false.
	Wrote []byte
	// Conflict is true when a concurrent writer committed different
	// content between the read and the swap; Displaced holds that
	// fresher content so the caller can merge and retry.
	Conflict  bool
	Displaced []byte
}

// Swap performs one round of the lock/read/modify/atomic-swap envelope
// (spec §4.1, §4.6): it reads path's current bytes (missing = empty),
// asks fn to compute the next bytes, writes them to a "path.tmp"
// sibling and fsyncs, then re-reads path immediately before the final
// rename. If that re-read's hash no longer matches what fn started
// from, a concurrent writer won the race: Swap aborts the rename and
// returns the fresher content as Displaced so the caller can merge and
// call Swap again. Callers must hold the path's lock (see Acquire)
// before calling Swap.
func Swap(path string, fn func(current []byte) ([]byte, error)) (SwapResult, error) {
	current, err := readOrEmpty(path)
	if err != nil {
		return SwapResult{}, err
	}
	originalHash := hashOf(current)

	next, err := fn(current)
	if err != nil {
		return SwapResult{}, err
	}

	tmpPath := path + ".tmp"
	if err := writeFileSync(tmpPath, next); err != nil {
		return SwapResult{}, err
	}

	preSwap, err := readOrEmpty(path)
	if err != nil {
		return SwapResult{}, err
	}
	if hashOf(preSwap) != originalHash {
		_ = os.Remove(tmpPath)
		return SwapResult{Conflict: true, Displaced: preSwap}, nil
	}

	if err := os.Rename(tmpPath, path); err != nil {
		return SwapResult{}, fmt.Errorf("fslock: rename %s -> %s: %w", tmpPath, path, err)
	}
	return SwapResult{Wrote: next}, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("fslock: open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("fslock: write %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("fslock: fsync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fslock: close %s: %w", path, err)
	}
	return nil
}

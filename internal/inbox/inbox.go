// Package inbox implements the per-(team, agent) message store (spec
// §3.2, §4.1): an atomically-written JSON array of messages, guarded
// by a sibling lock file, with conflict detection and merge-by-retry
// on concurrent writers, and a spool fallback when the lock can't be
// acquired.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/atm-dev/atm/internal/fslock"
	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/spool"
)

// Outcome is one of the three results an append can have (§4.1).
type Outcome int

const (
	Success Outcome = iota
	ConflictResolved
	Queued
)

// AppendResult reports how an Append call was resolved.
type AppendResult struct {
	Outcome Outcome
	// MergedRounds is the number of conflicting writers this append
	// had to reconcile against before committing, set when Outcome is
	// ConflictResolved.
	MergedRounds int
	// SpoolPath is the path the message was queued to, set when
	// Outcome is Queued.
	SpoolPath string
}

// Append adds msg to the inbox file at path using the lock/read/
// modify/atomic-swap envelope. If msg.MessageID is already present,
// the call is a no-op success (idempotent append, §8.1 invariant 1).
// If the file lock can't be acquired within its retry budget, msg is
// written to spoolDir instead and Outcome is Queued.
func Append(ctx context.Context, path string, msg message.Message, spoolDir string) (AppendResult, error) {
	handle, err := fslock.Acquire(ctx, path+".lock")
	if err != nil {
		if errors.Is(err, fslock.ErrExhausted) {
			spoolPath, serr := spool.Enqueue(spoolDir, msg)
			if serr != nil {
				return AppendResult{}, fmt.Errorf("inbox: spool fallback: %w", serr)
			}
			return AppendResult{Outcome: Queued, SpoolPath: spoolPath}, nil
		}
		return AppendResult{}, err
	}
	defer func() { _ = handle.Release() }()

	rounds, err := appendLocked(path, msg)
	if err != nil {
		return AppendResult{}, err
	}

	// Opportunistic drain (§4.2): we're already holding path's lock
	// and just proved it's reachable, so take the chance to flush
	// anything that spooled while a prior writer held it. A failed
	// drain isn't fatal here — the entries stay on disk for the next
	// send's opportunistic attempt or the daemon's periodic sweep.
	_, _ = spool.Drain(spoolDir, func(spooled message.Message) error {
		_, err := appendLocked(path, spooled)
		return err
	})

	if rounds == 0 {
		return AppendResult{Outcome: Success}, nil
	}
	return AppendResult{Outcome: ConflictResolved, MergedRounds: rounds}, nil
}

// appendLocked runs the read/modify/atomic-swap envelope against path,
// retrying on conflict, assuming the caller already holds path's
// exclusive lock. It returns the number of conflicting writers it had
// to reconcile against before committing.
func appendLocked(path string, msg message.Message) (int, error) {
	rounds := 0
	for {
		result, err := fslock.Swap(path, func(current []byte) ([]byte, error) {
			return appendOne(current, msg)
		})
		if err != nil {
			return rounds, err
		}
		if !result.Conflict {
			return rounds, nil
		}
		// A concurrent writer committed a different version between
		// our read and our swap. Swap already re-reads the file on
		// the next call, so looping re-merges msg against whatever is
		// there now; this converges because every writer holding this
		// inbox's lock does the same, and the file can only move
		// forward.
		rounds++
	}
}

func appendOne(current []byte, msg message.Message) ([]byte, error) {
	existing, err := Decode(current)
	if err != nil {
		return nil, err
	}
	if alreadyPresent(existing, msg) {
		return current, nil
	}
	next := append(append([]message.Message{}, existing...), msg)
	sortByTimestamp(next)
	return Encode(next)
}

func alreadyPresent(msgs []message.Message, msg message.Message) bool {
	for _, m := range msgs {
		if msg.MessageID != "" && m.MessageID == msg.MessageID {
			return true
		}
		if msg.MessageID == "" && m.From == msg.From && m.Text == msg.Text && m.Timestamp.Equal(msg.Timestamp) {
			return true
		}
	}
	return false
}

// Update applies mutate to the inbox's current messages (e.g. flipping
// a read flag) using the same envelope, retrying against fresher
// content on conflict. Unlike Append, no merge step is needed: mutate
// is authoritative over the whole sequence (§4.1's "update protocol").
func Update(ctx context.Context, path string, mutate func([]message.Message) ([]message.Message, error)) error {
	handle, err := fslock.Acquire(ctx, path+".lock")
	if err != nil {
		return err
	}
	defer func() { _ = handle.Release() }()

	for {
		result, err := fslock.Swap(path, func(current []byte) ([]byte, error) {
			msgs, err := Decode(current)
			if err != nil {
				return nil, err
			}
			next, err := mutate(msgs)
			if err != nil {
				return nil, err
			}
			sortByTimestamp(next)
			return Encode(next)
		})
		if err != nil {
			return err
		}
		if !result.Conflict {
			return nil
		}
	}
}

// MarkRead flips the read flag on the message with the given id.
func MarkRead(ctx context.Context, path, messageID string) error {
	return Update(ctx, path, func(msgs []message.Message) ([]message.Message, error) {
		for i := range msgs {
			if msgs[i].MessageID == messageID {
				msgs[i].Read = true
			}
		}
		return msgs, nil
	})
}

// Read loads and decodes the inbox file, treating a missing file as
// the empty sequence (§3.2).
func Read(path string) ([]message.Message, error) {
	data, err := readOrEmpty(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// Decode parses an inbox file's raw bytes into a message sequence. An
// empty byte slice decodes to an empty (nil) sequence.
func Decode(data []byte) ([]message.Message, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var msgs []message.Message
	if err := json.Unmarshal(data, &msgs); err != nil {
		return nil, fmt.Errorf("inbox: decode: %w", err)
	}
	return msgs, nil
}

// Encode renders a message sequence as pretty-printed JSON (§4.1 step 5).
func Encode(msgs []message.Message) ([]byte, error) {
	if msgs == nil {
		msgs = []message.Message{}
	}
	data, err := json.MarshalIndent(msgs, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("inbox: encode: %w", err)
	}
	return data, nil
}

func readOrEmpty(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("inbox: read %s: %w", path, err)
	}
	return data, nil
}

func sortByTimestamp(msgs []message.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
}

// Package spool implements the per-agent overflow queue an inbox
// append falls through to when it can't acquire the inbox's file lock
// within its retry budget (spec §4.2). Spooled messages are drained
// back into the inbox by a background scanner once the lock frees up,
// and garbage-collected if they sit unclaimed past a TTL.
package spool

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/atm-dev/atm/internal/idgen"
	"github.com/atm-dev/atm/internal/message"
)

const fileSuffix = ".json"

// Enqueue writes msg to a new file under dir, named by a fresh
// correlation id so concurrent spoolers never collide, and returns its
// path.
func Enqueue(dir string, msg message.Message) (string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return "", fmt.Errorf("spool: create dir %s: %w", dir, err)
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("spool: marshal: %w", err)
	}
	path := filepath.Join(dir, idgen.NewCorrelationID()+fileSuffix)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("spool: write %s: %w", path, err)
	}
	return path, nil
}

// Entry pairs a spooled message with the file it was read from.
type Entry struct {
	Path    string
	Message message.Message
}

// List reads every spooled message under dir, oldest file first,
// ordered by each file's mtime (correlation ids aren't time-ordered, so
// the filename plays no part in the order).
func List(dir string) ([]Entry, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("spool: read dir %s: %w", dir, err)
	}

	type dated struct {
		entry Entry
		mtime time.Time
	}
	var found []dated
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileSuffix) {
			continue
		}
		path := filepath.Join(dir, f.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue // raced with GC or a drain; skip rather than fail the whole scan
		}
		var msg message.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			continue // corrupt spool entry; leave it for GC rather than crash the scanner
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		found = append(found, dated{entry: Entry{Path: path, Message: msg}, mtime: info.ModTime()})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].mtime.Before(found[j].mtime) })

	entries := make([]Entry, len(found))
	for i, d := range found {
		entries[i] = d.entry
	}
	return entries, nil
}

// Drain hands every spooled entry under dir to deliver, in arrival
// order, removing each file once deliver returns successfully. It
// stops and returns the first delivery error, leaving undelivered
// files in place so the next scan retries them.
func Drain(dir string, deliver func(message.Message) error) (int, error) {
	entries, err := List(dir)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for _, e := range entries {
		if err := deliver(e.Message); err != nil {
			return delivered, fmt.Errorf("spool: deliver %s: %w", e.Path, err)
		}
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return delivered, fmt.Errorf("spool: remove %s: %w", e.Path, err)
		}
		delivered++
	}
	return delivered, nil
}

// GC removes spooled files older than maxAge, for entries that a
// drain never caught up with (e.g. an inbox lock file left stale by a
// crashed writer long enough that the message is no longer useful).
func GC(dir string, maxAge time.Duration) (int, error) {
	files, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("spool: read dir %s: %w", dir, err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), fileSuffix) {
			continue
		}
		info, err := f.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, f.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return removed, fmt.Errorf("spool: gc remove %s: %w", path, err)
			}
			removed++
		}
	}
	return removed, nil
}

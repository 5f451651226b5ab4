package spool_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/spool"
)

func TestEnqueueAndList(t *testing.T) {
	dir := t.TempDir()

	m1 := message.New("alice", "first")
	m2 := message.New("alice", "second")

	p1, err := spool.Enqueue(dir, m1)
	require.NoError(t, err)
	p2, err := spool.Enqueue(dir, m2)
	require.NoError(t, err)
	assert.NotEqual(t, p1, p2)

	entries, err := spool.List(dir)
	require.NoError(t, err)
	require.Len(t, entries, 2)
}

func TestList_MissingDirIsEmpty(t *testing.T) {
	entries, err := spool.List(filepath.Join(t.TempDir(), "nope"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrain_DeliversAndRemoves(t *testing.T) {
	dir := t.TempDir()
	m := message.New("bob", "hi")
	_, err := spool.Enqueue(dir, m)
	require.NoError(t, err)

	var delivered []message.Message
	n, err := spool.Drain(dir, func(msg message.Message) error {
		delivered = append(delivered, msg)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, delivered, 1)
	assert.Equal(t, "hi", delivered[0].Text)

	entries, err := spool.List(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDrain_StopsOnFirstError(t *testing.T) {
	dir := t.TempDir()
	_, err := spool.Enqueue(dir, message.New("a", "one"))
	require.NoError(t, err)
	_, err = spool.Enqueue(dir, message.New("a", "two"))
	require.NoError(t, err)

	calls := 0
	n, err := spool.Drain(dir, func(msg message.Message) error {
		calls++
		return assert.AnError
	})
	require.Error(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, calls)

	entries, err := spool.List(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "undelivered entries must remain for the next scan")
}

func TestGC_RemovesOldEntries(t *testing.T) {
	dir := t.TempDir()
	path, err := spool.Enqueue(dir, message.New("a", "stale"))
	require.NoError(t, err)

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	removed, err := spool.GC(dir, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	entries, err := spool.List(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestGC_KeepsFreshEntries(t *testing.T) {
	dir := t.TempDir()
	_, err := spool.Enqueue(dir, message.New("a", "fresh"))
	require.NoError(t, err)

	removed, err := spool.GC(dir, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}

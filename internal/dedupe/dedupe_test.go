package dedupe_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/dedupe"
)

func TestCheckAndInsert_FirstInsertReturnsFalse(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	s, err := dedupe.Open(path, time.Hour, 100)
	require.NoError(t, err)

	key := dedupe.Key{Team: "t1", SessionID: "s1", AgentID: "a1", RequestID: "r1"}
	assert.False(t, s.CheckAndInsert(key))
	assert.True(t, s.CheckAndInsert(key))
}

func TestCheckAndInsert_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	s, err := dedupe.Open(path, time.Hour, 100)
	require.NoError(t, err)

	key := dedupe.Key{Team: "t1", SessionID: "s1", AgentID: "a1", RequestID: "r1"}
	s.CheckAndInsert(key)

	reloaded, err := dedupe.Open(path, time.Hour, 100)
	require.NoError(t, err)
	assert.True(t, reloaded.CheckAndInsert(key))
}

func TestOpen_SkipsUnparsableLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n{\"team\":\"t\"}\n"), 0o644))

	s, err := dedupe.Open(path, time.Hour, 100)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Len(), "line missing inserted_at should be dropped as unparsable-for-ttl")
}

func TestOpen_DropsExpiredEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	s, err := dedupe.Open(path, time.Millisecond, 100)
	require.NoError(t, err)

	key := dedupe.Key{Team: "t1", SessionID: "s1", AgentID: "a1", RequestID: "r1"}
	s.CheckAndInsert(key)

	time.Sleep(5 * time.Millisecond)

	reloaded, err := dedupe.Open(path, time.Millisecond, 100)
	require.NoError(t, err)
	assert.False(t, reloaded.CheckAndInsert(key), "expired entry should be treated as new on reload")
}

func TestCheckAndInsert_FIFOEvictsAtCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	s, err := dedupe.Open(path, time.Hour, 2)
	require.NoError(t, err)

	k1 := dedupe.Key{Team: "t", SessionID: "s", AgentID: "a", RequestID: "1"}
	k2 := dedupe.Key{Team: "t", SessionID: "s", AgentID: "a", RequestID: "2"}
	k3 := dedupe.Key{Team: "t", SessionID: "s", AgentID: "a", RequestID: "3"}

	s.CheckAndInsert(k1)
	s.CheckAndInsert(k2)
	s.CheckAndInsert(k3)
	assert.Equal(t, 2, s.Len())

	// k1 was evicted by capacity, so it's treated as new again.
	assert.False(t, s.CheckAndInsert(k1))
}

func TestCleanupExpired_RewritesFileAndIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dedupe.jsonl")
	s, err := dedupe.Open(path, time.Millisecond, 100)
	require.NoError(t, err)

	s.CheckAndInsert(dedupe.Key{Team: "t", SessionID: "s", AgentID: "a", RequestID: "1"})
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, s.CleanupExpired())
	assert.Equal(t, 0, s.Len())
	require.NoError(t, s.CleanupExpired())
	assert.Equal(t, 0, s.Len())
}

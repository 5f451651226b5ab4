package eventlog_test

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/eventlog"
)

func readLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var lines []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var m map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &m))
		lines = append(lines, m)
	}
	return lines
}

func TestEmit_WritesHeaderThenEvent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path)

	sink.Emit(eventlog.LevelInfo, "atm_mcp", "send", map[string]any{"team": "t1"})

	lines := readLines(t, path)
	require.Len(t, lines, 2)
	assert.Equal(t, "h", lines[0]["k"])
	assert.Equal(t, "e", lines[1]["k"])
	assert.Equal(t, "send", lines[1]["act"])
	assert.Equal(t, "t1", lines[1]["team"])
}

func TestEmit_SecondEventNoNewHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path)

	sink.Emit(eventlog.LevelInfo, "atm_mcp", "send", nil)
	sink.Emit(eventlog.LevelInfo, "atm_mcp", "read", nil)

	lines := readLines(t, path)
	require.Len(t, lines, 3)
	assert.Equal(t, "h", lines[0]["k"])
	assert.Equal(t, "send", lines[1]["act"])
	assert.Equal(t, "read", lines[2]["act"])
}

func TestEmitBody_VerbosityNoneOmitsBody(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path, eventlog.WithVerbosity(eventlog.VerbosityNone))

	sink.EmitBody(eventlog.LevelInfo, "atm_mcp", "send", "secret body", nil)

	lines := readLines(t, path)
	_, hasBody := lines[1]["body"]
	assert.False(t, hasBody)
}

func TestEmitBody_VerbosityTruncated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path, eventlog.WithVerbosity(eventlog.VerbosityTruncated), eventlog.WithTruncateLen(5))

	sink.EmitBody(eventlog.LevelInfo, "atm_mcp", "send", "hello world", nil)

	lines := readLines(t, path)
	assert.Equal(t, "hello", lines[1]["body"])
}

func TestEmitBody_VerbosityFull(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path, eventlog.WithVerbosity(eventlog.VerbosityFull))

	sink.EmitBody(eventlog.LevelInfo, "atm_mcp", "send", "full body here", nil)

	lines := readLines(t, path)
	assert.Equal(t, "full body here", lines[1]["body"])
}

func TestEmit_RotatesWhenOverSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path, eventlog.WithMaxBytes(10), eventlog.WithMaxFiles(3))

	sink.Emit(eventlog.LevelInfo, "atm_mcp", "one", nil)
	sink.Emit(eventlog.LevelInfo, "atm_mcp", "two", nil)
	sink.Emit(eventlog.LevelInfo, "atm_mcp", "three", nil)

	assert.FileExists(t, path+".1")
}

func TestEmit_NeverPanicsOnUnwritablePath(t *testing.T) {
	// A path under a file (not a directory) can never be created.
	base := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(base, []byte("x"), 0o644))
	path := filepath.Join(base, "events.jsonl")

	sink := eventlog.New(path)
	assert.NotPanics(t, func() {
		sink.Emit(eventlog.LevelError, "atmd", "boom", nil)
	})
}

func TestTruncateRunes_UnicodeSafe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	sink := eventlog.New(path, eventlog.WithVerbosity(eventlog.VerbosityTruncated), eventlog.WithTruncateLen(3))

	sink.EmitBody(eventlog.LevelInfo, "atm_mcp", "send", "héllo", nil)

	lines := readLines(t, path)
	body, _ := lines[1]["body"].(string)
	assert.True(t, strings.HasPrefix("héllo", body) || len([]rune(body)) == 3)
}

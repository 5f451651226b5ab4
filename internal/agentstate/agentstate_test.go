package agentstate_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/agentstate"
)

func TestSpawnStartsInLaunching(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{PaneID: "p1", LogPath: "/tmp/a1.log"})

	rec, ok := tr.Get("a1")
	require.True(t, ok)
	assert.Equal(t, agentstate.Launching, rec.State)
	assert.Equal(t, "p1", rec.Pane.PaneID)
}

func TestTransition_LaunchingToIdleToBusyToIdle(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})

	require.NoError(t, tr.Transition("a1", agentstate.Idle))
	require.NoError(t, tr.Transition("a1", agentstate.Busy))
	require.NoError(t, tr.Transition("a1", agentstate.Idle))

	rec, _ := tr.Get("a1")
	assert.Equal(t, agentstate.Idle, rec.State)
	assert.True(t, rec.State.CanNudge())
}

func TestTransition_RejectsInvalidEdge(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})

	err := tr.Transition("a1", agentstate.Busy) // Launching -> Busy is not a valid edge
	assert.Error(t, err)
}

func TestTransition_KilledIsTerminal(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})
	require.NoError(t, tr.Transition("a1", agentstate.Killed))

	err := tr.Transition("a1", agentstate.Idle)
	assert.Error(t, err)

	rec, _ := tr.Get("a1")
	assert.True(t, rec.State.Terminal())
}

func TestSinceTransition_ReflectsElapsedTime(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})

	time.Sleep(5 * time.Millisecond)

	elapsed, ok := tr.SinceTransition("a1")
	require.True(t, ok)
	assert.GreaterOrEqual(t, elapsed, 5*time.Millisecond)
}

func TestRemove(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})
	tr.Remove("a1")

	_, ok := tr.Get("a1")
	assert.False(t, ok)
}

func TestList(t *testing.T) {
	tr := agentstate.New()
	tr.Spawn("a1", agentstate.Pane{})
	tr.Spawn("a2", agentstate.Pane{})

	assert.ElementsMatch(t, []string{"a1", "a2"}, tr.List())
}

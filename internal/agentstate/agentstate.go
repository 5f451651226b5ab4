// Package agentstate tracks each live agent's turn-level state machine
// (spec §3.9, §4.9): Launching -> Idle <-> Busy -> Killed, independent
// of the lower-level process supervision internal/lifecycle owns. It
// also carries the pane metadata the lifecycle manager assigns on
// spawn so the control socket can answer agent-pane queries without
// reaching into worker internals.
package agentstate

import (
	"fmt"
	"sync"
	"time"
)

// State is one node of the agent turn-state machine.
type State string

const (
	Launching State = "Launching"
	Idle      State = "Idle"
	Busy      State = "Busy"
	Killed    State = "Killed"
)

// CanNudge reports whether it's safe to send a nudge to an agent in
// this state — only Idle is (spec §3.9, §4.9).
func (s State) CanNudge() bool { return s == Idle }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == Killed }

// Pane carries the lifecycle manager's spawn-time metadata for an
// agent's terminal.
type Pane struct {
	PaneID  string
	LogPath string
}

// Record is one agent's full tracked state.
type Record struct {
	State          State
	LastTransition time.Time
	Pane           Pane
}

// Tracker is the process-wide map of live agents to their Record.
type Tracker struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// New returns an empty Tracker.
func New() *Tracker {
	return &Tracker{records: make(map[string]*Record)}
}

// Spawn registers a new agent in Launching with its pane metadata.
func (t *Tracker) Spawn(agentID string, pane Pane) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[agentID] = &Record{State: Launching, LastTransition: time.Now().UTC(), Pane: pane}
}

// validTransitions enumerates the state machine's allowed edges (spec
// §4.9's diagram).
var validTransitions = map[State]map[State]bool{
	Launching: {Idle: true, Killed: true},
	Idle:      {Busy: true, Killed: true},
	Busy:      {Idle: true, Killed: true},
	Killed:    {},
}

// Transition moves agentID to next, rejecting edges the state diagram
// doesn't allow and any transition out of the terminal Killed state.
func (t *Tracker) Transition(agentID string, next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.records[agentID]
	if !ok {
		return fmt.Errorf("agentstate: unknown agent %q", agentID)
	}
	if r.State.Terminal() {
		return fmt.Errorf("agentstate: agent %q is killed (terminal)", agentID)
	}
	if !validTransitions[r.State][next] {
		return fmt.Errorf("agentstate: invalid transition %s -> %s for %q", r.State, next, agentID)
	}
	r.State = next
	r.LastTransition = time.Now().UTC()
	return nil
}

// Get returns a copy of agentID's current record.
func (t *Tracker) Get(agentID string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[agentID]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// SinceTransition returns how long agentID has held its current state,
// used for "time since last transition" staleness heuristics.
func (t *Tracker) SinceTransition(agentID string) (time.Duration, bool) {
	r, ok := t.Get(agentID)
	if !ok {
		return 0, false
	}
	return time.Since(r.LastTransition), true
}

// Remove deletes agentID's record entirely (e.g. once its Killed
// transition has been fully processed and archived elsewhere).
func (t *Tracker) Remove(agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, agentID)
}

// List returns every currently tracked agent id.
func (t *Tracker) List() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := make([]string, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}

// SweepKilled removes every Killed record whose transition is older
// than maxAge, run periodically by the daemon's state-tracker
// sweeper loop so a long-running daemon doesn't accumulate an
// unbounded map of terminal agents nobody ever queries again.
func (t *Tracker) SweepKilled(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	removed := 0
	for id, r := range t.records {
		if r.State == Killed && now.Sub(r.LastTransition) > maxAge {
			delete(t.records, id)
			removed++
		}
	}
	return removed
}

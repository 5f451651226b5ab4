package daemon

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/atm-dev/atm/internal/agentstate"
	"github.com/atm-dev/atm/internal/atmerr"
	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/controlsocket"
	"github.com/atm-dev/atm/internal/eventlog"
	"github.com/atm-dev/atm/internal/identitylock"
	"github.com/atm-dev/atm/internal/procutil"
	"github.com/atm-dev/atm/internal/roster"
	"github.com/atm-dev/atm/internal/stdinqueue"
)

// registerHandlers wires every §4.13 command to its implementation.
func (s *Server) registerHandlers() {
	s.control.Handle(controlsocket.CmdHookEvent, s.handleHookEvent)
	s.control.Handle(controlsocket.CmdAgentState, s.handleAgentState)
	s.control.Handle(controlsocket.CmdAgentPane, s.handleAgentPane)
	s.control.Handle(controlsocket.CmdListAgents, s.handleListAgents)
	s.control.Handle(controlsocket.CmdQuerySession, s.handleQuerySession)
	s.control.Handle(controlsocket.CmdSubscribe, s.handleSubscribe)
	s.control.Handle(controlsocket.CmdUnsubscribe, s.handleUnsubscribe)
	s.control.Handle(controlsocket.CmdControlStdin, s.handleControlStdin)
	s.control.Handle(controlsocket.CmdControlInterrupt, s.handleControlInterrupt)
}

type hookEventPayload struct {
	Team    string `json:"team"`
	AgentID string `json:"agent_id"`
	Event   string `json:"event"`
	PaneID  string `json:"pane_id,omitempty"`
	LogPath string `json:"log_path,omitempty"`
	// Plugin, if set, identifies the roster plugin that owns AgentID
	// (spec §4.6). A killed event for a plugin-owned agent soft-cleans
	// its roster membership so a dead agent stops showing as active
	// without a human having to edit config.json.
	Plugin string `json:"plugin,omitempty"`
}

// handleHookEvent applies a lifecycle notification from a proxy or
// agent-spawner (spec §4.13). Recognized events transition
// internal/agentstate; anything else (e.g. the proxy's
// session_open/session_close, tagged atm_mcp) is recorded to the event
// log without a state-machine transition.
func (s *Server) handleHookEvent(ctx context.Context, raw json.RawMessage) (any, error) {
	var p hookEventPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed hook-event payload")
	}
	if p.AgentID == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "agent_id is required")
	}

	switch p.Event {
	case "spawn":
		s.agents.Spawn(p.AgentID, agentstate.Pane{PaneID: p.PaneID, LogPath: p.LogPath})
		if s.cfg.Supervisor != nil {
			s.cfg.Supervisor.Register(p.AgentID, p.LogPath)
		}
	case "idle":
		if err := s.agents.Transition(p.AgentID, agentstate.Idle); err != nil {
			return nil, atmerr.Wrap(atmerr.CodeInvalidRequest, "transition to idle", err)
		}
	case "busy":
		if err := s.agents.Transition(p.AgentID, agentstate.Busy); err != nil {
			return nil, atmerr.Wrap(atmerr.CodeInvalidRequest, "transition to busy", err)
		}
	case "killed", "exit":
		if err := s.agents.Transition(p.AgentID, agentstate.Killed); err != nil {
			return nil, atmerr.Wrap(atmerr.CodeInvalidRequest, "transition to killed", err)
		}
		if p.Plugin != "" && p.Team != "" {
			path := atmhome.TeamConfigPath(s.cfg.Root, p.Team)
			if _, err := s.roster.CleanupPlugin(ctx, path, p.Plugin, roster.Soft); err != nil {
				s.log.Warn("daemon: cleanup plugin roster membership", "plugin", p.Plugin, "team", p.Team, "error", err)
			}
		}
	}

	s.events.Emit(eventlog.LevelInfo, "hook", p.Event, map[string]any{
		"team": p.Team, "agent_id": p.AgentID,
	})
	return struct{}{}, nil
}

type agentRefPayload struct {
	Team    string `json:"team"`
	AgentID string `json:"agent_id"`
}

type agentStateResult struct {
	State          string `json:"state"`
	LastTransition string `json:"last_transition"`
}

func (s *Server) handleAgentState(_ context.Context, raw json.RawMessage) (any, error) {
	var p agentRefPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed agent-state payload")
	}
	rec, ok := s.agents.Get(p.AgentID)
	if !ok {
		return nil, atmerr.AgentNotFound(p.AgentID, p.Team)
	}
	return agentStateResult{State: string(rec.State), LastTransition: rec.LastTransition.Format(timeRFC3339)}, nil
}

type agentPaneResult struct {
	PaneID  string `json:"pane_id"`
	LogPath string `json:"log_path"`
}

func (s *Server) handleAgentPane(_ context.Context, raw json.RawMessage) (any, error) {
	var p agentRefPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed agent-pane payload")
	}
	rec, ok := s.agents.Get(p.AgentID)
	if !ok {
		return nil, atmerr.AgentNotFound(p.AgentID, p.Team)
	}
	return agentPaneResult{PaneID: rec.Pane.PaneID, LogPath: rec.Pane.LogPath}, nil
}

type listAgentsPayload struct {
	Team string `json:"team"`
}

type agentSummary struct {
	AgentID string `json:"agent_id"`
	State   string `json:"state"`
}

type listAgentsResult struct {
	Agents []agentSummary `json:"agents"`
}

// handleListAgents enumerates every agent currently tracked by this
// daemon process, regardless of team (spec §4.13 "known agents" — the
// tracker holds only agents this daemon saw a spawn hook-event for,
// Killed ones included until SweepKilled drops them, so there's no
// multi-team roster scan to do here).
func (s *Server) handleListAgents(_ context.Context, _ json.RawMessage) (any, error) {
	ids := s.agents.List()
	out := make([]agentSummary, 0, len(ids))
	for _, id := range ids {
		rec, ok := s.agents.Get(id)
		if !ok {
			continue
		}
		out = append(out, agentSummary{AgentID: id, State: string(rec.State)})
	}
	return listAgentsResult{Agents: out}, nil
}

type querySessionResult struct {
	PID    int  `json:"pid"`
	Alive  bool `json:"alive"`
	Locked bool `json:"locked"`
}

// handleQuerySession reports identity-lock PID liveness for
// (team, agent) without taking or releasing the lock itself (spec
// §4.13, §4.3).
func (s *Server) handleQuerySession(_ context.Context, raw json.RawMessage) (any, error) {
	var p agentRefPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed query-session payload")
	}
	if p.Team == "" || p.AgentID == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "team and agent_id are required")
	}
	path := atmhome.IdentityLockPath(s.cfg.Root, p.Team, p.AgentID)
	pid, _, alive, ok := identitylock.Inspect(path)
	return querySessionResult{PID: pid, Alive: alive, Locked: ok}, nil
}

type subscribePayload struct {
	Subscriber string   `json:"subscriber"`
	Agent      string   `json:"agent"`
	Events     []string `json:"events,omitempty"`
}

func (s *Server) handleSubscribe(_ context.Context, raw json.RawMessage) (any, error) {
	var p subscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed subscribe payload")
	}
	if p.Subscriber == "" || p.Agent == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "subscriber and agent are required")
	}
	if err := s.subs.Subscribe(p.Subscriber, p.Agent, p.Events); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

type unsubscribePayload struct {
	Subscriber string `json:"subscriber"`
	Agent      string `json:"agent,omitempty"`
}

// handleUnsubscribe drops one (subscriber, agent) pair, or every
// subscription subscriber holds when agent is omitted.
func (s *Server) handleUnsubscribe(_ context.Context, raw json.RawMessage) (any, error) {
	var p unsubscribePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed unsubscribe payload")
	}
	if p.Subscriber == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "subscriber is required")
	}
	if p.Agent == "" {
		s.subs.UnsubscribeAll(p.Subscriber)
	} else {
		s.subs.Unsubscribe(p.Subscriber, p.Agent)
	}
	return struct{}{}, nil
}

// idempotentAgentPayload is the common shape of control.stdin and
// control.interrupt, both dedupe-checked by internal/controlsocket
// before the handler ever runs (spec §4.13).
type idempotentAgentPayload struct {
	Team      string `json:"team"`
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	SentAt    string `json:"sent_at"`
	Text      string `json:"text,omitempty"`
}

type controlStdinResult struct {
	QueueID string `json:"queue_id"`
}

func (s *Server) handleControlStdin(_ context.Context, raw json.RawMessage) (any, error) {
	var p idempotentAgentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed control.stdin payload")
	}
	if p.Team == "" || p.AgentID == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "team and agent_id are required")
	}
	rec, ok := s.agents.Get(p.AgentID)
	if !ok || rec.State.Terminal() {
		return nil, atmerr.New(atmerr.CodeNotLive, fmt.Sprintf("agent %q is not live", p.AgentID))
	}
	dir := atmhome.StdinQueueDir(s.cfg.Root, p.Team, p.AgentID)
	id, err := stdinqueue.Enqueue(dir, p.Text)
	if err != nil {
		return nil, atmerr.Wrap(atmerr.CodeInvalidRequest, "enqueue stdin", err)
	}
	return controlStdinResult{QueueID: id}, nil
}

func (s *Server) handleControlInterrupt(_ context.Context, raw json.RawMessage) (any, error) {
	var p idempotentAgentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "malformed control.interrupt payload")
	}
	if p.Team == "" || p.AgentID == "" {
		return nil, atmerr.New(atmerr.CodeInvalidRequest, "team and agent_id are required")
	}
	path := atmhome.IdentityLockPath(s.cfg.Root, p.Team, p.AgentID)
	pid, _, alive, ok := identitylock.Inspect(path)
	if !ok || !alive {
		return nil, atmerr.New(atmerr.CodeNotLive, fmt.Sprintf("agent %q is not live", p.AgentID))
	}
	if err := procutil.Interrupt(pid); err != nil {
		return nil, atmerr.Wrap(atmerr.CodeNotLive, "send interrupt", err)
	}
	return struct{}{}, nil
}

const timeRFC3339 = "2006-01-02T15:04:05Z07:00"

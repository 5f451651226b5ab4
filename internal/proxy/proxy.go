// Package proxy implements the MCP proxy session core (spec §4.12):
// it sits between an upstream MCP client and a child LLM process,
// intercepting tool calls in the ATM set and handling them locally,
// forwarding everything else transparently in both directions. Each
// session holds an acquired identity lock, an audit log writer, and
// round-trips server-initiated elicitations through
// internal/elicitation.
package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/atm-dev/atm/internal/atmerr"
	"github.com/atm-dev/atm/internal/elicitation"
	"github.com/atm-dev/atm/internal/eventlog"
	"github.com/atm-dev/atm/internal/identitylock"
	"github.com/atm-dev/atm/internal/idgen"
	"github.com/atm-dev/atm/internal/jsonrpc"
)

// Tool names the proxy intercepts and handles locally (spec §4.12).
const (
	ToolSend         = "atm_send"
	ToolRead         = "atm_read"
	ToolBroadcast    = "atm_broadcast"
	ToolPendingCount = "atm_pending_count"
	ToolSubscribe    = "atm_subscribe"
)

var atmTools = map[string]bool{
	ToolSend:         true,
	ToolRead:         true,
	ToolBroadcast:    true,
	ToolPendingCount: true,
	ToolSubscribe:    true,
}

// DefaultElicitationTimeout bounds how long a server-initiated
// elicitation waits for the upstream client to resolve it.
const DefaultElicitationTimeout = 2 * time.Minute

// ToolHandler executes one locally-handled ATM tool call and returns
// its JSON result, or an error to be surfaced as a JSON-RPC error.
type ToolHandler func(ctx context.Context, identity string, args json.RawMessage) (json.RawMessage, error)

// Sender writes a framed line to one side of the proxy (upstream
// client or child process).
type Sender func([]byte) error

// LifecycleEmitter reports a session lifecycle event to the daemon
// over the control socket (§4.13), tagged with source atm_mcp.
type LifecycleEmitter func(ctx context.Context, agentID, event string) error

// Config configures a Session.
type Config struct {
	Team               string
	AgentID            string
	ExplicitIdentity   string // from tool-call arguments, if present
	ConfiguredIdentity string // from resolved config
	IdentityLockPath   string

	Locks     *identitylock.Manager
	Elicit    *elicitation.Registry
	Audit     *eventlog.Sink
	Lifecycle LifecycleEmitter

	ToUpstream Sender
	ToChild    Sender
	Handlers   map[string]ToolHandler
}

// Session is one proxied MCP connection between an upstream client and
// a child LLM process for a single agent.
type Session struct {
	cfg      Config
	identity string
}

// ResolveIdentity implements the three-step lookup of spec §4.12:
// explicit argument, then configured identity, then
// -32009 IDENTITY_REQUIRED.
func ResolveIdentity(explicit, configured string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	if configured != "" {
		return configured, nil
	}
	return "", atmerr.IdentityRequired()
}

// Open resolves the session's identity, acquires its identity lock,
// and emits a session-start audit event and lifecycle notification.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	identity, err := ResolveIdentity(cfg.ExplicitIdentity, cfg.ConfiguredIdentity)
	if err != nil {
		return nil, err
	}

	if err := cfg.Locks.Acquire(cfg.IdentityLockPath, cfg.AgentID); err != nil {
		return nil, err
	}

	s := &Session{cfg: cfg, identity: identity}

	if cfg.Audit != nil {
		cfg.Audit.Emit(eventlog.LevelInfo, "atm_mcp", "session_open", map[string]any{
			"team": cfg.Team, "agent_id": cfg.AgentID, "identity": identity,
		})
	}
	if cfg.Lifecycle != nil {
		_ = cfg.Lifecycle(ctx, cfg.AgentID, "session_open")
	}
	return s, nil
}

// Close releases the session's identity lock and emits a matching
// audit/lifecycle close event.
func (s *Session) Close(ctx context.Context) error {
	if s.cfg.Audit != nil {
		s.cfg.Audit.Emit(eventlog.LevelInfo, "atm_mcp", "session_close", map[string]any{
			"team": s.cfg.Team, "agent_id": s.cfg.AgentID,
		})
	}
	if s.cfg.Lifecycle != nil {
		_ = s.cfg.Lifecycle(ctx, s.cfg.AgentID, "session_close")
	}
	return s.cfg.Locks.Release(s.cfg.IdentityLockPath)
}

// Identity returns the identity resolved for this session.
func (s *Session) Identity() string { return s.identity }

type toolCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// HandleUpstream processes one line received from the upstream MCP
// client. Tool calls in the ATM set are handled locally and answered
// synthetically; a response matching a pending elicitation resolves
// it; everything else is forwarded to the child unmodified.
func (s *Session) HandleUpstream(ctx context.Context, line []byte) error {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil || req.Method == "" {
		// Not a request (or unparsable) — could be a response to an
		// elicitation this session forwarded upstream earlier.
		if resolved := s.tryResolveElicitation(line); resolved {
			return nil
		}
		return s.cfg.ToChild(line)
	}

	if req.Method != "tools/call" {
		return s.cfg.ToChild(line)
	}

	var params toolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil || !atmTools[params.Name] {
		return s.cfg.ToChild(line)
	}

	handler, ok := s.cfg.Handlers[params.Name]
	if !ok {
		return s.replyError(req.ID, -32601, fmt.Sprintf("tool %q has no registered handler", params.Name))
	}

	if s.cfg.Audit != nil {
		s.cfg.Audit.EmitBody(eventlog.LevelInfo, "atm_mcp", "tool_call", string(params.Arguments), map[string]any{
			"tool": params.Name, "agent_id": s.cfg.AgentID,
		})
	}

	result, err := handler(ctx, s.identity, params.Arguments)
	if err != nil {
		if aerr, ok := err.(*atmerr.Error); ok {
			return s.replyError(req.ID, codeForErr(aerr.Code), aerr.Message)
		}
		return s.replyError(req.ID, -32000, err.Error())
	}
	return s.reply(req.ID, result)
}

// tryResolveElicitation attempts to interpret line as a JSON-RPC
// response resolving a pending elicitation this session forwarded
// upstream. Returns false (no-op) if line isn't shaped like one.
func (s *Session) tryResolveElicitation(line []byte) bool {
	var resp jsonrpc.Response
	if err := json.Unmarshal(line, &resp); err != nil || len(resp.ID) == 0 {
		return false
	}
	var upstreamID string
	if err := json.Unmarshal(resp.ID, &upstreamID); err != nil {
		return false
	}
	_, ok := s.cfg.Elicit.ResolveForDownstream(upstreamID, resp.Result)
	return ok
}

// HandleChild processes one line emitted by the child process. An
// elicitation/create request is intercepted: the proxy assigns a
// fresh upstream request id, registers the pending entry, and
// forwards the rewritten request upstream (spec §4.12). Everything
// else is forwarded unmodified.
func (s *Session) HandleChild(ctx context.Context, line []byte) error {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil || req.Method != "elicitation/create" {
		return s.cfg.ToUpstream(line)
	}

	upstreamID := idgen.NewCorrelationID()
	sink := func(resp jsonrpc.Response) error {
		out, err := json.Marshal(resp)
		if err != nil {
			return err
		}
		return s.cfg.ToChild(out)
	}
	s.cfg.Elicit.Register(upstreamID, s.cfg.AgentID, req.ID, sink, DefaultElicitationTimeout)

	rewritten := req
	idBytes, err := json.Marshal(upstreamID)
	if err != nil {
		return err
	}
	rewritten.ID = idBytes

	out, err := json.Marshal(rewritten)
	if err != nil {
		return err
	}
	return s.cfg.ToUpstream(out)
}

func (s *Session) reply(id json.RawMessage, result json.RawMessage) error {
	out, err := json.Marshal(jsonrpc.Result(id, result))
	if err != nil {
		return err
	}
	return s.cfg.ToUpstream(out)
}

func (s *Session) replyError(id json.RawMessage, code int, message string) error {
	out, err := json.Marshal(jsonrpc.ErrorResponse(id, code, message))
	if err != nil {
		return err
	}
	return s.cfg.ToUpstream(out)
}

func codeForErr(code atmerr.Code) int {
	switch code {
	case atmerr.CodeIdentityRequired:
		return jsonrpc.CodeIdentityRequired
	case atmerr.CodeElicitationTimeout:
		return jsonrpc.CodeElicitationTimeout
	default:
		return -32000
	}
}

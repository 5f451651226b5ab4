// Package atmerr defines the closed set of protocol-visible error codes
// ATM surfaces on the control socket and in proxy responses (spec §6.5,
// §7 tier 3). Tiers 1 and 2 of §7 (best-effort/swallowed, locally
// recovered) never reach this package — they're logged at warn level or
// resolved in place by the owning component.
package atmerr

import "fmt"

// Code is a stable, wire-visible error code.
type Code string

const (
	// JSON-RPC-style codes shared with the upstream MCP protocol (§6.5).
	CodeElicitationTimeout Code = "-32006"
	CodeIdentityRequired   Code = "-32009"

	// Control-socket-specific codes (§4.13).
	CodeAgentNotFound   Code = "AGENT_NOT_FOUND"
	CodeTeamNotFound    Code = "TEAM_NOT_FOUND"
	CodeNotLive         Code = "NOT_LIVE"
	CodeDuplicate       Code = "DUPLICATE"
	CodeTimeout         Code = "TIMEOUT"
	CodeUnknownCommand  Code = "UNKNOWN_COMMAND"
	CodeLockHeld        Code = "LOCK_HELD"
	CodeIntegrity       Code = "INTEGRITY_ERROR"
	CodeInvalidRequest  Code = "INVALID_REQUEST"
	CodeCapExceeded     Code = "CAP_EXCEEDED"
)

// Error is a typed, coded error carried through the envelope so callers
// can translate it to an exit code or socket payload without string
// matching.
type Error struct {
	Code    Code
	Message string
	// Err, if set, is the underlying cause (not always safe to expose
	// verbatim across the wire, but useful for logs).
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an *Error carrying an underlying cause.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// AgentNotFound returns a CodeAgentNotFound error for the given agent/team.
func AgentNotFound(agent, team string) *Error {
	return New(CodeAgentNotFound, fmt.Sprintf("agent %q not found in team %q", agent, team))
}

// TeamNotFound returns a CodeTeamNotFound error.
func TeamNotFound(team string) *Error {
	return New(CodeTeamNotFound, fmt.Sprintf("team %q not found", team))
}

// IdentityRequired returns the -32009 IDENTITY_REQUIRED error (spec §4.12).
func IdentityRequired() *Error {
	return New(CodeIdentityRequired, "identity required: no explicit identity argument and no configured identity")
}

// ElicitationTimeout returns the -32006 elicitation-timeout error (spec §4.11).
func ElicitationTimeout() *Error {
	return New(CodeElicitationTimeout, "elicitation timeout")
}

// LockHeld returns a CodeLockHeld error reporting the foreign holder.
func LockHeld(pid int, agentID string) *Error {
	return New(CodeLockHeld, fmt.Sprintf("lock held by live pid %d (agent_id=%s)", pid, agentID))
}

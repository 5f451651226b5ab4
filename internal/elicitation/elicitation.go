// Package elicitation implements the pending-elicitation registry
// (spec §3.8, §4.11): when a child LLM process emits an
// elicitation/create request, the proxy core assigns it an upstream
// request id and parks it here until the upstream client resolves it,
// the owning agent is torn down, or its deadline passes.
package elicitation

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/atm-dev/atm/internal/atmerr"
	"github.com/atm-dev/atm/internal/jsonrpc"
)

// Response is the JSON-RPC response en route back to the child process
// that originated the elicitation, with id rewritten from the
// upstream id back to the child's original downstream id.
type Response = jsonrpc.Response

// RPCError is a JSON-RPC error object.
type RPCError = jsonrpc.Error

// ResponseSink delivers a resolved Response back to its originating
// child process (the proxy core supplies the concrete implementation,
// writing framed bytes to the child's stdin).
type ResponseSink func(Response) error

// entry is one pending elicitation (spec §3.8).
type entry struct {
	agentID      string
	downstreamID json.RawMessage
	sink         ResponseSink
	deadline     time.Time
}

// Registry tracks pending elicitations keyed by upstream request id.
type Registry struct {
	mu      sync.Mutex
	pending map[string]entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{pending: make(map[string]entry)}
}

// Register records a newly issued elicitation. upstreamID is the id
// the proxy assigned when forwarding the request upstream;
// downstreamID is the id the child process originally used and must
// be restored in the eventual response.
func (r *Registry) Register(upstreamID, agentID string, downstreamID json.RawMessage, sink ResponseSink, timeout time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[upstreamID] = entry{
		agentID:      agentID,
		downstreamID: downstreamID,
		sink:         sink,
		deadline:     time.Now().Add(timeout),
	}
}

// ResolveForDownstream removes the pending entry for upstreamID,
// rewrites result's id back to the original downstream id, delivers
// it through the entry's sink, and returns the rewritten Response. It
// reports false if no entry was pending (already resolved, cancelled,
// or expired).
func (r *Registry) ResolveForDownstream(upstreamID string, result json.RawMessage) (Response, bool) {
	r.mu.Lock()
	e, ok := r.pending[upstreamID]
	if ok {
		delete(r.pending, upstreamID)
	}
	r.mu.Unlock()
	if !ok {
		return Response{}, false
	}

	resp := Response{JSONRPC: "2.0", ID: e.downstreamID, Result: result}
	_ = e.sink(resp)
	return resp, true
}

// CancelForAgent resolves every pending entry belonging to agentID
// with a synthetic rejection payload (e.g. on agent teardown).
func (r *Registry) CancelForAgent(agentID string, rejection RPCError) int {
	r.mu.Lock()
	var matched []entry
	for id, e := range r.pending {
		if e.agentID == agentID {
			matched = append(matched, e)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	for _, e := range matched {
		_ = e.sink(Response{JSONRPC: "2.0", ID: e.downstreamID, Error: &rejection})
	}
	return len(matched)
}

// ExpireTimeouts resolves every pending entry whose deadline has
// passed with the -32006 elicitation-timeout payload (spec §4.11),
// returning how many were expired.
func (r *Registry) ExpireTimeouts() int {
	now := time.Now()
	r.mu.Lock()
	var expired []entry
	for id, e := range r.pending {
		if now.After(e.deadline) {
			expired = append(expired, e)
			delete(r.pending, id)
		}
	}
	r.mu.Unlock()

	timeoutErr := atmerr.ElicitationTimeout()
	for _, e := range expired {
		_ = e.sink(Response{
			JSONRPC: "2.0",
			ID:      e.downstreamID,
			Error:   &RPCError{Code: jsonrpc.CodeElicitationTimeout, Message: timeoutErr.Message},
		})
	}
	return len(expired)
}

// Len reports the number of currently pending elicitations.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

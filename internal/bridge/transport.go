package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/atm-dev/atm/internal/bridge/codec"
)

// frameKind distinguishes a push request from a pull request on the
// wire (spec §4.14's "push/pull cycles").
type frameKind string

const (
	kindPush frameKind = "push"
	kindPull frameKind = "pull"
)

// wireRequest is the (pre-encryption) JSON payload of one bridge
// operation, encrypted as a single Noise frame (session.sendFrame).
type wireRequest struct {
	Kind        frameKind         `json:"kind"`
	Remote      string            `json:"remote"`
	Cursor      string            `json:"cursor,omitempty"`
	Compression codec.Compression `json:"compression,omitempty"`
	Data        []byte            `json:"data,omitempty"`
}

// wireResponse is the matching reply.
type wireResponse struct {
	OK          bool              `json:"ok"`
	Error       string            `json:"error,omitempty"`
	Compression codec.Compression `json:"compression,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	NextCursor  string            `json:"next_cursor,omitempty"`
}

// Transport pushes a compressed message batch to a remote, or pulls
// one back, without any awareness of cursors, circuit breakers, or
// dedupe bookkeeping — that's Syncer's job (spec §4.14).
type Transport interface {
	Push(ctx context.Context, remote string, data []byte, compression codec.Compression) error
	Pull(ctx context.Context, remote string, cursor string) (data []byte, compression codec.Compression, nextCursor string, err error)
}

// WSTransport is a Transport that dials a fresh Noise-over-WebSocket
// connection for every operation (spec §4.14 describes periodic
// push/pull cycles, not a held-open stream, so a connection per cycle
// keeps the failure/circuit-breaker model simple: one dial failure is
// one Syncer-visible failure).
type WSTransport struct {
	// URL is the remote's bridge endpoint, e.g. "wss://host:port/bridge".
	URL string
	// DialTimeout bounds connection setup + handshake for one operation.
	DialTimeout time.Duration
}

// NewWSTransport returns a WSTransport dialing url, defaulting
// DialTimeout to 15s if unset.
func NewWSTransport(url string) *WSTransport {
	return &WSTransport{URL: url, DialTimeout: 15 * time.Second}
}

func (t *WSTransport) dial(ctx context.Context) (*websocket.Conn, *session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, t.timeout())
	defer cancel()

	conn, _, err := websocket.Dial(dialCtx, t.URL, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("bridge: dial %s: %w", t.URL, err)
	}
	sess, err := handshakeInitiator(dialCtx, conn)
	if err != nil {
		_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
		return nil, nil, err
	}
	return conn, sess, nil
}

func (t *WSTransport) timeout() time.Duration {
	if t.DialTimeout <= 0 {
		return 15 * time.Second
	}
	return t.DialTimeout
}

func (t *WSTransport) roundTrip(ctx context.Context, req wireRequest) (wireResponse, error) {
	conn, sess, err := t.dial(ctx)
	if err != nil {
		return wireResponse{}, err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	reqBytes, err := json.Marshal(req)
	if err != nil {
		return wireResponse{}, fmt.Errorf("bridge: marshal request: %w", err)
	}
	if err := sess.sendFrame(ctx, conn, reqBytes); err != nil {
		return wireResponse{}, fmt.Errorf("bridge: send request: %w", err)
	}

	respBytes, err := sess.recvFrame(ctx, conn)
	if err != nil {
		return wireResponse{}, fmt.Errorf("bridge: receive response: %w", err)
	}
	var resp wireResponse
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		return wireResponse{}, fmt.Errorf("bridge: unmarshal response: %w", err)
	}
	if !resp.OK {
		return wireResponse{}, fmt.Errorf("bridge: remote rejected request: %s", resp.Error)
	}
	return resp, nil
}

// Push implements Transport.
func (t *WSTransport) Push(ctx context.Context, remote string, data []byte, compression codec.Compression) error {
	_, err := t.roundTrip(ctx, wireRequest{Kind: kindPush, Remote: remote, Data: data, Compression: compression})
	return err
}

// Pull implements Transport.
func (t *WSTransport) Pull(ctx context.Context, remote string, cursor string) ([]byte, codec.Compression, string, error) {
	resp, err := t.roundTrip(ctx, wireRequest{Kind: kindPull, Remote: remote, Cursor: cursor})
	if err != nil {
		return nil, codec.CompressionUnspecified, "", err
	}
	return resp.Data, resp.Compression, resp.NextCursor, nil
}

// ServerHooks implements the responder side of both operations against
// local state, invoked by Handler once a connection's handshake
// completes.
type ServerHooks interface {
	// ReceivePush applies an incoming compressed batch from remote.
	ReceivePush(ctx context.Context, remote string, data []byte, compression codec.Compression) error
	// ServePull returns the next compressed batch remote should receive
	// given its last cursor, and the cursor value to persist if the
	// caller accepts the batch.
	ServePull(ctx context.Context, remote string, cursor string) (data []byte, compression codec.Compression, nextCursor string, err error)
}

// Handler returns an http.Handler that accepts bridge connections from
// remote peers, performs the responder side of the Noise handshake,
// and dispatches exactly one push or pull operation per connection
// against hooks.
func Handler(hooks ServerHooks) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()

		ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
		defer cancel()

		sess, err := handshakeResponder(ctx, conn)
		if err != nil {
			_ = conn.Close(websocket.StatusProtocolError, "handshake failed")
			return
		}

		reqBytes, err := sess.recvFrame(ctx, conn)
		if err != nil {
			return
		}
		var req wireRequest
		if err := json.Unmarshal(reqBytes, &req); err != nil {
			return
		}

		resp := dispatch(ctx, hooks, req)
		respBytes, err := json.Marshal(resp)
		if err != nil {
			return
		}
		if err := sess.sendFrame(ctx, conn, respBytes); err != nil {
			return
		}
		conn.Close(websocket.StatusNormalClosure, "")
	})
}

func dispatch(ctx context.Context, hooks ServerHooks, req wireRequest) wireResponse {
	switch req.Kind {
	case kindPush:
		if err := hooks.ReceivePush(ctx, req.Remote, req.Data, req.Compression); err != nil {
			return wireResponse{OK: false, Error: err.Error()}
		}
		return wireResponse{OK: true}
	case kindPull:
		data, compression, nextCursor, err := hooks.ServePull(ctx, req.Remote, req.Cursor)
		if err != nil {
			return wireResponse{OK: false, Error: err.Error()}
		}
		return wireResponse{OK: true, Data: data, Compression: compression, NextCursor: nextCursor}
	default:
		return wireResponse{OK: false, Error: fmt.Sprintf("unknown frame kind %q", req.Kind)}
	}
}

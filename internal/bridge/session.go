// Package bridge implements cross-host inbox replication (spec §4.14):
// push/pull cycles against a configured set of remote hosts, each
// tracked by a durable cursor and circuit breaker in
// internal/bridge/store, with payloads compressed by
// internal/bridge/codec and the wire channel encrypted end-to-end
// since a bridge remote sits outside the single-OS-user trust
// boundary that lets intra-host components skip authentication
// (spec §1).
package bridge

import (
	"context"
	"fmt"

	"github.com/coder/websocket"
	"github.com/flynn/noise"
)

// frameConn is the subset of *websocket.Conn the noise handshake and
// application frames need, factored out so tests can fake it.
type frameConn interface {
	Write(ctx context.Context, typ websocket.MessageType, data []byte) error
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// session holds the two directional cipher states a completed noise
// handshake establishes: one to encrypt outgoing frames, one to
// decrypt incoming ones.
type session struct {
	send *noise.CipherState
	recv *noise.CipherState
}

func cipherSuite() noise.CipherSuite {
	return noise.NewCipherSuite(noise.DH25519, noise.CipherAESGCM, noise.HashSHA256)
}

// handshakeInitiator runs the client side of an anonymous-ephemeral
// Noise_NN handshake over conn. NN (no static keys on either side) is
// used deliberately: the bridge's threat model is "encrypt the
// cross-host channel," not "authenticate the remote's identity" — that
// authorization is a config-level concern (which remotes a team is
// configured to sync with) outside this package's scope.
func handshakeInitiator(ctx context.Context, conn frameConn) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeNN,
		Initiator:   true,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: init handshake: %w", err)
	}

	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: write handshake message 1: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, msg1); err != nil {
		return nil, fmt.Errorf("bridge: send handshake message 1: %w", err)
	}

	_, msg2, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: receive handshake message 2: %w", err)
	}
	_, cs1, cs2, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, fmt.Errorf("bridge: read handshake message 2: %w", err)
	}
	return &session{send: cs1, recv: cs2}, nil
}

// handshakeResponder runs the server side of the same Noise_NN
// handshake.
func handshakeResponder(ctx context.Context, conn frameConn) (*session, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: cipherSuite(),
		Pattern:     noise.HandshakeNN,
		Initiator:   false,
	})
	if err != nil {
		return nil, fmt.Errorf("bridge: init handshake: %w", err)
	}

	_, msg1, err := conn.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("bridge: receive handshake message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, fmt.Errorf("bridge: read handshake message 1: %w", err)
	}

	msg2, cs1, cs2, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: write handshake message 2: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageBinary, msg2); err != nil {
		return nil, fmt.Errorf("bridge: send handshake message 2: %w", err)
	}
	return &session{send: cs2, recv: cs1}, nil
}

// sendFrame encrypts plaintext and writes it as one binary websocket
// message. Each call advances the cipher's nonce, so frames must be
// sent in the same order on both ends (true by construction: this
// package only ever does one outstanding request/response per
// connection).
func (s *session) sendFrame(ctx context.Context, conn frameConn, plaintext []byte) error {
	ciphertext := s.send.Encrypt(nil, nil, plaintext)
	return conn.Write(ctx, websocket.MessageBinary, ciphertext)
}

func (s *session) recvFrame(ctx context.Context, conn frameConn) ([]byte, error) {
	_, ciphertext, err := conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return s.recv.Decrypt(nil, nil, ciphertext)
}

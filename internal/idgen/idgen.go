// Package idgen centralizes ATM's two identifier schemes: UUIDs for
// anything spec.md pins to "a UUID" (message_id, stdin-queue entry
// names), and nanoids for internal correlation ids the spec leaves
// unspecified (elicitation upstream request ids, spool file names).
package idgen

import (
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/google/uuid"
)

// NewMessageID returns a fresh UUID for spec §3.1's message_id field.
func NewMessageID() string {
	return uuid.NewString()
}

// NewStdinQueueID returns a fresh UUID for a stdin-queue entry's {uuid}
// component (spec §3.5).
func NewStdinQueueID() string {
	return uuid.NewString()
}

const correlationAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// NewCorrelationID returns a 32-character nanoid used for internal
// correlation purposes not pinned to UUID by the spec: elicitation
// upstream request ids (§4.11), spool file names (§4.2), and
// daemon-internal request ids emitted on the fire-and-forget event path.
func NewCorrelationID() string {
	id, err := gonanoid.Generate(correlationAlphabet, 32)
	if err != nil {
		// The alphabet and length are compile-time constants; Generate
		// only fails on a bad alphabet or a broken crypto/rand source.
		panic(fmt.Sprintf("idgen: generate correlation id: %v", err))
	}
	return id
}

// ValidUUID reports whether s parses as a UUID (any version).
func ValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

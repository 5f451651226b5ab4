package lifecycle

import (
	"context"

	"github.com/atm-dev/atm/internal/message"
)

// Deliver posts msg into agentID's inbox. The daemon wires this to
// internal/inbox.Append against the agent's inbox path.
type Deliver func(ctx context.Context, agentID string, msg message.Message) error

// Plugin is a daemon-side background watcher that observes some
// external state and posts synthetic messages into agent inboxes when
// it changes (e.g. a CI status flip). Run blocks until ctx is
// cancelled or an unrecoverable error occurs.
type Plugin interface {
	Name() string
	Run(ctx context.Context, deliver Deliver) error
}

package inbox

import (
	"context"
	"time"

	"github.com/atm-dev/atm/internal/message"
)

// Tail polls path at interval, invoking onMessage once for each
// message not previously seen in this call (identified by MessageID,
// or the (from, text, timestamp) tuple when absent). It runs until ctx
// is cancelled or onMessage returns an error (SPEC_FULL.md supplement
// D.4: no filesystem push notifications are assumed, matching the
// "no real-time push" non-goal).
func Tail(ctx context.Context, path string, interval time.Duration, onMessage func(message.Message) error) error {
	seen := make(map[string]struct{})
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	poll := func() error {
		msgs, err := Read(path)
		if err != nil {
			return err
		}
		for _, m := range msgs {
			k := tailKey(m)
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			if err := onMessage(m); err != nil {
				return err
			}
		}
		return nil
	}

	if err := poll(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := poll(); err != nil {
				return err
			}
		}
	}
}

func tailKey(m message.Message) string {
	if m.MessageID != "" {
		return "id:" + m.MessageID
	}
	return "tuple:" + m.From + "|" + m.Text + "|" + m.Timestamp.String()
}

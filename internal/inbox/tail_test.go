package inbox_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/inbox"
	"github.com/atm-dev/atm/internal/message"
)

func TestTail_DeliversNewMessagesOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inbox.json")
	spoolDir := filepath.Join(dir, "spool")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var delivered []string
	done := make(chan error, 1)
	go func() {
		done <- inbox.Tail(ctx, path, 5*time.Millisecond, func(m message.Message) error {
			delivered = append(delivered, m.Text)
			if len(delivered) == 2 {
				cancel()
			}
			return nil
		})
	}()

	_, err := inbox.Append(context.Background(), path, message.New("a", "first"), spoolDir)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	_, err = inbox.Append(context.Background(), path, message.New("a", "second"), spoolDir)
	require.NoError(t, err)

	<-done
	assert.Equal(t, []string{"first", "second"}, delivered)
}

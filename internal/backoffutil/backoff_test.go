package backoffutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestInboxLockIntervalShape(t *testing.T) {
	b := InboxLock()
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 8*time.Millisecond)
	assert.LessOrEqual(t, first, 12*time.Millisecond)
}

func TestLifecycleRestartIntervalShape(t *testing.T) {
	b := LifecycleRestart()
	first := b.NextBackOff()
	assert.GreaterOrEqual(t, first, 800*time.Millisecond)
	assert.LessOrEqual(t, first, 1200*time.Millisecond)
}

package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/bridge/codec"
	"github.com/atm-dev/atm/internal/bridge/store"
	"github.com/atm-dev/atm/internal/inbox"
	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/metrics"
)

// SyncedCacheCap bounds how many message ids store.MarkSynced keeps
// per remote (spec §4.14 "LRU-capped (FIFO-eviction) set").
const SyncedCacheCap = 10_000

// ProbeInterval is how long a Syncer waits before re-attempting a
// remote whose circuit is open, treating the next attempt as a
// half-open probe (spec §4.14's circuit breaker, §3's "reset on
// success").
const ProbeInterval = 1 * time.Minute

// Remote is one configured sync peer for a team: an agent's inbox on
// this host, replicated to a named remote over Transport.
type Remote struct {
	Name      string // composite key, e.g. "host1/team-a/agent-x"
	Team      string
	Agent     string
	Transport Transport
}

// Syncer runs push/pull cycles for a configured set of remotes against
// a shared Store (spec §4.14).
type Syncer struct {
	root  string
	store *store.Store

	mu        sync.Mutex
	nextProbe map[string]time.Time
}

// NewSyncer returns a Syncer rooted at root (for resolving inbox
// paths) backed by st.
func NewSyncer(root string, st *store.Store) *Syncer {
	return &Syncer{root: root, store: st, nextProbe: make(map[string]time.Time)}
}

// allowed reports whether remote.Name's circuit permits an attempt
// right now: closed or half-open always permits; open only permits
// once ProbeInterval has elapsed since the last attempt.
func (s *Syncer) allowed(ctx context.Context, remote string) (bool, error) {
	state, err := s.store.CircuitState(ctx, remote)
	if err != nil {
		return false, err
	}
	if state != store.CircuitOpen {
		return true, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	next, ok := s.nextProbe[remote]
	now := time.Now()
	if ok && now.Before(next) {
		return false, nil
	}
	s.nextProbe[remote] = now.Add(ProbeInterval)
	return true, nil
}

func (s *Syncer) recordResult(ctx context.Context, remote string, err error) {
	if err != nil {
		if _, rerr := s.store.RecordFailure(ctx, remote); rerr != nil {
			return
		}
		return
	}
	_ = s.store.RecordSuccess(ctx, remote)
}

// PushOne runs one push cycle for r: messages appended to the local
// inbox since the last recorded push cursor are batched, compressed,
// and sent. Messages already recorded as synced (e.g. from a prior
// attempt that succeeded on the remote but failed before the cursor
// update landed) are skipped so a retry can't double-deliver.
func (s *Syncer) PushOne(ctx context.Context, r Remote) error {
	ok, err := s.allowed(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("bridge: circuit check for %q: %w", r.Name, err)
	}
	if !ok {
		return nil
	}

	path := atmhome.InboxPath(s.root, r.Team, r.Agent)
	msgs, err := inbox.Read(path)
	if err != nil {
		return fmt.Errorf("bridge: read inbox for push to %q: %w", r.Name, err)
	}

	cursor, err := s.store.Cursor(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("bridge: read cursor for %q: %w", r.Name, err)
	}
	if cursor.LastPushSeq >= int64(len(msgs)) {
		return nil
	}
	pending := msgs[cursor.LastPushSeq:]

	fresh := make([]message.Message, 0, len(pending))
	for _, m := range pending {
		synced, err := s.store.WasSynced(ctx, r.Name, m.MessageID)
		if err != nil {
			return fmt.Errorf("bridge: check synced for %q: %w", r.Name, err)
		}
		if !synced {
			fresh = append(fresh, m)
		}
	}
	if len(fresh) == 0 {
		return s.store.SetCursor(ctx, r.Name, store.Cursor{LastPushSeq: int64(len(msgs)), LastPullCursor: cursor.LastPullCursor})
	}

	raw, err := inbox.Encode(fresh)
	if err != nil {
		return fmt.Errorf("bridge: encode push batch for %q: %w", r.Name, err)
	}
	compressed, compression := codec.Compress(raw)

	pushErr := r.Transport.Push(ctx, r.Name, compressed, compression)
	s.recordResult(ctx, r.Name, pushErr)
	if pushErr != nil {
		return fmt.Errorf("bridge: push to %q: %w", r.Name, pushErr)
	}

	for _, m := range fresh {
		if err := s.store.MarkSynced(ctx, r.Name, m.MessageID, SyncedCacheCap); err != nil {
			return fmt.Errorf("bridge: mark synced for %q: %w", r.Name, err)
		}
	}
	if err := s.store.SetCursor(ctx, r.Name, store.Cursor{LastPushSeq: int64(len(msgs)), LastPullCursor: cursor.LastPullCursor}); err != nil {
		return fmt.Errorf("bridge: set cursor for %q: %w", r.Name, err)
	}
	metrics.BridgeSyncedMessagesTotal.WithLabelValues(r.Name, "push").Add(float64(len(fresh)))
	return nil
}

// PullOne runs one pull cycle for r: fetches whatever batch the
// remote has past its last known pull cursor, filters out ids already
// synced (the remote may resend overlap around its own cursor), and
// appends the rest to the local inbox through the regular atomic
// append envelope (so a pulled message observes the same conflict
// rules as a locally produced one).
func (s *Syncer) PullOne(ctx context.Context, r Remote, spoolDir string) error {
	ok, err := s.allowed(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("bridge: circuit check for %q: %w", r.Name, err)
	}
	if !ok {
		return nil
	}

	cursor, err := s.store.Cursor(ctx, r.Name)
	if err != nil {
		return fmt.Errorf("bridge: read cursor for %q: %w", r.Name, err)
	}

	data, compression, nextCursor, pullErr := r.Transport.Pull(ctx, r.Name, cursor.LastPullCursor)
	s.recordResult(ctx, r.Name, pullErr)
	if pullErr != nil {
		return fmt.Errorf("bridge: pull from %q: %w", r.Name, pullErr)
	}
	if len(data) == 0 {
		return nil
	}

	raw, err := codec.Decompress(data, compression)
	if err != nil {
		return fmt.Errorf("bridge: decompress pull batch from %q: %w", r.Name, err)
	}
	msgs, err := inbox.Decode(raw)
	if err != nil {
		return fmt.Errorf("bridge: decode pull batch from %q: %w", r.Name, err)
	}

	path := atmhome.InboxPath(s.root, r.Team, r.Agent)
	applied := 0
	for _, m := range msgs {
		synced, err := s.store.WasSynced(ctx, r.Name, m.MessageID)
		if err != nil {
			return fmt.Errorf("bridge: check synced for %q: %w", r.Name, err)
		}
		if synced {
			continue
		}
		if _, err := inbox.Append(ctx, path, m, spoolDir); err != nil {
			return fmt.Errorf("bridge: apply pulled message to %q: %w", path, err)
		}
		if err := s.store.MarkSynced(ctx, r.Name, m.MessageID, SyncedCacheCap); err != nil {
			return fmt.Errorf("bridge: mark synced for %q: %w", r.Name, err)
		}
		applied++
	}

	if err := s.store.SetCursor(ctx, r.Name, store.Cursor{LastPushSeq: cursor.LastPushSeq, LastPullCursor: nextCursor}); err != nil {
		return fmt.Errorf("bridge: set cursor for %q: %w", r.Name, err)
	}
	metrics.BridgeSyncedMessagesTotal.WithLabelValues(r.Name, "pull").Add(float64(applied))
	return nil
}

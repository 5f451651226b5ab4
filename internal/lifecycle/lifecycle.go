// Package lifecycle implements process-level supervision of agent
// worker terminals (spec §4.10), layered on top of
// internal/lifecycle/ptyspawn's PTY management: health checks, bounded
// exponential-backoff restarts, and per-worker log rotation. This is
// independent of internal/agentstate's turn-level state machine — a
// worker can be supervision-state Running while its agent turn-state
// cycles through Idle/Busy many times.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/atm-dev/atm/internal/backoffutil"
)

// WorkerState is the process-level supervision state (distinct from
// agentstate.State, which tracks turn-level Idle/Busy/Killed).
type WorkerState string

const (
	Running    WorkerState = "Running"
	Crashed    WorkerState = "Crashed"
	Restarting WorkerState = "Restarting"
	WorkerIdle WorkerState = "Idle"
)

const (
	// DefaultHealthCheckInterval is how often the supervisor re-checks
	// a worker's liveness (spec §4.10).
	DefaultHealthCheckInterval = 30 * time.Second
	// DefaultMaxRestarts bounds restart attempts before giving up.
	DefaultMaxRestarts = 3
	// SustainedRunningWindow is how long a worker must stay up before
	// its restart count resets to zero.
	SustainedRunningWindow = 2 * time.Minute
	// LogRotateThreshold is the size at which a worker's log file is
	// rotated to ".log.old".
	LogRotateThreshold = 10 * 1024 * 1024
)

// WorkerRecord is one supervised worker's bookkeeping.
type WorkerRecord struct {
	State         WorkerState
	RestartCount  int
	SpawnedAt     time.Time
	LastHealthyAt time.Time
	LogPath       string

	backoff *backoff.ExponentialBackOff
}

// Spawner starts (or restarts) the underlying process for a worker ID.
// Supplied by the caller (the daemon wires this to
// internal/lifecycle/ptyspawn.Manager.StartTerminal).
type Spawner func(workerID string) error

// Supervisor tracks and restarts a set of workers.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*WorkerRecord
	spawn   Spawner

	healthCheckInterval time.Duration
	maxRestarts         int
	newBackoff          func() *backoff.ExponentialBackOff
}

// Option configures a Supervisor.
type Option func(*Supervisor)

func WithHealthCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.healthCheckInterval = d }
}
func WithMaxRestarts(n int) Option { return func(s *Supervisor) { s.maxRestarts = n } }

// WithBackoffFactory overrides the exponential backoff constructor used
// for each worker's restart delay. Defaults to
// internal/backoffutil.LifecycleRestart; tests use this to shrink the
// delay instead of waiting on real time.
func WithBackoffFactory(f func() *backoff.ExponentialBackOff) Option {
	return func(s *Supervisor) { s.newBackoff = f }
}

// New returns a Supervisor that restarts crashed workers by calling spawn.
func New(spawn Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		workers:             make(map[string]*WorkerRecord),
		spawn:               spawn,
		healthCheckInterval: DefaultHealthCheckInterval,
		maxRestarts:         DefaultMaxRestarts,
		newBackoff:          backoffutil.LifecycleRestart,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register records a freshly spawned worker as Running.
func (s *Supervisor) Register(workerID, logPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	s.workers[workerID] = &WorkerRecord{
		State:         Running,
		SpawnedAt:     now,
		LastHealthyAt: now,
		LogPath:       logPath,
		backoff:       s.newBackoff(),
	}
}

// Get returns a copy of workerID's record.
func (s *Supervisor) Get(workerID string) (WorkerRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.workers[workerID]
	if !ok {
		return WorkerRecord{}, false
	}
	return *r, true
}

// ReportHealthy marks workerID as healthy at this instant, and resets
// its restart count to zero once it's been running continuously for
// SustainedRunningWindow (spec §4.10: "reset to zero on a sustained-
// running window").
func (s *Supervisor) ReportHealthy(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.workers[workerID]
	if !ok {
		return
	}
	now := time.Now().UTC()
	r.LastHealthyAt = now
	r.State = Running
	if r.RestartCount > 0 && now.Sub(r.SpawnedAt) >= SustainedRunningWindow {
		r.RestartCount = 0
		r.backoff.Reset()
	}
}

// ReportCrashed marks workerID as crashed and attempts a bounded,
// exponentially-backed-off restart. If the restart budget is
// exhausted, the worker is left in Crashed and the caller is
// responsible for any further escalation (e.g. notifying subscribers
// via internal/pubsub).
func (s *Supervisor) ReportCrashed(ctx context.Context, workerID string) error {
	s.mu.Lock()
	r, ok := s.workers[workerID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("lifecycle: unknown worker %q", workerID)
	}
	r.State = Crashed
	if r.RestartCount >= s.maxRestarts {
		s.mu.Unlock()
		slog.Warn("worker exhausted restart budget", "worker_id", workerID, "restarts", r.RestartCount)
		return fmt.Errorf("lifecycle: worker %q exhausted restart budget (%d)", workerID, s.maxRestarts)
	}
	r.RestartCount++
	r.State = Restarting
	delay := r.backoff.NextBackOff()
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(delay):
	}

	if err := s.spawn(workerID); err != nil {
		return fmt.Errorf("lifecycle: restart worker %q: %w", workerID, err)
	}

	s.mu.Lock()
	r.State = Running
	r.SpawnedAt = time.Now().UTC()
	r.LastHealthyAt = r.SpawnedAt
	s.mu.Unlock()
	return nil
}

// RunHealthChecks starts a loop that, every healthCheckInterval, calls
// isAlive for each registered worker and reports a crash if it
// returns false. It blocks until ctx is cancelled.
func (s *Supervisor) RunHealthChecks(ctx context.Context, isAlive func(workerID string) bool) {
	ticker := time.NewTicker(s.healthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			ids := make([]string, 0, len(s.workers))
			for id, r := range s.workers {
				if r.State == Running {
					ids = append(ids, id)
				}
			}
			s.mu.Unlock()

			for _, id := range ids {
				if isAlive(id) {
					s.ReportHealthy(id)
					continue
				}
				if err := s.ReportCrashed(ctx, id); err != nil {
					slog.Warn("worker restart failed", "worker_id", id, "error", err)
				}
			}
		}
	}
}

// RotateLogIfNeeded renames path to path+".old" and lets the caller
// recreate a fresh file, once path exceeds LogRotateThreshold (spec
// §4.10).
func RotateLogIfNeeded(path string) (rotated bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("lifecycle: stat %s: %w", path, err)
	}
	if info.Size() < LogRotateThreshold {
		return false, nil
	}
	if err := os.Rename(path, path+".old"); err != nil {
		return false, fmt.Errorf("lifecycle: rotate %s: %w", path, err)
	}
	return true, nil
}

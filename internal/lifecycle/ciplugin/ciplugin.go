// Package ciplugin implements the CI status watcher plugin
// (SPEC_FULL.md §D.2): a lifecycle.Plugin that polls a CiProvider for
// run status and posts a synthetic message into a target agent's
// inbox whenever a tracked run's conclusion changes. The real
// GitHub-backed provider is left as an extension point — only the
// polling/dedup/delivery machinery and a mock provider are built here.
package ciplugin

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/atm-dev/atm/internal/lifecycle"
	"github.com/atm-dev/atm/internal/message"
)

// RunStatus is a CI run's lifecycle status.
type RunStatus string

const (
	StatusQueued     RunStatus = "queued"
	StatusInProgress RunStatus = "in_progress"
	StatusCompleted  RunStatus = "completed"
)

// RunConclusion is set once a run reaches StatusCompleted.
type RunConclusion string

const (
	ConclusionSuccess RunConclusion = "success"
	ConclusionFailure RunConclusion = "failure"
	ConclusionNone    RunConclusion = ""
)

// Run is one CI run as reported by a Provider.
type Run struct {
	ID         uint64
	Name       string
	Branch     string
	Status     RunStatus
	Conclusion RunConclusion
	URL        string
}

// Filter narrows ListRuns to runs matching a branch, when set.
type Filter struct {
	Branch string
}

// Provider abstracts a CI backend (GitHub Actions, etc). Only the
// mock implementation in this package is wired end to end; a real
// HTTP-polling provider is a documented extension point.
type Provider interface {
	ListRuns(ctx context.Context, filter Filter) ([]Run, error)
	Name() string
}

// Watcher is a lifecycle.Plugin that polls provider on interval and
// posts a message to targetAgent's inbox whenever a run transitions
// into StatusCompleted with a conclusion this watcher hasn't already
// reported.
type Watcher struct {
	provider    Provider
	targetAgent string
	branch      string
	interval    time.Duration

	mu       sync.Mutex
	reported map[uint64]RunConclusion
}

// New returns a Watcher polling provider every interval for branch,
// delivering status-change messages to targetAgent.
func New(provider Provider, targetAgent, branch string, interval time.Duration) *Watcher {
	return &Watcher{
		provider:    provider,
		targetAgent: targetAgent,
		branch:      branch,
		interval:    interval,
		reported:    make(map[uint64]RunConclusion),
	}
}

func (w *Watcher) Name() string { return "ci_monitor:" + w.provider.Name() }

// Run implements lifecycle.Plugin. It polls until ctx is cancelled or
// the provider returns a non-context error, in which case Run returns
// that error to the caller (who decides whether to restart it, e.g.
// via internal/lifecycle.Supervisor).
func (w *Watcher) Run(ctx context.Context, deliver lifecycle.Deliver) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	if err := w.poll(ctx, deliver); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := w.poll(ctx, deliver); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) poll(ctx context.Context, deliver lifecycle.Deliver) error {
	runs, err := w.provider.ListRuns(ctx, Filter{Branch: w.branch})
	if err != nil {
		return fmt.Errorf("ciplugin: list runs: %w", err)
	}

	for _, run := range runs {
		if run.Status != StatusCompleted {
			continue
		}
		if w.alreadyReported(run) {
			continue
		}
		if err := deliver(ctx, w.targetAgent, statusMessage(w.provider.Name(), run)); err != nil {
			return fmt.Errorf("ciplugin: deliver: %w", err)
		}
		w.markReported(run)
	}
	return nil
}

func (w *Watcher) alreadyReported(run Run) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	reported, ok := w.reported[run.ID]
	return ok && reported == run.Conclusion
}

func (w *Watcher) markReported(run Run) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.reported[run.ID] = run.Conclusion
}

func statusMessage(providerName string, run Run) message.Message {
	verdict := "succeeded"
	if run.Conclusion == ConclusionFailure {
		verdict = "failed"
	}
	text := fmt.Sprintf("CI run %q on %s %s (%s): %s", run.Name, run.Branch, verdict, providerName, run.URL)
	return message.New("ci_monitor", text)
}

// Package daemon wires every daemon-owned component — the agent state
// tracker, pub/sub registry, dedupe store, roster, event log, identity
// locks, process supervisor, and bridge syncer — into one control
// socket server (spec §4.13) and runs their background loops under a
// single cancellation token (spec §5 "every long-running loop honours
// a cancellation token"), mirroring the teacher's hub/server.go
// top-level Server.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/atm-dev/atm/internal/agentstate"
	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/bridge"
	bridgestore "github.com/atm-dev/atm/internal/bridge/store"
	"github.com/atm-dev/atm/internal/controlsocket"
	"github.com/atm-dev/atm/internal/dedupe"
	"github.com/atm-dev/atm/internal/eventlog"
	"github.com/atm-dev/atm/internal/inbox"
	"github.com/atm-dev/atm/internal/lifecycle"
	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/pubsub"
	"github.com/atm-dev/atm/internal/roster"
	"github.com/atm-dev/atm/internal/spool"
)

const (
	// DefaultDedupeTTL is how long a control.stdin/control.interrupt
	// request id stays in the dedupe store: a day, far longer than the
	// sent_at skew window (controlsocket.SentAtSkew).
	DefaultDedupeTTL      = 24 * time.Hour
	DefaultDedupeCapacity = 10_000

	DefaultSubscriptionTTL = 30 * time.Minute
	DefaultSubscriptionCap = 50

	// DefaultKilledSweepAge bounds how long a Killed agent record stays
	// queryable before the state-tracker sweeper reclaims it.
	DefaultKilledSweepAge      = 1 * time.Hour
	DefaultSweepInterval       = 5 * time.Minute
	DefaultBridgeSyncInterval  = 30 * time.Second

	// DefaultSpoolMaxAge bounds how long a spooled message survives
	// without being drained before the periodic sweep GCs it.
	DefaultSpoolMaxAge = 24 * time.Hour
)

// Config configures a Server. Root is the ATM home (spec §6.1); the
// zero value of every other field falls back to a sensible default.
type Config struct {
	Root   string
	Logger *slog.Logger

	DedupeTTL      time.Duration
	DedupeCapacity int

	SubscriptionTTL time.Duration
	SubscriptionCap int

	KilledSweepAge time.Duration
	SweepInterval  time.Duration
	SpoolMaxAge    time.Duration

	EventVerbosity eventlog.Verbosity

	// Supervisor, if set, is registered against on every "spawn" hook
	// event and driven by a health-check loop. The daemon never
	// constructs a Spawner itself — the caller wires it to
	// internal/lifecycle/ptyspawn (local backend) or a plugin.
	Supervisor *lifecycle.Supervisor

	// IsAlive overrides the health-check loop's liveness probe for a
	// worker ID. Defaults to consulting Supervisor's own bookkeeping
	// when nil; a caller wiring a real process backend (e.g.
	// ptyspawn.Manager) should supply one that checks the actual
	// process instead.
	IsAlive func(workerID string) bool

	// Remotes configures the bridge syncer's push/pull targets (spec
	// §4.14). Empty disables bridge sync entirely.
	Remotes           []bridge.Remote
	BridgeSyncInterval time.Duration

	// Plugins runs each background watcher (e.g.
	// internal/lifecycle/ciplugin.Watcher) for the life of the daemon,
	// delivering into its target team's inboxes (SPEC_FULL.md §D.2).
	// Empty runs none.
	Plugins []PluginConfig
}

// PluginConfig pairs a lifecycle.Plugin with the team its deliveries
// land in — a plugin only ever targets one team's roster.
type PluginConfig struct {
	Team   string
	Plugin lifecycle.Plugin
}

func (c Config) withDefaults() Config {
	if c.DedupeTTL <= 0 {
		c.DedupeTTL = DefaultDedupeTTL
	}
	if c.DedupeCapacity <= 0 {
		c.DedupeCapacity = DefaultDedupeCapacity
	}
	if c.SubscriptionTTL <= 0 {
		c.SubscriptionTTL = DefaultSubscriptionTTL
	}
	if c.SubscriptionCap <= 0 {
		c.SubscriptionCap = DefaultSubscriptionCap
	}
	if c.KilledSweepAge <= 0 {
		c.KilledSweepAge = DefaultKilledSweepAge
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.SpoolMaxAge <= 0 {
		c.SpoolMaxAge = DefaultSpoolMaxAge
	}
	if c.BridgeSyncInterval <= 0 {
		c.BridgeSyncInterval = DefaultBridgeSyncInterval
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Server is the running daemon's full in-process state, one per host
// (spec §1's single-daemon-per-host orchestration core).
type Server struct {
	cfg Config
	log *slog.Logger

	agents  *agentstate.Tracker
	subs    *pubsub.Registry
	dedupe  *dedupe.Store
	roster  *roster.Roster
	events  *eventlog.Sink
	bridge  *bridge.Syncer
	control *controlsocket.Server

	closeDB func() error
}

// NewServer builds a Server rooted at cfg.Root, opening (and
// migrating, where applicable) its durable backing stores. Callers
// own cfg.Supervisor's lifetime and Spawner wiring.
func NewServer(cfg Config) (*Server, error) {
	cfg = cfg.withDefaults()
	if cfg.Root == "" {
		return nil, fmt.Errorf("daemon: Root is required")
	}

	if err := atmhome.EnsureDir(atmhome.BridgeStoreDir(cfg.Root)); err != nil {
		return nil, fmt.Errorf("daemon: ensure bridge dir: %w", err)
	}

	dedupeStore, err := dedupe.Open(atmhome.DedupeLogPath(cfg.Root), cfg.DedupeTTL, cfg.DedupeCapacity)
	if err != nil {
		return nil, fmt.Errorf("daemon: open dedupe store: %w", err)
	}

	db, err := bridgestore.Open(atmhome.BridgeDBPath(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("daemon: open bridge store: %w", err)
	}
	if err := bridgestore.Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("daemon: migrate bridge store: %w", err)
	}
	bridgeStore := bridgestore.New(db)

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger,
		agents:  agentstate.New(),
		subs:    pubsub.New(cfg.SubscriptionTTL, cfg.SubscriptionCap),
		dedupe:  dedupeStore,
		roster:  roster.New(),
		events:  eventlog.New(atmhome.EventLogPath(cfg.Root), eventlog.WithVerbosity(cfg.EventVerbosity)),
		bridge:  bridge.NewSyncer(cfg.Root, bridgeStore),
		closeDB: db.Close,
	}

	s.control = controlsocket.New(dedupeStore, cfg.Logger)
	s.registerHandlers()
	return s, nil
}

// Dispatch runs req against the registered handler table directly,
// bypassing socket framing — used by an in-process client (e.g.
// atm-mcp's LifecycleEmitter, when co-located in the same process) and
// by tests.
func (s *Server) Dispatch(ctx context.Context, req controlsocket.Request) controlsocket.Response {
	return s.control.Dispatch(ctx, req)
}

// Serve binds the control socket and runs until ctx is cancelled:
// accepting connections, sweeping killed-agent records and expired
// dedupe/subscription entries on cfg.SweepInterval, running the
// supervisor's health checks (if configured), and cycling bridge sync
// for every configured remote. It returns once every background loop
// and the socket listener have stopped.
func (s *Server) Serve(ctx context.Context) error {
	sockPath := atmhome.DaemonSocketPath(s.cfg.Root)
	if err := atmhome.EnsureDir(filepath.Dir(sockPath)); err != nil {
		return fmt.Errorf("daemon: ensure socket dir: %w", err)
	}
	ln, err := controlsocket.Listen(sockPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", sockPath, err)
	}

	if n, err := bridge.SweepTemp(atmhome.BridgeStoreDir(s.cfg.Root)); err != nil {
		s.log.Warn("daemon: sweep bridge temp files", "error", err)
	} else if n > 0 {
		s.log.Info("daemon: swept stale bridge temp files", "count", n)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.control.Serve(ctx, ln) }()

	go s.sweepLoop(ctx)
	if s.cfg.Supervisor != nil {
		isAlive := s.cfg.IsAlive
		if isAlive == nil {
			isAlive = func(workerID string) bool {
				rec, ok := s.cfg.Supervisor.Get(workerID)
				return ok && rec.State == lifecycle.Running
			}
		}
		go s.cfg.Supervisor.RunHealthChecks(ctx, isAlive)
	}
	if len(s.cfg.Remotes) > 0 {
		go s.bridgeSyncLoop(ctx)
	}
	for _, p := range s.cfg.Plugins {
		go s.runPlugin(ctx, p)
	}

	err = <-errCh
	_ = s.closeDB()
	return err
}

func (s *Server) sweepLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := s.agents.SweepKilled(s.cfg.KilledSweepAge); n > 0 {
				s.log.Debug("daemon: swept killed agent records", "count", n)
			}
			if n := s.subs.GC(); n > 0 {
				s.log.Debug("daemon: swept expired subscriptions", "count", n)
			}
			if err := s.dedupe.CleanupExpired(); err != nil {
				s.log.Warn("daemon: cleanup dedupe store", "error", err)
			}
			s.sweepSpools()
		}
	}
}

// sweepSpools walks every team/agent spool directory, draining each
// back into its inbox and garbage-collecting whatever a drain leaves
// behind past cfg.SpoolMaxAge. This is the "periodically by the
// daemon" half of spec §4.2's drain contract; the other half, the
// opportunistic attempt at next send time, lives in
// internal/inbox.Append.
func (s *Server) sweepSpools() {
	root := atmhome.SpoolRootDir(s.cfg.Root)
	teams, err := os.ReadDir(root)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn("daemon: list spool root", "error", err)
		}
		return
	}
	for _, team := range teams {
		if !team.IsDir() {
			continue
		}
		teamDir := filepath.Join(root, team.Name())
		agents, err := os.ReadDir(teamDir)
		if err != nil {
			s.log.Warn("daemon: list team spool dir", "team", team.Name(), "error", err)
			continue
		}
		for _, agent := range agents {
			if agent.IsDir() {
				s.drainAgentSpool(team.Name(), agent.Name())
			}
		}
	}
}

func (s *Server) drainAgentSpool(team, agent string) {
	spoolDir := atmhome.SpoolDir(s.cfg.Root, team, agent)
	inboxPath := atmhome.InboxPath(s.cfg.Root, team, agent)

	n, err := spool.Drain(spoolDir, func(msg message.Message) error {
		_, err := inbox.Append(context.Background(), inboxPath, msg, spoolDir)
		return err
	})
	if err != nil {
		s.log.Warn("daemon: drain spool", "team", team, "agent", agent, "error", err)
	} else if n > 0 {
		s.log.Debug("daemon: drained spooled messages", "team", team, "agent", agent, "count", n)
	}

	if removed, err := spool.GC(spoolDir, s.cfg.SpoolMaxAge); err != nil {
		s.log.Warn("daemon: gc spool", "team", team, "agent", agent, "error", err)
	} else if removed > 0 {
		s.log.Debug("daemon: gc'd stale spool entries", "team", team, "agent", agent, "count", removed)
	}
}

// runPlugin drives p.Plugin until ctx is cancelled, delivering into
// p.Team's inboxes via the same lock/spool envelope a direct send
// uses. Run returning an error other than context cancellation means
// the plugin's backing source (e.g. a CI provider) gave up; that's
// logged, not restarted — a deployment wanting restart-with-backoff
// can register the plugin with lifecycle.Supervisor instead.
func (s *Server) runPlugin(ctx context.Context, p PluginConfig) {
	spoolDir := atmhome.SpoolDir(s.cfg.Root, p.Team, "plugin-"+p.Plugin.Name())
	deliver := func(ctx context.Context, agentID string, msg message.Message) error {
		inboxPath := atmhome.InboxPath(s.cfg.Root, p.Team, agentID)
		_, err := inbox.Append(ctx, inboxPath, msg, spoolDir)
		return err
	}
	if err := p.Plugin.Run(ctx, deliver); err != nil && ctx.Err() == nil {
		s.log.Warn("daemon: plugin stopped", "plugin", p.Plugin.Name(), "team", p.Team, "error", err)
	}
}

func (s *Server) bridgeSyncLoop(ctx context.Context) {
	t := time.NewTicker(s.cfg.BridgeSyncInterval)
	defer t.Stop()
	spoolDir := atmhome.SpoolDir(s.cfg.Root, "bridge", "incoming")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			for _, r := range s.cfg.Remotes {
				if err := s.bridge.PushOne(ctx, r); err != nil {
					s.log.Warn("daemon: bridge push", "remote", r.Name, "error", err)
				}
				if err := s.bridge.PullOne(ctx, r, spoolDir); err != nil {
					s.log.Warn("daemon: bridge pull", "remote", r.Name, "error", err)
				}
			}
		}
	}
}

// Command atmd runs the ATM daemon: the control socket server that
// owns agent lifecycle state, pub/sub subscriptions, request dedupe,
// roster membership tracking, and bridge sync (spec §4.13).
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/config"
	"github.com/atm-dev/atm/internal/daemon"
	"github.com/atm-dev/atm/internal/eventlog"
	"github.com/atm-dev/atm/internal/lifecycle"
	terminal "github.com/atm-dev/atm/internal/lifecycle/ptyspawn"
	"github.com/atm-dev/atm/internal/logging"
	"github.com/atm-dev/atm/internal/metrics"
)

var version = "dev"

func main() {
	logging.Setup()
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet("atmd", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	metricsAddr := fs.String("metrics-addr", "", "address to serve /metrics on (empty disables)")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	settings, err := config.Load(*root, nil)
	if err != nil {
		return fmt.Errorf("atmd: load config: %w", err)
	}
	if lvl, err := logging.ParseLevel(settings.LogLevel); err == nil {
		logging.SetLevel(lvl)
	}

	ptyMgr := terminal.NewManager()
	supervisor := lifecycle.New(localSpawner(ptyMgr, *root))

	cfg := daemon.Config{
		Root:            *root,
		Logger:          logging.Component("atmd"),
		DedupeTTL:       settings.DedupeTTL,
		DedupeCapacity:  settings.DedupeCapacity,
		SubscriptionTTL: settings.SubscriptionTTL,
		SubscriptionCap: settings.SubscriptionCap,
		KilledSweepAge:  settings.KilledSweepAge,
		SweepInterval:   settings.SweepInterval,
		EventVerbosity:  parseVerbosity(settings.EventVerbosity),
		Supervisor:      supervisor,
		IsAlive: func(workerID string) bool {
			return ptyMgr.HasTerminal(workerID) && !ptyMgr.IsExited(workerID)
		},
		// Plugins is left empty here: the only Provider this tree ships is
		// ciplugin's test-only mock. A deployment with a real CI backend
		// wires daemon.PluginConfig{Team: ..., Plugin: ciplugin.New(realProvider, ...)}.
	}

	server, err := daemon.NewServer(cfg)
	if err != nil {
		return fmt.Errorf("atmd: build server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	defer ptyMgr.StopAll()

	if *metricsAddr != "" {
		go serveMetrics(ctx, *metricsAddr)
	}

	slog.Info("atmd starting", "root", *root, "socket", atmhome.DaemonSocketPath(*root))
	return server.Serve(ctx)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: metrics.HTTPMiddleware(mux)}

	go func() {
		<-ctx.Done()
		_ = srv.Close()
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Warn("metrics server stopped", "error", err)
	}
}

// localSpawner wires the lifecycle Supervisor to the in-process
// ptyspawn terminal backend: a restart runs workerID (an agent ID) as
// a fresh shell under root, replacing whatever terminal previously
// held that ID. This is the "local backend" alternative to a plugin
// Spawner (spec §4.10) — a deployment that spawns agents through some
// other process manager supplies its own Spawner instead of calling
// this one.
func localSpawner(mgr *terminal.Manager, root string) lifecycle.Spawner {
	return func(workerID string) error {
		mgr.RemoveTerminal(workerID)
		return mgr.StartTerminal(terminal.Options{
			ID:         workerID,
			WorkingDir: root,
		}, func([]byte) {}, func(terminalID string, exitCode int) {
			slog.Warn("supervised worker exited", "worker_id", terminalID, "exit_code", exitCode)
		})
	}
}

func parseVerbosity(s string) eventlog.Verbosity {
	switch s {
	case "full":
		return eventlog.VerbosityFull
	case "truncated":
		return eventlog.VerbosityTruncated
	default:
		return eventlog.VerbosityNone
	}
}

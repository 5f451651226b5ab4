// Command atm-mcp is the MCP proxy session core (spec §4.12): it sits
// between an upstream MCP client speaking NDJSON over stdio and a
// spawned `claude` child process, handling the ATM tool set locally
// and forwarding everything else transparently in both directions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/atm-dev/atm/internal/atmerr"
	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/controlsocket"
	"github.com/atm-dev/atm/internal/elicitation"
	"github.com/atm-dev/atm/internal/eventlog"
	"github.com/atm-dev/atm/internal/identitylock"
	"github.com/atm-dev/atm/internal/idgen"
	"github.com/atm-dev/atm/internal/logging"
	"github.com/atm-dev/atm/internal/proxy"
	"github.com/atm-dev/atm/internal/proxy/childproc"
	"github.com/atm-dev/atm/internal/pubsub"
)

func main() {
	logging.Setup()
	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	fs := flag.NewFlagSet("atm-mcp", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	agentID := fs.String("agent-id", "", "agent id (process/pane identity)")
	identity := fs.String("identity", os.Getenv("ATM_IDENTITY"), "roster identity this session acts as")
	model := fs.String("model", "sonnet", "model alias passed to the child process")
	effort := fs.String("effort", "", "reasoning effort passed to the child process")
	resume := fs.String("resume-session-id", "", "resume a prior claude session")
	permMode := fs.String("permission-mode", "default", "permission mode set on startup")
	_ = fs.Parse(os.Args[1:])

	if *team == "" || *agentID == "" || *identity == "" {
		return fmt.Errorf("atm-mcp: -team, -agent-id and -identity are required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := logging.Component("atm_mcp")
	client := controlsocket.NewClient(atmhome.DaemonSocketPath(*root))

	var sess *proxy.Session
	var toUpstreamMu sync.Mutex
	toUpstream := func(line []byte) error {
		toUpstreamMu.Lock()
		defer toUpstreamMu.Unlock()
		_, err := os.Stdout.Write(append(line, '\n'))
		return err
	}

	// sess is nil until proxy.Open below returns; the child can't
	// produce output until it's fed input, which only happens once
	// HandleUpstream starts forwarding lines, so this ordering is safe.
	childAgent, err := childproc.Start(ctx, childproc.Options{
		AgentID:         *agentID,
		Model:           *model,
		Effort:          *effort,
		WorkingDir:      mustWd(),
		ResumeSessionID: *resume,
		PermissionMode:  *permMode,
	}, func(line []byte) {
		if sess == nil {
			return
		}
		if err := sess.HandleChild(ctx, line); err != nil {
			log.Warn("atm-mcp: handle child output", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("atm-mcp: start child: %w", err)
	}
	defer childAgent.Stop()

	deps := proxy.Deps{Root: *root, Team: *team, Pub: pubsub.New(time.Hour, 1)}
	handlers := proxy.DefaultHandlers(deps)
	handlers[proxy.ToolSubscribe] = remoteSubscribeHandler(client)

	cfg := proxy.Config{
		Team:               *team,
		AgentID:            *agentID,
		ConfiguredIdentity: *identity,
		IdentityLockPath:   atmhome.IdentityLockPath(*root, *team, *identity),
		Locks:              identitylock.New(),
		Elicit:             elicitation.New(),
		Audit:              eventlog.New(atmhome.EventLogPath(*root)),
		Lifecycle:          remoteLifecycleEmitter(client, *team),
		ToUpstream:         toUpstream,
		ToChild:            childAgent.SendRawInput,
		Handlers:           handlers,
	}

	sess, err = proxy.Open(ctx, cfg)
	if err != nil {
		return fmt.Errorf("atm-mcp: open session: %w", err)
	}
	defer sess.Close(context.Background())

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := append([]byte(nil), scanner.Bytes()...)
		if err := sess.HandleUpstream(ctx, line); err != nil {
			log.Warn("atm-mcp: handle upstream line", "error", err)
		}
	}
	return scanner.Err()
}

func mustWd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// remoteLifecycleEmitter reports session open/close as a hook-event
// to the daemon's control socket (spec §4.13), tagged with source
// atm_mcp in the payload ("session_open"/"session_close" never match a
// turn-state transition, so the daemon just logs them).
func remoteLifecycleEmitter(client *controlsocket.Client, team string) proxy.LifecycleEmitter {
	return func(ctx context.Context, agentID, event string) error {
		payload, err := json.Marshal(map[string]string{
			"team": team, "agent_id": agentID, "event": event, "source": "atm_mcp",
		})
		if err != nil {
			return err
		}
		resp, err := client.Send(ctx, controlsocket.Request{
			RequestID: idgen.NewCorrelationID(),
			Command:   controlsocket.CmdHookEvent,
			Payload:   payload,
		})
		if err != nil {
			return err
		}
		if !resp.OK {
			return fmt.Errorf("hook-event %s rejected: %s", event, resp.Error.Message)
		}
		return nil
	}
}

// remoteSubscribeHandler replaces tools.go's in-process
// pubsub.Registry-backed default: subscriptions are daemon state (the
// only process that sees every agent's transitions), so atm_subscribe
// has to cross the control socket rather than register against a
// registry local to this proxy process.
func remoteSubscribeHandler(client *controlsocket.Client) proxy.ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		var args struct {
			Agent  string   `json:"agent"`
			Events []string `json:"events"`
		}
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("atm_subscribe: invalid arguments: %w", err)
		}
		payload, err := json.Marshal(map[string]any{
			"subscriber": identity, "agent": args.Agent, "events": args.Events,
		})
		if err != nil {
			return nil, err
		}
		resp, err := client.Send(ctx, controlsocket.Request{
			RequestID: idgen.NewCorrelationID(),
			Command:   controlsocket.CmdSubscribe,
			Payload:   payload,
		})
		if err != nil {
			return nil, atmerr.Wrap(atmerr.CodeTimeout, "subscribe via daemon", err)
		}
		if !resp.OK {
			return nil, fmt.Errorf("atm_subscribe: %s", resp.Error.Message)
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
}

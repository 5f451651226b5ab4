// Command atm is the operator/agent-facing CLI (spec §8.2's manual
// test scenarios): send, read, and broadcast drive the inbox store
// directly so they work with no daemon running; list-agents, state,
// stdin and interrupt go through the daemon's control socket since
// that state is daemon-owned.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/controlsocket"
	"github.com/atm-dev/atm/internal/idgen"
	"github.com/atm-dev/atm/internal/inbox"
	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/roster"
)

const tailPollInterval = 2 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "atm:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		return usageError()
	}
	switch args[0] {
	case "send":
		return cmdSend(args[1:])
	case "read":
		return cmdRead(args[1:])
	case "broadcast":
		return cmdBroadcast(args[1:])
	case "list-agents":
		return cmdListAgents(args[1:])
	case "state":
		return cmdAgentState(args[1:])
	case "stdin":
		return cmdControlStdin(args[1:])
	case "interrupt":
		return cmdControlInterrupt(args[1:])
	case "backup":
		return cmdBackup(args[1:])
	case "restore":
		return cmdRestore(args[1:])
	case "tail":
		return cmdTail(args[1:])
	default:
		return usageError()
	}
}

func usageError() error {
	fmt.Fprintln(os.Stderr, "usage: atm <send|read|broadcast|list-agents|state|stdin|interrupt|backup|restore|tail> [flags]")
	return fmt.Errorf("no command given")
}

func cmdSend(args []string) error {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	from := fs.String("from", "", "sender identity")
	to := fs.String("to", "", "recipient identity")
	text := fs.String("text", "", "message body")
	filePath := fs.String("file", "", "local file the message refers to; staged into the team share dir if it lives outside the current repo")
	_ = fs.Parse(args)

	if *team == "" || *from == "" || *to == "" || *text == "" {
		return fmt.Errorf("send: -team, -from, -to and -text are required")
	}
	if err := message.Validate(*text); err != nil {
		return err
	}
	body := *text
	if *filePath != "" {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		rewritten, _, err := message.StageFileReference(*filePath, body, *team, cwd, atmhome.ShareDir(*root, *team))
		if err != nil {
			return fmt.Errorf("send: stage file reference: %w", err)
		}
		body = rewritten
	}
	msg := message.New(*from, body)
	res, err := inbox.Append(context.Background(), atmhome.InboxPath(*root, *team, *to), msg, atmhome.SpoolDir(*root, *team, *to))
	if err != nil {
		return err
	}
	fmt.Println(outcomeName(res.Outcome))
	return nil
}

func cmdRead(args []string) error {
	fs := flag.NewFlagSet("read", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	identity := fs.String("identity", "", "inbox owner")
	unreadOnly := fs.Bool("unread-only", false, "show only unread messages")
	_ = fs.Parse(args)

	if *team == "" || *identity == "" {
		return fmt.Errorf("read: -team and -identity are required")
	}
	msgs, err := inbox.Read(atmhome.InboxPath(*root, *team, *identity))
	if err != nil {
		return err
	}
	if *unreadOnly {
		filtered := msgs[:0]
		for _, m := range msgs {
			if !m.Read {
				filtered = append(filtered, m)
			}
		}
		msgs = filtered
	}
	return printJSON(msgs)
}

func cmdBroadcast(args []string) error {
	fs := flag.NewFlagSet("broadcast", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	from := fs.String("from", "", "sender identity")
	text := fs.String("text", "", "message body")
	_ = fs.Parse(args)

	if *team == "" || *from == "" || *text == "" {
		return fmt.Errorf("broadcast: -team, -from and -text are required")
	}
	if err := message.Validate(*text); err != nil {
		return err
	}

	members, err := roster.ListMembers(atmhome.TeamConfigPath(*root, *team), "")
	if err != nil {
		return err
	}
	msg := message.New(*from, *text)
	var delivered, failed []string
	for _, m := range members {
		if m.Name == *from {
			continue
		}
		if _, err := inbox.Append(context.Background(), atmhome.InboxPath(*root, *team, m.Name), msg, atmhome.SpoolDir(*root, *team, m.Name)); err != nil {
			failed = append(failed, m.Name)
			continue
		}
		delivered = append(delivered, m.Name)
	}
	return printJSON(map[string][]string{"delivered": delivered, "failed": failed})
}

func cmdListAgents(args []string) error {
	fs := flag.NewFlagSet("list-agents", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name (informational; the daemon tracks all live agents)")
	_ = fs.Parse(args)

	resp, err := send(*root, controlsocket.CmdListAgents, map[string]any{"team": *team})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func cmdAgentState(args []string) error {
	fs := flag.NewFlagSet("state", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	agentID := fs.String("agent-id", "", "agent id")
	_ = fs.Parse(args)

	if *agentID == "" {
		return fmt.Errorf("state: -agent-id is required")
	}
	resp, err := send(*root, controlsocket.CmdAgentState, map[string]any{"team": *team, "agent_id": *agentID})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func cmdControlStdin(args []string) error {
	fs := flag.NewFlagSet("stdin", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	agentID := fs.String("agent-id", "", "agent id")
	sessionID := fs.String("session-id", "", "idempotency session id")
	text := fs.String("text", "", "text to enqueue on the agent's stdin")
	_ = fs.Parse(args)

	if *team == "" || *agentID == "" || *text == "" {
		return fmt.Errorf("stdin: -team, -agent-id and -text are required")
	}
	if *sessionID == "" {
		*sessionID = idgen.NewCorrelationID()
	}
	resp, err := send(*root, controlsocket.CmdControlStdin, map[string]any{
		"team": *team, "agent_id": *agentID, "session_id": *sessionID,
		"sent_at": time.Now().UTC().Format(time.RFC3339), "text": *text,
	})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func cmdControlInterrupt(args []string) error {
	fs := flag.NewFlagSet("interrupt", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	agentID := fs.String("agent-id", "", "agent id")
	sessionID := fs.String("session-id", "", "idempotency session id")
	_ = fs.Parse(args)

	if *team == "" || *agentID == "" {
		return fmt.Errorf("interrupt: -team and -agent-id are required")
	}
	if *sessionID == "" {
		*sessionID = idgen.NewCorrelationID()
	}
	resp, err := send(*root, controlsocket.CmdControlInterrupt, map[string]any{
		"team": *team, "agent_id": *agentID, "session_id": *sessionID,
		"sent_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func cmdBackup(args []string) error {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	_ = fs.Parse(args)

	if *team == "" {
		return fmt.Errorf("backup: -team is required")
	}
	timestamp, err := roster.Backup(*root, *team)
	if err != nil {
		return err
	}
	return printJSON(map[string]string{"timestamp": timestamp})
}

func cmdRestore(args []string) error {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	timestamp := fs.String("timestamp", "", "backup timestamp, as printed by atm backup")
	_ = fs.Parse(args)

	if *team == "" || *timestamp == "" {
		return fmt.Errorf("restore: -team and -timestamp are required")
	}
	return roster.Restore(*root, *team, *timestamp)
}

func cmdTail(args []string) error {
	fs := flag.NewFlagSet("tail", flag.ExitOnError)
	root := fs.String("root", atmhome.MustRoot(), "ATM home directory")
	team := fs.String("team", "", "team name")
	identity := fs.String("identity", "", "inbox owner")
	_ = fs.Parse(args)

	if *team == "" || *identity == "" {
		return fmt.Errorf("tail: -team and -identity are required")
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	path := atmhome.InboxPath(*root, *team, *identity)
	err := inbox.Tail(ctx, path, tailPollInterval, func(m message.Message) error {
		out, err := json.Marshal(m)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func send(root string, cmd controlsocket.Command, payload any) (controlsocket.Response, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return controlsocket.Response{}, err
	}
	client := controlsocket.NewClient(atmhome.DaemonSocketPath(root))
	ctx, cancel := context.WithTimeout(context.Background(), controlsocket.ResponseTimeout)
	defer cancel()
	return client.Send(ctx, controlsocket.Request{RequestID: idgen.NewCorrelationID(), Command: cmd, Payload: raw})
}

func printResponse(resp controlsocket.Response) error {
	if !resp.OK {
		return fmt.Errorf("%s: %s", resp.Error.Code, resp.Error.Message)
	}
	var v any
	if err := json.Unmarshal(resp.Payload, &v); err != nil {
		return err
	}
	return printJSON(v)
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func outcomeName(o inbox.Outcome) string {
	switch o {
	case inbox.Success:
		return "success"
	case inbox.ConflictResolved:
		return "conflict_resolved"
	case inbox.Queued:
		return "queued"
	default:
		return "unknown"
	}
}

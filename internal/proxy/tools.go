package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/inbox"
	"github.com/atm-dev/atm/internal/message"
	"github.com/atm-dev/atm/internal/pubsub"
	"github.com/atm-dev/atm/internal/roster"
)

// Deps bundles the machinery the default ATM tool handlers need to
// touch the inbox store and subscription registry for one team. Roster
// reads use the package-level roster.ListMembers directly since
// listing is read-only and needs no *roster.Roster instance.
type Deps struct {
	Root    string
	Team    string
	Pub     *pubsub.Registry
	SpoolAt func(agentID string) string // override in tests; defaults to atmhome.SpoolDir
}

func (d Deps) inboxPath(agentID string) string {
	return atmhome.InboxPath(d.Root, d.Team, agentID)
}

func (d Deps) spoolDir(agentID string) string {
	if d.SpoolAt != nil {
		return d.SpoolAt(agentID)
	}
	return atmhome.SpoolDir(d.Root, d.Team, agentID)
}

// DefaultHandlers returns the tool-name-to-handler map HandleUpstream
// dispatches to (spec §4.12). Built as a set of closures over deps
// rather than methods so Session stays decoupled from any particular
// storage wiring.
func DefaultHandlers(deps Deps) map[string]ToolHandler {
	return map[string]ToolHandler{
		ToolSend:         sendHandler(deps),
		ToolRead:         readHandler(deps),
		ToolBroadcast:    broadcastHandler(deps),
		ToolPendingCount: pendingCountHandler(deps),
		ToolSubscribe:    subscribeHandler(deps),
	}
}

type sendArgs struct {
	To       string `json:"to"`
	Text     string `json:"text"`
	FilePath string `json:"file_path,omitempty"`
}

type sendResult struct {
	Outcome string `json:"outcome"`
	Spooled string `json:"spooled_path,omitempty"`
}

func sendHandler(deps Deps) ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		var args sendArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("atm_send: invalid arguments: %w", err)
		}
		if err := message.Validate(args.Text); err != nil {
			return nil, err
		}
		text, err := stageFileReferenceIfPresent(deps, args.FilePath, args.Text)
		if err != nil {
			return nil, fmt.Errorf("atm_send: stage file reference: %w", err)
		}
		msg := message.New(identity, text)
		res, err := inbox.Append(ctx, deps.inboxPath(args.To), msg, deps.spoolDir(args.To))
		if err != nil {
			return nil, err
		}
		out := sendResult{Outcome: outcomeName(res.Outcome), Spooled: res.SpoolPath}
		return json.Marshal(out)
	}
}

// stageFileReferenceIfPresent rewrites text through
// message.StageFileReference when filePath is set, so a message that
// references a file outside the sender's repo gets a share-dir copy
// and a rewritten reference instead of a dangling path the recipient
// can't read (SPEC_FULL.md §D.1). A no-op when filePath is empty.
func stageFileReferenceIfPresent(deps Deps, filePath, text string) (string, error) {
	if filePath == "" {
		return text, nil
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	rewritten, _, err := message.StageFileReference(filePath, text, deps.Team, cwd, atmhome.ShareDir(deps.Root, deps.Team))
	if err != nil {
		return "", err
	}
	return rewritten, nil
}

type readArgs struct {
	UnreadOnly bool `json:"unread_only"`
}

func readHandler(deps Deps) ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		var args readArgs
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, fmt.Errorf("atm_read: invalid arguments: %w", err)
			}
		}
		path := deps.inboxPath(identity)
		msgs, err := inbox.Read(path)
		if err != nil {
			return nil, err
		}
		if args.UnreadOnly {
			msgs = filterUnread(msgs)
		}
		return json.Marshal(msgs)
	}
}

func filterUnread(msgs []message.Message) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	for _, m := range msgs {
		if !m.Read {
			out = append(out, m)
		}
	}
	return out
}

type broadcastArgs struct {
	Text string `json:"text"`
}

type broadcastResult struct {
	Delivered []string `json:"delivered"`
	Failed    []string `json:"failed"`
}

func broadcastHandler(deps Deps) ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		var args broadcastArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("atm_broadcast: invalid arguments: %w", err)
		}
		if err := message.Validate(args.Text); err != nil {
			return nil, err
		}

		members, err := roster.ListMembers(atmhome.TeamConfigPath(deps.Root, deps.Team), "")
		if err != nil {
			return nil, err
		}

		result := broadcastResult{}
		msg := message.New(identity, args.Text)
		for _, m := range members {
			if m.Name == identity {
				continue
			}
			if _, err := inbox.Append(ctx, deps.inboxPath(m.Name), msg, deps.spoolDir(m.Name)); err != nil {
				result.Failed = append(result.Failed, m.Name)
				continue
			}
			result.Delivered = append(result.Delivered, m.Name)
		}
		return json.Marshal(result)
	}
}

type pendingCountResult struct {
	Count int `json:"count"`
}

func pendingCountHandler(deps Deps) ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		msgs, err := inbox.Read(deps.inboxPath(identity))
		if err != nil {
			return nil, err
		}
		result := pendingCountResult{Count: len(filterUnread(msgs))}
		return json.Marshal(result)
	}
}

type subscribeArgs struct {
	Agent  string   `json:"agent"`
	Events []string `json:"events"`
}

func subscribeHandler(deps Deps) ToolHandler {
	return func(ctx context.Context, identity string, raw json.RawMessage) (json.RawMessage, error) {
		var args subscribeArgs
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("atm_subscribe: invalid arguments: %w", err)
		}
		if err := deps.Pub.Subscribe(identity, args.Agent, args.Events); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"ok": true})
	}
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

package proxy_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/elicitation"
	"github.com/atm-dev/atm/internal/identitylock"
	"github.com/atm-dev/atm/internal/proxy"
	"github.com/atm-dev/atm/internal/pubsub"
	"github.com/atm-dev/atm/internal/roster"
)

type lineCapture struct {
	mu    sync.Mutex
	lines [][]byte
}

func (c *lineCapture) send(line []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := make([]byte, len(line))
	copy(cp, line)
	c.lines = append(c.lines, cp)
	return nil
}

func (c *lineCapture) get() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([][]byte, len(c.lines))
	copy(out, c.lines)
	return out
}

func newTestSession(t *testing.T, identity string) (*proxy.Session, *lineCapture, *lineCapture) {
	t.Helper()
	root := t.TempDir()
	team := "teamA"
	require.NoError(t, roster.CreateTeam(context.Background(), atmhome.TeamConfigPath(root, team), team, identity))

	locks := identitylock.New()
	deps := proxy.Deps{Root: root, Team: team, Pub: pubsub.New(time.Hour, 100)}

	toUpstream := &lineCapture{}
	toChild := &lineCapture{}

	cfg := proxy.Config{
		Team:               team,
		AgentID:            identity,
		ConfiguredIdentity: identity,
		IdentityLockPath:   atmhome.IdentityLockPath(root, team, identity),
		Locks:              locks,
		Elicit:             elicitation.New(),
		ToUpstream:         toUpstream.send,
		ToChild:            toChild.send,
		Handlers:           proxy.DefaultHandlers(deps),
	}

	s, err := proxy.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s, toUpstream, toChild
}

func TestResolveIdentity_PrefersExplicitOverConfigured(t *testing.T) {
	id, err := proxy.ResolveIdentity("explicit", "configured")
	require.NoError(t, err)
	assert.Equal(t, "explicit", id)
}

func TestResolveIdentity_FallsBackToConfigured(t *testing.T) {
	id, err := proxy.ResolveIdentity("", "configured")
	require.NoError(t, err)
	assert.Equal(t, "configured", id)
}

func TestResolveIdentity_ErrorsWhenBothEmpty(t *testing.T) {
	_, err := proxy.ResolveIdentity("", "")
	assert.Error(t, err)
}

func TestHandleUpstream_ForwardsNonToolCallToChild(t *testing.T) {
	s, _, toChild := newTestSession(t, "alice")
	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	require.NoError(t, s.HandleUpstream(context.Background(), line))

	got := toChild.get()
	require.Len(t, got, 1)
	assert.Equal(t, line, got[0])
}

func TestHandleUpstream_ForwardsNonATMToolCallToChild(t *testing.T) {
	s, _, toChild := newTestSession(t, "alice")
	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"read_file","arguments":{}}}`)
	require.NoError(t, s.HandleUpstream(context.Background(), line))

	assert.Len(t, toChild.get(), 1)
}

func TestHandleUpstream_AtmReadReturnsEmptyInboxResult(t *testing.T) {
	s, toUpstream, _ := newTestSession(t, "alice")
	line := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"atm_read","arguments":{}}}`)
	require.NoError(t, s.HandleUpstream(context.Background(), line))

	got := toUpstream.get()
	require.Len(t, got, 1)
	var resp struct {
		ID     int             `json:"id"`
		Result json.RawMessage `json:"result"`
		Error  *struct{}       `json:"error"`
	}
	require.NoError(t, json.Unmarshal(got[0], &resp))
	assert.Equal(t, 7, resp.ID)
	assert.Nil(t, resp.Error)
}

func TestHandleUpstream_AtmSendThenAtmReadSeesIt(t *testing.T) {
	root := t.TempDir()
	team := "teamA"
	require.NoError(t, roster.CreateTeam(context.Background(), atmhome.TeamConfigPath(root, team), team, "alice"))

	locks := identitylock.New()
	deps := proxy.Deps{Root: root, Team: team, Pub: pubsub.New(time.Hour, 100)}

	mkSession := func(identity string) (*proxy.Session, *lineCapture) {
		toUpstream := &lineCapture{}
		cfg := proxy.Config{
			Team: team, AgentID: identity, ConfiguredIdentity: identity,
			IdentityLockPath: atmhome.IdentityLockPath(root, team, identity),
			Locks:            locks,
			Elicit:           elicitation.New(),
			ToUpstream:       toUpstream.send,
			ToChild:          func([]byte) error { return nil },
			Handlers:         proxy.DefaultHandlers(deps),
		}
		s, err := proxy.Open(context.Background(), cfg)
		require.NoError(t, err)
		return s, toUpstream
	}

	sender, senderUpstream := mkSession("alice")
	defer sender.Close(context.Background())
	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"atm_send","arguments":{"to":"bob","text":"hi bob"}}}`)
	require.NoError(t, sender.HandleUpstream(context.Background(), line))
	assert.Len(t, senderUpstream.get(), 1)

	receiver, receiverUpstream := mkSession("bob")
	defer receiver.Close(context.Background())
	readLine := []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"atm_read","arguments":{}}}`)
	require.NoError(t, receiver.HandleUpstream(context.Background(), readLine))

	got := receiverUpstream.get()
	require.Len(t, got, 1)
	assert.Contains(t, string(got[0]), "hi bob")
}

func TestHandleChild_RewritesElicitationIDAndForwardsUpstream(t *testing.T) {
	s, toUpstream, _ := newTestSession(t, "alice")
	line := []byte(`{"jsonrpc":"2.0","id":"down-1","method":"elicitation/create","params":{}}`)
	require.NoError(t, s.HandleChild(context.Background(), line))

	got := toUpstream.get()
	require.Len(t, got, 1)

	var fwd struct {
		ID     string `json:"id"`
		Method string `json:"method"`
	}
	require.NoError(t, json.Unmarshal(got[0], &fwd))
	assert.Equal(t, "elicitation/create", fwd.Method)
	assert.NotEqual(t, "down-1", fwd.ID)
}

func TestHandleChild_NonElicitationForwardedUnmodified(t *testing.T) {
	s, toUpstream, _ := newTestSession(t, "alice")
	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"notifications/progress"}`)
	require.NoError(t, s.HandleChild(context.Background(), line))

	got := toUpstream.get()
	require.Len(t, got, 1)
	assert.Equal(t, line, got[0])
}

func TestElicitationRoundTrip_UpstreamResponseDeliveredToChild(t *testing.T) {
	s, toUpstream, toChild := newTestSession(t, "alice")

	elicit := []byte(`{"jsonrpc":"2.0","id":"down-1","method":"elicitation/create","params":{}}`)
	require.NoError(t, s.HandleChild(context.Background(), elicit))

	forwarded := toUpstream.get()
	require.Len(t, forwarded, 1)
	var fwd struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(forwarded[0], &fwd))

	resolution := []byte(`{"jsonrpc":"2.0","id":"` + fwd.ID + `","result":{"accepted":true}}`)
	require.NoError(t, s.HandleUpstream(context.Background(), resolution))

	delivered := toChild.get()
	require.Len(t, delivered, 1)
	var resp struct {
		ID     string `json:"id"`
		Result struct {
			Accepted bool `json:"accepted"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(delivered[0], &resp))
	assert.Equal(t, "down-1", resp.ID)
	assert.True(t, resp.Result.Accepted)
}

func TestAtmSubscribeThenPubsubMatches(t *testing.T) {
	root := t.TempDir()
	team := "teamA"
	require.NoError(t, roster.CreateTeam(context.Background(), atmhome.TeamConfigPath(root, team), team, "alice"))
	pub := pubsub.New(time.Hour, 100)
	deps := proxy.Deps{Root: root, Team: team, Pub: pub}

	locks := identitylock.New()
	toUpstream := &lineCapture{}
	cfg := proxy.Config{
		Team: team, AgentID: "alice", ConfiguredIdentity: "alice",
		IdentityLockPath: atmhome.IdentityLockPath(root, team, "alice"),
		Locks:            locks,
		Elicit:           elicitation.New(),
		ToUpstream:       toUpstream.send,
		ToChild:          func([]byte) error { return nil },
		Handlers:         proxy.DefaultHandlers(deps),
	}
	s, err := proxy.Open(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close(context.Background())

	line := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"atm_subscribe","arguments":{"agent":"bob","events":["Idle"]}}}`)
	require.NoError(t, s.HandleUpstream(context.Background(), line))

	assert.Equal(t, []string{"alice"}, pub.MatchingSubscribers("bob", "Idle"))
}

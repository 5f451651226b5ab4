package roster_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atm-dev/atm/internal/roster"
)

func TestCreateTeamAndAddMember(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()

	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "bob", AgentType: "claude"}, ""))

	members, err := roster.ListMembers(path, "")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].Name)
}

func TestAddMember_RejectsDuplicate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()
	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "bob", AgentType: "claude"}, ""))
	err := r.AddMember(ctx, path, roster.Member{Name: "bob", AgentType: "claude"}, "")
	assert.Error(t, err)
}

func TestRemoveMember_ErrorsOnAbsent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()
	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	err := r.RemoveMember(ctx, path, "ghost", "")
	assert.Error(t, err)
}

func TestListMembers_FiltersByPlugin(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()
	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "bob", AgentType: "claude"}, ""))
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "ci-bot"}, "ci"))

	members, err := roster.ListMembers(path, "ci")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "ci-bot", members[0].Name)
	assert.Equal(t, "plugin:ci", members[0].AgentType)
}

func TestCleanupPlugin_SoftDeactivates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()
	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "ci-bot"}, "ci"))

	n, err := r.CleanupPlugin(ctx, path, "ci", roster.Soft)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := roster.ListMembers(path, "ci")
	require.NoError(t, err)
	require.Len(t, members, 1)
	require.NotNil(t, members[0].IsActive)
	assert.False(t, *members[0].IsActive)

	// Idempotent: running again affects nobody.
	n, err = r.CleanupPlugin(ctx, path, "ci", roster.Soft)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestCleanupPlugin_HardRemoves(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	ctx := context.Background()
	require.NoError(t, roster.CreateTeam(ctx, path, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "ci-bot"}, "ci"))
	require.NoError(t, r.AddMember(ctx, path, roster.Member{Name: "bob", AgentType: "claude"}, ""))

	n, err := r.CleanupPlugin(ctx, path, "ci", roster.Hard)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	members, err := roster.ListMembers(path, "")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].Name)

	n, err = r.CleanupPlugin(ctx, path, "ci", roster.Hard)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestBackupAndRestore(t *testing.T) {
	root := t.TempDir()
	ctx := context.Background()

	configPath := filepath.Join(root, ".claude", "teams", "alpha", "config.json")
	require.NoError(t, os.MkdirAll(filepath.Dir(configPath), 0o750))
	require.NoError(t, roster.CreateTeam(ctx, configPath, "alpha", "lead-1"))

	r := roster.New()
	require.NoError(t, r.AddMember(ctx, configPath, roster.Member{Name: "bob", AgentType: "claude"}, ""))

	inboxDir := filepath.Join(root, ".claude", "teams", "alpha", "inboxes")
	require.NoError(t, os.MkdirAll(inboxDir, 0o750))
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "bob.json"), []byte(`[]`), 0o644))

	timestamp, err := roster.Backup(root, "alpha")
	require.NoError(t, err)

	require.NoError(t, r.RemoveMember(ctx, configPath, "bob", ""))
	require.NoError(t, os.WriteFile(filepath.Join(inboxDir, "bob.json"), []byte(`[{"corrupted":true}]`), 0o644))

	require.NoError(t, roster.Restore(root, "alpha", timestamp))

	members, err := roster.ListMembers(configPath, "")
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, "bob", members[0].Name)

	data, err := os.ReadFile(filepath.Join(inboxDir, "bob.json"))
	require.NoError(t, err)
	assert.Equal(t, "[]", string(data))
}

// Package atmhome resolves the root directory all of ATM's on-disk state
// is rooted at, and the compatibility-critical paths under it (spec §6.1).
package atmhome

import (
	"os"
	"path/filepath"
)

// Root returns the ATM home directory: $ATM_HOME if set, else the
// platform's user config directory.
func Root() (string, error) {
	if h := os.Getenv("ATM_HOME"); h != "" {
		return h, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return dir, nil
}

// MustRoot is like Root but panics on failure. Intended for call sites
// (CLI entry points) where there is no sensible recovery.
func MustRoot() string {
	root, err := Root()
	if err != nil {
		panic(err)
	}
	return root
}

// TeamDir returns {root}/.claude/teams/{team}.
func TeamDir(root, team string) string {
	return filepath.Join(root, ".claude", "teams", team)
}

// TeamConfigPath returns {root}/.claude/teams/{team}/config.json.
func TeamConfigPath(root, team string) string {
	return filepath.Join(TeamDir(root, team), "config.json")
}

// InboxDir returns {root}/.claude/teams/{team}/inboxes.
func InboxDir(root, team string) string {
	return filepath.Join(TeamDir(root, team), "inboxes")
}

// InboxPath returns {root}/.claude/teams/{team}/inboxes/{agent}.json.
func InboxPath(root, team, agent string) string {
	return filepath.Join(InboxDir(root, team), agent+".json")
}

// TeamBackupDir returns {root}/.claude/teams/.backups/{team}/{timestamp}.
func TeamBackupDir(root, team, timestamp string) string {
	return filepath.Join(root, ".claude", "teams", ".backups", team, timestamp)
}

// SessionsDir returns {root}/.config/atm/agent-sessions/{team}.
func SessionsDir(root, team string) string {
	return filepath.Join(root, ".config", "atm", "agent-sessions", team)
}

// IdentityLockPath returns {root}/.config/atm/agent-sessions/{team}/{identity}.lock.
func IdentityLockPath(root, team, identity string) string {
	return filepath.Join(SessionsDir(root, team), identity+".lock")
}

// StdinQueueDir returns {root}/.config/atm/agent-sessions/{team}/{agent}/stdin_queue.
func StdinQueueDir(root, team, agent string) string {
	return filepath.Join(SessionsDir(root, team), agent, "stdin_queue")
}

// EventLogPath returns {root}/.config/atm/events.jsonl.
func EventLogPath(root string) string {
	return filepath.Join(root, ".config", "atm", "events.jsonl")
}

// StatePath returns {root}/.config/atm/state.json.
func StatePath(root string) string {
	return filepath.Join(root, ".config", "atm", "state.json")
}

// ShareDir returns {root}/.config/atm/share/{team}.
func ShareDir(root, team string) string {
	return filepath.Join(root, ".config", "atm", "share", team)
}

// DaemonSocketPath returns {root}/.claude/daemon/atm-daemon.sock.
func DaemonSocketPath(root string) string {
	return filepath.Join(root, ".claude", "daemon", "atm-daemon.sock")
}

// SpoolRootDir returns {root}/.config/atm/spool, the base directory the
// daemon walks to discover every team/agent's spool subdirectory when
// sweeping (spec §4.2).
func SpoolRootDir(root string) string {
	return filepath.Join(root, ".config", "atm", "spool")
}

// SpoolDir returns {root}/.config/atm/spool/{team}/{agent}, the per-agent
// fallback queue directory used by the spool package (spec §4.2). Its
// exact layout isn't pinned by §6.1 (only the inbox/identity-lock/stdin-queue
// paths are compatibility-critical), so it lives alongside the other
// atm-owned state under .config/atm.
func SpoolDir(root, team, agent string) string {
	return filepath.Join(SpoolRootDir(root), team, agent)
}

// BridgeStoreDir returns {root}/.config/atm/bridge, where per-remote
// cursor/circuit-breaker sqlite databases live (spec §4.14; format left
// unspecified by §6.1).
func BridgeStoreDir(root string) string {
	return filepath.Join(root, ".config", "atm", "bridge")
}

// EnsureDir creates dir and any missing parents with mode 0o750.
func EnsureDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}

// DedupeLogPath returns {root}/.config/atm/dedupe.jsonl, the daemon's
// control-socket request dedupe store (spec §4.7/§4.13; format left
// unspecified by §6.1).
func DedupeLogPath(root string) string {
	return filepath.Join(root, ".config", "atm", "dedupe.jsonl")
}

// BridgeDBPath returns {root}/.config/atm/bridge/bridge.db, the sqlite
// database backing internal/bridge/store.
func BridgeDBPath(root string) string {
	return filepath.Join(BridgeStoreDir(root), "bridge.db")
}

// ConfigFilePath returns {root}/.config/atm/config.toml, the global
// layer of internal/config's precedence chain (spec §6.4).
func ConfigFilePath(root string) string {
	return filepath.Join(root, ".config", "atm", "config.toml")
}

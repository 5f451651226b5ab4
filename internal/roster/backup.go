package roster

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/atm-dev/atm/internal/atmhome"
	"github.com/atm-dev/atm/internal/util/timefmt"
)

// Backup snapshots team's config.json and every inbox file into
// {root}/.claude/teams/.backups/{team}/{timestamp}/ (spec §6.1,
// SPEC_FULL.md supplement D.3). It returns the timestamp assigned so
// the caller can pass it straight to Restore.
func Backup(root, team string) (string, error) {
	timestamp := timefmt.Format(time.Now().UTC())
	dest := atmhome.TeamBackupDir(root, team, timestamp)
	if err := os.MkdirAll(dest, 0o750); err != nil {
		return "", fmt.Errorf("roster: create backup dir: %w", err)
	}

	configPath := atmhome.TeamConfigPath(root, team)
	if err := copyIfExists(configPath, filepath.Join(dest, "config.json")); err != nil {
		return "", fmt.Errorf("roster: backup config: %w", err)
	}

	inboxDir := atmhome.InboxDir(root, team)
	entries, err := os.ReadDir(inboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return timestamp, nil
		}
		return "", fmt.Errorf("roster: read inbox dir: %w", err)
	}

	destInboxes := filepath.Join(dest, "inboxes")
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := os.MkdirAll(destInboxes, 0o750); err != nil {
			return "", fmt.Errorf("roster: create backup inbox dir: %w", err)
		}
		src := filepath.Join(inboxDir, e.Name())
		dst := filepath.Join(destInboxes, e.Name())
		if err := copyIfExists(src, dst); err != nil {
			return "", fmt.Errorf("roster: backup inbox %s: %w", e.Name(), err)
		}
	}
	return timestamp, nil
}

// Restore replaces team's config.json and inbox files with the
// snapshot taken at timestamp, using the same atomic-write discipline
// as the rest of the store (write to a sibling .tmp then rename).
func Restore(root, team, timestamp string) error {
	src := atmhome.TeamBackupDir(root, team, timestamp)
	if _, err := os.Stat(src); err != nil {
		return fmt.Errorf("roster: backup %s not found: %w", timestamp, err)
	}

	configSrc := filepath.Join(src, "config.json")
	configDst := atmhome.TeamConfigPath(root, team)
	if err := os.MkdirAll(filepath.Dir(configDst), 0o750); err != nil {
		return fmt.Errorf("roster: create team dir: %w", err)
	}
	if err := atomicCopy(configSrc, configDst); err != nil {
		return fmt.Errorf("roster: restore config: %w", err)
	}

	inboxSrc := filepath.Join(src, "inboxes")
	entries, err := os.ReadDir(inboxSrc)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("roster: read backup inboxes: %w", err)
	}

	inboxDst := atmhome.InboxDir(root, team)
	if err := os.MkdirAll(inboxDst, 0o750); err != nil {
		return fmt.Errorf("roster: create inbox dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := atomicCopy(filepath.Join(inboxSrc, e.Name()), filepath.Join(inboxDst, e.Name())); err != nil {
			return fmt.Errorf("roster: restore inbox %s: %w", e.Name(), err)
		}
	}
	return nil
}

func copyIfExists(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// atomicCopy writes src's content to dst via a sibling .tmp file and a
// rename, so a restore can never leave a half-written inbox or config
// behind if interrupted.
func atomicCopy(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	tmp := dst + ".tmp"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dst)
}

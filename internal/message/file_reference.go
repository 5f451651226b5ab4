package message

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// StageFileReference implements the file-reference staging policy the
// distilled spec only summarizes (original: the Rust CLI's file policy
// check): a file a message refers to is only safe to hand the
// recipient directly when it lives inside the sender's current git
// repository. Outside that tree, it's copied into the team's shared
// directory (spec §6.1's share/{team}/) and the message text is
// rewritten to point at the copy.
//
// Returns the (possibly rewritten) message text and whether the
// original path was allowed through unmodified.
func StageFileReference(filePath, messageText, team, currentDir, shareDir string) (rewritten string, allowed bool, err error) {
	if isFileInRepo(filePath, currentDir) {
		return messageText, true, nil
	}

	if err := os.MkdirAll(shareDir, 0o750); err != nil {
		return "", false, fmt.Errorf("message: create share dir: %w", err)
	}

	copyPath := filepath.Join(shareDir, filepath.Base(filePath))
	if err := copyFile(filePath, copyPath); err != nil {
		return "", false, fmt.Errorf("message: stage file reference: %w", err)
	}

	rewritten = fmt.Sprintf(
		"%s\n\n[atm] File path rewritten to a local share copy for destination access.\nOriginal: %s\nCopy: %s",
		messageText, filePath, copyPath,
	)
	return rewritten, false, nil
}

// findGitRoot walks up from dir looking for a ".git" entry, returning
// the containing directory, or "" if none is found.
func findGitRoot(dir string) string {
	for {
		if _, err := os.Stat(filepath.Join(dir, ".git")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

func isFileInRepo(filePath, currentDir string) bool {
	root := findGitRoot(currentDir)
	if root == "" {
		return false
	}
	absFile, err := filepath.Abs(filePath)
	if err != nil {
		return false
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(absRoot, absFile)
	if err != nil {
		return false
	}
	return rel != ".." && !hasParentTraversal(rel)
}

func hasParentTraversal(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".."
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

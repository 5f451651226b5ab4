package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SweepTemp removes leftover *.tmp files under dir, run once at daemon
// startup (spec §4.14 "Temp files are swept on startup"). Bridge sync
// itself doesn't write its own tmp files today (the sqlite store and
// inbox envelope own their own atomic-write tmp files already swept by
// their respective packages); this sweep exists for the directory the
// bridge plugin is configured to stage batches in before a future
// on-disk staging step lands, and is safe to run against an empty or
// absent dir.
func SweepTemp(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("bridge: read %s: %w", dir, err)
	}

	count := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".tmp") {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !os.IsNotExist(err) {
			return count, fmt.Errorf("bridge: remove %s: %w", e.Name(), err)
		}
		count++
	}
	return count, nil
}

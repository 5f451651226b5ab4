//go:build linux

package terminal

import (
	"bufio"
	"os"
	"strconv"
	"strings"
)

// detectDefaultShell parses /etc/passwd for the current user's entry and
// returns its shell field, falling back to /bin/sh if the lookup fails.
func detectDefaultShell() string {
	uid := strconv.Itoa(os.Getuid())

	f, err := os.Open("/etc/passwd")
	if err != nil {
		return "/bin/sh"
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Split(scanner.Text(), ":")
		if len(fields) < 7 {
			continue
		}
		if fields[2] != uid {
			continue
		}
		if fields[6] == "" {
			break
		}
		return fields[6]
	}
	return "/bin/sh"
}

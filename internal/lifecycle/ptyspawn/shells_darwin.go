//go:build darwin

package terminal

import (
	"os/exec"
	"os/user"
	"regexp"
)

var userShellPattern = regexp.MustCompile(`UserShell:\s+(/\S+)`)

// detectDefaultShell shells out to dscl, the macOS directory service command
// line tool, since /etc/passwd does not reflect Open Directory accounts.
func detectDefaultShell() string {
	u, err := user.Current()
	if err != nil {
		return "/bin/zsh"
	}

	out, err := exec.Command("dscl", ".", "-read", "/Users/"+u.Username, "UserShell").Output()
	if err != nil {
		return "/bin/zsh"
	}

	match := userShellPattern.FindSubmatch(out)
	if match == nil {
		return "/bin/zsh"
	}
	return string(match[1])
}

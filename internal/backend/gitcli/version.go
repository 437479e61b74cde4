package gitcli

import (
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// minGitVersion is the oldest git whose "ls-tree -z" and "rev-list --parents"
// output is parsed here.
var minGitVersion = gitVersion{major: 2, minor: 23}

type gitVersion struct {
	major, minor, patch int
}

func MinGitVersion() string { return minGitVersion.String() }

func (v gitVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.major, v.minor, v.patch)
}

func (v gitVersion) less(o gitVersion) bool {
	switch {
	case v.major != o.major:
		return v.major < o.major
	case v.minor != o.minor:
		return v.minor < o.minor
	default:
		return v.patch < o.patch
	}
}

// versionRE takes the leading dotted number, so vendor suffixes such as
// "(Apple Git-146)" or ".windows.1" are ignored.
var versionRE = regexp.MustCompile(`(\d+)\.(\d+)(?:\.(\d+))?`)

func parseGitVersionOutput(out string) (gitVersion, bool) {
	s := strings.TrimSpace(out)
	s = strings.TrimSpace(strings.TrimPrefix(s, "git version"))
	m := versionRE.FindStringSubmatch(s)
	if m == nil || !strings.HasPrefix(s, m[0]) {
		return gitVersion{}, false
	}
	var v gitVersion
	v.major, _ = strconv.Atoi(m[1])
	v.minor, _ = strconv.Atoi(m[2])
	if m[3] != "" {
		v.patch, _ = strconv.Atoi(m[3])
	}
	return v, true
}

func validateGitVersionOutput(out string) error {
	v, ok := parseGitVersionOutput(out)
	if !ok {
		return fmt.Errorf("unable to parse git version output: %q", strings.TrimSpace(out))
	}
	if v.less(minGitVersion) {
		return fmt.Errorf("git %s is too old; repometa requires git >= %s", v, minGitVersion)
	}
	return nil
}

// ensureMinGitVersion runs "git --version" once per process.
var ensureMinGitVersion = sync.OnceValue(func() error {
	out, err := exec.Command("git", "--version").CombinedOutput()
	if err != nil {
		if msg := strings.TrimSpace(string(out)); msg != "" {
			return fmt.Errorf("git --version: %w: %s", err, msg)
		}
		return fmt.Errorf("git --version: %w", err)
	}
	return validateGitVersionOutput(string(out))
})

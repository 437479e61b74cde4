// Package gitcli implements backend.Backend by shelling out to the git
// executable.
package gitcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/thiagokokada/repometa/internal/backend"
)

const Kind = "git"

type Options struct {
	// URLPath prefixes commit URLs.
	URLPath string
}

type Backend struct {
	path    string
	urlPath string
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.CopyDetector = (*Backend)(nil)
	_ backend.Watchable    = (*Backend)(nil)
)

// Open returns a backend for the repository containing repoPath.
func Open(ctx context.Context, repoPath string, opts Options) (*Backend, error) {
	if err := ensureMinGitVersion(); err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, err
	}
	tmp := &Backend{path: abs}
	root, err := tmp.runGitCommand(ctx, []string{"rev-parse", "--show-toplevel"}, false, "git rev-parse")
	if err != nil {
		// Bare repositories have no toplevel.
		gitDir, gerr := tmp.runGitCommand(ctx, []string{"rev-parse", "--absolute-git-dir"}, false, "git rev-parse")
		if gerr != nil {
			return nil, fmt.Errorf("open repository: %w", err)
		}
		root = gitDir
	}
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, fmt.Errorf("open repository: git rev-parse returned empty root")
	}
	return &Backend{path: root, urlPath: opts.URLPath}, nil
}

// NewUnopened returns a backend for a repository that Init or CloneFrom will
// create at path.
func NewUnopened(path string, opts Options) *Backend {
	return &Backend{path: path, urlPath: opts.URLPath}
}

func (g *Backend) RepoPath() string {
	if g == nil {
		return ""
	}
	return g.path
}

func (g *Backend) Kind() string { return Kind }

func (g *Backend) runGitCommand(ctx context.Context, args []string, allowExit1 bool, op string) (string, error) {
	if g == nil || g.path == "" {
		return "", fmt.Errorf("repository root not set")
	}
	return runGit(ctx, append([]string{"-C", g.path}, args...), allowExit1, op)
}

func runGit(ctx context.Context, args []string, allowExit1 bool, op string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if allowExit1 && errors.As(err, &exitErr) && exitErr.ExitCode() == 1 && stderr.Len() == 0 {
			// exit 1 without output is git's "nothing matched"
		} else {
			if stderr.Len() > 0 {
				return "", fmt.Errorf("%s: %v: %s", op, err, strings.TrimSpace(stderr.String()))
			}
			return "", fmt.Errorf("%s: %w", op, err)
		}
	}
	return stdout.String(), nil
}

func (g *Backend) Init(ctx context.Context) error {
	if err := ensureMinGitVersion(); err != nil {
		return err
	}
	if err := os.MkdirAll(g.path, 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	_, err := g.runGitCommand(ctx, []string{"init", "--quiet"}, false, "git init")
	return err
}

func (g *Backend) CloneFrom(ctx context.Context, source string) error {
	if err := ensureMinGitVersion(); err != nil {
		return err
	}
	if g.path == "" {
		return fmt.Errorf("repository root not set")
	}
	_, err := runGit(ctx, []string{"clone", "--quiet", "--", source, g.path}, false, "git clone")
	return err
}

func (g *Backend) ShorthandForCommit(id string) string { return backend.Shorthand(id) }

func (g *Backend) URLForCommit(id string) string { return backend.CommitURL(g.urlPath, id) }

// WatchPaths returns the git directory and its ref directories.
func (g *Backend) WatchPaths() []string {
	out, err := g.runGitCommand(context.Background(), []string{"rev-parse", "--absolute-git-dir"}, false, "git rev-parse")
	if err != nil {
		return nil
	}
	gitDir := strings.TrimSpace(out)
	paths := []string{gitDir}
	for _, sub := range []string{"refs/heads", "refs/tags"} {
		p := filepath.Join(gitDir, filepath.FromSlash(sub))
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			paths = append(paths, p)
		}
	}
	return paths
}

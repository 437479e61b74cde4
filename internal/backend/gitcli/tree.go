package gitcli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"

	"github.com/thiagokokada/repometa/internal/backend"
)

func (g *Backend) Tree(ctx context.Context, id string) (backend.TreeInfo, error) {
	out, err := g.runGitCommand(ctx, []string{"ls-tree", "-z", id}, false, "git ls-tree")
	if err != nil {
		return backend.TreeInfo{}, fmt.Errorf("tree %s: %w", id, err)
	}
	info, err := parseLsTree(out)
	if err != nil {
		return backend.TreeInfo{}, fmt.Errorf("tree %s: %w", id, err)
	}
	info.ID = id
	return info, nil
}

// parseLsTree parses `ls-tree -z` records: "<mode> <type> <id>\t<name>".
func parseLsTree(out string) (backend.TreeInfo, error) {
	var info backend.TreeInfo
	for _, rec := range strings.Split(out, "\x00") {
		if rec == "" {
			continue
		}
		meta, name, ok := strings.Cut(rec, "\t")
		if !ok {
			return info, fmt.Errorf("unexpected ls-tree record: %q", rec)
		}
		fields := strings.Fields(meta)
		if len(fields) != 3 {
			return info, fmt.Errorf("unexpected ls-tree record: %q", rec)
		}
		entry := backend.TreeEntry{ID: fields[2], Name: name}
		switch fields[1] {
		case "tree":
			info.Trees = append(info.Trees, entry)
		case "blob":
			info.Blobs = append(info.Blobs, entry)
		default:
			// "commit" entries are submodules.
		}
	}
	return info, nil
}

// blobStream streams `git cat-file blob` output; Close reaps the process.
type blobStream struct {
	cancel context.CancelFunc
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr bytes.Buffer

	waitOnce sync.Once
	waitErr  error
}

func (g *Backend) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	if g.path == "" {
		return nil, fmt.Errorf("repository root not set")
	}
	ctx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(ctx, "git", "-C", g.path, "cat-file", "blob", id)
	stream := &blobStream{cancel: cancel, cmd: cmd}
	cmd.Stderr = &stream.stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	stream.stdout = stdout
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return stream, nil
}

func (s *blobStream) Read(p []byte) (int, error) {
	n, err := s.stdout.Read(p)
	if err == io.EOF {
		if waitErr := s.wait(); waitErr != nil {
			return n, waitErr
		}
	}
	return n, err
}

func (s *blobStream) Close() error {
	s.cancel()
	_ = s.stdout.Close()
	err := s.wait()
	if err != nil && s.cmd.ProcessState != nil && !s.cmd.ProcessState.Success() && s.stderr.Len() == 0 {
		// Killed by our own cancel after a partial read.
		return nil
	}
	return err
}

func (s *blobStream) wait() error {
	s.waitOnce.Do(func() {
		s.waitErr = s.cmd.Wait()
	})
	if s.waitErr == nil {
		return nil
	}
	if s.stderr.Len() > 0 {
		return fmt.Errorf("git cat-file: %v: %s", s.waitErr, strings.TrimSpace(s.stderr.String()))
	}
	return fmt.Errorf("git cat-file: %w", s.waitErr)
}

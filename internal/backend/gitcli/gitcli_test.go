package gitcli

import (
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// gitRepo creates a repository with three linear commits using the git
// executable and returns it with the commit ids oldest first.
func gitRepo(t *testing.T) (*Backend, []string) {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git executable not available")
	}
	if err := ensureMinGitVersion(); err != nil {
		t.Skipf("git too old: %v", err)
	}
	dir := t.TempDir()
	ctx := context.Background()
	b := NewUnopened(dir, Options{URLPath: "/p/test/code"})
	if err := b.Init(ctx); err != nil {
		t.Fatalf("Init: %v", err)
	}
	env := append(os.Environ(),
		"GIT_AUTHOR_NAME=Test", "GIT_AUTHOR_EMAIL=test@example.com",
		"GIT_COMMITTER_NAME=Test", "GIT_COMMITTER_EMAIL=test@example.com",
	)
	run := func(args ...string) string {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = env
		out, err := cmd.CombinedOutput()
		if err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
		return string(out)
	}
	run("checkout", "-q", "-b", "main")
	var ids []string
	for i, name := range []string{"a.txt", "dir/b.txt", "dir/c.txt"} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(name+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		run("add", name)
		date := "2024-01-0" + string(rune('1'+i)) + "T00:00:00Z"
		cmd := exec.Command("git", "-C", dir, "commit", "-q", "-m", "add "+name)
		cmd.Env = append(slices.Clone(env), "GIT_AUTHOR_DATE="+date, "GIT_COMMITTER_DATE="+date)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("commit: %v: %s", err, out)
		}
		id, ok, err := b.Commit(ctx, "HEAD")
		if err != nil || !ok {
			t.Fatalf("resolve HEAD: %v %v", ok, err)
		}
		ids = append(ids, id)
	}
	run("tag", "v1", ids[0])
	return b, ids
}

func TestBackendAgainstGit(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, ids := gitRepo(t)

	heads, err := b.RefreshHeads(ctx)
	if err != nil {
		t.Fatalf("RefreshHeads: %v", err)
	}
	if heads.Head.Name != "main" || heads.Head.Hash != ids[2] {
		t.Fatalf("unexpected head %+v", heads.Head)
	}
	if len(heads.Tags) != 1 || heads.Tags[0].Hash != ids[0] {
		t.Fatalf("unexpected tags %+v", heads.Tags)
	}

	got, err := b.NewCommits(ctx, func(id string) (bool, error) { return id == ids[0], nil })
	if err != nil {
		t.Fatalf("NewCommits: %v", err)
	}
	if diff := cmp.Diff(ids[1:], got); diff != "" {
		t.Fatalf("NewCommits mismatch (-want +got):\n%s", diff)
	}

	info, err := b.RefreshCommit(ctx, ids[1])
	if err != nil {
		t.Fatalf("RefreshCommit: %v", err)
	}
	if info.Message != "add dir/b.txt\n" || len(info.ParentIDs) != 1 || info.ParentIDs[0] != ids[0] {
		t.Fatalf("unexpected commit %+v", info)
	}

	root, err := b.Tree(ctx, info.TreeID)
	if err != nil {
		t.Fatalf("Tree: %v", err)
	}
	if len(root.Trees) != 1 || root.Trees[0].Name != "dir" || len(root.Blobs) != 1 {
		t.Fatalf("unexpected tree %+v", root)
	}
	rc, err := b.OpenBlob(ctx, root.Blobs[0].ID)
	if err != nil {
		t.Fatalf("OpenBlob: %v", err)
	}
	data, err := io.ReadAll(rc)
	if cerr := rc.Close(); cerr != nil {
		t.Fatalf("close blob: %v", cerr)
	}
	if err != nil || string(data) != "a.txt\n" {
		t.Fatalf("blob = %q, %v", data, err)
	}

	window, candidates, err := b.Log(ctx, ids[2], 0, 2)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	if diff := cmp.Diff([]string{ids[2], ids[1]}, window); diff != "" {
		t.Fatalf("Log window mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{ids[0]}, candidates); diff != "" {
		t.Fatalf("Log candidates mismatch (-want +got):\n%s", diff)
	}

	prev, next, err := b.CommitContext(ctx, ids[1])
	if err != nil {
		t.Fatalf("CommitContext: %v", err)
	}
	if diff := cmp.Diff([]string{ids[0]}, prev); diff != "" {
		t.Fatalf("prev mismatch:\n%s", diff)
	}
	if diff := cmp.Diff([]string{ids[2]}, next); diff != "" {
		t.Fatalf("next mismatch:\n%s", diff)
	}

	if _, ok, err := b.Commit(ctx, "no-such-ref"); ok || err != nil {
		t.Fatalf("Commit(no-such-ref) = %v, %v", ok, err)
	}
	if paths := b.WatchPaths(); len(paths) == 0 {
		t.Fatal("expected watch paths")
	}
}

func TestNewCommitsStopsAtKnown(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	b, ids := gitRepo(t)

	tests := []struct {
		name      string
		known     []string
		want      []string
		wantCalls []string
	}{
		{
			// Only the two tips (main and tag v1) are looked up.
			name:      "all known",
			known:     ids,
			wantCalls: []string{ids[2], ids[0]},
		},
		{
			name:      "history known",
			known:     ids[:2],
			want:      []string{ids[2]},
			wantCalls: []string{ids[2], ids[0], ids[1]},
		},
		{
			name:      "nothing known",
			want:      ids,
			wantCalls: []string{ids[2], ids[0], ids[1]},
		},
	}
	for _, tt := range tests {
		var calls []string
		got, err := b.NewCommits(ctx, func(id string) (bool, error) {
			calls = append(calls, id)
			return slices.Contains(tt.known, id), nil
		})
		if err != nil {
			t.Fatalf("%s: NewCommits: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("%s: NewCommits mismatch (-want +got):\n%s", tt.name, diff)
		}
		if diff := cmp.Diff(tt.wantCalls, calls); diff != "" {
			t.Fatalf("%s: known() calls mismatch (-want +got):\n%s", tt.name, diff)
		}
	}
}

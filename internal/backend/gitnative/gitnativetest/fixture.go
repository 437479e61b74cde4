// Package gitnativetest builds small in-memory git histories for tests.
package gitnativetest

import (
	"fmt"
	"testing"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"
)

// Epoch is the author date of the first fixture commit. Each later commit is
// one minute younger, so date-ordered walks are deterministic.
var Epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

type Repo struct {
	t    testing.TB
	FS   billy.Filesystem
	Repo *gitlib.Repository
	wt   *gitlib.Worktree
	n    int
}

func New(t testing.TB) *Repo {
	t.Helper()
	fs := memfs.New()
	repo, err := gitlib.Init(memory.NewStorage(), fs)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		t.Fatalf("worktree: %v", err)
	}
	return &Repo{t: t, FS: fs, Repo: repo, wt: wt}
}

// Write stores content at path and stages it.
func (r *Repo) Write(path, content string) *Repo {
	r.t.Helper()
	if err := util.WriteFile(r.FS, path, []byte(content), 0o644); err != nil {
		r.t.Fatalf("write %s: %v", path, err)
	}
	if _, err := r.wt.Add(path); err != nil {
		r.t.Fatalf("add %s: %v", path, err)
	}
	return r
}

// Remove deletes path and stages the removal.
func (r *Repo) Remove(path string) *Repo {
	r.t.Helper()
	if _, err := r.wt.Remove(path); err != nil {
		r.t.Fatalf("remove %s: %v", path, err)
	}
	return r
}

func (r *Repo) signature() *object.Signature {
	when := Epoch.Add(time.Duration(r.n) * time.Minute)
	r.n++
	return &object.Signature{Name: "Test", Email: "test@example.com", When: when}
}

// Commit records the staged changes on the current branch.
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	hash, err := r.wt.Commit(msg, &gitlib.CommitOptions{Author: r.signature(), AllowEmptyCommits: true})
	if err != nil {
		r.t.Fatalf("commit %q: %v", msg, err)
	}
	return hash.String()
}

// Merge records a commit with the given parents on the current branch.
func (r *Repo) Merge(msg string, parents ...string) string {
	r.t.Helper()
	hashes := make([]plumbing.Hash, len(parents))
	for i, p := range parents {
		hashes[i] = plumbing.NewHash(p)
	}
	hash, err := r.wt.Commit(msg, &gitlib.CommitOptions{Author: r.signature(), Parents: hashes, AllowEmptyCommits: true})
	if err != nil {
		r.t.Fatalf("merge %q: %v", msg, err)
	}
	return hash.String()
}

// Checkout switches to branch, creating it at from when from is not empty.
func (r *Repo) Checkout(branch, from string) *Repo {
	r.t.Helper()
	opts := &gitlib.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(branch), Force: true}
	if from != "" {
		opts.Create = true
		opts.Hash = plumbing.NewHash(from)
	}
	if err := r.wt.Checkout(opts); err != nil {
		r.t.Fatalf("checkout %s: %v", branch, err)
	}
	return r
}

// Tag creates a lightweight tag.
func (r *Repo) Tag(name, id string) {
	r.t.Helper()
	if _, err := r.Repo.CreateTag(name, plumbing.NewHash(id), nil); err != nil {
		r.t.Fatalf("tag %s: %v", name, err)
	}
}

// Linear commits n files one after another and returns the ids oldest first.
func (r *Repo) Linear(n int) []string {
	r.t.Helper()
	ids := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		r.Write(fmt.Sprintf("file%02d.txt", i), fmt.Sprintf("content %d\n", i))
		ids = append(ids, r.Commit(fmt.Sprintf("commit %d", i)))
	}
	return ids
}

package model

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/store"
)

// fakeBackend serves history from in-memory maps. order lists every commit
// newest first and stands in for commit dates.
type fakeBackend struct {
	backend.Unimplemented

	order   []string
	parents map[string][]string
	blobs   map[string]string

	logCalls []string
}

func (*fakeBackend) Kind() string { return "fake" }

func (*fakeBackend) URLForCommit(id string) string {
	return backend.CommitURL("/p/test/code", id)
}

func (f *fakeBackend) reachable(id string) map[string]bool {
	seen := make(map[string]bool)
	stack := []string{id}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[c] {
			continue
		}
		seen[c] = true
		stack = append(stack, f.parents[c]...)
	}
	return seen
}

func (f *fakeBackend) Log(_ context.Context, id string, skip, count int) ([]string, []string, error) {
	f.logCalls = append(f.logCalls, id)
	if _, ok := f.parents[id]; !ok {
		return nil, nil, fmt.Errorf("log: unknown commit %s", id)
	}
	reach := f.reachable(id)
	var all []string
	for _, c := range f.order {
		if reach[c] {
			all = append(all, c)
		}
	}
	window := all[min(skip, len(all)):min(skip+count, len(all))]
	var candidates []string
	for _, c := range window {
		for _, p := range f.parents[c] {
			if !slices.Contains(window, p) && !slices.Contains(candidates, p) {
				candidates = append(candidates, p)
			}
		}
	}
	return slices.Clone(window), candidates, nil
}

func (f *fakeBackend) CommitContext(_ context.Context, id string) ([]string, []string, error) {
	var next []string
	for _, c := range slices.Backward(f.order) {
		if slices.Contains(f.parents[c], id) {
			next = append(next, c)
		}
	}
	return f.parents[id], next, nil
}

func (f *fakeBackend) OpenBlob(_ context.Context, id string) (io.ReadCloser, error) {
	content, ok := f.blobs[id]
	if !ok {
		return nil, fmt.Errorf("open blob: unknown blob %s", id)
	}
	return io.NopCloser(strings.NewReader(content)), nil
}

// copyingBackend adds copy detection to fakeBackend.
type copyingBackend struct {
	*fakeBackend
	copies map[string][]backend.CopyPair
}

func (c *copyingBackend) Copies(_ context.Context, _, id string) ([]backend.CopyPair, error) {
	return c.copies[id], nil
}

type fakeRepo struct {
	backend backend.Backend
}

func (*fakeRepo) RepoID() string { return "repo" }

func (r *fakeRepo) Backend() backend.Backend { return r.backend }

func (*fakeRepo) GuessType(name string) (string, string) {
	if strings.HasSuffix(name, ".txt") || name == "README" {
		return "text/plain", ""
	}
	return "application/octet-stream", ""
}

func newEnv(b backend.Backend) *Env {
	return &Env{
		Repo:    &fakeRepo{backend: b},
		Session: store.NewSession(store.NewMemory()),
	}
}

var epoch = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func putCommit(env *Env, id, treeID string, n int, parents ...string) *CommitNode {
	c := NewCommit(env.key(id))
	c.TreeID = treeID
	c.ParentIDs = parents
	c.Authored = Identity{Name: "Alice", Email: "alice@example.com", Date: epoch.Add(time.Duration(n) * time.Minute)}
	c.Committed = c.Authored
	c.Message = "commit " + id + "\n"
	env.Session.Track(c)
	return env.Bind(c)
}

func entries(m map[string]string) []TreeEntry {
	out := make([]TreeEntry, 0, len(m))
	for _, name := range slices.Sorted(maps.Keys(m)) {
		out = append(out, TreeEntry{ID: m[name], Name: name})
	}
	return out
}

// putTree stores a tree whose trees and blobs map names to ids, and a Blob
// document for every blob id.
func putTree(env *Env, id string, trees, blobs map[string]string) *Tree {
	t := NewTree(env.key(id))
	t.Trees = entries(trees)
	t.Blobs = entries(blobs)
	env.Session.Track(t)
	for _, b := range t.Blobs {
		env.Session.Track(NewBlob(env.key(b.ID)))
	}
	return t
}

// linearHistory returns a fake with commits c01..cNN, oldest first in ids.
func linearHistory(n int) (*fakeBackend, []string) {
	f := &fakeBackend{parents: make(map[string][]string)}
	var ids []string
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("c%02d", i)
		if i > 1 {
			f.parents[id] = []string{ids[i-2]}
		} else {
			f.parents[id] = nil
		}
		ids = append(ids, id)
	}
	f.order = slices.Clone(ids)
	slices.Reverse(f.order)
	return f, ids
}

func nodeIDs(nodes []*CommitNode) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, n.ObjectID)
	}
	return out
}

func sortedDiffEntries(t *testing.T, seq func(func(DiffEntry, error) bool)) []DiffEntry {
	t.Helper()
	var out []DiffEntry
	for e, err := range seq {
		if err != nil {
			t.Fatalf("diff: %v", err)
		}
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b DiffEntry) int { return cmp.Compare(a.Path, b.Path) })
	return out
}

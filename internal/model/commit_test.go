package model

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/store"
)

func TestCommitSummary(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("é", 80)
	tests := []struct {
		message string
		want    string
	}{
		{message: "", want: ""},
		{message: "Fix the thing\n\nLonger body.\n", want: "Fix the thing"},
		{message: "  padded  \n", want: "padded"},
		{message: strings.Repeat("a", 75), want: strings.Repeat("a", 75)},
		{message: long, want: strings.Repeat("é", 72) + "..."},
	}
	for _, tt := range tests {
		c := &Commit{Message: tt.message}
		if got := c.Summary(); got != tt.want {
			t.Fatalf("Summary(%q) = %q, want %q", tt.message, got, tt.want)
		}
	}
}

func TestCommitFill(t *testing.T) {
	t.Parallel()

	when := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	info := backend.CommitInfo{
		ID:        "c2",
		TreeID:    "t2",
		ParentIDs: []string{"c1"},
		Author:    backend.Signature{Name: "Alice", Email: "alice@example.com", When: when},
		Committer: backend.Signature{Name: "Bob", Email: "bob@example.com", When: when.Add(time.Hour)},
		Message:   "subject\n",
		Extra:     []backend.Extra{{Name: "signed", Value: "pgp"}},
	}
	c := NewCommit(store.Key{RepoID: "repo", ObjectID: "c2"})
	c.Fill(info)

	want := &Commit{
		RepoObject: RepoObject{RepoID: "repo", ObjectID: "c2"},
		TreeID:     "t2",
		ParentIDs:  []string{"c1"},
		Authored:   Identity{Name: "Alice", Email: "alice@example.com", Date: when},
		Committed:  Identity{Name: "Bob", Email: "bob@example.com", Date: when.Add(time.Hour)},
		Message:    "subject\n",
		Extra:      []ExtraField{{Name: "signed", Value: "pgp"}},
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("Fill mismatch (-want +got):\n%s", diff)
	}

	info.ParentIDs[0] = "mutated"
	if c.ParentIDs[0] != "c1" {
		t.Fatal("Fill aliases the parent ids of its input")
	}
}

func TestCommitContextAndLoadCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := &fakeBackend{
		order:   []string{"c3", "side", "c2", "c1"},
		parents: map[string][]string{"c1": nil, "c2": {"c1"}, "side": {"c2"}, "c3": {"c2"}},
	}
	env := newEnv(f)
	putCommit(env, "c1", "", 1)
	c2 := putCommit(env, "c2", "", 2, "c1")
	putCommit(env, "c3", "", 3, "c2")

	prev, next, err := c2.Context(ctx)
	if err != nil {
		t.Fatalf("Context: %v", err)
	}
	if diff := cmp.Diff([]string{"c1"}, nodeIDs(prev)); diff != "" {
		t.Fatalf("prev mismatch (-want +got):\n%s", diff)
	}
	// side has not been ingested and is left out.
	if diff := cmp.Diff([]string{"c3"}, nodeIDs(next)); diff != "" {
		t.Fatalf("next mismatch (-want +got):\n%s", diff)
	}

	got, err := env.LoadCommits(ctx, []string{"c3", "missing", "c1"})
	if err != nil {
		t.Fatalf("LoadCommits: %v", err)
	}
	if diff := cmp.Diff([]string{"c3", "c1"}, nodeIDs(got)); diff != "" {
		t.Fatalf("LoadCommits mismatch (-want +got):\n%s", diff)
	}

	if c, err := env.LoadCommit(ctx, "missing"); c != nil || err != nil {
		t.Fatalf("LoadCommit(missing) = %v, %v", c, err)
	}
	if p, err := prev[0].Parent(ctx); p != nil || err != nil {
		t.Fatalf("root Parent = %v, %v", p, err)
	}
	if got := c2.Shorthand(); got != "[c2]" {
		t.Fatalf("Shorthand = %q", got)
	}
}

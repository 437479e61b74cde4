package model

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/repometa/internal/store"
)

func TestLogLinearPaging(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, ids := linearHistory(10)
	env := newEnv(f)
	env.LogWindow = 5
	for i, id := range ids {
		var parents []string
		if i > 0 {
			parents = []string{ids[i-1]}
		}
		putCommit(env, id, "", i, parents...)
	}
	tip, err := env.LoadCommit(ctx, ids[9])
	if err != nil || tip == nil {
		t.Fatalf("LoadCommit = %v, %v", tip, err)
	}

	page, err := tip.Log(ctx, 0, 5)
	if err != nil {
		t.Fatalf("Log(0, 5): %v", err)
	}
	if diff := cmp.Diff([]string{"c09", "c08", "c07", "c06", "c05"}, nodeIDs(page)); diff != "" {
		t.Fatalf("first page mismatch (-want +got):\n%s", diff)
	}

	page, err = tip.Log(ctx, 5, 5)
	if err != nil {
		t.Fatalf("Log(5, 5): %v", err)
	}
	if diff := cmp.Diff([]string{"c04", "c03", "c02", "c01"}, nodeIDs(page)); diff != "" {
		t.Fatalf("second page mismatch (-want +got):\n%s", diff)
	}

	// Both pages share the two cached windows.
	if diff := cmp.Diff([]string{"c10", "c05"}, f.logCalls); diff != "" {
		t.Fatalf("backend log calls mismatch (-want +got):\n%s", diff)
	}
}

func TestLogIterStopsEarly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, ids := linearHistory(10)
	env := newEnv(f)
	env.LogWindow = 3
	tip := putCommit(env, ids[9], "", 9, ids[8])

	var got []string
	for id, err := range tip.LogIter(ctx, 0, -1) {
		if err != nil {
			t.Fatalf("LogIter: %v", err)
		}
		got = append(got, id)
		if len(got) == 2 {
			break
		}
	}
	if diff := cmp.Diff([]string{"c09", "c08"}, got); diff != "" {
		t.Fatalf("LogIter mismatch (-want +got):\n%s", diff)
	}
	if len(f.logCalls) != 1 {
		t.Fatalf("expected a single window fetch, got %v", f.logCalls)
	}

	var none []string
	for id := range tip.LogIter(ctx, 0, 0) {
		none = append(none, id)
	}
	if len(none) != 0 {
		t.Fatalf("LogIter with count 0 yielded %v", none)
	}
}

func TestCountRevisionsMerge(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name    string
		order   []string
		parents map[string][]string
		want    int
	}{
		{
			//   r <- a <- m
			//   r <- b <-/
			name:  "one commit per side",
			order: []string{"m", "b", "a", "r"},
			parents: map[string][]string{
				"m": {"a", "b"},
				"a": {"r"},
				"b": {"r"},
				"r": nil,
			},
			want: 4,
		},
		{
			//   r <- a1 <- a2 <- a3 <------- m
			//   r <- b1 <- b2 <- b3 <- b4 <-/
			name:  "three and four commits per side",
			order: []string{"m", "b4", "b3", "b2", "b1", "a3", "a2", "a1", "r"},
			parents: map[string][]string{
				"m":  {"a3", "b4"},
				"a3": {"a2"},
				"a2": {"a1"},
				"a1": {"r"},
				"b4": {"b3"},
				"b3": {"b2"},
				"b2": {"b1"},
				"b1": {"r"},
				"r":  nil,
			},
			want: 9,
		},
	}
	for _, tt := range tests {
		f := &fakeBackend{order: tt.order, parents: tt.parents}
		wantSeen := make(map[string]int)
		for id := range tt.parents {
			if id != "m" {
				wantSeen[id] = 1
			}
		}
		for _, window := range []int{1, 2, 3, 4, 50} {
			env := newEnv(f)
			env.LogWindow = window
			m := putCommit(env, "m", "", len(tt.order), tt.parents["m"]...)

			n, err := m.CountRevisions(ctx)
			if err != nil {
				t.Fatalf("%s, window %d: CountRevisions: %v", tt.name, window, err)
			}
			if n != tt.want {
				t.Fatalf("%s, window %d: CountRevisions = %d, want %d", tt.name, window, n, tt.want)
			}

			seen := make(map[string]int)
			for id, err := range m.LogIter(ctx, 0, -1) {
				if err != nil {
					t.Fatalf("%s, window %d: LogIter: %v", tt.name, window, err)
				}
				seen[id]++
			}
			if diff := cmp.Diff(wantSeen, seen); diff != "" {
				t.Fatalf("%s, window %d: ancestors mismatch (-want +got):\n%s", tt.name, window, diff)
			}
		}
	}
}

func TestLogCachePersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f, ids := linearHistory(4)
	driver := store.NewMemory()
	env := newEnv(f)
	env.Session = store.NewSession(driver)
	env.Flight = new(singleflight.Group)

	lc, err := GetLogCache(ctx, env, ids[3])
	if err != nil {
		t.Fatalf("GetLogCache: %v", err)
	}
	if diff := cmp.Diff([]string{"c04", "c03", "c02", "c01"}, lc.ObjectIDs); diff != "" {
		t.Fatalf("object ids mismatch (-want +got):\n%s", diff)
	}

	// A fresh session reads the stored window instead of asking again.
	other := newEnv(f)
	other.Session = store.NewSession(driver)
	again, err := GetLogCache(ctx, other, ids[3])
	if err != nil {
		t.Fatalf("GetLogCache: %v", err)
	}
	if diff := cmp.Diff(lc.ObjectIDs, again.ObjectIDs); diff != "" {
		t.Fatalf("stored window mismatch (-want +got):\n%s", diff)
	}
	if len(f.logCalls) != 1 {
		t.Fatalf("expected one backend call, got %v", f.logCalls)
	}
}

func TestLogIterPropagatesBackendError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	f := &fakeBackend{parents: map[string][]string{}}
	env := newEnv(f)
	c := putCommit(env, "ghost", "", 0)

	var gotErr error
	for _, err := range c.LogIter(ctx, 0, 10) {
		gotErr = err
	}
	if gotErr == nil {
		t.Fatal("expected error")
	}
	if _, err := c.CountRevisions(ctx); err == nil {
		t.Fatal("expected CountRevisions error")
	}
	if errors.Is(gotErr, ErrNotReady) {
		t.Fatalf("unexpected ErrNotReady: %v", gotErr)
	}
}

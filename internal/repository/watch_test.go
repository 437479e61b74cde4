package repository

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thiagokokada/repometa/internal/backend/gitnative"
	"github.com/thiagokokada/repometa/internal/backend/gitnative/gitnativetest"
	"github.com/thiagokokada/repometa/internal/store"
)

func TestShouldIgnoreWatchPath(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		want bool
	}{
		{name: ".git/index.lock", want: true},
		{name: ".git/refs/heads/master.LOCK", want: true},
		{name: ".git/fsmonitor.ipc", want: true},
		{name: ".git/refs/heads/master", want: false},
		{name: ".git/HEAD", want: false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shouldIgnoreWatchPath(tt.name), tt.name)
	}
}

func TestWatcherRejectsInMemoryRepositories(t *testing.T) {
	t.Parallel()

	repo := newTestRepo(t, gitnativetest.New(t), store.NewMemory(), Options{})
	w := &Watcher{Repo: repo}
	require.ErrorIs(t, w.Run(context.Background()), ErrNotWatchable)

	repo = New(store.NewMemory(), failingBackend{}, Options{})
	w = &Watcher{Repo: repo}
	require.ErrorIs(t, w.Run(context.Background()), ErrNotWatchable)
}

func commitFile(t *testing.T, wt *gitlib.Worktree, dir, name, content string, when time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	_, err := wt.Add(name)
	require.NoError(t, err)
	_, err = wt.Commit("add "+name, &gitlib.CommitOptions{
		Author: &object.Signature{Name: "Test", Email: "test@example.com", When: when},
	})
	require.NoError(t, err)
}

func TestWatcherRefreshesOnNewCommits(t *testing.T) {
	dir := t.TempDir()
	raw, err := gitlib.PlainInit(dir, false)
	require.NoError(t, err)
	wt, err := raw.Worktree()
	require.NoError(t, err)
	commitFile(t, wt, dir, "a.txt", "a\n", gitnativetest.Epoch)

	b, err := gitnative.Open(dir, gitnative.Options{})
	require.NoError(t, err)
	repo := New(store.NewMemory(), b, Options{Name: "watched"})
	n, err := repo.Refresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, n)

	refreshed := make(chan int, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	w := &Watcher{
		Repo:  repo,
		Delay: 20 * time.Millisecond,
		OnRefresh: func(n int, err error) {
			if err == nil {
				refreshed <- n
			}
		},
	}
	go func() { done <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	// Give the watcher time to register its paths.
	time.Sleep(100 * time.Millisecond)
	commitFile(t, wt, dir, "b.txt", "b\n", gitnativetest.Epoch.Add(time.Minute))

	deadline := time.After(10 * time.Second)
	total := 0
	for total < 1 {
		select {
		case n := <-refreshed:
			total += n
		case <-deadline:
			t.Fatal("watcher did not pick up the new commit")
		}
	}
	assert.Equal(t, 1, total)
	assert.Equal(t, 2, repo.Count(context.Background(), ""))
}

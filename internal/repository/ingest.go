package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/thiagokokada/repometa/internal/model"
	"github.com/thiagokokada/repometa/internal/store"
)

// ErrDiffDeferred reports commits whose diffs could not be computed because
// their parents were still being ingested elsewhere. Refreshing again resumes
// them.
var ErrDiffDeferred = errors.New("diff deferred")

const repositoriesField = "repositories"

// known reports whether id was fully ingested by some earlier refresh.
func (r *Repository) known(ctx context.Context, id string) (bool, error) {
	c, err := store.Load[model.Commit](ctx, store.NewSession(r.driver), store.Key{RepoID: r.scope, ObjectID: id})
	if err != nil {
		return false, err
	}
	return c != nil && c.Diffed, nil
}

// Refresh ingests the commits added to the backend since the last refresh and
// returns how many there were. Batches flushed before a failure stay stored.
func (r *Repository) Refresh(ctx context.Context) (int, error) {
	start := time.Now()
	if _, err := r.RefreshHeads(ctx); err != nil {
		r.logger.Error("refresh failed", slog.String("op", "refresh heads"), slog.Any("error", err))
		return 0, err
	}
	ids, err := r.backend.NewCommits(ctx, func(id string) (bool, error) { return r.known(ctx, id) })
	if err != nil {
		r.logger.Error("refresh failed", slog.String("op", "new commits"), slog.Any("error", err))
		return 0, fmt.Errorf("refresh %s: %w", r.name, err)
	}
	if len(ids) == 0 {
		r.logger.Debug("refresh: nothing new")
		return 0, nil
	}
	r.logger.Info("refreshing", slog.Int("new", len(ids)))

	if err := r.storeCommits(ctx, ids); err != nil {
		r.logger.Error("refresh failed", slog.String("op", "store commits"), slog.Any("error", err))
		return 0, fmt.Errorf("refresh %s: %w", r.name, err)
	}
	if err := r.diffCommits(ctx, ids); err != nil {
		r.logger.Error("refresh failed", slog.String("op", "compute diffs"), slog.Any("error", err))
		return 0, fmt.Errorf("refresh %s: %w", r.name, err)
	}
	r.logger.Info("refreshed",
		slog.Int("new", len(ids)),
		slog.Duration("took", time.Since(start)))
	return len(ids), nil
}

func (r *Repository) flush(ctx context.Context, env *model.Env) error {
	if err := env.Session.Flush(ctx); err != nil {
		return err
	}
	env.Session.Clear()
	return nil
}

// storeCommits is the first pass: one commit document per id with its
// metadata and tree. ids come parents first. A commit document is inserted
// complete, so an actor that finds one already stored leaves it alone apart
// from joining its repositories and storing any part of its tree that is
// still missing.
func (r *Repository) storeCommits(ctx context.Context, ids []string) error {
	env := r.Env()
	pending := 0
	for i, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, created, err := r.insertCommit(ctx, env, id)
		if err != nil {
			return err
		}
		if !created {
			if !slices.Contains(c.Repositories, r.id) {
				if _, err := env.Session.AddToSet(ctx, c, repositoriesField, r.id); err != nil {
					return err
				}
				c.Repositories = append(c.Repositories, r.id)
			}
			if c.Diffed {
				env.Session.Expunge(c)
				continue
			}
		}
		// The stored document is final until the diff pass; only tree objects
		// are written from here.
		env.Session.Expunge(c)
		if err := r.storeTree(ctx, env, env.Bind(c), c.TreeID); err != nil {
			return fmt.Errorf("commit %s: %w", id, err)
		}
		pending++
		if pending >= r.batchSize {
			if err := r.flush(ctx, env); err != nil {
				return err
			}
			r.logger.Debug("stored commits", slog.Int("done", i+1), slog.Int("total", len(ids)))
			pending = 0
		}
	}
	return r.flush(ctx, env)
}

// insertCommit returns the stored commit id, inserting it with its metadata
// and this repository as its only member when it is not stored yet.
func (r *Repository) insertCommit(ctx context.Context, env *model.Env, id string) (*model.Commit, bool, error) {
	key := store.Key{RepoID: r.scope, ObjectID: id}
	c, err := store.Load[model.Commit](ctx, env.Session, key)
	if err != nil || c != nil {
		return c, false, err
	}
	info, err := r.backend.RefreshCommit(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return store.Upsert(ctx, env.Session, key, func(key store.Key) *model.Commit {
		fresh := model.NewCommit(key)
		fresh.Fill(info)
		fresh.Repositories = []string{r.id}
		return fresh
	})
}

// storeTree stores tree id and everything below it that is not stored yet.
// Children are written before their parent, so a stored tree is always
// complete. New objects record ci as their last commit.
func (r *Repository) storeTree(ctx context.Context, env *model.Env, ci *model.CommitNode, id string) error {
	key := store.Key{RepoID: r.scope, ObjectID: id}
	existing, err := store.Load[model.Tree](ctx, env.Session, key)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	info, err := r.backend.Tree(ctx, id)
	if err != nil {
		return err
	}
	for _, e := range info.Trees {
		if err := r.storeTree(ctx, env, ci, e.ID); err != nil {
			return err
		}
	}
	for _, e := range info.Blobs {
		b, created, err := store.Upsert(ctx, env.Session, store.Key{RepoID: r.scope, ObjectID: e.ID}, model.NewBlob)
		if err != nil {
			return err
		}
		if created {
			if err := b.SetLastCommit(ci); err != nil {
				return err
			}
		}
	}

	fresh := model.NewTree(key)
	for _, e := range info.Trees {
		fresh.Trees = append(fresh.Trees, model.TreeEntry{ID: e.ID, Name: e.Name})
	}
	for _, e := range info.Blobs {
		fresh.Blobs = append(fresh.Blobs, model.TreeEntry{ID: e.ID, Name: e.Name})
	}
	fresh.SortEntries()
	if err := fresh.SetLastCommit(ci); err != nil {
		return err
	}
	_, _, err = store.Upsert(ctx, env.Session, key, func(store.Key) *model.Tree { return fresh })
	return err
}

// diffCommits is the second pass. Commits whose parent is not stored yet are
// retried in later rounds.
func (r *Repository) diffCommits(ctx context.Context, ids []string) error {
	env := r.Env()
	pending := ids
	for round := 0; ; round++ {
		var deferred []string
		done := 0
		for _, id := range pending {
			if err := ctx.Err(); err != nil {
				return err
			}
			c, err := env.LoadCommit(ctx, id)
			if err != nil {
				return err
			}
			if c == nil {
				r.logger.Debug("commit vanished before diffing", slog.String("id", id))
				continue
			}
			if c.Diffed {
				env.Session.Expunge(c.Commit)
				continue
			}
			err = c.ComputeDiffs(ctx)
			if errors.Is(err, model.ErrNotReady) {
				r.logger.Debug("diff deferred", slog.String("id", id), slog.Any("error", err))
				env.Session.Expunge(c.Commit)
				deferred = append(deferred, id)
				continue
			}
			if err != nil {
				return err
			}
			done++
			if done%r.batchSize == 0 {
				if err := r.flush(ctx, env); err != nil {
					return err
				}
			}
		}
		if err := r.flush(ctx, env); err != nil {
			return err
		}
		if len(deferred) == 0 {
			return nil
		}
		if round >= r.diffRetries {
			return fmt.Errorf("%d commits: %w", len(deferred), ErrDiffDeferred)
		}
		r.logger.Info("retrying deferred diffs", slog.Int("commits", len(deferred)), slog.Int("round", round+1))
		timer := time.NewTimer(r.diffRetryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		pending = deferred
	}
}

// RefreshAll refreshes repos concurrently, at most parallelism at a time.
// counts[i] is the result for repos[i]. The first error cancels the rest.
func RefreshAll(ctx context.Context, repos []*Repository, parallelism int) ([]int, error) {
	counts := make([]int, len(repos))
	g, ctx := errgroup.WithContext(ctx)
	if parallelism > 0 {
		g.SetLimit(parallelism)
	}
	for i, repo := range repos {
		g.Go(func() error {
			n, err := repo.Refresh(ctx)
			counts[i] = n
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return counts, err
	}
	return counts, nil
}

package model

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"slices"

	"github.com/thiagokokada/repometa/internal/store"
)

const LogCacheCollection = "log_cache"

// LogCache memoizes one window of a commit's ancestry: ObjectIDs holds the
// commit and its nearest ancestors, children before parents, and Candidates
// the parents whose own windows have not been folded in.
type LogCache struct {
	RepoID     string   `json:"repo_id"`
	ObjectID   string   `json:"object_id"`
	ObjectIDs  []string `json:"object_ids"`
	Candidates []string `json:"candidates"`
}

func newLogCache(key store.Key) *LogCache {
	return &LogCache{RepoID: key.RepoID, ObjectID: key.ObjectID}
}

func (*LogCache) Collection() string { return LogCacheCollection }

func (l *LogCache) DocKey() store.Key {
	return store.Key{RepoID: l.RepoID, ObjectID: l.ObjectID}
}

type logWindow struct {
	ids, candidates []string
}

// GetLogCache returns the log cache entry of id, asking the backend for the
// window when the entry is new or empty. A populated entry is never refetched.
func GetLogCache(ctx context.Context, env *Env, id string) (*LogCache, error) {
	lc, _, err := store.Upsert(ctx, env.Session, env.key(id), newLogCache)
	if err != nil {
		return nil, fmt.Errorf("log cache %s: %w", id, err)
	}
	if len(lc.ObjectIDs) > 0 {
		return lc, nil
	}

	populate := func() (any, error) {
		ids, candidates, err := env.Repo.Backend().Log(ctx, id, 0, env.logWindow())
		if err != nil {
			return nil, err
		}
		return logWindow{ids: ids, candidates: candidates}, nil
	}
	var v any
	if env.Flight != nil {
		v, err, _ = env.Flight.Do(env.Repo.RepoID()+"\x00"+id, populate)
	} else {
		v, err = populate()
	}
	if err != nil {
		return nil, fmt.Errorf("log cache %s: %w", id, err)
	}
	w := v.(logWindow)
	lc.ObjectIDs = slices.Clone(w.ids)
	lc.Candidates = slices.Clone(w.candidates)
	if err := env.Session.Save(ctx, lc); err != nil {
		return nil, fmt.Errorf("log cache %s: %w", id, err)
	}
	slog.Debug("populated log cache",
		slog.String("repo", env.Repo.RepoID()),
		slog.String("id", id),
		slog.Int("ids", len(lc.ObjectIDs)),
		slog.Int("candidates", len(lc.Candidates)))
	return lc, nil
}

// walkAncestors calls yield once per distinct ancestor of start, excluding
// start, until yield returns false. Windows are fetched lazily: a candidate
// is only expanded once every id ahead of it has been consumed.
func walkAncestors(ctx context.Context, env *Env, start string, yield func(id string) bool) error {
	seen := map[string]bool{start: true}
	var stack []string

	visit := func(id string) (bool, error) {
		lc, err := GetLogCache(ctx, env, id)
		if err != nil {
			return false, err
		}
		for _, oid := range lc.ObjectIDs {
			if seen[oid] {
				continue
			}
			seen[oid] = true
			if !yield(oid) {
				return false, nil
			}
		}
		stack = append(stack, lc.Candidates...)
		return true, nil
	}

	more, err := visit(start)
	for err == nil && more && len(stack) > 0 {
		if err = ctx.Err(); err != nil {
			break
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[id] {
			continue
		}
		more, err = visit(id)
	}
	return err
}

// LogIter streams the ids of c's ancestors after skipping skip of them. A
// negative count means no limit. Iteration stops at the first error.
func (c *CommitNode) LogIter(ctx context.Context, skip, count int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if count == 0 {
			return
		}
		n := 0
		stopped := false
		err := walkAncestors(ctx, c.env, c.ObjectID, func(id string) bool {
			n++
			if n <= skip {
				return true
			}
			if !yield(id, nil) {
				stopped = true
				return false
			}
			return count < 0 || n-skip < count
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// CountRevisions counts c and its distinct ancestors.
func (c *CommitNode) CountRevisions(ctx context.Context) (int, error) {
	n := 1
	err := walkAncestors(ctx, c.env, c.ObjectID, func(string) bool {
		n++
		return true
	})
	if err != nil {
		return 0, fmt.Errorf("count revisions %s: %w", c.ObjectID, err)
	}
	return n, nil
}

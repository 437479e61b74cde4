// Package model is the object graph built on top of the document store:
// commits, trees, blobs and the log cache that memoizes ancestry.
//
// Persisted documents (Commit, Tree, Blob, LogCache) carry no traversal state.
// Traversals bind them to an Env and walk through short-lived node values
// (CommitNode, TreeNode, BlobNode) so that concurrent walks over the same
// document never share context.
package model

import (
	"errors"

	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/store"
)

// DefaultLogWindow is how many ancestors one log cache entry holds.
const DefaultLogWindow = 50

// ErrNotReady reports a commit whose parent or trees are not materialized
// yet. The caller should retry after the ingestion that owns them finishes.
var ErrNotReady = errors.New("commit not ready")

// Repo is what the model needs from a repository.
type Repo interface {
	RepoID() string
	Backend() backend.Backend
	GuessType(filename string) (contentType, encoding string)
}

// Env binds documents to a repository and a unit of work. An Env is not safe
// for concurrent use since its Session is not.
type Env struct {
	Repo    Repo
	Session *store.Session
	// LogWindow overrides DefaultLogWindow when positive.
	LogWindow int
	// Flight collapses concurrent log cache population for the same commit.
	// It may be shared between Envs; nil disables collapsing.
	Flight *singleflight.Group
}

func (e *Env) key(id string) store.Key {
	return store.Key{RepoID: e.Repo.RepoID(), ObjectID: id}
}

func (e *Env) logWindow() int {
	if e.LogWindow > 0 {
		return e.LogWindow
	}
	return DefaultLogWindow
}

// Package backend defines the contract between the metadata layer and a
// native version-control system.
//
// The metadata layer only ever talks to a Backend; variants live in
// subpackages (gitnative for an in-process git implementation, gitcli for one
// that shells out to the git executable).
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotImplemented reports an operation the backend variant does not support.
// Callers treat it as a programming error.
var ErrNotImplemented = errors.New("not implemented")

// Backend abstracts access to a native repository.
type Backend interface {
	// Kind names the VCS ("git", "hg", "svn"). It doubles as the default
	// repo id scope for stored objects.
	Kind() string

	Init(ctx context.Context) error
	CloneFrom(ctx context.Context, source string) error
	RefreshHeads(ctx context.Context) (Heads, error)

	// NewCommits returns the ids of commits reachable from any head for which
	// known reports false, ordered so that parents come before children.
	// Traversal does not continue past known commits.
	NewCommits(ctx context.Context, known func(id string) (bool, error)) ([]string, error)
	RefreshCommit(ctx context.Context, id string) (CommitInfo, error)
	Tree(ctx context.Context, id string) (TreeInfo, error)

	// Commit resolves rev (a branch, tag or id) to a commit id. ok is false
	// when rev does not name a commit.
	Commit(ctx context.Context, rev string) (id string, ok bool, err error)
	// CommitContext returns the parents and children of id.
	CommitContext(ctx context.Context, id string) (prev, next []string, err error)
	OpenBlob(ctx context.Context, id string) (io.ReadCloser, error)

	// Log returns up to count ancestors of id, id itself included, after
	// skipping skip of them. Children come before parents. candidates are the
	// parents of returned commits whose own ancestry was not expanded.
	Log(ctx context.Context, id string, skip, count int) (ids, candidates []string, err error)

	ShorthandForCommit(id string) string
	URLForCommit(id string) string
}

// CopyDetector is implemented by backends that can tell which paths of a
// commit were copied or renamed from paths of its parent.
type CopyDetector interface {
	Copies(ctx context.Context, parentID, id string) ([]CopyPair, error)
}

// Watchable is implemented by backends stored on the local filesystem.
type Watchable interface {
	// WatchPaths lists the directories whose changes signal new history.
	WatchPaths() []string
}

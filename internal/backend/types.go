package backend

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"
)

type Signature struct {
	Name  string
	Email string
	When  time.Time
}

type Extra struct {
	Name  string
	Value string
}

// CommitInfo is the native data of one commit.
type CommitInfo struct {
	ID        string
	TreeID    string
	ParentIDs []string
	Author    Signature
	Committer Signature
	Message   string
	Extra     []Extra
}

// TreeEntry is a named child of a tree.
type TreeEntry struct {
	ID   string
	Name string
}

type TreeInfo struct {
	ID    string
	Trees []TreeEntry
	Blobs []TreeEntry
}

type CopyPair struct {
	Old string
	New string
}

type RefKind uint8

const (
	RefKindBranch RefKind = iota
	RefKindRemoteBranch
	RefKindTag
)

func (k RefKind) String() string {
	switch k {
	case RefKindBranch:
		return "branch"
	case RefKindRemoteBranch:
		return "remote"
	case RefKindTag:
		return "tag"
	default:
		return fmt.Sprintf("RefKind(%d)", k)
	}
}

type Ref struct {
	Hash string
	Kind RefKind
	Name string // short name: main, origin/main, v1
}

// Heads is a snapshot of the repository pointers.
type Heads struct {
	// Head is the checked-out branch, or "HEAD" with the commit id when
	// detached. Its Hash is empty for an unborn repository.
	Head     Ref
	Branches []Ref
	Tags     []Ref
}

// Shorthand renders the short display form of a commit id.
func Shorthand(id string) string {
	if len(id) > 6 {
		id = id[:6]
	}
	return "[" + id + "]"
}

// CommitURL joins a repository URL prefix and a commit id.
func CommitURL(prefix, id string) string {
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return prefix + "ci/" + id + "/"
}

// Unimplemented can be embedded by partial backends. Every operation fails
// with an error wrapping ErrNotImplemented.
type Unimplemented struct{}

func notImplemented(op string) error {
	return fmt.Errorf("%s: %w", op, ErrNotImplemented)
}

func (Unimplemented) Init(context.Context) error { return notImplemented("init") }

func (Unimplemented) CloneFrom(context.Context, string) error {
	return notImplemented("clone from")
}

func (Unimplemented) RefreshHeads(context.Context) (Heads, error) {
	return Heads{}, notImplemented("refresh heads")
}

func (Unimplemented) NewCommits(context.Context, func(string) (bool, error)) ([]string, error) {
	return nil, notImplemented("new commits")
}

func (Unimplemented) RefreshCommit(context.Context, string) (CommitInfo, error) {
	return CommitInfo{}, notImplemented("refresh commit")
}

func (Unimplemented) Tree(context.Context, string) (TreeInfo, error) {
	return TreeInfo{}, notImplemented("tree")
}

func (Unimplemented) Commit(context.Context, string) (string, bool, error) {
	return "", false, notImplemented("commit")
}

func (Unimplemented) CommitContext(context.Context, string) ([]string, []string, error) {
	return nil, nil, notImplemented("commit context")
}

func (Unimplemented) OpenBlob(context.Context, string) (io.ReadCloser, error) {
	return nil, notImplemented("open blob")
}

func (Unimplemented) Log(context.Context, string, int, int) ([]string, []string, error) {
	return nil, nil, notImplemented("log")
}

func (Unimplemented) ShorthandForCommit(id string) string { return Shorthand(id) }

func (Unimplemented) URLForCommit(id string) string { return CommitURL("", id) }

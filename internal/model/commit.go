package model

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/store"
)

const CommitCollection = "repo_commit"

const summaryLength = 75

type Identity struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type CopyRecord struct {
	Old string `json:"old"`
	New string `json:"new"`
}

// Diffs lists the paths a commit touched relative to its first parent.
type Diffs struct {
	Added   []string     `json:"added"`
	Removed []string     `json:"removed"`
	Changed []string     `json:"changed"`
	Copied  []CopyRecord `json:"copied"`
}

type ExtraField struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type Commit struct {
	RepoObject
	TreeID       string       `json:"tree_id"`
	ParentIDs    []string     `json:"parent_ids"`
	Authored     Identity     `json:"authored"`
	Committed    Identity     `json:"committed"`
	Message      string       `json:"message"`
	Diffs        Diffs        `json:"diffs"`
	Extra        []ExtraField `json:"extra,omitempty"`
	Repositories []string     `json:"repositories"`
	Diffed       bool         `json:"diffed"`
}

func NewCommit(key store.Key) *Commit {
	return &Commit{RepoObject: RepoObject{RepoID: key.RepoID, ObjectID: key.ObjectID}}
}

func (*Commit) Collection() string { return CommitCollection }

// Fill copies the native metadata of info into c.
func (c *Commit) Fill(info backend.CommitInfo) {
	c.TreeID = info.TreeID
	c.ParentIDs = append([]string(nil), info.ParentIDs...)
	c.Authored = Identity{Name: info.Author.Name, Email: info.Author.Email, Date: info.Author.When}
	c.Committed = Identity{Name: info.Committer.Name, Email: info.Committer.Email, Date: info.Committer.When}
	c.Message = info.Message
	c.Extra = c.Extra[:0]
	for _, e := range info.Extra {
		c.Extra = append(c.Extra, ExtraField{Name: e.Name, Value: e.Value})
	}
}

// Summary is the first line of the message, shortened to fit one table cell.
func (c *Commit) Summary() string {
	line, _, _ := strings.Cut(c.Message, "\n")
	line = strings.TrimSpace(line)
	if utf8.RuneCountInString(line) <= summaryLength {
		return line
	}
	runes := []rune(line)
	return string(runes[:summaryLength-3]) + "..."
}

// CommitNode is a Commit bound to an Env for traversal.
type CommitNode struct {
	*Commit
	env *Env
}

func (e *Env) Bind(c *Commit) *CommitNode {
	if c == nil {
		return nil
	}
	return &CommitNode{Commit: c, env: e}
}

// LoadCommit returns the commit stored under id, or nil when there is none.
func (e *Env) LoadCommit(ctx context.Context, id string) (*CommitNode, error) {
	c, err := store.Load[Commit](ctx, e.Session, e.key(id))
	if err != nil {
		return nil, fmt.Errorf("load commit %s: %w", id, err)
	}
	return e.Bind(c), nil
}

// LoadCommits returns the stored commits among ids in the order of ids.
// Missing ids are skipped.
func (e *Env) LoadCommits(ctx context.Context, ids []string) ([]*CommitNode, error) {
	found, err := store.LoadMany[Commit](ctx, e.Session, e.Repo.RepoID(), ids)
	if err != nil {
		return nil, fmt.Errorf("load commits: %w", err)
	}
	out := make([]*CommitNode, 0, len(ids))
	for _, id := range ids {
		c, ok := found[id]
		if !ok {
			slog.Debug("commit missing from store", slog.String("repo", e.Repo.RepoID()), slog.String("id", id))
			continue
		}
		out = append(out, e.Bind(c))
	}
	return out, nil
}

func (c *CommitNode) Env() *Env { return c.env }

func (c *CommitNode) Shorthand() string {
	return c.env.Repo.Backend().ShorthandForCommit(c.ObjectID)
}

func (c *CommitNode) URL() string {
	return c.env.Repo.Backend().URLForCommit(c.ObjectID)
}

// Tree returns the root tree, or nil when it is not materialized.
func (c *CommitNode) Tree(ctx context.Context) (*TreeNode, error) {
	if c.TreeID == "" {
		return nil, nil
	}
	t, err := c.env.loadTree(ctx, c.TreeID)
	if err != nil || t == nil {
		return nil, err
	}
	return &TreeNode{Tree: t, commit: c}, nil
}

// Parent returns the first parent, or nil for root commits and parents not
// stored yet.
func (c *CommitNode) Parent(ctx context.Context) (*CommitNode, error) {
	if len(c.ParentIDs) == 0 {
		return nil, nil
	}
	return c.env.LoadCommit(ctx, c.ParentIDs[0])
}

func splitRepoPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// GetPath resolves a slash separated path to a blob of the commit's tree.
func (c *CommitNode) GetPath(ctx context.Context, path string) (*BlobNode, error) {
	parts := splitRepoPath(path)
	if len(parts) == 0 {
		return nil, nil
	}
	root, err := c.Tree(ctx)
	if err != nil || root == nil {
		return nil, err
	}
	return root.GetBlob(ctx, parts[len(parts)-1], parts[:len(parts)-1])
}

// GetTree resolves a slash separated path to a directory. The empty path and
// "/" name the root tree.
func (c *CommitNode) GetTree(ctx context.Context, path string) (*TreeNode, error) {
	t, err := c.Tree(ctx)
	for _, name := range splitRepoPath(path) {
		if err != nil || t == nil {
			break
		}
		t, err = t.GetTree(ctx, name)
	}
	return t, err
}

// Context returns the stored parents and children of c.
func (c *CommitNode) Context(ctx context.Context) (prev, next []*CommitNode, err error) {
	prevIDs, nextIDs, err := c.env.Repo.Backend().CommitContext(ctx, c.ObjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", c.ObjectID, err)
	}
	if prev, err = c.env.LoadCommits(ctx, prevIDs); err != nil {
		return nil, nil, err
	}
	if next, err = c.env.LoadCommits(ctx, nextIDs); err != nil {
		return nil, nil, err
	}
	return prev, next, nil
}

// Log returns up to count ancestors of c, nearest first, after skipping skip
// of them. c itself is not part of its log.
func (c *CommitNode) Log(ctx context.Context, skip, count int) ([]*CommitNode, error) {
	var ids []string
	for id, err := range c.LogIter(ctx, skip, count) {
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return c.env.LoadCommits(ctx, ids)
}

// SetFields lets concurrent ingestions register their repository without
// overwriting each other.
func (*Commit) SetFields() []string { return []string{"repositories"} }

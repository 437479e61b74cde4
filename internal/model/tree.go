package model

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/thiagokokada/repometa/internal/store"
)

const TreeCollection = "repo_tree"

var readmeNames = []string{"readme.txt", "README.txt", "README.TXT", "README"}

type TreeEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Tree is a directory snapshot. Entries are sorted by name.
type Tree struct {
	RepoObject
	Trees []TreeEntry `json:"trees"`
	Blobs []TreeEntry `json:"blobs"`
}

func NewTree(key store.Key) *Tree {
	return &Tree{RepoObject: RepoObject{RepoID: key.RepoID, ObjectID: key.ObjectID}}
}

func (*Tree) Collection() string { return TreeCollection }

// SortEntries orders Trees and Blobs by name.
func (t *Tree) SortEntries() {
	byName := func(a, b TreeEntry) int { return cmp.Compare(a.Name, b.Name) }
	slices.SortFunc(t.Trees, byName)
	slices.SortFunc(t.Blobs, byName)
}

func findEntry(entries []TreeEntry, name string) (TreeEntry, bool) {
	for _, e := range entries {
		if e.Name == name {
			return e, true
		}
	}
	return TreeEntry{}, false
}

func (e *Env) loadTree(ctx context.Context, id string) (*Tree, error) {
	t, err := store.Load[Tree](ctx, e.Session, e.key(id))
	if err != nil {
		return nil, fmt.Errorf("load tree %s: %w", id, err)
	}
	return t, nil
}

// TreeNode is a Tree reached from a commit. The same Tree document can be
// reached through many nodes, one per commit and path.
type TreeNode struct {
	*Tree
	commit *CommitNode
	parent *TreeNode
	name   string
}

func (t *TreeNode) Commit() *CommitNode {
	if t.commit == nil {
		panic("model: tree " + t.ObjectID + " is not bound to a commit")
	}
	return t.commit
}

// Name is empty for the root tree.
func (t *TreeNode) Name() string { return t.name }

func (t *TreeNode) Parent() *TreeNode { return t.parent }

// GetTree returns the subtree called name, or nil.
func (t *TreeNode) GetTree(ctx context.Context, name string) (*TreeNode, error) {
	c := t.Commit()
	e, ok := findEntry(t.Trees, name)
	if !ok {
		return nil, nil
	}
	sub, err := c.env.loadTree(ctx, e.ID)
	if err != nil || sub == nil {
		return nil, err
	}
	return &TreeNode{Tree: sub, commit: c, parent: t, name: name}, nil
}

// GetBlob returns the blob called name inside the subdirectory named by
// path, or nil.
func (t *TreeNode) GetBlob(ctx context.Context, name string, path []string) (*BlobNode, error) {
	if len(path) > 0 {
		sub, err := t.GetTree(ctx, path[0])
		if err != nil || sub == nil {
			return nil, err
		}
		return sub.GetBlob(ctx, name, path[1:])
	}
	c := t.Commit()
	e, ok := findEntry(t.Blobs, name)
	if !ok {
		return nil, nil
	}
	b, err := store.Load[Blob](ctx, c.env.Session, c.env.key(e.ID))
	if err != nil {
		return nil, fmt.Errorf("load blob %s: %w", e.ID, err)
	}
	if b == nil {
		return nil, nil
	}
	return &BlobNode{Blob: b, tree: t, name: name}, nil
}

func (t *TreeNode) IsBlob(name string) bool {
	_, ok := findEntry(t.Blobs, name)
	return ok
}

// Path is "/" for the root tree and ends with a slash for every subtree.
func (t *TreeNode) Path() string {
	t.Commit()
	if t.parent == nil {
		return "/"
	}
	return t.parent.Path() + t.name + "/"
}

func (t *TreeNode) URL() string {
	return t.Commit().URL() + "tree" + t.Path()
}

type EntryKind string

const (
	EntryDir  EntryKind = "DIR"
	EntryFile EntryKind = "FILE"
)

// LsEntry is one row of a directory listing.
type LsEntry struct {
	Kind       EntryKind
	Name       string
	Href       string
	LastCommit *LastCommit
}

// Ls lists directories then files, each group sorted by name.
func (t *TreeNode) Ls(ctx context.Context) ([]LsEntry, error) {
	c := t.Commit()
	repoID := c.env.Repo.RepoID()
	trees, err := store.LoadMany[Tree](ctx, c.env.Session, repoID, entryIDs(t.Trees))
	if err != nil {
		return nil, fmt.Errorf("ls %s: %w", t.Path(), err)
	}
	blobs, err := store.LoadMany[Blob](ctx, c.env.Session, repoID, entryIDs(t.Blobs))
	if err != nil {
		return nil, fmt.Errorf("ls %s: %w", t.Path(), err)
	}

	var out []LsEntry
	for _, e := range sortedEntries(t.Trees) {
		row := LsEntry{Kind: EntryDir, Name: e.Name, Href: e.Name + "/"}
		if sub, ok := trees[e.ID]; ok {
			row.LastCommit = sub.LastCommit
		}
		out = append(out, row)
	}
	for _, e := range sortedEntries(t.Blobs) {
		if e.Name == "." {
			continue
		}
		row := LsEntry{Kind: EntryFile, Name: e.Name, Href: e.Name}
		if b, ok := blobs[e.ID]; ok {
			row.LastCommit = b.LastCommit
		}
		out = append(out, row)
	}
	return out, nil
}

func entryIDs(entries []TreeEntry) []string {
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	return ids
}

func sortedEntries(entries []TreeEntry) []TreeEntry {
	return slices.SortedFunc(slices.Values(entries), func(a, b TreeEntry) int {
		return cmp.Compare(a.Name, b.Name)
	})
}

// Readme returns the first blob with a conventional readme name, or nil.
func (t *TreeNode) Readme(ctx context.Context) (*BlobNode, error) {
	for _, name := range readmeNames {
		if !t.IsBlob(name) {
			continue
		}
		return t.GetBlob(ctx, name, nil)
	}
	return nil, nil
}

// ComputeHash fingerprints the content of the tree. Equal fingerprints mean
// equal content; they are not native VCS hashes.
func (t *TreeNode) ComputeHash(ctx context.Context) (string, error) {
	st, err := StagingFromTree(ctx, t)
	if err != nil {
		return "", err
	}
	return st.Hex(), nil
}

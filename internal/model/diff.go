package model

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/thiagokokada/repometa/internal/backend"
)

type DiffKind uint8

const (
	DiffNew DiffKind = iota
	DiffDelete
	DiffCopy
	DiffChange
)

func (k DiffKind) String() string {
	switch k {
	case DiffNew:
		return "new"
	case DiffDelete:
		return "delete"
	case DiffCopy:
		return "copy"
	case DiffChange:
		return "change"
	default:
		return fmt.Sprintf("DiffKind(%d)", k)
	}
}

// DiffEntry is one changed blob path. OldID is empty for DiffNew and NewID
// for DiffDelete.
type DiffEntry struct {
	Kind  DiffKind
	Path  string
	OldID string
	NewID string
}

var errStopDiff = errors.New("stop diff")

// DiffTrees compares two trees blob by blob. A nil side stands for an empty
// tree. Paths start with "/". Subtrees are only loaded when the iteration
// reaches them.
func DiffTrees(ctx context.Context, a, b *TreeNode) iter.Seq2[DiffEntry, error] {
	return func(yield func(DiffEntry, error) bool) {
		emit := func(e DiffEntry) error {
			if !yield(e, nil) {
				return errStopDiff
			}
			return nil
		}
		if err := diffTrees(ctx, a, b, "/", emit); err != nil && !errors.Is(err, errStopDiff) {
			yield(DiffEntry{}, err)
		}
	}
}

func diffTrees(ctx context.Context, a, b *TreeNode, prefix string, emit func(DiffEntry) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch {
	case a == nil && b == nil:
		return nil
	case a == nil:
		return expand(ctx, b, prefix, DiffNew, emit)
	case b == nil:
		return expand(ctx, a, prefix, DiffDelete, emit)
	case a.ObjectID == b.ObjectID:
		return nil
	}

	removed := entryDifference(a.Blobs, b.Blobs)
	added := entryDifference(b.Blobs, a.Blobs)
	for _, old := range removed {
		if i := slices.IndexFunc(added, func(e TreeEntry) bool { return e.Name == old.Name }); i >= 0 {
			if err := emit(DiffEntry{Kind: DiffChange, Path: prefix + old.Name, OldID: old.ID, NewID: added[i].ID}); err != nil {
				return err
			}
			added = slices.Delete(added, i, i+1)
			continue
		}
		if err := emit(DiffEntry{Kind: DiffDelete, Path: prefix + old.Name, OldID: old.ID}); err != nil {
			return err
		}
	}
	for _, e := range added {
		if err := emit(DiffEntry{Kind: DiffNew, Path: prefix + e.Name, NewID: e.ID}); err != nil {
			return err
		}
	}

	for _, e := range a.Trees {
		other, ok := findEntry(b.Trees, e.Name)
		if ok && other.ID == e.ID {
			continue
		}
		sa, err := subtree(ctx, a, e.Name)
		if err != nil {
			return err
		}
		var sb *TreeNode
		if ok {
			if sb, err = subtree(ctx, b, e.Name); err != nil {
				return err
			}
		}
		if err := diffTrees(ctx, sa, sb, prefix+e.Name+"/", emit); err != nil {
			return err
		}
	}
	for _, e := range b.Trees {
		if _, ok := findEntry(a.Trees, e.Name); ok {
			continue
		}
		sb, err := subtree(ctx, b, e.Name)
		if err != nil {
			return err
		}
		if err := diffTrees(ctx, nil, sb, prefix+e.Name+"/", emit); err != nil {
			return err
		}
	}
	return nil
}

// entryDifference returns the entries of a missing from b, comparing id and
// name.
func entryDifference(a, b []TreeEntry) []TreeEntry {
	var out []TreeEntry
	for _, e := range a {
		if !slices.Contains(b, e) {
			out = append(out, e)
		}
	}
	return out
}

func subtree(ctx context.Context, t *TreeNode, name string) (*TreeNode, error) {
	sub, err := t.GetTree(ctx, name)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, fmt.Errorf("tree %s%s: %w", t.Path(), name, ErrNotReady)
	}
	return sub, nil
}

func expand(ctx context.Context, t *TreeNode, prefix string, kind DiffKind, emit func(DiffEntry) error) error {
	for _, e := range t.Blobs {
		entry := DiffEntry{Kind: kind, Path: prefix + e.Name}
		if kind == DiffNew {
			entry.NewID = e.ID
		} else {
			entry.OldID = e.ID
		}
		if err := emit(entry); err != nil {
			return err
		}
	}
	for _, e := range t.Trees {
		sub, err := subtree(ctx, t, e.Name)
		if err != nil {
			return err
		}
		if err := expand(ctx, sub, prefix+e.Name+"/", kind, emit); err != nil {
			return err
		}
	}
	return nil
}

// ComputeDiffs records what c changed relative to its first parent and marks
// c as diffed. A root commit adds every path of its tree. It returns
// ErrNotReady while the parent commit or either tree is not stored yet.
func (c *CommitNode) ComputeDiffs(ctx context.Context) error {
	tree, err := c.Tree(ctx)
	if err != nil {
		return fmt.Errorf("compute diffs %s: %w", c.ObjectID, err)
	}
	if tree == nil {
		return fmt.Errorf("compute diffs %s: tree %s: %w", c.ObjectID, c.TreeID, ErrNotReady)
	}
	var parent *CommitNode
	var parentTree *TreeNode
	if len(c.ParentIDs) > 0 {
		if parent, err = c.Parent(ctx); err != nil {
			return fmt.Errorf("compute diffs %s: %w", c.ObjectID, err)
		}
		if parent == nil {
			return fmt.Errorf("compute diffs %s: parent %s: %w", c.ObjectID, c.ParentIDs[0], ErrNotReady)
		}
		if parentTree, err = parent.Tree(ctx); err != nil {
			return fmt.Errorf("compute diffs %s: %w", c.ObjectID, err)
		}
		if parentTree == nil {
			return fmt.Errorf("compute diffs %s: parent tree %s: %w", c.ObjectID, parent.TreeID, ErrNotReady)
		}
	}

	var diffs Diffs
	for e, err := range DiffTrees(ctx, parentTree, tree) {
		if err != nil {
			return fmt.Errorf("compute diffs %s: %w", c.ObjectID, err)
		}
		switch e.Kind {
		case DiffNew:
			diffs.Added = append(diffs.Added, e.Path)
		case DiffDelete:
			diffs.Removed = append(diffs.Removed, e.Path)
		case DiffChange:
			diffs.Changed = append(diffs.Changed, e.Path)
		}
	}

	if cd, ok := c.env.Repo.Backend().(backend.CopyDetector); ok && parent != nil {
		pairs, err := cd.Copies(ctx, parent.ObjectID, c.ObjectID)
		if err != nil {
			return fmt.Errorf("compute diffs %s: %w", c.ObjectID, err)
		}
		applyCopies(&diffs, pairs)
	}

	c.Diffs = diffs
	c.Diffed = true
	c.env.Session.Track(c.Commit)
	return nil
}

// applyCopies turns added paths named by a copy pair into copies. A copy
// whose source was removed in the same commit is a rename; the removal is
// folded into the pair.
func applyCopies(d *Diffs, pairs []backend.CopyPair) {
	for _, p := range pairs {
		oldPath, newPath := "/"+p.Old, "/"+p.New
		i := slices.Index(d.Added, newPath)
		if i < 0 {
			continue
		}
		d.Added = slices.Delete(d.Added, i, i+1)
		d.Copied = append(d.Copied, CopyRecord{Old: oldPath, New: newPath})
		if j := slices.Index(d.Removed, oldPath); j >= 0 {
			d.Removed = slices.Delete(d.Removed, j, j+1)
		}
	}
}

// BlobDiff returns the opcodes that turn lines a into lines b.
func BlobDiff(a, b []string) []difflib.OpCode {
	return difflib.NewMatcher(a, b).GetOpCodes()
}

// splitLines keeps line terminators. Unlike difflib.SplitLines it does not
// add an empty line after a trailing newline.
func splitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.SplitAfter(text, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// DiffBlobs compares the content of two blobs line by line. A nil side is
// empty.
func DiffBlobs(ctx context.Context, a, b *BlobNode) (aLines, bLines []string, ops []difflib.OpCode, err error) {
	if a != nil {
		text, err := a.Text(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		aLines = splitLines(text)
	}
	if b != nil {
		text, err := b.Text(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		bLines = splitLines(text)
	}
	return aLines, bLines, BlobDiff(aLines, bLines), nil
}

package graph

import (
	"crypto/sha1"
	"encoding/hex"
	"slices"
	"strings"
)

// StagingTree is an unpersisted, mutable directory tree keyed by path. It is
// used to build a prospective tree shape and fingerprint it.
//
// The fingerprint is the sha1 of the sorted, newline-joined listing of
// "t <subtree-fingerprint> <name>" and "b <blob-id> <name>" lines. It is stable
// for equal shapes but is not a VCS object id.
type StagingTree struct {
	parent *StagingTree
	trees  map[string]*StagingTree
	blobs  map[string]string
	hex    string
}

func NewStagingTree() *StagingTree {
	return &StagingTree{
		trees: make(map[string]*StagingTree),
		blobs: make(map[string]string),
	}
}

func splitPath(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// invalidate drops the cached fingerprint of t and of every ancestor.
func (t *StagingTree) invalidate() {
	for cur := t; cur != nil; cur = cur.parent {
		cur.hex = ""
	}
}

// Tree returns the subtree for name, creating it when missing. Mutations
// through the returned handle invalidate the fingerprints of t and its
// ancestors.
func (t *StagingTree) Tree(name string) *StagingTree {
	sub, ok := t.trees[name]
	if !ok {
		sub = NewStagingTree()
		sub.parent = t
		t.trees[name] = sub
		t.invalidate()
	}
	return sub
}

// SetBlob records id at path, creating intermediate directories.
func (t *StagingTree) SetBlob(path, id string) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return
	}
	cur := t
	for _, dir := range parts[:len(parts)-1] {
		cur = cur.Tree(dir)
	}
	cur.blobs[parts[len(parts)-1]] = id
	cur.invalidate()
}

// DeleteBlob removes the blob at path and prunes directories left empty. It
// reports whether a blob was removed.
func (t *StagingTree) DeleteBlob(path string) bool {
	parts := splitPath(path)
	if len(parts) == 0 {
		return false
	}
	return t.delete(parts)
}

func (t *StagingTree) delete(parts []string) bool {
	if len(parts) == 1 {
		if _, ok := t.blobs[parts[0]]; !ok {
			return false
		}
		delete(t.blobs, parts[0])
		t.invalidate()
		return true
	}
	sub, ok := t.trees[parts[0]]
	if !ok || !sub.delete(parts[1:]) {
		return false
	}
	if sub.Empty() {
		delete(t.trees, parts[0])
		sub.parent = nil
	}
	t.invalidate()
	return true
}

// Blob returns the blob id stored at path.
func (t *StagingTree) Blob(path string) (string, bool) {
	parts := splitPath(path)
	if len(parts) == 0 {
		return "", false
	}
	cur := t
	for _, dir := range parts[:len(parts)-1] {
		sub, ok := cur.trees[dir]
		if !ok {
			return "", false
		}
		cur = sub
	}
	id, ok := cur.blobs[parts[len(parts)-1]]
	return id, ok
}

func (t *StagingTree) Empty() bool {
	return len(t.trees) == 0 && len(t.blobs) == 0
}

// Hex returns the fingerprint of the tree. It is cached until the next
// mutation below this node.
func (t *StagingTree) Hex() string {
	if t.hex != "" {
		return t.hex
	}
	lines := make([]string, 0, len(t.trees)+len(t.blobs))
	for name, sub := range t.trees {
		lines = append(lines, "t "+sub.Hex()+" "+name)
	}
	for name, id := range t.blobs {
		lines = append(lines, "b "+id+" "+name)
	}
	slices.Sort(lines)
	sum := sha1.Sum([]byte(strings.Join(lines, "\n")))
	t.hex = hex.EncodeToString(sum[:])
	return t.hex
}

// Package gitnative implements backend.Backend on top of go-git, without a git
// executable.
package gitnative

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/go-git/go-billy/v5/memfs"
	gitlib "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/graph"
)

const Kind = "git"

type Options struct {
	// URLPath prefixes commit URLs.
	URLPath string
}

// Backend serves one git repository. An empty path keeps the repository in
// memory, which is what tests use.
type Backend struct {
	repo    *gitlib.Repository
	path    string
	urlPath string
}

var (
	_ backend.Backend      = (*Backend)(nil)
	_ backend.CopyDetector = (*Backend)(nil)
	_ backend.Watchable    = (*Backend)(nil)
)

// Open opens the repository containing path.
func Open(path string, opts Options) (*Backend, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	repo, err := gitlib.PlainOpenWithOptions(abs, &gitlib.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if wt, err := repo.Worktree(); err == nil {
		abs = wt.Filesystem.Root()
	}
	return &Backend{repo: repo, path: abs, urlPath: opts.URLPath}, nil
}

// New wraps an already opened repository.
func New(repo *gitlib.Repository, opts Options) *Backend {
	return &Backend{repo: repo, urlPath: opts.URLPath}
}

// NewUnopened returns a backend for a repository that Init or CloneFrom will
// create at path.
func NewUnopened(path string, opts Options) *Backend {
	return &Backend{path: path, urlPath: opts.URLPath}
}

// Repository exposes the underlying go-git repository.
func (b *Backend) Repository() *gitlib.Repository { return b.repo }

func (b *Backend) Kind() string { return Kind }

func (b *Backend) ready() error {
	if b == nil || b.repo == nil {
		return fmt.Errorf("repository not initialized")
	}
	return nil
}

func (b *Backend) Init(ctx context.Context) error {
	if b.path == "" {
		repo, err := gitlib.Init(memory.NewStorage(), memfs.New())
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		b.repo = repo
		return nil
	}
	if err := os.MkdirAll(b.path, 0o755); err != nil {
		return fmt.Errorf("init: %w", err)
	}
	repo, err := gitlib.PlainInit(b.path, false)
	if errors.Is(err, gitlib.ErrRepositoryAlreadyExists) {
		repo, err = gitlib.PlainOpen(b.path)
	}
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}
	b.repo = repo
	return nil
}

func (b *Backend) CloneFrom(ctx context.Context, source string) error {
	opts := &gitlib.CloneOptions{URL: source, Tags: gitlib.AllTags}
	var (
		repo *gitlib.Repository
		err  error
	)
	if b.path == "" {
		repo, err = gitlib.CloneContext(ctx, memory.NewStorage(), memfs.New(), opts)
	} else {
		repo, err = gitlib.PlainCloneContext(ctx, b.path, false, opts)
	}
	if err != nil {
		return fmt.Errorf("clone %s: %w", source, err)
	}
	b.repo = repo
	return nil
}

func (b *Backend) RefreshHeads(ctx context.Context) (backend.Heads, error) {
	var heads backend.Heads
	if err := b.ready(); err != nil {
		return heads, err
	}
	headRef, err := b.repo.Head()
	switch {
	case err == nil:
		heads.Head = backend.Ref{Hash: headRef.Hash().String(), Kind: backend.RefKindBranch, Name: "HEAD"}
		if headRef.Name().IsBranch() {
			heads.Head.Name = headRef.Name().Short()
		}
	case errors.Is(err, plumbing.ErrReferenceNotFound):
		// Unborn branch: report the symbolic target without a hash.
		if sym, serr := b.repo.Storer.Reference(plumbing.HEAD); serr == nil && sym.Type() == plumbing.SymbolicReference {
			heads.Head = backend.Ref{Kind: backend.RefKindBranch, Name: sym.Target().Short()}
		}
	default:
		return heads, fmt.Errorf("read HEAD: %w", err)
	}

	refs, err := b.repo.References()
	if err != nil {
		return heads, fmt.Errorf("list refs: %w", err)
	}
	defer refs.Close()
	err = refs.ForEach(func(ref *plumbing.Reference) error {
		if ref.Type() != plumbing.HashReference {
			return nil
		}
		name := ref.Name()
		switch {
		case name.IsBranch():
			heads.Branches = append(heads.Branches, backend.Ref{Hash: ref.Hash().String(), Kind: backend.RefKindBranch, Name: name.Short()})
		case name.IsTag():
			hash, ok := b.peelTag(ref.Hash())
			if !ok {
				return nil
			}
			heads.Tags = append(heads.Tags, backend.Ref{Hash: hash.String(), Kind: backend.RefKindTag, Name: name.Short()})
		}
		return nil
	})
	if err != nil {
		return heads, fmt.Errorf("list refs: %w", err)
	}
	sortRefs(heads.Branches)
	sortRefs(heads.Tags)
	return heads, nil
}

func sortRefs(refs []backend.Ref) {
	slices.SortFunc(refs, func(a, b backend.Ref) int { return strings.Compare(a.Name, b.Name) })
}

// peelTag resolves a tag ref to the commit it names. Lightweight tags point
// directly at a commit; annotated tags point at a tag object.
func (b *Backend) peelTag(hash plumbing.Hash) (plumbing.Hash, bool) {
	cur := hash
	for range 8 {
		if _, err := b.repo.CommitObject(cur); err == nil {
			return cur, true
		}
		tag, err := b.repo.TagObject(cur)
		if err != nil {
			return plumbing.ZeroHash, false
		}
		switch tag.TargetType {
		case plumbing.CommitObject:
			return tag.Target, true
		case plumbing.TagObject:
			cur = tag.Target
		default:
			return plumbing.ZeroHash, false
		}
	}
	return plumbing.ZeroHash, false
}

func (b *Backend) tips(ctx context.Context) ([]string, error) {
	heads, err := b.RefreshHeads(ctx)
	if err != nil {
		return nil, err
	}
	var tips []string
	if heads.Head.Hash != "" {
		tips = append(tips, heads.Head.Hash)
	}
	for _, ref := range slices.Concat(heads.Branches, heads.Tags) {
		if !slices.Contains(tips, ref.Hash) {
			tips = append(tips, ref.Hash)
		}
	}
	return tips, nil
}

func (b *Backend) NewCommits(ctx context.Context, known func(id string) (bool, error)) ([]string, error) {
	tips, err := b.tips(ctx)
	if err != nil {
		return nil, fmt.Errorf("new commits: %w", err)
	}
	parents := make(map[string][]string)
	visited := make(map[string]bool)
	stack := slices.Clone(tips)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[id] {
			continue
		}
		visited[id] = true
		isKnown, err := known(id)
		if err != nil {
			return nil, fmt.Errorf("new commits: %w", err)
		}
		if isKnown {
			continue
		}
		commit, err := b.repo.CommitObject(plumbing.NewHash(id))
		if err != nil {
			return nil, fmt.Errorf("new commits: read %s: %w", id, err)
		}
		ps := hashStrings(commit.ParentHashes)
		parents[id] = ps
		stack = append(stack, ps...)
	}
	order, err := graph.TopologicalSort(parents)
	if err != nil {
		return nil, fmt.Errorf("new commits: %w", err)
	}
	return order, nil
}

func hashStrings(hashes []plumbing.Hash) []string {
	out := make([]string, len(hashes))
	for i, h := range hashes {
		out[i] = h.String()
	}
	return out
}

func signature(sig object.Signature) backend.Signature {
	return backend.Signature{Name: sig.Name, Email: sig.Email, When: sig.When}
}

func (b *Backend) RefreshCommit(ctx context.Context, id string) (backend.CommitInfo, error) {
	if err := b.ready(); err != nil {
		return backend.CommitInfo{}, err
	}
	commit, err := b.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return backend.CommitInfo{}, fmt.Errorf("refresh commit %s: %w", id, err)
	}
	info := backend.CommitInfo{
		ID:        id,
		TreeID:    commit.TreeHash.String(),
		ParentIDs: hashStrings(commit.ParentHashes),
		Author:    signature(commit.Author),
		Committer: signature(commit.Committer),
		Message:   commit.Message,
	}
	if enc := string(commit.Encoding); enc != "" && !strings.EqualFold(enc, "UTF-8") {
		info.Extra = append(info.Extra, backend.Extra{Name: "encoding", Value: enc})
	}
	if commit.PGPSignature != "" {
		info.Extra = append(info.Extra, backend.Extra{Name: "signed", Value: "pgp"})
	}
	return info, nil
}

func (b *Backend) Tree(ctx context.Context, id string) (backend.TreeInfo, error) {
	if err := b.ready(); err != nil {
		return backend.TreeInfo{}, err
	}
	tree, err := b.repo.TreeObject(plumbing.NewHash(id))
	if err != nil {
		return backend.TreeInfo{}, fmt.Errorf("tree %s: %w", id, err)
	}
	info := backend.TreeInfo{ID: id}
	for _, entry := range tree.Entries {
		e := backend.TreeEntry{ID: entry.Hash.String(), Name: entry.Name}
		switch entry.Mode {
		case filemode.Dir:
			info.Trees = append(info.Trees, e)
		case filemode.Submodule:
			// Submodule entries name commits of another repository.
		default:
			info.Blobs = append(info.Blobs, e)
		}
	}
	return info, nil
}

func (b *Backend) Commit(ctx context.Context, rev string) (string, bool, error) {
	if err := b.ready(); err != nil {
		return "", false, err
	}
	rev = strings.TrimSpace(rev)
	if rev == "" {
		return "", false, nil
	}
	hash, err := b.repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		if errors.Is(err, plumbing.ErrReferenceNotFound) || errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve %s: %w", rev, err)
	}
	if _, err := b.repo.CommitObject(*hash); err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("resolve %s: %w", rev, err)
	}
	return hash.String(), true, nil
}

func (b *Backend) CommitContext(ctx context.Context, id string) ([]string, []string, error) {
	if err := b.ready(); err != nil {
		return nil, nil, err
	}
	target := plumbing.NewHash(id)
	commit, err := b.repo.CommitObject(target)
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", id, err)
	}
	prev := hashStrings(commit.ParentHashes)

	iter, err := b.repo.Log(&gitlib.LogOptions{All: true})
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", id, err)
	}
	defer iter.Close()
	var next []string
	err = iter.ForEach(func(c *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if slices.Contains(c.ParentHashes, target) {
			next = append(next, c.Hash.String())
		}
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", id, err)
	}
	slices.Sort(next)
	return prev, next, nil
}

func (b *Backend) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	blob, err := b.repo.BlobObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", id, err)
	}
	return blob.Reader()
}

// Log walks the ancestry of id newest-committed first, the way git log
// --date-order does.
func (b *Backend) Log(ctx context.Context, id string, skip, count int) ([]string, []string, error) {
	if err := b.ready(); err != nil {
		return nil, nil, err
	}
	start, err := b.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, nil, fmt.Errorf("log %s: %w", id, err)
	}
	candidates := []*object.Commit{start}
	seen := make(map[plumbing.Hash]bool)
	var ids []string
	for count > 0 && len(candidates) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		slices.SortStableFunc(candidates, func(a, b *object.Commit) int {
			return a.Committer.When.Compare(b.Committer.When)
		})
		c := candidates[len(candidates)-1]
		candidates = candidates[:len(candidates)-1]
		if seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		if skip == 0 {
			ids = append(ids, c.Hash.String())
			count--
		} else {
			skip--
		}
		for _, ph := range c.ParentHashes {
			parent, err := b.repo.CommitObject(ph)
			if err != nil {
				return nil, nil, fmt.Errorf("log %s: parent %s: %w", id, ph, err)
			}
			candidates = append(candidates, parent)
		}
	}
	var frontier []string
	for _, c := range candidates {
		if seen[c.Hash] {
			continue
		}
		seen[c.Hash] = true
		frontier = append(frontier, c.Hash.String())
	}
	return ids, frontier, nil
}

func (b *Backend) ShorthandForCommit(id string) string { return backend.Shorthand(id) }

func (b *Backend) URLForCommit(id string) string { return backend.CommitURL(b.urlPath, id) }

// Copies reports the renames between parentID and id found by go-git's rename
// detection.
func (b *Backend) Copies(ctx context.Context, parentID, id string) ([]backend.CopyPair, error) {
	if err := b.ready(); err != nil {
		return nil, err
	}
	from, err := b.commitTree(parentID)
	if err != nil {
		return nil, fmt.Errorf("copies: %w", err)
	}
	to, err := b.commitTree(id)
	if err != nil {
		return nil, fmt.Errorf("copies: %w", err)
	}
	changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("copies: %w", err)
	}
	var pairs []backend.CopyPair
	for _, ch := range changes {
		if ch.From.Name == "" || ch.To.Name == "" || ch.From.Name == ch.To.Name {
			continue
		}
		pairs = append(pairs, backend.CopyPair{Old: ch.From.Name, New: ch.To.Name})
	}
	return pairs, nil
}

func (b *Backend) commitTree(id string) (*object.Tree, error) {
	commit, err := b.repo.CommitObject(plumbing.NewHash(id))
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", id, err)
	}
	return commit.Tree()
}

// WatchPaths returns the git directory and its ref directories. An in-memory
// repository has nothing to watch.
func (b *Backend) WatchPaths() []string {
	if b.path == "" {
		return nil
	}
	gitDir := b.path
	if info, err := os.Stat(filepath.Join(b.path, ".git")); err == nil && info.IsDir() {
		gitDir = filepath.Join(b.path, ".git")
	}
	paths := []string{gitDir}
	for _, sub := range []string{"refs/heads", "refs/tags"} {
		p := filepath.Join(gitDir, filepath.FromSlash(sub))
		if info, err := os.Stat(p); err == nil && info.IsDir() {
			paths = append(paths, p)
		}
	}
	return paths
}

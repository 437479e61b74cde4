package gitcli

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/graph"
)

// NUL-terminated record; a commit message cannot contain NUL.
const commitFormat = "%H%n%T%n%P%n%an%n%ae%n%aI%n%cn%n%ce%n%cI%n%B%x00"

// NewCommits walks back from every ref tip and returns the commits not yet
// known, parents first. Tips are checked first so the rev-list walk can be
// bounded by the known ones; the walk itself stops descending at known
// commits.
func (g *Backend) NewCommits(ctx context.Context, known func(id string) (bool, error)) ([]string, error) {
	heads, err := g.RefreshHeads(ctx)
	if err != nil {
		return nil, fmt.Errorf("new commits: %w", err)
	}
	visited := make(map[string]bool)
	var roots, boundary []string
	for _, ref := range slices.Concat([]backend.Ref{heads.Head}, heads.Branches, heads.Tags) {
		if ref.Hash == "" || visited[ref.Hash] {
			continue
		}
		visited[ref.Hash] = true
		isKnown, err := known(ref.Hash)
		if err != nil {
			return nil, fmt.Errorf("new commits: %w", err)
		}
		if isKnown {
			boundary = append(boundary, ref.Hash)
		} else {
			roots = append(roots, ref.Hash)
		}
	}
	if len(roots) == 0 {
		return nil, nil
	}

	args := append([]string{"rev-list", "--parents"}, roots...)
	if len(boundary) > 0 {
		args = append(append(args, "--not"), boundary...)
	}
	out, err := g.runGitCommand(ctx, args, false, "git rev-list")
	if err != nil {
		return nil, fmt.Errorf("new commits: %w", err)
	}
	edges := parseRevListEdges(out)

	parents := make(map[string][]string)
	stack := slices.Clone(roots)
	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, done := parents[id]; done {
			continue
		}
		if !slices.Contains(roots, id) {
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
		}
		ps, ok := edges[id]
		if !ok {
			// Hidden by the boundary yet still unknown.
			if ps, err = g.commitParents(ctx, id); err != nil {
				return nil, fmt.Errorf("new commits: %w", err)
			}
		}
		parents[id] = slices.Clone(ps)
		stack = append(stack, ps...)
	}
	order, err := graph.TopologicalSort(parents)
	if err != nil {
		return nil, fmt.Errorf("new commits: %w", err)
	}
	return order, nil
}

func (g *Backend) commitParents(ctx context.Context, id string) ([]string, error) {
	out, err := g.runGitCommand(ctx, []string{"rev-list", "--parents", "-n", "1", id}, false, "git rev-list")
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, fmt.Errorf("commit %s not found", id)
	}
	return fields[1:], nil
}

func (g *Backend) RefreshCommit(ctx context.Context, id string) (backend.CommitInfo, error) {
	out, err := g.runGitCommand(ctx,
		[]string{"--no-pager", "log", "-1", "--no-color", "--no-decorate", "--no-patch", "--pretty=tformat:" + commitFormat, id},
		false, "git log")
	if err != nil {
		return backend.CommitInfo{}, fmt.Errorf("refresh commit %s: %w", id, err)
	}
	rec := strings.TrimSuffix(strings.TrimRight(out, "\n"), "\x00")
	info, err := parseGitLogRecord([]byte(rec))
	if err != nil {
		return backend.CommitInfo{}, fmt.Errorf("refresh commit %s: %w", id, err)
	}
	return info, nil
}

func parseGitLogRecord(rec []byte) (backend.CommitInfo, error) {
	parts := strings.Split(string(rec), "\n")
	if len(parts) < 9 {
		return backend.CommitInfo{}, fmt.Errorf("unexpected git log record: got %d lines", len(parts))
	}
	hash := strings.TrimSpace(parts[0])
	if hash == "" {
		return backend.CommitInfo{}, fmt.Errorf("missing commit hash")
	}
	authorWhen, err := time.Parse(time.RFC3339, parts[5])
	if err != nil {
		return backend.CommitInfo{}, fmt.Errorf("commit %s: author date %q: %w", hash, parts[5], err)
	}
	committerWhen, err := time.Parse(time.RFC3339, parts[8])
	if err != nil {
		return backend.CommitInfo{}, fmt.Errorf("commit %s: committer date %q: %w", hash, parts[8], err)
	}
	message := ""
	if len(parts) > 9 {
		message = strings.Join(parts[9:], "\n")
	}
	return backend.CommitInfo{
		ID:        hash,
		TreeID:    strings.TrimSpace(parts[1]),
		ParentIDs: strings.Fields(parts[2]),
		Author:    backend.Signature{Name: parts[3], Email: parts[4], When: authorWhen},
		Committer: backend.Signature{Name: parts[6], Email: parts[7], When: committerWhen},
		Message:   message,
	}, nil
}

func (g *Backend) CommitContext(ctx context.Context, id string) ([]string, []string, error) {
	out, err := g.runGitCommand(ctx, []string{"rev-list", "--parents", "-n", "1", id}, false, "git rev-list")
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", id, err)
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return nil, nil, fmt.Errorf("commit context %s: commit not found", id)
	}
	prev := fields[1:]

	out, err = g.runGitCommand(ctx, []string{"rev-list", "--children", "--branches", "--tags"}, false, "git rev-list")
	if err != nil {
		return nil, nil, fmt.Errorf("commit context %s: %w", id, err)
	}
	next := parseRevListEdges(out)[id]
	return prev, next, nil
}

// parseRevListEdges parses `rev-list --parents` or `--children` output: each
// line is a commit followed by its related commits.
func parseRevListEdges(out string) map[string][]string {
	edges := make(map[string][]string)
	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		edges[fields[0]] = append(edges[fields[0]], fields[1:]...)
	}
	return edges
}

func (g *Backend) Log(ctx context.Context, id string, skip, count int) ([]string, []string, error) {
	if count <= 0 {
		return nil, nil, nil
	}
	out, err := g.runGitCommand(ctx, []string{
		"rev-list", "--date-order", "--parents",
		"--skip=" + strconv.Itoa(skip),
		"--max-count=" + strconv.Itoa(count),
		id,
	}, false, "git rev-list")
	if err != nil {
		return nil, nil, fmt.Errorf("log %s: %w", id, err)
	}
	var ids []string
	inWindow := make(map[string]bool)
	parents := make(map[string][]string)
	for line := range strings.Lines(out) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		ids = append(ids, fields[0])
		inWindow[fields[0]] = true
		parents[fields[0]] = fields[1:]
	}
	var candidates []string
	added := make(map[string]bool)
	for _, c := range ids {
		for _, p := range parents[c] {
			if inWindow[p] || added[p] {
				continue
			}
			added[p] = true
			candidates = append(candidates, p)
		}
	}
	return ids, candidates, nil
}

func (g *Backend) Copies(ctx context.Context, parentID, id string) ([]backend.CopyPair, error) {
	out, err := g.runGitCommand(ctx,
		[]string{"diff-tree", "-r", "-M", "-C", "--no-commit-id", "--name-status", "-z", parentID, id},
		false, "git diff-tree")
	if err != nil {
		return nil, fmt.Errorf("copies: %w", err)
	}
	return parseNameStatus(out)
}

// parseNameStatus extracts rename and copy pairs from `--name-status -z`
// output.
func parseNameStatus(out string) ([]backend.CopyPair, error) {
	fields := strings.Split(strings.TrimSuffix(out, "\x00"), "\x00")
	var pairs []backend.CopyPair
	for i := 0; i < len(fields); {
		status := fields[i]
		if status == "" {
			i++
			continue
		}
		switch status[0] {
		case 'R', 'C':
			if i+2 >= len(fields) {
				return nil, fmt.Errorf("truncated name-status entry %q", status)
			}
			pairs = append(pairs, backend.CopyPair{Old: fields[i+1], New: fields[i+2]})
			i += 3
		default:
			if i+1 >= len(fields) {
				return nil, fmt.Errorf("truncated name-status entry %q", status)
			}
			i += 2
		}
	}
	return pairs, nil
}

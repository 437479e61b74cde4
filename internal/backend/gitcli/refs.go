package gitcli

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/thiagokokada/repometa/internal/backend"
)

func (g *Backend) headState(ctx context.Context) (backend.Ref, error) {
	out, err := g.runGitCommand(ctx, []string{"rev-parse", "-q", "--verify", "HEAD"}, true, "git rev-parse")
	if err != nil {
		return backend.Ref{}, err
	}
	hash := strings.TrimSpace(out)
	ref, err := g.runGitCommand(ctx, []string{"symbolic-ref", "-q", "--short", "HEAD"}, true, "git symbolic-ref")
	if err != nil {
		return backend.Ref{}, err
	}
	name := strings.TrimSpace(ref)
	if name == "" {
		if hash == "" {
			return backend.Ref{}, nil
		}
		name = "HEAD"
	}
	return backend.Ref{Hash: hash, Kind: backend.RefKindBranch, Name: name}, nil
}

func (g *Backend) RefreshHeads(ctx context.Context) (backend.Heads, error) {
	var heads backend.Heads
	head, err := g.headState(ctx)
	if err != nil {
		return heads, err
	}
	heads.Head = head
	out, err := g.runGitCommand(ctx, []string{"--no-pager", "show-ref", "--dereference"}, true, "git show-ref")
	if err != nil {
		return heads, err
	}
	refs, err := parseRefsFromShowRef(out)
	if err != nil {
		return heads, err
	}
	for _, ref := range refs {
		switch ref.Kind {
		case backend.RefKindBranch:
			heads.Branches = append(heads.Branches, ref)
		case backend.RefKindTag:
			heads.Tags = append(heads.Tags, ref)
		}
	}
	sortRefs(heads.Branches)
	sortRefs(heads.Tags)
	return heads, nil
}

func sortRefs(refs []backend.Ref) {
	slices.SortFunc(refs, func(a, b backend.Ref) int { return strings.Compare(a.Name, b.Name) })
}

func parseRefsFromShowRef(out string) ([]backend.Ref, error) {
	type refEntry struct {
		hash string
		ref  string
	}

	peeledByTagRef := map[string]string{}
	var entries []refEntry

	for _, rawLine := range strings.Split(out, "\n") {
		line := strings.TrimRight(rawLine, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != 2 {
			return nil, fmt.Errorf("unexpected show-ref output line: %q", rawLine)
		}
		hash, refName := parts[0], parts[1]
		if base, ok := strings.CutSuffix(refName, "^{}"); ok {
			if base != "" {
				peeledByTagRef[base] = hash
			}
			continue
		}
		entries = append(entries, refEntry{hash: hash, ref: refName})
	}

	var refs []backend.Ref
	for _, entry := range entries {
		if short, ok := strings.CutPrefix(entry.ref, "refs/tags/"); ok && short != "" {
			hash := entry.hash
			if peeled, ok := peeledByTagRef[entry.ref]; ok && peeled != "" {
				hash = peeled
			}
			refs = append(refs, backend.Ref{Hash: hash, Kind: backend.RefKindTag, Name: short})
			continue
		}
		if short, ok := strings.CutPrefix(entry.ref, "refs/heads/"); ok && short != "" {
			refs = append(refs, backend.Ref{Hash: entry.hash, Kind: backend.RefKindBranch, Name: short})
			continue
		}
		if short, ok := strings.CutPrefix(entry.ref, "refs/remotes/"); ok && short != "" && !strings.HasSuffix(short, "/HEAD") {
			refs = append(refs, backend.Ref{Hash: entry.hash, Kind: backend.RefKindRemoteBranch, Name: short})
		}
	}
	return refs, nil
}

// Commit resolves rev to a commit id.
func (g *Backend) Commit(ctx context.Context, rev string) (string, bool, error) {
	rev = strings.TrimSpace(rev)
	if rev == "" || strings.HasPrefix(rev, "-") {
		return "", false, nil
	}
	out, err := g.runGitCommand(ctx, []string{"rev-parse", "-q", "--verify", rev + "^{commit}"}, true, "git rev-parse")
	if err != nil {
		return "", false, err
	}
	id := strings.TrimSpace(out)
	return id, id != "", nil
}

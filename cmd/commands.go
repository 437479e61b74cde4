package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/thiagokokada/repometa/internal/model"
	"github.com/thiagokokada/repometa/internal/repository"
)

const dateFormat = "2006-01-02 15:04:05"

var errNotFound = errors.New("not found")

func optionalArg(args []string, i int) string {
	if i < len(args) {
		return strings.TrimSpace(args[i])
	}
	return ""
}

// commitArg opens repository args[0] and loads the ingested commit args[1],
// HEAD when absent.
func (a *app) commitArg(ctx context.Context, args []string) (*repository.Repository, *model.CommitNode, error) {
	repo, err := a.openRepository(ctx, args[0])
	if err != nil {
		return nil, nil, err
	}
	rev := optionalArg(args, 1)
	c, err := repo.Commit(ctx, rev)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		if rev == "" {
			rev = "HEAD"
		}
		return nil, nil, fmt.Errorf("commit %s: %w (run refresh first?)", rev, errNotFound)
	}
	return repo, c, nil
}

func newRefreshCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh [name...]",
		Short: "Ingest new commits of the configured repositories",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repos, err := a.openRepositories(ctx, args)
			if err != nil {
				return err
			}
			counts, err := repository.RefreshAll(ctx, repos, a.cfg.Ingest.Parallelism)
			for i, repo := range repos {
				a.out.Printf("%s: %d new commits\n", repo.Name(), counts[i])
			}
			return err
		},
	}
}

func newLogCmd(a *app) *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "log <name> [rev]",
		Short: "Show a page of the history of a revision",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx, args[0])
			if err != nil {
				return err
			}
			page, err := repo.Log(ctx, optionalArg(args, 1), offset, limit)
			if err != nil {
				return err
			}
			for _, c := range page {
				a.out.Printf("%s %s %s %s\n",
					a.out.ID(c.ObjectID),
					c.Authored.Date.UTC().Format(dateFormat),
					c.Authored.Name,
					c.Summary())
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "number of commits to skip")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of commits to show")
	return cmd
}

func newCountCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "count <name> [rev]",
		Short: "Count the commits reachable from a revision",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repo, err := a.openRepository(ctx, args[0])
			if err != nil {
				return err
			}
			a.out.Println(repo.Count(ctx, optionalArg(args, 1)))
			return nil
		},
	}
}

func newShowCmd(a *app) *cobra.Command {
	var patch bool
	cmd := &cobra.Command{
		Use:   "show <name> [rev]",
		Short: "Show commit metadata and the paths it changed",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, c, err := a.commitArg(ctx, args)
			if err != nil {
				return err
			}
			p := a.out
			p.Printf("%s %s\n", p.Header("commit"), p.ID(c.ObjectID))
			if len(c.ParentIDs) > 1 {
				p.Printf("Merge:  %s\n", strings.Join(c.ParentIDs, " "))
			}
			p.Printf("Author: %s <%s>\n", c.Authored.Name, c.Authored.Email)
			p.Printf("Date:   %s\n", c.Authored.Date.UTC().Format(dateFormat))
			p.Printf("URL:    %s\n\n", c.URL())
			for _, line := range strings.Split(strings.TrimRight(c.Message, "\n"), "\n") {
				p.Printf("    %s\n", line)
			}
			if !c.Diffed {
				p.Println("\n(diffs not computed yet)")
				return nil
			}
			p.Println()
			d := c.Diffs
			for _, path := range d.Added {
				p.Printf("%s %s\n", p.Added("A"), path)
			}
			for _, path := range d.Removed {
				p.Printf("%s %s\n", p.Removed("D"), path)
			}
			for _, path := range d.Changed {
				p.Printf("M %s\n", path)
			}
			for _, cp := range d.Copied {
				p.Printf("C %s -> %s\n", cp.Old, cp.New)
			}
			if !patch {
				return nil
			}
			return a.printPatches(ctx, c)
		},
	}
	cmd.Flags().BoolVarP(&patch, "patch", "p", false, "show line diffs of text files")
	return cmd
}

func (a *app) printPatches(ctx context.Context, c *model.CommitNode) error {
	parent, err := c.Parent(ctx)
	if err != nil {
		return err
	}
	blobAt := func(ci *model.CommitNode, path string) (*model.BlobNode, error) {
		if ci == nil {
			return nil, nil
		}
		return ci.GetPath(ctx, path)
	}
	type pair struct{ old, new string }
	var pairs []pair
	for _, path := range c.Diffs.Changed {
		pairs = append(pairs, pair{path, path})
	}
	for _, path := range c.Diffs.Added {
		pairs = append(pairs, pair{"", path})
	}
	for _, path := range c.Diffs.Removed {
		pairs = append(pairs, pair{path, ""})
	}
	for _, cp := range c.Diffs.Copied {
		pairs = append(pairs, pair{cp.Old, cp.New})
	}
	for _, pr := range pairs {
		var oldBlob, newBlob *model.BlobNode
		if pr.old != "" {
			if oldBlob, err = blobAt(parent, pr.old); err != nil {
				return err
			}
		}
		if pr.new != "" {
			if newBlob, err = blobAt(c, pr.new); err != nil {
				return err
			}
		}
		if err := a.printPatch(ctx, pr.old, pr.new, oldBlob, newBlob); err != nil {
			return err
		}
	}
	return nil
}

func isText(ctx context.Context, b *model.BlobNode) (bool, error) {
	if b == nil {
		return true, nil
	}
	ct, enc, err := b.ContentType(ctx)
	if err != nil {
		return false, err
	}
	return enc == "" && strings.HasPrefix(ct, "text/"), nil
}

func (a *app) printPatch(ctx context.Context, oldPath, newPath string, oldBlob, newBlob *model.BlobNode) error {
	p := a.out
	if oldPath == "" {
		oldPath = "/dev/null"
	}
	if newPath == "" {
		newPath = "/dev/null"
	}
	p.Printf("\n%s\n%s\n", p.Header("--- "+oldPath), p.Header("+++ "+newPath))
	for _, b := range []*model.BlobNode{oldBlob, newBlob} {
		text, err := isText(ctx, b)
		if err != nil {
			return err
		}
		if !text {
			p.Println("Binary files differ")
			return nil
		}
	}
	aLines, bLines, ops, err := model.DiffBlobs(ctx, oldBlob, newBlob)
	if err != nil {
		return err
	}
	for _, op := range ops {
		if op.Tag == 'e' {
			continue
		}
		p.Printf("@@ -%d,%d +%d,%d @@\n", op.I1+1, op.I2-op.I1, op.J1+1, op.J2-op.J1)
		for _, line := range aLines[op.I1:op.I2] {
			p.Printf("%s\n", p.Removed("-"+strings.TrimSuffix(line, "\n")))
		}
		for _, line := range bLines[op.J1:op.J2] {
			p.Printf("%s\n", p.Added("+"+strings.TrimSuffix(line, "\n")))
		}
	}
	return nil
}

func newLsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "ls <name> <rev> [path]",
		Short: "List a directory of a revision with the commit that last changed each entry",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, c, err := a.commitArg(ctx, args)
			if err != nil {
				return err
			}
			dir := optionalArg(args, 2)
			t, err := c.GetTree(ctx, dir)
			if err != nil {
				return err
			}
			if t == nil {
				return fmt.Errorf("directory %q: %w", dir, errNotFound)
			}
			rows, err := t.Ls(ctx)
			if err != nil {
				return err
			}
			for _, row := range rows {
				last := "-"
				if lc := row.LastCommit; lc != nil {
					last = fmt.Sprintf("%s %s %s", a.out.ID(lc.Shortlink), lc.Date.UTC().Format(dateFormat), lc.Author)
				}
				a.out.Printf("%-4s %-30s %s\n", row.Kind, row.Href, last)
			}
			return nil
		},
	}
}

func newCatCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cat <name> <rev> <path>",
		Short: "Print a file of a revision",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, c, err := a.commitArg(ctx, args)
			if err != nil {
				return err
			}
			b, err := c.GetPath(ctx, args[2])
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("file %q: %w", args[2], errNotFound)
			}
			text, err := isText(ctx, b)
			if err != nil {
				return err
			}
			if text {
				content, err := b.Text(ctx)
				if err != nil {
					return err
				}
				a.out.Code(b.Name(), content)
				return nil
			}
			rc, err := b.Open(ctx)
			if err != nil {
				return err
			}
			defer rc.Close()
			_, err = io.Copy(cmd.OutOrStdout(), rc)
			return err
		},
	}
}

func newFingerprintCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <name> <rev> [path]",
		Short: "Print the content fingerprint of a directory or file",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, c, err := a.commitArg(ctx, args)
			if err != nil {
				return err
			}
			path := optionalArg(args, 2)
			t, err := c.GetTree(ctx, path)
			if err != nil {
				return err
			}
			var sum string
			switch {
			case t != nil:
				sum, err = t.ComputeHash(ctx)
			default:
				b, berr := c.GetPath(ctx, path)
				if berr != nil {
					return berr
				}
				if b == nil {
					return fmt.Errorf("path %q: %w", path, errNotFound)
				}
				sum, err = b.ComputeHash(ctx)
			}
			if err != nil {
				return err
			}
			a.out.Println(sum)
			return nil
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch [name...]",
		Short: "Refresh repositories whenever they change on disk",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			repos, err := a.openRepositories(ctx, args)
			if err != nil {
				return err
			}
			if _, err := repository.RefreshAll(ctx, repos, a.cfg.Ingest.Parallelism); err != nil {
				return err
			}
			g, ctx := errgroup.WithContext(ctx)
			for _, repo := range repos {
				w := &repository.Watcher{
					Repo:  repo,
					Delay: a.cfg.Watch.Debounce.Duration,
					OnRefresh: func(n int, err error) {
						if err != nil {
							a.logger.Error("watch refresh failed", slog.String("repo", repo.Name()), slog.Any("error", err))
							return
						}
						if n > 0 {
							a.out.Printf("%s %s: %d new commits\n", time.Now().Format(dateFormat), repo.Name(), n)
						}
					},
				}
				g.Go(func() error { return w.Run(ctx) })
			}
			a.logger.Info("watching", slog.Int("repositories", len(repos)))
			return g.Wait()
		},
	}
}

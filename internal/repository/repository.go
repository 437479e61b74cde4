// Package repository ties a backend and a document store together: it ingests
// new history and serves paginated log queries over the stored object graph.
package repository

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/thiagokokada/repometa/internal/backend"
	"github.com/thiagokokada/repometa/internal/model"
	"github.com/thiagokokada/repometa/internal/store"
)

const (
	DefaultBatchSize      = 100
	DefaultDiffRetries    = 3
	DefaultDiffRetryDelay = 500 * time.Millisecond
)

// namespace scopes repository ids derived from names.
var namespace = uuid.MustParse("6f1c7a86-3c0e-4b8e-9d55-1b1f6a4d2f3e")

type Options struct {
	// Name identifies the repository in logs and derives its id.
	Name string
	// Scope is the repo id stored objects are keyed under. Repositories
	// sharing a scope share commits. Defaults to the backend kind.
	Scope string

	BatchSize          int
	LogWindow          int
	DiffRetries        int
	DiffRetryDelay     time.Duration
	ViewableExtensions []string

	Logger *slog.Logger
	// Flight is shared by repositories refreshed in the same process.
	Flight *singleflight.Group
}

// Upstream records where a cloned repository came from.
type Upstream struct {
	Name string
	URL  string
}

type Repository struct {
	id      string
	name    string
	scope   string
	backend backend.Backend
	driver  store.Driver
	logger  *slog.Logger
	flight  *singleflight.Group

	batchSize      int
	logWindow      int
	diffRetries    int
	diffRetryDelay time.Duration
	viewable       []string

	mu       sync.Mutex
	heads    backend.Heads
	upstream *Upstream
}

var _ model.Repo = (*Repository)(nil)

func New(driver store.Driver, b backend.Backend, opts Options) *Repository {
	r := &Repository{
		name:           opts.Name,
		scope:          opts.Scope,
		backend:        b,
		driver:         driver,
		logger:         opts.Logger,
		flight:         opts.Flight,
		batchSize:      opts.BatchSize,
		logWindow:      opts.LogWindow,
		diffRetries:    opts.DiffRetries,
		diffRetryDelay: opts.DiffRetryDelay,
		viewable:       append(defaultViewable(), opts.ViewableExtensions...),
	}
	if r.name == "" {
		r.name = b.Kind()
	}
	if r.scope == "" {
		r.scope = b.Kind()
	}
	r.id = uuid.NewSHA1(namespace, []byte(r.name)).String()
	if r.logger == nil {
		r.logger = slog.Default()
	}
	r.logger = r.logger.With(slog.String("repo", r.name))
	if r.flight == nil {
		r.flight = new(singleflight.Group)
	}
	if r.batchSize <= 0 {
		r.batchSize = DefaultBatchSize
	}
	if r.diffRetries < 0 {
		r.diffRetries = 0
	}
	if r.diffRetryDelay <= 0 {
		r.diffRetryDelay = DefaultDiffRetryDelay
	}
	return r
}

// ID is the stable identity recorded in the repositories set of commits.
func (r *Repository) ID() string { return r.id }

func (r *Repository) Name() string { return r.name }

// RepoID is the scope stored objects are keyed under.
func (r *Repository) RepoID() string { return r.scope }

func (r *Repository) Backend() backend.Backend { return r.backend }

func (r *Repository) Driver() store.Driver { return r.driver }

// Env opens a unit of work over the store. Each goroutine needs its own.
func (r *Repository) Env() *model.Env {
	return &model.Env{
		Repo:      r,
		Session:   store.NewSession(r.driver),
		LogWindow: r.logWindow,
		Flight:    r.flight,
	}
}

func (r *Repository) Heads() backend.Heads {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.heads
}

func (r *Repository) Upstream() *Upstream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream
}

func (r *Repository) RefreshHeads(ctx context.Context) (backend.Heads, error) {
	heads, err := r.backend.RefreshHeads(ctx)
	if err != nil {
		return backend.Heads{}, fmt.Errorf("refresh heads: %w", err)
	}
	r.mu.Lock()
	r.heads = heads
	r.mu.Unlock()
	return heads, nil
}

func (r *Repository) Init(ctx context.Context) error {
	if err := r.backend.Init(ctx); err != nil {
		return fmt.Errorf("init %s: %w", r.name, err)
	}
	return nil
}

// InitAsClone clones sourcePath, remembers the upstream and ingests the
// cloned history.
func (r *Repository) InitAsClone(ctx context.Context, sourcePath, sourceName, sourceURL string) error {
	if err := r.backend.CloneFrom(ctx, sourcePath); err != nil {
		return fmt.Errorf("clone %s: %w", r.name, err)
	}
	r.mu.Lock()
	r.upstream = &Upstream{Name: sourceName, URL: sourceURL}
	r.mu.Unlock()
	r.logger.Info("cloned repository",
		slog.String("source", sourcePath),
		slog.String("upstream", sourceName))
	if _, err := r.Refresh(ctx); err != nil {
		return fmt.Errorf("clone %s: %w", r.name, err)
	}
	return nil
}

func (r *Repository) resolve(ctx context.Context, rev string) (string, bool, error) {
	if rev == "" {
		rev = "HEAD"
	}
	return r.backend.Commit(ctx, rev)
}

// Commit returns the stored commit rev names, or nil when rev names nothing
// or the commit has not been ingested.
func (r *Repository) Commit(ctx context.Context, rev string) (*model.CommitNode, error) {
	id, ok, err := r.resolve(ctx, rev)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", rev, err)
	}
	if !ok {
		return nil, nil
	}
	return r.Env().LoadCommit(ctx, id)
}

// Log pages over the tip of branch followed by its ancestors.
func (r *Repository) Log(ctx context.Context, branch string, offset, limit int) ([]*model.CommitNode, error) {
	tip, err := r.Commit(ctx, branch)
	if err != nil || tip == nil || limit <= 0 {
		return nil, err
	}
	offset = max(offset, 0)
	if offset == 0 {
		rest, err := tip.Log(ctx, 0, limit-1)
		if err != nil {
			return nil, fmt.Errorf("log %s: %w", branch, err)
		}
		return append([]*model.CommitNode{tip}, rest...), nil
	}
	page, err := tip.Log(ctx, offset-1, limit)
	if err != nil {
		return nil, fmt.Errorf("log %s: %w", branch, err)
	}
	return page, nil
}

// Count is the number of commits reachable from branch, 0 when it cannot be
// computed.
func (r *Repository) Count(ctx context.Context, branch string) int {
	tip, err := r.Commit(ctx, branch)
	if err != nil {
		r.logger.Error("count", slog.String("branch", branch), slog.Any("error", err))
		return 0
	}
	if tip == nil {
		return 0
	}
	n, err := tip.CountRevisions(ctx)
	if err != nil {
		r.logger.Error("count", slog.String("branch", branch), slog.Any("error", err))
		return 0
	}
	return n
}

// Latest is the tip of branch, nil when it cannot be loaded.
func (r *Repository) Latest(ctx context.Context, branch string) *model.CommitNode {
	tip, err := r.Commit(ctx, branch)
	if err != nil {
		r.logger.Error("latest", slog.String("branch", branch), slog.Any("error", err))
		return nil
	}
	return tip
}

func (r *Repository) CommitContext(ctx context.Context, id string) (prev, next []string, err error) {
	return r.backend.CommitContext(ctx, id)
}

func (r *Repository) OpenBlob(ctx context.Context, id string) (io.ReadCloser, error) {
	return r.backend.OpenBlob(ctx, id)
}

func (r *Repository) ShorthandForCommit(id string) string { return r.backend.ShorthandForCommit(id) }

func (r *Repository) URLForCommit(id string) string { return r.backend.URLForCommit(id) }

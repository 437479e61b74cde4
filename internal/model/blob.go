package model

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	octetStream = "application/octet-stream"
	sniffLen    = 512
)

// BlobNode is a Blob reached through a tree of some commit.
type BlobNode struct {
	*Blob
	tree *TreeNode
	name string
}

func (b *BlobNode) Name() string { return b.name }

func (b *BlobNode) Tree() *TreeNode { return b.tree }

func (b *BlobNode) Commit() *CommitNode { return b.tree.Commit() }

func (b *BlobNode) Path() string { return b.tree.Path() + b.name }

func (b *BlobNode) URL() string { return b.tree.URL() + b.name }

func (b *BlobNode) Open(ctx context.Context) (io.ReadCloser, error) {
	rc, err := b.Commit().env.Repo.Backend().OpenBlob(ctx, b.ObjectID)
	if err != nil {
		return nil, fmt.Errorf("open blob %s: %w", b.Path(), err)
	}
	return rc, nil
}

func (b *BlobNode) read(ctx context.Context, limit int64) (data []byte, err error) {
	rc, err := b.Open(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rc.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	r := io.Reader(rc)
	if limit >= 0 {
		r = io.LimitReader(rc, limit)
	}
	data, err = io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", b.Path(), err)
	}
	return data, nil
}

func (b *BlobNode) Text(ctx context.Context) (string, error) {
	data, err := b.read(ctx, -1)
	return string(data), err
}

// ContentType guesses from the file name and falls back to sniffing the
// first bytes of the content when the name says nothing.
func (b *BlobNode) ContentType(ctx context.Context) (contentType, encoding string, err error) {
	contentType, encoding = b.Commit().env.Repo.GuessType(b.name)
	if contentType != octetStream || encoding != "" {
		return contentType, encoding, nil
	}
	head, err := b.read(ctx, sniffLen)
	if err != nil {
		return "", "", err
	}
	if len(head) == 0 {
		return "text/plain", "", nil
	}
	return http.DetectContentType(head), "", nil
}

// ComputeHash is the sha1 of the content.
func (b *BlobNode) ComputeHash(ctx context.Context) (string, error) {
	rc, err := b.Open(ctx)
	if err != nil {
		return "", err
	}
	h := sha1.New()
	_, err = io.Copy(h, rc)
	if cerr := rc.Close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		return "", fmt.Errorf("hash blob %s: %w", b.Path(), err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// PrevCommit is the first parent of the commit that last changed b, or nil.
func (b *BlobNode) PrevCommit(ctx context.Context) (*CommitNode, error) {
	if b.LastCommit == nil {
		return nil, nil
	}
	env := b.Commit().env
	last, err := env.LoadCommit(ctx, b.LastCommit.ID)
	if err != nil || last == nil {
		return nil, err
	}
	return last.Parent(ctx)
}

// NextCommit follows the first child of b's commit until it finds one where
// the path is gone or holds different content. It returns nil when b is
// unchanged up to the newest commit.
func (b *BlobNode) NextCommit(ctx context.Context) (*CommitNode, error) {
	path := b.Path()
	cur := b.Commit()
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, next, err := cur.Context(ctx)
		if err != nil {
			return nil, err
		}
		if len(next) == 0 {
			return nil, nil
		}
		cur = next[0]
		other, err := cur.GetPath(ctx, path)
		if err != nil {
			return nil, err
		}
		if other == nil || other.ObjectID != b.ObjectID {
			return cur, nil
		}
	}
}

// Context returns the same path as of PrevCommit and NextCommit. Either is nil
// when there is no such revision or the path does not exist there.
func (b *BlobNode) Context(ctx context.Context) (prev, next *BlobNode, err error) {
	path := strings.TrimPrefix(b.Path(), "/")
	pc, err := b.PrevCommit(ctx)
	if err != nil {
		return nil, nil, err
	}
	if pc != nil {
		if prev, err = pc.GetPath(ctx, path); err != nil {
			return nil, nil, err
		}
	}
	nc, err := b.NextCommit(ctx)
	if err != nil {
		return nil, nil, err
	}
	if nc != nil {
		if next, err = nc.GetPath(ctx, path); err != nil {
			return nil, nil, err
		}
	}
	return prev, next, nil
}

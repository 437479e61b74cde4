package model

import (
	"context"
	"fmt"

	"github.com/thiagokokada/repometa/internal/graph"
)

// StagingFromTree loads t and every subtree below it into a staging tree.
func StagingFromTree(ctx context.Context, t *TreeNode) (*graph.StagingTree, error) {
	st := graph.NewStagingTree()
	if err := stage(ctx, st, t); err != nil {
		return nil, fmt.Errorf("staging %s: %w", t.ObjectID, err)
	}
	return st, nil
}

func stage(ctx context.Context, st *graph.StagingTree, t *TreeNode) error {
	for _, b := range t.Blobs {
		st.SetBlob(b.Name, b.ID)
	}
	for _, e := range t.Trees {
		sub, err := t.GetTree(ctx, e.Name)
		if err != nil {
			return err
		}
		if sub == nil {
			return fmt.Errorf("tree %s%s: %w", t.Path(), e.Name, ErrNotReady)
		}
		if err := stage(ctx, st.Tree(e.Name), sub); err != nil {
			return err
		}
	}
	return nil
}

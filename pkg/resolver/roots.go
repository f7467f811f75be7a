package resolver

import (
	"context"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
)

// markRoots labels every accepted usage without a parent as ROOT and removes
// the label from usages that have one. Synonyms and bare names are never roots.
func (r *Resolver) markRoots(ctx context.Context) error {
	_, err := r.store.Process(ctx, model.LabelUsage, r.opts.BatchSize, staging.VisitorFunc(func(tx *staging.Tx, id model.NodeID) error {
		node, err := tx.Node(id)
		if err != nil {
			return err
		}
		candidate := !node.Status.IsSynonym() && !node.HasLabel(model.LabelBareName)
		if candidate {
			parents, err := tx.Incoming(id, model.RelParentOf)
			if err != nil {
				return err
			}
			candidate = len(parents) == 0
		}

		switch {
		case candidate:
			if !node.HasLabel(model.LabelRoot) {
				return tx.AddLabel(id, model.LabelRoot)
			}
		case node.HasLabel(model.LabelRoot):
			return tx.RemoveLabel(id, model.LabelRoot)
		}
		return nil
	}))
	if err != nil {
		return err
	}
	roots, err := r.store.Graph().NodeCount(model.LabelRoot)
	r.report.Roots = int(roots)
	return err
}

package resolver

import (
	"context"
	"log"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// breakCycles walks the ancestry of every child linked in the last window.
// When a walk reaches a node already on its path the cycle's edges are
// collected and one of them is deleted: the newest under FirstSeen, the
// oldest under LastSeen. The child of the deleted edge is flagged and
// becomes a root in the root pass.
//
// Only chains through a newly linked child can have become cyclic, so
// untouched parts of the tree are only walked as far as they are reached.
// Children are walked in chunks of cycleChunk, one transaction each.
func (r *Resolver) breakCycles(ctx context.Context) error {
	if r.touched.IsEmpty() {
		return nil
	}
	children := r.touched.ToArray()
	r.touched.Clear()

	// nodes whose ancestry is known to end in a root
	acyclic := roaring64.New()
	for len(children) > 0 {
		chunk := children[:min(cycleChunk, len(children))]
		children = children[len(chunk):]

		err := r.store.Transact(ctx, func(tx *staging.Tx) error {
			for _, c := range chunk {
				if err := r.walkAncestry(tx, model.NodeID(c), acyclic); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			r.pending.reset()
			return err
		}
		r.commitPending()
	}
	return nil
}

const cycleChunk = 1000

func (r *Resolver) walkAncestry(tx *staging.Tx, child model.NodeID, acyclic *roaring64.Bitmap) error {
	var (
		path   []model.NodeID  // path[i+1] is the parent of path[i]
		edges  []*storage.Edge // edges[i] links path[i+1] -> path[i]
		onPath = make(map[model.NodeID]int)
	)
	cur := child
	for {
		if acyclic.Contains(uint64(cur)) {
			break
		}
		if at, ok := onPath[cur]; ok {
			if err := r.cut(tx, edges[at:]); err != nil {
				return err
			}
			break
		}
		onPath[cur] = len(path)
		path = append(path, cur)

		parents, err := tx.Incoming(cur, model.RelParentOf)
		if err != nil {
			return err
		}
		if len(parents) == 0 {
			break
		}
		edges = append(edges, parents[0])
		cur = parents[0].Start
	}

	for _, id := range path {
		acyclic.Add(uint64(id))
	}
	return nil
}

// cut deletes one edge of a cycle according to the tie-break policy.
func (r *Resolver) cut(tx *staging.Tx, cycle []*storage.Edge) error {
	victim := cycle[0]
	for _, e := range cycle[1:] {
		newer := e.ID > victim.ID
		if newer == (r.opts.TieBreak == FirstSeen) {
			victim = e
		}
	}
	if err := tx.DeleteEdge(victim.ID); err != nil {
		return err
	}
	r.pending.Edges[model.RelParentOf]--
	r.pending.CyclesBroken++
	log.Printf("[resolver] broke cycle of %d nodes by removing %s -> %s", len(cycle), victim.Start, victim.End)
	return r.addIssue(tx, victim.End, model.IssueCircularClassification)
}

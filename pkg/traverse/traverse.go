// Package traverse walks the resolved classification of a staging store.
//
// Traversals are depth-first pre-order. Accepted children are sorted by rank,
// then name, then source id, so output is reproducible; a node's synonyms
// follow the node directly, sorted by name then source id. Multiple roots are
// ordered like siblings under an invisible common parent.
//
// Two flavours exist because pro parte synonyms (one synonym accepted under
// several taxa) break the pure tree:
//
//   - Nodes yields every node once. A pro parte synonym appears only under the
//     first accepted parent reached.
//   - Paths yields the root-to-node path for every visit, so a pro parte
//     synonym appears once under each of its accepted parents.
//
// Example:
//
//	t := traverse.New(store)
//	for node, err := range t.Nodes(ctx, traverse.DefaultOptions()) {
//		if err != nil {
//			return err
//		}
//		fmt.Println(strings.Repeat("  ", node.Depth), node.Name)
//	}
package traverse

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/pool"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// Options controls a traversal.
type Options struct {
	// Roots to start from. Empty means all ROOT usages.
	Roots []model.NodeID

	// LowestRank prunes every node with a comparable rank below it, together
	// with its subtree. Nodes with uncomparable or missing ranks are kept.
	// RankNone disables pruning.
	LowestRank model.Rank

	// IncludeSynonyms emits the synonyms of each accepted node.
	IncludeSynonyms bool
}

// DefaultOptions traverses everything including synonyms.
func DefaultOptions() Options {
	return Options{IncludeSynonyms: true}
}

// TreeNode is one visited node.
type TreeNode struct {
	ID         model.NodeID
	SourceID   string
	Name       string
	Authorship string
	Rank       model.Rank
	Status     model.Status
	Depth      int
	Synonym    bool
	// ParentID is the accepted parent, or for a synonym the accepted
	// usage it was reached from. Zero for roots.
	ParentID model.NodeID
}

// Label returns the name with authorship.
func (n *TreeNode) Label() string {
	if n.Authorship == "" {
		return n.Name
	}
	return n.Name + " " + n.Authorship
}

// Path is the chain of nodes from a root down to the visited node.
type Path []*TreeNode

// Leaf returns the visited node.
func (p Path) Leaf() *TreeNode {
	if len(p) == 0 {
		return nil
	}
	return p[len(p)-1]
}

func (p Path) String() string {
	names := make([]string, len(p))
	for i, n := range p {
		names[i] = n.Name
	}
	return strings.Join(names, " > ")
}

// Traverser runs traversals over a staging store.
type Traverser struct {
	store *staging.Store
}

// New creates a traverser. The store must be synced and resolved before
// iterating.
func New(store *staging.Store) *Traverser {
	return &Traverser{store: store}
}

// Nodes returns a pre-order sequence of nodes, each yielded once.
//
// The sequence opens a read transaction when iteration starts and closes it
// when iteration ends. It is not restartable mid-pass but can be ranged over
// again for a fresh pass. Errors, including the lifecycle error of a store
// that is not TRANSACTIONAL, are yielded with a nil node and end the sequence.
func (t *Traverser) Nodes(ctx context.Context, opts Options) iter.Seq2[*TreeNode, error] {
	return func(yield func(*TreeNode, error) bool) {
		t.run(ctx, opts, false, func(path []*TreeNode) bool {
			return yield(path[len(path)-1], nil)
		}, func(err error) {
			yield(nil, err)
		})
	}
}

// Paths returns a pre-order sequence of root-to-node paths. A pro parte
// synonym yields one path per accepted parent. Yielded paths are not reused.
func (t *Traverser) Paths(ctx context.Context, opts Options) iter.Seq2[Path, error] {
	return func(yield func(Path, error) bool) {
		t.run(ctx, opts, true, func(path []*TreeNode) bool {
			return yield(slices.Clone(Path(path)), nil)
		}, func(err error) {
			yield(nil, err)
		})
	}
}

func (t *Traverser) run(ctx context.Context, opts Options, paths bool, emit func([]*TreeNode) bool, fail func(error)) {
	tx, err := t.store.Begin(ctx, false)
	if err != nil {
		fail(err)
		return
	}
	defer tx.Discard()

	w := &walker{
		tx:      tx,
		opts:    opts,
		paths:   paths,
		emit:    emit,
		onPath:  roaring64.New(),
		emitted: roaring64.New(),
	}

	roots := opts.Roots
	if len(roots) == 0 {
		roots, err = tx.NodesByLabel(model.LabelRoot, 0, 0)
		if err != nil {
			fail(err)
			return
		}
	}
	nodes, err := w.load(roots)
	if err != nil {
		fail(err)
		return
	}
	slices.SortFunc(nodes, compareSiblings)

	for i, root := range nodes {
		if i > 0 {
			if err := ctx.Err(); err != nil {
				fail(fmt.Errorf("traverse: %w: %w", staging.ErrIncomplete, err))
				return
			}
		}
		ok, err := w.visit(root, 0, false)
		if err != nil {
			fail(err)
			return
		}
		if !ok {
			return
		}
	}
}

// compareSiblings orders accepted siblings by rank, name and source id.
func compareSiblings(a, b *storage.Node) int {
	return cmp.Or(
		cmp.Compare(a.Rank.SortKey(), b.Rank.SortKey()),
		strings.Compare(a.Name, b.Name),
		strings.Compare(a.SourceID, b.SourceID),
	)
}

// compareSynonyms orders synonyms by name and source id.
func compareSynonyms(a, b *storage.Node) int {
	return cmp.Or(
		strings.Compare(a.Name, b.Name),
		strings.Compare(a.SourceID, b.SourceID),
	)
}

type walker struct {
	tx    *staging.Tx
	opts  Options
	paths bool
	emit  func([]*TreeNode) bool

	stack   []*TreeNode
	onPath  *roaring64.Bitmap
	emitted *roaring64.Bitmap
}

func (w *walker) pruned(n *storage.Node) bool {
	return w.opts.LowestRank != model.RankNone && n.Rank.Lower(w.opts.LowestRank)
}

func (w *walker) load(ids []model.NodeID) ([]*storage.Node, error) {
	nodes := make([]*storage.Node, 0, len(ids))
	for _, id := range ids {
		n, err := w.tx.Node(id)
		if err != nil {
			return nil, fmt.Errorf("traverse: loading %s: %w", id, err)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

// related loads the nodes at the other end of a node's edges of one type.
func (w *walker) related(id model.NodeID, rel model.RelType, outgoing bool) ([]*storage.Node, error) {
	var (
		edges []*storage.Edge
		err   error
	)
	if outgoing {
		edges, err = w.tx.Outgoing(id, rel)
	} else {
		edges, err = w.tx.Incoming(id, rel)
	}
	if err != nil || len(edges) == 0 {
		return nil, err
	}

	ids := pool.GetIDSlice()
	defer pool.PutIDSlice(ids)
	for _, e := range edges {
		if outgoing {
			ids = append(ids, e.End)
		} else {
			ids = append(ids, e.Start)
		}
	}
	return w.load(ids)
}

func (w *walker) treeNode(n *storage.Node, depth int, synonym bool) *TreeNode {
	tn := &TreeNode{
		ID:         n.ID,
		SourceID:   n.SourceID,
		Name:       n.Name,
		Authorship: n.Authorship,
		Rank:       n.Rank,
		Status:     n.Status,
		Depth:      depth,
		Synonym:    synonym,
	}
	if len(w.stack) > 0 {
		tn.ParentID = w.stack[len(w.stack)-1].ID
	}
	return tn
}

// yield emits the node with the current stack as its path.
func (w *walker) yield(tn *TreeNode) bool {
	w.stack = append(w.stack, tn)
	ok := w.emit(w.stack)
	w.stack = w.stack[:len(w.stack)-1]
	return ok
}

// visit emits n, its synonyms and its subtree. It returns false when the
// consumer stopped iterating.
func (w *walker) visit(n *storage.Node, depth int, synonym bool) (bool, error) {
	if w.onPath.Contains(uint64(n.ID)) || w.pruned(n) {
		return true, nil
	}
	if !w.paths {
		if w.emitted.Contains(uint64(n.ID)) {
			return true, nil
		}
		w.emitted.Add(uint64(n.ID))
	}

	tn := w.treeNode(n, depth, synonym)
	if synonym {
		return w.yield(tn), nil
	}
	if !w.yield(tn) {
		return false, nil
	}

	w.stack = append(w.stack, tn)
	w.onPath.Add(uint64(n.ID))
	defer func() {
		w.stack = w.stack[:len(w.stack)-1]
		w.onPath.Remove(uint64(n.ID))
	}()

	if w.opts.IncludeSynonyms {
		syns, err := w.related(n.ID, model.RelSynonymOf, false)
		if err != nil {
			return false, err
		}
		slices.SortFunc(syns, compareSynonyms)
		for _, s := range syns {
			if ok, err := w.visit(s, depth+1, true); !ok || err != nil {
				return ok, err
			}
		}
	}

	children, err := w.related(n.ID, model.RelParentOf, true)
	if err != nil {
		return false, err
	}
	slices.SortFunc(children, compareSiblings)
	for _, c := range children {
		if ok, err := w.visit(c, depth+1, false); !ok || err != nil {
			return ok, err
		}
	}
	return true, nil
}

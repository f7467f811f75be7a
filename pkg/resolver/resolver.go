// Package resolver turns the textual foreign keys of staged records into
// graph edges.
//
// Resolution runs after Sync, when every record of the dataset is staged and
// the lookup index is built, so references to records that came later in the
// source file resolve like any other. Broken references never fail the
// import: they become issues on the referring record.
//
// Resolve runs two passes, each under the staging batch processor:
//
//  1. relations: every REL_PENDING node gets its PARENT_OF, SYNONYM_OF and
//     HAS_BASIONYM edges. A child whose parent is a synonym is attached to
//     the synonym's accepted usage instead. After each committed window the
//     ancestry of the window's children is walked and cycles are broken.
//  2. roots: every accepted usage without a parent is labelled ROOT.
//
// Example:
//
//	report, err := resolver.New(store, resolver.DefaultOptions()).Resolve(ctx)
//	if err != nil {
//		return err
//	}
//	log.Printf("%d roots, %d cycles broken", report.Roots, report.CyclesBroken)
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// TieBreak decides which PARENT_OF edge survives a conflict.
type TieBreak int

const (
	// FirstSeen keeps the oldest parent edge and drops the newest edge of a cycle.
	FirstSeen TieBreak = iota
	// LastSeen keeps the newest parent edge and drops the oldest edge of a cycle.
	LastSeen
)

func (t TieBreak) String() string {
	if t == LastSeen {
		return "last"
	}
	return "first"
}

// ParseTieBreak parses "first" or "last".
func ParseTieBreak(s string) (TieBreak, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "first", "first_seen", "firstseen":
		return FirstSeen, nil
	case "last", "last_seen", "lastseen":
		return LastSeen, nil
	}
	return FirstSeen, fmt.Errorf("unknown tie-break policy %q", s)
}

// Options configures a Resolver.
type Options struct {
	BatchSize int
	TieBreak  TieBreak
}

// DefaultOptions returns the default resolver options.
func DefaultOptions() Options {
	return Options{BatchSize: staging.DefaultBatchSize, TieBreak: FirstSeen}
}

// Report summarizes a resolver run.
type Report struct {
	Processed        int
	Edges            map[model.RelType]int
	Issues           map[model.Issue]int
	DuplicateParents int
	CyclesBroken     int
	BareNames        int
	Roots            int
	Duration         time.Duration
}

func newReport() Report {
	return Report{
		Edges:  make(map[model.RelType]int),
		Issues: make(map[model.Issue]int),
	}
}

// add folds the counters of o into rep.
func (rep *Report) add(o *Report) {
	for rel, n := range o.Edges {
		rep.Edges[rel] += n
	}
	for issue, n := range o.Issues {
		rep.Issues[issue] += n
	}
	rep.DuplicateParents += o.DuplicateParents
	rep.CyclesBroken += o.CyclesBroken
	rep.BareNames += o.BareNames
}

func (rep *Report) reset() {
	clear(rep.Edges)
	clear(rep.Issues)
	rep.DuplicateParents = 0
	rep.CyclesBroken = 0
	rep.BareNames = 0
}

// Resolver links the staged records of one store.
type Resolver struct {
	store  *staging.Store
	opts   Options
	report Report

	// counters of the transaction in flight, folded into report on commit
	pending Report

	// children that got a parent edge in the current window
	touched *roaring64.Bitmap
}

// New creates a resolver for a synced store.
func New(store *staging.Store, opts Options) *Resolver {
	if opts.BatchSize <= 0 {
		opts.BatchSize = staging.DefaultBatchSize
	}
	return &Resolver{
		store:   store,
		opts:    opts,
		report:  newReport(),
		pending: newReport(),
		touched: roaring64.New(),
	}
}

// Resolve creates all pending relation edges, breaks cycles and marks roots.
// The store must be TRANSACTIONAL. On cancellation the returned error wraps
// staging.ErrIncomplete; committed windows are kept and a later Resolve
// continues with the nodes still pending.
func (r *Resolver) Resolve(ctx context.Context) (Report, error) {
	if err := r.store.RequireTransactional("resolve"); err != nil {
		return Report{}, err
	}
	start := time.Now()
	r.report = newReport()
	r.pending.reset()
	r.touched.Clear()

	n, err := r.store.Process(ctx, model.LabelRelPending, r.opts.BatchSize, &relationVisitor{r: r, ctx: ctx})
	r.report.Processed = n
	if err != nil {
		return r.report, fmt.Errorf("resolving relations: %w", err)
	}

	if err := r.markRoots(ctx); err != nil {
		return r.report, fmt.Errorf("marking roots: %w", err)
	}

	r.report.Duration = time.Since(start)
	log.Printf("[resolver] %d nodes resolved: %d parent, %d synonym, %d basionym edges, %d cycles broken, %d roots (%v)",
		n, r.report.Edges[model.RelParentOf], r.report.Edges[model.RelSynonymOf], r.report.Edges[model.RelHasBasionym],
		r.report.CyclesBroken, r.report.Roots, r.report.Duration)
	return r.report, nil
}

func (r *Resolver) addIssue(tx *staging.Tx, id model.NodeID, issue model.Issue) error {
	added, err := tx.AddIssue(id, issue)
	if err != nil {
		return err
	}
	if added {
		r.pending.Issues[issue]++
	}
	return nil
}

func (r *Resolver) link(tx *staging.Tx, rel model.RelType, start, end model.NodeID) error {
	if _, err := tx.CreateEdge(rel, start, end); err != nil {
		return err
	}
	r.pending.Edges[rel]++
	return nil
}

func (r *Resolver) commitPending() {
	r.report.add(&r.pending)
	r.pending.reset()
}

// lookup resolves a reference. It returns 0 without error for a miss.
func lookup(tx *staging.Tx, kind model.Kind, sourceID string) (model.NodeID, error) {
	id, err := tx.ByLookupKey(kind, sourceID)
	if errors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return id, err
}

// ============================================================================
// Relation pass
// ============================================================================

type relationVisitor struct {
	r   *Resolver
	ctx context.Context
}

func (v *relationVisitor) Visit(tx *staging.Tx, id model.NodeID) error {
	rec, err := tx.Get(id)
	if err != nil {
		return err
	}
	r := v.r

	if rec.Kind == model.KindUsage {
		if rec.IsSynonym() {
			if err := r.linkAccepted(tx, rec); err != nil {
				return err
			}
		} else if rec.ParentID != "" {
			if err := r.linkParent(tx, rec); err != nil {
				return err
			}
		}
	}
	if rec.BasionymID != "" {
		if err := r.linkBasionym(tx, rec); err != nil {
			return err
		}
	}
	return tx.RemoveLabel(id, model.LabelRelPending)
}

func (v *relationVisitor) CommitBatch(count int) error {
	v.r.commitPending()
	return v.r.breakCycles(v.ctx)
}

// ResetBatch drops the state of a window that was rolled back.
func (v *relationVisitor) ResetBatch() {
	v.r.pending.reset()
	v.r.touched.Clear()
}

func (r *Resolver) linkParent(tx *staging.Tx, rec *model.Record) error {
	if rec.ParentID == rec.SourceID {
		return r.addIssue(tx, rec.ID, model.IssueSelfReference)
	}
	pid, err := lookup(tx, model.KindUsage, rec.ParentID)
	if err != nil {
		return err
	}
	if pid == 0 {
		return r.addIssue(tx, rec.ID, model.IssueParentNotFound)
	}
	if pid, err = r.acceptedParent(tx, rec, pid); err != nil || pid == 0 {
		return err
	}
	if err := r.link(tx, model.RelParentOf, pid, rec.ID); err != nil {
		return err
	}
	r.touched.Add(uint64(rec.ID))
	return r.collapseParents(tx, rec.ID)
}

// acceptedParent returns the node a child should hang under when its parent
// id resolved to pid. Synonyms have no children in the tree: a synonym parent
// is replaced by the synonym's first resolvable accepted usage and the child
// is flagged. Without one, 0 is returned and the child becomes a root.
func (r *Resolver) acceptedParent(tx *staging.Tx, child *model.Record, pid model.NodeID) (model.NodeID, error) {
	parent, err := tx.Node(pid)
	if err != nil {
		return 0, err
	}
	if !parent.Status.IsSynonym() {
		return pid, nil
	}
	if err := r.addIssue(tx, child.ID, model.IssueParentIsSynonym); err != nil {
		return 0, err
	}

	syn, err := tx.Get(pid)
	if err != nil {
		return 0, err
	}
	candidates := syn.AcceptedIDs
	if len(candidates) == 0 && syn.ParentID != "" {
		candidates = []string{syn.ParentID}
	}
	for _, aid := range candidates {
		if aid == "" || aid == syn.SourceID || aid == child.SourceID {
			continue
		}
		id, err := lookup(tx, model.KindUsage, aid)
		if err != nil {
			return 0, err
		}
		if id == 0 {
			continue
		}
		n, err := tx.Node(id)
		if err != nil {
			return 0, err
		}
		if !n.Status.IsSynonym() {
			log.Printf("[resolver] %s: parent %s is a synonym, attached to %s", child.ID, pid, id)
			return id, nil
		}
	}
	log.Printf("[resolver] %s: parent %s is a synonym without accepted usage", child.ID, pid)
	return 0, nil
}

// collapseParents keeps a single incoming PARENT_OF edge, chosen by the
// tie-break policy, and flags the child if others had to go.
func (r *Resolver) collapseParents(tx *staging.Tx, child model.NodeID) error {
	edges, err := tx.Incoming(child, model.RelParentOf)
	if err != nil {
		return err
	}
	if len(edges) < 2 {
		return nil
	}
	keep := 0 // ascending edge id: oldest first
	if r.opts.TieBreak == LastSeen {
		keep = len(edges) - 1
	}
	for i, e := range edges {
		if i == keep {
			continue
		}
		if err := tx.DeleteEdge(e.ID); err != nil {
			return err
		}
		r.pending.Edges[model.RelParentOf]--
		r.pending.DuplicateParents++
	}
	log.Printf("[resolver] %s had %d parents, kept edge %d", child, len(edges), edges[keep].ID)
	return r.addIssue(tx, child, model.IssueDuplicateParent)
}

// linkAccepted creates SYNONYM_OF edges to every resolvable accepted usage.
// A synonym without accepted ids falls back to its parent id. A synonym with
// no resolvable accepted usage is kept as a bare name.
func (r *Resolver) linkAccepted(tx *staging.Tx, rec *model.Record) error {
	accepted := rec.AcceptedIDs
	if len(accepted) == 0 && rec.ParentID != "" {
		accepted = []string{rec.ParentID}
	}

	seen := make(map[string]struct{}, len(accepted))
	resolved := 0
	for _, aid := range accepted {
		if _, dup := seen[aid]; dup || aid == "" {
			continue
		}
		seen[aid] = struct{}{}
		if aid == rec.SourceID {
			if err := r.addIssue(tx, rec.ID, model.IssueSelfReference); err != nil {
				return err
			}
			continue
		}
		target, err := lookup(tx, model.KindUsage, aid)
		if err != nil {
			return err
		}
		if target == 0 {
			if err := r.addIssue(tx, rec.ID, model.IssueAcceptedNotFound); err != nil {
				return err
			}
			continue
		}
		if err := r.link(tx, model.RelSynonymOf, rec.ID, target); err != nil {
			return err
		}
		resolved++
	}

	if resolved == 0 {
		r.pending.BareNames++
		if err := tx.AddLabel(rec.ID, model.LabelBareName); err != nil {
			return err
		}
		return r.addIssue(tx, rec.ID, model.IssueSynonymNoAccepted)
	}
	return nil
}

func (r *Resolver) linkBasionym(tx *staging.Tx, rec *model.Record) error {
	if rec.BasionymID == rec.SourceID {
		return r.addIssue(tx, rec.ID, model.IssueSelfReference)
	}
	bid, err := lookup(tx, rec.Kind, rec.BasionymID)
	if err != nil {
		return err
	}
	if bid == 0 {
		return r.addIssue(tx, rec.ID, model.IssueBasionymNotFound)
	}
	return r.link(tx, model.RelHasBasionym, rec.ID, bid)
}

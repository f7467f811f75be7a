// Package storage provides the two storage backends of the checklist staging store.
//
// The graph store (BadgerDB) keeps one lightweight node per staged entity with
// the indexed scalar fields (source id, kind, name, authorship, rank, status,
// labels) plus typed directed edges. The record store (SQLite, one packed file)
// keeps the full serialized payload of every entity under the same NodeID.
//
// Neither backend knows about the other; package staging composes them and
// keeps them consistent.
//
// Example Usage:
//
//	graph, err := storage.OpenGraph(storage.GraphOptions{DataDir: dir + "/graph"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer graph.Close()
//
//	err = graph.Update(func(tx *storage.GraphTxn) error {
//		parent := &storage.Node{ID: graph.NextNodeID(), SourceID: "1", Kind: model.KindUsage}
//		child := &storage.Node{ID: graph.NextNodeID(), SourceID: "2", Kind: model.KindUsage}
//		if err := tx.PutNode(parent); err != nil {
//			return err
//		}
//		if err := tx.PutNode(child); err != nil {
//			return err
//		}
//		_, err := tx.CreateEdge(model.RelParentOf, parent.ID, child.ID)
//		return err
//	})
package storage

import (
	"errors"
	"slices"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// Common errors
var (
	ErrNotFound         = errors.New("not found")
	ErrAlreadyExists    = errors.New("already exists")
	ErrInvalidID        = errors.New("invalid id")
	ErrInvalidData      = errors.New("invalid data")
	ErrInvalidEdge      = errors.New("invalid edge: start or end node not found")
	ErrStorageClosed    = errors.New("storage closed")
	ErrReadOnly         = errors.New("read-only transaction")
	ErrIterationStopped = errors.New("iteration stopped") // Sentinel to stop streaming early
)

// Node is the graph-resident projection of a staged entity.
//
// Only the fields needed for structural queries and sibling sorting live here;
// the full payload is kept in the record store.
//
// Thread Safety:
//
//	Node structs are NOT thread-safe. The storage engine handles concurrency.
type Node struct {
	ID         model.NodeID
	SourceID   string
	Kind       model.Kind
	Name       string
	Authorship string
	Rank       model.Rank
	Status     model.Status
	Labels     []string
}

// NodeFromRecord projects a record onto a graph node with the given labels.
func NodeFromRecord(rec *model.Record, labels []string) *Node {
	return &Node{
		ID:         rec.ID,
		SourceID:   rec.SourceID,
		Kind:       rec.Kind,
		Name:       rec.Name,
		Authorship: rec.Authorship,
		Rank:       rec.Rank,
		Status:     rec.Status,
		Labels:     labels,
	}
}

// HasLabel reports whether the node carries the label.
func (n *Node) HasLabel(label string) bool {
	return slices.Contains(n.Labels, normalizeLabel(label))
}

// Edge is a typed directed edge between two nodes.
type Edge struct {
	ID    model.EdgeID
	Type  model.RelType
	Start model.NodeID
	End   model.NodeID
}

// NodeVisitor is a function called for each node during streaming.
type NodeVisitor func(node *Node) error

package staging

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// Tx is a staging transaction spanning the graph and the record store.
//
// Commit writes the record store first and the graph second, so a crash in
// between never leaves a graph node without its payload. A Tx is not safe
// for concurrent use.
//
// A Tx from Begin holds the store's read lock until Commit or Discard, so
// Sync, EndBatchMode and Close wait for open transactions to finish.
type Tx struct {
	store   *Store
	ctx     context.Context
	graph   *storage.GraphTxn
	records *storage.RecordTxn // nil for read-only transactions
	release func()
	done    bool
}

func (tx *Tx) finish() {
	tx.done = true
	if tx.release != nil {
		tx.release()
		tx.release = nil
	}
}

// Writable reports whether the transaction can write.
func (tx *Tx) Writable() bool {
	return tx.records != nil
}

func (tx *Tx) writable() error {
	if tx.records == nil {
		return storage.ErrReadOnly
	}
	return nil
}

// Commit commits both stores.
func (tx *Tx) Commit() error {
	if tx.done {
		return fmt.Errorf("staging: transaction already finished")
	}
	defer tx.finish()
	if tx.records != nil {
		if err := tx.records.Commit(); err != nil {
			tx.graph.Discard()
			return fmt.Errorf("committing records: %w", err)
		}
	}
	if err := tx.graph.Commit(); err != nil {
		log.Printf("[staging] ERROR: graph commit failed after records were committed: %v", err)
		return fmt.Errorf("committing graph: %w", err)
	}
	return nil
}

// Discard rolls back both stores. Safe to call after Commit.
func (tx *Tx) Discard() {
	if tx.records != nil {
		tx.records.Rollback()
	}
	tx.graph.Discard()
	tx.finish()
}

// insert writes a new entity with the given labels and registers its
// source id in the lookup index if the key is free.
func (tx *Tx) insert(rec *model.Record, labels []string) error {
	if rec.SourceID != "" {
		ok, err := tx.graph.SetLookup(rec.Kind, rec.SourceID, rec.ID)
		if err != nil {
			return err
		}
		if !ok {
			rec.AddIssue(model.IssueIDNotUnique)
		}
	}
	if err := tx.records.Put(tx.ctx, rec); err != nil {
		return err
	}
	return tx.graph.PutNode(storage.NodeFromRecord(rec, labels))
}

// Get returns the full entity overlaid with the graph-resident fields.
func (tx *Tx) Get(id model.NodeID) (*model.Record, error) {
	node, err := tx.graph.GetNode(id)
	if err != nil {
		return nil, err
	}
	var rec *model.Record
	if tx.records != nil {
		rec, err = tx.records.Get(tx.ctx, id)
	} else {
		rec, err = tx.store.records.Get(tx.ctx, id)
	}
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("payload of %s missing: %w", id, storage.ErrInvalidData)
		}
		return nil, err
	}
	rec.SourceID = node.SourceID
	rec.Kind = node.Kind
	rec.Name = node.Name
	rec.Authorship = node.Authorship
	rec.Rank = node.Rank
	rec.Status = node.Status
	rec.Labels = node.Labels
	return rec, nil
}

// Node returns the graph projection of an entity.
func (tx *Tx) Node(id model.NodeID) (*storage.Node, error) {
	return tx.graph.GetNode(id)
}

// Update overwrites an existing entity in both stores. Derived labels are
// recomputed from the record, system labels are kept. The source id of a
// stored entity cannot change.
func (tx *Tx) Update(rec *model.Record) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if rec == nil {
		return storage.ErrInvalidData
	}
	existing, err := tx.graph.GetNode(rec.ID)
	if err != nil {
		return fmt.Errorf("update %s: %w", rec.ID, err)
	}
	if existing.SourceID != rec.SourceID || existing.Kind != rec.Kind {
		return fmt.Errorf("update %s: source id and kind are immutable: %w", rec.ID, storage.ErrInvalidData)
	}

	labels := rec.DerivedLabels()
	for _, l := range existing.Labels {
		if model.IsSystemLabel(l) {
			labels = append(labels, l)
		}
	}
	if err := tx.records.Put(tx.ctx, rec); err != nil {
		return err
	}
	return tx.graph.PutNode(storage.NodeFromRecord(rec, labels))
}

// AddIssue appends an issue to an entity's payload. It reports whether the
// issue was new.
func (tx *Tx) AddIssue(id model.NodeID, issue model.Issue) (bool, error) {
	if err := tx.writable(); err != nil {
		return false, err
	}
	rec, err := tx.records.Get(tx.ctx, id)
	if err != nil {
		return false, fmt.Errorf("add issue to %s: %w", id, err)
	}
	if !rec.AddIssue(issue) {
		return false, nil
	}
	return true, tx.records.Put(tx.ctx, rec)
}

// CreateEdge links two existing nodes.
func (tx *Tx) CreateEdge(rel model.RelType, start, end model.NodeID) (*storage.Edge, error) {
	return tx.graph.CreateEdge(rel, start, end)
}

// DeleteEdge removes an edge.
func (tx *Tx) DeleteEdge(id model.EdgeID) error {
	return tx.graph.DeleteEdge(id)
}

// Outgoing lists edges starting at id. A zero rel lists all types.
func (tx *Tx) Outgoing(id model.NodeID, rel model.RelType) ([]*storage.Edge, error) {
	return tx.graph.Outgoing(id, rel)
}

// Incoming lists edges ending at id. A zero rel lists all types.
func (tx *Tx) Incoming(id model.NodeID, rel model.RelType) ([]*storage.Edge, error) {
	return tx.graph.Incoming(id, rel)
}

// AddLabel adds a label to a node.
func (tx *Tx) AddLabel(id model.NodeID, label string) error {
	return tx.graph.AddLabel(id, label)
}

// RemoveLabel removes a label from a node.
func (tx *Tx) RemoveLabel(id model.NodeID, label string) error {
	return tx.graph.RemoveLabel(id, label)
}

// HasLabel reports whether a node carries a label.
func (tx *Tx) HasLabel(id model.NodeID, label string) (bool, error) {
	return tx.graph.HasLabel(id, label)
}

// NodesByLabel lists up to limit ids carrying label after the given id.
func (tx *Tx) NodesByLabel(label string, after model.NodeID, limit int) ([]model.NodeID, error) {
	return tx.graph.NodesByLabel(label, after, limit)
}

// ByLookupKey resolves a source id of the given kind.
func (tx *Tx) ByLookupKey(kind model.Kind, sourceID string) (model.NodeID, error) {
	return tx.graph.Lookup(kind, sourceID)
}

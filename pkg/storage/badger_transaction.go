// Package storage - BadgerDB transaction wrapper for the graph store.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"slices"

	"github.com/dgraph-io/badger/v4"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// GraphTxn wraps Badger's native transaction with the node, label, edge and
// lookup operations of the graph store.
//
// Changes are invisible to other transactions until Commit. A GraphTxn is not
// safe for concurrent use.
type GraphTxn struct {
	store  *GraphStore
	txn    *badger.Txn
	update bool
	done   bool
}

func (tx *GraphTxn) writable() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	if !tx.update {
		return ErrReadOnly
	}
	return nil
}

// Commit commits all changes made in the transaction.
func (tx *GraphTxn) Commit() error {
	if tx.done {
		return fmt.Errorf("transaction already finished")
	}
	tx.done = true
	if err := tx.txn.Commit(); err != nil {
		log.Printf("[graph] commit failed: %v", err)
		return err
	}
	return nil
}

// Discard drops all uncommitted changes. Safe to call after Commit.
func (tx *GraphTxn) Discard() {
	tx.done = true
	tx.txn.Discard()
}

// ============================================================================
// Nodes
// ============================================================================

// GetNode returns the node projection or ErrNotFound.
func (tx *GraphTxn) GetNode(id model.NodeID) (*Node, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	item, err := tx.txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var node *Node
	err = item.Value(func(val []byte) error {
		var decodeErr error
		node, decodeErr = decodeNode(id, val)
		return decodeErr
	})
	return node, err
}

// HasNode reports whether a node with the id exists.
func (tx *GraphTxn) HasNode(id model.NodeID) (bool, error) {
	_, err := tx.txn.Get(nodeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// PutNode creates or replaces a node projection.
//
// The label index is synchronized with n.Labels: labels the stored node had
// but n lacks are removed from the index.
func (tx *GraphTxn) PutNode(n *Node) error {
	if err := tx.writable(); err != nil {
		return err
	}
	if n == nil {
		return ErrInvalidData
	}
	if n.ID == 0 {
		return ErrInvalidID
	}
	n.Labels = normalizeLabels(n.Labels)

	existing, err := tx.GetNode(n.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if existing != nil {
		for _, old := range existing.Labels {
			if !slices.Contains(n.Labels, old) {
				if err := tx.txn.Delete(labelIndexKey(old, n.ID)); err != nil {
					return err
				}
			}
		}
	}
	return tx.writeNode(n)
}

func (tx *GraphTxn) writeNode(n *Node) error {
	data, err := encodeNode(n)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := tx.txn.Set(nodeKey(n.ID), data); err != nil {
		return err
	}
	for _, label := range n.Labels {
		if err := tx.txn.Set(labelIndexKey(label, n.ID), []byte{}); err != nil {
			return err
		}
	}
	return nil
}

// AddLabel adds a label to a node. Adding a present label is a no-op.
func (tx *GraphTxn) AddLabel(id model.NodeID, label string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	node, err := tx.GetNode(id)
	if err != nil {
		return err
	}
	label = normalizeLabel(label)
	if label == "" || slices.Contains(node.Labels, label) {
		return nil
	}
	node.Labels = append(node.Labels, label)
	return tx.writeNode(node)
}

// RemoveLabel removes a label from a node. Removing an absent label is a no-op.
func (tx *GraphTxn) RemoveLabel(id model.NodeID, label string) error {
	if err := tx.writable(); err != nil {
		return err
	}
	node, err := tx.GetNode(id)
	if err != nil {
		return err
	}
	label = normalizeLabel(label)
	idx := slices.Index(node.Labels, label)
	if idx < 0 {
		return nil
	}
	node.Labels = slices.Delete(node.Labels, idx, idx+1)
	if err := tx.txn.Delete(labelIndexKey(label, id)); err != nil {
		return err
	}
	return tx.writeNode(node)
}

// HasLabel reports whether the node carries the label, using the label index.
func (tx *GraphTxn) HasLabel(id model.NodeID, label string) (bool, error) {
	_, err := tx.txn.Get(labelIndexKey(label, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// NodesByLabel returns up to limit node ids carrying the label with an id
// greater than after, in ascending id order. A limit <= 0 means no limit.
//
// Seeking past the last returned id makes it safe to remove the label from
// returned nodes between calls.
func (tx *GraphTxn) NodesByLabel(label string, after model.NodeID, limit int) ([]model.NodeID, error) {
	prefix := labelIndexPrefix(label)
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = prefix
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var ids []model.NodeID
	for it.Seek(labelIndexKey(label, after+1)); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, extractNodeIDFromLabelIndex(it.Item().Key()))
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// ============================================================================
// Edges
// ============================================================================

// CreateEdge creates a typed edge from start to end and returns it.
// Both nodes must exist.
func (tx *GraphTxn) CreateEdge(rel model.RelType, start, end model.NodeID) (*Edge, error) {
	if err := tx.writable(); err != nil {
		return nil, err
	}
	for _, id := range []model.NodeID{start, end} {
		ok, err := tx.HasNode(id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrInvalidEdge, id)
		}
	}

	edge := &Edge{ID: tx.store.nextEdgeID(), Type: rel, Start: start, End: end}
	if err := tx.txn.Set(edgeKey(edge.ID), encodeEdge(edge)); err != nil {
		return nil, err
	}
	if err := tx.txn.Set(outgoingIndexKey(start, rel, edge.ID), encodeUint64(uint64(end))); err != nil {
		return nil, err
	}
	if err := tx.txn.Set(incomingIndexKey(end, rel, edge.ID), encodeUint64(uint64(start))); err != nil {
		return nil, err
	}
	return edge, nil
}

// GetEdge returns an edge or ErrNotFound.
func (tx *GraphTxn) GetEdge(id model.EdgeID) (*Edge, error) {
	item, err := tx.txn.Get(edgeKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	val, err := item.ValueCopy(nil)
	if err != nil {
		return nil, err
	}
	return decodeEdge(id, val)
}

// DeleteEdge removes an edge and its index entries.
func (tx *GraphTxn) DeleteEdge(id model.EdgeID) error {
	if err := tx.writable(); err != nil {
		return err
	}
	edge, err := tx.GetEdge(id)
	if err != nil {
		return err
	}
	if err := tx.txn.Delete(outgoingIndexKey(edge.Start, edge.Type, id)); err != nil {
		return err
	}
	if err := tx.txn.Delete(incomingIndexKey(edge.End, edge.Type, id)); err != nil {
		return err
	}
	return tx.txn.Delete(edgeKey(id))
}

// Outgoing returns the edges starting at the node, ascending by edge id.
// A zero rel returns edges of all types.
func (tx *GraphTxn) Outgoing(id model.NodeID, rel model.RelType) ([]*Edge, error) {
	return tx.adjacent(prefixOutgoingIndex, id, rel)
}

// Incoming returns the edges ending at the node, ascending by edge id.
// A zero rel returns edges of all types.
func (tx *GraphTxn) Incoming(id model.NodeID, rel model.RelType) ([]*Edge, error) {
	return tx.adjacent(prefixIncomingIndex, id, rel)
}

func (tx *GraphTxn) adjacent(prefix byte, id model.NodeID, rel model.RelType) ([]*Edge, error) {
	scan := adjacencyPrefix(prefix, id, rel)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = scan
	it := tx.txn.NewIterator(opts)
	defer it.Close()

	var edges []*Edge
	for it.Seek(scan); it.ValidForPrefix(scan); it.Next() {
		item := it.Item()
		relType, edgeID := extractEdgeFromIndexKey(item.Key())
		if edgeID == 0 {
			return nil, fmt.Errorf("malformed adjacency key for node %s: %w", id, ErrInvalidData)
		}
		var other model.NodeID
		if err := item.Value(func(val []byte) error {
			other = model.NodeID(decodeUint64(val))
			return nil
		}); err != nil {
			return nil, err
		}
		e := &Edge{ID: edgeID, Type: relType}
		if prefix == prefixOutgoingIndex {
			e.Start, e.End = id, other
		} else {
			e.Start, e.End = other, id
		}
		edges = append(edges, e)
	}
	return edges, nil
}

// ============================================================================
// Lookup index
// ============================================================================

// Lookup resolves a source id of the given kind to its node id.
// Only valid after the lookup index has been rebuilt.
func (tx *GraphTxn) Lookup(kind model.Kind, sourceID string) (model.NodeID, error) {
	if sourceID == "" {
		return 0, ErrNotFound
	}
	item, err := tx.txn.Get(lookupKey(kind, sourceID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	var id model.NodeID
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return ErrInvalidData
		}
		id = model.NodeID(binary.BigEndian.Uint64(val))
		return nil
	})
	return id, err
}

// SetLookup indexes a node under (kind, sourceID) unless the key is taken by
// another node. It returns false if the key was already owned by another node.
func (tx *GraphTxn) SetLookup(kind model.Kind, sourceID string, id model.NodeID) (bool, error) {
	if err := tx.writable(); err != nil {
		return false, err
	}
	if sourceID == "" {
		return false, nil
	}
	owner, err := tx.Lookup(kind, sourceID)
	switch {
	case errors.Is(err, ErrNotFound):
		return true, tx.txn.Set(lookupKey(kind, sourceID), encodeUint64(uint64(id)))
	case err != nil:
		return false, err
	default:
		return owner == id, nil
	}
}

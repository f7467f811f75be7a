package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixNode          = byte(0x01) // nodes:nodeID -> Node
	prefixEdge          = byte(0x02) // edges:edgeID -> Edge
	prefixLabelIndex    = byte(0x03) // label:labelName:nodeID -> []byte{}
	prefixOutgoingIndex = byte(0x04) // outgoing:nodeID:relType:edgeID -> endID
	prefixIncomingIndex = byte(0x05) // incoming:nodeID:relType:edgeID -> startID
	prefixLookup        = byte(0x06) // lookup:kind:sourceID -> nodeID
)

// ErrTxnTooBig is returned by a graph transaction whose pending writes
// exceed MaxBatchCount or MaxBatchSize.
var ErrTxnTooBig = badger.ErrTxnTooBig

// GraphStore provides the persistent graph half of the staging store.
//
// Key Structure:
//   - Nodes: 0x01 + nodeID(8) -> JSON(Node)
//   - Edges: 0x02 + edgeID(8) -> type(1) + start(8) + end(8)
//   - Label Index: 0x03 + label + 0x00 + nodeID(8) -> empty
//   - Outgoing Index: 0x04 + nodeID(8) + relType(1) + edgeID(8) -> endID
//   - Incoming Index: 0x05 + nodeID(8) + relType(1) + edgeID(8) -> startID
//   - Lookup Index: 0x06 + kind(1) + sourceID -> nodeID
//
// All ids are big endian so that key order equals id order. Label scans are
// therefore ascending by NodeID and edge scans ascending by EdgeID.
//
// The lookup index is derived data. It is dropped and rebuilt from the node
// projections by RebuildLookup; during bulk loading it is not maintained.
//
// Thread Safety:
//
//	Safe for concurrent use from multiple goroutines.
type GraphStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool

	lastNodeID atomic.Uint64
	lastEdgeID atomic.Uint64
}

// GraphOptions configures the BadgerDB graph store.
type GraphOptions struct {
	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging.
	// If nil, BadgerDB logging is disabled.
	Logger badger.Logger

	// LowMemory enables memory-constrained settings.
	LowMemory bool
}

// OpenGraph opens or creates a graph store.
//
// The id allocators resume after the highest node and edge ids found in the
// store, so reopening an existing store never reuses an id.
func OpenGraph(opts GraphOptions) (*GraphStore, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)

	if opts.InMemory {
		badgerOpts = badgerOpts.WithInMemory(true).WithDir("").WithValueDir("")
	}

	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}

	// nil silences badger
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).            // 2 instead of 5
			WithNumLevelZeroTables(2).      // 2 instead of 5
			WithNumLevelZeroTablesStall(4). // 4 instead of 15
			WithBlockCacheSize(32 << 20).   // 32MB block cache
			WithIndexCacheSize(16 << 20)    // 16MB index cache
	}
	// Node projections are small; keep them in the LSM tree
	badgerOpts = badgerOpts.WithValueThreshold(1024)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	g := &GraphStore{db: db}
	if err := g.loadCounters(); err != nil {
		db.Close()
		return nil, err
	}
	return g, nil
}

// loadCounters restores the id allocators from the highest stored keys.
func (g *GraphStore) loadCounters() error {
	return g.db.View(func(txn *badger.Txn) error {
		maxNode, err := lastKeyID(txn, prefixNode)
		if err != nil {
			return err
		}
		maxEdge, err := lastKeyID(txn, prefixEdge)
		if err != nil {
			return err
		}
		g.lastNodeID.Store(maxNode)
		g.lastEdgeID.Store(maxEdge)
		return nil
	})
}

// lastKeyID returns the id of the last key under a single byte prefix.
func lastKeyID(txn *badger.Txn, prefix byte) (uint64, error) {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Reverse = true
	opts.Prefix = []byte{prefix}
	it := txn.NewIterator(opts)
	defer it.Close()

	seek := []byte{prefix, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	it.Seek(seek)
	if !it.ValidForPrefix([]byte{prefix}) {
		return 0, nil
	}
	key := it.Item().Key()
	if len(key) != 9 {
		return 0, fmt.Errorf("unexpected key length %d under prefix %#x: %w", len(key), prefix, ErrInvalidData)
	}
	return binary.BigEndian.Uint64(key[1:]), nil
}

// NextNodeID allocates a new node id. Ids are never reused.
func (g *GraphStore) NextNodeID() model.NodeID {
	return model.NodeID(g.lastNodeID.Add(1))
}

// MaxNodeID returns the highest node id allocated so far.
func (g *GraphStore) MaxNodeID() model.NodeID {
	return model.NodeID(g.lastNodeID.Load())
}

func (g *GraphStore) nextEdgeID() model.EdgeID {
	return model.EdgeID(g.lastEdgeID.Add(1))
}

func (g *GraphStore) checkOpen() error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

// nodeKey creates a key for storing a node.
func nodeKey(id model.NodeID) []byte {
	key := make([]byte, 9)
	key[0] = prefixNode
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

// edgeKey creates a key for storing an edge.
func edgeKey(id model.EdgeID) []byte {
	key := make([]byte, 9)
	key[0] = prefixEdge
	binary.BigEndian.PutUint64(key[1:], uint64(id))
	return key
}

func normalizeLabel(label string) string {
	return strings.ToUpper(strings.TrimSpace(label))
}

// labelIndexKey creates a key for the label index.
// Format: prefix + label (uppercase) + 0x00 + nodeID
func labelIndexKey(label string, nodeID model.NodeID) []byte {
	key := labelIndexPrefix(label)
	return binary.BigEndian.AppendUint64(key, uint64(nodeID))
}

// labelIndexPrefix returns the prefix for scanning all nodes with a label.
func labelIndexPrefix(label string) []byte {
	normalizedLabel := normalizeLabel(label)
	key := make([]byte, 0, 1+len(normalizedLabel)+1+8)
	key = append(key, prefixLabelIndex)
	key = append(key, normalizedLabel...)
	key = append(key, 0x00)
	return key
}

// adjacencyPrefix returns the prefix for scanning edges of a node.
// A zero relType scans all relation types.
func adjacencyPrefix(prefix byte, nodeID model.NodeID, rel model.RelType) []byte {
	key := make([]byte, 0, 1+8+1+8)
	key = append(key, prefix)
	key = binary.BigEndian.AppendUint64(key, uint64(nodeID))
	if rel != 0 {
		key = append(key, byte(rel))
	}
	return key
}

// outgoingIndexKey creates a key for the outgoing edge index.
func outgoingIndexKey(nodeID model.NodeID, rel model.RelType, edgeID model.EdgeID) []byte {
	key := adjacencyPrefix(prefixOutgoingIndex, nodeID, rel)
	return binary.BigEndian.AppendUint64(key, uint64(edgeID))
}

// incomingIndexKey creates a key for the incoming edge index.
func incomingIndexKey(nodeID model.NodeID, rel model.RelType, edgeID model.EdgeID) []byte {
	key := adjacencyPrefix(prefixIncomingIndex, nodeID, rel)
	return binary.BigEndian.AppendUint64(key, uint64(edgeID))
}

// extractEdgeFromIndexKey extracts relType and edgeID from an adjacency key.
// Format: prefix + nodeID(8) + relType(1) + edgeID(8)
func extractEdgeFromIndexKey(key []byte) (model.RelType, model.EdgeID) {
	if len(key) != 18 {
		return 0, 0
	}
	return model.RelType(key[9]), model.EdgeID(binary.BigEndian.Uint64(key[10:]))
}

// extractNodeIDFromLabelIndex extracts the nodeID from a label index key.
func extractNodeIDFromLabelIndex(key []byte) model.NodeID {
	if len(key) < 8 {
		return 0
	}
	return model.NodeID(binary.BigEndian.Uint64(key[len(key)-8:]))
}

// lookupKey creates a key for the lookup index.
func lookupKey(kind model.Kind, sourceID string) []byte {
	key := make([]byte, 0, 2+len(sourceID))
	key = append(key, prefixLookup, byte(kind))
	key = append(key, sourceID...)
	return key
}

// ============================================================================
// Transactions
// ============================================================================

// Begin starts a graph transaction. Read-only transactions must be discarded.
func (g *GraphStore) Begin(update bool) (*GraphTxn, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	return &GraphTxn{
		store:  g,
		txn:    g.db.NewTransaction(update),
		update: update,
	}, nil
}

// View runs fn inside a read-only transaction.
func (g *GraphStore) View(fn func(tx *GraphTxn) error) error {
	tx, err := g.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Discard()
	return fn(tx)
}

// Update runs fn inside a read-write transaction and commits it if fn succeeds.
func (g *GraphStore) Update(fn func(tx *GraphTxn) error) error {
	tx, err := g.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Discard()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ============================================================================
// Bulk loading
// ============================================================================

// BulkWriter writes node projections through a badger WriteBatch.
//
// It does not read back, check for existing keys or maintain the lookup
// index. It is meant for the initial load of a fresh store only.
type BulkWriter struct {
	store *GraphStore
	wb    *badger.WriteBatch
	count int64
}

// NewBulkWriter starts a bulk load.
func (g *GraphStore) NewBulkWriter() (*BulkWriter, error) {
	if err := g.checkOpen(); err != nil {
		return nil, err
	}
	return &BulkWriter{store: g, wb: g.db.NewWriteBatch()}, nil
}

// PutNode writes the node and its label index entries.
func (w *BulkWriter) PutNode(n *Node) error {
	if n == nil {
		return ErrInvalidData
	}
	if n.ID == 0 {
		return ErrInvalidID
	}
	n.Labels = normalizeLabels(n.Labels)
	data, err := encodeNode(n)
	if err != nil {
		return fmt.Errorf("failed to encode node: %w", err)
	}
	if err := w.wb.Set(nodeKey(n.ID), data); err != nil {
		return err
	}
	for _, label := range n.Labels {
		if err := w.wb.Set(labelIndexKey(label, n.ID), []byte{}); err != nil {
			return err
		}
	}
	w.count++
	return nil
}

// Count returns the number of nodes written so far.
func (w *BulkWriter) Count() int64 {
	return w.count
}

// Flush writes all pending entries and finishes the bulk load.
func (w *BulkWriter) Flush() error {
	return w.wb.Flush()
}

// Cancel discards the bulk load. Entries already flushed by badger stay.
func (w *BulkWriter) Cancel() {
	w.wb.Cancel()
}

// ============================================================================
// Lookup index
// ============================================================================

// DropLookup removes the whole lookup index.
func (g *GraphStore) DropLookup() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.db.DropPrefix([]byte{prefixLookup})
}

// RebuildLookup indexes all nodes with a source id by (kind, sourceID).
//
// Nodes are visited in ascending id order in windows of the given size. A
// window is written in one transaction unless it exceeds badger's limits,
// in which case it is split. The first node wins a key; every later node with
// the same key is reported to onDuplicate after its window committed.
// A node that already owns its key is skipped, so the rebuild can resume
// after an interruption without reporting false duplicates.
//
// The context is checked after each window. On cancellation the windows
// committed so far stay in place and ctx.Err() is returned.
func (g *GraphStore) RebuildLookup(ctx context.Context, window int, onDuplicate func(ids []model.NodeID) error) (int64, error) {
	if err := g.checkOpen(); err != nil {
		return 0, err
	}
	if window <= 0 {
		window = 10000
	}

	var (
		indexed int64
		after   model.NodeID
	)
	for {
		batch := make([]lookupEntry, 0, window)
		err := g.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte{prefixNode}
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(nodeKey(after + 1)); it.ValidForPrefix(opts.Prefix) && len(batch) < window; it.Next() {
				item := it.Item()
				id := model.NodeID(binary.BigEndian.Uint64(item.Key()[1:]))
				err := item.Value(func(val []byte) error {
					n, err := decodeNode(id, val)
					if err != nil {
						return err
					}
					batch = append(batch, lookupEntry{id: id, kind: n.Kind, sid: n.SourceID})
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return indexed, err
		}
		if len(batch) == 0 {
			return indexed, nil
		}

		n, dups, err := g.indexLookupWindow(batch)
		indexed += n
		if err != nil {
			return indexed, err
		}
		if len(dups) > 0 && onDuplicate != nil {
			if err := onDuplicate(dups); err != nil {
				return indexed, err
			}
		}

		after = batch[len(batch)-1].id
		if err := ctx.Err(); err != nil {
			log.Printf("[graph] lookup rebuild interrupted after node %s", after)
			return indexed, err
		}
	}
}

type lookupEntry struct {
	id   model.NodeID
	kind model.Kind
	sid  string
}

// indexLookupWindow registers the source ids of one window. A window larger
// than badger's transaction limits is written in several transactions; each
// one sees the keys committed by the previous ones.
func (g *GraphStore) indexLookupWindow(batch []lookupEntry) (int64, []model.NodeID, error) {
	var (
		indexed int64
		dups    []model.NodeID
	)
	txn := g.db.NewTransaction(true)
	defer func() { txn.Discard() }()

	for _, e := range batch {
		if e.sid == "" {
			continue
		}
		key := lookupKey(e.kind, e.sid)
		item, err := txn.Get(key)
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			val := encodeUint64(uint64(e.id))
			err := txn.Set(key, val)
			if errors.Is(err, badger.ErrTxnTooBig) {
				if err := txn.Commit(); err != nil {
					return indexed, dups, err
				}
				txn = g.db.NewTransaction(true)
				err = txn.Set(key, val)
			}
			if err != nil {
				return indexed, dups, err
			}
			indexed++
		case err != nil:
			return indexed, dups, err
		default:
			owner, err := item.ValueCopy(nil)
			if err != nil {
				return indexed, dups, err
			}
			if model.NodeID(decodeUint64(owner)) != e.id {
				dups = append(dups, e.id)
			}
		}
	}
	return indexed, dups, txn.Commit()
}

// ============================================================================
// Maintenance
// ============================================================================

// MaxBatchCount is the number of writes a single graph transaction can hold.
func (g *GraphStore) MaxBatchCount() int64 {
	return g.db.MaxBatchCount()
}

// MaxBatchSize is the number of bytes a single graph transaction can hold.
func (g *GraphStore) MaxBatchSize() int64 {
	return g.db.MaxBatchSize()
}

// NodeCount returns the number of nodes, optionally restricted to a label.
func (g *GraphStore) NodeCount(label string) (int64, error) {
	prefix := []byte{prefixNode}
	if label != "" {
		prefix = labelIndexPrefix(label)
	}
	return g.countPrefix(prefix)
}

// EdgeCount returns the number of edges.
func (g *GraphStore) EdgeCount() (int64, error) {
	return g.countPrefix([]byte{prefixEdge})
}

func (g *GraphStore) countPrefix(prefix []byte) (int64, error) {
	if err := g.checkOpen(); err != nil {
		return 0, err
	}
	var count int64
	err := g.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the BadgerDB database.
func (g *GraphStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return nil
	}

	g.closed = true
	return g.db.Close()
}

// Sync forces a sync of all data to disk.
func (g *GraphStore) Sync() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	return g.db.Sync()
}

// RunGC runs garbage collection on the BadgerDB value log.
func (g *GraphStore) RunGC() error {
	if err := g.checkOpen(); err != nil {
		return err
	}
	err := g.db.RunValueLogGC(0.5)
	if errors.Is(err, badger.ErrNoRewrite) {
		return nil
	}
	return err
}

// Size returns the approximate size of the database in bytes.
func (g *GraphStore) Size() (lsm, vlog int64) {
	if g.checkOpen() != nil {
		return 0, 0
	}
	return g.db.Size()
}

func normalizeLabels(labels []string) []string {
	out := make([]string, 0, len(labels))
	for _, l := range labels {
		l = normalizeLabel(l)
		if l == "" || slices.Contains(out, l) {
			continue
		}
		out = append(out, l)
	}
	return out
}

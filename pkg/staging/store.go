// Package staging implements the import-scoped staging store used while
// normalizing a checklist dataset.
//
// A Store composes a BadgerDB graph store and a SQLite record store under one
// NodeID keyspace. Each entity has a lightweight node in the graph (indexed
// scalar fields and labels, plus typed edges) and its full payload in the
// record store. Both are always written together for a given id.
//
// Lifecycle:
//
//	CLOSED -> BATCH (Put*) -> SYNCING -> TRANSACTIONAL (Put|Get|Update|traverse)* -> CLOSED
//
// A freshly opened store is TRANSACTIONAL. StartBatchMode switches to the
// unindexed, single-writer bulk loader; Sync flushes it, rebuilds the lookup
// index and returns to TRANSACTIONAL.
//
// Example:
//
//	store, err := staging.OpenTemporary(ctx, staging.DefaultOptions())
//	if err != nil {
//		return err
//	}
//	defer store.CloseAndDelete()
//
//	if err := store.StartBatchMode(ctx); err != nil {
//		return err
//	}
//	for _, rec := range records {
//		if _, err := store.Put(ctx, rec); err != nil {
//			return err
//		}
//	}
//	if err := store.Sync(ctx); err != nil {
//		return err
//	}
package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

const (
	graphDir    = "graph"
	recordsFile = "records.db"

	DefaultBatchSize      = 10000
	DefaultBulkCommitSize = 50000
	DefaultLookupWindow   = 50000
)

// Options configures a staging store.
type Options struct {
	// Compression of record payloads.
	Compression storage.Compression

	// BulkCommitSize is the number of records per SQL transaction in batch mode.
	BulkCommitSize int

	// LookupWindow is the number of nodes indexed per transaction during Sync.
	// Cancellation is checked between windows.
	LookupWindow int

	// LowMemory enables memory-constrained BadgerDB settings.
	LowMemory bool

	// SyncWrites forces fsync on graph writes.
	SyncWrites bool

	// BadgerLogLevel filters BadgerDB's internal logging.
	BadgerLogLevel storage.LogLevel

	// TempDir is the parent directory for temporary stores.
	// Empty uses os.TempDir().
	TempDir string
}

// DefaultOptions returns options suited for large imports.
func DefaultOptions() Options {
	return Options{
		Compression:    storage.CompressionZstd,
		BulkCommitSize: DefaultBulkCommitSize,
		LookupWindow:   DefaultLookupWindow,
		LowMemory:      true,
		BadgerLogLevel: storage.LogWarning,
	}
}

// Store is the staging store of one dataset import.
//
// Thread Safety:
//
//	In BATCH mode exactly one goroutine may call Put. In TRANSACTIONAL mode
//	Get, Node, ByLookupKey and traversals may run concurrently; writes are
//	expected to be serialized by the caller. Lifecycle transitions wait for
//	all in-flight operations.
type Store struct {
	location  string
	temporary bool
	opts      Options

	graph   *storage.GraphStore
	records *storage.RecordStore

	mu         sync.RWMutex // guards state; held exclusively by transitions
	state      State
	duplicates int // flagged by the last completed Sync

	batchMu     sync.Mutex
	bulkGraph   *storage.BulkWriter
	bulkRecords *storage.RecordBulk

	closeOnce sync.Once
	closeErr  error
}

// Open opens or creates a staging store in location. With eraseExisting any
// previous content of location is removed first.
func Open(ctx context.Context, location string, eraseExisting bool, opts Options) (*Store, error) {
	if location == "" {
		return nil, fmt.Errorf("staging: empty location")
	}
	if eraseExisting {
		if err := os.RemoveAll(location); err != nil {
			return nil, fmt.Errorf("erasing %s: %w", location, err)
		}
	}
	if err := os.MkdirAll(filepath.Join(location, graphDir), 0o755); err != nil {
		return nil, fmt.Errorf("creating %s: %w", location, err)
	}
	if opts.BulkCommitSize <= 0 {
		opts.BulkCommitSize = DefaultBulkCommitSize
	}
	if opts.LookupWindow <= 0 {
		opts.LookupWindow = DefaultLookupWindow
	}

	graph, err := storage.OpenGraph(storage.GraphOptions{
		DataDir:    filepath.Join(location, graphDir),
		SyncWrites: opts.SyncWrites,
		LowMemory:  opts.LowMemory,
		Logger:     storage.NewBadgerLogger(opts.BadgerLogLevel),
	})
	if err != nil {
		return nil, err
	}
	records, err := storage.OpenRecords(ctx, filepath.Join(location, recordsFile), storage.NewCodec(opts.Compression))
	if err != nil {
		graph.Close()
		return nil, err
	}

	log.Printf("[staging] opened %s (max node id %d)", location, graph.MaxNodeID())
	return &Store{
		location: location,
		opts:     opts,
		graph:    graph,
		records:  records,
		state:    StateTransactional,
	}, nil
}

// Location returns the store directory.
func (s *Store) Location() string {
	return s.location
}

// State returns the current lifecycle state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// DuplicateIDs returns the number of records flagged "id not unique" by the
// last completed Sync.
func (s *Store) DuplicateIDs() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.duplicates
}

// Graph exposes the underlying graph store for read-only tooling.
func (s *Store) Graph() *storage.GraphStore {
	return s.graph
}

// checkState must be called with s.mu held.
func (s *Store) checkState(op string, allowed ...State) error {
	for _, a := range allowed {
		if s.state == a {
			return nil
		}
	}
	return &StateError{Op: op, State: s.state}
}

// RequireTransactional returns a *StateError unless the store is TRANSACTIONAL.
func (s *Store) RequireTransactional(op string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkState(op, StateTransactional)
}

// ============================================================================
// Lifecycle
// ============================================================================

// StartBatchMode switches from TRANSACTIONAL to BATCH mode.
func (s *Store) StartBatchMode(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkState("startBatchMode", StateTransactional); err != nil {
		return err
	}

	bulkGraph, err := s.graph.NewBulkWriter()
	if err != nil {
		return err
	}
	// The bulk transaction outlives ctx; it ends in EndBatchMode.
	bulkRecords, err := s.records.BeginBulk(context.WithoutCancel(ctx), s.opts.BulkCommitSize)
	if err != nil {
		bulkGraph.Cancel()
		return err
	}
	s.bulkGraph, s.bulkRecords = bulkGraph, bulkRecords
	s.state = StateBatch
	log.Printf("[staging] batch mode started")
	return nil
}

// EndBatchMode flushes the bulk loaders and moves to SYNCING.
// Sync must be called before the store can be used transactionally.
func (s *Store) EndBatchMode() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkState("endBatchMode", StateBatch); err != nil {
		return err
	}
	return s.endBatchLocked()
}

func (s *Store) endBatchLocked() error {
	start := time.Now()
	nodes := s.bulkGraph.Count()

	var g errgroup.Group
	g.Go(s.bulkRecords.Flush)
	g.Go(s.bulkGraph.Flush)
	err := g.Wait()

	s.bulkGraph, s.bulkRecords = nil, nil
	s.state = StateSyncing
	if err != nil {
		return fmt.Errorf("flushing bulk loaders: %w", err)
	}
	log.Printf("[staging] batch mode ended, %d nodes flushed in %v", nodes, time.Since(start))
	return nil
}

// Sync ends batch mode if needed, rebuilds the lookup index and enters
// TRANSACTIONAL mode. No other operation can run while Sync is in progress.
//
// The lookup index is dropped and rebuilt from scratch. For duplicated
// source ids the first inserted node wins and later ones get the
// "id not unique" issue. If ctx is cancelled between rebuild windows Sync
// returns an error wrapping ErrIncomplete and the store stays in SYNCING;
// calling Sync again rebuilds the whole index.
func (s *Store) Sync(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkState("sync", StateBatch, StateSyncing, StateTransactional); err != nil {
		return err
	}
	if s.state == StateBatch {
		if err := s.endBatchLocked(); err != nil {
			return err
		}
	}
	s.state = StateSyncing

	start := time.Now()
	if err := s.graph.DropLookup(); err != nil {
		return fmt.Errorf("dropping lookup index: %w", err)
	}
	var duplicates int
	indexed, err := s.graph.RebuildLookup(ctx, s.opts.LookupWindow, func(ids []model.NodeID) error {
		duplicates += len(ids)
		return s.flagDuplicates(ctx, ids)
	})
	if err != nil {
		if ctx.Err() != nil {
			return incomplete("sync", err)
		}
		return fmt.Errorf("rebuilding lookup index: %w", err)
	}
	if err := s.records.Checkpoint(ctx); err != nil {
		log.Printf("[staging] WARNING: record store checkpoint failed: %v", err)
	}

	s.state = StateTransactional
	s.duplicates = duplicates
	log.Printf("[staging] sync done: %d keys indexed, %d duplicate ids, took %v", indexed, duplicates, time.Since(start))
	return nil
}

func (s *Store) flagDuplicates(ctx context.Context, ids []model.NodeID) error {
	ctx = context.WithoutCancel(ctx)
	for _, id := range ids {
		rec, err := s.records.Get(ctx, id)
		if err != nil {
			return fmt.Errorf("flagging duplicate %s: %w", id, err)
		}
		if rec.AddIssue(model.IssueIDNotUnique) {
			if err := s.records.Put(ctx, rec); err != nil {
				return err
			}
		}
	}
	return nil
}

// Close closes both backends. A temporary store is also deleted.
func (s *Store) Close() error {
	if s.temporary {
		return s.CloseAndDelete()
	}
	return s.close()
}

func (s *Store) close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		var flushErr error
		if s.state == StateBatch {
			flushErr = s.endBatchLocked()
		}

		var g errgroup.Group
		g.Go(s.records.Close)
		g.Go(s.graph.Close)
		s.closeErr = errors.Join(flushErr, g.Wait())
		s.state = StateClosed
		log.Printf("[staging] closed %s", s.location)
	})
	return s.closeErr
}

// CloseAndDelete closes the store and removes all its files. It is safe to
// call more than once and after a failed import.
func (s *Store) CloseAndDelete() error {
	err := s.close()
	if rmErr := os.RemoveAll(s.location); rmErr != nil {
		err = errors.Join(err, fmt.Errorf("removing %s: %w", s.location, rmErr))
	}
	if s.temporary {
		unregisterTemporary(s)
	}
	return err
}

// ============================================================================
// Entity operations
// ============================================================================

// Put stores a new entity and returns its id, which is also assigned to rec.ID.
//
// The record is validated first: data-quality problems become issues on the
// record and never fail the call. Records with textual relations get the
// REL_PENDING label for the resolver, unless they lack a source id.
// Valid in BATCH and TRANSACTIONAL mode.
func (s *Store) Put(ctx context.Context, rec *model.Record) (model.NodeID, error) {
	if rec == nil {
		return 0, storage.ErrInvalidData
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkState("put", StateBatch, StateTransactional); err != nil {
		return 0, err
	}

	valid := rec.Validate()
	labels := rec.DerivedLabels()
	if valid && rec.HasRelations() {
		labels = append(labels, model.LabelRelPending)
	}
	rec.ID = s.graph.NextNodeID()

	if s.state == StateBatch {
		s.batchMu.Lock()
		defer s.batchMu.Unlock()
		if err := s.bulkRecords.Put(ctx, rec); err != nil {
			return 0, fmt.Errorf("put %s: %w", rec.ID, err)
		}
		if err := s.bulkGraph.PutNode(storage.NodeFromRecord(rec, labels)); err != nil {
			return 0, fmt.Errorf("put %s: %w", rec.ID, err)
		}
		return rec.ID, nil
	}

	tx, err := s.begin(ctx, true)
	if err != nil {
		return 0, err
	}
	defer tx.Discard()
	if err := tx.insert(rec, labels); err != nil {
		return 0, fmt.Errorf("put %s: %w", rec.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return rec.ID, nil
}

// Get returns the full entity: the stored payload overlaid with the
// graph-resident fields and labels. Valid in TRANSACTIONAL mode.
func (s *Store) Get(ctx context.Context, id model.NodeID) (*model.Record, error) {
	var rec *model.Record
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(id)
		return err
	})
	return rec, err
}

// Node returns the graph projection of an entity without reading its payload.
func (s *Store) Node(ctx context.Context, id model.NodeID) (*storage.Node, error) {
	var node *storage.Node
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		node, err = tx.Node(id)
		return err
	})
	return node, err
}

// Update overwrites both stores for an existing entity, keeping the system
// labels maintained by the resolver. Valid in TRANSACTIONAL mode.
func (s *Store) Update(ctx context.Context, rec *model.Record) error {
	return s.Transact(ctx, func(tx *Tx) error {
		return tx.Update(rec)
	})
}

// ByLookupKey resolves a dataset source id of the given kind to its node id.
// Valid in TRANSACTIONAL mode, after the lookup index has been built.
func (s *Store) ByLookupKey(ctx context.Context, kind model.Kind, sourceID string) (model.NodeID, error) {
	var id model.NodeID
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.ByLookupKey(kind, sourceID)
		return err
	})
	return id, err
}

// ============================================================================
// Transactions
// ============================================================================

// Begin starts a transaction. A writable transaction pairs a graph and a
// record store transaction; a read-only one reads committed payloads.
// Valid in TRANSACTIONAL mode.
//
// The transaction keeps the store's read lock until it is committed or
// discarded: state transitions and Close block meanwhile. Do not call Store
// methods that change state while holding a Tx.
func (s *Store) Begin(ctx context.Context, writable bool) (*Tx, error) {
	s.mu.RLock()
	if err := s.checkState("begin", StateTransactional); err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	tx, err := s.begin(ctx, writable)
	if err != nil {
		s.mu.RUnlock()
		return nil, err
	}
	tx.release = s.mu.RUnlock
	return tx, nil
}

// begin starts a transaction for a caller that already holds s.mu.
func (s *Store) begin(ctx context.Context, writable bool) (*Tx, error) {
	gtx, err := s.graph.Begin(writable)
	if err != nil {
		return nil, err
	}
	tx := &Tx{store: s, ctx: context.WithoutCancel(ctx), graph: gtx}
	if writable {
		rtx, err := s.records.Begin(tx.ctx)
		if err != nil {
			gtx.Discard()
			return nil, err
		}
		tx.records = rtx
	}
	return tx, nil
}

// View runs fn in a read-only transaction.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.Discard()
	return fn(tx)
}

// Transact runs fn in a writable transaction and commits it if fn succeeds.
func (s *Store) Transact(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.Begin(ctx, true)
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
// Stats
// ============================================================================

// Stats summarizes the content and size of a store.
type Stats struct {
	State       State
	Nodes       int64
	Usages      int64
	Names       int64
	References  int64
	Roots       int64
	Edges       int64
	Records     int64
	GraphBytes  int64
	RecordBytes int64
}

// Stats counts nodes, edges and records. Valid in TRANSACTIONAL mode.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkState("stats", StateTransactional); err != nil {
		return Stats{}, err
	}

	st := Stats{State: s.state}
	var err error
	counts := []struct {
		dst   *int64
		label string
	}{
		{&st.Nodes, ""},
		{&st.Usages, model.LabelUsage},
		{&st.Names, model.LabelName},
		{&st.References, model.LabelReference},
		{&st.Roots, model.LabelRoot},
	}
	for _, c := range counts {
		if *c.dst, err = s.graph.NodeCount(c.label); err != nil {
			return st, err
		}
	}
	if st.Edges, err = s.graph.EdgeCount(); err != nil {
		return st, err
	}
	if st.Records, err = s.records.Count(ctx); err != nil {
		return st, err
	}
	lsm, vlog := s.graph.Size()
	st.GraphBytes = lsm + vlog
	st.RecordBytes = s.records.Size()
	return st, nil
}

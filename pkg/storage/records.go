package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
)

const recordsSchema = `CREATE TABLE IF NOT EXISTS records (
	id      INTEGER PRIMARY KEY,
	payload BLOB NOT NULL
)`

const (
	upsertRecordSQL = `INSERT INTO records (id, payload) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET payload = excluded.payload`
	selectRecordSQL = `SELECT payload FROM records WHERE id = ?`
)

// RecordStore keeps the serialized payload of every staged entity in a single
// SQLite file, keyed by NodeID.
//
// The database runs in WAL mode without fsync. Staging data is disposable and
// rebuilt from the source dataset after a crash.
type RecordStore struct {
	db    *sql.DB
	path  string
	codec *Codec

	mu     sync.RWMutex
	closed bool
}

// OpenRecords opens or creates the record store file at path.
func OpenRecords(ctx context.Context, path string, codec *Codec) (*RecordStore, error) {
	if codec == nil {
		codec = NewCodec(CompressionNone)
	}
	dsn := "file:" + path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(OFF)" +
		"&_pragma=busy_timeout(10000)" +
		"&_pragma=temp_store(MEMORY)" +
		"&_pragma=cache_size(-64000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open record store: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open record store %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, recordsSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create records table: %w", err)
	}
	return &RecordStore{db: db, path: path, codec: codec}, nil
}

func (r *RecordStore) checkOpen() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return ErrStorageClosed
	}
	return nil
}

// Codec returns the payload codec of the store.
func (r *RecordStore) Codec() *Codec {
	return r.codec
}

// Get returns the record stored under id or ErrNotFound.
func (r *RecordStore) Get(ctx context.Context, id model.NodeID) (*model.Record, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	return getRecord(r.db.QueryRowContext(ctx, selectRecordSQL, int64(id)), r.codec, id)
}

// Put inserts or replaces the record under rec.ID in its own transaction.
func (r *RecordStore) Put(ctx context.Context, rec *model.Record) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	payload, err := r.codec.Encode(rec)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, upsertRecordSQL, int64(rec.ID), payload)
	return err
}

func getRecord(row *sql.Row, codec *Codec, id model.NodeID) (*model.Record, error) {
	var payload []byte
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	rec, err := codec.Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("record %s: %w", id, err)
	}
	rec.ID = id
	return rec, nil
}

// Count returns the number of stored records.
func (r *RecordStore) Count(ctx context.Context) (int64, error) {
	if err := r.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records`).Scan(&n)
	return n, err
}

// Checkpoint flushes the write-ahead log into the main database file.
func (r *RecordStore) Checkpoint(ctx context.Context) error {
	if err := r.checkOpen(); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

// Size returns the on-disk size of the database file and its WAL.
func (r *RecordStore) Size() int64 {
	var total int64
	for _, p := range []string{r.path, r.path + "-wal"} {
		if fi, err := os.Stat(p); err == nil {
			total += fi.Size()
		}
	}
	return total
}

// Path returns the database file path.
func (r *RecordStore) Path() string {
	return r.path
}

// Close closes the database.
func (r *RecordStore) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.db.Close()
}

// ============================================================================
// Transactions
// ============================================================================

// RecordTxn is a read-write transaction on the record store.
type RecordTxn struct {
	store  *RecordStore
	tx     *sql.Tx
	upsert *sql.Stmt
	query  *sql.Stmt
	done   bool
}

// Begin starts a record transaction.
func (r *RecordStore) Begin(ctx context.Context) (*RecordTxn, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	upsert, err := tx.PrepareContext(ctx, upsertRecordSQL)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	query, err := tx.PrepareContext(ctx, selectRecordSQL)
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	return &RecordTxn{store: r, tx: tx, upsert: upsert, query: query}, nil
}

// Get reads a record, seeing the transaction's own writes.
func (t *RecordTxn) Get(ctx context.Context, id model.NodeID) (*model.Record, error) {
	return getRecord(t.query.QueryRowContext(ctx, int64(id)), t.store.codec, id)
}

// Put inserts or replaces a record within the transaction.
func (t *RecordTxn) Put(ctx context.Context, rec *model.Record) error {
	payload, err := t.store.codec.Encode(rec)
	if err != nil {
		return err
	}
	_, err = t.upsert.ExecContext(ctx, int64(rec.ID), payload)
	return err
}

// Commit commits the transaction.
func (t *RecordTxn) Commit() error {
	if t.done {
		return fmt.Errorf("transaction already finished")
	}
	t.done = true
	return t.tx.Commit()
}

// Rollback discards the transaction. Safe to call after Commit.
func (t *RecordTxn) Rollback() {
	if t.done {
		return
	}
	t.done = true
	_ = t.tx.Rollback()
}

// ============================================================================
// Bulk loading
// ============================================================================

// RecordBulk inserts records in large transactions, committing every
// commitEvery rows. Every transaction of the bulk is bound to the context
// given to BeginBulk; the context of a single Put only bounds that insert.
type RecordBulk struct {
	store       *RecordStore
	ctx         context.Context
	tx          *sql.Tx
	stmt        *sql.Stmt
	commitEvery int
	pending     int
	total       int64
}

// BeginBulk starts a bulk insert.
func (r *RecordStore) BeginBulk(ctx context.Context, commitEvery int) (*RecordBulk, error) {
	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if commitEvery <= 0 {
		commitEvery = 10000
	}
	b := &RecordBulk{store: r, ctx: ctx, commitEvery: commitEvery}
	if err := b.begin(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *RecordBulk) begin() error {
	tx, err := b.store.db.BeginTx(b.ctx, nil)
	if err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(b.ctx, upsertRecordSQL)
	if err != nil {
		tx.Rollback()
		return err
	}
	b.tx, b.stmt = tx, stmt
	return nil
}

// Put queues a record for insertion.
func (b *RecordBulk) Put(ctx context.Context, rec *model.Record) error {
	if b.tx == nil {
		return fmt.Errorf("bulk insert already finished")
	}
	payload, err := b.store.codec.Encode(rec)
	if err != nil {
		return err
	}
	if _, err := b.stmt.ExecContext(ctx, int64(rec.ID), payload); err != nil {
		return err
	}
	b.pending++
	b.total++
	if b.pending >= b.commitEvery {
		if err := b.tx.Commit(); err != nil {
			return err
		}
		b.pending = 0
		return b.begin()
	}
	return nil
}

// Total returns the number of records written so far.
func (b *RecordBulk) Total() int64 {
	return b.total
}

// Flush commits the remaining records and finishes the bulk insert.
func (b *RecordBulk) Flush() error {
	if b.tx == nil {
		return nil
	}
	err := b.tx.Commit()
	b.tx, b.stmt = nil, nil
	return err
}

// Cancel rolls back the uncommitted remainder.
func (b *RecordBulk) Cancel() {
	if b.tx == nil {
		return
	}
	_ = b.tx.Rollback()
	b.tx, b.stmt = nil, nil
}

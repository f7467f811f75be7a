package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/storage"
)

// NodeVisitor is called by Process for every node carrying a label.
type NodeVisitor interface {
	// Visit is called for each node inside the window's transaction.
	Visit(tx *Tx, id model.NodeID) error

	// CommitBatch is called after each window was committed with the total
	// number of nodes visited so far.
	CommitBatch(count int) error
}

// BatchResetter is implemented by visitors that keep per-window state. Process
// calls ResetBatch when a window was rolled back and is about to be retried
// with fewer nodes.
type BatchResetter interface {
	ResetBatch()
}

// Graph writes a single visit may cause, used to size windows against the
// transaction limits of the graph store.
const (
	writesPerVisit = 16
	bytesPerVisit  = 2048
)

// VisitorFunc adapts a function to a NodeVisitor with a no-op CommitBatch.
type VisitorFunc func(tx *Tx, id model.NodeID) error

func (f VisitorFunc) Visit(tx *Tx, id model.NodeID) error {
	return f(tx, id)
}

func (f VisitorFunc) CommitBatch(int) error {
	return nil
}

// Process visits every node with the label in ascending id order, in windows
// of batchSize nodes. Each window runs in its own transaction which is
// committed before visitor.CommitBatch is called, so an interruption loses
// at most the window in flight.
//
// Windows are cursor based: a visitor may remove the label it iterates over.
// The window is capped so that it fits one graph transaction. If a window
// still outgrows it, the window is rolled back and retried at half the size.
// ctx is checked between windows; on cancellation Process returns the number
// of nodes visited in committed windows and an error wrapping ErrIncomplete.
// Valid in TRANSACTIONAL mode.
func (s *Store) Process(ctx context.Context, label string, batchSize int, visitor NodeVisitor) (int, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if err := s.RequireTransactional("process"); err != nil {
		return 0, err
	}

	start := time.Now()
	size := s.windowSize(batchSize)
	var (
		count   int
		windows int
		after   model.NodeID
	)
	for {
		if windows > 0 {
			if err := ctx.Err(); err != nil {
				log.Printf("[staging] processing %s interrupted after %d nodes", label, count)
				return count, incomplete("process "+label, err)
			}
		}

		n, last, err := s.processWindow(ctx, label, after, size, visitor)
		if errors.Is(err, storage.ErrTxnTooBig) && size > 1 {
			size /= 2
			log.Printf("[staging] %s window too large for one transaction, retrying with %d nodes", label, size)
			if r, ok := visitor.(BatchResetter); ok {
				r.ResetBatch()
			}
			continue
		}
		if err != nil {
			return count, err
		}
		if n == 0 {
			break
		}
		windows++
		count += n
		after = last
		if err := visitor.CommitBatch(count); err != nil {
			return count, fmt.Errorf("process %s: commit batch: %w", label, err)
		}
		if n < size {
			break
		}
	}

	if count > 0 {
		log.Printf("[staging] processed %d %s nodes in %d windows (%v)", count, label, windows, time.Since(start))
	}
	return count, nil
}

// windowSize caps batchSize by the graph transaction limits.
func (s *Store) windowSize(batchSize int) int {
	limit := min(s.graph.MaxBatchCount()/writesPerVisit, s.graph.MaxBatchSize()/bytesPerVisit)
	return int(max(1, min(int64(batchSize), limit)))
}

func (s *Store) processWindow(ctx context.Context, label string, after model.NodeID, size int, visitor NodeVisitor) (int, model.NodeID, error) {
	tx, err := s.Begin(ctx, true)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Discard()

	ids, err := tx.NodesByLabel(label, after, size)
	if err != nil {
		return 0, 0, err
	}
	if len(ids) == 0 {
		return 0, 0, nil
	}
	for _, id := range ids {
		if err := visitor.Visit(tx, id); err != nil {
			return 0, 0, fmt.Errorf("process %s: visiting %s: %w", label, id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return len(ids), ids[len(ids)-1], nil
}

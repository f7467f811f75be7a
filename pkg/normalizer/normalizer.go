// Package normalizer imports a dataset into a staging store and links it.
//
// A run moves the store through its whole lifecycle:
//
//	StartBatchMode -> Put every record -> Sync -> Resolve
//
// and leaves it TRANSACTIONAL, ready for traversal.
//
// Example:
//
//	src, err := normalizer.OpenJSONL("dataset.jsonl")
//	if err != nil {
//		return err
//	}
//	defer src.Close()
//
//	summary, err := normalizer.New(store, normalizer.DefaultOptions()).Run(ctx, src)
//	if err != nil {
//		return err
//	}
//	log.Printf("imported %d records", summary.Records)
package normalizer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"github.com/CatalogueOfLife/backend-sub024/pkg/model"
	"github.com/CatalogueOfLife/backend-sub024/pkg/resolver"
	"github.com/CatalogueOfLife/backend-sub024/pkg/staging"
)

// Options configures a Normalizer.
type Options struct {
	Resolver resolver.Options

	// LogEvery logs progress after this many staged records. 0 disables it.
	LogEvery int
}

// DefaultOptions returns the default import options.
func DefaultOptions() Options {
	return Options{
		Resolver: resolver.DefaultOptions(),
		LogEvery: 100000,
	}
}

// ImportSummary describes a finished import.
type ImportSummary struct {
	Records   int
	Kinds     map[model.Kind]int
	Issues    map[model.Issue]int
	Malformed int
	Resolver  resolver.Report
	Duration  time.Duration
}

// IssueCount returns the total number of issues raised.
func (s *ImportSummary) IssueCount() int {
	var n int
	for _, c := range s.Issues {
		n += c
	}
	return n
}

// Normalizer runs imports into one store.
type Normalizer struct {
	store *staging.Store
	opts  Options
}

// New creates a normalizer. The store must be TRANSACTIONAL.
func New(store *staging.Store, opts Options) *Normalizer {
	return &Normalizer{store: store, opts: opts}
}

// Run stages every record of src, syncs the store and resolves relations.
//
// On error the store may be left in BATCH or SYNCING mode; callers usually
// discard it with CloseAndDelete. An import interrupted during Sync or
// Resolve returns an error wrapping staging.ErrIncomplete.
func (n *Normalizer) Run(ctx context.Context, src Source) (*ImportSummary, error) {
	start := time.Now()
	summary := &ImportSummary{
		Kinds:  make(map[model.Kind]int),
		Issues: make(map[model.Issue]int),
	}

	if err := n.store.StartBatchMode(ctx); err != nil {
		return nil, err
	}
	if err := n.stage(ctx, src, summary); err != nil {
		return summary, err
	}
	if m, ok := src.(interface{ Malformed() int }); ok {
		summary.Malformed = m.Malformed()
	}

	if err := n.store.Sync(ctx); err != nil {
		return summary, fmt.Errorf("sync: %w", err)
	}
	if dups := n.store.DuplicateIDs(); dups > 0 {
		summary.Issues[model.IssueIDNotUnique] += dups
	}

	report, err := resolver.New(n.store, n.opts.Resolver).Resolve(ctx)
	summary.Resolver = report
	if err != nil {
		return summary, fmt.Errorf("resolve: %w", err)
	}
	for issue, c := range report.Issues {
		summary.Issues[issue] += c
	}

	summary.Duration = time.Since(start)
	log.Printf("[normalizer] imported %d records (%d malformed lines, %d issues) in %v",
		summary.Records, summary.Malformed, summary.IssueCount(), summary.Duration)
	return summary, nil
}

func (n *Normalizer) stage(ctx context.Context, src Source, summary *ImportSummary) error {
	for {
		if summary.Records%staging.DefaultBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("staging: %w: %w", staging.ErrIncomplete, err)
			}
		}
		rec, err := src.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := n.store.Put(ctx, rec); err != nil {
			return err
		}
		summary.Records++
		summary.Kinds[rec.Kind]++
		for _, issue := range rec.Issues {
			summary.Issues[issue]++
		}
		if n.opts.LogEvery > 0 && summary.Records%n.opts.LogEvery == 0 {
			log.Printf("[normalizer] staged %d records", summary.Records)
		}
	}
}

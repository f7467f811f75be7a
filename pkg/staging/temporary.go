package staging

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
)

var temporary = struct {
	mu     sync.Mutex
	stores map[*Store]struct{}
}{stores: make(map[*Store]struct{})}

// OpenTemporary opens a store in a fresh temporary directory. The directory
// is removed when the store is closed, or by CloseAllTemporary.
func OpenTemporary(ctx context.Context, opts Options) (*Store, error) {
	dir, err := os.MkdirTemp(opts.TempDir, "colstage-*")
	if err != nil {
		return nil, fmt.Errorf("creating temporary staging dir: %w", err)
	}
	s, err := Open(ctx, dir, false, opts)
	if err != nil {
		os.RemoveAll(dir)
		return nil, err
	}
	s.temporary = true

	temporary.mu.Lock()
	temporary.stores[s] = struct{}{}
	temporary.mu.Unlock()
	return s, nil
}

func unregisterTemporary(s *Store) {
	temporary.mu.Lock()
	delete(temporary.stores, s)
	temporary.mu.Unlock()
}

// CloseAllTemporary closes and deletes every temporary store still open in
// this process. Meant for exit and signal handlers.
func CloseAllTemporary() error {
	temporary.mu.Lock()
	stores := make([]*Store, 0, len(temporary.stores))
	for s := range temporary.stores {
		stores = append(stores, s)
	}
	temporary.mu.Unlock()

	var errs []error
	for _, s := range stores {
		if err := s.CloseAndDelete(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(stores) > 0 {
		log.Printf("[staging] removed %d temporary store(s)", len(stores))
	}
	return errors.Join(errs...)
}

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chuckstables/fishtest/pkg/logging"
	"github.com/chuckstables/fishtest/pkg/store"
)

// markDirty queues a snapshot write for testID. Writes are coalesced: the
// writer always saves the latest state, so request paths never wait on I/O.
func (s *Scheduler) markDirty(testID string) {
	if s.persister == nil {
		return
	}
	s.dirtyMu.Lock()
	s.dirty[testID] = struct{}{}
	s.dirtyMu.Unlock()

	select {
	case s.dirtyCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) persistLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.PersistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.dirtyCh:
		case <-ticker.C:
		}
		if err := s.Flush(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("Failed to persist tests", logging.Fields{"error": err})
		}
	}
}

// Flush writes every dirty test to the persister. Tests that failed to save
// stay dirty for the next attempt.
func (s *Scheduler) Flush(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}

	s.dirtyMu.Lock()
	ids := make([]string, 0, len(s.dirty))
	for id := range s.dirty {
		ids = append(ids, id)
	}
	s.dirty = make(map[string]struct{})
	s.dirtyMu.Unlock()

	var errs []error
	for _, id := range ids {
		var snap store.Snapshot
		err := s.store.WithTest(id, func(e *store.TestEntry) error {
			snap = e.Snapshot()
			return nil
		})
		if errors.Is(err, store.ErrTestNotFound) {
			continue
		}
		if err == nil {
			err = s.persister.SaveTest(ctx, snap)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("test %s: %w", id, err))
			s.dirtyMu.Lock()
			s.dirty[id] = struct{}{}
			s.dirtyMu.Unlock()
		}
	}
	return errors.Join(errs...)
}

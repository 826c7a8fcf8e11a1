// Package memory provides an in-memory snapshot store. It is safe for
// concurrent use and is primarily intended for tests and local
// development.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/storage"
)

const defaultListLimit = 100

// Store is an in-memory implementation of storage.SnapshotStore.
type Store struct {
	mu        sync.RWMutex
	nextID    int64
	snapshots map[string][]oracle.Snapshot
}

var _ storage.SnapshotStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		nextID:    1,
		snapshots: make(map[string][]oracle.Snapshot),
	}
}

func (s *Store) CreateSnapshot(_ context.Context, snap oracle.Snapshot) (oracle.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.Asset == "" {
		return oracle.Snapshot{}, fmt.Errorf("snapshot asset required")
	}
	if snap.ID == "" {
		snap.ID = fmt.Sprintf("%d", s.nextID)
		s.nextID++
	}
	snap.CreatedAt = time.Now().UTC()
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = snap.CreatedAt
	}

	s.snapshots[snap.Asset] = append(s.snapshots[snap.Asset], snap)
	return snap, nil
}

func (s *Store) ListSnapshots(_ context.Context, asset string, limit int) ([]oracle.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = defaultListLimit
	}
	history := s.snapshots[asset]
	out := make([]oracle.Snapshot, 0, limit)
	for i := len(history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, history[i])
	}
	return out, nil
}

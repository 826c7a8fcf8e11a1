// Package storage defines the persistence interfaces consumed by the
// oracle engine.
package storage

import (
	"context"

	"github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
)

// SnapshotStore persists the diagnostic history of accepted commits.
// Writes are best effort from the engine's perspective; the committed
// in-memory state is authoritative.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap oracle.Snapshot) (oracle.Snapshot, error)
	// ListSnapshots returns the most recent snapshots for an asset,
	// newest first. A non-positive limit applies the store default.
	ListSnapshots(ctx context.Context, asset string, limit int) ([]oracle.Snapshot, error)
}

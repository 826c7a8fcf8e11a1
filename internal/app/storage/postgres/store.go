// Package postgres implements the snapshot store backed by PostgreSQL.
package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/stakefolio/oracle-engine/internal/app/domain/oracle"
	"github.com/stakefolio/oracle-engine/internal/app/storage"
)

const defaultListLimit = 100

// Store implements storage.SnapshotStore using a PostgreSQL database.
type Store struct {
	db *sql.DB
}

var _ storage.SnapshotStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return New(db), nil
}

// Migrate creates the snapshot table when it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS oracle_price_snapshots (
			id            UUID PRIMARY KEY,
			asset         TEXT NOT NULL,
			price         NUMERIC(78, 0) NOT NULL,
			source        TEXT NOT NULL,
			class         TEXT NOT NULL,
			deviation_bps BIGINT NOT NULL,
			collected_at  TIMESTAMPTZ NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_oracle_price_snapshots_asset
			ON oracle_price_snapshots (asset, collected_at DESC);
	`)
	return err
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateSnapshot(ctx context.Context, snap oracle.Snapshot) (oracle.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	snap.CreatedAt = time.Now().UTC()
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = snap.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO oracle_price_snapshots
			(id, asset, price, source, class, deviation_bps, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, snap.ID, snap.Asset, snap.Price, snap.Source, snap.Class, snap.DeviationBps, snap.CollectedAt, snap.CreatedAt)
	if err != nil {
		return oracle.Snapshot{}, err
	}
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context, asset string, limit int) ([]oracle.Snapshot, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, asset, price, source, class, deviation_bps, collected_at, created_at
		FROM oracle_price_snapshots
		WHERE asset = $1
		ORDER BY collected_at DESC
		LIMIT $2
	`, asset, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []oracle.Snapshot
	for rows.Next() {
		var snap oracle.Snapshot
		if err := rows.Scan(&snap.ID, &snap.Asset, &snap.Price, &snap.Source, &snap.Class,
			&snap.DeviationBps, &snap.CollectedAt, &snap.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}

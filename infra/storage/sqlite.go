// Package storage persists fleet and delivery state for warm restarts. The
// compliance ledger has its own append-only store; this one holds mutable
// operational state and may be rebuilt from telemetry if lost.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/medifleet/dispatch/core/fleet"
	"github.com/medifleet/dispatch/core/model"
	"github.com/medifleet/dispatch/infra/logger"
)

// SnapshotStore keeps the latest fleet snapshot and one row per delivery.
type SnapshotStore struct {
	db *sql.DB
}

// NewSnapshotStore opens or creates the database at path and ensures schema.
func NewSnapshotStore(path string) (*SnapshotStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS fleet_snapshot (
        id INTEGER PRIMARY KEY CHECK (id = 1),
        taken_at INTEGER NOT NULL,
        data TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS deliveries (
        id TEXT PRIMARY KEY,
        state TEXT NOT NULL,
        updated_at INTEGER NOT NULL,
        data TEXT NOT NULL
    );`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SnapshotStore{db: db}, nil
}

// SaveFleet replaces the stored fleet snapshot.
func (s *SnapshotStore) SaveFleet(ctx context.Context, snap fleet.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO fleet_snapshot (id, taken_at, data)
        VALUES (1, ?, ?)
        ON CONFLICT(id) DO UPDATE SET taken_at = excluded.taken_at, data = excluded.data`,
		snap.TakenAt.UnixMilli(), string(data))
	return err
}

// LoadFleet returns the stored snapshot. ok is false when none was taken.
func (s *SnapshotStore) LoadFleet(ctx context.Context) (fleet.Snapshot, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM fleet_snapshot WHERE id = 1`).Scan(&data)
	if err == sql.ErrNoRows {
		return fleet.Snapshot{}, false, nil
	}
	if err != nil {
		return fleet.Snapshot{}, false, err
	}
	var snap fleet.Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return fleet.Snapshot{}, false, err
	}
	return snap, true, nil
}

// SaveDelivery upserts one delivery row.
func (s *SnapshotStore) SaveDelivery(ctx context.Context, d model.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO deliveries (id, state, updated_at, data)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET state = excluded.state,
            updated_at = excluded.updated_at, data = excluded.data`,
		d.ID, string(d.State), time.Now().UnixMilli(), string(data))
	return err
}

// LoadOpenDeliveries returns all deliveries not in a terminal state, ordered
// by request time.
func (s *SnapshotStore) LoadOpenDeliveries(ctx context.Context) ([]model.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT data FROM deliveries
        WHERE state NOT IN (?, ?, ?)`,
		string(model.StateDelivered), string(model.StateFailed), string(model.StateCancelled))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var out []model.Delivery
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d model.Delivery
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Timeline.Requested.Before(out[j].Timeline.Requested)
	})
	return out, nil
}

// Close closes the database.
func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

// DeliveryLister is satisfied by the dispatch manager.
type DeliveryLister interface {
	List() []model.Delivery
}

// Snapshotter is satisfied by the fleet registry.
type Snapshotter interface {
	Snapshot() fleet.Snapshot
}

// StartPeriodicSnapshots persists fleet and delivery state at the given
// interval until the context is canceled.
func StartPeriodicSnapshots(ctx context.Context, store *SnapshotStore, reg Snapshotter, deliveries DeliveryLister, interval time.Duration, log logger.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := store.SaveFleet(ctx, reg.Snapshot()); err != nil {
					log.Errorf("fleet snapshot: %v", err)
					continue
				}
				for _, d := range deliveries.List() {
					if err := store.SaveDelivery(ctx, d); err != nil {
						log.Errorf("delivery snapshot %s: %v", d.ID, err)
					}
				}
			}
		}
	}()
}

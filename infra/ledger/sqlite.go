package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	coreledger "github.com/medifleet/dispatch/core/ledger"
)

// SQLiteStore persists ledger events to a SQLite database. This is the
// durability-critical store: losing it is an audit failure.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens or creates the database at path and ensures schema.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	schema := `CREATE TABLE IF NOT EXISTS ledger_events (
        seq INTEGER PRIMARY KEY AUTOINCREMENT,
        id TEXT NOT NULL UNIQUE,
        delivery_id TEXT NOT NULL,
        kind TEXT NOT NULL,
        ts INTEGER NOT NULL,
        event TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_ledger_delivery ON ledger_events(delivery_id, seq);`
	if _, err := db.Exec(schema); err != nil {
		if cerr := db.Close(); cerr != nil {
			return nil, fmt.Errorf("close db: %v (schema err: %w)", cerr, err)
		}
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Record appends the event and returns its assigned id. There is no update
// path: the table only ever receives inserts.
func (s *SQLiteStore) Record(ctx context.Context, ev coreledger.Event) (string, error) {
	if ev.DeliveryID == "" {
		return "", fmt.Errorf("ledger: event without delivery id")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	b, err := json.Marshal(ev)
	if err != nil {
		return "", err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (id, delivery_id, kind, ts, event) VALUES (?, ?, ?, ?, ?)`,
		ev.ID, ev.DeliveryID, string(ev.Kind), ev.Timestamp.UnixNano(), string(b))
	if err != nil {
		return "", err
	}
	return ev.ID, nil
}

// History returns all events for the delivery in record order.
func (s *SQLiteStore) History(ctx context.Context, deliveryID string) ([]coreledger.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT event FROM ledger_events WHERE delivery_id = ? ORDER BY seq`, deliveryID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var res []coreledger.Event
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var ev coreledger.Event
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("unmarshal ledger event: %w", err)
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }

// Package journal keeps an append-only sqlite log of order lifecycle events.
package journal

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/betbot/goderibit/internal/domain"
	"github.com/betbot/goderibit/internal/metrics"
)

var log = logrus.WithField("module", "journal")

// Event kinds.
const (
	EventPlaced    = "placed"
	EventModified  = "modified"
	EventCancelled = "cancelled"
	EventFilled    = "filled"
)

// Event is one journal row.
type Event struct {
	ID             string    `json:"id"`
	Kind           string    `json:"kind"`
	OrderID        string    `json:"order_id"`
	InstrumentName string    `json:"instrument_name"`
	Side           string    `json:"side"`
	Type           string    `json:"type"`
	Amount         float64   `json:"amount"`
	Price          float64   `json:"price"`
	State          string    `json:"state"`
	Label          string    `json:"label"`
	RecordedAt     time.Time `json:"recorded_at"`
}

type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the database file and its directory if needed.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path is required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrap(err, "mkdir journal dir")
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// sqlite serialises writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db, now: time.Now}
	if err := j.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`
CREATE TABLE IF NOT EXISTS order_events (
  id TEXT PRIMARY KEY,
  kind TEXT NOT NULL,
  order_id TEXT NOT NULL,
  instrument_name TEXT NOT NULL,
  side TEXT NOT NULL,
  type TEXT NOT NULL,
  amount REAL NOT NULL,
  price REAL NOT NULL,
  state TEXT NOT NULL,
  label TEXT NOT NULL DEFAULT '',
  recorded_at TEXT NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_order ON order_events(order_id, recorded_at);`,
	}
	for _, stmt := range stmts {
		if _, err := j.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "migrate")
		}
	}
	return nil
}

func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends an event for order and returns its id.
func (j *Journal) Record(ctx context.Context, kind string, order domain.Order) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx, `
INSERT INTO order_events (id,kind,order_id,instrument_name,side,type,amount,price,state,label,recorded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, id, kind, order.OrderID, order.InstrumentName, string(order.Side), string(order.Type),
		order.Amount, order.Price, string(order.State), order.Label, j.now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		metrics.JournalErrors.Add(1)
		return "", errors.Wrapf(err, "record %s %s", kind, order.OrderID)
	}
	metrics.JournalWrites.Add(1)
	return id, nil
}

// Recorder returns a callback that journals kind with a bounded write
// timeout, for use as a tracker callback. Failures are logged.
func (j *Journal) Recorder(kind string) func(order domain.Order) {
	return func(order domain.Order) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := j.Record(ctx, kind, order); err != nil {
			log.WithError(err).Warn("journal write failed")
		}
	}
}

// OrderHistory lists the events of one order, oldest first.
func (j *Journal) OrderHistory(ctx context.Context, orderID string) ([]Event, error) {
	return j.query(ctx, `
SELECT id,kind,order_id,instrument_name,side,type,amount,price,state,label,recorded_at
FROM order_events WHERE order_id=? ORDER BY recorded_at ASC, rowid ASC
`, orderID)
}

// Recent lists the latest events, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	return j.query(ctx, `
SELECT id,kind,order_id,instrument_name,side,type,amount,price,state,label,recorded_at
FROM order_events ORDER BY recorded_at DESC, rowid DESC LIMIT ?
`, limit)
}

func (j *Journal) query(ctx context.Context, q string, args ...interface{}) ([]Event, error) {
	rows, err := j.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "query order events")
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var recordedAt string
		if err := rows.Scan(&e.ID, &e.Kind, &e.OrderID, &e.InstrumentName, &e.Side, &e.Type,
			&e.Amount, &e.Price, &e.State, &e.Label, &recordedAt); err != nil {
			return nil, err
		}
		e.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

package statestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver

	"preserve-go/internal/pv"
	"preserve-go/internal/statestore/migrations"
)

// SQLiteStateStore implements pv.StateStore on SQLite. Live entries are
// stored as JSON documents; the columns beside them are for operators
// querying the file directly.
type SQLiteStateStore struct {
	db    *sql.DB
	path  string
	clock pv.Clock
}

var _ pv.StateStore = (*SQLiteStateStore)(nil)

// NewSQLiteStateStore opens the store at path (or ":memory:") and applies
// pending migrations.
func NewSQLiteStateStore(path string, clock pv.Clock) (*SQLiteStateStore, error) {
	if clock == nil {
		clock = pv.RealClock{}
	}
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.Up(db); err != nil {
		db.Close()
		return nil, err
	}
	return &SQLiteStateStore{db: db, path: path, clock: clock}, nil
}

// OpenConnection opens and configures a SQLite connection.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: ":memory:" databases are per connection, and the
	// orchestrators never write concurrently enough to need more.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA foreign_keys = ON", "PRAGMA busy_timeout = 5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}
	return db, nil
}

// CheckMigrations reports whether the schema is current.
func (s *SQLiteStateStore) CheckMigrations() error {
	return migrations.Check(s.db)
}

func (s *SQLiteStateStore) Put(ctx context.Context, st *pv.RequestState) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encoding state of %s: %w", st.RequestID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO request_states (request_id, kind, state, event_id, payload, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (request_id) DO UPDATE SET
			kind = excluded.kind,
			state = excluded.state,
			event_id = excluded.event_id,
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		st.RequestID, string(st.Kind), string(st.State), st.EventID, string(payload),
		st.CreatedAt.UnixNano(), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("storing state of %s: %w", st.RequestID, err)
	}
	return nil
}

func (s *SQLiteStateStore) Get(ctx context.Context, requestID string) (*pv.RequestState, error) {
	var payload string
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM request_states WHERE request_id = ?`, requestID).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("loading state of %s: %w", requestID, err)
	}
	var st pv.RequestState
	if err := json.Unmarshal([]byte(payload), &st); err != nil {
		return nil, fmt.Errorf("decoding state of %s: %w", requestID, err)
	}
	return &st, nil
}

func (s *SQLiteStateStore) Delete(ctx context.Context, requestID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM request_states WHERE request_id = ?`, requestID); err != nil {
		return fmt.Errorf("deleting state of %s: %w", requestID, err)
	}
	return nil
}

func (s *SQLiteStateStore) ListOutstandingIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT request_id FROM request_states ORDER BY request_id`)
	if err != nil {
		return nil, fmt.Errorf("listing outstanding requests: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning request id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStateStore) EventID(ctx context.Context, objectID string, newID func() string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	var eventID string
	err = tx.QueryRowContext(ctx, `SELECT event_id FROM correlation_ids WHERE object_id = ?`, objectID).Scan(&eventID)
	if err == nil {
		return eventID, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("loading event id of %s: %w", objectID, err)
	}

	eventID = newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO correlation_ids (object_id, event_id, created_at) VALUES (?, ?, ?)`,
		objectID, eventID, s.clock.Now().UnixNano()); err != nil {
		return "", fmt.Errorf("storing event id of %s: %w", objectID, err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing event id of %s: %w", objectID, err)
	}
	return eventID, nil
}

func (s *SQLiteStateStore) RecordTransition(ctx context.Context, t pv.Transition) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO request_events (request_id, event_id, kind, state, detail, at) VALUES (?, ?, ?, ?, ?, ?)`,
		t.RequestID, t.EventID, string(t.Kind), string(t.State), t.Detail, t.At.UnixNano())
	if err != nil {
		return fmt.Errorf("journaling %s of %s: %w", t.State, t.RequestID, err)
	}
	return nil
}

func (s *SQLiteStateStore) History(ctx context.Context, requestID string) ([]pv.Transition, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, event_id, kind, state, detail, at FROM request_events WHERE request_id = ? ORDER BY id`,
		requestID)
	if err != nil {
		return nil, fmt.Errorf("loading history of %s: %w", requestID, err)
	}
	defer rows.Close()

	var out []pv.Transition
	for rows.Next() {
		var t pv.Transition
		var kind, state string
		var at int64
		if err := rows.Scan(&t.RequestID, &t.EventID, &kind, &state, &t.Detail, &at); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.Kind = pv.Kind(kind)
		t.State = pv.State(state)
		t.At = time.Unix(0, at).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteStateStore) Cleanup(ctx context.Context) error {
	for _, table := range []string{"request_states", "correlation_ids", "request_events"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("cleaning %s: %w", table, err)
		}
	}
	return nil
}

func (s *SQLiteStateStore) Close() error {
	return s.db.Close()
}

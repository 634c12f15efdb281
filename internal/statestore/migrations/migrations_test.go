package migrations

import (
	"database/sql"
	"errors"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("sql.Open() error = %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestUp_FreshDatabase(t *testing.T) {
	db := openTestDB(t)
	if err := Up(db); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	for _, table := range []string{"request_states", "correlation_ids", "request_events", "schema_migrations"} {
		var name string
		err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		if err != nil {
			t.Errorf("table %s was not created: %v", table, err)
		}
	}
}

func TestUp_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := Up(db); err != nil {
		t.Fatalf("first Up() error = %v", err)
	}
	if err := Up(db); err != nil {
		t.Fatalf("second Up() error = %v", err)
	}
}

func TestCheck(t *testing.T) {
	db := openTestDB(t)
	if err := Check(db); !errors.Is(err, ErrNeedsMigration) {
		t.Errorf("Check() on fresh database = %v, want ErrNeedsMigration", err)
	}
	if err := Up(db); err != nil {
		t.Fatalf("Up() error = %v", err)
	}
	if err := Check(db); err != nil {
		t.Errorf("Check() after Up() = %v", err)
	}
}

func TestLatest(t *testing.T) {
	v, err := Latest()
	if err != nil {
		t.Fatalf("Latest() error = %v", err)
	}
	if v != 1 {
		t.Errorf("Latest() = %d, want 1", v)
	}
}

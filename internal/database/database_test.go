package database

import (
	"context"
	"errors"
	"testing"

	"github.com/canectors/dataflow/pkg/pipeline"
)

func TestClassifyDatabaseError(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		driver    string
		category  string
		retryable bool
		class     pipeline.FailureClass
	}{
		{"connection refused", errors.New("dial tcp 127.0.0.1:5432: connect: connection refused"), DriverPostgres, CategoryConnection, true, pipeline.FailureDatabaseUnavailable},
		{"timeout", errors.New("context deadline exceeded"), DriverPostgres, CategoryTimeout, true, pipeline.FailureDatabaseUnavailable},
		{"unique", errors.New("UNIQUE constraint failed: runs.id"), DriverSQLite, CategoryConstraint, false, pipeline.FailureUnknown},
		{"pg unique code", errors.New("pq: error 23505"), DriverPostgres, CategoryConstraint, false, pipeline.FailureUnknown},
		{"sqlite locked", errors.New("database is locked"), DriverSQLite, CategoryQuery, true, pipeline.FailureUnknown},
		{"syntax", errors.New(`near "SELEC": syntax error`), DriverSQLite, CategoryQuery, false, pipeline.FailureUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ClassifyDatabaseError(tt.err, tt.driver, "select", "SELECT 1", 0)
			if got.Category != tt.category {
				t.Errorf("Category = %s, want %s", got.Category, tt.category)
			}
			if got.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", got.Retryable, tt.retryable)
			}
			if got.FailureClass() != tt.class {
				t.Errorf("FailureClass = %s, want %s", got.FailureClass(), tt.class)
			}
		})
	}

	if ClassifyDatabaseError(nil, DriverSQLite, "select", "", 0) != nil {
		t.Error("nil error should classify to nil")
	}
}

func TestNormalizeDriver(t *testing.T) {
	tests := []struct {
		driver, dsn, want string
		wantErr           bool
	}{
		{"", "postgres://user@localhost/db", DriverPostgres, false},
		{"", "host=localhost dbname=x", DriverPostgres, false},
		{"", "file:runs.db", DriverSQLite, false},
		{"postgresql", "", DriverPostgres, false},
		{"sqlite", "", DriverSQLite, false},
		{"mysql", "", "", true},
	}
	for _, tt := range tests {
		got, err := NormalizeDriver(tt.driver, tt.dsn)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeDriver(%q, %q) error = %v", tt.driver, tt.dsn, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDriver(%q, %q) = %q, want %q", tt.driver, tt.dsn, got, tt.want)
		}
	}
}

func TestFormatPlaceholder(t *testing.T) {
	if got := FormatPlaceholder(DriverPostgres, 3); got != "$3" {
		t.Errorf("postgres placeholder = %q", got)
	}
	if got := FormatPlaceholder(DriverSQLite, 3); got != "?" {
		t.Errorf("sqlite placeholder = %q", got)
	}
}

func TestOpenSQLiteAndRowsToRecords(t *testing.T) {
	db, driver, err := Open(Config{ConnectionString: "file::memory:?cache=shared"})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if driver != DriverSQLite {
		t.Fatalf("driver = %q", driver)
	}

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `CREATE TABLE orders (id INTEGER, name TEXT)`); err != nil {
		t.Fatal(err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO orders VALUES (1, 'a'), (2, 'b')`); err != nil {
		t.Fatal(err)
	}

	rows, err := db.QueryContext(ctx, `SELECT id, name FROM orders ORDER BY id`)
	if err != nil {
		t.Fatal(err)
	}
	defer rows.Close()

	records, err := RowsToRecords(rows)
	if err != nil {
		t.Fatalf("RowsToRecords() error = %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[1]["name"] != "b" {
		t.Errorf("records[1][name] = %v, want b", records[1]["name"])
	}
}

func TestOpenMissingConnectionString(t *testing.T) {
	if _, _, err := Open(Config{}); !errors.Is(err, ErrMissingConnectionString) {
		t.Errorf("error = %v, want ErrMissingConnectionString", err)
	}
}

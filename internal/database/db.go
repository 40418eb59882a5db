package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	// Registered drivers.
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// Supported drivers
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Default pool settings
const (
	DefaultMaxOpenConns   = 10
	DefaultMaxIdleConns   = 5
	DefaultConnectTimeout = 10 * time.Second
)

// ErrMissingConnectionString is returned when neither a connection string nor
// an environment reference is configured.
var ErrMissingConnectionString = errors.New("connection string is required")

// Config holds connection settings shared by SQL sources, destinations and
// the SQL run registry.
type Config struct {
	// ConnectionString is the DSN passed to the driver.
	ConnectionString string

	// ConnectionStringRef names an environment variable holding the DSN.
	ConnectionStringRef string

	// Driver is sqlite3 or postgres. Detected from the DSN when empty.
	Driver string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	ConnectTimeout  time.Duration
}

// Open resolves the DSN, opens a pool and pings it. It returns the pool and
// the normalised driver name.
func Open(cfg Config) (*sql.DB, string, error) {
	dsn := cfg.ConnectionString
	if dsn == "" && cfg.ConnectionStringRef != "" {
		dsn = os.Getenv(cfg.ConnectionStringRef)
	}
	if dsn == "" {
		return nil, "", ErrMissingConnectionString
	}

	driver, err := NormalizeDriver(cfg.Driver, dsn)
	if err != nil {
		return nil, "", err
	}
	if driver == DriverPostgres {
		dsn = strings.TrimPrefix(dsn, "postgres+")
	} else {
		dsn = strings.TrimPrefix(dsn, "sqlite://")
		dsn = strings.TrimPrefix(dsn, "sqlite3://")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, "", NewConnectionError("opening database", err)
	}

	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = DefaultMaxOpenConns
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdleConns
	}
	if driver == DriverSQLite {
		// sqlite serialises writers; a single connection also keeps
		// in-memory databases shared across queries.
		maxOpen, maxIdle = 1, 1
	}
	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}

	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", ClassifyDatabaseError(err, driver, "connect", "", 0)
	}

	return db, driver, nil
}

// NormalizeDriver returns the driver to use for dsn.
func NormalizeDriver(driver, dsn string) (string, error) {
	switch strings.ToLower(driver) {
	case "postgres", "postgresql", "pq":
		return DriverPostgres, nil
	case "sqlite", "sqlite3":
		return DriverSQLite, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}

	lower := strings.ToLower(dsn)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") ||
		strings.Contains(lower, "host=") {
		return DriverPostgres, nil
	}
	return DriverSQLite, nil
}

// FormatPlaceholder returns the positional parameter placeholder for driver.
func FormatPlaceholder(driver string, position int) string {
	if driver == DriverPostgres {
		return fmt.Sprintf("$%d", position)
	}
	return "?"
}

// QuoteIdentifier quotes a table or column name.
func QuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// RowsToRecords converts sql.Rows into records. Byte slices become strings.
func RowsToRecords(rows *sql.Rows) ([]map[string]interface{}, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("getting column names: %w", err)
	}

	records := make([]map[string]interface{}, 0)
	for rows.Next() {
		values := make([]interface{}, len(columns))
		valuePtrs := make([]interface{}, len(columns))
		for i := range values {
			valuePtrs[i] = &values[i]
		}
		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}

		record := make(map[string]interface{}, len(columns))
		for i, col := range columns {
			if b, ok := values[i].([]byte); ok {
				record[col] = string(b)
			} else {
				record[col] = values[i]
			}
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	return records, nil
}

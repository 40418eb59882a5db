package output

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/canectors/dataflow/internal/database"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Default configuration values for the SQL destination
const (
	defaultDatabaseOutputTimeout = 30 * time.Second
	defaultRunIDColumn           = "run_id"
)

// RecordFieldPrefix is the optional prefix of {{record.field}} placeholders.
const RecordFieldPrefix = "record."

// DatabaseConfig holds configuration for the SQL destination.
type DatabaseConfig struct {
	ConnectionString    string
	ConnectionStringRef string
	Driver              string

	// Table mode: INSERT INTO Table (Columns..., RunIDColumn).
	Table       string
	Columns     []string
	RunIDColumn string

	// Query mode: a statement executed per record with {{record.field}}
	// placeholders bound as parameters.
	Query string

	Timeout time.Duration
}

// Database writes the batch to a SQL database in a single transaction.
//
//	destination:
//	  type: sql
//	  config:
//	    connectionStringRef: WAREHOUSE_DSN
//	    table: orders_clean
//	    columns: [id, customer, amount]   # default: fields of the first record
//	    runIdColumn: run_id               # default run_id, "" disables revert
//
// or, for upserts:
//
//	    query: INSERT INTO t (id, v) VALUES ({{record.id}}, {{record.v}}) ON CONFLICT (id) DO UPDATE SET v = excluded.v
//
// Table mode tags every row with the run id, which makes the write revertible.
type Database struct {
	config DatabaseConfig

	mu     sync.Mutex
	db     *sql.DB
	driver string
}

// NewDatabase creates a SQL destination.
func NewDatabase(config map[string]interface{}) (*Database, error) {
	opts := options(config)
	cfg := DatabaseConfig{
		ConnectionString:    opts.str("connectionString"),
		ConnectionStringRef: opts.str("connectionStringRef"),
		Driver:              opts.str("driver"),
		Table:               opts.str("table"),
		Query:               opts.str("query"),
		RunIDColumn:         defaultRunIDColumn,
		Timeout:             defaultDatabaseOutputTimeout,
	}
	if v, ok := config["runIdColumn"]; ok {
		cfg.RunIDColumn, _ = v.(string)
	}

	if queryFile := opts.str("queryFile"); queryFile != "" && cfg.Query == "" {
		if err := pathutil.ValidateFilePath(queryFile); err != nil {
			return nil, opts.invalid("queryFile", "%v", err)
		}
		queryBytes, err := os.ReadFile(queryFile)
		if err != nil {
			return nil, opts.invalid("queryFile", "reading query file: %v", err)
		}
		cfg.Query = string(queryBytes)
	}

	if cfg.ConnectionString == "" && cfg.ConnectionStringRef == "" {
		return nil, opts.invalid("connectionString", "connectionString or connectionStringRef is required")
	}
	if _, err := database.NormalizeDriver(cfg.Driver, cfg.ConnectionString); err != nil {
		return nil, opts.invalid("driver", "%v", err)
	}
	if (cfg.Table == "") == (cfg.Query == "") {
		return nil, opts.invalid("table", "exactly one of table or query is required")
	}
	if cfg.Query != "" {
		if _, _, err := buildParameterizedQuery(cfg.Query, pipeline.Record{}, database.DriverSQLite); err != nil {
			return nil, opts.invalid("query", "%v", err)
		}
	}

	columns, err := opts.strings("columns")
	if err != nil {
		return nil, err
	}
	cfg.Columns = columns

	timeoutMs, err := opts.integer("timeoutMs")
	if err != nil {
		return nil, err
	}
	if timeoutMs > 0 {
		cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	return &Database{config: cfg}, nil
}

func (d *Database) connect() (*sql.DB, string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db != nil {
		return d.db, d.driver, nil
	}
	db, driver, err := database.Open(database.Config{
		ConnectionString:    d.config.ConnectionString,
		ConnectionStringRef: d.config.ConnectionStringRef,
		Driver:              d.config.Driver,
		ConnectTimeout:      d.config.Timeout,
	})
	if err != nil {
		return nil, "", err
	}
	d.db, d.driver = db, driver
	return db, driver, nil
}

// Write inserts the batch. Either every record is written or none is.
func (d *Database) Write(ctx context.Context, batch pipeline.Batch) (pipeline.LoadResult, error) {
	if len(batch) == 0 {
		return pipeline.LoadResult{Location: d.location()}, nil
	}
	startTime := time.Now()

	db, driver, err := d.connect()
	if err != nil {
		return pipeline.LoadResult{}, err
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return pipeline.LoadResult{}, database.ClassifyDatabaseError(err, driver, "begin", "", 0)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	runID := RunIDFromContext(ctx)
	columns := d.columns(batch)
	for i, record := range batch {
		query, args, err := d.statement(record, columns, runID, driver)
		if err != nil {
			_ = tx.Rollback()
			return pipeline.LoadResult{}, permanent(fmt.Errorf("record %d: %w", i, err))
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return pipeline.LoadResult{}, database.ClassifyDatabaseError(err, driver, "insert", query, len(args))
		}
	}
	if err := tx.Commit(); err != nil {
		return pipeline.LoadResult{}, database.ClassifyDatabaseError(err, driver, "commit", "", 0)
	}

	logger.Info("sql destination write completed",
		slog.String("location", d.location()),
		slog.Int("record_count", len(batch)),
		slog.Duration("duration", time.Since(startTime)),
	)
	return pipeline.LoadResult{RecordsWritten: len(batch), Location: d.location()}, nil
}

func (d *Database) location() string {
	if d.config.Table != "" {
		return "table:" + d.config.Table
	}
	return "query"
}

// columns returns the configured columns, or the sorted fields of the first
// record.
func (d *Database) columns(batch pipeline.Batch) []string {
	if len(d.config.Columns) > 0 || d.config.Table == "" {
		return d.config.Columns
	}
	cols := make([]string, 0, len(batch[0]))
	for k := range batch[0] {
		if k != d.config.RunIDColumn {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	return cols
}

func (d *Database) statement(record pipeline.Record, columns []string, runID, driver string) (string, []interface{}, error) {
	if d.config.Query != "" {
		return buildParameterizedQuery(d.config.Query, record, driver)
	}

	names := make([]string, 0, len(columns)+1)
	placeholders := make([]string, 0, len(columns)+1)
	args := make([]interface{}, 0, len(columns)+1)
	for _, col := range columns {
		value, _ := pathutil.Get(record, col)
		names = append(names, database.QuoteIdentifier(col))
		placeholders = append(placeholders, database.FormatPlaceholder(driver, len(args)+1))
		args = append(args, sqlValue(value))
	}
	if d.config.RunIDColumn != "" {
		names = append(names, database.QuoteIdentifier(d.config.RunIDColumn))
		placeholders = append(placeholders, database.FormatPlaceholder(driver, len(args)+1))
		args = append(args, runID)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		database.QuoteIdentifier(d.config.Table),
		strings.Join(names, ", "),
		strings.Join(placeholders, ", "),
	)
	return query, args, nil
}

// Revert deletes the rows tagged with runID. Only table mode with a run id
// column is revertible.
func (d *Database) Revert(ctx context.Context, runID string) (int, error) {
	if d.config.Table == "" || d.config.RunIDColumn == "" || runID == "" {
		return 0, ErrNotRevertible
	}
	db, driver, err := d.connect()
	if err != nil {
		return 0, err
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s",
		database.QuoteIdentifier(d.config.Table),
		database.QuoteIdentifier(d.config.RunIDColumn),
		database.FormatPlaceholder(driver, 1),
	)
	res, err := db.ExecContext(ctx, query, runID)
	if err != nil {
		return 0, database.ClassifyDatabaseError(err, driver, "delete", query, 1)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading affected rows: %w", err)
	}
	return int(n), nil
}

// buildParameterizedQuery replaces {{record.field}} placeholders with bound
// parameters. Unbalanced braces are rejected so that record data can never
// be spliced into the statement.
func buildParameterizedQuery(queryTemplate string, record pipeline.Record, driver string) (string, []interface{}, error) {
	query := queryTemplate
	var args []interface{}

	for {
		start := strings.Index(query, "{{")
		if start == -1 {
			break
		}
		end := strings.Index(query[start:], "}}")
		if end == -1 {
			return "", nil, fmt.Errorf("unmatched template placeholder in query: missing closing }}")
		}
		end += start + 2

		fieldPath := strings.TrimSpace(query[start+2 : end-2])
		fieldPath = strings.TrimPrefix(fieldPath, RecordFieldPrefix)
		if fieldPath == "" {
			return "", nil, fmt.Errorf("empty template placeholder in query")
		}
		value, _ := pathutil.Get(record, fieldPath)

		query = query[:start] + database.FormatPlaceholder(driver, len(args)+1) + query[end:]
		args = append(args, sqlValue(value))
	}

	if strings.Contains(query, "}}") {
		return "", nil, fmt.Errorf("unmatched template placeholders remain in query after processing")
	}
	return query, args, nil
}

// sqlValue converts nested values to JSON text so drivers accept them.
func sqlValue(v interface{}) interface{} {
	switch v.(type) {
	case map[string]interface{}, []interface{}:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return v
}

// Close releases the connection pool.
func (d *Database) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.db == nil {
		return nil
	}
	err := d.db.Close()
	d.db = nil
	return err
}

var (
	_ Destination = (*Database)(nil)
	_ Reverter    = (*Database)(nil)
)

package input

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/canectors/dataflow/internal/database"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Default configuration values for the SQL source
const (
	defaultDatabaseTimeout = 30 * time.Second
	defaultQueryLimit      = 1000
)

// Built-in query parameters resolved from the batch spec when not set in
// the parameters map.
const (
	ParamPipelineID  = "pipelineId"
	ParamRunID       = "runId"
	ParamTriggerTime = "triggerTime"
)

// DatabaseConfig holds configuration for the SQL source.
type DatabaseConfig struct {
	ConnectionString    string
	ConnectionStringRef string
	Driver              string

	// Query is the SELECT to run; QueryFile loads it from disk instead.
	Query      string
	QueryFile  string
	Parameters map[string]interface{}

	// PageSize enables LIMIT/OFFSET pagination when > 0.
	PageSize int

	Timeout time.Duration
}

// Database runs a SQL query and returns its rows as records.
//
//	source:
//	  type: sql
//	  config:
//	    driver: postgres
//	    connectionStringRef: ORDERS_DSN
//	    query: SELECT * FROM orders WHERE created_at >= :since AND created_at < :triggerTime
//	    parameters: {since: "2024-01-01"}
//	    pageSize: 500
//
// Named :parameters are bound positionally for the configured driver. The
// connection is opened on the first Read so that an unavailable database
// surfaces as a database_unavailable stage failure.
type Database struct {
	config DatabaseConfig

	mu     sync.Mutex
	db     *sql.DB
	driver string
}

// NewDatabase creates a SQL source.
func NewDatabase(config map[string]interface{}) (*Database, error) {
	opts := options(config)
	cfg := DatabaseConfig{
		ConnectionString:    opts.str("connectionString"),
		ConnectionStringRef: opts.str("connectionStringRef"),
		Driver:              opts.str("driver"),
		Query:               opts.str("query"),
		QueryFile:           opts.str("queryFile"),
		Parameters:          opts.object("parameters"),
		Timeout:             defaultDatabaseTimeout,
	}

	if cfg.QueryFile != "" && cfg.Query == "" {
		if err := pathutil.ValidateFilePath(cfg.QueryFile); err != nil {
			return nil, opts.invalid("queryFile", "%v", err)
		}
		queryBytes, err := os.ReadFile(cfg.QueryFile)
		if err != nil {
			return nil, opts.invalid("queryFile", "reading query file: %v", err)
		}
		cfg.Query = string(queryBytes)
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, opts.invalid("query", "query or queryFile is required")
	}
	if cfg.ConnectionString == "" && cfg.ConnectionStringRef == "" {
		return nil, opts.invalid("connectionString", "connectionString or connectionStringRef is required")
	}
	if _, err := database.NormalizeDriver(cfg.Driver, cfg.ConnectionString); err != nil {
		return nil, opts.invalid("driver", "%v", err)
	}

	pageSize, err := opts.integer("pageSize")
	if err != nil {
		return nil, err
	}
	if pageSize < 0 {
		return nil, opts.invalid("pageSize", "must not be negative")
	}
	cfg.PageSize = pageSize

	timeoutMs, err := opts.integer("timeoutMs")
	if err != nil {
		return nil, err
	}
	if timeoutMs > 0 {
		cfg.Timeout = time.Duration(timeoutMs) * time.Millisecond
	}

	return &Database{config: cfg}, nil
}

// connect opens the pool once.
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

// Read executes the query.
func (d *Database) Read(ctx context.Context, spec pipeline.BatchSpec) (pipeline.Batch, error) {
	startTime := time.Now()

	db, driver, err := d.connect()
	if err != nil {
		return nil, err
	}

	query, args := d.buildQuery(driver, spec)

	var records pipeline.Batch
	if d.config.PageSize > 0 {
		records, err = d.fetchLimitOffset(ctx, db, driver, query, args, spec.Limit)
	} else {
		records, err = d.fetchSingle(ctx, db, driver, query, args)
	}
	if err != nil {
		logger.Error("sql source read failed",
			"driver", driver,
			"duration", time.Since(startTime),
			"error", err.Error(),
		)
		return nil, err
	}

	logger.Debug("sql source read completed",
		"driver", driver,
		"record_count", len(records),
		"duration", time.Since(startTime),
	)
	return limit(records, spec), nil
}

// buildQuery replaces :name tokens with driver placeholders in order of
// appearance. Unknown names are left untouched.
func (d *Database) buildQuery(driver string, spec pipeline.BatchSpec) (string, []interface{}) {
	builtins := map[string]interface{}{
		ParamPipelineID:  spec.PipelineID,
		ParamRunID:       spec.RunID,
		ParamTriggerTime: spec.TriggerTime,
	}

	query := d.config.Query
	var args []interface{}
	for _, name := range extractParameterOrder(query) {
		value, ok := d.config.Parameters[name]
		if !ok {
			value, ok = builtins[name]
		}
		if !ok {
			continue
		}
		query = replaceParameter(query, name, database.FormatPlaceholder(driver, len(args)+1))
		args = append(args, value)
	}
	return query, args
}

// replaceParameter replaces every :name token that is not a prefix of a
// longer identifier.
func replaceParameter(query, name, placeholder string) string {
	token := ":" + name
	var b strings.Builder
	for {
		idx := strings.Index(query, token)
		if idx == -1 {
			b.WriteString(query)
			return b.String()
		}
		end := idx + len(token)
		if end < len(query) && isIdentChar(query[end]) {
			b.WriteString(query[:end])
			query = query[end:]
			continue
		}
		b.WriteString(query[:idx])
		b.WriteString(placeholder)
		query = query[end:]
	}
}

// extractParameterOrder extracts parameter names from query in left-to-right order.
// Postgres casts (::type) are not parameters.
func extractParameterOrder(query string) []string {
	var order []string
	seen := make(map[string]bool)

	for i := 0; i < len(query); i++ {
		if query[i] != ':' {
			continue
		}
		if i+1 < len(query) && query[i+1] == ':' {
			i++
			continue
		}
		end := i + 1
		for end < len(query) && isIdentChar(query[end]) {
			end++
		}
		if end > i+1 {
			name := query[i+1 : end]
			if !seen[name] {
				order = append(order, name)
				seen[name] = true
			}
		}
		i = end - 1
	}
	return order
}

func isIdentChar(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') || (b >= '0' && b <= '9') || b == '_'
}

func (d *Database) fetchSingle(ctx context.Context, db *sql.DB, driver, query string, args []interface{}) (pipeline.Batch, error) {
	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.ClassifyDatabaseError(err, driver, "select", query, len(args))
	}
	defer func() {
		_ = rows.Close()
	}()
	return database.RowsToRecords(rows)
}

// fetchLimitOffset pages through the result with literal LIMIT/OFFSET.
// max stops paging early when the batch spec caps the read.
func (d *Database) fetchLimitOffset(ctx context.Context, db *sql.DB, driver, query string, args []interface{}, max int) (pipeline.Batch, error) {
	records := pipeline.Batch{}
	pageSize := d.config.PageSize
	if pageSize <= 0 {
		pageSize = defaultQueryLimit
	}

	for offset := 0; ; offset += pageSize {
		paged := fmt.Sprintf("%s LIMIT %d OFFSET %d", strings.TrimRight(strings.TrimSpace(query), ";"), pageSize, offset)
		page, err := d.fetchSingle(ctx, db, driver, paged, args)
		if err != nil {
			return nil, err
		}
		records = append(records, page...)
		if len(page) < pageSize || (max > 0 && len(records) >= max) {
			return records, nil
		}
	}
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

var _ Source = (*Database)(nil)

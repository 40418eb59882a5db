package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/canectors/dataflow/internal/database"
	"github.com/canectors/dataflow/internal/logger"
	"github.com/canectors/dataflow/pkg/pipeline"
)

const createRunsTable = `
CREATE TABLE IF NOT EXISTS pipeline_runs (
	id TEXT PRIMARY KEY,
	pipeline_id TEXT NOT NULL,
	status TEXT NOT NULL,
	started_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	data TEXT NOT NULL
)`

const createRunsIndex = `CREATE INDEX IF NOT EXISTS pipeline_runs_pipeline_idx ON pipeline_runs (pipeline_id, started_at)`

// SQLStore persists runs in a pipeline_runs table (sqlite3 or postgres).
// Each run is stored as a JSON document next to the indexed columns.
type SQLStore struct {
	db     *sql.DB
	driver string
	broadcaster
}

// OpenSQLStore connects to the database and creates the table if needed.
func OpenSQLStore(cfg database.Config) (*SQLStore, error) {
	db, driver, err := database.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("opening run registry: %w", err)
	}
	s := &SQLStore{db: db, driver: driver}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range []string{createRunsTable, createRunsIndex} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating run registry schema: %w", err)
		}
	}
	return nil
}

// bind rewrites ? placeholders for the store's driver.
func (s *SQLStore) bind(query string) string {
	if s.driver != database.DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteString(database.FormatPlaceholder(s.driver, n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

func (s *SQLStore) Create(ctx context.Context, run *pipeline.PipelineRun) error {
	if err := checkRun(run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return database.ClassifyDatabaseError(err, s.driver, "begin", "", 0)
	}
	defer func() { _ = tx.Rollback() }()

	var exists int
	err = tx.QueryRowContext(ctx, s.bind(`SELECT 1 FROM pipeline_runs WHERE id = ?`), run.ID).Scan(&exists)
	switch {
	case err == nil:
		return ErrExists
	case !errors.Is(err, sql.ErrNoRows):
		return database.ClassifyDatabaseError(err, s.driver, "select", "", 1)
	}

	query := s.bind(`INSERT INTO pipeline_runs (id, pipeline_id, status, started_at, updated_at, data) VALUES (?, ?, ?, ?, ?, ?)`)
	if _, err := tx.ExecContext(ctx, query, run.ID, run.PipelineID, string(run.Status), run.StartedAt.UTC(), time.Now().UTC(), string(data)); err != nil {
		return database.ClassifyDatabaseError(err, s.driver, "insert", query, 6)
	}
	if err := tx.Commit(); err != nil {
		return database.ClassifyDatabaseError(err, s.driver, "commit", "", 0)
	}

	s.publish(run)
	return nil
}

// Update guards the write with the status it read, so a concurrent
// transition makes it fail instead of overwriting.
func (s *SQLStore) Update(ctx context.Context, run *pipeline.PipelineRun) error {
	if err := checkRun(run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	var current string
	err = s.db.QueryRowContext(ctx, s.bind(`SELECT status FROM pipeline_runs WHERE id = ?`), run.ID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return database.ClassifyDatabaseError(err, s.driver, "select", "", 1)
	}
	if err := CheckTransition(pipeline.RunStatus(current), run.Status); err != nil {
		return err
	}

	query := s.bind(`UPDATE pipeline_runs SET status = ?, updated_at = ?, data = ? WHERE id = ? AND status = ?`)
	res, err := s.db.ExecContext(ctx, query, string(run.Status), time.Now().UTC(), string(data), run.ID, current)
	if err != nil {
		return database.ClassifyDatabaseError(err, s.driver, "update", query, 5)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: run %s changed concurrently", ErrInvalidTransition, run.ID)
	}

	s.publish(run)
	return nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*pipeline.PipelineRun, error) {
	var data string
	err := s.db.QueryRowContext(ctx, s.bind(`SELECT data FROM pipeline_runs WHERE id = ?`), id).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, database.ClassifyDatabaseError(err, s.driver, "select", "", 1)
	}
	return decodeRun(data)
}

func (s *SQLStore) List(ctx context.Context, filter Filter) ([]*pipeline.PipelineRun, error) {
	var (
		where []string
		args  []interface{}
	)
	if filter.PipelineID != "" {
		where = append(where, "pipeline_id = ?")
		args = append(args, filter.PipelineID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	query := `SELECT data FROM pipeline_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}
	query = s.bind(query)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, database.ClassifyDatabaseError(err, s.driver, "select", query, len(args))
	}
	defer rows.Close()

	var out []*pipeline.PipelineRun
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run, err := decodeRun(data)
		if err != nil {
			logger.Warn("skipping undecodable run", "error", err.Error())
			continue
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating runs: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Subscribe(buffer int) (<-chan *pipeline.PipelineRun, func()) {
	return s.subscribe(buffer)
}

func (s *SQLStore) Close() error {
	s.closeAll()
	return s.db.Close()
}

func decodeRun(data string) (*pipeline.PipelineRun, error) {
	var run pipeline.PipelineRun
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("decoding run: %w", err)
	}
	return &run, nil
}

// Package database provides connection handling and error classification for
// SQL sources, destinations and the run registry.
package database

import (
	"errors"
	"fmt"
	"strings"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// Error categories for database operations
const (
	CategoryConnection = "connection"
	CategoryQuery      = "query"
	CategoryConstraint = "constraint"
	CategoryTimeout    = "timeout"
)

const maxQueryLength = 500

// DatabaseError is a driver error tagged with what failed and whether a
// retry can help.
//
//nolint:revive // database.DatabaseError reads fine at call sites
type DatabaseError struct {
	Category    string
	Operation   string // select, insert, begin...
	Message     string
	Query       string // truncated statement, never the parameters
	ParamCount  int
	OriginalErr error
	Retryable   bool
}

func (e *DatabaseError) Error() string {
	msg := fmt.Sprintf("database %s error: %s", e.Category, e.Message)
	if e.Operation != "" {
		msg = fmt.Sprintf("database %s error in %s: %s", e.Category, e.Operation, e.Message)
	}
	if e.OriginalErr != nil {
		msg += fmt.Sprintf(" (original: %v)", e.OriginalErr)
	}
	return msg
}

func (e *DatabaseError) Unwrap() error { return e.OriginalErr }

// IsRetryable reports whether the failure is transient.
func (e *DatabaseError) IsRetryable() bool { return e.Retryable }

// FailureClass maps the error to a resilience failure class. Only a database
// that cannot be reached counts as unavailable; a bad statement is unknown.
func (e *DatabaseError) FailureClass() pipeline.FailureClass {
	switch e.Category {
	case CategoryConnection, CategoryTimeout:
		return pipeline.FailureDatabaseUnavailable
	default:
		return pipeline.FailureUnknown
	}
}

// NewConnectionError reports a database that could not be opened or reached.
func NewConnectionError(message string, originalErr error) *DatabaseError {
	return &DatabaseError{
		Category:    CategoryConnection,
		Operation:   "connect",
		Message:     message,
		OriginalErr: originalErr,
		Retryable:   true,
	}
}

// classification matches lower-cased driver messages. Rules are tried in
// order; the first match wins.
type classification struct {
	category  string
	retryable bool
	message   func(errMsg string) string
	markers   []string
	pgCodes   []string // SQLSTATE codes, lower-cased
}

var classifications = []classification{
	{
		category:  CategoryTimeout,
		retryable: true,
		message:   fixed("operation timed out"),
		markers:   []string{"timeout", "timed out", "deadline exceeded"},
	},
	{
		category:  CategoryConnection,
		retryable: true,
		message:   fixed("connection failed or lost"),
		markers: []string{
			"connection refused", "connection reset", "connection closed", "no such host",
			"network is unreachable", "broken pipe", "bad connection", "invalid connection",
			"unexpected eof", "server closed", "dial tcp", "connect: ", "too many open files",
			"unable to open database",
		},
		pgCodes: []string{"08000", "08003", "08006", "57p01"},
	},
	{
		category: CategoryConstraint,
		message:  constraintMessage,
		markers: []string{
			"unique constraint", "duplicate key", "duplicate entry", "violates unique",
			"foreign key", "check constraint", "violates not-null", "not null constraint",
			"cannot be null", "constraint violation", "constraint failed",
		},
		pgCodes: []string{"23000", "23001", "23502", "23503", "23505", "23514", "23p01"},
	},
	{
		category:  CategoryQuery,
		retryable: true,
		message:   fixed("lock conflict"),
		markers:   []string{"deadlock", "database is locked", "could not serialize", "serialization failure"},
		pgCodes:   []string{"40001", "40p01"},
	},
	{
		category: CategoryQuery,
		message:  fixed("SQL syntax error"),
		markers:  []string{"syntax error", "parse error", "near \"", "at or near"},
		pgCodes:  []string{"42601"},
	},
}

func fixed(s string) func(string) string { return func(string) string { return s } }

func (c classification) matches(errMsg, driver string) bool {
	for _, m := range c.markers {
		if strings.Contains(errMsg, m) {
			return true
		}
	}
	if driver != DriverPostgres {
		return false
	}
	for _, code := range c.pgCodes {
		if strings.Contains(errMsg, code) {
			return true
		}
	}
	return false
}

// ClassifyDatabaseError wraps a driver error into a DatabaseError. Errors no
// rule recognizes become non-retryable query errors.
func ClassifyDatabaseError(err error, driver, operation, query string, paramCount int) *DatabaseError {
	if err == nil {
		return nil
	}
	var already *DatabaseError
	if errors.As(err, &already) {
		return already
	}

	if len(query) > maxQueryLength {
		query = query[:maxQueryLength] + "... (truncated)"
	}
	dbErr := &DatabaseError{
		Category:    CategoryQuery,
		Operation:   operation,
		Message:     err.Error(),
		Query:       query,
		ParamCount:  paramCount,
		OriginalErr: err,
	}

	errMsg := strings.ToLower(err.Error())
	for _, c := range classifications {
		if c.matches(errMsg, driver) {
			dbErr.Category = c.category
			dbErr.Retryable = c.retryable
			dbErr.Message = c.message(errMsg)
			break
		}
	}
	return dbErr
}

func constraintMessage(errMsg string) string {
	switch {
	case strings.Contains(errMsg, "unique"), strings.Contains(errMsg, "duplicate"):
		return "unique constraint violation"
	case strings.Contains(errMsg, "foreign key"):
		return "foreign key constraint violation"
	case strings.Contains(errMsg, "not-null"), strings.Contains(errMsg, "not null"), strings.Contains(errMsg, "cannot be null"):
		return "not-null constraint violation"
	case strings.Contains(errMsg, "check constraint"):
		return "check constraint violation"
	default:
		return "constraint violation"
	}
}

// IsDatabaseError reports whether err wraps a DatabaseError.
func IsDatabaseError(err error) bool {
	var dbErr *DatabaseError
	return errors.As(err, &dbErr)
}

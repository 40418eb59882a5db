// Package errhandling provides error types, failure classification, and retry utilities.
// This file classifies raw errors into the failure classes consumed by the
// resilience wrapper's fallback table.
package errhandling

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"net/url"

	"github.com/canectors/dataflow/pkg/pipeline"
)

// ClassifiedError wraps an error with its failure class and retryability.
type ClassifiedError struct {
	// Class is the failure class used to select a fallback strategy.
	Class pipeline.FailureClass

	// Retryable indicates whether the error is transient and can be retried.
	Retryable bool

	// StatusCode is the HTTP status code (0 if not an HTTP error).
	StatusCode int

	// Message is a human-readable error message.
	Message string

	// OriginalErr is the underlying error that was classified.
	OriginalErr error
}

// Error implements the error interface.
func (e *ClassifiedError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (status %d): %s", e.Class, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

// Unwrap returns the original error for use with errors.Is and errors.As.
func (e *ClassifiedError) Unwrap() error {
	return e.OriginalErr
}

// Classifier is implemented by errors that know their own failure class,
// such as database errors.
type Classifier interface {
	FailureClass() pipeline.FailureClass
	IsRetryable() bool
}

func classified(class pipeline.FailureClass, retryable bool, message string, err error) *ClassifiedError {
	return &ClassifiedError{Class: class, Retryable: retryable, Message: message, OriginalErr: err}
}

// ClassifyHTTPStatus classifies an HTTP error status.
//
// Classification rules:
//   - 408, 504: api_timeout (retryable)
//   - 429, 5xx: service_unavailable (retryable)
//   - other 4xx: unknown (not retryable, the request itself is wrong)
func ClassifyHTTPStatus(statusCode int, message string) *ClassifiedError {
	var ce *ClassifiedError
	switch {
	case statusCode == 408 || statusCode == 504:
		ce = classified(pipeline.FailureAPITimeout, true, "upstream timeout", nil)
	case statusCode == 429:
		ce = classified(pipeline.FailureServiceUnavailable, true, "rate limited", nil)
	case statusCode >= 500:
		ce = classified(pipeline.FailureServiceUnavailable, true, "server error", nil)
	case statusCode >= 400:
		ce = classified(pipeline.FailureUnknown, false, "client error", nil)
	default:
		ce = classified(pipeline.FailureUnknown, true, message, nil)
	}
	ce.StatusCode = statusCode
	return ce
}

// ClassifyError classifies any error into a ClassifiedError. The first
// matching rule wins:
//
//  1. already classified errors are returned as is
//  2. configuration, cancellation and quality gate errors are final
//  3. stage errors carrying a class or marked permanent
//  4. errors implementing Classifier (database errors)
//  5. context, database/sql and network errors
//
// Anything else is unknown and retryable.
func ClassifyError(err error) *ClassifiedError {
	if err == nil {
		return classified(pipeline.FailureUnknown, false, "nil error", nil)
	}

	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}

	var (
		cfgErr    *ConfigurationError
		cancelErr *CancellationError
		gateErr   *QualityGateError
	)
	if errors.As(err, &cfgErr) || errors.As(err, &cancelErr) || errors.As(err, &gateErr) {
		return classified(pipeline.FailureUnknown, false, err.Error(), err)
	}

	var stageErr *StageError
	if errors.As(err, &stageErr) && (stageErr.Class != "" || stageErr.Permanent) {
		class := stageErr.Class
		if class == "" {
			class = pipeline.FailureUnknown
		}
		return classified(class, !stageErr.Permanent, stageErr.Message, err)
	}

	var self Classifier
	if errors.As(err, &self) {
		return classified(self.FailureClass(), self.IsRetryable(), err.Error(), err)
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return classified(pipeline.FailureAPITimeout, true, "request timeout", err)
	case errors.Is(err, context.Canceled):
		return classified(pipeline.FailureUnknown, false, "context canceled", err)
	case errors.Is(err, sql.ErrConnDone), errors.Is(err, driver.ErrBadConn):
		return classified(pipeline.FailureDatabaseUnavailable, true, "database connection lost", err)
	}
	return classifyNetworkError(err)
}

func classifyNetworkError(err error) *ClassifiedError {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return classified(pipeline.FailureAPITimeout, true, "timeout", err)
	}

	var (
		opErr  *net.OpError
		dnsErr *net.DNSError
		urlErr *url.Error
	)
	switch {
	case errors.As(err, &opErr):
		return classified(pipeline.FailureServiceUnavailable, true, fmt.Sprintf("network error: %s %s", opErr.Op, opErr.Net), err)
	case errors.As(err, &dnsErr):
		return classified(pipeline.FailureServiceUnavailable, true, "DNS error: "+dnsErr.Name, err)
	case errors.As(err, &urlErr):
		return classified(pipeline.FailureServiceUnavailable, true, fmt.Sprintf("URL error: %s %s", urlErr.Op, urlErr.URL), err)
	}
	return classified(pipeline.FailureUnknown, true, err.Error(), err)
}

// IsRetryable returns true if the error is classified as retryable.
// Nil errors return false.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return ClassifyError(err).Retryable
}

// FailureClassOf returns the failure class of err.
func FailureClassOf(err error) pipeline.FailureClass {
	if err == nil {
		return ""
	}
	return ClassifyError(err).Class
}

// NewServiceUnavailableError creates a retryable service_unavailable error.
func NewServiceUnavailableError(message string, originalErr error) *ClassifiedError {
	return classified(pipeline.FailureServiceUnavailable, true, message, originalErr)
}

// NewTimeoutError creates a retryable api_timeout error.
func NewTimeoutError(message string, originalErr error) *ClassifiedError {
	return classified(pipeline.FailureAPITimeout, true, message, originalErr)
}

// NewDatabaseUnavailableError creates a retryable database_unavailable error.
func NewDatabaseUnavailableError(message string, originalErr error) *ClassifiedError {
	return classified(pipeline.FailureDatabaseUnavailable, true, message, originalErr)
}

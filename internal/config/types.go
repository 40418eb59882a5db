package config

import (
	"fmt"
	"strings"
)

// Format is the encoding of a pipeline document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// Error types of a ParseError.
const (
	ErrorTypeIO     = "io"
	ErrorTypeSyntax = "syntax"
	ErrorTypeFormat = "format"
)

// ParseError is a document that could not be decoded.
type ParseError struct {
	// Path is the file the document was read from, if any
	Path string
	// Line and Column are 1-based, 0 when unknown
	Line   int
	Column int
	Offset int64
	// Type is one of the ErrorType constants
	Type    string
	Message string
}

func (e ParseError) Error() string {
	var sb strings.Builder
	if e.Path != "" {
		sb.WriteString(e.Path)
		sb.WriteString(": ")
	}
	if e.Line > 0 {
		fmt.Fprintf(&sb, "line %d", e.Line)
		if e.Column > 0 {
			fmt.Fprintf(&sb, ", column %d", e.Column)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(e.Message)
	return sb.String()
}

// ValidationError is a schema violation at a JSON pointer such as
// "/transformations/0/order".
type ValidationError struct {
	Path    string
	Type    string
	Message string
}

func (e ValidationError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s: %s", e.Path, e.Message)
	}
	return e.Message
}

// Result is the outcome of parsing and schema-validating a document.
type Result struct {
	Data             map[string]interface{}
	Format           Format
	FilePath         string
	ParseErrors      []ParseError
	ValidationErrors []ValidationError
}

// IsValid reports whether the document parsed and matched the schema.
func (r *Result) IsValid() bool {
	return len(r.ParseErrors) == 0 && len(r.ValidationErrors) == 0
}

// AllErrors returns parse errors followed by validation errors.
func (r *Result) AllErrors() []error {
	errs := make([]error, 0, len(r.ParseErrors)+len(r.ValidationErrors))
	for _, e := range r.ParseErrors {
		errs = append(errs, e)
	}
	for _, e := range r.ValidationErrors {
		errs = append(errs, e)
	}
	return errs
}

// Err joins every error into one, or returns nil for a valid result.
func (r *Result) Err() error {
	if r.IsValid() {
		return nil
	}
	return &DocumentError{Path: r.FilePath, Errors: r.AllErrors()}
}

// DocumentError reports every problem found in one document.
type DocumentError struct {
	Path   string
	Errors []error
}

func (e *DocumentError) Error() string {
	name := e.Path
	if name == "" {
		name = "pipeline document"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("invalid %s: %v", name, e.Errors[0])
	}
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("invalid %s: %d errors: %s", name, len(e.Errors), strings.Join(msgs, "; "))
}

func (e *DocumentError) Unwrap() []error {
	return e.Errors
}

// Package cli formats command output for the dataflow binary.
package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/canectors/dataflow/internal/config"
	"github.com/canectors/dataflow/internal/errhandling"
)

// PrintParseErrors prints document parse errors with their location.
func PrintParseErrors(w io.Writer, errs []config.ParseError, verbose bool) {
	fmt.Fprintln(w, "✗ Parse errors:")
	for _, err := range errs {
		if location := formatErrorLocation(err.Path, err.Line, err.Column); location != "" {
			fmt.Fprintf(w, "  %s: %s\n", location, err.Message)
		} else {
			fmt.Fprintf(w, "  %s\n", err.Message)
		}
		if verbose && err.Type != "" {
			fmt.Fprintf(w, "    Type: %s\n", err.Type)
		}
	}
}

// formatErrorLocation returns path:line:column, omitting unknown parts.
func formatErrorLocation(path string, line, column int) string {
	if path == "" {
		return ""
	}
	location := path
	if line > 0 {
		location += fmt.Sprintf(":%d", line)
		if column > 0 {
			location += fmt.Sprintf(":%d", column)
		}
	}
	return location
}

// PrintValidationErrors prints schema violations.
func PrintValidationErrors(w io.Writer, errs []config.ValidationError, verbose, quiet bool) {
	fmt.Fprintln(w, "✗ Validation errors:")
	for _, err := range errs {
		path := err.Path
		if path == "" {
			path = "/"
		}
		if verbose {
			fmt.Fprintf(w, "  %s:\n", path)
			fmt.Fprintf(w, "    Message: %s\n", err.Message)
			if err.Type != "" {
				fmt.Fprintf(w, "    Type: %s\n", err.Type)
			}
			continue
		}
		msg := err.Message
		if len(msg) > 80 {
			msg = msg[:77] + "..."
		}
		fmt.Fprintf(w, "  %s: %s\n", path, msg)
	}
	if !quiet && !verbose {
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Hint: Use --verbose for detailed error information")
	}
}

// PrintConfigError prints a configuration error found after the schema
// check, such as a duplicate stage order or an unknown adapter type.
func PrintConfigError(w io.Writer, err error) {
	fmt.Fprintln(w, "✗ Configuration error:")
	var cfgErr *errhandling.ConfigurationError
	if errors.As(err, &cfgErr) && cfgErr.Field != "" {
		fmt.Fprintf(w, "  %s: %s\n", cfgErr.Field, cfgErr.Message)
		return
	}
	fmt.Fprintf(w, "  %v\n", err)
}

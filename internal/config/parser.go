package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFile reads, parses and schema-validates the document at path. The
// format comes from the extension (.json, .yaml, .yml) or, failing that,
// from the content.
func ParseFile(path string) *Result {
	content, err := os.ReadFile(path)
	if err != nil {
		return &Result{
			FilePath: path,
			ParseErrors: []ParseError{{
				Path:    path,
				Type:    ErrorTypeIO,
				Message: fmt.Sprintf("failed to read file: %v", err),
			}},
		}
	}
	result := ParseBytes(content, DetectFormat(path))
	result.FilePath = path
	for i := range result.ParseErrors {
		if result.ParseErrors[i].Path == "" {
			result.ParseErrors[i].Path = path
		}
	}
	return result
}

// ParseBytes parses and schema-validates content. An empty format is
// detected from the content.
func ParseBytes(content []byte, format Format) *Result {
	if format == "" {
		format = detectContent(content)
	}
	result := &Result{Format: format}

	var (
		data map[string]interface{}
		perr *ParseError
	)
	switch format {
	case FormatJSON:
		data, perr = parseJSON(content)
	case FormatYAML:
		data, perr = parseYAML(content)
	default:
		perr = &ParseError{Type: ErrorTypeFormat, Message: fmt.Sprintf("unsupported format %q", format)}
	}
	if perr != nil {
		result.ParseErrors = append(result.ParseErrors, *perr)
		return result
	}

	result.Data = data
	result.ValidationErrors = ValidateDocument(data)
	return result
}

// DetectFormat returns the format implied by a file extension, or "".
func DetectFormat(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON
	case ".yaml", ".yml":
		return FormatYAML
	}
	return ""
}

// JSON documents start with an object; everything else is handed to the
// YAML parser, which accepts JSON too.
func detectContent(content []byte) Format {
	trimmed := strings.TrimSpace(string(content))
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	return FormatYAML
}

func parseJSON(content []byte) (map[string]interface{}, *ParseError) {
	text := string(content)
	if strings.TrimSpace(text) == "" {
		return nil, &ParseError{Type: ErrorTypeSyntax, Message: "empty document: expected a JSON object"}
	}

	var doc interface{}
	if err := json.Unmarshal(content, &doc); err != nil {
		perr := &ParseError{Type: ErrorTypeSyntax, Message: err.Error()}
		var syntaxErr *json.SyntaxError
		var typeErr *json.UnmarshalTypeError
		switch {
		case errors.As(err, &syntaxErr):
			perr.Offset = syntaxErr.Offset
		case errors.As(err, &typeErr):
			perr.Offset = typeErr.Offset
		}
		if perr.Offset > 0 {
			perr.Line, perr.Column = lineColumn(text, perr.Offset)
		}
		return nil, perr
	}

	data, ok := doc.(map[string]interface{})
	if !ok {
		return nil, &ParseError{Type: ErrorTypeFormat, Message: fmt.Sprintf("expected a JSON object, got %s", describe(doc))}
	}
	return data, nil
}

func parseYAML(content []byte) (map[string]interface{}, *ParseError) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, &ParseError{Type: ErrorTypeSyntax, Message: "empty document: expected a YAML mapping"}
	}

	var node yaml.Node
	if err := yaml.Unmarshal(content, &node); err != nil {
		return nil, yamlError(err)
	}
	if len(node.Content) == 0 {
		return nil, &ParseError{Type: ErrorTypeFormat, Message: "document has no content"}
	}
	root := node.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, &ParseError{
			Type:    ErrorTypeFormat,
			Line:    root.Line,
			Column:  root.Column,
			Message: "expected a YAML mapping at the top level",
		}
	}

	var data map[string]interface{}
	if err := root.Decode(&data); err != nil {
		return nil, yamlError(err)
	}
	return data, nil
}

var yamlLine = regexp.MustCompile(`line (\d+)`)

func yamlError(err error) *ParseError {
	perr := &ParseError{Type: ErrorTypeSyntax, Message: err.Error()}
	var typeErr *yaml.TypeError
	if errors.As(err, &typeErr) {
		perr.Message = strings.Join(typeErr.Errors, "; ")
	}
	if m := yamlLine.FindStringSubmatch(perr.Message); m != nil {
		perr.Line, _ = strconv.Atoi(m[1])
	}
	return perr
}

// lineColumn converts a byte offset into a 1-based line and column.
func lineColumn(content string, offset int64) (line, column int) {
	line, column = 1, 1
	for i := int64(0); i < offset && i < int64(len(content)); i++ {
		if content[i] == '\n' {
			line++
			column = 1
			continue
		}
		column++
	}
	return line, column
}

func describe(v interface{}) string {
	switch v.(type) {
	case nil:
		return "null"
	case []interface{}:
		return "an array"
	case string:
		return "a string"
	case float64:
		return "a number"
	case bool:
		return "a boolean"
	}
	return fmt.Sprintf("%T", v)
}

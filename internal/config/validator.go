package config

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed schema/pipeline-schema.json
var embeddedSchema []byte

const schemaURL = "https://canectors.io/schemas/dataflow/v1/pipeline-schema.json"

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

// Schema returns the embedded pipeline document schema.
func Schema() []byte {
	return embeddedSchema
}

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		var doc interface{}
		if err := json.Unmarshal(embeddedSchema, &doc); err != nil {
			schemaErr = fmt.Errorf("parsing embedded schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource(schemaURL, doc); err != nil {
			schemaErr = fmt.Errorf("adding schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile(schemaURL)
		if schemaErr != nil {
			schemaErr = fmt.Errorf("compiling schema: %w", schemaErr)
		}
	})
	return compiledSchema, schemaErr
}

// ValidateDocument checks decoded document data against the pipeline
// schema. It returns one error per violated leaf constraint.
func ValidateDocument(data map[string]interface{}) []ValidationError {
	if len(data) == 0 {
		return []ValidationError{{Path: "/", Type: "required", Message: "document is empty"}}
	}

	schema, err := compiled()
	if err != nil {
		return []ValidationError{{Path: "/", Type: "schema", Message: err.Error()}}
	}

	err = schema.Validate(data)
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return []ValidationError{{Path: "/", Type: "validation", Message: err.Error()}}
	}
	return leafErrors(verr, nil)
}

func leafErrors(err *jsonschema.ValidationError, acc []ValidationError) []ValidationError {
	if len(err.Causes) == 0 {
		msg := leafMessage(err.Error())
		return append(acc, ValidationError{
			Path:    pointer(err.InstanceLocation),
			Type:    errorType(msg),
			Message: msg,
		})
	}
	for _, cause := range err.Causes {
		acc = leafErrors(cause, acc)
	}
	return acc
}

// leafMessage drops the "validation failed with <schema>" header and the
// "- at '<location>':" prefix from a leaf error.
func leafMessage(msg string) string {
	if i := strings.LastIndex(msg, "\n"); i >= 0 {
		msg = msg[i+1:]
	}
	msg = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg), "- "))
	if strings.HasPrefix(msg, "at '") {
		if i := strings.Index(msg, "': "); i >= 0 {
			msg = msg[i+3:]
		}
	}
	return msg
}

func pointer(loc []string) string {
	if len(loc) == 0 {
		return "/"
	}
	return "/" + strings.Join(loc, "/")
}

func errorType(msg string) string {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "missing propert"), strings.Contains(m, "required"):
		return "required"
	case strings.Contains(m, "additional propert"):
		return "additionalProperties"
	case strings.Contains(m, "want "), strings.Contains(m, "type"):
		return "type"
	case strings.Contains(m, "pattern"), strings.Contains(m, "does not match"):
		return "pattern"
	case strings.Contains(m, "value must be one of"), strings.Contains(m, "enum"):
		return "enum"
	case strings.Contains(m, "minimum"), strings.Contains(m, "maximum"),
		strings.Contains(m, "must be >="), strings.Contains(m, "must be <="):
		return "range"
	}
	return "validation"
}

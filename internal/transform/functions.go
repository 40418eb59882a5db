package transform

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/canectors/dataflow/internal/pathutil"
	"github.com/canectors/dataflow/pkg/pipeline"
)

// Built-in custom function names
const (
	FuncFillMissing    = "fill_missing"
	FuncNormalizeTypes = "normalize_types"
	FuncTrimStrings    = "trim_strings"
	FuncSetFields      = "set_fields"
	FuncRemoveFields   = "remove_fields"
)

// Builtins returns the data-cleaning functions available to every custom stage.
func Builtins() map[string]RecordFunc {
	return map[string]RecordFunc{
		FuncFillMissing:    FillMissing,
		FuncNormalizeTypes: NormalizeTypes,
		FuncTrimStrings:    TrimStrings,
		FuncSetFields:      SetFields,
		FuncRemoveFields:   RemoveFields,
	}
}

// FillMissing sets default values on missing or null fields.
//
//	params: {defaults: {country: FR, discount: 0}}
func FillMissing(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error) {
	defaults, ok := params["defaults"].(map[string]interface{})
	if !ok || len(defaults) == 0 {
		return nil, fmt.Errorf("%s: params.defaults must be a non-empty object", FuncFillMissing)
	}
	for _, field := range sortedKeys(defaults) {
		if v, ok := pathutil.Get(record, field); ok && v != nil {
			continue
		}
		if err := pathutil.Set(record, field, pipeline.CloneValue(defaults[field])); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// NormalizeTypes converts fields to a declared type. A value that cannot be
// converted fails the record. Missing and null fields are left alone.
//
//	params: {types: {amount: number, quantity: integer, active: boolean}}
func NormalizeTypes(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error) {
	types, ok := params["types"].(map[string]interface{})
	if !ok || len(types) == 0 {
		return nil, fmt.Errorf("%s: params.types must be a non-empty object", FuncNormalizeTypes)
	}
	for _, field := range sortedKeys(types) {
		name, _ := types[field].(string)
		typ, err := pipeline.ParseFieldType(name)
		if err != nil {
			return nil, fmt.Errorf("%s: field %s: %w", FuncNormalizeTypes, field, err)
		}
		v, ok := pathutil.Get(record, field)
		if !ok || v == nil {
			continue
		}
		converted, err := convert(v, typ)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
		if err := pathutil.Set(record, field, converted); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// TrimStrings trims surrounding whitespace from the listed fields, or from
// every top-level string field when no list is given.
//
//	params: {fields: [name, email]}
func TrimStrings(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error) {
	var fields []string
	switch list := params["fields"].(type) {
	case nil:
		for k, v := range record {
			if _, ok := v.(string); ok {
				fields = append(fields, k)
			}
		}
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok {
				fields = append(fields, s)
			}
		}
	case []string:
		fields = list
	default:
		return nil, fmt.Errorf("%s: params.fields must be a list", FuncTrimStrings)
	}

	for _, field := range fields {
		v, ok := pathutil.Get(record, field)
		if !ok {
			continue
		}
		if s, ok := v.(string); ok {
			if err := pathutil.Set(record, field, strings.TrimSpace(s)); err != nil {
				return nil, err
			}
		}
	}
	return record, nil
}

// SetFields sets literal values, overwriting existing ones. Paths use dot
// notation and missing parents are created.
//
//	params: {values: {status: imported, meta.source: crm}}
func SetFields(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error) {
	values, ok := params["values"].(map[string]interface{})
	if !ok || len(values) == 0 {
		return nil, fmt.Errorf("%s: params.values must be a non-empty object", FuncSetFields)
	}
	for _, field := range sortedKeys(values) {
		if err := pathutil.Set(record, field, pipeline.CloneValue(values[field])); err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}
	}
	return record, nil
}

// RemoveFields deletes the listed fields. Absent fields are ignored.
//
//	params: {fields: [password, meta.internal]}
func RemoveFields(record pipeline.Record, params map[string]interface{}) (pipeline.Record, error) {
	var fields []string
	switch list := params["fields"].(type) {
	case []interface{}:
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				fields = append(fields, s)
			}
		}
	case []string:
		fields = list
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%s: params.fields must be a non-empty list", FuncRemoveFields)
	}
	for _, field := range fields {
		pathutil.Delete(record, field)
	}
	return record, nil
}

// convert coerces v to typ.
func convert(v interface{}, typ pipeline.FieldType) (interface{}, error) {
	switch typ {
	case pipeline.FieldString:
		switch s := v.(type) {
		case string:
			return s, nil
		case time.Time:
			return s.Format(time.RFC3339), nil
		}
		if f, ok := toFloat(v); ok {
			return strconv.FormatFloat(f, 'f', -1, 64), nil
		}
		return fmt.Sprint(v), nil

	case pipeline.FieldNumber:
		if f, ok := toFloat(v); ok {
			return f, nil
		}
		if s, ok := v.(string); ok {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err == nil {
				return f, nil
			}
		}

	case pipeline.FieldInteger:
		f, ok := toFloat(v)
		if !ok {
			if s, isStr := v.(string); isStr {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
				f, ok = parsed, err == nil
			}
		}
		if ok && f == math.Trunc(f) && !math.IsInf(f, 0) {
			return int64(f), nil
		}

	case pipeline.FieldBoolean:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			parsed, err := strconv.ParseBool(strings.TrimSpace(strings.ToLower(b)))
			if err == nil {
				return parsed, nil
			}
			switch strings.ToLower(strings.TrimSpace(b)) {
			case "yes", "y", "on":
				return true, nil
			case "no", "n", "off":
				return false, nil
			}
		}
		if f, ok := toFloat(v); ok && (f == 0 || f == 1) {
			return f == 1, nil
		}

	case pipeline.FieldTimestamp:
		switch ts := v.(type) {
		case time.Time:
			return ts.UTC().Format(time.RFC3339Nano), nil
		case string:
			for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", time.DateOnly} {
				if parsed, err := time.Parse(layout, strings.TrimSpace(ts)); err == nil {
					return parsed.UTC().Format(time.RFC3339Nano), nil
				}
			}
		}
		if f, ok := toFloat(v); ok {
			return time.Unix(int64(f), 0).UTC().Format(time.RFC3339Nano), nil
		}

	case pipeline.FieldObject:
		switch o := v.(type) {
		case map[string]interface{}:
			return o, nil
		case string:
			var m map[string]interface{}
			if err := json.Unmarshal([]byte(o), &m); err == nil {
				return m, nil
			}
		}

	case pipeline.FieldArray:
		switch a := v.(type) {
		case []interface{}:
			return a, nil
		case string:
			var list []interface{}
			if err := json.Unmarshal([]byte(a), &list); err == nil {
				return list, nil
			}
		}
	}
	return nil, fmt.Errorf("cannot convert %v (%T) to %s", v, v, typ)
}

// toFloat converts Go numeric values, including json.Number, to float64.
func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case int16:
		return float64(n), true
	case int8:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint8:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

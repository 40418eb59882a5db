package pathutil

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Field path errors
var (
	ErrEmptyPath    = errors.New("empty field path")
	ErrInvalidIndex = errors.New("invalid array index in field path")
)

// IsNested reports whether path uses dot or index notation.
func IsNested(path string) bool {
	return strings.ContainsAny(path, ".[")
}

// Get reads a field from a record. Paths use dot notation for nested objects
// and brackets for array elements: "customer.address.city", "items[0].sku".
// A plain key that contains a dot is matched literally first.
func Get(record map[string]interface{}, path string) (interface{}, bool) {
	if path == "" || record == nil {
		return nil, false
	}
	if v, ok := record[path]; ok {
		return v, true
	}
	if !IsNested(path) {
		return nil, false
	}

	var current interface{} = record
	for _, segment := range strings.Split(path, ".") {
		key, index, hasIndex, err := parseSegment(segment)
		if err != nil {
			return nil, false
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		if current, ok = m[key]; !ok {
			return nil, false
		}
		if hasIndex {
			arr, ok := current.([]interface{})
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, true
}

// Set writes a field, creating intermediate objects as needed. Indexed
// segments extend the array with nils when it is too short.
func Set(record map[string]interface{}, path string, value interface{}) error {
	if path == "" {
		return ErrEmptyPath
	}
	segments := strings.Split(path, ".")
	current := record
	for i, segment := range segments {
		key, index, hasIndex, err := parseSegment(segment)
		if err != nil {
			return err
		}
		last := i == len(segments)-1

		if !hasIndex {
			if last {
				current[key] = value
				return nil
			}
			next, ok := current[key].(map[string]interface{})
			if !ok {
				next = make(map[string]interface{})
				current[key] = next
			}
			current = next
			continue
		}

		arr, _ := current[key].([]interface{})
		if len(arr) <= index {
			arr = append(arr, make([]interface{}, index+1-len(arr))...)
		}
		current[key] = arr
		if last {
			arr[index] = value
			return nil
		}
		next, ok := arr[index].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			arr[index] = next
		}
		current = next
	}
	return nil
}

// Delete removes a field. Missing intermediate keys are not an error.
func Delete(record map[string]interface{}, path string) {
	if _, ok := record[path]; ok || !IsNested(path) {
		delete(record, path)
		return
	}
	idx := strings.LastIndex(path, ".")
	parent := record
	leaf := path
	if idx >= 0 {
		v, ok := Get(record, path[:idx])
		if !ok {
			return
		}
		if parent, ok = v.(map[string]interface{}); !ok {
			return
		}
		leaf = path[idx+1:]
	}

	key, index, hasIndex, err := parseSegment(leaf)
	if err != nil {
		return
	}
	if !hasIndex {
		delete(parent, key)
		return
	}
	arr, ok := parent[key].([]interface{})
	if !ok || index >= len(arr) {
		return
	}
	parent[key] = append(arr[:index:index], arr[index+1:]...)
}

// parseSegment splits "items[2]" into ("items", 2, true).
func parseSegment(segment string) (key string, index int, hasIndex bool, err error) {
	open := strings.IndexByte(segment, '[')
	if open == -1 {
		return segment, -1, false, nil
	}
	if !strings.HasSuffix(segment, "]") || open+1 >= len(segment)-1 {
		return "", -1, false, fmt.Errorf("%w: %q", ErrInvalidIndex, segment)
	}
	n, convErr := strconv.Atoi(segment[open+1 : len(segment)-1])
	if convErr != nil || n < 0 {
		return "", -1, false, fmt.Errorf("%w: %q", ErrInvalidIndex, segment)
	}
	return segment[:open], n, true, nil
}

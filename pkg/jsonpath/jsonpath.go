// Package jsonpath resolves JSONPath-style expressions with gjson.
package jsonpath

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrNotFound is returned when a path does not resolve to a value.
var ErrNotFound = errors.New("path not found")

// ErrInvalidJSON is returned when the document is not valid JSON.
var ErrInvalidJSON = errors.New("invalid JSON")

// Get resolves path in a JSON document.
//
// Both JSONPath ("$.users[0].name") and gjson ("users.0.name") syntax are
// accepted. A JSON null is a found value.
func Get(doc []byte, path string) (gjson.Result, error) {
	if len(doc) == 0 {
		return gjson.Result{}, fmt.Errorf("%w: empty document", ErrInvalidJSON)
	}
	if !gjson.ValidBytes(doc) {
		return gjson.Result{}, ErrInvalidJSON
	}
	if path == "" {
		return gjson.Result{}, fmt.Errorf("empty path")
	}

	result := gjson.GetBytes(doc, ToGjsonPath(path))
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return result, nil
}

// Extract returns the value at path as a string. Nulls render as "null".
func Extract(doc string, path string) (string, error) {
	result, err := Get([]byte(doc), path)
	if err != nil {
		return "", err
	}
	if result.Type == gjson.Null {
		return "null", nil
	}
	return result.String(), nil
}

// Lookup resolves path inside an arbitrary Go value.
//
// gjson.Result values are queried directly; anything else is marshalled to
// JSON first. An empty path returns the value itself.
func Lookup(v any, path string) (gjson.Result, error) {
	var root gjson.Result
	switch val := v.(type) {
	case gjson.Result:
		root = val
	case []byte:
		root = gjson.ParseBytes(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("cannot query %T: %w", v, err)
		}
		root = gjson.ParseBytes(raw)
	}

	if path == "" {
		return root, nil
	}
	result := root.Get(ToGjsonPath(path))
	if !result.Exists() {
		return gjson.Result{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	return result, nil
}

// ToGjsonPath converts a JSONPath expression to gjson syntax.
// Paths already in gjson syntax are returned unchanged.
func ToGjsonPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "$" || path == "" {
		return "@this"
	}
	if !strings.HasPrefix(path, "$") && !strings.ContainsAny(path, "[]") {
		return path
	}

	path = strings.TrimPrefix(path, "$")
	path = strings.TrimPrefix(path, ".")
	if path == "" {
		return "@this"
	}

	var sb strings.Builder
	for i := 0; i < len(path); i++ {
		c := path[i]
		if c != '[' {
			sb.WriteByte(c)
			continue
		}

		end := strings.IndexByte(path[i:], ']')
		if end < 0 {
			sb.WriteString(path[i:])
			break
		}
		key := strings.Trim(path[i+1:i+end], `'"`)
		if sb.Len() > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(key)
		i += end
	}
	return sb.String()
}

package flow

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/wesleyorama2/stampede/pkg/jsonpath"
)

// Values is a read-only variable set, such as the result of setup.
type Values map[string]any

// Scope is a mutable variable set.
type Scope struct {
	mu   sync.RWMutex
	vals map[string]any
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{vals: make(map[string]any)}
}

// Set stores a value.
func (s *Scope) Set(name string, value any) {
	s.mu.Lock()
	s.vals[name] = value
	s.mu.Unlock()
}

// Get returns a value by exact name.
func (s *Scope) Get(name string) (any, bool) {
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vals[name]
	return v, ok
}

// Delete removes a value.
func (s *Scope) Delete(name string) {
	s.mu.Lock()
	delete(s.vals, name)
	s.mu.Unlock()
}

// Len returns the number of values held.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vals)
}

// Snapshot copies the scope into a read-only Values.
func (s *Scope) Snapshot() Values {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(Values, len(s.vals))
	for k, v := range s.vals {
		out[k] = v
	}
	return out
}

// Names returns the sorted variable names.
func (s *Scope) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.vals))
	for k := range s.vals {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

type getter interface {
	Get(name string) (any, bool)
}

// Get returns a value by exact name.
func (v Values) Get(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

type stringValues map[string]string

func (v stringValues) Get(name string) (any, bool) {
	val, ok := v[name]
	return val, ok
}

// resolve looks name up in each source in order. A dotted name is first
// tried verbatim, then as a root variable followed by a gjson path.
func resolve(name string, sources ...getter) (any, bool) {
	for _, src := range sources {
		if v, ok := src.Get(name); ok {
			return v, true
		}
	}

	root, path, ok := strings.Cut(name, ".")
	if !ok {
		return nil, false
	}
	for _, src := range sources {
		v, ok := src.Get(root)
		if !ok {
			continue
		}
		res, err := jsonpath.Lookup(v, path)
		if err != nil {
			return nil, false
		}
		return res, true
	}
	return nil, false
}

// present reports whether v holds a usable value. JSON null and missing
// gjson results count as absent.
func present(v any) bool {
	switch val := v.(type) {
	case nil:
		return false
	case gjson.Result:
		return val.Exists() && val.Type != gjson.Null
	}
	return true
}

// Stringify renders a variable the way templates insert it.
func Stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	case gjson.Result:
		if val.Type == gjson.String {
			return val.Str
		}
		return val.Raw
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case fmt.Stringer:
		return val.String()
	case map[string]any, []any:
		raw, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(raw)
	default:
		return fmt.Sprint(val)
	}
}

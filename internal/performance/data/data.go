// Package data holds read-only fixtures shared by every virtual user.
package data

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/stampede/internal/performance/config"
	"github.com/wesleyorama2/stampede/pkg/jsonpath"
)

// ErrUnknownDataset is returned when a flow picks from an undeclared dataset.
var ErrUnknownDataset = errors.New("unknown dataset")

// Order is the record pick strategy.
type Order string

const (
	// OrderVU gives each VU a stable record: (vu-1) mod len.
	OrderVU Order = "vu"
	// OrderRandom picks uniformly at random on every call.
	OrderRandom Order = "random"
	// OrderSequential hands records out round-robin across all VUs.
	OrderSequential Order = "sequential"
)

// ParseOrder parses a pick strategy; the empty string means OrderVU.
func ParseOrder(s string) (Order, error) {
	switch o := Order(strings.ToLower(strings.TrimSpace(s))); o {
	case "", OrderVU:
		return OrderVU, nil
	case OrderRandom, OrderSequential:
		return o, nil
	default:
		return "", fmt.Errorf("unknown pick order %q", s)
	}
}

// Dataset is an immutable list of records.
type Dataset struct {
	name    string
	order   Order
	records []gjson.Result
	next    atomic.Uint64
}

// NewDataset normalizes records to JSON so every record can be queried
// with gjson paths.
func NewDataset(name string, records []any, order Order) (*Dataset, error) {
	if len(records) == 0 {
		return nil, fmt.Errorf("dataset %s: no records", name)
	}

	out := make([]gjson.Result, len(records))
	for i, rec := range records {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: record %d: %w", name, i, err)
		}
		out[i] = gjson.ParseBytes(raw)
	}
	return &Dataset{name: name, order: order, records: out}, nil
}

// Name returns the dataset name.
func (d *Dataset) Name() string { return d.name }

// Len returns the number of records.
func (d *Dataset) Len() int { return len(d.records) }

// At returns record i modulo the dataset length.
func (d *Dataset) At(i int) gjson.Result {
	n := len(d.records)
	return d.records[((i%n)+n)%n]
}

// Pick selects a record for vu according to the dataset order.
func (d *Dataset) Pick(vu int) gjson.Result {
	switch d.order {
	case OrderRandom:
		return d.records[rand.IntN(len(d.records))]
	case OrderSequential:
		i := d.next.Add(1) - 1
		return d.records[i%uint64(len(d.records))]
	default:
		return d.At(vu - 1)
	}
}

// Store is the set of datasets of a run.
type Store struct {
	sets map[string]*Dataset
}

// NewStore creates a store holding sets.
func NewStore(sets ...*Dataset) *Store {
	s := &Store{sets: make(map[string]*Dataset, len(sets))}
	for _, d := range sets {
		s.sets[d.name] = d
	}
	return s
}

// Get returns the named dataset.
func (s *Store) Get(name string) (*Dataset, error) {
	if s != nil {
		if d, ok := s.sets[name]; ok {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
}

// Names returns the dataset names in sorted order.
func (s *Store) Names() []string {
	if s == nil {
		return nil
	}
	names := make([]string, 0, len(s.sets))
	for name := range s.sets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Load builds a store from the data section of a test configuration.
func Load(cfgs map[string]*config.DataConfig) (*Store, error) {
	store := NewStore()
	for name, cfg := range cfgs {
		if cfg == nil {
			continue
		}
		order, err := ParseOrder(cfg.Order)
		if err != nil {
			return nil, fmt.Errorf("dataset %s: %w", name, err)
		}

		records := cfg.Records
		if cfg.File != "" {
			records, err = LoadFile(cfg.File, cfg.Path)
			if err != nil {
				return nil, fmt.Errorf("dataset %s: %w", name, err)
			}
		}

		ds, err := NewDataset(name, records, order)
		if err != nil {
			return nil, err
		}
		store.sets[name] = ds
	}
	return store, nil
}

// LoadFile reads a JSON or YAML file and returns the array found at path,
// or the whole document when path is empty.
func LoadFile(file, path string) ([]any, error) {
	raw, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read data file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(file))
	if ext == ".yaml" || ext == ".yml" {
		var doc any
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse YAML data file: %w", err)
		}
		if raw, err = json.Marshal(doc); err != nil {
			return nil, fmt.Errorf("data file %s is not JSON-compatible: %w", file, err)
		}
	}

	result := gjson.ParseBytes(raw)
	if path != "" {
		if result, err = jsonpath.Get(raw, path); err != nil {
			return nil, fmt.Errorf("data file %s: %w", file, err)
		}
	}
	if !result.IsArray() {
		return nil, fmt.Errorf("data file %s: expected an array of records", file)
	}

	var records []any
	if err := json.Unmarshal([]byte(result.Raw), &records); err != nil {
		return nil, fmt.Errorf("data file %s: %w", file, err)
	}
	return records, nil
}

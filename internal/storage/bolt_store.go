package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

const (
	// BucketRuns maps a run ID to its JSON-encoded HistoryItem.
	BucketRuns = "runs"
	// BucketIndex maps start time + run ID to the run ID, in run order.
	BucketIndex = "index"
)

var (
	// ErrNotFound is returned when no run matches an ID.
	ErrNotFound = errors.New("run not found")
	// ErrAmbiguousID is returned when an ID prefix matches more than one run.
	ErrAmbiguousID = errors.New("ambiguous run id")
)

// Store persists run history in a bbolt file.
type Store struct {
	db       *bbolt.DB
	filePath string
}

// DefaultPath returns ~/.stampede/history.db.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".stampede", "history.db")
	}
	return filepath.Join(home, ".stampede", "history.db")
}

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open history %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketRuns, BucketIndex} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize history: %w", err)
	}

	return &Store{db: db, filePath: path}, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.filePath
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func indexKey(item HistoryItem) []byte {
	key := make([]byte, 8, 8+len(item.ID))
	binary.BigEndian.PutUint64(key, uint64(item.Timestamp.UnixNano()))
	return append(key, item.ID...)
}

// Save records item, replacing any earlier run with the same ID.
func (s *Store) Save(item HistoryItem) error {
	if item.ID == "" {
		return fmt.Errorf("history item has no id")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode history item: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		index := tx.Bucket([]byte(BucketIndex))

		if prev := runs.Get([]byte(item.ID)); prev != nil {
			var old HistoryItem
			if err := json.Unmarshal(prev, &old); err == nil {
				if err := index.Delete(indexKey(old)); err != nil {
					return err
				}
			}
		}
		if err := runs.Put([]byte(item.ID), data); err != nil {
			return err
		}
		return index.Put(indexKey(item), []byte(item.ID))
	})
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(limit int) ([]HistoryItem, error) {
	var items []HistoryItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		c := tx.Bucket([]byte(BucketIndex)).Cursor()

		for k, id := c.Last(); k != nil; k, id = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			v := runs.Get(id)
			if v == nil {
				continue
			}
			var item HistoryItem
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("run %s: %w", id, err)
			}
			items = append(items, item)
		}
		return nil
	})
	return items, err
}

// Get returns the run with the given ID, or the only run whose ID starts
// with it.
func (s *Store) Get(id string) (*HistoryItem, error) {
	if id == "" {
		return nil, ErrNotFound
	}

	var item HistoryItem
	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		if v := runs.Get([]byte(id)); v != nil {
			return json.Unmarshal(v, &item)
		}

		var match []byte
		c := runs.Cursor()
		prefix := []byte(id)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			if match != nil {
				return fmt.Errorf("%w: %s", ErrAmbiguousID, id)
			}
			match = v
		}
		if match == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return json.Unmarshal(match, &item)
	})
	if err != nil {
		return nil, err
	}
	return &item, nil
}

// Delete removes a run.
func (s *Store) Delete(id string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		v := runs.Get([]byte(id))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		var item HistoryItem
		if err := json.Unmarshal(v, &item); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(BucketIndex)).Delete(indexKey(item)); err != nil {
			return err
		}
		return runs.Delete([]byte(id))
	})
}

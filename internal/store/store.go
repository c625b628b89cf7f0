// Package store implements the persistence backend contract from
// spec.md §6: a path-keyed record store carrying mode/owner/group/
// modification-time metadata, plus a side key-value metadata store,
// backed by go.etcd.io/bbolt the way the wider example pack reaches
// for bbolt whenever it needs a small embedded, crash-safe, ordered KV
// store.
package store

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketRecords = []byte("records")
	bucketMeta    = []byte("meta")
)

// ErrNotFound is returned by Load/Delete/MetaGet when the key is absent.
var ErrNotFound = errors.New("store: not found")

// Record is one path's stored bytes plus its metadata, per spec.md §6
// "each record holds bytes plus mode, owner, group, and
// modification-time metadata".
type Record struct {
	Bytes   []byte
	Mode    uint32
	Owner   uint32
	Group   uint32
	ModTime time.Time
}

// Store is the bbolt-backed implementation of the persistence contract.
type Store struct {
	db *bolt.DB
}

// Open creates or opens a store at path, creating its buckets if absent.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("store: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes data at path with the given mode bits, per the bridge
// persistence call family's save(path, buf, len, mode).
func (s *Store) Save(path string, data []byte, mode uint32) error {
	rec := Record{Bytes: append([]byte(nil), data...), Mode: mode, ModTime: time.Now()}
	return s.putRecord(path, rec)
}

// SaveRecord writes a full record, preserving caller-chosen owner/group
// in addition to the bridge-facing Save's simpler signature.
func (s *Store) SaveRecord(path string, rec Record) error {
	if rec.ModTime.IsZero() {
		rec.ModTime = time.Now()
	}
	return s.putRecord(path, rec)
}

func (s *Store) putRecord(path string, rec Record) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(rec); err != nil {
		return fmt.Errorf("store: encode record %s: %w", path, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).Put([]byte(path), buf.Bytes())
	})
}

// Load reads up to len(dest) bytes of path's record into dest, per the
// bridge persistence call family's load(path, buf, count).
func (s *Store) Load(path string, dest []byte) (int, error) {
	rec, err := s.LoadRecord(path)
	if err != nil {
		return 0, err
	}
	return copy(dest, rec.Bytes), nil
}

// LoadRecord returns the full record stored at path.
func (s *Store) LoadRecord(path string) (Record, error) {
	var rec Record
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketRecords).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		return gob.NewDecoder(bytes.NewReader(raw)).Decode(&rec)
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Delete removes path's record.
func (s *Store) Delete(path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecords)
		if b.Get([]byte(path)) == nil {
			return ErrNotFound
		}
		return b.Delete([]byte(path))
	})
}

// Exists reports whether path has a record.
func (s *Store) Exists(path string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		found = tx.Bucket(bucketRecords).Get([]byte(path)) != nil
		return nil
	})
	return found, err
}

// ListByPrefix returns every stored path sharing prefix, sorted.
func (s *Store) ListByPrefix(prefix string) ([]string, error) {
	var paths []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecords).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			paths = append(paths, string(k))
		}
		return nil
	})
	sort.Strings(paths)
	return paths, err
}

// List writes every path sharing prefix, newline-joined and truncated
// to len(dest), per the bridge call family's list(prefix, buf, count)
// where "list's output is newline-joined paths truncated to buffer
// length" (spec.md §4.3).
func (s *Store) List(prefix string, dest []byte) (int, error) {
	paths, err := s.ListByPrefix(prefix)
	if err != nil {
		return 0, err
	}
	joined := strings.Join(paths, "\n")
	return copy(dest, joined), nil
}

// TotalSize sums the stored byte length of every record.
func (s *Store) TotalSize() (uint64, error) {
	var total uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			total += uint64(len(rec.Bytes))
			return nil
		})
	})
	return total, err
}

// Clear removes every record and every metadata entry.
func (s *Store) Clear() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRecords, bucketMeta} {
			if err := tx.DeleteBucket(bucket); err != nil {
				return err
			}
			if _, err := tx.CreateBucket(bucket); err != nil {
				return err
			}
		}
		return nil
	})
}

// Export dumps every path -> Record pair currently stored.
func (s *Store) Export() (map[string]Record, error) {
	out := map[string]Record{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec Record
			if err := gob.NewDecoder(bytes.NewReader(v)).Decode(&rec); err != nil {
				return err
			}
			out[string(k)] = rec
			return nil
		})
	})
	return out, err
}

// Import writes every path -> Record pair, overwriting any existing
// record at the same path.
func (s *Store) Import(records map[string]Record) error {
	for path, rec := range records {
		if err := s.SaveRecord(path, rec); err != nil {
			return fmt.Errorf("store: import %s: %w", path, err)
		}
	}
	return nil
}

// MetaSet stores an arbitrary key -> bytes pair unrelated to any path,
// per spec.md §6 "a separate small key-value store for metadata".
func (s *Store) MetaSet(key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMeta).Put([]byte(key), value)
	})
}

// MetaGet reads a metadata value.
func (s *Store) MetaGet(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketMeta).Get([]byte(key))
		if v == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}
